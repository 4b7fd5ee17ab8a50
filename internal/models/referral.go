package models

import "time"

// ConversionStatus of a referral. Once converted the state is terminal:
// a referral is never re-attributed.
type ConversionStatus string

const (
	ConversionPending   ConversionStatus = "pending"
	ConversionConverted ConversionStatus = "converted"
	ConversionAbandoned ConversionStatus = "abandoned"
)

// Valid reports whether s is a known conversion status.
func (s ConversionStatus) Valid() bool {
	switch s {
	case ConversionPending, ConversionConverted, ConversionAbandoned:
		return true
	}
	return false
}

// Referral is a marketing-attributed visit identified by its UTM triple
// rather than a click ID. Created when a referral-tagged page view first
// appears; mutated exactly once when an order attributes to it.
type Referral struct {
	ID         string `json:"id"`
	ReferralID string `json:"referral_id"`
	ShopID     string `json:"shop_id"`

	UTMSource   string `json:"utm_source"`
	UTMMedium   string `json:"utm_medium"`
	UTMCampaign string `json:"utm_campaign"`

	SourceURL   string `json:"source_url,omitempty"`
	TargetURL   string `json:"target_url,omitempty"`
	ProductName string `json:"product_name,omitempty"`

	ConversionStatus ConversionStatus `json:"conversion_status"`
	ConversionValue  *float64         `json:"conversion_value,omitempty"`

	ClickedAt time.Time `json:"clicked_at"`
}
