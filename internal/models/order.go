package models

import "time"

// Order is a completed purchase reported by the commerce platform. The
// click/referral links are set at most once by the attribution matcher and
// never overwritten: first successful attribution wins.
type Order struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"` // platform-assigned, unique per shop
	ShopID  string `json:"shop_id"`

	TotalPrice float64 `json:"total_price"`
	Currency   string  `json:"currency"`

	// Attribution inputs from the platform payload
	SourceURL  string `json:"source_url,omitempty"`
	SourceName string `json:"source_name,omitempty"`

	// Attribution outputs, nil until matched
	ClickID    *string `json:"click_id,omitempty"`
	ReferralID *string `json:"referral_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Attributed reports whether the order already carries an attribution link.
func (o *Order) Attributed() bool {
	return o.ClickID != nil || o.ReferralID != nil
}
