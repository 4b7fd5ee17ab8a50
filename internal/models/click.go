package models

import "time"

// Click is one outbound referral redirect, recorded by the redirect service.
// The click ID is client-supplied and unique per shop. Clicks are read-only
// to the attribution engine.
type Click struct {
	ID      string `json:"id"`
	ClickID string `json:"click_id"`
	ShopID  string `json:"shop_id"`

	DestinationURL string `json:"destination_url"`
	IPAddress      string `json:"ip_address"`
	UserAgent      string `json:"user_agent"`
	GeoCountry     string `json:"geo_country,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
