package models

import "time"

// Aggregate is one reporting rollup row per (shop, calendar day). At most
// one row exists per shop and date; the daily job checks existence before
// creating, which makes re-runs no-ops.
type Aggregate struct {
	ID     string    `json:"id"`
	ShopID string    `json:"shop_id"`
	Date   time.Time `json:"date"` // start of day, UTC

	Sessions     int `json:"sessions"`      // distinct session IDs that day
	ProductViews int `json:"product_views"` // page_view + product_view count

	CreatedAt time.Time `json:"created_at"`
}
