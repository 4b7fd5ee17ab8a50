package models

import "time"

// Shop is a merchant storefront. Identity is immutable for attribution
// purposes; every other entity is foreign-keyed to the shop.
type Shop struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	Domain         string    `json:"domain"`          // primary custom domain
	PlatformDomain string    `json:"platform_domain"` // *.myshopify.com style domain
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}
