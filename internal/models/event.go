package models

import (
	"encoding/json"
	"time"
)

// EventType is the canonical behavioral event taxonomy.
type EventType string

const (
	EventPageView          EventType = "page_view"
	EventProductView       EventType = "product_view"
	EventAddToCart         EventType = "add_to_cart"
	EventBeginCheckout     EventType = "begin_checkout"
	EventCheckoutAbandoned EventType = "checkout_abandoned"
	EventCheckoutCompleted EventType = "checkout_completed"
)

// Valid reports whether t is one of the six canonical event types.
func (t EventType) Valid() bool {
	switch t {
	case EventPageView, EventProductView, EventAddToCart,
		EventBeginCheckout, EventCheckoutAbandoned, EventCheckoutCompleted:
		return true
	}
	return false
}

// Event is an atomic behavioral fact. Events are append-only: created once
// per ingested occurrence, never deduplicated, never mutated.
type Event struct {
	ID     string    `json:"id"`
	ShopID string    `json:"shop_id"`
	Type   EventType `json:"event_type"`

	SessionID  string    `json:"session_id"`
	Path       string    `json:"path"`
	OccurredAt time.Time `json:"occurred_at"`

	// Optional attribution link; nil when the event arrived without a
	// resolvable click.
	ClickID *string `json:"click_id,omitempty"`

	// Optional commerce fields
	ProductID  string   `json:"product_id,omitempty"`
	VariantID  string   `json:"variant_id,omitempty"`
	Quantity   *int     `json:"quantity,omitempty"`
	Value      *float64 `json:"value,omitempty"`
	Currency   string   `json:"currency,omitempty"`
	OrderID    string   `json:"order_id,omitempty"`
	CartToken  string   `json:"cart_token,omitempty"`
	CheckoutID string   `json:"checkout_id,omitempty"`

	// Request context
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	// Raw payload stored for audit. Opaque to matching logic.
	RawData json.RawMessage `json:"raw_data,omitempty"`
}
