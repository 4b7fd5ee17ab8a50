package storage

import (
	"context"
	"time"

	"github.com/ipick/trackd/internal/models"
)

// =============================================
// SHOP REPOSITORY
// =============================================

// ShopRepo defines operations for shop storage.
type ShopRepo interface {
	GetByID(ctx context.Context, id string) (*models.Shop, error)
	// GetByDomain resolves a shop by exact match against its primary or
	// platform domain. Returns models.ErrNotFound when no shop matches.
	GetByDomain(ctx context.Context, domain string) (*models.Shop, error)
	ListActive(ctx context.Context) ([]*models.Shop, error)
	Upsert(ctx context.Context, shop *models.Shop) error
}

// =============================================
// CLICK REGISTRY
// =============================================

// ClickRegistry stores referral click records keyed by the client-supplied
// click identifier, unique per shop.
type ClickRegistry interface {
	// Register is idempotent: re-registering an existing (shop, clickID)
	// pair returns the stored record rather than duplicating it.
	Register(ctx context.Context, click *models.Click) (*models.Click, error)
	// Lookup performs a point lookup scoped to the shop. Returns
	// models.ErrNotFound on a miss.
	Lookup(ctx context.Context, shopID, clickID string) (*models.Click, error)
}

// =============================================
// REFERRAL REPOSITORY
// =============================================

// ReferralRepo defines operations for UTM-identified referral visits.
type ReferralRepo interface {
	Create(ctx context.Context, ref *models.Referral) error
	GetByID(ctx context.Context, id string) (*models.Referral, error)
	// GetByUTM returns the most recent pending referral with an identical
	// (source, medium, campaign) triple for the shop.
	GetByUTM(ctx context.Context, shopID, source, medium, campaign string) (*models.Referral, error)
	// FindByKnownSource returns the most recent pending referral whose UTM
	// source exactly matches or is prefixed by one of the fixed aliases.
	// Aliases are configuration, never arbitrary caller input.
	FindByKnownSource(ctx context.Context, shopID string, aliases []string) (*models.Referral, error)
	// ListPendingSince returns pending referrals clicked at or after cutoff,
	// ordered ascending by clicked-at, bounded by limit. A limit of zero or
	// less means unbounded.
	ListPendingSince(ctx context.Context, shopID string, cutoff time.Time, limit int) ([]*models.Referral, error)
	// ConvertIfPending transitions pending -> converted and records the
	// conversion value. The update is conditional on the current status:
	// a referral that is no longer pending yields models.ErrStateConflict,
	// so concurrent converters observe exactly one success.
	ConvertIfPending(ctx context.Context, id string, value float64) error
	// RevertToPending transitions converted -> pending and clears the
	// conversion value, returning the referral to the matchable pool. Used
	// to compensate a conversion whose order linkage was lost to a
	// concurrent writer. Conditional like ConvertIfPending: a referral that
	// is not converted yields models.ErrStateConflict.
	RevertToPending(ctx context.Context, id string) error
	// MarkAbandoned transitions pending -> abandoned.
	MarkAbandoned(ctx context.Context, id string) error
}

// =============================================
// EVENT STORE
// =============================================

// EventFilter narrows event queries. Zero times mean unbounded; an empty
// type means all types.
type EventFilter struct {
	ShopID string
	From   time.Time
	To     time.Time
	Type   models.EventType
	Limit  int
}

// EventStore defines operations for behavioral event storage. The event
// table is append-only: there is no update or delete operation.
type EventStore interface {
	Insert(ctx context.Context, ev *models.Event) error
	Query(ctx context.Context, f EventFilter) ([]*models.Event, error)
	Count(ctx context.Context, f EventFilter) (int64, error)
	// CountAttributed counts events carrying a click link in the window.
	CountAttributed(ctx context.Context, f EventFilter) (int64, error)
	CountByType(ctx context.Context, shopID string, from, to time.Time) (map[models.EventType]int64, error)
	// DistinctSessions counts distinct session IDs for the shop and window.
	DistinctSessions(ctx context.Context, shopID string, from, to time.Time) (int, error)
}

// =============================================
// ORDER REPOSITORY
// =============================================

// OrderRepo defines operations for completed purchases.
type OrderRepo interface {
	// Create is idempotent on (shop, orderID): when the order already
	// exists the stored record is returned unchanged.
	Create(ctx context.Context, order *models.Order) (*models.Order, error)
	GetByOrderID(ctx context.Context, shopID, orderID string) (*models.Order, error)
	// LinkClickIfUnset sets the click link only when no attribution link
	// exists yet; a second writer gets models.ErrStateConflict.
	LinkClickIfUnset(ctx context.Context, id, clickID string) error
	// LinkReferralIfUnset sets the referral link only when no attribution
	// link exists yet.
	LinkReferralIfUnset(ctx context.Context, id, referralID string) error
	// QueryWindow returns orders inside [from, to] newest first. A limit of
	// zero or less means unbounded.
	QueryWindow(ctx context.Context, shopID string, from, to time.Time, limit int) ([]*models.Order, error)
}

// =============================================
// AGGREGATE REPOSITORY
// =============================================

// AggregateRepo defines operations for daily per-shop rollups.
type AggregateRepo interface {
	// CreateIfAbsent inserts the aggregate unless a row already exists for
	// (shop, date). Returns false when the row existed; the insert-or-skip
	// decision is a single atomic operation, so concurrent job runs cannot
	// produce duplicate rows.
	CreateIfAbsent(ctx context.Context, agg *models.Aggregate) (bool, error)
	Exists(ctx context.Context, shopID string, date time.Time) (bool, error)
	GetRange(ctx context.Context, shopID string, from, to time.Time) ([]*models.Aggregate, error)
}

// Stores bundles every repository behind one handle, constructed once at
// process start and passed into each component.
type Stores struct {
	Shops      ShopRepo
	Clicks     ClickRegistry
	Referrals  ReferralRepo
	Events     EventStore
	Orders     OrderRepo
	Aggregates AggregateRepo
}
