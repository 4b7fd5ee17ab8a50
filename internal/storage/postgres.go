package storage

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresStores wires every repository onto one shared pool.
func NewPostgresStores(pool *pgxpool.Pool) *Stores {
	return &Stores{
		Shops:      NewPostgresShopRepo(pool),
		Clicks:     NewPostgresClickRegistry(pool),
		Referrals:  NewPostgresReferralRepo(pool),
		Events:     NewPostgresEventStore(pool),
		Orders:     NewPostgresOrderRepo(pool),
		Aggregates: NewPostgresAggregateRepo(pool),
	}
}

// NewMemoryStores returns the in-memory implementation of every store,
// used in tests and when PostgreSQL is unavailable.
func NewMemoryStores() *Stores {
	return &Stores{
		Shops:      NewMemoryShopRepo(),
		Clicks:     NewMemoryClickRegistry(),
		Referrals:  NewMemoryReferralRepo(),
		Events:     NewMemoryEventStore(),
		Orders:     NewMemoryOrderRepo(),
		Aggregates: NewMemoryAggregateRepo(),
	}
}
