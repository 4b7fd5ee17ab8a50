package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ipick/trackd/internal/models"
)

// PostgresAggregateRepo implements AggregateRepo using PostgreSQL.
type PostgresAggregateRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresAggregateRepo(pool *pgxpool.Pool) *PostgresAggregateRepo {
	return &PostgresAggregateRepo{pool: pool}
}

// CreateIfAbsent relies on the (shop_id, date) unique index: concurrent
// aggregator runs cannot both insert, so the caller learns atomically
// whether it owns the row.
func (r *PostgresAggregateRepo) CreateIfAbsent(ctx context.Context, agg *models.Aggregate) (bool, error) {
	if agg.ID == "" {
		agg.ID = uuid.New().String()
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO aggregates (id, shop_id, date, sessions, product_views, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (shop_id, date) DO NOTHING
	`, agg.ID, agg.ShopID, agg.Date, agg.Sessions, agg.ProductViews)
	if err != nil {
		return false, fmt.Errorf("failed to create aggregate: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresAggregateRepo) Exists(ctx context.Context, shopID string, date time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM aggregates WHERE shop_id = $1 AND date = $2)
	`, shopID, date).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check aggregate existence: %w", err)
	}
	return exists, nil
}

func (r *PostgresAggregateRepo) GetRange(ctx context.Context, shopID string, from, to time.Time) ([]*models.Aggregate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, shop_id, date, sessions, product_views, created_at
		FROM aggregates
		WHERE shop_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date
	`, shopID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []*models.Aggregate
	for rows.Next() {
		var a models.Aggregate
		if err := rows.Scan(&a.ID, &a.ShopID, &a.Date, &a.Sessions, &a.ProductViews, &a.CreatedAt); err != nil {
			return nil, err
		}
		aggs = append(aggs, &a)
	}
	return aggs, rows.Err()
}
