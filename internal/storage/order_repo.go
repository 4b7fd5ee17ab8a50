package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ipick/trackd/internal/models"
)

// PostgresOrderRepo implements OrderRepo using PostgreSQL.
type PostgresOrderRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresOrderRepo(pool *pgxpool.Pool) *PostgresOrderRepo {
	return &PostgresOrderRepo{pool: pool}
}

const orderColumns = `id, order_id, shop_id, total_price, currency, source_url, source_name,
	click_id, referral_id, created_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.OrderID, &o.ShopID, &o.TotalPrice, &o.Currency,
		&o.SourceURL, &o.SourceName, &o.ClickID, &o.ReferralID, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Create is idempotent on (shop, orderID): a retried webhook gets the
// stored record back instead of a duplicate row.
func (r *PostgresOrderRepo) Create(ctx context.Context, order *models.Order) (*models.Order, error) {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO orders (id, order_id, shop_id, total_price, currency, source_url, source_name,
			click_id, referral_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (shop_id, order_id) DO NOTHING
	`, order.ID, order.OrderID, order.ShopID, order.TotalPrice, order.Currency,
		order.SourceURL, order.SourceName, order.ClickID, order.ReferralID, order.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return r.GetByOrderID(ctx, order.ShopID, order.OrderID)
	}
	return order, nil
}

func (r *PostgresOrderRepo) GetByOrderID(ctx context.Context, shopID, orderID string) (*models.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE shop_id = $1 AND order_id = $2
	`, shopID, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// LinkClickIfUnset makes the click linkage permanent. The NULL predicate is
// part of the update, so the first successful attribution wins and retries
// see models.ErrStateConflict.
func (r *PostgresOrderRepo) LinkClickIfUnset(ctx context.Context, id, clickID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE orders SET click_id = $2
		WHERE id = $1 AND click_id IS NULL AND referral_id IS NULL
	`, id, clickID)
	if err != nil {
		return fmt.Errorf("failed to link click to order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrStateConflict
	}
	return nil
}

// LinkReferralIfUnset mirrors LinkClickIfUnset for UTM-matched referrals.
func (r *PostgresOrderRepo) LinkReferralIfUnset(ctx context.Context, id, referralID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE orders SET referral_id = $2
		WHERE id = $1 AND click_id IS NULL AND referral_id IS NULL
	`, id, referralID)
	if err != nil {
		return fmt.Errorf("failed to link referral to order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrStateConflict
	}
	return nil
}

func (r *PostgresOrderRepo) QueryWindow(ctx context.Context, shopID string, from, to time.Time, limit int) ([]*models.Order, error) {
	query := `
		SELECT ` + orderColumns + ` FROM orders
		WHERE shop_id = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at DESC`
	args := []interface{}{shopID, from, to}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
