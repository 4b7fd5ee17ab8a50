package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ipick/trackd/internal/models"
)

// PostgresEventStore implements EventStore using PostgreSQL.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

func NewPostgresEventStore(pool *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

const eventColumns = `id, shop_id, event_type, session_id, path, occurred_at, click_id,
	product_id, variant_id, quantity, value, currency, order_id, cart_token, checkout_id,
	ip_address, user_agent, raw_data`

func scanEvent(row pgx.Row) (*models.Event, error) {
	var ev models.Event
	var typ string
	err := row.Scan(&ev.ID, &ev.ShopID, &typ, &ev.SessionID, &ev.Path, &ev.OccurredAt,
		&ev.ClickID, &ev.ProductID, &ev.VariantID, &ev.Quantity, &ev.Value, &ev.Currency,
		&ev.OrderID, &ev.CartToken, &ev.CheckoutID, &ev.IPAddress, &ev.UserAgent, &ev.RawData)
	if err != nil {
		return nil, err
	}
	ev.Type = models.EventType(typ)
	return &ev, nil
}

// Insert appends one event. There is intentionally no conflict clause:
// every ingestion call produces exactly one new row.
func (s *PostgresEventStore) Insert(ctx context.Context, ev *models.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, shop_id, event_type, session_id, path, occurred_at, click_id,
			product_id, variant_id, quantity, value, currency, order_id, cart_token, checkout_id,
			ip_address, user_agent, raw_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, ev.ID, ev.ShopID, string(ev.Type), ev.SessionID, ev.Path, ev.OccurredAt, ev.ClickID,
		ev.ProductID, ev.VariantID, ev.Quantity, ev.Value, ev.Currency, ev.OrderID,
		ev.CartToken, ev.CheckoutID, ev.IPAddress, ev.UserAgent, ev.RawData)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// filterClause builds the shared WHERE clause for event queries.
func (s *PostgresEventStore) filterClause(f EventFilter) (string, []interface{}) {
	conds := []string{"shop_id = $1"}
	args := []interface{}{f.ShopID}

	if !f.From.IsZero() {
		args = append(args, f.From)
		conds = append(conds, "occurred_at >= $"+strconv.Itoa(len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		conds = append(conds, "occurred_at <= $"+strconv.Itoa(len(args)))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		conds = append(conds, "event_type = $"+strconv.Itoa(len(args)))
	}

	return strings.Join(conds, " AND "), args
}

func (s *PostgresEventStore) Query(ctx context.Context, f EventFilter) ([]*models.Event, error) {
	where, args := s.filterClause(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE `+where+`
		ORDER BY occurred_at DESC
		LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresEventStore) Count(ctx context.Context, f EventFilter) (int64, error) {
	where, args := s.filterClause(f)

	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM events WHERE `+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func (s *PostgresEventStore) CountAttributed(ctx context.Context, f EventFilter) (int64, error) {
	where, args := s.filterClause(f)

	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM events WHERE `+where+` AND click_id IS NOT NULL
	`, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count attributed events: %w", err)
	}
	return n, nil
}

func (s *PostgresEventStore) CountByType(ctx context.Context, shopID string, from, to time.Time) (map[models.EventType]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_type, count(*) FROM events
		WHERE shop_id = $1 AND occurred_at >= $2 AND occurred_at <= $3
		GROUP BY event_type
	`, shopID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to count events by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.EventType]int64)
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		counts[models.EventType(typ)] = n
	}
	return counts, rows.Err()
}

func (s *PostgresEventStore) DistinctSessions(ctx context.Context, shopID string, from, to time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(DISTINCT session_id) FROM events
		WHERE shop_id = $1 AND occurred_at >= $2 AND occurred_at <= $3
	`, shopID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}
