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

// PostgresClickRegistry implements ClickRegistry using PostgreSQL.
type PostgresClickRegistry struct {
	pool *pgxpool.Pool
}

func NewPostgresClickRegistry(pool *pgxpool.Pool) *PostgresClickRegistry {
	return &PostgresClickRegistry{pool: pool}
}

const clickColumns = `id, click_id, shop_id, destination_url, ip_address, user_agent, geo_country, created_at`

func scanClick(row pgx.Row) (*models.Click, error) {
	var c models.Click
	err := row.Scan(&c.ID, &c.ClickID, &c.ShopID, &c.DestinationURL,
		&c.IPAddress, &c.UserAgent, &c.GeoCountry, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Register inserts the click unless the (shop, clickID) pair already
// exists, in which case the stored record wins and is returned.
func (r *PostgresClickRegistry) Register(ctx context.Context, click *models.Click) (*models.Click, error) {
	if click.ID == "" {
		click.ID = uuid.New().String()
	}
	if click.CreatedAt.IsZero() {
		click.CreatedAt = time.Now().UTC()
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO clicks (id, click_id, shop_id, destination_url, ip_address, user_agent, geo_country, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (shop_id, click_id) DO NOTHING
	`, click.ID, click.ClickID, click.ShopID, click.DestinationURL,
		click.IPAddress, click.UserAgent, click.GeoCountry, click.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to register click: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return r.Lookup(ctx, click.ShopID, click.ClickID)
	}
	return click, nil
}

// Lookup returns the click scoped to the shop, or models.ErrNotFound.
func (r *PostgresClickRegistry) Lookup(ctx context.Context, shopID, clickID string) (*models.Click, error) {
	c, err := scanClick(r.pool.QueryRow(ctx, `
		SELECT `+clickColumns+` FROM clicks
		WHERE shop_id = $1 AND click_id = $2
	`, shopID, clickID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lookup click: %w", err)
	}
	return c, nil
}
