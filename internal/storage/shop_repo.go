package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ipick/trackd/internal/models"
)

// PostgresShopRepo implements ShopRepo using PostgreSQL.
type PostgresShopRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresShopRepo(pool *pgxpool.Pool) *PostgresShopRepo {
	return &PostgresShopRepo{pool: pool}
}

const shopColumns = `id, name, domain, platform_domain, active, created_at`

func scanShop(row pgx.Row) (*models.Shop, error) {
	var s models.Shop
	err := row.Scan(&s.ID, &s.Name, &s.Domain, &s.PlatformDomain, &s.Active, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresShopRepo) GetByID(ctx context.Context, id string) (*models.Shop, error) {
	s, err := scanShop(r.pool.QueryRow(ctx, `
		SELECT `+shopColumns+` FROM shops WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get shop: %w", err)
	}
	return s, nil
}

// GetByDomain matches the normalized domain against either the primary or
// the platform domain. Normalization mirrors what the collector stores:
// lowercase, no scheme, no port, no www prefix.
func (r *PostgresShopRepo) GetByDomain(ctx context.Context, domain string) (*models.Shop, error) {
	domain = NormalizeDomain(domain)
	if domain == "" {
		return nil, models.ErrNotFound
	}

	s, err := scanShop(r.pool.QueryRow(ctx, `
		SELECT `+shopColumns+` FROM shops
		WHERE domain = $1 OR platform_domain = $1
		LIMIT 1
	`, domain))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get shop by domain: %w", err)
	}
	return s, nil
}

func (r *PostgresShopRepo) ListActive(ctx context.Context) ([]*models.Shop, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+shopColumns+` FROM shops WHERE active ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list shops: %w", err)
	}
	defer rows.Close()

	var shops []*models.Shop
	for rows.Next() {
		s, err := scanShop(rows)
		if err != nil {
			return nil, err
		}
		shops = append(shops, s)
	}
	return shops, rows.Err()
}

func (r *PostgresShopRepo) Upsert(ctx context.Context, shop *models.Shop) error {
	if shop.ID == "" {
		shop.ID = uuid.New().String()
	}
	shop.Domain = NormalizeDomain(shop.Domain)
	shop.PlatformDomain = NormalizeDomain(shop.PlatformDomain)

	_, err := r.pool.Exec(ctx, `
		INSERT INTO shops (id, name, domain, platform_domain, active, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			domain = EXCLUDED.domain,
			platform_domain = EXCLUDED.platform_domain,
			active = EXCLUDED.active
	`, shop.ID, shop.Name, shop.Domain, shop.PlatformDomain, shop.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert shop: %w", err)
	}
	return nil
}

// NormalizeDomain lowercases a host and strips scheme, port and a leading
// www prefix so storefront Origin/Host header variants compare equal.
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if i := strings.Index(d, "://"); i != -1 {
		d = d[i+3:]
	}
	if i := strings.IndexByte(d, '/'); i != -1 {
		d = d[:i]
	}
	if i := strings.IndexByte(d, ':'); i != -1 {
		d = d[:i]
	}
	d = strings.TrimPrefix(d, "www.")
	return d
}
