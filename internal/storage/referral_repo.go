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

// PostgresReferralRepo implements ReferralRepo using PostgreSQL.
type PostgresReferralRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresReferralRepo(pool *pgxpool.Pool) *PostgresReferralRepo {
	return &PostgresReferralRepo{pool: pool}
}

const referralColumns = `id, referral_id, shop_id, utm_source, utm_medium, utm_campaign,
	source_url, target_url, product_name, conversion_status, conversion_value, clicked_at`

func scanReferral(row pgx.Row) (*models.Referral, error) {
	var ref models.Referral
	var status string
	err := row.Scan(&ref.ID, &ref.ReferralID, &ref.ShopID,
		&ref.UTMSource, &ref.UTMMedium, &ref.UTMCampaign,
		&ref.SourceURL, &ref.TargetURL, &ref.ProductName,
		&status, &ref.ConversionValue, &ref.ClickedAt)
	if err != nil {
		return nil, err
	}
	ref.ConversionStatus = models.ConversionStatus(status)
	return &ref, nil
}

func (r *PostgresReferralRepo) Create(ctx context.Context, ref *models.Referral) error {
	if ref.ID == "" {
		ref.ID = uuid.New().String()
	}
	if ref.ConversionStatus == "" {
		ref.ConversionStatus = models.ConversionPending
	}
	if ref.ClickedAt.IsZero() {
		ref.ClickedAt = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO referrals (id, referral_id, shop_id, utm_source, utm_medium, utm_campaign,
			source_url, target_url, product_name, conversion_status, conversion_value, clicked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, ref.ID, ref.ReferralID, ref.ShopID, ref.UTMSource, ref.UTMMedium, ref.UTMCampaign,
		ref.SourceURL, ref.TargetURL, ref.ProductName, string(ref.ConversionStatus),
		ref.ConversionValue, ref.ClickedAt)
	if err != nil {
		return fmt.Errorf("failed to create referral: %w", err)
	}
	return nil
}

func (r *PostgresReferralRepo) GetByID(ctx context.Context, id string) (*models.Referral, error) {
	ref, err := scanReferral(r.pool.QueryRow(ctx, `
		SELECT `+referralColumns+` FROM referrals WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get referral: %w", err)
	}
	return ref, nil
}

func (r *PostgresReferralRepo) GetByUTM(ctx context.Context, shopID, source, medium, campaign string) (*models.Referral, error) {
	ref, err := scanReferral(r.pool.QueryRow(ctx, `
		SELECT `+referralColumns+` FROM referrals
		WHERE shop_id = $1 AND utm_source = $2 AND utm_medium = $3 AND utm_campaign = $4
		  AND conversion_status = 'pending'
		ORDER BY clicked_at DESC
		LIMIT 1
	`, shopID, source, medium, campaign))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get referral by utm: %w", err)
	}
	return ref, nil
}

// FindByKnownSource matches the UTM source against the fixed alias table
// only: exact match or alias prefix, never a blind substring over caller
// input.
func (r *PostgresReferralRepo) FindByKnownSource(ctx context.Context, shopID string, aliases []string) (*models.Referral, error) {
	if len(aliases) == 0 {
		return nil, models.ErrNotFound
	}

	patterns := make([]string, 0, len(aliases))
	for _, a := range aliases {
		patterns = append(patterns, a+"%")
	}

	ref, err := scanReferral(r.pool.QueryRow(ctx, `
		SELECT `+referralColumns+` FROM referrals
		WHERE shop_id = $1 AND conversion_status = 'pending'
		  AND lower(utm_source) ILIKE ANY($2)
		ORDER BY clicked_at DESC
		LIMIT 1
	`, shopID, patterns))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find referral by known source: %w", err)
	}
	return ref, nil
}

func (r *PostgresReferralRepo) ListPendingSince(ctx context.Context, shopID string, cutoff time.Time, limit int) ([]*models.Referral, error) {
	query := `
		SELECT ` + referralColumns + ` FROM referrals
		WHERE shop_id = $1 AND conversion_status = 'pending' AND clicked_at >= $2
		ORDER BY clicked_at ASC`
	args := []interface{}{shopID, cutoff}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending referrals: %w", err)
	}
	defer rows.Close()

	var refs []*models.Referral
	for rows.Next() {
		ref, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// ConvertIfPending is the compare-and-swap at the heart of race-safe
// attribution: the status predicate is part of the UPDATE itself, so of two
// concurrent converters exactly one sees a row affected.
func (r *PostgresReferralRepo) ConvertIfPending(ctx context.Context, id string, value float64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE referrals
		SET conversion_status = 'converted', conversion_value = $2
		WHERE id = $1 AND conversion_status = 'pending'
	`, id, value)
	if err != nil {
		return fmt.Errorf("failed to convert referral: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrStateConflict
	}
	return nil
}

func (r *PostgresReferralRepo) RevertToPending(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE referrals
		SET conversion_status = 'pending', conversion_value = NULL
		WHERE id = $1 AND conversion_status = 'converted'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to revert referral: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrStateConflict
	}
	return nil
}

func (r *PostgresReferralRepo) MarkAbandoned(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE referrals
		SET conversion_status = 'abandoned'
		WHERE id = $1 AND conversion_status = 'pending'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to abandon referral: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrStateConflict
	}
	return nil
}
