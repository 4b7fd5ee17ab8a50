package attribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ipick/trackd/internal/config"
	"github.com/ipick/trackd/internal/metrics"
	"github.com/ipick/trackd/internal/models"
	"github.com/ipick/trackd/internal/storage"
)

// Result reports the outcome of one attribution run.
type Result struct {
	Matched bool   `json:"matched"`
	Method  string `json:"match_method,omitempty"`

	ClickID    string `json:"click_id,omitempty"`
	ReferralID string `json:"referral_id,omitempty"`
}

// Matcher runs the prioritized matching cascade for completed orders and
// makes the winning linkage permanent. One matcher instance is shared by
// every order-creation trigger; all state lives in the stores.
type Matcher struct {
	strategies []Strategy
	referrals  storage.ReferralRepo
	orders     storage.OrderRepo
	redis      *redis.Client // optional fast-path dedup, may be nil
	cfg        config.AttributionConfig
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewMatcher wires the cascade in strict priority order.
func NewMatcher(
	stores *storage.Stores,
	rdb *redis.Client,
	cfg config.AttributionConfig,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Matcher {
	defaults := utmTriple{
		Source:   cfg.DefaultUTMSource,
		Medium:   cfg.DefaultUTMMedium,
		Campaign: cfg.DefaultUTMCampaign,
	}

	return &Matcher{
		strategies: []Strategy{
			&clickIDStrategy{clicks: stores.Clicks},
			&utmExactStrategy{referrals: stores.Referrals},
			&utmFuzzyStrategy{referrals: stores.Referrals, aliases: cfg.KnownSources},
			&timeWindowStrategy{referrals: stores.Referrals, window: cfg.Window, limit: cfg.ScanLimit},
			&sourceNameStrategy{referrals: stores.Referrals, aliases: cfg.KnownSources, defaults: defaults},
		},
		referrals: stores.Referrals,
		orders:    stores.Orders,
		redis:     rdb,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
	}
}

// Attribute selects at most one referral or click to credit for the order
// and commits the linkage. Safe to invoke repeatedly for the same order:
// once a link exists every later invocation is a no-op. Attribution is
// best-effort enrichment: Attribute never returns an error for "no match",
// and strategy failures degrade to misses instead of failing the caller.
func (m *Matcher) Attribute(ctx context.Context, order *models.Order, embeddedClickID string, paid bool) (*Result, error) {
	if order.Attributed() {
		return m.existingResult(order), nil
	}

	if !m.acquire(ctx, order) {
		// Another in-flight trigger owns this order; the storage-level
		// conditional updates are the authoritative guard regardless.
		m.logger.Debug("attribution already in flight",
			zap.String("shop_id", order.ShopID),
			zap.String("order_id", order.OrderID),
		)
		return &Result{}, nil
	}

	cand := &Candidate{Order: order, EmbeddedClickID: embeddedClickID, Paid: paid}

	for _, strat := range m.strategies {
		match, err := m.attempt(ctx, strat, cand)
		if err != nil {
			// A transient lookup failure in one strategy must not abort
			// order processing; the cascade moves on.
			m.logger.Warn("attribution strategy failed",
				zap.String("strategy", strat.Name()),
				zap.String("order_id", order.OrderID),
				zap.Error(err),
			)
			if m.metrics != nil {
				m.metrics.StrategyErrors.WithLabelValues(strat.Name()).Inc()
			}
			continue
		}
		if match == nil {
			continue
		}

		res, err := m.commit(ctx, cand, match)
		if err != nil {
			return nil, err
		}
		if res == nil {
			// Lost the referral race; try weaker strategies rather than
			// retrying the same referral.
			continue
		}

		m.logger.Info("order attributed",
			zap.String("order_id", order.OrderID),
			zap.String("shop_id", order.ShopID),
			zap.String("method", res.Method),
			zap.Float64("conversion_value", order.TotalPrice),
		)
		if m.metrics != nil {
			m.metrics.RecordMatch(res.Method, order.Currency, order.TotalPrice)
		}
		return res, nil
	}

	// The expected common case: most orders are organic.
	m.logger.Info("no matching referral for order",
		zap.String("order_id", order.OrderID),
		zap.String("shop_id", order.ShopID),
	)
	if m.metrics != nil {
		m.metrics.AttributionMisses.Inc()
	}
	return &Result{}, nil
}

// attempt runs one strategy under its own bounded timeout. A timeout is a
// miss, not a fatal error.
func (m *Matcher) attempt(ctx context.Context, strat Strategy, cand *Candidate) (*Match, error) {
	if m.metrics != nil {
		m.metrics.AttributionAttempts.WithLabelValues(strat.Name()).Inc()
	}

	if m.cfg.StrategyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.StrategyTimeout)
		defer cancel()
	}

	match, err := strat.Attempt(ctx, cand)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("strategy timed out after %s: %w", m.cfg.StrategyTimeout, err)
	}
	return match, err
}

// commit makes a match permanent. Returns (nil, nil) when the referral was
// won by a concurrent order and the cascade should continue.
func (m *Matcher) commit(ctx context.Context, cand *Candidate, match *Match) (*Result, error) {
	order := cand.Order

	if match.Click != nil {
		if err := m.orders.LinkClickIfUnset(ctx, order.ID, match.Click.ClickID); err != nil {
			if errors.Is(err, models.ErrStateConflict) {
				// A concurrent trigger already attributed this order.
				return m.refresh(ctx, order)
			}
			return nil, err
		}
		order.ClickID = &match.Click.ClickID
		return &Result{Matched: true, Method: match.Method, ClickID: match.Click.ClickID}, nil
	}

	ref := match.Referral
	if ref.ID == "" {
		// Synthesized by the source-name heuristic; persist it so the
		// linkage has a durable target.
		ref.ClickedAt = order.CreatedAt
		if err := m.referrals.Create(ctx, ref); err != nil {
			return nil, err
		}
	}

	if cand.Paid {
		err := m.referrals.ConvertIfPending(ctx, ref.ID, order.TotalPrice)
		if errors.Is(err, models.ErrStateConflict) {
			// Exactly one writer converts a referral. The loser treats it
			// as no match from this strategy.
			m.logger.Debug("referral conversion race lost",
				zap.String("referral_id", ref.ID),
				zap.String("order_id", order.OrderID),
			)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	if err := m.orders.LinkReferralIfUnset(ctx, order.ID, ref.ID); err != nil {
		if errors.Is(err, models.ErrStateConflict) {
			// A concurrent trigger attributed the order first. The winner
			// converted before linking, so the referral it linked is never
			// this one; undo this conversion so the referral returns to the
			// matchable pool instead of crediting nothing.
			if cand.Paid {
				if rerr := m.referrals.RevertToPending(ctx, ref.ID); rerr != nil {
					m.logger.Warn("conversion rollback failed",
						zap.String("referral_id", ref.ID),
						zap.String("order_id", order.OrderID),
						zap.Error(rerr),
					)
				}
			}
			return m.refresh(ctx, order)
		}
		return nil, err
	}
	order.ReferralID = &ref.ID
	return &Result{Matched: true, Method: match.Method, ReferralID: ref.ID}, nil
}

// refresh reloads the order after losing a linkage race so the caller sees
// the winning attribution.
func (m *Matcher) refresh(ctx context.Context, order *models.Order) (*Result, error) {
	stored, err := m.orders.GetByOrderID(ctx, order.ShopID, order.OrderID)
	if err != nil {
		return nil, err
	}
	*order = *stored
	return m.existingResult(order), nil
}

func (m *Matcher) existingResult(order *models.Order) *Result {
	res := &Result{Matched: true}
	if order.ClickID != nil {
		res.ClickID = *order.ClickID
		res.Method = MethodClickID
	}
	if order.ReferralID != nil {
		res.ReferralID = *order.ReferralID
	}
	return res
}

// acquire takes the per-order redis dedup slot. Best-effort: when redis is
// down or absent the conditional updates still enforce at-most-once.
func (m *Matcher) acquire(ctx context.Context, order *models.Order) bool {
	if m.redis == nil {
		return true
	}

	key := fmt.Sprintf("attr:%s:%s", order.ShopID, order.OrderID)
	ok, err := m.redis.SetNX(ctx, key, time.Now().Unix(), 24*time.Hour).Result()
	if err != nil {
		m.logger.Warn("attribution dedup unavailable", zap.Error(err))
		return true
	}
	return ok
}
