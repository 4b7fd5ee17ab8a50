package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ipick/trackd/internal/models"
	"github.com/ipick/trackd/internal/storage"
)

const (
	defaultLimit    = 100
	maxLimit        = 250
	summaryCacheTTL = 30 * time.Second
)

// Service provides read-only analytics over collected events and orders.
type Service struct {
	events storage.EventStore
	orders storage.OrderRepo
	redis  *redis.Client
	logger *zap.Logger
}

// NewService creates a new reporting service. redis may be nil; summaries
// are then computed on every call.
func NewService(events storage.EventStore, orders storage.OrderRepo, redisClient *redis.Client, logger *zap.Logger) *Service {
	return &Service{
		events: events,
		orders: orders,
		redis:  redisClient,
		logger: logger,
	}
}

// Query narrows an analytics request to one shop and an optional window.
type Query struct {
	ShopID string
	From   time.Time
	To     time.Time
	Type   models.EventType
	Limit  int
}

func (q *Query) normalize() error {
	if q.ShopID == "" {
		return fmt.Errorf("%w: shop_id is required", models.ErrValidation)
	}
	if q.Type != "" && !q.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", models.ErrValidation, q.Type)
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.To.IsZero() {
		q.To = time.Now().UTC()
	}
	if !q.From.IsZero() && q.To.Before(q.From) {
		return fmt.Errorf("%w: window end precedes start", models.ErrValidation)
	}
	return nil
}

// EventSummary aggregates event counts for a shop and window.
type EventSummary struct {
	TotalEvents      int64                      `json:"total_events"`
	AttributedEvents int64                      `json:"attributed_events"`
	AttributionRate  float64                    `json:"attribution_rate"`
	DistinctSessions int                        `json:"distinct_sessions"`
	ByType           map[models.EventType]int64 `json:"by_type"`
}

// EventsReport is the response of the events analytics endpoint.
type EventsReport struct {
	Summary EventSummary    `json:"summary"`
	Events  []*models.Event `json:"events"`
}

// Events returns the event summary plus a bounded page of recent events.
func (s *Service) Events(ctx context.Context, q Query) (*EventsReport, error) {
	if err := q.normalize(); err != nil {
		return nil, err
	}

	report := &EventsReport{}
	if s.cachedSummary(ctx, s.summaryKey("events", q), &report.Summary) {
		events, err := s.events.Query(ctx, storage.EventFilter{
			ShopID: q.ShopID, From: q.From, To: q.To, Type: q.Type, Limit: q.Limit,
		})
		if err != nil {
			return nil, fmt.Errorf("query events: %w", err)
		}
		report.Events = events
		return report, nil
	}

	filter := storage.EventFilter{ShopID: q.ShopID, From: q.From, To: q.To, Type: q.Type}

	total, err := s.events.Count(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	attributed, err := s.events.CountAttributed(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count attributed events: %w", err)
	}
	sessions, err := s.events.DistinctSessions(ctx, q.ShopID, q.From, q.To)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	byType, err := s.events.CountByType(ctx, q.ShopID, q.From, q.To)
	if err != nil {
		return nil, fmt.Errorf("count events by type: %w", err)
	}

	report.Summary = EventSummary{
		TotalEvents:      total,
		AttributedEvents: attributed,
		DistinctSessions: sessions,
		ByType:           byType,
	}
	if total > 0 {
		report.Summary.AttributionRate = float64(attributed) / float64(total)
	}

	filter.Limit = q.Limit
	events, err := s.events.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	report.Events = events

	s.storeSummary(ctx, s.summaryKey("events", q), &report.Summary)
	return report, nil
}

// OrderSummary aggregates order counts and revenue for a shop and window.
type OrderSummary struct {
	TotalOrders      int64   `json:"total_orders"`
	AttributedOrders int64   `json:"attributed_orders"`
	AttributionRate  float64 `json:"attribution_rate"`
	GMV              float64 `json:"gmv"`
	AttributedGMV    float64 `json:"attributed_gmv"`
	AOV              float64 `json:"aov"`
}

// OrdersReport is the response of the orders analytics endpoint.
type OrdersReport struct {
	Summary OrderSummary    `json:"summary"`
	Orders  []*models.Order `json:"orders"`
}

// Orders returns the order summary plus a bounded page of recent orders.
// The summary scans the full window regardless of the page limit, so the
// revenue figures stay correct when more orders exist than the page shows.
func (s *Service) Orders(ctx context.Context, q Query) (*OrdersReport, error) {
	if err := q.normalize(); err != nil {
		return nil, err
	}

	all, err := s.orders.QueryWindow(ctx, q.ShopID, q.From, q.To, 0)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}

	summary := OrderSummary{}
	for _, o := range all {
		summary.TotalOrders++
		summary.GMV += o.TotalPrice
		if o.Attributed() {
			summary.AttributedOrders++
			summary.AttributedGMV += o.TotalPrice
		}
	}
	if summary.TotalOrders > 0 {
		summary.AttributionRate = float64(summary.AttributedOrders) / float64(summary.TotalOrders)
		summary.AOV = summary.GMV / float64(summary.TotalOrders)
	}

	page := all
	if len(page) > q.Limit {
		page = page[:q.Limit]
	}

	return &OrdersReport{Summary: summary, Orders: page}, nil
}

func (s *Service) summaryKey(kind string, q Query) string {
	return fmt.Sprintf("report:%s:%s:%d:%d:%s", kind, q.ShopID, q.From.Unix(), q.To.Unix(), q.Type)
}

// cachedSummary loads a cached summary into dst. A cache miss or a redis
// error both report false; the cache is best-effort.
func (s *Service) cachedSummary(ctx context.Context, key string, dst any) bool {
	if s.redis == nil {
		return false
	}
	raw, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.logger.Warn("Discarding malformed cached summary", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (s *Service) storeSummary(ctx context.Context, key string, src any) {
	if s.redis == nil {
		return
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, key, raw, summaryCacheTTL).Err(); err != nil {
		s.logger.Debug("Summary cache write failed", zap.String("key", key), zap.Error(err))
	}
}
