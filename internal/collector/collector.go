package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ipick/trackd/internal/metrics"
	"github.com/ipick/trackd/internal/models"
	"github.com/ipick/trackd/internal/storage"
)

// Payload is the JSON body accepted from storefront pixels.
type Payload struct {
	EventType string `json:"eventType" validate:"required"`
	SessionID string `json:"sessionId" validate:"required"`
	Path      string `json:"path" validate:"required"`

	ClickID    string   `json:"clickId,omitempty"`
	UserAgent  string   `json:"userAgent,omitempty"`
	Timestamp  *int64   `json:"ts,omitempty"` // unix milliseconds
	ProductID  string   `json:"productId,omitempty"`
	VariantID  string   `json:"variantId,omitempty"`
	Quantity   *int     `json:"quantity,omitempty"`
	Value      *float64 `json:"value,omitempty"`
	Currency   string   `json:"currency,omitempty"`
	OrderID    string   `json:"orderId,omitempty"`
	CartToken  string   `json:"cartToken,omitempty"`
	CheckoutID string   `json:"checkoutId,omitempty"`
}

// RequestMeta carries the transport context needed to resolve the shop and
// the caller, so the service stays independent of net/http.
type RequestMeta struct {
	Host       string
	Origin     string
	Referer    string
	RemoteAddr string
	UserAgent  string
	Header     http.Header
}

// Result is returned to the storefront script.
type Result struct {
	EventID     string `json:"eventId"`
	EventType   string `json:"eventType"`
	ClickLinked bool   `json:"clickLinked"`
}

// GeoResolver annotates events with a country code. Optional.
type GeoResolver interface {
	Country(ip string) string
}

// Service is the ingestion endpoint behind POST /collector: it validates
// the payload, resolves the owning shop, optionally resolves a click, and
// appends exactly one event row per call.
type Service struct {
	shops    storage.ShopRepo
	clicks   storage.ClickRegistry
	events   storage.EventStore
	geo      GeoResolver // may be nil
	validate *validator.Validate
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewService creates a new collector service.
func NewService(
	stores *storage.Stores,
	geo GeoResolver,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		shops:    stores.Shops,
		clicks:   stores.Clicks,
		events:   stores.Events,
		geo:      geo,
		validate: validator.New(),
		logger:   logger,
		metrics:  m,
	}
}

// Collect processes one ingestion call. Error values wrap the sentinel
// errors in models so the HTTP layer can map them to status codes.
func (s *Service) Collect(ctx context.Context, p *Payload, meta *RequestMeta) (*Result, error) {
	start := time.Now()

	if err := s.validate.Struct(p); err != nil {
		s.reject("missing_fields")
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	eventType := models.EventType(strings.ToLower(p.EventType))
	if !eventType.Valid() {
		s.reject("invalid_event_type")
		return nil, fmt.Errorf("%w: unknown event type %q", models.ErrValidation, p.EventType)
	}

	shop, err := s.resolveShop(ctx, meta)
	if err != nil {
		s.reject("shop_not_found")
		return nil, err
	}

	// A click miss is not an error: late-arriving or cross-device events
	// legitimately lack a resolvable click.
	var clickID *string
	if p.ClickID != "" {
		click, err := s.clicks.Lookup(ctx, shop.ID, p.ClickID)
		switch {
		case err == nil:
			clickID = &click.ClickID
		case errors.Is(err, models.ErrNotFound):
			s.logger.Warn("click not found for event",
				zap.String("click_id", p.ClickID),
				zap.String("shop_id", shop.ID),
			)
		default:
			s.logger.Warn("click lookup failed, storing event without link",
				zap.String("click_id", p.ClickID),
				zap.Error(err),
			)
		}
	}

	ip := ClientIP(meta)
	userAgent := p.UserAgent
	if userAgent == "" {
		userAgent = meta.UserAgent
	}

	raw, err := json.Marshal(p)
	if err != nil {
		raw = nil
	}

	ev := &models.Event{
		ShopID:     shop.ID,
		Type:       eventType,
		SessionID:  p.SessionID,
		Path:       p.Path,
		OccurredAt: s.occurredAt(p),
		ClickID:    clickID,
		ProductID:  p.ProductID,
		VariantID:  p.VariantID,
		Quantity:   p.Quantity,
		Value:      p.Value,
		Currency:   p.Currency,
		OrderID:    p.OrderID,
		CartToken:  p.CartToken,
		CheckoutID: p.CheckoutID,
		IPAddress:  ip,
		UserAgent:  userAgent,
		RawData:    raw,
	}

	if s.geo != nil && ip != "" {
		if country := s.geo.Country(ip); country != "" {
			// Stored alongside the raw payload for reporting; matching
			// logic never reads it.
			ev.RawData = appendGeo(ev.RawData, country)
		}
	}

	if err := s.events.Insert(ctx, ev); err != nil {
		if s.metrics != nil {
			s.metrics.StoreErrors.WithLabelValues("events", "insert").Inc()
			s.metrics.RecordCollectorLatency("error", time.Since(start))
		}
		return nil, fmt.Errorf("failed to persist event: %w", err)
	}

	s.logger.Info("event ingested",
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(eventType)),
		zap.String("shop_id", shop.ID),
		zap.String("session_id", p.SessionID),
		zap.Bool("click_linked", clickID != nil),
	)
	if s.metrics != nil {
		s.metrics.RecordIngest(string(eventType), clickID != nil)
		s.metrics.RecordCollectorLatency("ok", time.Since(start))
	}

	return &Result{
		EventID:     ev.ID,
		EventType:   string(eventType),
		ClickLinked: clickID != nil,
	}, nil
}

// resolveShop matches the request's Origin, Referer or Host against shop
// domains, in that order. The collector never guesses: no match drops the
// request rather than attributing to the wrong shop.
func (s *Service) resolveShop(ctx context.Context, meta *RequestMeta) (*models.Shop, error) {
	for _, candidate := range []string{meta.Origin, meta.Referer, meta.Host} {
		if candidate == "" {
			continue
		}
		shop, err := s.shops.GetByDomain(ctx, candidate)
		if err == nil {
			return shop, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("shop lookup failed: %w", err)
		}
	}
	return nil, models.ErrShopResolution
}

// occurredAt prefers a parseable client timestamp, falling back to
// ingestion time.
func (s *Service) occurredAt(p *Payload) time.Time {
	if p.Timestamp != nil && *p.Timestamp > 0 {
		ts := time.UnixMilli(*p.Timestamp).UTC()
		// Reject nonsense values far outside the plausible range.
		if ts.Year() >= 2000 && ts.Before(time.Now().Add(24*time.Hour)) {
			return ts
		}
	}
	return time.Now().UTC()
}

func (s *Service) reject(reason string) {
	if s.metrics != nil {
		s.metrics.RecordRejection(reason)
	}
}

// ClientIP extracts the caller address from trusted proxy headers, falling
// back to the raw connection address.
func ClientIP(meta *RequestMeta) string {
	if meta.Header != nil {
		if ip := meta.Header.Get("CF-Connecting-IP"); ip != "" {
			return ip
		}
		if xff := meta.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			return strings.TrimSpace(parts[0])
		}
		if ip := meta.Header.Get("X-Real-IP"); ip != "" {
			return ip
		}
	}

	addr := meta.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		addr = addr[:idx]
	}
	return addr
}

func appendGeo(raw json.RawMessage, country string) json.RawMessage {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return raw
	}
	m["geoCountry"] = country
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}
