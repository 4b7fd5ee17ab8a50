package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ipick/trackd/internal/aggregator"
	"github.com/ipick/trackd/internal/attribution"
	"github.com/ipick/trackd/internal/collector"
	"github.com/ipick/trackd/internal/config"
	"github.com/ipick/trackd/internal/database"
	"github.com/ipick/trackd/internal/geo"
	"github.com/ipick/trackd/internal/metrics"
	"github.com/ipick/trackd/internal/middleware"
	"github.com/ipick/trackd/internal/models"
	"github.com/ipick/trackd/internal/reporting"
	"github.com/ipick/trackd/internal/storage"
)

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	DB      *database.PostgresDB
	Redis   *database.RedisDB
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Stores overrides the repository set derived from DB. Used by tests
	// to inject pre-seeded in-memory stores.
	Stores *storage.Stores
}

// Server wraps HTTP handlers and the attribution services.
type Server struct {
	collector *collector.Service
	matcher   *attribution.Matcher
	reporting *reporting.Service
	aggJob    *aggregator.Job
	stores    *storage.Stores
	db        *database.PostgresDB
	logger    *zap.Logger
	config    *config.Config
	metrics   *metrics.Metrics
}

// NewServer constructs an http.Handler with all routes registered and the
// middleware chain applied. It also returns the aggregator job so the
// caller can schedule it.
func NewServer(deps *Dependencies) (http.Handler, *aggregator.Job) {
	stores := deps.Stores
	if stores == nil {
		if deps.DB != nil {
			stores = storage.NewPostgresStores(deps.DB.Pool)
		} else {
			stores = storage.NewMemoryStores()
		}
	}

	var geoResolver collector.GeoResolver
	if deps.Config.Geo.Enabled {
		r, err := geo.NewMaxMindResolver(deps.Config.Geo.DatabasePath)
		if err != nil {
			deps.Logger.Warn("geo database unavailable, events will not be geo-tagged", zap.Error(err))
		} else {
			geoResolver = r
		}
	}

	var redisClient *redis.Client
	if deps.Redis != nil {
		redisClient = deps.Redis.Client
	}

	s := &Server{
		collector: collector.NewService(stores, geoResolver, deps.Logger, deps.Metrics),
		matcher:   attribution.NewMatcher(stores, redisClient, deps.Config.Attribution, deps.Logger, deps.Metrics),
		reporting: reporting.NewService(stores.Events, stores.Orders, redisClient, deps.Logger),
		aggJob:    aggregator.NewJob(stores, deps.Config.Aggregator, deps.Logger, deps.Metrics),
		stores:    stores,
		db:        deps.DB,
		logger:    deps.Logger,
		config:    deps.Config,
		metrics:   deps.Metrics,
	}

	auth := middleware.NewAuthMiddleware(deps.Config.Auth, deps.Logger)
	cors := middleware.NewCORSMiddleware()

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	if deps.Config.Metrics.Enabled {
		mux.Handle(deps.Config.Metrics.Path, metrics.Handler())
	}

	// Browser and redirect-service facing endpoints. Unauthenticated: the
	// callers are storefront scripts and the redirect edge, not operators.
	mux.Handle("/collector", cors.Handler(http.HandlerFunc(s.handleCollect)))
	mux.Handle("/clicks", cors.Handler(http.HandlerFunc(s.handleRegisterClick)))
	mux.Handle("/referrals", cors.Handler(http.HandlerFunc(s.handleRegisterReferral)))

	// Commerce platform webhook
	mux.HandleFunc("/webhooks/orders", s.handleOrderWebhook)

	// Management API
	mux.Handle("/api/analytics/events", auth.Handler(http.HandlerFunc(s.handleEventAnalytics)))
	mux.Handle("/api/analytics/orders", auth.Handler(http.HandlerFunc(s.handleOrderAnalytics)))
	mux.Handle("/jobs/aggregate", auth.Handler(http.HandlerFunc(s.handleAggregateTrigger)))

	rateLimitMW := middleware.NewRateLimitMiddleware(deps.Config.RateLimit, deps.Logger)
	rateLimitMW.SetMetrics(deps.Metrics)

	handler := middleware.NewRecoveryMiddleware(deps.Logger).Handler(
		middleware.NewLoggingMiddleware(deps.Logger).Handler(
			rateLimitMW.Handler(mux),
		),
	)

	return handler, s.aggJob
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"status": "ok", "storage": "memory"}
	if s.db != nil {
		status["storage"] = "postgres"
		if err := s.db.Health(r.Context()); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
		} else {
			stat := s.db.Stats()
			status["pool"] = map[string]int32{
				"total":    stat.TotalConns(),
				"idle":     stat.IdleConns(),
				"acquired": stat.AcquiredConns(),
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if status["status"] != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// ---- Event Collection ----

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var p collector.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	res, err := s.collector.Collect(r.Context(), &p, requestMeta(r))
	if err != nil {
		s.serviceError(w, err)
		return
	}

	s.jsonResponse(w, map[string]interface{}{
		"success": true,
		"eventId": res.EventID,
	})
}

func requestMeta(r *http.Request) *collector.RequestMeta {
	return &collector.RequestMeta{
		Host:       r.Host,
		Origin:     r.Header.Get("Origin"),
		Referer:    r.Header.Get("Referer"),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Header:     r.Header,
	}
}

// ---- Click Registration ----

type clickRequest struct {
	ClickID        string `json:"clickId"`
	ShopID         string `json:"shopId"`
	ShopDomain     string `json:"shopDomain"`
	DestinationURL string `json:"destinationUrl"`
	UserAgent      string `json:"userAgent"`
}

// handleRegisterClick records one outbound redirect. Called by the redirect
// edge before it forwards the visitor to the storefront. Idempotent on
// (shop, clickId), so edge retries are safe.
func (s *Server) handleRegisterClick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req clickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ClickID == "" {
		s.errorResponse(w, "clickId is required", http.StatusBadRequest)
		return
	}

	shop, err := s.resolveShop(r.Context(), req.ShopID, req.ShopDomain)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	click := &models.Click{
		ClickID:        req.ClickID,
		ShopID:         shop.ID,
		DestinationURL: req.DestinationURL,
		IPAddress:      collector.ClientIP(requestMeta(r)),
		UserAgent:      req.UserAgent,
	}
	if click.UserAgent == "" {
		click.UserAgent = r.UserAgent()
	}

	stored, err := s.stores.Clicks.Register(r.Context(), click)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	s.jsonResponse(w, stored)
}

// ---- Referral Registration ----

type referralRequest struct {
	ReferralID  string `json:"referralId"`
	ShopID      string `json:"shopId"`
	ShopDomain  string `json:"shopDomain"`
	UTMSource   string `json:"utmSource"`
	UTMMedium   string `json:"utmMedium"`
	UTMCampaign string `json:"utmCampaign"`
	SourceURL   string `json:"sourceUrl"`
	TargetURL   string `json:"targetUrl"`
	ProductName string `json:"productName"`
	ClickedAt   *int64 `json:"clickedAt"` // unix milliseconds
}

// handleRegisterReferral creates a pending referral from a UTM-tagged
// visit. The referral becomes a candidate for the matching cascade until
// it converts or is marked abandoned.
func (s *Server) handleRegisterReferral(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req referralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UTMSource == "" {
		s.errorResponse(w, "utmSource is required", http.StatusBadRequest)
		return
	}

	shop, err := s.resolveShop(r.Context(), req.ShopID, req.ShopDomain)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	ref := &models.Referral{
		ReferralID:       req.ReferralID,
		ShopID:           shop.ID,
		UTMSource:        strings.ToLower(req.UTMSource),
		UTMMedium:        strings.ToLower(req.UTMMedium),
		UTMCampaign:      strings.ToLower(req.UTMCampaign),
		SourceURL:        req.SourceURL,
		TargetURL:        req.TargetURL,
		ProductName:      req.ProductName,
		ConversionStatus: models.ConversionPending,
	}
	if req.ClickedAt != nil {
		ref.ClickedAt = time.UnixMilli(*req.ClickedAt).UTC()
	}

	if err := s.stores.Referrals.Create(r.Context(), ref); err != nil {
		s.serviceError(w, err)
		return
	}

	s.jsonResponse(w, ref)
}

// ---- Order Webhook ----

type orderWebhook struct {
	OrderID         string  `json:"orderId"`
	ShopID          string  `json:"shopId"`
	ShopDomain      string  `json:"shopDomain"`
	TotalPrice      float64 `json:"totalPrice"`
	Currency        string  `json:"currency"`
	SourceURL       string  `json:"sourceUrl"`
	SourceName      string  `json:"sourceName"`
	CreatedAt       *int64  `json:"createdAt"` // unix milliseconds
	CartToken       string  `json:"cartToken"`
	CheckoutID      string  `json:"checkoutId"`
	SessionID       string  `json:"sessionId"`
	ClickID         string  `json:"clickId"`
	FinancialStatus string  `json:"financialStatus"`

	NoteAttributes []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"noteAttributes"`
	Metafields []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"metafields"`
}

// embeddedClickID digs the forwarded click identifier out of the payload.
// Checkout scripts stash it in a note attribute or an order metafield named
// ipick_click_id; a top-level clickId field wins when present.
func (o *orderWebhook) embeddedClickID() string {
	if o.ClickID != "" {
		return o.ClickID
	}
	for _, na := range o.NoteAttributes {
		if na.Name == "ipick_click_id" && na.Value != "" {
			return na.Value
		}
	}
	for _, mf := range o.Metafields {
		if mf.Key == "ipick_click_id" && mf.Value != "" {
			return mf.Value
		}
	}
	return ""
}

// paid reports whether the order is financially complete. Attribution of
// an unpaid order links the referral but leaves it pending.
func (o *orderWebhook) paid() bool {
	return o.FinancialStatus == "" || strings.EqualFold(o.FinancialStatus, "paid")
}

// handleOrderWebhook ingests an order-completion notification: it creates
// the order, records a checkout_completed event, and runs the matching
// cascade. Attribution errors are logged and swallowed; the webhook reply
// reflects order persistence only, since the platform retries on non-2xx
// and the order itself is the source of truth.
func (s *Server) handleOrderWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var hook orderWebhook
	if err := json.NewDecoder(r.Body).Decode(&hook); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if hook.OrderID == "" {
		s.errorResponse(w, "orderId is required", http.StatusBadRequest)
		return
	}

	shop, err := s.resolveShop(r.Context(), hook.ShopID, hook.ShopDomain)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	order := &models.Order{
		OrderID:    hook.OrderID,
		ShopID:     shop.ID,
		TotalPrice: hook.TotalPrice,
		Currency:   hook.Currency,
		SourceURL:  hook.SourceURL,
		SourceName: hook.SourceName,
	}
	if hook.CreatedAt != nil {
		order.CreatedAt = time.UnixMilli(*hook.CreatedAt).UTC()
	}

	stored, err := s.stores.Orders.Create(r.Context(), order)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	// A replayed webhook returns the previously stored row; only the first
	// delivery synthesizes the purchase event.
	if stored.ID == order.ID {
		s.recordOrderEvent(r.Context(), stored, &hook)
	}

	result, err := s.matcher.Attribute(r.Context(), stored, hook.embeddedClickID(), hook.paid())
	if err != nil {
		s.logger.Error("attribution failed",
			zap.String("shop_id", stored.ShopID),
			zap.String("order_id", stored.OrderID),
			zap.Error(err),
		)
		result = nil
	}

	resp := map[string]interface{}{
		"success": true,
		"orderId": stored.OrderID,
		"matched": false,
	}
	if result != nil && result.Matched {
		resp["matched"] = true
		resp["matchMethod"] = result.Method
	}
	s.jsonResponse(w, resp)
}

// recordOrderEvent appends the terminal checkout_completed fact for the
// order. The event stream stays complete even for shops whose storefront
// script missed the thank-you page.
func (s *Server) recordOrderEvent(ctx context.Context, order *models.Order, hook *orderWebhook) {
	sessionID := hook.SessionID
	if sessionID == "" {
		sessionID = hook.CartToken
	}
	if sessionID == "" {
		sessionID = "order:" + order.OrderID
	}

	value := order.TotalPrice
	ev := &models.Event{
		ShopID:     order.ShopID,
		Type:       models.EventCheckoutCompleted,
		SessionID:  sessionID,
		Path:       "/checkouts/thank_you",
		OccurredAt: order.CreatedAt,
		Value:      &value,
		Currency:   order.Currency,
		OrderID:    order.OrderID,
		CartToken:  hook.CartToken,
		CheckoutID: hook.CheckoutID,
	}
	if err := s.stores.Events.Insert(ctx, ev); err != nil {
		s.logger.Warn("failed to record order completion event",
			zap.String("shop_id", order.ShopID),
			zap.String("order_id", order.OrderID),
			zap.Error(err),
		)
	}
}

// ---- Analytics ----

func (s *Server) handleEventAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q, err := s.analyticsQuery(r)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	q.Type = models.EventType(r.URL.Query().Get("event_type"))

	report, err := s.reporting.Events(r.Context(), q)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, report)
}

func (s *Server) handleOrderAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q, err := s.analyticsQuery(r)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	report, err := s.reporting.Orders(r.Context(), q)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, report)
}

func (s *Server) analyticsQuery(r *http.Request) (reporting.Query, error) {
	v := r.URL.Query()
	q := reporting.Query{ShopID: v.Get("shop")}

	if raw := v.Get("from"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			return q, err
		}
		q.From = t
	}
	if raw := v.Get("to"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			return q, err
		}
		q.To = t
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, errValidation("limit must be an integer")
		}
		q.Limit = n
	}
	return q, nil
}

// parseTimeParam accepts RFC 3339 or a plain date.
func parseTimeParam(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, errValidation("invalid time value " + strconv.Quote(raw))
}

// ---- Aggregation Trigger ----

// handleAggregateTrigger runs the daily rollup on demand. A date parameter
// replays a specific UTC day; the default is yesterday. The run happens in
// the background since a large shop set can exceed webhook-grade timeouts.
func (s *Server) handleAggregateTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	day := time.Now().UTC().AddDate(0, 0, -1)
	if raw := r.URL.Query().Get("date"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			s.errorResponse(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		day = t
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := s.aggJob.Run(ctx, day); err != nil {
			s.logger.Error("manual aggregation run failed", zap.Error(err))
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	s.jsonResponse(w, map[string]string{
		"status": "started",
		"date":   day.Format("2006-01-02"),
	})
}

// ---- Helpers ----

func (s *Server) resolveShop(ctx context.Context, shopID, shopDomain string) (*models.Shop, error) {
	switch {
	case shopID != "":
		return s.stores.Shops.GetByID(ctx, shopID)
	case shopDomain != "":
		return s.stores.Shops.GetByDomain(ctx, shopDomain)
	default:
		return nil, errValidation("shopId or shopDomain is required")
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// serviceError maps sentinel errors from the service layer onto HTTP
// status codes.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrShopResolution), errors.Is(err, models.ErrNotFound):
		s.errorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrStateConflict), errors.Is(err, models.ErrAlreadyExists):
		s.errorResponse(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
	}
}

func errValidation(msg string) error {
	return fmt.Errorf("%w: %s", models.ErrValidation, msg)
}
