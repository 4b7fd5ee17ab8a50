package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ipick/trackd/internal/config"
	"github.com/ipick/trackd/internal/models"
	"github.com/ipick/trackd/internal/storage"
)

const testToken = "test-token"

func testServerConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{Enabled: true, APIToken: testToken},
		Attribution: config.AttributionConfig{
			Window:             48 * time.Hour,
			ScanLimit:          10,
			KnownSources:       []string{"ipick", "pavlo", "price comparison"},
			DefaultUTMSource:   "ipick",
			DefaultUTMMedium:   "suggestion",
			DefaultUTMCampaign: "business_tracking",
		},
		Aggregator: config.AggregatorConfig{Workers: 1},
	}
}

func newTestServer(t *testing.T) (http.Handler, *storage.Stores) {
	t.Helper()
	stores := storage.NewMemoryStores()
	if err := stores.Shops.Upsert(context.Background(), &models.Shop{
		ID:     "shop-1",
		Domain: "myshop.example",
		Active: true,
	}); err != nil {
		t.Fatalf("failed to seed shop: %v", err)
	}

	handler, _ := NewServer(&Dependencies{
		Config: testServerConfig(),
		Logger: zap.NewNop(),
		Stores: stores,
	})
	return handler, stores
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestCollectorEndpoint(t *testing.T) {
	handler, stores := newTestServer(t)

	rec := postJSON(t, handler, "/collector", map[string]interface{}{
		"eventType": "page_view",
		"sessionId": "sess-1",
		"path":      "/",
	}, func(r *http.Request) {
		r.Header.Set("Origin", "https://myshop.example")
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("collector response must allow any origin")
	}
	body := decodeBody(t, rec)
	if body["success"] != true || body["eventId"] == "" {
		t.Errorf("unexpected response: %v", body)
	}

	n, _ := stores.Events.Count(context.Background(), storage.EventFilter{ShopID: "shop-1"})
	if n != 1 {
		t.Errorf("expected 1 event, got %d", n)
	}
}

func TestCollectorPreflight(t *testing.T) {
	handler, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/collector", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("preflight must allow any origin")
	}
}

func TestCollectorErrorMapping(t *testing.T) {
	handler, _ := newTestServer(t)

	t.Run("validation error is 400", func(t *testing.T) {
		rec := postJSON(t, handler, "/collector", map[string]interface{}{
			"eventType": "page_view",
		}, func(r *http.Request) {
			r.Header.Set("Origin", "https://myshop.example")
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("unknown shop is 404", func(t *testing.T) {
		rec := postJSON(t, handler, "/collector", map[string]interface{}{
			"eventType": "page_view",
			"sessionId": "s",
			"path":      "/",
		}, func(r *http.Request) {
			r.Header.Set("Origin", "https://stranger.example")
			r.Host = "stranger.example"
		})
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestOrderWebhookAttributesOrder(t *testing.T) {
	handler, stores := newTestServer(t)
	ctx := context.Background()

	if _, err := stores.Clicks.Register(ctx, &models.Click{ClickID: "c1", ShopID: "shop-1"}); err != nil {
		t.Fatalf("failed to register click: %v", err)
	}

	rec := postJSON(t, handler, "/webhooks/orders", map[string]interface{}{
		"orderId":    "1001",
		"shopId":     "shop-1",
		"totalPrice": 99.90,
		"currency":   "EUR",
		"noteAttributes": []map[string]string{
			{"name": "ipick_click_id", "value": "c1"},
		},
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["matched"] != true || body["matchMethod"] != "click_id" {
		t.Errorf("unexpected response: %v", body)
	}

	order, err := stores.Orders.GetByOrderID(ctx, "shop-1", "1001")
	if err != nil {
		t.Fatalf("order not stored: %v", err)
	}
	if order.ClickID == nil || *order.ClickID != "c1" {
		t.Error("order not linked to click")
	}

	// The webhook records the terminal purchase fact.
	n, _ := stores.Events.Count(ctx, storage.EventFilter{ShopID: "shop-1", Type: models.EventCheckoutCompleted})
	if n != 1 {
		t.Errorf("expected 1 checkout_completed event, got %d", n)
	}
}

func TestOrderWebhookRetry(t *testing.T) {
	handler, stores := newTestServer(t)

	payload := map[string]interface{}{
		"orderId":    "2001",
		"shopId":     "shop-1",
		"totalPrice": 10.0,
	}
	for i := 0; i < 3; i++ {
		rec := postJSON(t, handler, "/webhooks/orders", payload, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("retry %d: expected 200, got %d", i, rec.Code)
		}
	}

	ctx := context.Background()
	orders, _ := stores.Orders.QueryWindow(ctx, "shop-1", time.Time{}, time.Now().Add(time.Hour), 0)
	if len(orders) != 1 {
		t.Errorf("retried webhook must not duplicate the order, got %d rows", len(orders))
	}

	n, _ := stores.Events.Count(ctx, storage.EventFilter{ShopID: "shop-1", Type: models.EventCheckoutCompleted})
	if n != 1 {
		t.Errorf("retried webhook must not duplicate the purchase event, got %d", n)
	}
}

func TestOrderWebhookUnmatchedIsStillOK(t *testing.T) {
	handler, _ := newTestServer(t)

	rec := postJSON(t, handler, "/webhooks/orders", map[string]interface{}{
		"orderId":    "3001",
		"shopId":     "shop-1",
		"totalPrice": 25.0,
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["matched"] != false {
		t.Errorf("organic order must report matched=false: %v", body)
	}
}

func TestReferralAndClickRegistration(t *testing.T) {
	handler, stores := newTestServer(t)
	ctx := context.Background()

	rec := postJSON(t, handler, "/referrals", map[string]interface{}{
		"shopDomain":  "myshop.example",
		"utmSource":   "iPick",
		"utmMedium":   "Suggestion",
		"utmCampaign": "Business_Tracking",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("referral registration failed: %d %s", rec.Code, rec.Body.String())
	}

	ref, err := stores.Referrals.GetByUTM(ctx, "shop-1", "ipick", "suggestion", "business_tracking")
	if err != nil {
		t.Fatalf("referral not stored with lowercased UTM: %v", err)
	}
	if ref.ConversionStatus != models.ConversionPending {
		t.Errorf("new referral must be pending, got %q", ref.ConversionStatus)
	}

	rec = postJSON(t, handler, "/clicks", map[string]interface{}{
		"clickId":        "c7",
		"shopId":         "shop-1",
		"destinationUrl": "https://myshop.example/products/x",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("click registration failed: %d %s", rec.Code, rec.Body.String())
	}
	if _, err := stores.Clicks.Lookup(ctx, "shop-1", "c7"); err != nil {
		t.Errorf("click not stored: %v", err)
	}
}

func TestAnalyticsAuth(t *testing.T) {
	handler, _ := newTestServer(t)

	cases := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"wrong token", "nope", http.StatusUnauthorized},
		{"valid token", testToken, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/analytics/events?shop=shop-1", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestAnalyticsReport(t *testing.T) {
	handler, stores := newTestServer(t)
	ctx := context.Background()

	at := time.Now().UTC().Add(-time.Hour)
	click := "c1"
	if err := stores.Events.Insert(ctx, &models.Event{
		ShopID: "shop-1", Type: models.EventPageView, SessionID: "s1", OccurredAt: at, ClickID: &click,
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := stores.Events.Insert(ctx, &models.Event{
		ShopID: "shop-1", Type: models.EventProductView, SessionID: "s2", OccurredAt: at,
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/analytics/events?shop=shop-1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var report struct {
		Summary struct {
			TotalEvents      int64   `json:"total_events"`
			AttributedEvents int64   `json:"attributed_events"`
			AttributionRate  float64 `json:"attribution_rate"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if report.Summary.TotalEvents != 2 || report.Summary.AttributedEvents != 1 {
		t.Errorf("unexpected summary: %+v", report.Summary)
	}
	if report.Summary.AttributionRate != 0.5 {
		t.Errorf("expected rate 0.5, got %f", report.Summary.AttributionRate)
	}
}

func TestHealthEndpoint(t *testing.T) {
	handler, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["storage"] != "memory" {
		t.Errorf("unexpected health body: %v", body)
	}
}
