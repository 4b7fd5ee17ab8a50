package attribution

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ipick/trackd/internal/config"
	"github.com/ipick/trackd/internal/models"
	"github.com/ipick/trackd/internal/storage"
)

func testConfig() config.AttributionConfig {
	return config.AttributionConfig{
		Window:             48 * time.Hour,
		ScanLimit:          10,
		KnownSources:       []string{"ipick", "pavlo", "price comparison"},
		DefaultUTMSource:   "ipick",
		DefaultUTMMedium:   "suggestion",
		DefaultUTMCampaign: "business_tracking",
	}
}

func newTestMatcher(stores *storage.Stores) *Matcher {
	return NewMatcher(stores, nil, testConfig(), zap.NewNop(), nil)
}

func createOrder(t *testing.T, stores *storage.Stores, order *models.Order) *models.Order {
	t.Helper()
	stored, err := stores.Orders.Create(context.Background(), order)
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}
	return stored
}

func TestClickIDBeatsUTM(t *testing.T) {
	ctx := context.Background()
	stores := storage.NewMemoryStores()
	m := newTestMatcher(stores)

	_, err := stores.Clicks.Register(ctx, &models.Click{ClickID: "c1", ShopID: "shop-1"})
	if err != nil {
		t.Fatalf("failed to register click: %v", err)
	}
	if err := stores.Referrals.Create(ctx, &models.Referral{
		ShopID:      "shop-1",
		UTMSource:   "ipick",
		UTMMedium:   "suggestion",
		UTMCampaign: "business_tracking",
	}); err != nil {
		t.Fatalf("failed to create referral: %v", err)
	}

	order := createOrder(t, stores, &models.Order{
		OrderID:    "1001",
		ShopID:     "shop-1",
		TotalPrice: 49.90,
		SourceURL:  "https://shop-1.example/?utm_source=ipick&utm_medium=suggestion&utm_campaign=business_tracking",
	})

	res, err := m.Attribute(ctx, order, "c1", true)
	if err != nil {
		t.Fatalf("Attribute failed: %v", err)
	}
	if !res.Matched {
		t.Fatal("expected a match")
	}
	if res.Method != MethodClickID {
		t.Errorf("expected method %q, got %q", MethodClickID, res.Method)
	}
	if res.ClickID != "c1" {
		t.Errorf("expected click c1, got %q", res.ClickID)
	}

	stored, _ := stores.Orders.GetByOrderID(ctx, "shop-1", "1001")
	if stored.ClickID == nil || *stored.ClickID != "c1" {
		t.Error("order not linked to click")
	}
}

func TestExactUTMConvertsReferral(t *testing.T) {
	ctx := context.Background()
	stores := storage.NewMemoryStores()
	m := newTestMatcher(stores)

	ref := &models.Referral{
		ShopID:      "shop-1",
		UTMSource:   "ipick",
		UTMMedium:   "suggestion",
		UTMCampaign: "business_tracking",
	}
	if err := stores.Referrals.Create(ctx, ref); err != nil {
		t.Fatalf("failed to create referral: %v", err)
	}

	order := createOrder(t, stores, &models.Order{
		OrderID:    "1002",
		ShopID:     "shop-1",
		TotalPrice: 120.50,
		SourceURL:  "https://shop-1.example/products/x?utm_source=ipick&utm_medium=suggestion&utm_campaign=business_tracking",
	})

	res, err := m.Attribute(ctx, order, "", true)
	if err != nil {
		t.Fatalf("Attribute failed: %v", err)
	}
	if res.Method != MethodUTMExact {
		t.Fatalf("expected method %q, got %q", MethodUTMExact, res.Method)
	}

	converted, _ := stores.Referrals.GetByID(ctx, ref.ID)
	if converted.ConversionStatus != models.ConversionConverted {
		t.Errorf("expected converted status, got %q", converted.ConversionStatus)
	}
	if converted.ConversionValue == nil || *converted.ConversionValue != 120.50 {
		t.Error("conversion value not set to order total")
	}
}

func TestUnpaidOrderLinksButStaysPending(t *testing.T) {
	ctx := context.Background()
	stores := storage.NewMemoryStores()
	m := newTestMatcher(stores)

	ref := &models.Referral{
		ShopID:      "shop-1",
		UTMSource:   "ipick",
		UTMMedium:   "suggestion",
		UTMCampaign: "business_tracking",
	}
	if err := stores.Referrals.Create(ctx, ref); err != nil {
		t.Fatalf("failed to create referral: %v", err)
	}

	order := createOrder(t, stores, &models.Order{
		OrderID:    "1003",
		ShopID:     "shop-1",
		TotalPrice: 10,
		SourceURL:  "https://shop-1.example/?utm_source=ipick&utm_medium=suggestion&utm_campaign=business_tracking",
	})

	res, err := m.Attribute(ctx, order, "", false)
	if err != nil {
		t.Fatalf("Attribute failed: %v", err)
	}
	if !res.Matched || res.ReferralID != ref.ID {
		t.Fatal("expected referral link for unpaid order")
	}

	stored, _ := stores.Referrals.GetByID(ctx, ref.ID)
	if stored.ConversionStatus != models.ConversionPending {
		t.Errorf("unpaid order must leave referral pending, got %q", stored.ConversionStatus)
	}
}

func TestTimeWindowBound(t *testing.T) {
	ctx := context.Background()
	orderedAt := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("inside window matches", func(t *testing.T) {
		stores := storage.NewMemoryStores()
		m := newTestMatcher(stores)

		ref := &models.Referral{
			ShopID:    "shop-1",
			UTMSource: "newsletter",
			ClickedAt: orderedAt.Add(-10 * time.Hour),
		}
		if err := stores.Referrals.Create(ctx, ref); err != nil {
			t.Fatalf("failed to create referral: %v", err)
		}

		order := createOrder(t, stores, &models.Order{
			OrderID: "2001", ShopID: "shop-1", TotalPrice: 30, CreatedAt: orderedAt,
		})

		res, err := m.Attribute(ctx, order, "", true)
		if err != nil {
			t.Fatalf("Attribute failed: %v", err)
		}
		if res.Method != MethodTimeWindow {
			t.Fatalf("expected method %q, got %q", MethodTimeWindow, res.Method)
		}
		if res.ReferralID != ref.ID {
			t.Error("wrong referral matched")
		}
	})

	t.Run("older than window never matches", func(t *testing.T) {
		stores := storage.NewMemoryStores()
		m := newTestMatcher(stores)

		if err := stores.Referrals.Create(ctx, &models.Referral{
			ShopID:    "shop-1",
			UTMSource: "newsletter",
			ClickedAt: orderedAt.Add(-50 * time.Hour),
		}); err != nil {
			t.Fatalf("failed to create referral: %v", err)
		}

		order := createOrder(t, stores, &models.Order{
			OrderID: "2002", ShopID: "shop-1", TotalPrice: 30, CreatedAt: orderedAt,
		})

		res, err := m.Attribute(ctx, order, "", true)
		if err != nil {
			t.Fatalf("Attribute failed: %v", err)
		}
		if res.Matched {
			t.Errorf("referral outside window must not match, got method %q", res.Method)
		}
	})

	t.Run("oldest in window wins", func(t *testing.T) {
		stores := storage.NewMemoryStores()
		m := newTestMatcher(stores)

		older := &models.Referral{ShopID: "shop-1", UTMSource: "a", ClickedAt: orderedAt.Add(-20 * time.Hour)}
		newer := &models.Referral{ShopID: "shop-1", UTMSource: "b", ClickedAt: orderedAt.Add(-2 * time.Hour)}
		for _, ref := range []*models.Referral{newer, older} {
			if err := stores.Referrals.Create(ctx, ref); err != nil {
				t.Fatalf("failed to create referral: %v", err)
			}
		}

		order := createOrder(t, stores, &models.Order{
			OrderID: "2003", ShopID: "shop-1", TotalPrice: 30, CreatedAt: orderedAt,
		})

		res, err := m.Attribute(ctx, order, "", true)
		if err != nil {
			t.Fatalf("Attribute failed: %v", err)
		}
		if res.ReferralID != older.ID {
			t.Error("expected the oldest in-window referral to win")
		}
	})
}

func TestSourceNameHeuristic(t *testing.T) {
	ctx := context.Background()
	stores := storage.NewMemoryStores()
	m := newTestMatcher(stores)

	order := createOrder(t, stores, &models.Order{
		OrderID:    "3001",
		ShopID:     "shop-1",
		TotalPrice: 75,
		SourceName: "iPick Price Comparison App",
	})

	res, err := m.Attribute(ctx, order, "", true)
	if err != nil {
		t.Fatalf("Attribute failed: %v", err)
	}
	if res.Method != MethodSourceName {
		t.Fatalf("expected method %q, got %q", MethodSourceName, res.Method)
	}

	// The heuristic synthesizes a referral row so the linkage is durable.
	ref, err := stores.Referrals.GetByID(ctx, res.ReferralID)
	if err != nil {
		t.Fatalf("synthesized referral not persisted: %v", err)
	}
	if ref.UTMSource != "ipick" || ref.UTMMedium != "suggestion" || ref.UTMCampaign != "business_tracking" {
		t.Errorf("synthesized referral carries wrong UTM triple: %+v", ref)
	}
	if ref.ConversionStatus != models.ConversionConverted {
		t.Errorf("expected converted, got %q", ref.ConversionStatus)
	}
}

func TestUnknownSourceNameDoesNotMatch(t *testing.T) {
	ctx := context.Background()
	stores := storage.NewMemoryStores()
	m := newTestMatcher(stores)

	order := createOrder(t, stores, &models.Order{
		OrderID: "3002", ShopID: "shop-1", TotalPrice: 75, SourceName: "web",
	})

	res, err := m.Attribute(ctx, order, "", true)
	if err != nil {
		t.Fatalf("Attribute failed: %v", err)
	}
	if res.Matched {
		t.Errorf("organic order must stay unattributed, got method %q", res.Method)
	}
}

func TestRetriedWebhookIsNoOp(t *testing.T) {
	ctx := context.Background()
	stores := storage.NewMemoryStores()
	m := newTestMatcher(stores)

	_, err := stores.Clicks.Register(ctx, &models.Click{ClickID: "c9", ShopID: "shop-1"})
	if err != nil {
		t.Fatalf("failed to register click: %v", err)
	}

	order := createOrder(t, stores, &models.Order{
		OrderID: "4001", ShopID: "shop-1", TotalPrice: 15,
	})

	first, err := m.Attribute(ctx, order, "c9", true)
	if err != nil {
		t.Fatalf("Attribute failed: %v", err)
	}
	if first.Method != MethodClickID {
		t.Fatalf("expected click match, got %q", first.Method)
	}

	// A retried webhook re-reads the stored order and re-invokes the
	// matcher; the existing link must survive untouched.
	stored, _ := stores.Orders.GetByOrderID(ctx, "shop-1", "4001")
	second, err := m.Attribute(ctx, stored, "c9", true)
	if err != nil {
		t.Fatalf("retried Attribute failed: %v", err)
	}
	if !second.Matched || second.ClickID != "c9" {
		t.Error("retry must report the existing attribution")
	}
}

func TestConcurrentConvertExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	stores := storage.NewMemoryStores()

	ref := &models.Referral{
		ShopID:      "shop-1",
		UTMSource:   "ipick",
		UTMMedium:   "suggestion",
		UTMCampaign: "business_tracking",
	}
	if err := stores.Referrals.Create(ctx, ref); err != nil {
		t.Fatalf("failed to create referral: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs[n] = stores.Referrals.ConvertIfPending(ctx, ref.ID, float64(n))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one successful conversion, got %d", wins)
	}

	stored, _ := stores.Referrals.GetByID(ctx, ref.ID)
	if stored.ConversionStatus != models.ConversionConverted {
		t.Errorf("expected converted, got %q", stored.ConversionStatus)
	}
}

func TestConcurrentOrdersShareOneReferral(t *testing.T) {
	ctx := context.Background()
	stores := storage.NewMemoryStores()
	m := newTestMatcher(stores)

	if err := stores.Referrals.Create(ctx, &models.Referral{
		ShopID:      "shop-1",
		UTMSource:   "ipick",
		UTMMedium:   "suggestion",
		UTMCampaign: "business_tracking",
	}); err != nil {
		t.Fatalf("failed to create referral: %v", err)
	}

	sourceURL := "https://shop-1.example/?utm_source=ipick&utm_medium=suggestion&utm_campaign=business_tracking"
	a := createOrder(t, stores, &models.Order{OrderID: "5001", ShopID: "shop-1", TotalPrice: 10, SourceURL: sourceURL})
	b := createOrder(t, stores, &models.Order{OrderID: "5002", ShopID: "shop-1", TotalPrice: 20, SourceURL: sourceURL})

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i, order := range []*models.Order{a, b} {
		wg.Add(1)
		go func(n int, o *models.Order) {
			defer wg.Done()
			res, err := m.Attribute(ctx, o, "", true)
			if err != nil {
				t.Errorf("Attribute failed: %v", err)
				return
			}
			results[n] = res
		}(i, order)
	}
	wg.Wait()

	converted := 0
	for _, res := range results {
		if res != nil && res.Method == MethodUTMExact {
			converted++
		}
	}
	if converted != 1 {
		t.Errorf("expected exactly one order to convert the referral, got %d", converted)
	}
}

func TestLostLinkRaceRevertsConversion(t *testing.T) {
	ctx := context.Background()
	stores := storage.NewMemoryStores()
	m := newTestMatcher(stores)

	orderedAt := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	winner := &models.Referral{
		ShopID:      "shop-1",
		UTMSource:   "ipick",
		UTMMedium:   "suggestion",
		UTMCampaign: "business_tracking",
		ClickedAt:   orderedAt.Add(-time.Hour),
	}
	fallback := &models.Referral{
		ShopID:    "shop-1",
		UTMSource: "newsletter",
		ClickedAt: orderedAt.Add(-6 * time.Hour),
	}
	for _, ref := range []*models.Referral{winner, fallback} {
		if err := stores.Referrals.Create(ctx, ref); err != nil {
			t.Fatalf("failed to create referral: %v", err)
		}
	}

	order := createOrder(t, stores, &models.Order{
		OrderID:    "7001",
		ShopID:     "shop-1",
		TotalPrice: 42,
		CreatedAt:  orderedAt,
		SourceURL:  "https://shop-1.example/?utm_source=ipick&utm_medium=suggestion&utm_campaign=business_tracking",
	})

	first, err := m.Attribute(ctx, order, "", true)
	if err != nil {
		t.Fatalf("Attribute failed: %v", err)
	}
	if first.Method != MethodUTMExact || first.ReferralID != winner.ID {
		t.Fatalf("expected exact match on %s, got %+v", winner.ID, first)
	}

	// A duplicate delivery working from a stale, unlinked copy of the
	// order no longer sees the winner (converted), falls through to the
	// time-window strategy and converts the fallback referral, then loses
	// the link CAS to the first delivery.
	stale := &models.Order{
		ID:         order.ID,
		OrderID:    order.OrderID,
		ShopID:     order.ShopID,
		TotalPrice: order.TotalPrice,
		CreatedAt:  order.CreatedAt,
		SourceURL:  order.SourceURL,
	}
	second, err := m.Attribute(ctx, stale, "", true)
	if err != nil {
		t.Fatalf("retried Attribute failed: %v", err)
	}
	if !second.Matched || second.ReferralID != winner.ID {
		t.Errorf("retry must report the winning attribution, got %+v", second)
	}

	// The fallback referral must return to the pending pool; leaving it
	// converted would strand a conversion no order links to.
	reverted, _ := stores.Referrals.GetByID(ctx, fallback.ID)
	if reverted.ConversionStatus != models.ConversionPending {
		t.Errorf("expected fallback referral back to pending, got %q", reverted.ConversionStatus)
	}
	if reverted.ConversionValue != nil {
		t.Errorf("expected conversion value cleared, got %v", *reverted.ConversionValue)
	}

	stored, _ := stores.Orders.GetByOrderID(ctx, "shop-1", "7001")
	if stored.ReferralID == nil || *stored.ReferralID != winner.ID {
		t.Error("order must stay linked to the winning referral")
	}
}

func TestStrategyErrorContinuesCascade(t *testing.T) {
	ctx := context.Background()
	stores := storage.NewMemoryStores()
	m := newTestMatcher(stores)

	// Force the click strategy to fail by prepending one that errors.
	m.strategies = append([]Strategy{failingStrategy{}}, m.strategies...)

	_, err := stores.Clicks.Register(ctx, &models.Click{ClickID: "c2", ShopID: "shop-1"})
	if err != nil {
		t.Fatalf("failed to register click: %v", err)
	}

	order := createOrder(t, stores, &models.Order{OrderID: "6001", ShopID: "shop-1", TotalPrice: 5})

	res, err := m.Attribute(ctx, order, "c2", true)
	if err != nil {
		t.Fatalf("Attribute failed: %v", err)
	}
	if res.Method != MethodClickID {
		t.Errorf("cascade must continue past a failing strategy, got %q", res.Method)
	}
}

type failingStrategy struct{}

func (failingStrategy) Name() string { return "failing" }
func (failingStrategy) Attempt(ctx context.Context, c *Candidate) (*Match, error) {
	return nil, context.DeadlineExceeded
}
