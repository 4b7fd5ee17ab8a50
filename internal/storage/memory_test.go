package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ipick/trackd/internal/models"
)

func TestNormalizeDomain(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"myshop.example", "myshop.example"},
		{"MyShop.Example", "myshop.example"},
		{"https://myshop.example", "myshop.example"},
		{"https://www.myshop.example:443/cart?x=1", "myshop.example"},
		{"myshop.example:8080", "myshop.example"},
		{"  myshop.example  ", "myshop.example"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeDomain(tc.in); got != tc.want {
			t.Errorf("NormalizeDomain(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestClickRegisterIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryClickRegistry()

	first, err := reg.Register(ctx, &models.Click{ClickID: "c1", ShopID: "shop-1", DestinationURL: "https://a"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if first.CreatedAt.IsZero() {
		t.Error("Register must stamp the registration time when the caller omits it")
	}

	second, err := reg.Register(ctx, &models.Click{ClickID: "c1", ShopID: "shop-1", DestinationURL: "https://b"})
	if err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	if second.ID != first.ID {
		t.Error("re-registering must return the stored record")
	}
	if second.DestinationURL != "https://a" {
		t.Error("re-registering must not overwrite the stored record")
	}

	// Same click id under another shop is a distinct record.
	other, err := reg.Register(ctx, &models.Click{ClickID: "c1", ShopID: "shop-2"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if other.ID == first.ID {
		t.Error("click ids are scoped per shop")
	}
}

func TestClickLookupScopedToShop(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryClickRegistry()

	if _, err := reg.Register(ctx, &models.Click{ClickID: "c1", ShopID: "shop-1"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if _, err := reg.Lookup(ctx, "shop-1", "c1"); err != nil {
		t.Errorf("expected hit, got %v", err)
	}
	if _, err := reg.Lookup(ctx, "shop-2", "c1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("cross-shop lookup must miss, got %v", err)
	}
}

func TestReferralTerminalState(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryReferralRepo()

	ref := &models.Referral{ShopID: "shop-1", UTMSource: "ipick"}
	if err := repo.Create(ctx, ref); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := repo.ConvertIfPending(ctx, ref.ID, 42); err != nil {
		t.Fatalf("first convert failed: %v", err)
	}
	if err := repo.ConvertIfPending(ctx, ref.ID, 99); !errors.Is(err, models.ErrStateConflict) {
		t.Errorf("second convert must conflict, got %v", err)
	}
	if err := repo.MarkAbandoned(ctx, ref.ID); !errors.Is(err, models.ErrStateConflict) {
		t.Errorf("abandoning a converted referral must conflict, got %v", err)
	}

	stored, _ := repo.GetByID(ctx, ref.ID)
	if stored.ConversionValue == nil || *stored.ConversionValue != 42 {
		t.Error("losing writer must not overwrite the conversion value")
	}

	// Reverting is the compensation path and is just as conditional.
	if err := repo.RevertToPending(ctx, ref.ID); err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	if err := repo.RevertToPending(ctx, ref.ID); !errors.Is(err, models.ErrStateConflict) {
		t.Errorf("reverting a pending referral must conflict, got %v", err)
	}

	reverted, _ := repo.GetByID(ctx, ref.ID)
	if reverted.ConversionStatus != models.ConversionPending || reverted.ConversionValue != nil {
		t.Errorf("revert must restore the pending state: %+v", reverted)
	}
}

func TestGetByUTMPrefersMostRecentPending(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryReferralRepo()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	older := &models.Referral{ShopID: "shop-1", UTMSource: "ipick", UTMMedium: "m", UTMCampaign: "c", ClickedAt: base}
	newer := &models.Referral{ShopID: "shop-1", UTMSource: "ipick", UTMMedium: "m", UTMCampaign: "c", ClickedAt: base.Add(time.Hour)}
	converted := &models.Referral{
		ShopID: "shop-1", UTMSource: "ipick", UTMMedium: "m", UTMCampaign: "c",
		ClickedAt: base.Add(2 * time.Hour), ConversionStatus: models.ConversionConverted,
	}
	for _, ref := range []*models.Referral{older, newer, converted} {
		if err := repo.Create(ctx, ref); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	got, err := repo.GetByUTM(ctx, "shop-1", "ipick", "m", "c")
	if err != nil {
		t.Fatalf("GetByUTM failed: %v", err)
	}
	if got.ID != newer.ID {
		t.Error("expected the most recent pending referral, converted rows excluded")
	}
}

func TestFindByKnownSourcePrefixOnly(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryReferralRepo()

	hit := &models.Referral{ShopID: "shop-1", UTMSource: "ipick_spring"}
	miss := &models.Referral{ShopID: "shop-1", UTMSource: "pavlovich_coffee"}
	for _, ref := range []*models.Referral{hit, miss} {
		if err := repo.Create(ctx, ref); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	got, err := repo.FindByKnownSource(ctx, "shop-1", []string{"ipick"})
	if err != nil {
		t.Fatalf("FindByKnownSource failed: %v", err)
	}
	if got.ID != hit.ID {
		t.Error("expected the prefix match")
	}

	if _, err := repo.FindByKnownSource(ctx, "shop-1", []string{"spring"}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("mid-string fragments must not match, got %v", err)
	}
}

func TestListPendingSinceOrderAndBound(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryReferralRepo()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := repo.Create(ctx, &models.Referral{
			ShopID:    "shop-1",
			UTMSource: "s",
			ClickedAt: base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	refs, err := repo.ListPendingSince(ctx, "shop-1", base.Add(time.Hour), 2)
	if err != nil {
		t.Fatalf("ListPendingSince failed: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(refs))
	}
	if !refs[0].ClickedAt.Equal(base.Add(time.Hour)) || !refs[1].ClickedAt.Equal(base.Add(2*time.Hour)) {
		t.Error("expected ascending clicked-at order from the cutoff")
	}

	// A non-positive limit means unbounded, never an empty result.
	all, err := repo.ListPendingSince(ctx, "shop-1", base, 0)
	if err != nil {
		t.Fatalf("ListPendingSince failed: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("expected all 5 referrals with limit 0, got %d", len(all))
	}
}

func TestOrderLinkAtMostOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryOrderRepo()

	order, err := repo.Create(ctx, &models.Order{OrderID: "1", ShopID: "shop-1"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				errs[n] = repo.LinkClickIfUnset(ctx, order.ID, "c1")
			} else {
				errs[n] = repo.LinkReferralIfUnset(ctx, order.ID, "r1")
			}
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, models.ErrStateConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one linkage, got %d", wins)
	}

	stored, _ := repo.GetByOrderID(ctx, "shop-1", "1")
	if stored.ClickID != nil && stored.ReferralID != nil {
		t.Error("an order never carries both links")
	}
}

func TestAggregateCreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAggregateRepo()

	day := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	created, err := repo.CreateIfAbsent(ctx, &models.Aggregate{ShopID: "shop-1", Date: day, Sessions: 3})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !created {
		t.Fatal("first insert must report created")
	}

	created, err = repo.CreateIfAbsent(ctx, &models.Aggregate{ShopID: "shop-1", Date: day, Sessions: 99})
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if created {
		t.Error("duplicate (shop, date) must report not created")
	}

	aggs, _ := repo.GetRange(ctx, "shop-1", day, day)
	if len(aggs) != 1 || aggs[0].Sessions != 3 {
		t.Errorf("stored row must be untouched: %+v", aggs)
	}
}

func TestEventStoreAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()

	ev := &models.Event{ShopID: "shop-1", Type: models.EventPageView, SessionID: "s", OccurredAt: time.Now().UTC()}
	for i := 0; i < 3; i++ {
		cp := *ev
		cp.ID = ""
		if err := store.Insert(ctx, &cp); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	n, _ := store.Count(ctx, EventFilter{ShopID: "shop-1"})
	if n != 3 {
		t.Errorf("identical events must never deduplicate, got %d", n)
	}
}
