package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ipick/trackd/internal/models"
)

// In-memory implementations of every store. Used when PostgreSQL is
// unavailable and as test fixtures. Semantics mirror the Postgres
// implementations, including the conditional-update guards.

// =============================================
// Shops
// =============================================

type MemoryShopRepo struct {
	mu    sync.RWMutex
	shops map[string]*models.Shop
}

func NewMemoryShopRepo() *MemoryShopRepo {
	return &MemoryShopRepo{shops: make(map[string]*models.Shop)}
}

func (r *MemoryShopRepo) GetByID(ctx context.Context, id string) (*models.Shop, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.shops[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryShopRepo) GetByDomain(ctx context.Context, domain string) (*models.Shop, error) {
	domain = NormalizeDomain(domain)
	if domain == "" {
		return nil, models.ErrNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.shops {
		if s.Domain == domain || s.PlatformDomain == domain {
			cp := *s
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *MemoryShopRepo) ListActive(ctx context.Context) ([]*models.Shop, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var shops []*models.Shop
	for _, s := range r.shops {
		if s.Active {
			cp := *s
			shops = append(shops, &cp)
		}
	}
	sort.Slice(shops, func(i, j int) bool { return shops[i].CreatedAt.Before(shops[j].CreatedAt) })
	return shops, nil
}

func (r *MemoryShopRepo) Upsert(ctx context.Context, shop *models.Shop) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if shop.ID == "" {
		shop.ID = uuid.New().String()
	}
	if shop.CreatedAt.IsZero() {
		shop.CreatedAt = time.Now().UTC()
	}
	shop.Domain = NormalizeDomain(shop.Domain)
	shop.PlatformDomain = NormalizeDomain(shop.PlatformDomain)

	cp := *shop
	r.shops[shop.ID] = &cp
	return nil
}

// =============================================
// Clicks
// =============================================

type MemoryClickRegistry struct {
	mu     sync.RWMutex
	clicks map[string]*models.Click // (shopID, clickID) -> click
}

func NewMemoryClickRegistry() *MemoryClickRegistry {
	return &MemoryClickRegistry{clicks: make(map[string]*models.Click)}
}

func clickKey(shopID, clickID string) string {
	return shopID + "\x00" + clickID
}

func (r *MemoryClickRegistry) Register(ctx context.Context, click *models.Click) (*models.Click, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := clickKey(click.ShopID, click.ClickID)
	if existing, ok := r.clicks[key]; ok {
		cp := *existing
		return &cp, nil
	}

	if click.ID == "" {
		click.ID = uuid.New().String()
	}
	if click.CreatedAt.IsZero() {
		click.CreatedAt = time.Now().UTC()
	}
	cp := *click
	r.clicks[key] = &cp
	return click, nil
}

func (r *MemoryClickRegistry) Lookup(ctx context.Context, shopID, clickID string) (*models.Click, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clicks[clickKey(shopID, clickID)]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// =============================================
// Referrals
// =============================================

type MemoryReferralRepo struct {
	mu        sync.Mutex
	referrals map[string]*models.Referral
}

func NewMemoryReferralRepo() *MemoryReferralRepo {
	return &MemoryReferralRepo{referrals: make(map[string]*models.Referral)}
}

func (r *MemoryReferralRepo) Create(ctx context.Context, ref *models.Referral) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ref.ID == "" {
		ref.ID = uuid.New().String()
	}
	if ref.ConversionStatus == "" {
		ref.ConversionStatus = models.ConversionPending
	}
	if ref.ClickedAt.IsZero() {
		ref.ClickedAt = time.Now().UTC()
	}
	cp := *ref
	r.referrals[ref.ID] = &cp
	return nil
}

func (r *MemoryReferralRepo) GetByID(ctx context.Context, id string) (*models.Referral, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.referrals[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *ref
	return &cp, nil
}

// pendingMatch returns the most recently clicked pending referral for the
// shop satisfying pred.
func (r *MemoryReferralRepo) pendingMatch(shopID string, pred func(*models.Referral) bool) (*models.Referral, error) {
	var best *models.Referral
	for _, ref := range r.referrals {
		if ref.ShopID != shopID || ref.ConversionStatus != models.ConversionPending {
			continue
		}
		if !pred(ref) {
			continue
		}
		if best == nil || ref.ClickedAt.After(best.ClickedAt) {
			best = ref
		}
	}
	if best == nil {
		return nil, models.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (r *MemoryReferralRepo) GetByUTM(ctx context.Context, shopID, source, medium, campaign string) (*models.Referral, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.pendingMatch(shopID, func(ref *models.Referral) bool {
		return ref.UTMSource == source && ref.UTMMedium == medium && ref.UTMCampaign == campaign
	})
}

func (r *MemoryReferralRepo) FindByKnownSource(ctx context.Context, shopID string, aliases []string) (*models.Referral, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.pendingMatch(shopID, func(ref *models.Referral) bool {
		src := strings.ToLower(ref.UTMSource)
		for _, alias := range aliases {
			if strings.HasPrefix(src, strings.ToLower(alias)) {
				return true
			}
		}
		return false
	})
}

func (r *MemoryReferralRepo) ListPendingSince(ctx context.Context, shopID string, cutoff time.Time, limit int) ([]*models.Referral, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var refs []*models.Referral
	for _, ref := range r.referrals {
		if ref.ShopID != shopID || ref.ConversionStatus != models.ConversionPending {
			continue
		}
		if ref.ClickedAt.Before(cutoff) {
			continue
		}
		cp := *ref
		refs = append(refs, &cp)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ClickedAt.Before(refs[j].ClickedAt) })
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

func (r *MemoryReferralRepo) ConvertIfPending(ctx context.Context, id string, value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.referrals[id]
	if !ok {
		return models.ErrNotFound
	}
	if ref.ConversionStatus != models.ConversionPending {
		return models.ErrStateConflict
	}
	ref.ConversionStatus = models.ConversionConverted
	ref.ConversionValue = &value
	return nil
}

func (r *MemoryReferralRepo) RevertToPending(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.referrals[id]
	if !ok {
		return models.ErrNotFound
	}
	if ref.ConversionStatus != models.ConversionConverted {
		return models.ErrStateConflict
	}
	ref.ConversionStatus = models.ConversionPending
	ref.ConversionValue = nil
	return nil
}

func (r *MemoryReferralRepo) MarkAbandoned(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.referrals[id]
	if !ok {
		return models.ErrNotFound
	}
	if ref.ConversionStatus != models.ConversionPending {
		return models.ErrStateConflict
	}
	ref.ConversionStatus = models.ConversionAbandoned
	return nil
}

// =============================================
// Events
// =============================================

type MemoryEventStore struct {
	mu     sync.RWMutex
	events []*models.Event
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

func (s *MemoryEventStore) Insert(ctx context.Context, ev *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryEventStore) matches(ev *models.Event, f EventFilter) bool {
	if ev.ShopID != f.ShopID {
		return false
	}
	if !f.From.IsZero() && ev.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.OccurredAt.After(f.To) {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	return true
}

func (s *MemoryEventStore) Query(ctx context.Context, f EventFilter) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Event
	for _, ev := range s.events {
		if s.matches(ev, f) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryEventStore) Count(ctx context.Context, f EventFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, ev := range s.events {
		if s.matches(ev, f) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryEventStore) CountAttributed(ctx context.Context, f EventFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, ev := range s.events {
		if s.matches(ev, f) && ev.ClickID != nil {
			n++
		}
	}
	return n, nil
}

func (s *MemoryEventStore) CountByType(ctx context.Context, shopID string, from, to time.Time) (map[models.EventType]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f := EventFilter{ShopID: shopID, From: from, To: to}
	counts := make(map[models.EventType]int64)
	for _, ev := range s.events {
		if s.matches(ev, f) {
			counts[ev.Type]++
		}
	}
	return counts, nil
}

func (s *MemoryEventStore) DistinctSessions(ctx context.Context, shopID string, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f := EventFilter{ShopID: shopID, From: from, To: to}
	sessions := make(map[string]struct{})
	for _, ev := range s.events {
		if s.matches(ev, f) {
			sessions[ev.SessionID] = struct{}{}
		}
	}
	return len(sessions), nil
}

// =============================================
// Orders
// =============================================

type MemoryOrderRepo struct {
	mu     sync.Mutex
	orders map[string]*models.Order // (shopID, orderID) -> order
	byID   map[string]*models.Order
}

func NewMemoryOrderRepo() *MemoryOrderRepo {
	return &MemoryOrderRepo{
		orders: make(map[string]*models.Order),
		byID:   make(map[string]*models.Order),
	}
}

func orderKey(shopID, orderID string) string {
	return shopID + "\x00" + orderID
}

func (r *MemoryOrderRepo) Create(ctx context.Context, order *models.Order) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := orderKey(order.ShopID, order.OrderID)
	if existing, ok := r.orders[key]; ok {
		cp := *existing
		return &cp, nil
	}

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	cp := *order
	r.orders[key] = &cp
	r.byID[cp.ID] = &cp
	return order, nil
}

func (r *MemoryOrderRepo) GetByOrderID(ctx context.Context, shopID, orderID string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderKey(shopID, orderID)]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *MemoryOrderRepo) LinkClickIfUnset(ctx context.Context, id, clickID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.byID[id]
	if !ok {
		return models.ErrNotFound
	}
	if o.ClickID != nil || o.ReferralID != nil {
		return models.ErrStateConflict
	}
	o.ClickID = &clickID
	return nil
}

func (r *MemoryOrderRepo) LinkReferralIfUnset(ctx context.Context, id, referralID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.byID[id]
	if !ok {
		return models.ErrNotFound
	}
	if o.ClickID != nil || o.ReferralID != nil {
		return models.ErrStateConflict
	}
	o.ReferralID = &referralID
	return nil
}

func (r *MemoryOrderRepo) QueryWindow(ctx context.Context, shopID string, from, to time.Time, limit int) ([]*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Order
	for _, o := range r.byID {
		if o.ShopID != shopID {
			continue
		}
		if o.CreatedAt.Before(from) || o.CreatedAt.After(to) {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================
// Aggregates
// =============================================

type MemoryAggregateRepo struct {
	mu   sync.Mutex
	aggs map[string]*models.Aggregate // (shopID, date) -> aggregate
}

func NewMemoryAggregateRepo() *MemoryAggregateRepo {
	return &MemoryAggregateRepo{aggs: make(map[string]*models.Aggregate)}
}

func aggKey(shopID string, date time.Time) string {
	return shopID + "\x00" + date.UTC().Format("2006-01-02")
}

func (r *MemoryAggregateRepo) CreateIfAbsent(ctx context.Context, agg *models.Aggregate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := aggKey(agg.ShopID, agg.Date)
	if _, ok := r.aggs[key]; ok {
		return false, nil
	}

	if agg.ID == "" {
		agg.ID = uuid.New().String()
	}
	if agg.CreatedAt.IsZero() {
		agg.CreatedAt = time.Now().UTC()
	}
	cp := *agg
	r.aggs[key] = &cp
	return true, nil
}

func (r *MemoryAggregateRepo) Exists(ctx context.Context, shopID string, date time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.aggs[aggKey(shopID, date)]
	return ok, nil
}

func (r *MemoryAggregateRepo) GetRange(ctx context.Context, shopID string, from, to time.Time) ([]*models.Aggregate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Aggregate
	for _, a := range r.aggs {
		if a.ShopID != shopID {
			continue
		}
		if a.Date.Before(from) || a.Date.After(to) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}
