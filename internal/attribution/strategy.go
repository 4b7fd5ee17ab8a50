package attribution

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/ipick/trackd/internal/models"
	"github.com/ipick/trackd/internal/storage"
)

// Match methods, in cascade priority order. The method travels with the
// match so downstream consumers can discount low-confidence signals: a
// time_window match carries no content correlation, only recency.
const (
	MethodClickID    = "click_id"
	MethodUTMExact   = "utm_exact"
	MethodUTMFuzzy   = "utm_fuzzy"
	MethodTimeWindow = "time_window"
	MethodSourceName = "source_name"
)

// Match is one successful attribution candidate. Exactly one of Click or
// Referral is set.
type Match struct {
	Method   string
	Click    *models.Click
	Referral *models.Referral
}

// Candidate carries one order through the cascade together with the
// attribution inputs extracted from the platform payload.
type Candidate struct {
	Order *models.Order

	// EmbeddedClickID is the click identifier forwarded at checkout via a
	// metafield, note attribute or tracking cookie. Empty when absent.
	EmbeddedClickID string

	// Paid reports whether the order is financially complete. An unpaid
	// order still links, but the referral stays pending.
	Paid bool

	// utm caches the triple parsed from the order's source URL.
	utm    utmTriple
	parsed bool
}

type utmTriple struct {
	Source   string
	Medium   string
	Campaign string
}

func (t utmTriple) complete() bool {
	return t.Source != "" && t.Medium != "" && t.Campaign != ""
}

// UTM parses the order's source URL once and caches the triple.
func (c *Candidate) UTM() utmTriple {
	if c.parsed {
		return c.utm
	}
	c.parsed = true

	u, err := url.Parse(c.Order.SourceURL)
	if err != nil {
		return c.utm
	}
	q := u.Query()
	c.utm = utmTriple{
		Source:   q.Get("utm_source"),
		Medium:   q.Get("utm_medium"),
		Campaign: q.Get("utm_campaign"),
	}
	return c.utm
}

// Strategy is one rung of the matching cascade. A miss is (nil, nil); an
// error means the lookup itself failed and the cascade should log it and
// move on rather than abort order processing.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, c *Candidate) (*Match, error)
}

// =============================================
// 1. Explicit click ID
// =============================================

// clickIDStrategy resolves the embedded click identifier directly against
// the click registry. Unambiguous, so it is tried first.
type clickIDStrategy struct {
	clicks storage.ClickRegistry
}

func (s *clickIDStrategy) Name() string { return MethodClickID }

func (s *clickIDStrategy) Attempt(ctx context.Context, c *Candidate) (*Match, error) {
	if c.EmbeddedClickID == "" {
		return nil, nil
	}

	click, err := s.clicks.Lookup(ctx, c.Order.ShopID, c.EmbeddedClickID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Match{Method: MethodClickID, Click: click}, nil
}

// =============================================
// 2. Exact UTM triple
// =============================================

type utmExactStrategy struct {
	referrals storage.ReferralRepo
}

func (s *utmExactStrategy) Name() string { return MethodUTMExact }

func (s *utmExactStrategy) Attempt(ctx context.Context, c *Candidate) (*Match, error) {
	utm := c.UTM()
	if !utm.complete() {
		return nil, nil
	}

	ref, err := s.referrals.GetByUTM(ctx, c.Order.ShopID, utm.Source, utm.Medium, utm.Campaign)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Match{Method: MethodUTMExact, Referral: ref}, nil
}

// =============================================
// 3. Known-source fuzzy match
// =============================================

// utmFuzzyStrategy searches pending referrals whose UTM source matches the
// fixed allow-list of known referral-source aliases. Matching is exact or
// prefix against the aliases only; arbitrary substring matching over caller
// input invited false positives and is deliberately not reproduced here.
type utmFuzzyStrategy struct {
	referrals storage.ReferralRepo
	aliases   []string
}

func (s *utmFuzzyStrategy) Name() string { return MethodUTMFuzzy }

func (s *utmFuzzyStrategy) Attempt(ctx context.Context, c *Candidate) (*Match, error) {
	if len(s.aliases) == 0 {
		return nil, nil
	}

	ref, err := s.referrals.FindByKnownSource(ctx, c.Order.ShopID, s.aliases)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Match{Method: MethodUTMFuzzy, Referral: ref}, nil
}

// =============================================
// 4. Time-window fallback
// =============================================

// timeWindowStrategy is the weakest signal: any pending referral clicked
// within the trailing window before the order, oldest first. The bounded
// scan keeps the query cheap even for busy shops.
type timeWindowStrategy struct {
	referrals storage.ReferralRepo
	window    time.Duration
	limit     int
}

func (s *timeWindowStrategy) Name() string { return MethodTimeWindow }

func (s *timeWindowStrategy) Attempt(ctx context.Context, c *Candidate) (*Match, error) {
	orderedAt := c.Order.CreatedAt
	if orderedAt.IsZero() {
		orderedAt = time.Now().UTC()
	}
	cutoff := orderedAt.Add(-s.window)

	refs, err := s.referrals.ListPendingSince(ctx, c.Order.ShopID, cutoff, s.limit)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		// ListPendingSince bounds the lower edge; the upper edge matters
		// for replayed webhooks, where a referral may postdate the order.
		if ref.ClickedAt.After(orderedAt) {
			continue
		}
		return &Match{Method: MethodTimeWindow, Referral: ref}, nil
	}
	return nil, nil
}

// =============================================
// 5. Source-name heuristic
// =============================================

// sourceNameStrategy is the last resort: the platform's referring
// application name contains a known-brand token, so a UTM triple is
// synthesized from fixed defaults.
type sourceNameStrategy struct {
	referrals storage.ReferralRepo
	aliases   []string
	defaults  utmTriple
}

func (s *sourceNameStrategy) Name() string { return MethodSourceName }

func (s *sourceNameStrategy) Attempt(ctx context.Context, c *Candidate) (*Match, error) {
	name := strings.ToLower(c.Order.SourceName)
	if name == "" {
		return nil, nil
	}

	known := false
	for _, alias := range s.aliases {
		if strings.Contains(name, strings.ToLower(alias)) {
			known = true
			break
		}
	}
	if !known {
		return nil, nil
	}

	// A synthesized triple may still correspond to a recorded referral.
	ref, err := s.referrals.GetByUTM(ctx, c.Order.ShopID, s.defaults.Source, s.defaults.Medium, s.defaults.Campaign)
	if errors.Is(err, models.ErrNotFound) {
		// No referral row to credit; synthesize one for the linkage.
		return &Match{Method: MethodSourceName, Referral: &models.Referral{
			ShopID:           c.Order.ShopID,
			UTMSource:        s.defaults.Source,
			UTMMedium:        s.defaults.Medium,
			UTMCampaign:      s.defaults.Campaign,
			ConversionStatus: models.ConversionPending,
		}}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Match{Method: MethodSourceName, Referral: ref}, nil
}
