package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codexlb/codex-lb/internal/store"
)

// Selection strategies.
const (
	StrategyResetFirst    = "reset_first"
	StrategyWastePressure = "waste_pressure"
)

// Ineligibility reasons, stable strings surfaced in errors and debug output.
const (
	ReasonPaused           = "paused"
	ReasonDeactivated      = "deactivated"
	ReasonCooldown         = "cooldown"
	ReasonErrorBackoff     = "error_backoff"
	ReasonRateLimited      = "rate_limited"
	ReasonQuotaExceeded    = "quota_exceeded"
	ReasonSecondaryExhaust = "secondary_exhausted"
)

// RequestContext carries the per-request selection inputs. StickyAccountID is
// resolved from the fingerprint by the caller before selection.
type RequestContext struct {
	ForcedAccountID string
	StickyAccountID string
	RequestID       string
	Now             time.Time
}

// Decision is a successful selection.
type Decision struct {
	AccountID          string
	Pool               string // "forced", "pinned" or "all"
	StickyHit          bool
	DropSticky         bool
	FallbackFromPinned bool
}

// NoAccountsError reports why every candidate was rejected.
type NoAccountsError struct {
	Reasons map[string]string // account id -> ineligibility reason
}

func (e *NoAccountsError) Error() string {
	if len(e.Reasons) == 0 {
		return "no accounts configured"
	}
	parts := make([]string, 0, len(e.Reasons))
	for id, reason := range e.Reasons {
		parts = append(parts, id+"="+reason)
	}
	sort.Strings(parts)
	return "no accounts available: " + strings.Join(parts, ", ")
}

// Select picks an account from the snapshot. Pure over its inputs apart from
// the selection-event ring.
func (e *Engine) Select(snap *Snapshot, rctx RequestContext) (*Decision, error) {
	if rctx.Now.IsZero() {
		rctx.Now = time.Now()
	}

	d, err := e.selectInner(snap, rctx)
	ev := SelectionEvent{
		At:        rctx.Now,
		RequestID: rctx.RequestID,
	}
	if err != nil {
		ev.Outcome = "no_available"
		if rctx.ForcedAccountID != "" {
			ev.Pool = "forced"
		}
	} else {
		ev.Outcome = "selected"
		ev.AccountID = d.AccountID
		ev.Pool = d.Pool
		ev.FallbackFromPinned = d.FallbackFromPinned
		ev.StickyHit = d.StickyHit
	}
	e.selEvents.add(ev)
	return d, err
}

func (e *Engine) selectInner(snap *Snapshot, rctx RequestContext) (*Decision, error) {
	// Forced account: no eligibility check, no stickiness, no failover.
	if rctx.ForcedAccountID != "" {
		if snap.byID(rctx.ForcedAccountID) == nil {
			return nil, &NoAccountsError{Reasons: map[string]string{rctx.ForcedAccountID: "not_found"}}
		}
		return &Decision{AccountID: rctx.ForcedAccountID, Pool: "forced"}, nil
	}

	pool := "all"
	candidates := snap.Accounts
	if len(snap.PinnedAccountIDs) > 0 {
		pool = "pinned"
		candidates = filterPinned(snap.Accounts, snap.PinnedAccountIDs)
	}

	d, reasons := pickFrom(candidates, rctx, e.cfg.SelectionStrategy)
	if d == nil && pool == "pinned" {
		// Pinned pool unusable: fall back to the full pool.
		d, reasons = pickFrom(snap.Accounts, rctx, e.cfg.SelectionStrategy)
		if d != nil {
			d.FallbackFromPinned = true
		}
	}
	if d == nil {
		return nil, &NoAccountsError{Reasons: reasons}
	}
	d.Pool = pool
	return d, nil
}

func filterPinned(accounts []*SnapshotAccount, pinned []string) []*SnapshotAccount {
	set := make(map[string]struct{}, len(pinned))
	for _, id := range pinned {
		set[id] = struct{}{}
	}
	out := make([]*SnapshotAccount, 0, len(pinned))
	for _, a := range accounts {
		if _, ok := set[a.Account.ID]; ok {
			out = append(out, a)
		}
	}
	return out
}

// pickFrom filters candidates for eligibility, honors stickiness, then scores.
func pickFrom(candidates []*SnapshotAccount, rctx RequestContext, strategy string) (*Decision, map[string]string) {
	reasons := make(map[string]string)
	eligible := make([]*SnapshotAccount, 0, len(candidates))
	for _, a := range candidates {
		if reason := ineligibleReason(a, rctx.Now); reason != "" {
			reasons[a.Account.ID] = reason
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return nil, reasons
	}

	dropSticky := false
	if rctx.StickyAccountID != "" {
		for _, a := range eligible {
			if a.Account.ID == rctx.StickyAccountID {
				return &Decision{AccountID: a.Account.ID, StickyHit: true}, nil
			}
		}
		// Sticky target is ineligible or outside the active pool.
		dropSticky = true
	}

	var best *SnapshotAccount
	if strategy == StrategyWastePressure {
		best = pickWastePressure(eligible, rctx.Now)
	} else {
		best = pickResetFirst(eligible, rctx.Now)
	}
	return &Decision{AccountID: best.Account.ID, DropSticky: dropSticky}, nil
}

// ineligibleReason returns empty for an eligible account.
func ineligibleReason(a *SnapshotAccount, now time.Time) string {
	acct := a.Account
	switch acct.Status {
	case store.StatusPaused:
		return ReasonPaused
	case store.StatusDeactivated:
		return ReasonDeactivated
	case store.StatusRateLimited, store.StatusQuotaExceeded:
		if effectiveResetAt(a).After(now) {
			if acct.Status == store.StatusQuotaExceeded {
				return ReasonQuotaExceeded
			}
			return ReasonRateLimited
		}
	}

	if a.Runtime.CooldownUntil.After(now) {
		if a.Runtime.CooldownReason == ReasonErrorBackoff {
			return ReasonErrorBackoff
		}
		return ReasonCooldown
	}

	if sec := a.Secondary; sec != nil && sec.UsedPercent >= 100 &&
		sec.ResetAt != nil && sec.ResetAt.After(now) {
		return ReasonSecondaryExhaust
	}
	return ""
}

// effectiveResetAt is the later of the persisted boundary and the runtime
// hint, treating missing sides as the zero time.
func effectiveResetAt(a *SnapshotAccount) time.Time {
	var t time.Time
	if a.Account.ResetAt != nil {
		t = *a.Account.ResetAt
	}
	if a.Runtime.ResetAtHint.After(t) {
		t = a.Runtime.ResetAtHint
	}
	return t
}

// --- Scoring ---

// Tier weights. Team and business plans route with plus weight.
const (
	tierWeightPro  = 1.00
	tierWeightPlus = 0.72
	tierWeightFree = 0.512
)

func tierWeight(planType string) float64 {
	switch planType {
	case "pro":
		return tierWeightPro
	case "plus", "team", "business", "enterprise":
		return tierWeightPlus
	default:
		return tierWeightFree
	}
}

const minTimeToReset = 60 * time.Second

// pickResetFirst prefers accounts whose weekly window resets soonest, scaled
// by plan tier. Accounts with an unknown reset score zero and lose to any
// account with a known one.
func pickResetFirst(eligible []*SnapshotAccount, now time.Time) *SnapshotAccount {
	best := eligible[0]
	bestScore := resetFirstScore(best, now)
	for _, a := range eligible[1:] {
		s := resetFirstScore(a, now)
		if s > bestScore || (s == bestScore && tieBreakLess(a, best)) {
			best, bestScore = a, s
		}
	}
	return best
}

func resetFirstScore(a *SnapshotAccount, now time.Time) float64 {
	reset := secondaryResetAt(a)
	if reset == nil {
		return 0
	}
	ttr := reset.Sub(now)
	if ttr < minTimeToReset {
		ttr = minTimeToReset
	}
	return tierWeight(a.Account.PlanType) / ttr.Seconds()
}

// pickWastePressure groups accounts by tier, scores each tier by its most
// pressured account (max, not sum, so small tiers are not starved), then
// picks the most pressured account inside the winning tier.
func pickWastePressure(eligible []*SnapshotAccount, now time.Time) *SnapshotAccount {
	type tierGroup struct {
		weight float64
		accts  []*SnapshotAccount
		maxReq float64
	}
	tiers := make(map[float64]*tierGroup)
	for _, a := range eligible {
		w := tierWeight(a.Account.PlanType)
		g, ok := tiers[w]
		if !ok {
			g = &tierGroup{weight: w}
			tiers[w] = g
		}
		g.accts = append(g.accts, a)
		if r := requiredRate(a, now); r > g.maxReq {
			g.maxReq = r
		}
	}

	var bestTier *tierGroup
	var bestTierScore float64
	for _, g := range tiers {
		score := g.maxReq * g.weight
		if bestTier == nil || score > bestTierScore {
			bestTier, bestTierScore = g, score
		}
	}

	best := bestTier.accts[0]
	bestRate := requiredRate(best, now)
	for _, a := range bestTier.accts[1:] {
		r := requiredRate(a, now)
		if r > bestRate || (r == bestRate && tieBreakLess(a, best)) {
			best, bestRate = a, r
		}
	}
	return best
}

// requiredRate is the spend rate needed to exhaust the remaining weekly
// budget before it resets. Higher means more budget at risk of going unused.
func requiredRate(a *SnapshotAccount, now time.Time) float64 {
	sec := a.Secondary
	reset := secondaryResetAt(a)
	if sec == nil || reset == nil {
		return 0
	}
	ttr := reset.Sub(now)
	if ttr < minTimeToReset {
		ttr = minTimeToReset
	}
	remaining := 100 - sec.UsedPercent
	if sec.CapacityCredits != nil {
		remaining = *sec.CapacityCredits * (100 - sec.UsedPercent) / 100
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining / ttr.Seconds()
}

func secondaryResetAt(a *SnapshotAccount) *time.Time {
	if a.Secondary == nil {
		return nil
	}
	return a.Secondary.ResetAt
}

// tieBreakLess reports whether a should win over b when scores are equal:
// earlier known weekly reset, then higher tier, then least recently selected,
// then lexical id.
func tieBreakLess(a, b *SnapshotAccount) bool {
	ra, rb := secondaryResetAt(a), secondaryResetAt(b)
	switch {
	case ra != nil && rb == nil:
		return true
	case ra == nil && rb != nil:
		return false
	case ra != nil && rb != nil && !ra.Equal(*rb):
		return ra.Before(*rb)
	}

	wa, wb := tierWeight(a.Account.PlanType), tierWeight(b.Account.PlanType)
	if wa != wb {
		return wa > wb
	}

	la, lb := a.Runtime.LastSelectedAt, b.Runtime.LastSelectedAt
	if !la.Equal(lb) {
		return la.Before(lb)
	}

	return a.Account.ID < b.Account.ID
}

// --- Selection event ring (debug) ---

type SelectionEvent struct {
	At                 time.Time `json:"at"`
	AccountID          string    `json:"account_id,omitempty"`
	RequestID          string    `json:"request_id,omitempty"`
	Pool               string    `json:"pool"`
	Outcome            string    `json:"outcome"`
	StickyHit          bool      `json:"sticky_hit,omitempty"`
	FallbackFromPinned bool      `json:"fallback_from_pinned,omitempty"`
}

type selectionRing struct {
	mu    sync.Mutex
	ring  []SelectionEvent
	size  int
	pos   int
	count int
}

func newSelectionRing(size int) *selectionRing {
	return &selectionRing{ring: make([]SelectionEvent, size), size: size}
}

func (r *selectionRing) add(ev SelectionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.pos] = ev
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *selectionRing) recent() []SelectionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SelectionEvent, r.count)
	start := (r.pos - r.count + r.size) % r.size
	for i := range r.count {
		out[i] = r.ring[(start+i)%r.size]
	}
	return out
}

// RecentSelections returns the buffered selection events, oldest first.
func (e *Engine) RecentSelections() []SelectionEvent {
	return e.selEvents.recent()
}

// DescribeNoAccounts renders a reason breakdown for error envelopes.
func DescribeNoAccounts(err *NoAccountsError) string {
	if len(err.Reasons) == 0 {
		return "no accounts configured"
	}
	counts := make(map[string]int)
	for _, reason := range err.Reasons {
		counts[reason]++
	}
	parts := make([]string, 0, len(counts))
	for reason, n := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d", reason, n))
	}
	sort.Strings(parts)
	return "no accounts available (" + strings.Join(parts, ", ") + ")"
}
