package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/config"
	"github.com/codexlb/codex-lb/internal/events"
	"github.com/codexlb/codex-lb/internal/store"
)

func selectionEngine(strategy string) *Engine {
	cfg := config.Load()
	cfg.SelectionStrategy = strategy
	return New(nil, nil, cfg, events.NewBus(10))
}

type acctOpt func(*SnapshotAccount)

func withStatus(status string) acctOpt {
	return func(a *SnapshotAccount) { a.Account.Status = status }
}

func withSecondary(usedPercent float64, resetAt time.Time) acctOpt {
	return func(a *SnapshotAccount) {
		a.Secondary = &store.UsageSample{
			AccountID:     a.Account.ID,
			Window:        store.WindowSecondary,
			RecordedAt:    time.Now(),
			UsedPercent:   usedPercent,
			ResetAt:       &resetAt,
			WindowMinutes: 7 * 24 * 60,
		}
	}
}

func withCooldown(until time.Time, reason string) acctOpt {
	return func(a *SnapshotAccount) {
		a.Runtime.CooldownUntil = until
		a.Runtime.CooldownReason = reason
	}
}

func withResetAt(at time.Time) acctOpt {
	return func(a *SnapshotAccount) { a.Account.ResetAt = &at }
}

func withLastSelected(at time.Time) acctOpt {
	return func(a *SnapshotAccount) { a.Runtime.LastSelectedAt = at }
}

func snapAcct(id, plan string, opts ...acctOpt) *SnapshotAccount {
	a := &SnapshotAccount{
		Account: &account.Account{
			ID:       id,
			PlanType: plan,
			Status:   store.StatusActive,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func snapshotOf(pinned []string, accounts ...*SnapshotAccount) *Snapshot {
	return &Snapshot{
		BuiltAt:          time.Now(),
		Accounts:         accounts,
		PinnedAccountIDs: pinned,
	}
}

func mustSelect(t *testing.T, e *Engine, snap *Snapshot, rctx RequestContext) *Decision {
	t.Helper()
	d, err := e.Select(snap, rctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	return d
}

func TestPinnedPoolExhaustionFallsBack(t *testing.T) {
	e := selectionEngine(StrategyResetFirst)
	now := time.Now()
	snap := snapshotOf([]string{"acc-a", "acc-b"},
		snapAcct("acc-a", "pro", withStatus(store.StatusPaused)),
		snapAcct("acc-b", "pro", withStatus(store.StatusPaused)),
		snapAcct("acc-c", "plus", withSecondary(40, now.Add(time.Hour))),
	)

	d := mustSelect(t, e, snap, RequestContext{Now: now})
	if d.AccountID != "acc-c" {
		t.Fatalf("selected %q, want acc-c via fallback", d.AccountID)
	}
	if !d.FallbackFromPinned {
		t.Fatal("fallback flag not set")
	}
}

func TestSecondaryExhaustedNeverWins(t *testing.T) {
	e := selectionEngine(StrategyResetFirst)
	now := time.Now()
	// acc-a resets soonest but is fully used; acc-b resets later at 40%.
	snap := snapshotOf(nil,
		snapAcct("acc-a", "pro", withSecondary(100, now.Add(30*time.Minute))),
		snapAcct("acc-b", "pro", withSecondary(40, now.Add(6*time.Hour))),
	)

	d := mustSelect(t, e, snap, RequestContext{Now: now})
	if d.AccountID != "acc-b" {
		t.Fatalf("selected %q, exhausted account must not win", d.AccountID)
	}
}

func TestStickyHonoredWhenEligible(t *testing.T) {
	e := selectionEngine(StrategyResetFirst)
	now := time.Now()
	snap := snapshotOf(nil,
		snapAcct("acc-a", "pro", withSecondary(10, now.Add(time.Hour))),
		snapAcct("acc-b", "free", withSecondary(10, now.Add(48*time.Hour))),
	)

	d := mustSelect(t, e, snap, RequestContext{Now: now, StickyAccountID: "acc-b"})
	if d.AccountID != "acc-b" || !d.StickyHit {
		t.Fatalf("sticky target should win, got %+v", d)
	}
}

func TestStickyDroppedWhenIneligible(t *testing.T) {
	e := selectionEngine(StrategyResetFirst)
	now := time.Now()
	snap := snapshotOf(nil,
		snapAcct("acc-a", "pro", withSecondary(10, now.Add(time.Hour))),
		snapAcct("acc-b", "pro", withStatus(store.StatusPaused)),
	)

	d := mustSelect(t, e, snap, RequestContext{Now: now, StickyAccountID: "acc-b"})
	if d.AccountID != "acc-a" {
		t.Fatalf("selected %q, want acc-a", d.AccountID)
	}
	if !d.DropSticky {
		t.Fatal("stale sticky entry should be dropped")
	}
}

func TestStickyOutsidePinnedPoolDropped(t *testing.T) {
	e := selectionEngine(StrategyResetFirst)
	now := time.Now()
	snap := snapshotOf([]string{"acc-a"},
		snapAcct("acc-a", "pro", withSecondary(10, now.Add(time.Hour))),
		snapAcct("acc-b", "pro", withSecondary(10, now.Add(time.Hour))),
	)

	d := mustSelect(t, e, snap, RequestContext{Now: now, StickyAccountID: "acc-b"})
	if d.AccountID != "acc-a" || !d.DropSticky {
		t.Fatalf("unpinned sticky target should be dropped, got %+v", d)
	}
}

func TestForcedAccountBypassesEligibility(t *testing.T) {
	e := selectionEngine(StrategyResetFirst)
	snap := snapshotOf(nil,
		snapAcct("acc-x", "pro", withStatus(store.StatusPaused)),
		snapAcct("acc-y", "pro"),
	)

	d := mustSelect(t, e, snap, RequestContext{ForcedAccountID: "acc-x", StickyAccountID: "acc-y"})
	if d.AccountID != "acc-x" || d.Pool != "forced" {
		t.Fatalf("forced selection ignored: %+v", d)
	}

	_, err := e.Select(snap, RequestContext{ForcedAccountID: "acc-missing"})
	if err == nil {
		t.Fatal("unknown forced account should error")
	}
}

func TestResetFirstPrefersSoonerResetAndTier(t *testing.T) {
	e := selectionEngine(StrategyResetFirst)
	now := time.Now()
	snap := snapshotOf(nil,
		snapAcct("acc-pro", "pro", withSecondary(50, now.Add(time.Hour))),
		snapAcct("acc-plus", "plus", withSecondary(50, now.Add(time.Hour))),
		snapAcct("acc-unknown", "pro"), // no reset data scores zero
	)

	d := mustSelect(t, e, snap, RequestContext{Now: now})
	if d.AccountID != "acc-pro" {
		t.Fatalf("selected %q, want acc-pro (higher tier, same reset)", d.AccountID)
	}
}

func TestTieBreakOrder(t *testing.T) {
	e := selectionEngine(StrategyResetFirst)
	now := time.Now()

	// No usage data anywhere: all scores zero, tie-breaks decide.
	snap := snapshotOf(nil,
		snapAcct("acc-b", "plus"),
		snapAcct("acc-a", "plus"),
	)
	d := mustSelect(t, e, snap, RequestContext{Now: now})
	if d.AccountID != "acc-a" {
		t.Fatalf("lexical tie-break: got %q, want acc-a", d.AccountID)
	}

	snap = snapshotOf(nil,
		snapAcct("acc-a", "plus", withLastSelected(now.Add(-time.Minute))),
		snapAcct("acc-b", "plus", withLastSelected(now.Add(-time.Hour))),
	)
	d = mustSelect(t, e, snap, RequestContext{Now: now})
	if d.AccountID != "acc-b" {
		t.Fatalf("least recently selected tie-break: got %q, want acc-b", d.AccountID)
	}

	snap = snapshotOf(nil,
		snapAcct("acc-free", "free"),
		snapAcct("acc-pro", "pro"),
	)
	d = mustSelect(t, e, snap, RequestContext{Now: now})
	if d.AccountID != "acc-pro" {
		t.Fatalf("tier tie-break: got %q, want acc-pro", d.AccountID)
	}
}

func TestWastePressurePicksMostAtRisk(t *testing.T) {
	e := selectionEngine(StrategyWastePressure)
	now := time.Now()
	// acc-a has far more unspent budget per remaining second.
	snap := snapshotOf(nil,
		snapAcct("acc-a", "plus", withSecondary(10, now.Add(time.Hour))),
		snapAcct("acc-b", "plus", withSecondary(90, now.Add(time.Hour))),
	)

	d := mustSelect(t, e, snap, RequestContext{Now: now})
	if d.AccountID != "acc-a" {
		t.Fatalf("selected %q, want acc-a (highest required rate)", d.AccountID)
	}
}

func TestNoAccountsReasonBreakdown(t *testing.T) {
	e := selectionEngine(StrategyResetFirst)
	now := time.Now()
	snap := snapshotOf(nil,
		snapAcct("acc-a", "pro", withStatus(store.StatusPaused)),
		snapAcct("acc-b", "pro", withStatus(store.StatusDeactivated)),
		snapAcct("acc-c", "pro", withStatus(store.StatusRateLimited), withResetAt(now.Add(time.Hour))),
		snapAcct("acc-d", "pro", withCooldown(now.Add(time.Minute), ReasonErrorBackoff)),
		snapAcct("acc-e", "pro", withSecondary(100, now.Add(time.Hour))),
	)

	_, err := e.Select(snap, RequestContext{Now: now})
	var na *NoAccountsError
	if !errors.As(err, &na) {
		t.Fatalf("want NoAccountsError, got %v", err)
	}
	want := map[string]string{
		"acc-a": ReasonPaused,
		"acc-b": ReasonDeactivated,
		"acc-c": ReasonRateLimited,
		"acc-d": ReasonErrorBackoff,
		"acc-e": ReasonSecondaryExhaust,
	}
	for id, reason := range want {
		if na.Reasons[id] != reason {
			t.Errorf("reason[%s] = %q, want %q", id, na.Reasons[id], reason)
		}
	}
}

func TestExpiredBlockBecomesEligible(t *testing.T) {
	e := selectionEngine(StrategyResetFirst)
	now := time.Now()
	snap := snapshotOf(nil,
		snapAcct("acc-a", "pro", withStatus(store.StatusRateLimited), withResetAt(now.Add(-10*time.Second))),
	)

	d := mustSelect(t, e, snap, RequestContext{Now: now})
	if d.AccountID != "acc-a" {
		t.Fatalf("expired block should be eligible, got %+v", d)
	}
}

func TestRuntimeHintExtendsPersistedReset(t *testing.T) {
	e := selectionEngine(StrategyResetFirst)
	now := time.Now()
	a := snapAcct("acc-a", "pro", withStatus(store.StatusRateLimited), withResetAt(now.Add(-time.Minute)))
	a.Runtime.ResetAtHint = now.Add(time.Hour)

	_, err := e.Select(snapshotOf(nil, a), RequestContext{Now: now})
	var na *NoAccountsError
	if !errors.As(err, &na) || na.Reasons["acc-a"] != ReasonRateLimited {
		t.Fatalf("later runtime hint must keep the block, got %v", err)
	}
}

func TestSelectionEventsRecorded(t *testing.T) {
	e := selectionEngine(StrategyResetFirst)
	now := time.Now()
	snap := snapshotOf(nil, snapAcct("acc-a", "pro", withSecondary(10, now.Add(time.Hour))))

	mustSelect(t, e, snap, RequestContext{Now: now, RequestID: "req-1"})
	recent := e.RecentSelections()
	if len(recent) != 1 {
		t.Fatalf("got %d events, want 1", len(recent))
	}
	if recent[0].AccountID != "acc-a" || recent[0].Outcome != "selected" || recent[0].RequestID != "req-1" {
		t.Fatalf("unexpected event: %+v", recent[0])
	}
}
