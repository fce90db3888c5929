package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/codexlb/codex-lb/internal/events"
	"github.com/codexlb/codex-lb/internal/store"
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 10 * time.Minute
)

// backoff returns the exponential cooldown for the given consecutive error
// count, capped at backoffCap.
func backoff(errorCount int) time.Duration {
	d := backoffBase
	for i := 1; i < errorCount; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// MarkSuccess clears error state after a served request. Status is left
// untouched.
func (e *Engine) MarkSuccess(ctx context.Context, accountID string) {
	mu := e.lockAccount(accountID)
	mu.Lock()
	rt := e.runtimeFor(accountID)
	rt.ErrorCount = 0
	rt.LimitStreak = 0
	rt.LastSelectedAt = time.Now()
	mu.Unlock()

	if err := e.accounts.UpdateLastUsed(ctx, accountID, time.Now()); err != nil {
		slog.Warn("update last_used failed", "accountId", accountID, "error", err)
	}
}

// MarkRateLimit applies an upstream 429. The runtime hint always takes
// effect; the durable reset is persisted only when the hint is far enough out
// to matter across restarts.
func (e *Engine) MarkRateLimit(ctx context.Context, accountID string, upstreamHint *time.Time) {
	now := time.Now()
	mu := e.lockAccount(accountID)
	mu.Lock()
	rt := e.runtimeFor(accountID)
	rt.ErrorCount++
	rt.LastErrorAt = now

	hint := now.Add(backoff(rt.ErrorCount))
	if upstreamHint != nil && upstreamHint.After(hint) {
		hint = *upstreamHint
	}
	rt.ResetAtHint = hint
	rt.CooldownUntil = hint
	rt.CooldownReason = ReasonCooldown
	mu.Unlock()

	if upstreamHint != nil && upstreamHint.Sub(now) >= e.cfg.ResetPersistThreshold {
		e.persistBlocked(ctx, accountID, store.StatusRateLimited, upstreamHint)
	}

	e.publishMark(accountID, "rate_limit", hint)
	e.Invalidate()
}

// MarkUsageLimitReached applies an upstream usage_limit_reached signal with
// anti-thrash rules: a floor when no hint exists, a cap on the first
// occurrences of a far hint, and persistence only once evidence accumulates.
func (e *Engine) MarkUsageLimitReached(ctx context.Context, accountID string, upstreamHint *time.Time) {
	now := time.Now()
	mu := e.lockAccount(accountID)
	mu.Lock()
	rt := e.runtimeFor(accountID)
	rt.ErrorCount++
	rt.LimitStreak++
	rt.LastErrorAt = now
	streak := rt.LimitStreak

	var cooldownUntil time.Time
	if upstreamHint == nil {
		d := backoff(rt.ErrorCount)
		if d < e.cfg.UsageLimitMinCooldown {
			d = e.cfg.UsageLimitMinCooldown
		}
		cooldownUntil = now.Add(d)
	} else {
		cooldownUntil = *upstreamHint
		if streak < e.cfg.UsageLimitEscalateStreak {
			// A single far-future hint must not lock the account out for
			// days; cap until the streak confirms it.
			if ceil := now.Add(e.cfg.UsageLimitMaxInitialCooldown); cooldownUntil.After(ceil) {
				cooldownUntil = ceil
			}
		}
	}
	rt.CooldownUntil = cooldownUntil
	rt.ResetAtHint = cooldownUntil
	rt.CooldownReason = ReasonCooldown
	mu.Unlock()

	if upstreamHint != nil && upstreamHint.Sub(now) >= e.cfg.ResetPersistThreshold &&
		(streak >= e.cfg.UsageLimitEscalateStreak || e.secondaryConfirmsExhaustion(accountID, now)) {
		e.persistBlocked(ctx, accountID, store.StatusRateLimited, upstreamHint)
	}

	e.publishMark(accountID, "usage_limit_reached", cooldownUntil)
	e.Invalidate()
}

// MarkQuotaExceeded persists the weekly-quota block and removes the account
// from the pinned pool.
func (e *Engine) MarkQuotaExceeded(ctx context.Context, accountID string) {
	now := time.Now()
	mu := e.lockAccount(accountID)
	mu.Lock()
	rt := e.runtimeFor(accountID)
	rt.ErrorCount++
	rt.LastErrorAt = now

	resetAt := e.latestSecondaryReset(accountID)
	if resetAt != nil {
		rt.ResetAtHint = *resetAt
		rt.CooldownUntil = *resetAt
	} else {
		// No weekly reset on record yet; a floor keeps the exhausted
		// account out of the same request's retry loop.
		rt.CooldownUntil = now.Add(e.cfg.UsageLimitMinCooldown)
	}
	rt.CooldownReason = ReasonCooldown
	mu.Unlock()

	e.persistBlocked(ctx, accountID, store.StatusQuotaExceeded, resetAt)
	if err := e.opdb.UnpinAccount(ctx, accountID); err != nil {
		slog.Warn("unpin after quota exceeded failed", "accountId", accountID, "error", err)
	}

	e.publishMark(accountID, "quota_exceeded", timeOrZero(resetAt))
	e.Invalidate()
}

// MarkPermanentFailure deactivates the account. Only operator action brings
// it back.
func (e *Engine) MarkPermanentFailure(ctx context.Context, accountID, code string) {
	mu := e.lockAccount(accountID)
	mu.Lock()
	rt := e.runtimeFor(accountID)
	rt.ErrorCount++
	rt.LastErrorAt = time.Now()
	mu.Unlock()

	if err := e.accounts.UpdateStatus(ctx, accountID, store.StatusDeactivated, code, nil); err != nil {
		slog.Error("deactivate account failed", "accountId", accountID, "error", err)
	}

	e.bus.Publish(events.Event{
		Type:      events.EventDeactivate,
		AccountID: accountID,
		Message:   code,
	})
	e.Invalidate()
}

// MarkTransientError applies exponential backoff without touching persisted
// status.
func (e *Engine) MarkTransientError(ctx context.Context, accountID string) {
	now := time.Now()
	mu := e.lockAccount(accountID)
	mu.Lock()
	rt := e.runtimeFor(accountID)
	rt.ErrorCount++
	rt.LastErrorAt = now
	rt.CooldownUntil = now.Add(backoff(rt.ErrorCount))
	rt.CooldownReason = ReasonErrorBackoff
	cooldown := rt.CooldownUntil
	mu.Unlock()

	e.publishMark(accountID, "transient_error", cooldown)
	e.Invalidate()
}

func (e *Engine) persistBlocked(ctx context.Context, accountID, status string, resetAt *time.Time) {
	if err := e.accounts.UpdateStatus(ctx, accountID, status, "", resetAt); err != nil {
		slog.Error("persist blocked status failed",
			"accountId", accountID, "status", status, "error", err)
	}
}

// secondaryConfirmsExhaustion reports whether the latest weekly sample shows
// the account at or past 100% with a known future reset.
func (e *Engine) secondaryConfirmsExhaustion(accountID string, now time.Time) bool {
	snap := e.snapshot.Load()
	if snap == nil {
		return false
	}
	a := snap.byID(accountID)
	if a == nil || a.Secondary == nil {
		return false
	}
	sec := a.Secondary
	return sec.UsedPercent >= 100 && sec.ResetAt != nil && sec.ResetAt.After(now)
}

func (e *Engine) latestSecondaryReset(accountID string) *time.Time {
	snap := e.snapshot.Load()
	if snap != nil {
		if a := snap.byID(accountID); a != nil && a.Secondary != nil && a.Secondary.ResetAt != nil {
			return a.Secondary.ResetAt
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	latest, err := e.opdb.LatestByAccount(ctx, store.WindowSecondary)
	if err != nil {
		return nil
	}
	if s, ok := latest[accountID]; ok {
		return s.ResetAt
	}
	return nil
}

func (e *Engine) publishMark(accountID, outcome string, until time.Time) {
	msg := outcome
	if !until.IsZero() {
		msg = outcome + " until " + until.UTC().Format(time.RFC3339)
	}
	e.bus.Publish(events.Event{
		Type:      events.EventMark,
		AccountID: accountID,
		Message:   msg,
	})
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
