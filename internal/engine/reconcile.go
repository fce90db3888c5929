package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/codexlb/codex-lb/internal/events"
	"github.com/codexlb/codex-lb/internal/store"
)

// Reconcile converges persisted blocked accounts whose effective reset
// boundary has passed back to active. Runs lazily on read paths so the
// dashboard never shows a stale block; idempotent and a no-op on active
// accounts.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	accounts, err := e.accounts.List(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	runtime := e.runtimeCopy()

	var stale []string
	for _, a := range accounts {
		if a.Status != store.StatusRateLimited && a.Status != store.StatusQuotaExceeded {
			continue
		}
		boundary := time.Time{}
		if a.ResetAt != nil {
			boundary = *a.ResetAt
		}
		if rt, ok := runtime[a.ID]; ok && rt.ResetAtHint.After(boundary) {
			boundary = rt.ResetAtHint
		}
		if boundary.After(now) {
			continue
		}
		stale = append(stale, a.ID)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if err := e.accounts.BulkUpdateStatus(ctx, stale, store.StatusActive); err != nil {
		return 0, err
	}

	e.mu.Lock()
	for _, id := range stale {
		if rt, ok := e.runtime[id]; ok {
			rt.ResetAtHint = time.Time{}
			rt.CooldownUntil = time.Time{}
		}
	}
	e.mu.Unlock()

	for _, id := range stale {
		e.bus.Publish(events.Event{
			Type:      events.EventRecover,
			AccountID: id,
			Message:   "blocked state expired",
		})
	}
	slog.Info("reconciled stale blocked accounts", "count", len(stale))
	e.Invalidate()
	return len(stale), nil
}
