// Package usage polls the upstream usage endpoint per account and persists
// the observed rate-limit windows.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/config"
	"github.com/codexlb/codex-lb/internal/engine"
	"github.com/codexlb/codex-lb/internal/events"
	"github.com/codexlb/codex-lb/internal/store"
)

// ClientProvider hands out per-account HTTP clients.
type ClientProvider interface {
	GetClient(acct *account.Account, timeout time.Duration) *http.Client
}

// Refresher is the background usage poller.
type Refresher struct {
	accounts  *account.Store
	tokens    *account.TokenManager
	eng       *engine.Engine
	opdb      *store.OperationalDB
	cfg       *config.Config
	bus       *events.Bus
	transport ClientProvider
}

func NewRefresher(accounts *account.Store, tokens *account.TokenManager, eng *engine.Engine,
	opdb *store.OperationalDB, cfg *config.Config, bus *events.Bus, tp ClientProvider) *Refresher {
	return &Refresher{
		accounts:  accounts,
		tokens:    tokens,
		eng:       eng,
		opdb:      opdb,
		cfg:       cfg,
		bus:       bus,
		transport: tp,
	}
}

// Run ticks until ctx is canceled. The first refresh happens immediately so
// a fresh process selects on real data.
func (r *Refresher) Run(ctx context.Context) {
	r.refreshAll(ctx)

	ticker := time.NewTicker(r.cfg.UsageRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshAll(ctx)
		}
	}
}

// refreshAll fans out over candidate accounts with bounded parallelism and
// commits the tick's samples in one batch.
func (r *Refresher) refreshAll(ctx context.Context) {
	accounts, err := r.accounts.List(ctx)
	if err != nil {
		slog.Error("usage refresh: list accounts", "error", err)
		return
	}

	limit := int64(r.cfg.UsageRefreshConcurrency)
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)

	var (
		mu      sync.Mutex
		samples []*store.UsageSample
		changed bool
	)

	var wg sync.WaitGroup
	for _, a := range accounts {
		// Deactivated and paused accounts are not polled; blocked ones are,
		// so quota clears are observed without live traffic.
		if a.Status == store.StatusDeactivated || a.Status == store.StatusPaused {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(a *account.Account) {
			defer wg.Done()
			defer sem.Release(1)

			got, didChange := r.refreshOne(ctx, a)
			if len(got) > 0 {
				mu.Lock()
				samples = append(samples, got...)
				changed = changed || didChange
				mu.Unlock()
			}
		}(a)
	}
	wg.Wait()

	if len(samples) > 0 {
		if err := r.opdb.AppendUsageBatch(ctx, samples); err != nil {
			slog.Error("usage refresh: append batch", "error", err, "samples", len(samples))
			return
		}
	}
	if changed {
		r.eng.Invalidate()
	}
}

// refreshOne fetches one account's usage and applies derived state. Returns
// the samples to persist and whether the account's selection shape changed.
func (r *Refresher) refreshOne(ctx context.Context, a *account.Account) ([]*store.UsageSample, bool) {
	token, err := r.tokens.FreshAccessToken(ctx, a.ID)
	if err != nil {
		if re := account.AsRefreshError(err); re != nil {
			r.eng.MarkPermanentFailure(ctx, a.ID, re.Reason)
		} else {
			slog.Warn("usage refresh: token", "accountId", a.ID, "error", err)
		}
		return nil, false
	}

	report, status, err := r.fetchUsage(ctx, a, token)
	if err != nil {
		slog.Warn("usage refresh: fetch", "accountId", a.ID, "error", err)
		return nil, false
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		// The token was fresh moments ago; upstream has revoked access.
		r.eng.MarkPermanentFailure(ctx, a.ID, account.ReasonAuthRefreshFailed)
		return nil, false
	case status != http.StatusOK:
		slog.Warn("usage refresh: upstream status", "accountId", a.ID, "status", status)
		return nil, false
	}

	now := time.Now().UTC()
	var samples []*store.UsageSample
	if s := windowSample(a.ID, store.WindowPrimary, report.RateLimit.PrimaryWindow, now); s != nil {
		samples = append(samples, s)
	}
	if s := windowSample(a.ID, store.WindowSecondary, report.RateLimit.SecondaryWindow, now); s != nil {
		samples = append(samples, s)
	}

	if report.PlanType != "" {
		if plan := account.NormalizePlan(report.PlanType); plan != a.PlanType {
			if err := r.accounts.UpdatePlan(ctx, a.ID, plan); err == nil {
				slog.Info("plan type updated", "accountId", a.ID, "plan", plan)
			}
		}
	}

	changed := r.applyDerivedState(ctx, a, report, now)
	r.bus.Publish(events.Event{
		Type:      events.EventRefresh,
		AccountID: a.ID,
		Message:   fmt.Sprintf("usage refreshed (%d windows)", len(samples)),
	})
	return samples, changed || len(samples) > 0
}

// applyDerivedState converts usage telemetry into status transitions: block
// on weekly exhaustion, clear when it recedes and nothing else holds.
func (r *Refresher) applyDerivedState(ctx context.Context, a *account.Account, report *usageReport, now time.Time) bool {
	sec := report.RateLimit.SecondaryWindow
	if sec == nil {
		return false
	}
	exhausted := sec.UsedPercent >= 100 && sec.ResetAt > 0 && time.Unix(sec.ResetAt, 0).After(now)

	switch {
	case exhausted && a.Status == store.StatusActive:
		r.eng.MarkQuotaExceeded(ctx, a.ID)
		return true
	case !exhausted && a.Status == store.StatusQuotaExceeded:
		if err := r.accounts.UpdateStatus(ctx, a.ID, store.StatusActive, "", nil); err != nil {
			slog.Warn("usage refresh: clear quota block", "accountId", a.ID, "error", err)
			return false
		}
		r.bus.Publish(events.Event{
			Type:      events.EventRecover,
			AccountID: a.ID,
			Message:   "weekly window cleared",
		})
		return true
	}
	return false
}

// --- Upstream wire format ---

type usageWindow struct {
	UsedPercent        float64 `json:"used_percent"`
	LimitWindowSeconds int     `json:"limit_window_seconds"`
	ResetAfterSeconds  int     `json:"reset_after_seconds"`
	ResetAt            int64   `json:"reset_at"`
}

type usageReport struct {
	PlanType  string `json:"plan_type"`
	RateLimit struct {
		Allowed         bool         `json:"allowed"`
		LimitReached    bool         `json:"limit_reached"`
		PrimaryWindow   *usageWindow `json:"primary_window"`
		SecondaryWindow *usageWindow `json:"secondary_window"`
	} `json:"rate_limit"`
}

func (r *Refresher) fetchUsage(ctx context.Context, a *account.Account, token string) (*usageReport, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.UsageEndpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if a.ChatGPTAccountID != "" {
		req.Header.Set("chatgpt-account-id", a.ChatGPTAccountID)
	}

	resp, err := r.transport.GetClient(a, 30*time.Second).Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, nil
	}

	var report usageReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode usage response: %w", err)
	}
	return &report, resp.StatusCode, nil
}

// windowSample converts one wire window into a stored sample. A missing
// window yields nothing; the other window is still recorded.
func windowSample(accountID, window string, w *usageWindow, now time.Time) *store.UsageSample {
	if w == nil {
		return nil
	}
	s := &store.UsageSample{
		AccountID:     accountID,
		Window:        window,
		RecordedAt:    now,
		UsedPercent:   w.UsedPercent,
		WindowMinutes: w.LimitWindowSeconds / 60,
	}
	if w.ResetAt > 0 {
		t := time.Unix(w.ResetAt, 0).UTC()
		s.ResetAt = &t
	} else if w.ResetAfterSeconds > 0 {
		t := now.Add(time.Duration(w.ResetAfterSeconds) * time.Second)
		s.ResetAt = &t
	}
	return s
}
