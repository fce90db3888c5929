// Package engine houses account selection: snapshot building, eligibility,
// scoring, mark handling and stale-state reconciliation.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/config"
	"github.com/codexlb/codex-lb/internal/events"
	"github.com/codexlb/codex-lb/internal/store"
)

// RuntimeState is the in-memory, per-account view of recent outcomes. It is
// merged into snapshots as a value copy.
type RuntimeState struct {
	CooldownUntil  time.Time
	CooldownReason string // "cooldown" or "error_backoff"
	ErrorCount     int
	LimitStreak    int
	LastErrorAt    time.Time
	LastSelectedAt time.Time
	ResetAtHint    time.Time
}

// Engine owns selection state. All mutation goes through per-account mutexes;
// snapshot reads are lock-free.
type Engine struct {
	accounts *account.Store
	opdb     *store.OperationalDB
	cfg      *config.Config
	bus      *events.Bus

	snapshot atomic.Pointer[Snapshot]
	buildGrp singleflight.Group

	mu      sync.Mutex
	runtime map[string]*RuntimeState
	acctMu  map[string]*sync.Mutex

	selEvents *selectionRing
}

func New(accounts *account.Store, opdb *store.OperationalDB, cfg *config.Config, bus *events.Bus) *Engine {
	return &Engine{
		accounts:  accounts,
		opdb:      opdb,
		cfg:       cfg,
		bus:       bus,
		runtime:   make(map[string]*RuntimeState),
		acctMu:    make(map[string]*sync.Mutex),
		selEvents: newSelectionRing(200),
	}
}

// Hydrate seeds runtime state from persisted reset boundaries so restarts do
// not forget that an account is blocked.
func (e *Engine) Hydrate(ctx context.Context) error {
	accounts, err := e.accounts.List(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range accounts {
		if a.ResetAt != nil && a.ResetAt.After(now) {
			e.runtime[a.ID] = &RuntimeState{ResetAtHint: *a.ResetAt}
		}
	}
	return nil
}

// lockAccount serializes status transitions for one account.
func (e *Engine) lockAccount(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.acctMu[id]
	if !ok {
		m = &sync.Mutex{}
		e.acctMu[id] = m
	}
	return m
}

// runtimeFor returns the live runtime entry, creating it if needed. Caller
// must hold the account lock for mutation.
func (e *Engine) runtimeFor(id string) *RuntimeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.runtime[id]
	if !ok {
		rt = &RuntimeState{}
		e.runtime[id] = rt
	}
	return rt
}

// runtimeCopy returns value copies of all runtime entries.
func (e *Engine) runtimeCopy() map[string]RuntimeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]RuntimeState, len(e.runtime))
	for id, rt := range e.runtime {
		out[id] = *rt
	}
	return out
}

// ForgetRuntime drops runtime state, e.g. after account deletion.
func (e *Engine) ForgetRuntime(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runtime, id)
	delete(e.acctMu, id)
}
