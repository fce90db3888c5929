package engine

import (
	"context"
	"time"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/store"
)

// SnapshotAccount is one account's full selection view: identity, latest
// usage windows, and a copy of runtime state.
type SnapshotAccount struct {
	Account   *account.Account
	Primary   *store.UsageSample
	Secondary *store.UsageSample
	Runtime   RuntimeState
}

// Snapshot is an immutable projection used for selection. Holds value copies,
// never references back into the stores.
type Snapshot struct {
	BuiltAt            time.Time
	Accounts           []*SnapshotAccount
	PinnedAccountIDs   []string
	StickyReallocation bool
}

func (s *Snapshot) byID(id string) *SnapshotAccount {
	for _, a := range s.Accounts {
		if a.Account.ID == id {
			return a
		}
	}
	return nil
}

// Snapshot returns the current selection snapshot, rebuilding when the TTL
// has lapsed. Concurrent rebuilds coalesce into one.
func (e *Engine) Snapshot(ctx context.Context) (*Snapshot, error) {
	if snap := e.snapshot.Load(); snap != nil && time.Since(snap.BuiltAt) < e.cfg.SnapshotTTL {
		return snap, nil
	}

	v, err, _ := e.buildGrp.Do("snapshot", func() (any, error) {
		// Re-check: another caller may have just rebuilt.
		if snap := e.snapshot.Load(); snap != nil && time.Since(snap.BuiltAt) < e.cfg.SnapshotTTL {
			return snap, nil
		}
		snap, err := e.buildSnapshot(ctx)
		if err != nil {
			return nil, err
		}
		e.snapshot.Store(snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Invalidate forces the next selection to rebuild. Called eagerly on every
// mark event and on usage shape changes.
func (e *Engine) Invalidate() {
	e.snapshot.Store(nil)
}

func (e *Engine) buildSnapshot(ctx context.Context) (*Snapshot, error) {
	accounts, err := e.accounts.List(ctx)
	if err != nil {
		return nil, err
	}
	usage, err := e.opdb.LatestPrimarySecondary(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := e.opdb.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	runtime := e.runtimeCopy()

	snap := &Snapshot{
		BuiltAt:            time.Now(),
		Accounts:           make([]*SnapshotAccount, 0, len(accounts)),
		PinnedAccountIDs:   settings.PinnedAccountIDs,
		StickyReallocation: settings.StickyReallocation,
	}
	for _, a := range accounts {
		sa := &SnapshotAccount{Account: a}
		if pair, ok := usage[a.ID]; ok {
			sa.Primary = pair.Primary
			sa.Secondary = pair.Secondary
		}
		if rt, ok := runtime[a.ID]; ok {
			sa.Runtime = rt
		}
		snap.Accounts = append(snap.Accounts, sa)
	}
	return snap, nil
}
