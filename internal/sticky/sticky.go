// Package sticky binds request fingerprints to accounts so that multi-turn
// conversations keep hitting the same upstream prompt cache.
package sticky

import (
	"context"
	"time"

	"github.com/codexlb/codex-lb/internal/store"
)

// Store is a fingerprint → account binding with TTL expiry.
type Store interface {
	Get(ctx context.Context, fingerprint string) (accountID string, ok bool)
	Put(ctx context.Context, fingerprint, accountID string, ttl time.Duration)
	Delete(ctx context.Context, fingerprint string)
}

// --- Memory backend ---

type memoryStore struct {
	m *store.TTLMap[string]
}

func NewMemoryStore() Store {
	return &memoryStore{m: store.NewTTLMap[string]()}
}

func (s *memoryStore) Get(_ context.Context, fingerprint string) (string, bool) {
	return s.m.Get(fingerprint)
}

func (s *memoryStore) Put(_ context.Context, fingerprint, accountID string, ttl time.Duration) {
	s.m.Set(fingerprint, accountID, ttl)
}

func (s *memoryStore) Delete(_ context.Context, fingerprint string) {
	s.m.Delete(fingerprint)
}

// Cleanup drops expired bindings. Called from the janitor loop.
func (s *memoryStore) Cleanup() { s.m.Cleanup() }

// --- DB backend ---

type dbStore struct {
	db *store.OperationalDB
}

// NewDBStore persists bindings in the operational database so they survive
// restarts.
func NewDBStore(db *store.OperationalDB) Store {
	return &dbStore{db: db}
}

func (s *dbStore) Get(ctx context.Context, fingerprint string) (string, bool) {
	accountID, ok, err := s.db.GetSticky(ctx, fingerprint)
	if err != nil {
		return "", false
	}
	return accountID, ok
}

func (s *dbStore) Put(ctx context.Context, fingerprint, accountID string, ttl time.Duration) {
	_ = s.db.PutSticky(ctx, fingerprint, accountID, ttl)
}

func (s *dbStore) Delete(ctx context.Context, fingerprint string) {
	_ = s.db.DeleteSticky(ctx, fingerprint)
}

// RunCleanup expires stale bindings on a timer until ctx is canceled. Works
// for both backends.
func RunCleanup(ctx context.Context, s Store, db *store.OperationalDB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if mem, ok := s.(*memoryStore); ok {
				mem.Cleanup()
			} else if db != nil {
				_, _ = db.PurgeExpiredSticky(ctx)
			}
		}
	}
}
