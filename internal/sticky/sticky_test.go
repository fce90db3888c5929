package sticky

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/codexlb/codex-lb/internal/store"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Put(ctx, "fp-1", "acc-1", time.Hour)
	if id, ok := s.Get(ctx, "fp-1"); !ok || id != "acc-1" {
		t.Fatalf("get = %q %v, want acc-1", id, ok)
	}

	s.Put(ctx, "fp-1", "acc-2", time.Hour)
	if id, _ := s.Get(ctx, "fp-1"); id != "acc-2" {
		t.Fatalf("overwrite failed, got %q", id)
	}

	s.Delete(ctx, "fp-1")
	if _, ok := s.Get(ctx, "fp-1"); ok {
		t.Fatal("deleted binding still served")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Put(ctx, "fp-1", "acc-1", -time.Second)
	if _, ok := s.Get(ctx, "fp-1"); ok {
		t.Fatal("expired binding still served")
	}
}

func TestDBStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")
	ctx := context.Background()

	db, err := store.OpenOperational(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := NewDBStore(db)
	s.Put(ctx, "fp-1", "acc-1", time.Hour)
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err = store.OpenOperational(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	s = NewDBStore(db)
	if id, ok := s.Get(ctx, "fp-1"); !ok || id != "acc-1" {
		t.Fatalf("binding lost across reopen: %q %v", id, ok)
	}
}
