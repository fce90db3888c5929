package store

import (
	"context"
	"testing"
	"time"
)

func appendSample(t *testing.T, db *OperationalDB, accountID, window string, recordedAt time.Time, usedPercent float64, windowMinutes int) {
	t.Helper()
	reset := recordedAt.Add(time.Duration(windowMinutes) * time.Minute)
	err := db.AppendUsage(context.Background(), &UsageSample{
		AccountID:     accountID,
		Window:        window,
		RecordedAt:    recordedAt,
		UsedPercent:   usedPercent,
		ResetAt:       &reset,
		WindowMinutes: windowMinutes,
	})
	if err != nil {
		t.Fatalf("append sample: %v", err)
	}
}

func TestLatestByAccountPicksNewest(t *testing.T) {
	db := newTestOperationalDB(t)
	now := time.Now().UTC().Truncate(time.Second)

	appendSample(t, db, "acc-1", WindowPrimary, now.Add(-2*time.Minute), 10, 300)
	appendSample(t, db, "acc-1", WindowPrimary, now, 25, 300)
	appendSample(t, db, "acc-2", WindowPrimary, now.Add(-time.Minute), 50, 300)

	latest, err := db.LatestByAccount(context.Background(), WindowPrimary)
	if err != nil {
		t.Fatalf("latest by account: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("want one row per account, got %d", len(latest))
	}
	if latest["acc-1"].UsedPercent != 25 {
		t.Fatalf("acc-1 latest = %.0f%%, want 25", latest["acc-1"].UsedPercent)
	}
}

func TestMislabeledPrimaryServedAsSecondary(t *testing.T) {
	db := newTestOperationalDB(t)
	now := time.Now().UTC().Truncate(time.Second)

	// A "primary" sample spanning a week is really a weekly window.
	appendSample(t, db, "acc-1", WindowPrimary, now, 80, 7*24*60)

	pairs, err := db.LatestPrimarySecondary(context.Background())
	if err != nil {
		t.Fatalf("latest pairs: %v", err)
	}
	pair := pairs["acc-1"]
	if pair == nil || pair.Secondary == nil {
		t.Fatal("mislabeled primary should surface as secondary")
	}
	if pair.Primary != nil {
		t.Fatalf("no primary expected, got %+v", pair.Primary)
	}
	if pair.Secondary.UsedPercent != 80 {
		t.Fatalf("secondary used = %.0f%%, want 80", pair.Secondary.UsedPercent)
	}
}

func TestReclassifiedCollisionNewerWins(t *testing.T) {
	db := newTestOperationalDB(t)
	now := time.Now().UTC().Truncate(time.Second)

	appendSample(t, db, "acc-1", WindowSecondary, now.Add(-time.Minute), 40, 7*24*60)
	appendSample(t, db, "acc-1", WindowPrimary, now, 90, 7*24*60) // demoted to secondary

	pairs, err := db.LatestPrimarySecondary(context.Background())
	if err != nil {
		t.Fatalf("latest pairs: %v", err)
	}
	sec := pairs["acc-1"].Secondary
	if sec == nil || sec.UsedPercent != 90 {
		t.Fatalf("newer demoted sample should win, got %+v", sec)
	}
}

func TestBatchAppendAndPurge(t *testing.T) {
	db := newTestOperationalDB(t)
	now := time.Now().UTC()

	old := now.Add(-48 * time.Hour)
	samples := []*UsageSample{
		{AccountID: "acc-1", Window: WindowPrimary, RecordedAt: old, UsedPercent: 5, WindowMinutes: 300},
		{AccountID: "acc-1", Window: WindowSecondary, RecordedAt: now, UsedPercent: 15, WindowMinutes: 7 * 24 * 60},
	}
	if err := db.AppendUsageBatch(context.Background(), samples); err != nil {
		t.Fatalf("append batch: %v", err)
	}

	n, err := db.PurgeOldUsage(context.Background(), now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d samples, want 1", n)
	}
}
