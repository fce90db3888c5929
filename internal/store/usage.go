package store

import (
	"context"
	"database/sql"
	"time"
)

// Usage windows reported by upstream.
const (
	WindowPrimary   = "primary"
	WindowSecondary = "secondary"
)

// A primary window this long or longer is a mislabeled weekly window.
const primaryWindowMaxMinutes = 1440

// UsageSample is one append-only usage observation for an account window.
type UsageSample struct {
	AccountID       string
	Window          string
	RecordedAt      time.Time
	UsedPercent     float64
	ResetAt         *time.Time
	WindowMinutes   int
	CapacityCredits *float64
}

// WindowPair holds the latest primary and secondary samples for an account.
// Either side may be nil.
type WindowPair struct {
	Primary   *UsageSample
	Secondary *UsageSample
}

func (o *OperationalDB) AppendUsage(ctx context.Context, s *UsageSample) error {
	var capacity any
	if s.CapacityCredits != nil {
		capacity = *s.CapacityCredits
	}
	_, err := o.db.ExecContext(ctx,
		`INSERT INTO usage_history (account_id, window, recorded_at, used_percent, reset_at, window_minutes, capacity_credits)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.AccountID, s.Window, s.RecordedAt.Unix(), s.UsedPercent, unixOrNil(s.ResetAt), s.WindowMinutes, capacity)
	return err
}

// AppendUsageBatch writes a tick's worth of samples in one transaction.
func (o *OperationalDB) AppendUsageBatch(ctx context.Context, samples []*UsageSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO usage_history (account_id, window, recorded_at, used_percent, reset_at, window_minutes, capacity_credits)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, s := range samples {
		var capacity any
		if s.CapacityCredits != nil {
			capacity = *s.CapacityCredits
		}
		if _, err := stmt.ExecContext(ctx, s.AccountID, s.Window, s.RecordedAt.Unix(),
			s.UsedPercent, unixOrNil(s.ResetAt), s.WindowMinutes, capacity); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// LatestByAccount returns the newest sample per account for one window.
// Single pass over the (window, account_id, recorded_at DESC) index.
func (o *OperationalDB) LatestByAccount(ctx context.Context, window string) (map[string]*UsageSample, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT account_id, window, recorded_at, used_percent, reset_at, window_minutes, capacity_credits
		FROM (
			SELECT account_id, window, recorded_at, used_percent, reset_at, window_minutes, capacity_credits,
				ROW_NUMBER() OVER (PARTITION BY account_id ORDER BY recorded_at DESC, id DESC) AS rn
			FROM usage_history WHERE window = ?
		) WHERE rn = 1`, window)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]*UsageSample)
	for rows.Next() {
		s, err := scanUsageSample(rows)
		if err != nil {
			return nil, err
		}
		result[s.AccountID] = s
	}
	return result, rows.Err()
}

// LatestPrimarySecondary returns both windows per account in one query.
// Samples labeled primary but spanning a day or more are served as secondary;
// when that collides with a real secondary sample the newer one wins.
func (o *OperationalDB) LatestPrimarySecondary(ctx context.Context) (map[string]*WindowPair, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT account_id, window, recorded_at, used_percent, reset_at, window_minutes, capacity_credits
		FROM (
			SELECT account_id, window, recorded_at, used_percent, reset_at, window_minutes, capacity_credits,
				ROW_NUMBER() OVER (PARTITION BY window, account_id ORDER BY recorded_at DESC, id DESC) AS rn
			FROM usage_history
		) WHERE rn = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]*WindowPair)
	for rows.Next() {
		s, err := scanUsageSample(rows)
		if err != nil {
			return nil, err
		}
		pair := result[s.AccountID]
		if pair == nil {
			pair = &WindowPair{}
			result[s.AccountID] = pair
		}
		switch ReclassifyWindow(s) {
		case WindowPrimary:
			if pair.Primary == nil || s.RecordedAt.After(pair.Primary.RecordedAt) {
				pair.Primary = s
			}
		case WindowSecondary:
			if pair.Secondary == nil || s.RecordedAt.After(pair.Secondary.RecordedAt) {
				pair.Secondary = s
			}
		}
	}
	return result, rows.Err()
}

// ReclassifyWindow returns the effective window for a sample, demoting
// primary samples whose span says they are really weekly buckets.
func ReclassifyWindow(s *UsageSample) string {
	if s.Window == WindowPrimary && s.WindowMinutes >= primaryWindowMaxMinutes {
		return WindowSecondary
	}
	return s.Window
}

func (o *OperationalDB) PurgeOldUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := o.db.ExecContext(ctx, "DELETE FROM usage_history WHERE recorded_at < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanUsageSample(rows *sql.Rows) (*UsageSample, error) {
	var (
		s          UsageSample
		recordedAt int64
		resetAt    sql.NullInt64
		capacity   sql.NullFloat64
	)
	if err := rows.Scan(&s.AccountID, &s.Window, &recordedAt, &s.UsedPercent, &resetAt, &s.WindowMinutes, &capacity); err != nil {
		return nil, err
	}
	s.RecordedAt = time.Unix(recordedAt, 0).UTC()
	s.ResetAt = nullableTime(resetAt)
	if capacity.Valid {
		v := capacity.Float64
		s.CapacityCredits = &v
	}
	return &s, nil
}
