package store

import (
	"context"
	"database/sql"
	"time"
)

// StickyRow is one persisted fingerprint → account binding.
type StickyRow struct {
	Fingerprint string
	AccountID   string
	ExpiresAt   time.Time
}

func (o *OperationalDB) GetSticky(ctx context.Context, fingerprint string) (string, bool, error) {
	var accountID string
	var expiresAt int64
	err := o.db.QueryRowContext(ctx,
		"SELECT account_id, expires_at FROM sticky_sessions WHERE fingerprint = ?",
		fingerprint).Scan(&accountID, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if time.Now().Unix() >= expiresAt {
		return "", false, nil
	}
	return accountID, true, nil
}

func (o *OperationalDB) PutSticky(ctx context.Context, fingerprint, accountID string, ttl time.Duration) error {
	_, err := o.db.ExecContext(ctx,
		`INSERT INTO sticky_sessions (fingerprint, account_id, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET account_id = excluded.account_id, expires_at = excluded.expires_at`,
		fingerprint, accountID, time.Now().Add(ttl).Unix())
	return err
}

func (o *OperationalDB) DeleteSticky(ctx context.Context, fingerprint string) error {
	_, err := o.db.ExecContext(ctx, "DELETE FROM sticky_sessions WHERE fingerprint = ?", fingerprint)
	return err
}

func (o *OperationalDB) PurgeExpiredSticky(ctx context.Context) (int64, error) {
	res, err := o.db.ExecContext(ctx, "DELETE FROM sticky_sessions WHERE expires_at < ?", time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (o *OperationalDB) ListSticky(ctx context.Context) ([]StickyRow, error) {
	rows, err := o.db.QueryContext(ctx,
		"SELECT fingerprint, account_id, expires_at FROM sticky_sessions WHERE expires_at >= ?",
		time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make([]StickyRow, 0)
	for rows.Next() {
		var r StickyRow
		var exp int64
		if err := rows.Scan(&r.Fingerprint, &r.AccountID, &exp); err != nil {
			return nil, err
		}
		r.ExpiresAt = time.Unix(exp, 0).UTC()
		result = append(result, r)
	}
	return result, rows.Err()
}
