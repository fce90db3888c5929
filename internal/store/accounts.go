package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed accounts_schema.sql
var accountsSchemaSQL string

// AccountRow is the persisted shape of an account. Token columns hold
// ciphertext; decryption happens in the account package only.
type AccountRow struct {
	ID                   string
	Email                string
	PlanType             string
	AccessTokenEnc       string
	RefreshTokenEnc      string
	IDTokenEnc           string
	AccessTokenExpiresAt int64 // unix milliseconds
	Status               string
	DeactivationReason   string
	ResetAt              *time.Time
	ChatGPTAccountID     string
	ProxyJSON            string
	CreatedAt            time.Time
	LastUsedAt           *time.Time
	LastRefreshAt        *time.Time
}

// Account status values.
const (
	StatusActive        = "active"
	StatusPaused        = "paused"
	StatusRateLimited   = "rate_limited"
	StatusQuotaExceeded = "quota_exceeded"
	StatusDeactivated   = "deactivated"
)

// AccountsDB owns the credentials database. It uses rollback journaling so
// the file stays safe to copy between machines mid-write.
type AccountsDB struct {
	db *sql.DB
}

func OpenAccounts(path string) (*AccountsDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open accounts db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=DELETE",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), accountsSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create accounts schema: %w", err)
	}

	return &AccountsDB{db: db}, nil
}

func (a *AccountsDB) Ping(ctx context.Context) error { return a.db.PingContext(ctx) }
func (a *AccountsDB) Close() error                   { return a.db.Close() }

const accountCols = `id, email, plan_type, access_token_enc, refresh_token_enc, id_token_enc,
	access_token_expires_at, status, deactivation_reason, reset_at,
	chatgpt_account_id, proxy_json, created_at, last_used_at, last_refresh_at`

func scanAccountRow(scanner interface{ Scan(...any) error }) (*AccountRow, error) {
	var (
		r                              AccountRow
		resetAt, lastUsed, lastRefresh sql.NullInt64
		createdAt                      int64
	)
	err := scanner.Scan(
		&r.ID, &r.Email, &r.PlanType, &r.AccessTokenEnc, &r.RefreshTokenEnc, &r.IDTokenEnc,
		&r.AccessTokenExpiresAt, &r.Status, &r.DeactivationReason, &resetAt,
		&r.ChatGPTAccountID, &r.ProxyJSON, &createdAt, &lastUsed, &lastRefresh,
	)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.ResetAt = nullableTime(resetAt)
	r.LastUsedAt = nullableTime(lastUsed)
	r.LastRefreshAt = nullableTime(lastRefresh)
	return &r, nil
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// Insert creates an account. On email collision the existing row keeps its id
// and receives the new tokens (last write wins).
func (a *AccountsDB) Insert(ctx context.Context, r *AccountRow) error {
	if r.Email != "" {
		existing, err := a.GetByEmail(ctx, r.Email)
		if err != nil {
			return err
		}
		if existing != nil {
			return a.UpdateTokens(ctx, existing.ID, r.AccessTokenEnc, r.RefreshTokenEnc, r.IDTokenEnc, r.AccessTokenExpiresAt)
		}
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO accounts (`+accountCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Email, r.PlanType, r.AccessTokenEnc, r.RefreshTokenEnc, r.IDTokenEnc,
		r.AccessTokenExpiresAt, r.Status, r.DeactivationReason, unixOrNil(r.ResetAt),
		r.ChatGPTAccountID, r.ProxyJSON, r.CreatedAt.Unix(), unixOrNil(r.LastUsedAt), unixOrNil(r.LastRefreshAt))
	return err
}

func (a *AccountsDB) GetByID(ctx context.Context, id string) (*AccountRow, error) {
	row := a.db.QueryRowContext(ctx, "SELECT "+accountCols+" FROM accounts WHERE id = ?", id)
	r, err := scanAccountRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (a *AccountsDB) GetByEmail(ctx context.Context, email string) (*AccountRow, error) {
	row := a.db.QueryRowContext(ctx, "SELECT "+accountCols+" FROM accounts WHERE email = ?", email)
	r, err := scanAccountRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (a *AccountsDB) List(ctx context.Context) ([]*AccountRow, error) {
	rows, err := a.db.QueryContext(ctx, "SELECT "+accountCols+" FROM accounts ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make([]*AccountRow, 0)
	for rows.Next() {
		r, err := scanAccountRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (a *AccountsDB) UpdateTokens(ctx context.Context, id, accessEnc, refreshEnc, idEnc string, expiresAt int64) error {
	_, err := a.db.ExecContext(ctx,
		`UPDATE accounts SET access_token_enc = ?, refresh_token_enc = ?, id_token_enc = ?,
			access_token_expires_at = ?, last_refresh_at = ? WHERE id = ?`,
		accessEnc, refreshEnc, idEnc, expiresAt, time.Now().Unix(), id)
	return err
}

// UpdateStatus sets status, deactivation reason and reset boundary together
// so blocked states never persist without their reset_at.
func (a *AccountsDB) UpdateStatus(ctx context.Context, id, status, reason string, resetAt *time.Time) error {
	_, err := a.db.ExecContext(ctx,
		"UPDATE accounts SET status = ?, deactivation_reason = ?, reset_at = ? WHERE id = ?",
		status, reason, unixOrNil(resetAt), id)
	return err
}

// BulkUpdateStatus moves a set of accounts to the given status and clears
// their reset boundary in one statement.
func (a *AccountsDB) BulkUpdateStatus(ctx context.Context, ids []string, status string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, status)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := a.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE accounts SET status = ?, deactivation_reason = '', reset_at = NULL WHERE id IN (%s)", placeholders),
		args...)
	return err
}

func (a *AccountsDB) UpdateLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := a.db.ExecContext(ctx, "UPDATE accounts SET last_used_at = ? WHERE id = ?", at.Unix(), id)
	return err
}

func (a *AccountsDB) UpdateEmail(ctx context.Context, id, email string) error {
	_, err := a.db.ExecContext(ctx, "UPDATE accounts SET email = ? WHERE id = ?", email, id)
	return err
}

func (a *AccountsDB) UpdatePlan(ctx context.Context, id, planType string) error {
	_, err := a.db.ExecContext(ctx, "UPDATE accounts SET plan_type = ? WHERE id = ?", planType, id)
	return err
}

func (a *AccountsDB) Delete(ctx context.Context, id string) error {
	_, err := a.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	return err
}
