package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "modernc.org/sqlite"
)

//go:embed operational_schema.sql
var operationalSchemaSQL string

// OperationalDB holds everything that is not a credential: usage history,
// request logs, sticky sessions and dashboard settings. WAL journaling, one
// writer.
type OperationalDB struct {
	db *sql.DB
}

func OpenOperational(path string) (*OperationalDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open operational db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), operationalSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create operational schema: %w", err)
	}

	return &OperationalDB{db: db}, nil
}

func (o *OperationalDB) Ping(ctx context.Context) error { return o.db.PingContext(ctx) }
func (o *OperationalDB) Close() error                   { return o.db.Close() }

// DeleteAccountData removes an account's usage, logs and sticky entries.
// Called from the accounts API on delete; best effort and idempotent since
// the two databases share no foreign keys.
func (o *OperationalDB) DeleteAccountData(ctx context.Context, accountID string) error {
	for _, q := range []string{
		"DELETE FROM usage_history WHERE account_id = ?",
		"DELETE FROM request_logs WHERE account_id = ?",
		"DELETE FROM sticky_sessions WHERE account_id = ?",
	} {
		if _, err := o.db.ExecContext(ctx, q, accountID); err != nil {
			return err
		}
	}
	return nil
}
