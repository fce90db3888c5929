package store

import (
	"context"
	"time"
)

// Request outcome classification for logs.
const (
	LogStatusOK        = "ok"
	LogStatusRateLimit = "rate_limit"
	LogStatusQuota     = "quota"
	LogStatusError     = "error"
)

// RequestLog is one proxied request outcome.
type RequestLog struct {
	RequestID           string
	AccountID           string
	RequestedAt         time.Time
	LatencyMs           int64
	Status              string
	ErrorCode           string
	ErrorMessage        string
	Model               string
	ReasoningEffort     string
	InputTokens         int
	OutputTokens        int
	CachedInputTokens   int
	CodexSessionID      string
	CodexConversationID string
	Fingerprint         string
}

// InsertRequestLogs writes a batch in a single transaction.
func (o *OperationalDB) InsertRequestLogs(ctx context.Context, batch []*RequestLog) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO request_logs (request_id, account_id, requested_at, latency_ms, status,
			error_code, error_message, model, reasoning_effort,
			input_tokens, output_tokens, cached_input_tokens,
			codex_session_id, codex_conversation_id, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, l := range batch {
		if _, err := stmt.ExecContext(ctx,
			l.RequestID, l.AccountID, l.RequestedAt.Unix(), l.LatencyMs, l.Status,
			l.ErrorCode, l.ErrorMessage, l.Model, l.ReasoningEffort,
			l.InputTokens, l.OutputTokens, l.CachedInputTokens,
			l.CodexSessionID, l.CodexConversationID, l.Fingerprint); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RequestLogQuery is a paginated request log filter.
type RequestLogQuery struct {
	AccountID string
	Limit     int
	Offset    int
}

func (o *OperationalDB) QueryRequestLogs(ctx context.Context, q RequestLogQuery) ([]*RequestLog, int, error) {
	where := "1=1"
	var args []any
	if q.AccountID != "" {
		where += " AND account_id = ?"
		args = append(args, q.AccountID)
	}

	var total int
	_ = o.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM request_logs WHERE "+where, args...).Scan(&total)

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	fetchArgs := make([]any, len(args))
	copy(fetchArgs, args)
	fetchArgs = append(fetchArgs, limit, q.Offset)

	rows, err := o.db.QueryContext(ctx,
		`SELECT request_id, account_id, requested_at, latency_ms, status,
			error_code, error_message, model, reasoning_effort,
			input_tokens, output_tokens, cached_input_tokens,
			codex_session_id, codex_conversation_id, fingerprint
		FROM request_logs WHERE `+where+` ORDER BY requested_at DESC, id DESC LIMIT ? OFFSET ?`,
		fetchArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []*RequestLog
	for rows.Next() {
		l := &RequestLog{}
		var ts int64
		if err := rows.Scan(&l.RequestID, &l.AccountID, &ts, &l.LatencyMs, &l.Status,
			&l.ErrorCode, &l.ErrorMessage, &l.Model, &l.ReasoningEffort,
			&l.InputTokens, &l.OutputTokens, &l.CachedInputTokens,
			&l.CodexSessionID, &l.CodexConversationID, &l.Fingerprint); err != nil {
			return nil, 0, err
		}
		l.RequestedAt = time.Unix(ts, 0).UTC()
		logs = append(logs, l)
	}
	return logs, total, rows.Err()
}

func (o *OperationalDB) PurgeOldLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := o.db.ExecContext(ctx, "DELETE FROM request_logs WHERE requested_at < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
