package store

import (
	"context"
	"database/sql"
	"encoding/json"
)

// Settings is the single-row dashboard configuration.
type Settings struct {
	PinnedAccountIDs   []string `json:"pinned_account_ids"`
	StickyReallocation bool     `json:"sticky_reallocation"`
	LogRetentionDays   int      `json:"log_retention_days"`
}

func defaultSettings() *Settings {
	return &Settings{
		PinnedAccountIDs: []string{},
		LogRetentionDays: 30,
	}
}

func (o *OperationalDB) GetSettings(ctx context.Context) (*Settings, error) {
	var pinnedJSON string
	var sticky, retention int
	err := o.db.QueryRowContext(ctx,
		"SELECT pinned_account_ids, sticky_reallocation, log_retention_days FROM dashboard_settings WHERE id = 1").
		Scan(&pinnedJSON, &sticky, &retention)
	if err == sql.ErrNoRows {
		return defaultSettings(), nil
	}
	if err != nil {
		return nil, err
	}
	s := &Settings{
		StickyReallocation: sticky != 0,
		LogRetentionDays:   retention,
	}
	if json.Unmarshal([]byte(pinnedJSON), &s.PinnedAccountIDs) != nil || s.PinnedAccountIDs == nil {
		s.PinnedAccountIDs = []string{}
	}
	return s, nil
}

func (o *OperationalDB) SaveSettings(ctx context.Context, s *Settings) error {
	pinned := s.PinnedAccountIDs
	if pinned == nil {
		pinned = []string{}
	}
	pinnedJSON, _ := json.Marshal(pinned)
	sticky := 0
	if s.StickyReallocation {
		sticky = 1
	}
	_, err := o.db.ExecContext(ctx,
		`INSERT INTO dashboard_settings (id, pinned_account_ids, sticky_reallocation, log_retention_days)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET pinned_account_ids = excluded.pinned_account_ids,
			sticky_reallocation = excluded.sticky_reallocation,
			log_retention_days = excluded.log_retention_days`,
		string(pinnedJSON), sticky, s.LogRetentionDays)
	return err
}

// UnpinAccount removes an id from the pinned list if present.
func (o *OperationalDB) UnpinAccount(ctx context.Context, accountID string) error {
	s, err := o.GetSettings(ctx)
	if err != nil {
		return err
	}
	kept := s.PinnedAccountIDs[:0]
	changed := false
	for _, id := range s.PinnedAccountIDs {
		if id == accountID {
			changed = true
			continue
		}
		kept = append(kept, id)
	}
	if !changed {
		return nil
	}
	s.PinnedAccountIDs = kept
	return o.SaveSettings(ctx, s)
}
