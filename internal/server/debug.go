package server

import (
	"net/http"
	"time"
)

// Debug endpoints expose selection internals. Gated behind
// DEBUG_ENDPOINTS_ENABLED and the API key.

func (s *Server) handleDebugSelections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"selections": s.eng.RecentSelections()})
}

func (s *Server) handleDebugSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.eng.Snapshot(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "snapshot build failed")
		return
	}

	type snapAccount struct {
		ID               string     `json:"id"`
		PlanType         string     `json:"planType"`
		Status           string     `json:"status"`
		ResetAt          *time.Time `json:"resetAt,omitempty"`
		CooldownUntil    *time.Time `json:"cooldownUntil,omitempty"`
		ErrorCount       int        `json:"errorCount,omitempty"`
		SecondaryUsedPct *float64   `json:"secondaryUsedPercent,omitempty"`
		SecondaryResetAt *time.Time `json:"secondaryResetAt,omitempty"`
	}

	out := struct {
		BuiltAt  time.Time     `json:"builtAt"`
		Pinned   []string      `json:"pinnedAccountIds"`
		Accounts []snapAccount `json:"accounts"`
	}{
		BuiltAt: snap.BuiltAt,
		Pinned:  snap.PinnedAccountIDs,
	}
	for _, a := range snap.Accounts {
		sa := snapAccount{
			ID:         a.Account.ID,
			PlanType:   a.Account.PlanType,
			Status:     a.Account.Status,
			ResetAt:    a.Account.ResetAt,
			ErrorCount: a.Runtime.ErrorCount,
		}
		if !a.Runtime.CooldownUntil.IsZero() {
			t := a.Runtime.CooldownUntil
			sa.CooldownUntil = &t
		}
		if a.Secondary != nil {
			pct := a.Secondary.UsedPercent
			sa.SecondaryUsedPct = &pct
			sa.SecondaryResetAt = a.Secondary.ResetAt
		}
		out.Accounts = append(out.Accounts, sa)
	}
	writeJSON(w, out)
}

func (s *Server) handleDebugEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"events": s.bus.Recent()})
}

func (s *Server) handleDebugLogs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"lines": s.logHandler.Recent()})
}
