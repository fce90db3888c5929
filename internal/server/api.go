package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/store"
)

type accountView struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email,omitempty"`
	PlanType           string     `json:"planType"`
	Status             string     `json:"status"`
	DeactivationReason string     `json:"deactivationReason,omitempty"`
	StatusResetAt      *time.Time `json:"statusResetAt"`
	CreatedAt          time.Time  `json:"createdAt"`
	LastUsedAt         *time.Time `json:"lastUsedAt,omitempty"`
	LastRefreshAt      *time.Time `json:"lastRefreshAt,omitempty"`
	Primary            *usageView `json:"primary,omitempty"`
	Secondary          *usageView `json:"secondary,omitempty"`
}

type usageView struct {
	UsedPercent   float64    `json:"usedPercent"`
	ResetAt       *time.Time `json:"resetAt,omitempty"`
	WindowMinutes int        `json:"windowMinutes"`
	RecordedAt    time.Time  `json:"recordedAt"`
}

func toUsageView(s *store.UsageSample) *usageView {
	if s == nil {
		return nil
	}
	return &usageView{
		UsedPercent:   s.UsedPercent,
		ResetAt:       s.ResetAt,
		WindowMinutes: s.WindowMinutes,
		RecordedAt:    s.RecordedAt,
	}
}

// handleListAccounts reconciles stale blocked accounts, then returns the
// fleet with its latest usage windows.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, err := s.eng.Reconcile(ctx); err != nil {
		slog.Warn("reconcile before list failed", "error", err)
	}

	accounts, err := s.accounts.List(ctx)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	pairs, err := s.opdb.LatestPrimarySecondary(ctx)
	if err != nil {
		slog.Warn("usage lookup for account list failed", "error", err)
		pairs = map[string]*store.WindowPair{}
	}

	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		v := accountView{
			ID:                 a.ID,
			Email:              a.Email,
			PlanType:           a.PlanType,
			Status:             a.Status,
			DeactivationReason: a.DeactivationReason,
			StatusResetAt:      a.ResetAt,
			CreatedAt:          a.CreatedAt,
			LastUsedAt:         a.LastUsedAt,
			LastRefreshAt:      a.LastRefreshAt,
		}
		if pair, ok := pairs[a.ID]; ok {
			v.Primary = toUsageView(pair.Primary)
			v.Secondary = toUsageView(pair.Secondary)
		}
		views = append(views, v)
	}
	writeJSON(w, map[string]any{"accounts": views})
}

type importRequest struct {
	Email        string               `json:"email"`
	PlanType     string               `json:"plan_type"`
	AccessToken  string               `json:"access_token"`
	RefreshToken string               `json:"refresh_token"`
	IDToken      string               `json:"id_token"`
	ExpiresIn    int                  `json:"expires_in"`
	Proxy        *account.ProxyConfig `json:"proxy"`
}

// handleImportAccount adds an account from an existing OAuth token set, as
// produced by a codex CLI login.
func (s *Server) handleImportAccount(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RefreshToken == "" {
		writeJSONError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	email, plan, chatgptID := req.Email, req.PlanType, ""
	if info := account.ParseIDToken(req.IDToken); info != nil {
		if email == "" {
			email = info.Email
		}
		if plan == "" {
			plan = info.PlanType
		}
		chatgptID = info.ChatGPTAccountID
	}

	acct, err := s.accounts.Create(r.Context(), email, plan, chatgptID, account.TokenBundle{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		IDToken:      req.IDToken,
		ExpiresIn:    req.ExpiresIn,
	}, req.Proxy)
	if err != nil {
		slog.Error("account import failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to store account")
		return
	}

	s.eng.Invalidate()
	slog.Info("account imported", "accountId", acct.ID, "plan", acct.PlanType)
	writeJSON(w, acct)
}

func (s *Server) handlePauseAccount(w http.ResponseWriter, r *http.Request) {
	s.setAccountStatus(w, r, store.StatusPaused)
}

func (s *Server) handleResumeAccount(w http.ResponseWriter, r *http.Request) {
	s.setAccountStatus(w, r, store.StatusActive)
}

func (s *Server) setAccountStatus(w http.ResponseWriter, r *http.Request, status string) {
	id := r.PathValue("id")
	acct, err := s.accounts.GetByID(r.Context(), id)
	if err != nil || acct == nil {
		writeJSONError(w, http.StatusNotFound, "account not found")
		return
	}
	if err := s.accounts.UpdateStatus(r.Context(), id, status, "", nil); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to update status")
		return
	}
	s.eng.Invalidate()
	writeJSON(w, map[string]string{"id": id, "status": status})
}

// handleDeleteAccount removes the account and cascades into the operational
// store in application code; the two databases share no foreign keys.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	acct, err := s.accounts.GetByID(ctx, id)
	if err != nil || acct == nil {
		writeJSONError(w, http.StatusNotFound, "account not found")
		return
	}
	if err := s.accounts.Delete(ctx, id); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to delete account")
		return
	}
	if err := s.opdb.DeleteAccountData(ctx, id); err != nil {
		slog.Warn("operational cascade delete failed", "accountId", id, "error", err)
	}
	if err := s.opdb.UnpinAccount(ctx, id); err != nil {
		slog.Warn("unpin on delete failed", "accountId", id, "error", err)
	}
	s.eng.ForgetRuntime(id)
	s.eng.Invalidate()

	slog.Info("account deleted", "accountId", id)
	writeJSON(w, map[string]string{"id": id, "deleted": "true"})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.opdb.GetSettings(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	writeJSON(w, settings)
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var settings store.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.opdb.SaveSettings(r.Context(), &settings); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	s.eng.Invalidate()
	writeJSON(w, settings)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	pairs, err := s.opdb.LatestPrimarySecondary(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	out := make(map[string]map[string]*usageView, len(pairs))
	for id, pair := range pairs {
		out[id] = map[string]*usageView{
			"primary":   toUsageView(pair.Primary),
			"secondary": toUsageView(pair.Secondary),
		}
	}
	writeJSON(w, map[string]any{"usage": out})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := store.RequestLogQuery{
		AccountID: r.URL.Query().Get("account_id"),
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		q.Limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		q.Offset = v
	}

	logs, total, err := s.opdb.QueryRequestLogs(r.Context(), q)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to query logs")
		return
	}
	writeJSON(w, map[string]any{"logs": logs, "total": total})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": message}})
}
