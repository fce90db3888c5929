package account

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/codexlb/codex-lb/internal/store"
)

// Account is the decrypted-token-free view handed to the rest of the system.
type Account struct {
	ID                   string       `json:"id"`
	Email                string       `json:"email,omitempty"`
	PlanType             string       `json:"planType"`
	Status               string       `json:"status"`
	DeactivationReason   string       `json:"deactivationReason,omitempty"`
	ResetAt              *time.Time   `json:"resetAt,omitempty"`
	AccessTokenExpiresAt time.Time    `json:"-"`
	ChatGPTAccountID     string       `json:"-"`
	Proxy                *ProxyConfig `json:"-"`
	CreatedAt            time.Time    `json:"createdAt"`
	LastUsedAt           *time.Time   `json:"lastUsedAt,omitempty"`
	LastRefreshAt        *time.Time   `json:"lastRefreshAt,omitempty"`
}

// ProxyConfig is an optional per-account egress proxy.
type ProxyConfig struct {
	Type     string `json:"type"` // socks5, http, https
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// TokenBundle carries plaintext tokens between OAuth exchange and storage.
// Never logged, never serialized.
type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresIn    int // seconds
}

// Store wraps the accounts database with token encryption.
type Store struct {
	db     *store.AccountsDB
	crypto *Crypto
}

func NewStore(db *store.AccountsDB, crypto *Crypto) *Store {
	return &Store{db: db, crypto: crypto}
}

// Create adds an account. On email collision the existing account keeps its
// id and receives the new tokens.
func (s *Store) Create(ctx context.Context, email, planType, chatgptAccountID string, tokens TokenBundle, proxy *ProxyConfig) (*Account, error) {
	encAccess, err := s.crypto.Encrypt(tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	encRefresh, err := s.crypto.Encrypt(tokens.RefreshToken)
	if err != nil {
		return nil, err
	}
	encID, err := s.crypto.Encrypt(tokens.IDToken)
	if err != nil {
		return nil, err
	}

	if planType == "" {
		planType = "unknown"
	}
	now := time.Now().UTC()
	row := &store.AccountRow{
		ID:                   uuid.New().String(),
		Email:                email,
		PlanType:             planType,
		AccessTokenEnc:       encAccess,
		RefreshTokenEnc:      encRefresh,
		IDTokenEnc:           encID,
		AccessTokenExpiresAt: now.Add(time.Duration(tokens.ExpiresIn) * time.Second).UnixMilli(),
		Status:               store.StatusActive,
		ChatGPTAccountID:     chatgptAccountID,
		CreatedAt:            now,
	}
	if proxy != nil {
		proxyJSON, _ := json.Marshal(proxy)
		row.ProxyJSON = string(proxyJSON)
	}
	if err := s.db.Insert(ctx, row); err != nil {
		return nil, err
	}
	// Re-read: the insert may have upserted onto an existing email.
	if email != "" {
		if existing, err := s.db.GetByEmail(ctx, email); err == nil && existing != nil {
			return fromRow(existing), nil
		}
	}
	return fromRow(row), nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*Account, error) {
	row, err := s.db.GetByID(ctx, id)
	if err != nil || row == nil {
		return nil, err
	}
	return fromRow(row), nil
}

func (s *Store) List(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.List(ctx)
	if err != nil {
		return nil, err
	}
	accounts := make([]*Account, 0, len(rows))
	for _, r := range rows {
		accounts = append(accounts, fromRow(r))
	}
	return accounts, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.db.Delete(ctx, id)
}

// AccessToken returns the decrypted access token and its expiry.
func (s *Store) AccessToken(ctx context.Context, id string) (string, time.Time, error) {
	row, err := s.db.GetByID(ctx, id)
	if err != nil || row == nil {
		return "", time.Time{}, err
	}
	token, err := s.crypto.Decrypt(row.AccessTokenEnc)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, time.UnixMilli(row.AccessTokenExpiresAt).UTC(), nil
}

// RefreshToken returns the decrypted refresh token.
func (s *Store) RefreshToken(ctx context.Context, id string) (string, error) {
	row, err := s.db.GetByID(ctx, id)
	if err != nil || row == nil {
		return "", err
	}
	return s.crypto.Decrypt(row.RefreshTokenEnc)
}

// StoreTokens persists rotated tokens. Must complete before the new refresh
// token is ever used; upstream rejects concurrent use of an old one.
func (s *Store) StoreTokens(ctx context.Context, id string, tokens TokenBundle) error {
	encAccess, err := s.crypto.Encrypt(tokens.AccessToken)
	if err != nil {
		return err
	}
	encRefresh, err := s.crypto.Encrypt(tokens.RefreshToken)
	if err != nil {
		return err
	}
	encID, err := s.crypto.Encrypt(tokens.IDToken)
	if err != nil {
		return err
	}
	expiresAt := time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second).UnixMilli()
	return s.db.UpdateTokens(ctx, id, encAccess, encRefresh, encID, expiresAt)
}

func (s *Store) UpdateStatus(ctx context.Context, id, status, reason string, resetAt *time.Time) error {
	return s.db.UpdateStatus(ctx, id, status, reason, resetAt)
}

func (s *Store) BulkUpdateStatus(ctx context.Context, ids []string, status string) error {
	return s.db.BulkUpdateStatus(ctx, ids, status)
}

func (s *Store) UpdateLastUsed(ctx context.Context, id string, at time.Time) error {
	return s.db.UpdateLastUsed(ctx, id, at)
}

func (s *Store) UpdatePlan(ctx context.Context, id, planType string) error {
	return s.db.UpdatePlan(ctx, id, planType)
}

func fromRow(r *store.AccountRow) *Account {
	a := &Account{
		ID:                   r.ID,
		Email:                r.Email,
		PlanType:             r.PlanType,
		Status:               r.Status,
		DeactivationReason:   r.DeactivationReason,
		ResetAt:              r.ResetAt,
		AccessTokenExpiresAt: time.UnixMilli(r.AccessTokenExpiresAt).UTC(),
		ChatGPTAccountID:     r.ChatGPTAccountID,
		CreatedAt:            r.CreatedAt,
		LastUsedAt:           r.LastUsedAt,
		LastRefreshAt:        r.LastRefreshAt,
	}
	if r.ProxyJSON != "" {
		var p ProxyConfig
		if json.Unmarshal([]byte(r.ProxyJSON), &p) == nil && p.Host != "" {
			a.Proxy = &p
		}
	}
	return a
}
