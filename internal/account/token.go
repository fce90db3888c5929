package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/codexlb/codex-lb/internal/config"
)

// Refresh failure classifications. Both are permanent: the account must be
// deactivated, not retried.
const (
	ReasonAuthRefreshFailed  = "auth_refresh_failed"
	ReasonRefreshTokenReused = "refresh_token_reused"
)

// RefreshError is a classified OAuth refresh failure.
type RefreshError struct {
	Reason string
	Err    error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed (%s): %v", e.Reason, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// AsRefreshError extracts a RefreshError from an error chain.
func AsRefreshError(err error) *RefreshError {
	var re *RefreshError
	if errors.As(err, &re) {
		return re
	}
	return nil
}

// HTTPTransportProvider returns per-account HTTP transports for proxied
// accounts.
type HTTPTransportProvider interface {
	GetHTTPTransport(acct *Account) *http.Transport
}

// TokenManager hands out fresh access tokens, refreshing at most once per
// account concurrently.
type TokenManager struct {
	accounts  *Store
	cfg       *config.Config
	client    *http.Client // default client (no proxy)
	transport HTTPTransportProvider
	group     singleflight.Group
}

func NewTokenManager(accounts *Store, cfg *config.Config, tp HTTPTransportProvider) *TokenManager {
	return &TokenManager{
		accounts:  accounts,
		cfg:       cfg,
		client:    &http.Client{Timeout: 30 * time.Second},
		transport: tp,
	}
}

// tokenResponse is the OAuth refresh response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// FreshAccessToken returns a valid access token for the account, refreshing
// if it expires within the configured advance window. Concurrent callers for
// the same account share one refresh.
func (tm *TokenManager) FreshAccessToken(ctx context.Context, accountID string) (string, error) {
	token, expiresAt, err := tm.accounts.AccessToken(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("get access token: %w", err)
	}
	if token != "" && time.Now().Add(tm.cfg.TokenRefreshAdvance).Before(expiresAt) {
		return token, nil
	}
	return tm.refresh(ctx, accountID)
}

// ForceRefresh refreshes immediately, ignoring expiry.
func (tm *TokenManager) ForceRefresh(ctx context.Context, accountID string) (string, error) {
	return tm.refresh(ctx, accountID)
}

func (tm *TokenManager) refresh(ctx context.Context, accountID string) (string, error) {
	v, err, _ := tm.group.Do(accountID, func() (any, error) {
		return tm.doRefresh(context.WithoutCancel(ctx), accountID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (tm *TokenManager) doRefresh(ctx context.Context, accountID string) (string, error) {
	refreshToken, err := tm.accounts.RefreshToken(ctx, accountID)
	if err != nil {
		return "", &RefreshError{Reason: ReasonAuthRefreshFailed, Err: fmt.Errorf("decrypt refresh token: %w", err)}
	}
	if refreshToken == "" {
		return "", &RefreshError{Reason: ReasonAuthRefreshFailed, Err: errors.New("empty refresh token")}
	}

	slog.Info("refreshing token", "accountId", accountID)

	resp, err := tm.callOAuthRefresh(ctx, accountID, refreshToken)
	if err != nil {
		return "", err
	}

	// Rotated refresh tokens are persisted before the access token is handed
	// to anyone; the old token is dead upstream the moment the new one exists.
	bundle := TokenBundle{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		ExpiresIn:    resp.ExpiresIn,
	}
	if bundle.RefreshToken == "" {
		bundle.RefreshToken = refreshToken
	}
	if err := tm.accounts.StoreTokens(ctx, accountID, bundle); err != nil {
		return "", fmt.Errorf("store tokens: %w", err)
	}

	slog.Info("token refreshed", "accountId", accountID, "expiresIn", resp.ExpiresIn)
	return resp.AccessToken, nil
}

func (tm *TokenManager) callOAuthRefresh(ctx context.Context, accountID, refreshToken string) (*tokenResponse, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     tm.cfg.OAuthClientID,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", tm.cfg.OAuthTokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, &RefreshError{Reason: ReasonAuthRefreshFailed, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	// Use account-specific proxy transport if available.
	client := tm.client
	if tm.transport != nil {
		acct, err := tm.accounts.GetByID(ctx, accountID)
		if err == nil && acct != nil && acct.Proxy != nil {
			if t := tm.transport.GetHTTPTransport(acct); t != nil {
				client = &http.Client{Transport: t, Timeout: 30 * time.Second}
			}
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &RefreshError{Reason: ReasonAuthRefreshFailed, Err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RefreshError{Reason: ReasonAuthRefreshFailed, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		reason := ReasonAuthRefreshFailed
		if isReusedGrant(resp.StatusCode, respBody) {
			reason = ReasonRefreshTokenReused
		}
		return nil, &RefreshError{
			Reason: reason,
			Err:    fmt.Errorf("oauth returned %d: %s", resp.StatusCode, truncate(respBody, 200)),
		}
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return nil, &RefreshError{Reason: ReasonAuthRefreshFailed, Err: fmt.Errorf("parse response: %w", err)}
	}
	if tokenResp.AccessToken == "" {
		return nil, &RefreshError{Reason: ReasonAuthRefreshFailed, Err: errors.New("empty access_token in response")}
	}

	return &tokenResp, nil
}

// isReusedGrant detects the upstream rejection for a refresh token that was
// already rotated by another process.
func isReusedGrant(status int, body []byte) bool {
	if status != http.StatusBadRequest && status != http.StatusUnauthorized {
		return false
	}
	s := strings.ToLower(string(body))
	return strings.Contains(s, "invalid_grant") ||
		strings.Contains(s, "already been used") ||
		strings.Contains(s, "token reuse")
}

func truncate(b []byte, maxLen int) string {
	s := string(b)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
