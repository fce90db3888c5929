package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/config"
	"github.com/codexlb/codex-lb/internal/engine"
	"github.com/codexlb/codex-lb/internal/events"
	"github.com/codexlb/codex-lb/internal/sticky"
	"github.com/codexlb/codex-lb/internal/store"
)

// plainClients bypasses the uTLS transport so tests can hit httptest servers.
type plainClients struct{}

func (plainClients) GetClient(_ *account.Account, timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

type fixture struct {
	p        *Pipeline
	eng      *engine.Engine
	accounts *account.Store
	odb      *store.OperationalDB
	cfg      *config.Config
}

func newFixture(t *testing.T, upstreamURL string) *fixture {
	t.Helper()
	dir := t.TempDir()

	adb, err := store.OpenAccounts(filepath.Join(dir, "accounts.db"))
	if err != nil {
		t.Fatalf("open accounts db: %v", err)
	}
	t.Cleanup(func() { _ = adb.Close() })
	odb, err := store.OpenOperational(filepath.Join(dir, "store.db"))
	if err != nil {
		t.Fatalf("open operational db: %v", err)
	}
	t.Cleanup(func() { _ = odb.Close() })

	crypto, err := account.NewCryptoFromFile(filepath.Join(dir, "encryption.key"))
	if err != nil {
		t.Fatalf("create crypto: %v", err)
	}

	cfg := config.Load()
	cfg.UpstreamBaseURL = upstreamURL
	cfg.StreamBufferMode = BufferPrelude
	cfg.MaxAttempts = 3

	accounts := account.NewStore(adb, crypto)
	eng := engine.New(accounts, odb, cfg, events.NewBus(10))
	tokens := account.NewTokenManager(accounts, cfg, nil)

	p := New(eng, accounts, tokens, sticky.NewMemoryStore(), crypto, plainClients{}, nil, cfg)
	return &fixture{p: p, eng: eng, accounts: accounts, odb: odb, cfg: cfg}
}

func (f *fixture) addAccount(t *testing.T, email, cgptID, token string) *account.Account {
	t.Helper()
	acct, err := f.accounts.Create(context.Background(), email, "pro", cgptID, account.TokenBundle{
		AccessToken:  token,
		RefreshToken: "refresh-" + email,
		ExpiresIn:    3600,
	}, nil)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return acct
}

func postResponses(body string, mutate func(*http.Request)) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/responses", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}
	return req
}

func TestFailoverAcrossAccounts(t *testing.T) {
	var mu sync.Mutex
	calls := []string{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("chatgpt-account-id")
		mu.Lock()
		calls = append(calls, id)
		mu.Unlock()
		if id == "cgpt-a" {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":"usage_limit_reached","message":"cap"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp-1","usage":{"input_tokens":5,"output_tokens":2}}`))
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL)
	f.addAccount(t, "a@example.com", "cgpt-a", "tok-a")
	f.addAccount(t, "b@example.com", "cgpt-b", "tok-b")

	rec := httptest.NewRecorder()
	f.p.HandleResponses(rec, postResponses(`{"model":"gpt-5"}`, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "resp-1") {
		t.Fatalf("upstream body not relayed: %s", rec.Body.String())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) < 1 || len(calls) > 2 {
		t.Fatalf("upstream calls = %v", calls)
	}
	if len(calls) == 2 && (calls[0] != "cgpt-a" || calls[1] != "cgpt-b") {
		t.Fatalf("failover order wrong: %v", calls)
	}
	if calls[len(calls)-1] != "cgpt-b" {
		t.Fatalf("final attempt should land on the healthy account: %v", calls)
	}
}

func TestHeaderScrubbingAndInjection(t *testing.T) {
	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{"id":"resp-1"}`))
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL)
	f.addAccount(t, "a@example.com", "cgpt-a", "tok-a")

	rec := httptest.NewRecorder()
	f.p.HandleResponses(rec, postResponses(`{"model":"gpt-5"}`, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer client-key")
		r.Header.Set("X-Forwarded-For", "203.0.113.9")
		r.Header.Set("CF-Connecting-IP", "203.0.113.9")
		r.Header.Set("chatgpt-account-id", "spoofed")
		r.Header.Set("X-Custom-Trace", "keep-me")
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if auth := got.Get("Authorization"); auth != "Bearer tok-a" {
		t.Fatalf("authorization = %q, want account token", auth)
	}
	if id := got.Get("chatgpt-account-id"); id != "cgpt-a" {
		t.Fatalf("account header = %q, spoof not replaced", id)
	}
	for _, h := range []string{"X-Forwarded-For", "CF-Connecting-IP", ForceAccountHeader} {
		if got.Get(h) != "" {
			t.Errorf("header %s leaked upstream", h)
		}
	}
	if got.Get("X-Custom-Trace") != "keep-me" {
		t.Error("benign client header dropped")
	}
	if got.Get("OpenAI-Beta") != f.cfg.OpenAIBetaHeader {
		t.Errorf("beta header = %q", got.Get("OpenAI-Beta"))
	}
}

func TestForcedAccountSingleAttempt(t *testing.T) {
	var mu sync.Mutex
	callCount := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		callCount++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL)
	a := f.addAccount(t, "a@example.com", "cgpt-a", "tok-a")
	f.addAccount(t, "b@example.com", "cgpt-b", "tok-b")

	rec := httptest.NewRecorder()
	f.p.HandleResponses(rec, postResponses(`{"model":"gpt-5"}`, func(r *http.Request) {
		r.Header.Set(ForceAccountHeader, a.ID)
	}))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	mu.Lock()
	defer mu.Unlock()
	if callCount != 1 {
		t.Fatalf("forced request made %d attempts, want 1", callCount)
	}
}

func TestNoAccountsAllThrottledIs429(t *testing.T) {
	f := newFixture(t, "http://unreachable.invalid")
	a := f.addAccount(t, "a@example.com", "cgpt-a", "tok-a")
	ctx := context.Background()

	reset := time.Now().Add(48 * time.Hour)
	err := f.odb.AppendUsage(ctx, &store.UsageSample{
		AccountID:     a.ID,
		Window:        store.WindowSecondary,
		RecordedAt:    time.Now(),
		UsedPercent:   100,
		ResetAt:       &reset,
		WindowMinutes: 7 * 24 * 60,
	})
	if err != nil {
		t.Fatalf("append usage: %v", err)
	}
	f.eng.MarkQuotaExceeded(ctx, a.ID)

	rec := httptest.NewRecorder()
	f.p.HandleResponses(rec, postResponses(`{"model":"gpt-5"}`, nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), CodeNoAccounts) {
		t.Fatalf("body missing error code: %s", rec.Body.String())
	}
}

func TestNoAccountsMixedReasonsIs503(t *testing.T) {
	f := newFixture(t, "http://unreachable.invalid")
	a := f.addAccount(t, "a@example.com", "cgpt-a", "tok-a")
	f.eng.MarkPermanentFailure(context.Background(), a.ID, "auth_refresh_failed")

	rec := httptest.NewRecorder()
	f.p.HandleResponses(rec, postResponses(`{"model":"gpt-5"}`, nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestStickyBindingReused(t *testing.T) {
	var mu sync.Mutex
	var served []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		served = append(served, r.Header.Get("chatgpt-account-id"))
		mu.Unlock()
		w.Write([]byte(`{"id":"resp-1"}`))
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL)
	a := f.addAccount(t, "a@example.com", "cgpt-a", "tok-a")
	b := f.addAccount(t, "b@example.com", "cgpt-b", "tok-b")

	// Give a a known weekly reset so unsticky scoring would always pick it.
	reset := time.Now().Add(time.Hour)
	err := f.odb.AppendUsage(context.Background(), &store.UsageSample{
		AccountID:     a.ID,
		Window:        store.WindowSecondary,
		RecordedAt:    time.Now(),
		UsedPercent:   10,
		ResetAt:       &reset,
		WindowMinutes: 7 * 24 * 60,
	})
	if err != nil {
		t.Fatalf("append usage: %v", err)
	}

	body := `{"model":"gpt-5","prompt_cache_key":"conv-42"}`

	// First turn pinned to b via the force header; binds the fingerprint.
	rec := httptest.NewRecorder()
	f.p.HandleResponses(rec, postResponses(body, func(r *http.Request) {
		r.Header.Set(ForceAccountHeader, b.ID)
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("first turn status = %d", rec.Code)
	}

	// Second turn has no force header but must follow the binding.
	rec = httptest.NewRecorder()
	f.p.HandleResponses(rec, postResponses(body, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("second turn status = %d", rec.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(served) != 2 || served[0] != "cgpt-b" || served[1] != "cgpt-b" {
		t.Fatalf("sticky binding ignored: %v", served)
	}
}

func TestStreamingFailoverInvisibleToClient(t *testing.T) {
	stream := "event: response.created\ndata: {\"id\":\"r1\"}\n\n" +
		"event: response.output_text.delta\ndata: {\"delta\":\"hi\"}\n\n" +
		"event: response.completed\ndata: {\"response\":{\"usage\":{\"input_tokens\":1,\"output_tokens\":1}}}\n\n" +
		"data: [DONE]\n\n"

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("chatgpt-account-id") == "cgpt-a" {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":"rate_limit_exceeded","message":"slow"}}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(stream))
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL)
	f.addAccount(t, "a@example.com", "cgpt-a", "tok-a")
	f.addAccount(t, "b@example.com", "cgpt-b", "tok-b")

	rec := httptest.NewRecorder()
	f.p.HandleResponses(rec, postResponses(`{"model":"gpt-5","stream":true}`, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if strings.Contains(body, "rate_limit") {
		t.Fatalf("failed attempt leaked into the stream: %q", body)
	}
	if !strings.Contains(body, `"delta":"hi"`) || !strings.Contains(body, "data: [DONE]") {
		t.Fatalf("stream incomplete: %q", body)
	}
}

func TestOversizedClientErrorPassesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"context_length_exceeded","message":"too long"}}`))
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL)
	f.addAccount(t, "a@example.com", "cgpt-a", "tok-a")
	f.addAccount(t, "b@example.com", "cgpt-b", "tok-b")

	rec := httptest.NewRecorder()
	f.p.HandleResponses(rec, postResponses(`{"model":"gpt-5"}`, nil))

	// Client-shaped errors must not trigger failover; the body is relayed.
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "context_length_exceeded") {
		t.Fatalf("upstream error body replaced: %s", rec.Body.String())
	}
}
