// Package proxy is the request pipeline: it selects an account, injects its
// bearer token, forwards the request upstream and streams the response back,
// failing over across accounts while that is still invisible to the client.
package proxy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/codexlb/codex-lb/internal/account"
	"github.com/codexlb/codex-lb/internal/config"
	"github.com/codexlb/codex-lb/internal/engine"
	"github.com/codexlb/codex-lb/internal/logbuf"
	"github.com/codexlb/codex-lb/internal/sticky"
	"github.com/codexlb/codex-lb/internal/store"
)

// ForceAccountHeader selects a specific account and disables failover.
// Ingress only; never forwarded.
const ForceAccountHeader = "x-codex-lb-force-account-id"

const maxRequestBody = 32 << 20

// Headers stripped from inbound requests before forwarding. Prefix entries
// end with '*'.
var scrubbedHeaders = []string{
	"authorization",
	"host",
	"content-length",
	"connection",
	"accept-encoding",
	"forwarded",
	"x-forwarded-*",
	"x-real-ip",
	"true-client-ip",
	"cf-*",
	"chatgpt-account-id",
	ForceAccountHeader,
}

// ClientProvider hands out per-account HTTP clients.
type ClientProvider interface {
	GetClient(acct *account.Account, timeout time.Duration) *http.Client
}

// Pipeline wires selection, tokens, transport and logging into one request
// path.
type Pipeline struct {
	eng       *engine.Engine
	accounts  *account.Store
	tokens    *account.TokenManager
	sticky    sticky.Store
	crypto    *account.Crypto
	transport ClientProvider
	logs      *logbuf.Buffer
	cfg       *config.Config
}

func New(eng *engine.Engine, accounts *account.Store, tokens *account.TokenManager,
	st sticky.Store, crypto *account.Crypto, tp ClientProvider,
	logs *logbuf.Buffer, cfg *config.Config) *Pipeline {
	return &Pipeline{
		eng:       eng,
		accounts:  accounts,
		tokens:    tokens,
		sticky:    st,
		crypto:    crypto,
		transport: tp,
		logs:      logs,
		cfg:       cfg,
	}
}

// requestInfo is everything the loop needs from the inbound request.
type requestInfo struct {
	id              string
	headers         http.Header
	body            []byte
	model           string
	reasoningEffort string
	stream          bool
	fingerprint     string
	forced          string
	sessionID       string
	conversationID  string
	requestedAt     time.Time
}

func (p *Pipeline) parseRequest(r *http.Request, streamDefault bool) (*requestInfo, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return nil, err
	}

	info := &requestInfo{
		id:              newRequestID(),
		headers:         r.Header.Clone(),
		body:            body,
		model:           gjson.GetBytes(body, "model").String(),
		reasoningEffort: gjson.GetBytes(body, "reasoning.effort").String(),
		stream:          streamDefault,
		forced:          r.Header.Get(ForceAccountHeader),
		sessionID:       r.Header.Get("session_id"),
		conversationID:  r.Header.Get("conversation_id"),
		requestedAt:     time.Now().UTC(),
	}
	if v := gjson.GetBytes(body, "stream"); v.Exists() {
		info.stream = v.Bool()
	}
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		info.stream = true
	}
	if key := gjson.GetBytes(body, "prompt_cache_key").String(); key != "" {
		info.fingerprint = p.crypto.Fingerprint(key)
	}
	return info, nil
}

// HandleResponses serves the /responses route (streaming by default when the
// client asks for it).
func (p *Pipeline) HandleResponses(w http.ResponseWriter, r *http.Request) {
	info, err := p.parseRequest(r, false)
	if err != nil {
		writeErrorEnvelope(w, CodeInvalidRequest, "failed to read request body")
		return
	}
	p.run(w, r, info, "/responses")
}

// HandleCompact serves the non-streaming /responses/compact aggregation.
func (p *Pipeline) HandleCompact(w http.ResponseWriter, r *http.Request) {
	info, err := p.parseRequest(r, false)
	if err != nil {
		writeErrorEnvelope(w, CodeInvalidRequest, "failed to read request body")
		return
	}
	info.stream = false
	p.run(w, r, info, "/responses/compact")
}

// run is the attempt loop shared by all routes.
func (p *Pipeline) run(w http.ResponseWriter, r *http.Request, info *requestInfo, upstreamPath string) {
	ctx := r.Context()

	maxAttempts := p.cfg.MaxAttempts
	if info.forced != "" {
		maxAttempts = 1
	}

	var lastFail *outcome
	for attempt := 0; attempt < maxAttempts; attempt++ {
		snap, err := p.eng.Snapshot(ctx)
		if err != nil {
			slog.Error("snapshot build failed", "error", err)
			writeErrorEnvelope(w, CodeInternal, "selection snapshot unavailable")
			return
		}

		rctx := engine.RequestContext{
			ForcedAccountID: info.forced,
			RequestID:       info.id,
			Now:             time.Now(),
		}
		if info.fingerprint != "" {
			if id, ok := p.sticky.Get(ctx, info.fingerprint); ok {
				rctx.StickyAccountID = id
			}
		}

		decision, err := p.eng.Select(snap, rctx)
		if err != nil {
			p.writeNoAccounts(w, err)
			return
		}
		if decision.DropSticky && info.fingerprint != "" {
			p.sticky.Delete(ctx, info.fingerprint)
		}

		acct, err := p.accounts.GetByID(ctx, decision.AccountID)
		if err != nil || acct == nil {
			slog.Error("selected account vanished", "accountId", decision.AccountID, "error", err)
			continue
		}

		token, err := p.tokens.FreshAccessToken(ctx, acct.ID)
		if err != nil {
			if re := account.AsRefreshError(err); re != nil {
				p.eng.MarkPermanentFailure(ctx, acct.ID, re.Reason)
			}
			lastFail = &outcome{Code: CodeAuthRefreshFailed, Message: "token refresh failed"}
			continue
		}

		var done bool
		done, lastFail = p.attempt(ctx, w, info, acct, token, upstreamPath, decision)
		if done {
			return
		}
	}

	code := CodeUpstreamUnavailable
	message := "all accounts exhausted"
	if lastFail != nil {
		code = lastFail.Code
		if lastFail.Message != "" {
			message = lastFail.Message
		}
	}
	writeErrorEnvelope(w, code, message)
}

// attempt issues one upstream request. done=true means a response (success
// or terminal error) was already written to the client.
func (p *Pipeline) attempt(ctx context.Context, w http.ResponseWriter, info *requestInfo,
	acct *account.Account, token, upstreamPath string, decision *engine.Decision) (bool, *outcome) {

	timeout := p.cfg.CompactRequestTimeout
	if info.stream {
		timeout = 0 // the relay enforces its own per-event idle deadline
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.UpstreamBaseURL+upstreamPath, bytes.NewReader(info.body))
	if err != nil {
		return false, &outcome{Code: CodeInternal, Message: err.Error()}
	}
	p.prepareHeaders(req, info.headers, acct, token)

	start := time.Now()
	resp, err := p.transport.GetClient(acct, timeout).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return true, &outcome{Code: CodeStreamIncomplete, Message: "client disconnected"}
		}
		p.eng.MarkTransientError(ctx, acct.ID)
		p.record(info, acct.ID, start, store.LogStatusError, CodeUpstreamUnavailable, err.Error(), usageCounts{})
		return false, &outcome{Code: CodeUpstreamUnavailable, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		fail := classifyResponse(resp.StatusCode, body)
		p.applyMark(ctx, acct.ID, fail)
		p.record(info, acct.ID, start, logStatusFor(fail.Code), fail.Code, fail.Message, usageCounts{})

		if !fail.Retryable {
			// Client-shaped errors pass through verbatim.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(resp.StatusCode)
			w.Write(body)
			return true, &fail
		}
		return false, &fail
	}

	if info.stream {
		return p.attemptStream(ctx, w, info, acct, resp, start)
	}
	return p.attemptCompact(ctx, w, info, acct, resp, start)
}

func (p *Pipeline) attemptCompact(ctx context.Context, w http.ResponseWriter, info *requestInfo,
	acct *account.Account, resp *http.Response, start time.Time) (bool, *outcome) {

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
	if err != nil {
		p.eng.MarkTransientError(ctx, acct.ID)
		p.record(info, acct.ID, start, store.LogStatusError, CodeUpstreamUnavailable, err.Error(), usageCounts{})
		return false, &outcome{Code: CodeUpstreamUnavailable, Message: err.Error(), Retryable: true}
	}

	usage := usageCounts{
		Input:       gjson.GetBytes(body, "usage.input_tokens").Int(),
		Output:      gjson.GetBytes(body, "usage.output_tokens").Int(),
		CachedInput: gjson.GetBytes(body, "usage.input_tokens_details.cached_tokens").Int(),
	}
	p.finishSuccess(ctx, info, acct, start, usage)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	return true, nil
}

func (p *Pipeline) attemptStream(ctx context.Context, w http.ResponseWriter, info *requestInfo,
	acct *account.Account, resp *http.Response, start time.Time) (bool, *outcome) {

	relay := newStreamRelay(w, p.cfg.StreamBufferMode, p.cfg.StreamPreludeTimeout, p.cfg.StreamIdleTimeout, p.cfg.StreamBufferMaxBytes)
	result := relay.run(ctx, resp.Body)

	if result.failure != nil {
		fail := result.failure
		if fail.Code != CodeStreamIncomplete {
			p.applyMark(ctx, acct.ID, *fail)
		}
		p.record(info, acct.ID, start, logStatusFor(fail.Code), fail.Code, fail.Message, result.usage)
		if !result.emitted && fail.Retryable {
			// Nothing reached the client; another account can take over.
			return false, fail
		}
		return true, fail
	}

	p.finishSuccess(ctx, info, acct, start, result.usage)
	return true, nil
}

func (p *Pipeline) finishSuccess(ctx context.Context, info *requestInfo, acct *account.Account,
	start time.Time, usage usageCounts) {

	p.eng.MarkSuccess(ctx, acct.ID)
	p.record(info, acct.ID, start, store.LogStatusOK, "", "", usage)

	if info.fingerprint != "" {
		p.sticky.Put(ctx, info.fingerprint, acct.ID, p.cfg.StickyTTL)
	}
}

// applyMark dispatches a classified outcome to the mark engine.
func (p *Pipeline) applyMark(ctx context.Context, accountID string, fail outcome) {
	switch fail.Mark {
	case markTransient:
		p.eng.MarkTransientError(ctx, accountID)
	case markRateLimit:
		p.eng.MarkRateLimit(ctx, accountID, fail.ResetHint)
	case markUsageLimit:
		p.eng.MarkUsageLimitReached(ctx, accountID, fail.ResetHint)
	case markQuota:
		p.eng.MarkQuotaExceeded(ctx, accountID)
	case markPermanent:
		p.eng.MarkPermanentFailure(ctx, accountID, fail.Code)
	}
}

// prepareHeaders copies inbound headers minus proxy identity, then injects
// the account credentials.
func (p *Pipeline) prepareHeaders(req *http.Request, inbound http.Header, acct *account.Account, token string) {
	for key, values := range inbound {
		if isScrubbed(key) {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if acct.ChatGPTAccountID != "" {
		req.Header.Set("chatgpt-account-id", acct.ChatGPTAccountID)
	}
	if p.cfg.OpenAIBetaHeader != "" {
		req.Header.Set("OpenAI-Beta", p.cfg.OpenAIBetaHeader)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
}

func isScrubbed(key string) bool {
	k := strings.ToLower(key)
	for _, s := range scrubbedHeaders {
		if strings.HasSuffix(s, "*") {
			if strings.HasPrefix(k, s[:len(s)-1]) {
				return true
			}
		} else if k == s {
			return true
		}
	}
	return false
}

func (p *Pipeline) writeNoAccounts(w http.ResponseWriter, err error) {
	if na, ok := err.(*engine.NoAccountsError); ok {
		// 429 when everything is merely throttled; 503 otherwise.
		allThrottled := len(na.Reasons) > 0
		for _, reason := range na.Reasons {
			switch reason {
			case engine.ReasonRateLimited, engine.ReasonQuotaExceeded,
				engine.ReasonCooldown, engine.ReasonSecondaryExhaust:
			default:
				allThrottled = false
			}
		}
		code := CodeNoAccounts
		msg := engine.DescribeNoAccounts(na)
		w.Header().Set("Content-Type", "application/json")
		if allThrottled {
			w.WriteHeader(http.StatusTooManyRequests)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeRawEnvelope(w, code, msg)
		return
	}
	writeErrorEnvelope(w, CodeNoAccounts, err.Error())
}

func (p *Pipeline) record(info *requestInfo, accountID string, start time.Time,
	status, errCode, errMessage string, usage usageCounts) {

	if p.logs == nil {
		return
	}
	p.logs.Add(&store.RequestLog{
		RequestID:           info.id,
		AccountID:           accountID,
		RequestedAt:         info.requestedAt,
		LatencyMs:           time.Since(start).Milliseconds(),
		Status:              status,
		ErrorCode:           errCode,
		ErrorMessage:        errMessage,
		Model:               info.model,
		ReasoningEffort:     info.reasoningEffort,
		InputTokens:         int(usage.Input),
		OutputTokens:        int(usage.Output),
		CachedInputTokens:   int(usage.CachedInput),
		CodexSessionID:      info.sessionID,
		CodexConversationID: info.conversationID,
		Fingerprint:         info.fingerprint,
	})
}

func newRequestID() string { return uuid.New().String() }

func logStatusFor(code string) string {
	switch code {
	case CodeRateLimitExceeded, CodeUsageLimitReached:
		return store.LogStatusRateLimit
	case CodeQuotaExceeded, CodeInsufficientQuota, CodeUsageNotIncluded:
		return store.LogStatusQuota
	default:
		return store.LogStatusError
	}
}
