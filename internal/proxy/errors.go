package proxy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// Internal error codes, independent of the wire format.
const (
	CodeInvalidAuth         = "invalid_auth"
	CodeAuthRefreshFailed   = "auth_refresh_failed"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeUsageLimitReached   = "usage_limit_reached"
	CodeQuotaExceeded       = "quota_exceeded"
	CodeInsufficientQuota   = "insufficient_quota"
	CodeUsageNotIncluded    = "usage_not_included"
	CodeInvalidRequest      = "invalid_request"
	CodeNotFound            = "not_found"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeTimeout             = "timeout"
	CodeStreamIncomplete    = "stream_incomplete"
	CodeInternal            = "internal"
	CodeNoAccounts          = "no_accounts"
)

// markKind tells the attempt loop which mark to apply.
type markKind int

const (
	markNone markKind = iota
	markTransient
	markRateLimit
	markUsageLimit
	markQuota
	markPermanent
)

// outcome is a classified upstream result.
type outcome struct {
	Code      string
	Message   string
	Retryable bool
	Mark      markKind
	ResetHint *time.Time // for rate/usage-limit marks
}

// classifyResponse maps an upstream non-2xx status plus body onto an outcome.
// Table-driven: retry decisions live here, not in scattered handlers.
func classifyResponse(status int, body []byte) outcome {
	errCode := gjson.GetBytes(body, "error.code").String()
	if errCode == "" {
		errCode = gjson.GetBytes(body, "error.type").String()
	}
	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		message = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if errCode == CodeUsageNotIncluded {
			return outcome{Code: CodeUsageNotIncluded, Message: message, Retryable: true, Mark: markQuota}
		}
		return outcome{Code: CodeInvalidAuth, Message: message, Retryable: true, Mark: markPermanent}

	case status == http.StatusNotFound:
		return outcome{Code: CodeNotFound, Message: message}

	case status == http.StatusTooManyRequests:
		hint := resetHint(body)
		if errCode == CodeUsageLimitReached {
			return outcome{Code: CodeUsageLimitReached, Message: message, Retryable: true, Mark: markUsageLimit, ResetHint: hint}
		}
		return outcome{Code: CodeRateLimitExceeded, Message: message, Retryable: true, Mark: markRateLimit, ResetHint: hint}

	case status >= 500:
		return outcome{Code: CodeUpstreamUnavailable, Message: message, Retryable: true, Mark: markTransient}

	case errCode == CodeInsufficientQuota || errCode == CodeQuotaExceeded:
		return outcome{Code: CodeQuotaExceeded, Message: message, Retryable: true, Mark: markQuota}

	case errCode == CodeUsageNotIncluded:
		return outcome{Code: CodeUsageNotIncluded, Message: message, Retryable: true, Mark: markQuota}

	default:
		// Client errors surface directly; marking the account would punish
		// it for a malformed request.
		return outcome{Code: CodeInvalidRequest, Message: message}
	}
}

// classifyStreamEvent maps an in-stream failure event (response.failed,
// error) onto an outcome using the same table.
func classifyStreamEvent(data []byte) outcome {
	errCode := gjson.GetBytes(data, "response.error.code").String()
	if errCode == "" {
		errCode = gjson.GetBytes(data, "error.code").String()
	}
	message := gjson.GetBytes(data, "response.error.message").String()
	if message == "" {
		message = gjson.GetBytes(data, "error.message").String()
	}

	switch errCode {
	case CodeUsageLimitReached:
		return outcome{Code: CodeUsageLimitReached, Message: message, Retryable: true, Mark: markUsageLimit, ResetHint: resetHint(data)}
	case CodeRateLimitExceeded:
		return outcome{Code: CodeRateLimitExceeded, Message: message, Retryable: true, Mark: markRateLimit, ResetHint: resetHint(data)}
	case CodeQuotaExceeded, CodeInsufficientQuota:
		return outcome{Code: CodeQuotaExceeded, Message: message, Retryable: true, Mark: markQuota}
	case CodeUsageNotIncluded:
		return outcome{Code: CodeUsageNotIncluded, Message: message, Retryable: true, Mark: markQuota}
	default:
		return outcome{Code: CodeUpstreamUnavailable, Message: message, Retryable: true, Mark: markTransient}
	}
}

// resetHint extracts an upstream retry boundary from an error body, checking
// the absolute and relative forms.
func resetHint(body []byte) *time.Time {
	for _, path := range []string{"error.resets_at", "response.error.resets_at"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Int() > 0 {
			t := time.Unix(v.Int(), 0).UTC()
			return &t
		}
	}
	for _, path := range []string{"error.resets_in_seconds", "response.error.resets_in_seconds"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Int() > 0 {
			t := time.Now().Add(time.Duration(v.Int()) * time.Second).UTC()
			return &t
		}
	}
	return nil
}

// --- OpenAI error envelope ---

type errorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// envelopeType maps an internal code onto the OpenAI error type field.
func envelopeType(code string) string {
	switch code {
	case CodeInvalidAuth, CodeAuthRefreshFailed:
		return "invalid_api_key"
	case CodeRateLimitExceeded, CodeUsageLimitReached:
		return "rate_limit_exceeded"
	case CodeQuotaExceeded, CodeInsufficientQuota, CodeUsageNotIncluded:
		return "insufficient_quota"
	case CodeInvalidRequest, CodeNotFound:
		return "invalid_request_error"
	case CodeUpstreamUnavailable, CodeTimeout, CodeStreamIncomplete, CodeNoAccounts:
		return "upstream_unavailable"
	default:
		return "server_error"
	}
}

func envelopeStatus(code string) int {
	switch code {
	case CodeInvalidAuth, CodeAuthRefreshFailed:
		return http.StatusUnauthorized
	case CodeRateLimitExceeded, CodeUsageLimitReached, CodeQuotaExceeded,
		CodeInsufficientQuota, CodeUsageNotIncluded:
		return http.StatusTooManyRequests
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeNoAccounts, CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeErrorEnvelope(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(envelopeStatus(code))
	writeRawEnvelope(w, code, message)
}

// writeRawEnvelope writes just the envelope body; the caller has already
// committed the status line.
func writeRawEnvelope(w http.ResponseWriter, code, message string) {
	json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{
		Type:    envelopeType(code),
		Code:    code,
		Message: message,
	}})
}
