package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Chat Completions adapter. Inbound chat requests are rewritten into the
// Responses shape before entering the pipeline, and the upstream Responses
// output is rewritten back. Translation is intentionally thin: text in, text
// out.

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type chatRequest struct {
	Model           string        `json:"model"`
	Messages        []chatMessage `json:"messages"`
	Stream          bool          `json:"stream"`
	MaxTokens       int           `json:"max_tokens"`
	Temperature     *float64      `json:"temperature"`
	PromptCacheKey  string        `json:"prompt_cache_key"`
	ReasoningEffort string        `json:"reasoning_effort"`
}

// HandleChatCompletions serves POST /v1/chat/completions.
func (p *Pipeline) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeErrorEnvelope(w, CodeInvalidRequest, "failed to read request body")
		return
	}
	var chat chatRequest
	if err := json.Unmarshal(body, &chat); err != nil {
		writeErrorEnvelope(w, CodeInvalidRequest, "invalid JSON body")
		return
	}
	if chat.Model == "" || len(chat.Messages) == 0 {
		writeErrorEnvelope(w, CodeInvalidRequest, "model and messages are required")
		return
	}

	translated, err := chatToResponses(&chat)
	if err != nil {
		writeErrorEnvelope(w, CodeInvalidRequest, err.Error())
		return
	}

	info := &requestInfo{
		id:              newRequestID(),
		headers:         r.Header.Clone(),
		body:            translated,
		model:           chat.Model,
		reasoningEffort: chat.ReasoningEffort,
		stream:          chat.Stream,
		forced:          r.Header.Get(ForceAccountHeader),
		sessionID:       r.Header.Get("session_id"),
		conversationID:  r.Header.Get("conversation_id"),
		requestedAt:     time.Now().UTC(),
	}
	if chat.PromptCacheKey != "" {
		info.fingerprint = p.crypto.Fingerprint(chat.PromptCacheKey)
	}

	if chat.Stream {
		p.run(newChatStreamWriter(w, chat.Model), r, info, "/responses")
		return
	}

	capture := &captureWriter{header: make(http.Header)}
	p.run(capture, r, info, "/responses")
	if capture.status != http.StatusOK {
		copyCapture(w, capture)
		return
	}
	out, err := responsesToChat(capture.body.Bytes(), chat.Model)
	if err != nil {
		writeErrorEnvelope(w, CodeInternal, "response translation failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

// chatToResponses rewrites a chat request into the Responses shape. System
// messages become instructions; the rest become input items.
func chatToResponses(chat *chatRequest) ([]byte, error) {
	var instructions []string
	input := make([]map[string]any, 0, len(chat.Messages))

	for _, m := range chat.Messages {
		text, err := messageText(m.Content)
		if err != nil {
			return nil, fmt.Errorf("unsupported content in %q message", m.Role)
		}
		switch m.Role {
		case "system", "developer":
			instructions = append(instructions, text)
		case "assistant":
			input = append(input, map[string]any{
				"type": "message",
				"role": "assistant",
				"content": []map[string]any{
					{"type": "output_text", "text": text},
				},
			})
		default:
			input = append(input, map[string]any{
				"type": "message",
				"role": "user",
				"content": []map[string]any{
					{"type": "input_text", "text": text},
				},
			})
		}
	}

	out := map[string]any{
		"model":  chat.Model,
		"input":  input,
		"stream": chat.Stream,
		"store":  false,
	}
	if len(instructions) > 0 {
		out["instructions"] = strings.Join(instructions, "\n\n")
	}
	if chat.MaxTokens > 0 {
		out["max_output_tokens"] = chat.MaxTokens
	}
	if chat.Temperature != nil {
		out["temperature"] = *chat.Temperature
	}
	if chat.PromptCacheKey != "" {
		out["prompt_cache_key"] = chat.PromptCacheKey
	}
	if chat.ReasoningEffort != "" {
		out["reasoning"] = map[string]any{"effort": chat.ReasoningEffort}
	}
	return json.Marshal(out)
}

// messageText flattens string or parts-array chat content into plain text.
func messageText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", err
	}
	texts := make([]string, 0, len(parts))
	for _, part := range parts {
		if part.Type == "text" || part.Type == "input_text" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}

// responsesToChat rewrites a complete Responses body into a chat completion.
func responsesToChat(body []byte, model string) ([]byte, error) {
	var text strings.Builder
	gjson.GetBytes(body, "output").ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() != "message" {
			return true
		}
		item.Get("content").ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "output_text" {
				text.WriteString(part.Get("text").String())
			}
			return true
		})
		return true
	})

	out := map[string]any{
		"id":      "chatcmpl-" + gjson.GetBytes(body, "id").String(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": text.String(),
			},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     gjson.GetBytes(body, "usage.input_tokens").Int(),
			"completion_tokens": gjson.GetBytes(body, "usage.output_tokens").Int(),
			"total_tokens":      gjson.GetBytes(body, "usage.input_tokens").Int() + gjson.GetBytes(body, "usage.output_tokens").Int(),
		},
	}
	return json.Marshal(out)
}

// --- Streaming translation ---

// chatStreamWriter rewrites Responses SSE bytes into chat-completion chunks
// on the fly. It sits between the relay and the real ResponseWriter.
type chatStreamWriter struct {
	w       http.ResponseWriter
	model   string
	id      string
	started bool
	raw     bool
	pending bytes.Buffer
}

func newChatStreamWriter(w http.ResponseWriter, model string) *chatStreamWriter {
	return &chatStreamWriter{
		w:     w,
		model: model,
		id:    "chatcmpl-" + newRequestID(),
	}
}

func (c *chatStreamWriter) Header() http.Header { return c.w.Header() }

// WriteHeader switches to verbatim forwarding on non-200 statuses: error
// envelopes are JSON bodies, not SSE, and must reach the client untouched.
func (c *chatStreamWriter) WriteHeader(status int) {
	if status != http.StatusOK {
		c.raw = true
	}
	c.w.WriteHeader(status)
}

func (c *chatStreamWriter) Flush() {
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Write consumes raw Responses SSE bytes, emitting translated chunks for
// complete events and holding partial lines until more bytes arrive.
func (c *chatStreamWriter) Write(p []byte) (int, error) {
	if c.raw {
		return c.w.Write(p)
	}
	c.pending.Write(p)

	scanner := bufio.NewScanner(bytes.NewReader(c.pending.Bytes()))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	consumed := 0
	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		consumed += len(line) + 1
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			c.translate(eventName, strings.TrimSpace(line[len("data:"):]))
		}
	}
	// Keep any trailing partial line for the next Write.
	rest := c.pending.Bytes()[min(consumed, c.pending.Len()):]
	remainder := append([]byte(nil), rest...)
	c.pending.Reset()
	c.pending.Write(remainder)

	return len(p), nil
}

func (c *chatStreamWriter) translate(eventName, data string) {
	switch eventName {
	case "response.output_text.delta":
		c.emitChunk(map[string]any{"content": gjson.Get(data, "delta").String()}, "")
	case "response.completed", "response.incomplete":
		c.emitChunk(map[string]any{}, "stop")
		fmt.Fprint(c.w, "data: [DONE]\n\n")
		c.Flush()
	case "error", "response.failed":
		// Error envelopes pass through untranslated.
		fmt.Fprintf(c.w, "event: error\ndata: %s\n\ndata: [DONE]\n\n", data)
		c.Flush()
	}
}

func (c *chatStreamWriter) emitChunk(delta map[string]any, finishReason string) {
	if !c.started {
		c.started = true
		delta["role"] = "assistant"
	}
	chunk := map[string]any{
		"id":      c.id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   c.model,
		"choices": []map[string]any{{
			"index": 0,
			"delta": delta,
			"finish_reason": func() any {
				if finishReason == "" {
					return nil
				}
				return finishReason
			}(),
		}},
	}
	b, _ := json.Marshal(chunk)
	fmt.Fprintf(c.w, "data: %s\n\n", b)
	c.Flush()
}

// --- Capture writer (non-stream translation) ---

type captureWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (c *captureWriter) Header() http.Header { return c.header }

func (c *captureWriter) WriteHeader(status int) { c.status = status }

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(p)
}

func copyCapture(w http.ResponseWriter, c *captureWriter) {
	for k, vs := range c.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(c.body.Bytes())
}
