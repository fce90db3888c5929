package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Stream buffer modes.
const (
	BufferOff     = "off"
	BufferPrelude = "prelude"
)

// Events carrying the first user-visible content. Seeing one of these means
// the prelude is over.
var deltaEvents = map[string]bool{
	"response.output_text.delta":             true,
	"response.output_audio.delta":            true,
	"response.output_audio_transcript.delta": true,
}

var terminalEvents = map[string]bool{
	"response.completed":  true,
	"response.incomplete": true,
}

var failureEvents = map[string]bool{
	"response.failed": true,
	"error":           true,
}

// sseEvent is one parsed server-sent event with its raw wire bytes preserved.
type sseEvent struct {
	name string
	data []byte
	raw  []byte
}

// readSSE parses events from the upstream body onto ch, preserving byte
// order. The returned error (via errCh) is nil on clean EOF. A closed done
// channel releases the goroutine when the receiver stops consuming.
func readSSE(body io.Reader, ch chan<- sseEvent, errCh chan<- error, done <-chan struct{}) {
	defer close(ch)

	send := func(ev sseEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-done:
			return false
		}
	}

	reader := bufio.NewReaderSize(body, 64*1024)
	var ev sseEvent
	var raw bytes.Buffer

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			raw.Write(line)
			trimmed := strings.TrimRight(string(line), "\r\n")
			switch {
			case trimmed == "":
				if raw.Len() > 0 {
					ev.raw = append([]byte(nil), raw.Bytes()...)
					if !send(ev) {
						return
					}
					ev = sseEvent{}
					raw.Reset()
				}
			case strings.HasPrefix(trimmed, "event:"):
				ev.name = strings.TrimSpace(trimmed[len("event:"):])
			case strings.HasPrefix(trimmed, "data:"):
				d := strings.TrimSpace(trimmed[len("data:"):])
				if len(ev.data) > 0 {
					ev.data = append(ev.data, '\n')
				}
				ev.data = append(ev.data, d...)
			}
		}
		if err != nil {
			if raw.Len() > 0 {
				ev.raw = append([]byte(nil), raw.Bytes()...)
				if !send(ev) {
					return
				}
			}
			if err == io.EOF {
				errCh <- nil
			} else {
				errCh <- err
			}
			return
		}
	}
}

// usageCounts is token accounting pulled from the completion event.
type usageCounts struct {
	Input       int64
	Output      int64
	CachedInput int64
}

// streamResult describes how a relayed stream ended.
type streamResult struct {
	emitted bool // any bytes reached the client
	failure *outcome
	usage   usageCounts
}

// streamRelay forwards upstream SSE bytes to the client. In prelude mode the
// leading events are held back until content appears, so a failing account
// can be swapped without the client ever seeing its bytes.
type streamRelay struct {
	w              http.ResponseWriter
	flusher        http.Flusher
	mode           string
	preludeTimeout time.Duration
	idleTimeout    time.Duration
	maxBytes       int

	buf     bytes.Buffer
	emitted bool
}

func newStreamRelay(w http.ResponseWriter, mode string, preludeTimeout, idleTimeout time.Duration, maxBytes int) *streamRelay {
	flusher, _ := w.(http.Flusher)
	return &streamRelay{
		w:              w,
		flusher:        flusher,
		mode:           mode,
		preludeTimeout: preludeTimeout,
		idleTimeout:    idleTimeout,
		maxBytes:       maxBytes,
	}
}

// run consumes the upstream body until it ends or fails. Failures before the
// first flush are returned silently; after it, an SSE error event is emitted.
func (sr *streamRelay) run(ctx context.Context, body io.Reader) streamResult {
	events := make(chan sseEvent, 16)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go readSSE(body, events, errCh, done)

	var timeout <-chan time.Time
	if sr.mode == BufferPrelude {
		t := time.NewTimer(sr.preludeTimeout)
		defer t.Stop()
		timeout = t.C
	}

	// Per-event deadline; a hung upstream must not hold the request open
	// until the client gives up.
	var idle *time.Timer
	var idleC <-chan time.Time
	if sr.idleTimeout > 0 {
		idle = time.NewTimer(sr.idleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	result := streamResult{}
	for {
		select {
		case <-ctx.Done():
			result.emitted = sr.emitted
			result.failure = &outcome{Code: CodeStreamIncomplete, Message: "client disconnected"}
			return result

		case <-timeout:
			sr.flush()
			timeout = nil

		case <-idleC:
			result.emitted = sr.emitted
			result.failure = &outcome{Code: CodeTimeout, Message: "upstream stream stalled", Retryable: true, Mark: markTransient}
			if sr.emitted {
				sr.emitError(result.failure)
			}
			return result

		case ev, ok := <-events:
			if idle != nil {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(sr.idleTimeout)
			}
			if !ok {
				err := <-errCh
				result.emitted = sr.emitted
				if err != nil {
					result.failure = &outcome{Code: CodeUpstreamUnavailable, Message: err.Error(), Retryable: true, Mark: markTransient}
					if sr.emitted {
						sr.emitError(result.failure)
					}
				} else {
					// Upstream closed cleanly; release anything still held.
					sr.write(nil)
					sr.flush()
				}
				return result
			}

			if failureEvents[ev.name] {
				fail := classifyStreamEvent(ev.data)
				result.emitted = sr.emitted
				result.failure = &fail
				if sr.emitted {
					sr.emitError(result.failure)
				}
				return result
			}

			if ev.name == "response.completed" {
				result.usage = parseUsage(ev.data)
			}

			sr.write(ev.raw)
			if deltaEvents[ev.name] || terminalEvents[ev.name] || string(ev.data) == "[DONE]" {
				sr.flush()
			}
		}
	}
}

// write appends or forwards bytes depending on whether the prelude has been
// flushed. Overflowing the prelude cap forces a flush.
func (sr *streamRelay) write(p []byte) {
	if sr.mode != BufferPrelude || sr.emitted {
		sr.emit(p)
		return
	}
	sr.buf.Write(p)
	if sr.buf.Len() >= sr.maxBytes {
		sr.flush()
	}
}

// flush releases held bytes. This is the single point after which failover is
// no longer permitted.
func (sr *streamRelay) flush() {
	if sr.emitted {
		return
	}
	sr.emit(sr.buf.Bytes())
	sr.buf.Reset()
}

func (sr *streamRelay) emit(p []byte) {
	if !sr.emitted {
		h := sr.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		sr.w.WriteHeader(http.StatusOK)
		sr.emitted = true
	}
	if len(p) > 0 {
		sr.w.Write(p)
	}
	if sr.flusher != nil {
		sr.flusher.Flush()
	}
}

// emitError terminates an already-started client stream with an SSE error
// event plus the DONE sentinel.
func (sr *streamRelay) emitError(fail *outcome) {
	msg := fail.Message
	if msg == "" {
		msg = "upstream stream failed"
	}
	body, _ := marshalSSEError(fail.Code, msg)
	sr.emit([]byte("event: error\ndata: " + body + "\n\ndata: [DONE]\n\n"))
}

func marshalSSEError(code, message string) (string, error) {
	// Hand-assembled to keep the payload on one SSE data line.
	b, err := jsonMarshalLine(errorEnvelope{Error: errorBody{
		Type:    envelopeType(code),
		Code:    code,
		Message: message,
	}})
	return b, err
}

func jsonMarshalLine(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

func parseUsage(data []byte) usageCounts {
	return usageCounts{
		Input:       gjson.GetBytes(data, "response.usage.input_tokens").Int(),
		Output:      gjson.GetBytes(data, "response.usage.output_tokens").Int(),
		CachedInput: gjson.GetBytes(data, "response.usage.input_tokens_details.cached_tokens").Int(),
	}
}
