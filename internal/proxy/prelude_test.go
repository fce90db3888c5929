package proxy

import (
	"context"
	"io"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"
)

func collectSSE(t *testing.T, input string) []sseEvent {
	t.Helper()
	ch := make(chan sseEvent, 64)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go readSSE(strings.NewReader(input), ch, errCh, done)

	var events []sseEvent
	for ev := range ch {
		events = append(events, ev)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("read: %v", err)
	}
	return events
}

func TestReadSSEParsesEventsAndPreservesRaw(t *testing.T) {
	input := "event: response.created\ndata: {\"id\":\"r1\"}\n\n" +
		"event: response.output_text.delta\ndata: {\"delta\":\"hi\"}\n\n" +
		"data: [DONE]\n\n"

	events := collectSSE(t, input)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].name != "response.created" {
		t.Fatalf("event name = %q", events[0].name)
	}
	if string(events[1].data) != `{"delta":"hi"}` {
		t.Fatalf("event data = %q", events[1].data)
	}
	if string(events[2].data) != "[DONE]" {
		t.Fatalf("sentinel data = %q", events[2].data)
	}

	var rebuilt strings.Builder
	for _, ev := range events {
		rebuilt.Write(ev.raw)
	}
	if rebuilt.String() != input {
		t.Fatal("raw bytes not preserved")
	}
}

func TestPreludeFailureBeforeContentStaysSilent(t *testing.T) {
	stream := "event: response.created\ndata: {\"id\":\"r1\"}\n\n" +
		"event: response.failed\ndata: {\"response\":{\"error\":{\"code\":\"usage_limit_reached\",\"message\":\"cap\"}}}\n\n"

	rec := httptest.NewRecorder()
	relay := newStreamRelay(rec, BufferPrelude, time.Second, time.Minute, 64*1024)
	result := relay.run(context.Background(), strings.NewReader(stream))

	if result.emitted {
		t.Fatal("prelude failure must not reach the client")
	}
	if result.failure == nil || result.failure.Code != CodeUsageLimitReached {
		t.Fatalf("failure = %+v", result.failure)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("client saw %d bytes: %q", rec.Body.Len(), rec.Body.String())
	}
}

func TestFailureAfterContentEmitsErrorEvent(t *testing.T) {
	stream := "event: response.created\ndata: {\"id\":\"r1\"}\n\n" +
		"event: response.output_text.delta\ndata: {\"delta\":\"hello\"}\n\n" +
		"event: error\ndata: {\"error\":{\"code\":\"rate_limit_exceeded\",\"message\":\"slow\"}}\n\n"

	rec := httptest.NewRecorder()
	relay := newStreamRelay(rec, BufferPrelude, time.Second, time.Minute, 64*1024)
	result := relay.run(context.Background(), strings.NewReader(stream))

	if !result.emitted {
		t.Fatal("delta should have flushed the prelude")
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"delta":"hello"`) {
		t.Fatalf("delta bytes missing from output: %q", body)
	}
	if !strings.Contains(body, "event: error") || !strings.Contains(body, "data: [DONE]") {
		t.Fatalf("error event or sentinel missing: %q", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
}

func TestCleanStreamForwardsEverything(t *testing.T) {
	stream := "event: response.created\ndata: {\"id\":\"r1\"}\n\n" +
		"event: response.output_text.delta\ndata: {\"delta\":\"hi\"}\n\n" +
		"event: response.completed\ndata: {\"response\":{\"usage\":{\"input_tokens\":7,\"output_tokens\":3,\"input_tokens_details\":{\"cached_tokens\":2}}}}\n\n" +
		"data: [DONE]\n\n"

	rec := httptest.NewRecorder()
	relay := newStreamRelay(rec, BufferPrelude, time.Second, time.Minute, 64*1024)
	result := relay.run(context.Background(), strings.NewReader(stream))

	if result.failure != nil {
		t.Fatalf("unexpected failure: %+v", result.failure)
	}
	if rec.Body.String() != stream {
		t.Fatalf("stream altered:\n%q\nwant\n%q", rec.Body.String(), stream)
	}
	if result.usage.Input != 7 || result.usage.Output != 3 || result.usage.CachedInput != 2 {
		t.Fatalf("usage = %+v", result.usage)
	}
}

func TestPreludeTimeoutFlushesHeldBytes(t *testing.T) {
	pr, pw := io.Pipe()

	rec := httptest.NewRecorder()
	relay := newStreamRelay(rec, BufferPrelude, 50*time.Millisecond, time.Minute, 64*1024)

	done := make(chan streamResult, 1)
	go func() { done <- relay.run(context.Background(), pr) }()

	pw.Write([]byte("event: response.created\ndata: {\"id\":\"r1\"}\n\n"))
	time.Sleep(150 * time.Millisecond)
	pw.Write([]byte("data: [DONE]\n\n"))
	pw.Close()

	result := <-done
	if result.failure != nil {
		t.Fatalf("unexpected failure: %+v", result.failure)
	}
	if !result.emitted {
		t.Fatal("timeout should have flushed the prelude")
	}
	if !strings.Contains(rec.Body.String(), "response.created") {
		t.Fatalf("held bytes missing: %q", rec.Body.String())
	}
}

func TestReaderExitsWhenRelayReturnsEarly(t *testing.T) {
	// A failure event followed by far more events than the channel buffers:
	// the reader must not stay blocked once run has returned.
	var b strings.Builder
	b.WriteString("event: response.failed\ndata: {\"error\":{\"code\":\"rate_limit_exceeded\",\"message\":\"slow\"}}\n\n")
	for range 40 {
		b.WriteString("event: response.output_text.delta\ndata: {\"delta\":\"x\"}\n\n")
	}

	before := runtime.NumGoroutine()
	rec := httptest.NewRecorder()
	relay := newStreamRelay(rec, BufferPrelude, time.Second, time.Minute, 64*1024)
	result := relay.run(context.Background(), strings.NewReader(b.String()))

	if result.failure == nil || result.failure.Code != CodeRateLimitExceeded {
		t.Fatalf("failure = %+v", result.failure)
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("reader still running: %d goroutines, started with %d",
				runtime.NumGoroutine(), before)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIdleUpstreamFailsWithTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	rec := httptest.NewRecorder()
	relay := newStreamRelay(rec, BufferPrelude, time.Second, 60*time.Millisecond, 64*1024)

	done := make(chan streamResult, 1)
	go func() { done <- relay.run(context.Background(), pr) }()

	pw.Write([]byte("event: response.created\ndata: {\"id\":\"r1\"}\n\n"))
	// Then silence; the relay must give up on its own.

	select {
	case result := <-done:
		if result.failure == nil || result.failure.Code != CodeTimeout {
			t.Fatalf("failure = %+v, want timeout", result.failure)
		}
		if !result.failure.Retryable || result.emitted {
			t.Fatalf("pre-content stall must stay retryable and silent: %+v", result)
		}
		if rec.Body.Len() != 0 {
			t.Fatalf("client saw %d bytes: %q", rec.Body.Len(), rec.Body.String())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stalled stream never timed out")
	}
}

func TestOffModeForwardsImmediately(t *testing.T) {
	stream := "event: response.created\ndata: {\"id\":\"r1\"}\n\n" +
		"event: response.failed\ndata: {\"error\":{\"code\":\"rate_limit_exceeded\",\"message\":\"slow\"}}\n\n"

	rec := httptest.NewRecorder()
	relay := newStreamRelay(rec, BufferOff, time.Second, time.Minute, 64*1024)
	result := relay.run(context.Background(), strings.NewReader(stream))

	// Without buffering the prelude already reached the client, so the
	// failure is terminal even though it is retryable in principle.
	if !result.emitted {
		t.Fatal("off mode should emit as bytes arrive")
	}
	if result.failure == nil || result.failure.Code != CodeRateLimitExceeded {
		t.Fatalf("failure = %+v", result.failure)
	}
}
