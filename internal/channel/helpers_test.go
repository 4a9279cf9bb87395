package channel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatgate/internal/domain"
	"chatgate/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fastRetry keeps rate-limit retries in tests short.
func fastRetry() *retry.Executor {
	return retry.New(retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, testLogger())
}

func testBase(cfg domain.ChannelConfig) BaseConfig {
	return BaseConfig{Channel: cfg, Retry: fastRetry(), Logger: testLogger()}
}

// fakeAdapter records every outbound call.
type fakeAdapter struct {
	Base

	streaming bool
	receive   func(r *http.Request) *domain.NormalizedMessage
	sendErr   error
	chunkErr  error

	mu        sync.Mutex
	responses []string
	chunks    []fakeChunk
	ends      []fakeChunk
	acks      int
	stops     atomic.Int32
}

type fakeChunk struct {
	handle string
	text   string
}

func newFakeAdapter(id string) *fakeAdapter {
	return &fakeAdapter{Base: NewBase(BaseConfig{
		Channel: domain.ChannelConfig{ID: id, Type: "fake", Enabled: true},
		Logger:  testLogger(),
	})}
}

func (f *fakeAdapter) SupportsStreaming() bool { return f.streaming }

func (f *fakeAdapter) Receive(r *http.Request) *domain.NormalizedMessage {
	if f.receive == nil {
		return nil
	}
	return f.receive(r)
}

func (f *fakeAdapter) Acknowledge(context.Context, domain.Metadata) error {
	f.mu.Lock()
	f.acks++
	f.mu.Unlock()
	return errors.New("ack unsupported")
}

func (f *fakeAdapter) StartProcessingIndicator(context.Context, domain.Metadata) func() {
	return func() { f.stops.Add(1) }
}

func (f *fakeAdapter) SendResponse(_ context.Context, _, text string, _ domain.Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, text)
	return f.sendErr
}

func (f *fakeAdapter) SendStreamChunk(_ context.Context, _, handle, text string, _ domain.Metadata) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, fakeChunk{handle, text})
	if f.chunkErr != nil {
		return "", f.chunkErr
	}
	return "h1", nil
}

func (f *fakeAdapter) SendStreamEnd(_ context.Context, _, handle, text string, _ domain.Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, fakeChunk{handle, text})
	return nil
}

func (f *fakeAdapter) snapshot() (responses []string, chunks, ends []fakeChunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.responses...), append([]fakeChunk(nil), f.chunks...), append([]fakeChunk(nil), f.ends...)
}

// fakeEngine answers with a fixed reply or a fixed stream.
type fakeEngine struct {
	reply     string
	chunks    []string
	err       error
	streamErr string
	panicMsg  string

	mu    sync.Mutex
	calls []string
}

func (e *fakeEngine) note(call string) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
	if e.panicMsg != "" {
		panic(e.panicMsg)
	}
}

func (e *fakeEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) Chat(_ context.Context, threadID, text string, _ []domain.Attachment, _ domain.ChatOptions) (string, error) {
	e.note("chat")
	return e.reply, e.err
}

func (e *fakeEngine) ChatWithAgent(_ context.Context, agent, threadID, text string, _ []domain.Attachment, _ domain.ChatOptions) (string, error) {
	e.note("agent:" + agent)
	return e.reply, e.err
}

func (e *fakeEngine) ChatStream(_ context.Context, threadID, text string, _ []domain.Attachment, _ domain.ChatOptions) (<-chan domain.StreamEvent, error) {
	e.note("stream")
	if e.err != nil {
		return nil, e.err
	}
	ch := make(chan domain.StreamEvent, len(e.chunks)+3)
	ch <- domain.StreamEvent{Type: domain.StreamThinking, Text: "..."}
	for _, c := range e.chunks {
		ch <- domain.StreamEvent{Type: domain.StreamText, Text: c}
	}
	if e.streamErr != "" {
		ch <- domain.StreamEvent{Type: domain.StreamError, Text: e.streamErr}
	}
	ch <- domain.StreamEvent{Type: domain.StreamDone}
	close(ch)
	return ch, nil
}

func countOf(list []string, s string) int {
	n := 0
	for _, v := range list {
		if v == s {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func jsonBody(s string) *strings.Reader { return strings.NewReader(s) }
