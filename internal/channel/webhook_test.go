package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"chatgate/internal/bus"
	"chatgate/internal/domain"
)

func TestVerifyHMAC_Valid(t *testing.T) {
	secret := "test-secret"
	body := []byte(`{"entry":[]}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !verifyHMAC(body, secret, sig) {
		t.Error("valid HMAC should verify")
	}
}

func TestVerifyHMAC_Invalid(t *testing.T) {
	if verifyHMAC([]byte("body"), "secret", "sha256=invalid") {
		t.Error("invalid HMAC should not verify")
	}
	if verifyHMAC([]byte("body"), "secret", "") {
		t.Error("empty signature should not verify")
	}
}

func TestSplitMessage(t *testing.T) {
	if chunks := splitMessage("short message", 100); len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks := splitMessage("", 100); len(chunks) != 1 {
		t.Errorf("expected 1 chunk for empty, got %d", len(chunks))
	}

	long := strings.Repeat("word ", 100)
	chunks := splitMessage(long, 50)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 50 {
			t.Errorf("chunk %d too long: %d", i, len(c))
		}
	}
	if strings.Join(chunks, "") != long {
		t.Error("chunks must reassemble to the original")
	}
}

func TestSplitMessage_PrefersNewlines(t *testing.T) {
	msg := strings.Repeat("a", 30) + "\n" + strings.Repeat("b", 30)
	chunks := splitMessage(msg, 40)
	if len(chunks) != 2 || chunks[0] != strings.Repeat("a", 30)+"\n" {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestSplitMessage_KeepsRunesWhole(t *testing.T) {
	long := strings.Repeat("€", 3000) // 3 bytes each
	chunks := splitMessage(long, 4096)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if !utf8.ValidString(c) || len(c) > 4096 {
			t.Errorf("chunk %d: len=%d valid=%t", i, len(c), utf8.ValidString(c))
		}
	}
	if strings.Join(chunks, "") != long {
		t.Error("chunks must reassemble to the original")
	}
}

func TestTruncateText(t *testing.T) {
	if got := truncateText("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	got := truncateText(strings.Repeat("€", 10), 10)
	if got != "€€€" {
		t.Errorf("got %q, want three whole runes", got)
	}
	if got := truncateText("€", 2); got != "€" {
		t.Errorf("a single rune wider than the limit is kept whole, got %q", got)
	}
}

func newTestWebhook(t *testing.T, adapters ...*fakeAdapter) (*Webhook, *fakeEngine, *bus.EventBus) {
	t.Helper()
	reg := NewRegistry()
	for _, a := range adapters {
		reg.Register(a.ID(), a.Config(), a)
	}
	engine := &fakeEngine{reply: "reply"}
	events := bus.NewEventBus(testLogger())
	d := NewDispatcher(DispatcherConfig{Engine: engine, Logger: testLogger()})
	return NewWebhook(WebhookConfig{Registry: reg, Dispatcher: d, Events: events, Logger: testLogger()}), engine, events
}

func TestWebhook_UnknownRoute(t *testing.T) {
	w, _, _ := newTestWebhook(t, newFakeAdapter("a"))
	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	w, _, _ := newTestWebhook(t, newFakeAdapter("a"))
	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/webhook/a", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestWebhook_NothingToProcess(t *testing.T) {
	w, engine, _ := newTestWebhook(t, newFakeAdapter("a"))
	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook/a", jsonBody(`{}`)))

	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ok":true`) {
		t.Errorf("got %d %s", rr.Code, rr.Body.String())
	}
	if len(engine.Calls()) != 0 {
		t.Error("engine must not be called")
	}
}

func TestWebhook_Challenge(t *testing.T) {
	a := newFakeAdapter("a")
	a.receive = func(*http.Request) *domain.NormalizedMessage {
		return &domain.NormalizedMessage{Challenge: "abc123"}
	}
	w, _, _ := newTestWebhook(t, a)

	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/webhook/a", nil))

	if rr.Body.String() != "abc123" {
		t.Errorf("body = %q, want raw challenge", rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
}

func TestWebhook_Pong(t *testing.T) {
	a := newFakeAdapter("a")
	a.receive = func(*http.Request) *domain.NormalizedMessage {
		return &domain.NormalizedMessage{Pong: true}
	}
	w, _, _ := newTestWebhook(t, a)

	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook/a", nil))
	if got := strings.TrimSpace(rr.Body.String()); got != `{"type":1}` {
		t.Errorf("body = %s", got)
	}
}

func TestWebhook_DispatchesInBackground(t *testing.T) {
	a := newFakeAdapter("a")
	a.receive = func(*http.Request) *domain.NormalizedMessage {
		return &domain.NormalizedMessage{ThreadID: "a:1", Text: "hi", Metadata: domain.Metadata{}}
	}
	w, engine, events := newTestWebhook(t, a)

	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook/a", jsonBody(`{}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	waitFor(t, "reply", func() bool {
		responses, _, _ := a.snapshot()
		return len(responses) == 1
	})
	if calls := engine.Calls(); len(calls) != 1 || calls[0] != "chat" {
		t.Errorf("engine calls = %v", calls)
	}
	if got := len(events.Replay(bus.EventWebhookReceived, time.Time{})); got != 1 {
		t.Errorf("webhook events = %d", got)
	}
}

func TestWebhook_ReceivePanicIsContained(t *testing.T) {
	bad := newFakeAdapter("bad")
	bad.receive = func(*http.Request) *domain.NormalizedMessage { panic("parser bug") }
	good := newFakeAdapter("good")
	good.receive = func(*http.Request) *domain.NormalizedMessage {
		return &domain.NormalizedMessage{Challenge: "ok"}
	}
	w, _, _ := newTestWebhook(t, bad, good)

	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook/bad", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 after panic, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/webhook/good", nil))
	if rr.Body.String() != "ok" {
		t.Errorf("other channels must keep working, got %q", rr.Body.String())
	}
}

func TestWebhook_RateLimited(t *testing.T) {
	a := newFakeAdapter("a")
	reg := NewRegistry()
	reg.Register("a", a.Config(), a)
	w := NewWebhook(WebhookConfig{
		Registry:      reg,
		Dispatcher:    NewDispatcher(DispatcherConfig{Engine: &fakeEngine{}, Logger: testLogger()}),
		RatePerSecond: 0.001,
		Burst:         1,
		Logger:        testLogger(),
	})

	codes := make([]int, 2)
	for i := range codes {
		rr := httptest.NewRecorder()
		w.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook/a", nil))
		codes[i] = rr.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 429]", codes)
	}
}

func TestWebhook_Mount(t *testing.T) {
	w, _, _ := newTestWebhook(t, newFakeAdapter("a"), newFakeAdapter("b"))
	mux := http.NewServeMux()
	w.Mount(mux)

	for _, path := range []string{"/webhook/a", "/webhook/b"} {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}
