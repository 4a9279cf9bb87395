package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"chatgate/internal/bus"
	"chatgate/internal/domain"
	"chatgate/internal/metrics"

	"golang.org/x/time/rate"
)

// WebhookConfig configures the inbound webhook handler.
type WebhookConfig struct {
	Registry   *Registry
	Dispatcher *Dispatcher
	Events     *bus.EventBus // optional

	// RatePerSecond and Burst bound requests per route. Zero disables limiting.
	RatePerSecond float64
	Burst         int

	Logger *slog.Logger
}

// Webhook routes platform webhooks to adapters and starts dispatch in the
// background. The platform is always answered before the AI call runs.
type Webhook struct {
	registry   *Registry
	dispatcher *Dispatcher
	events     *bus.EventBus
	logger     *slog.Logger

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Webhook{
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		events:     cfg.Events,
		logger:     cfg.Logger,
		limit:      rate.Inf,
		limiters:   make(map[string]*rate.Limiter),
	}
	if cfg.RatePerSecond > 0 {
		w.limit = rate.Limit(cfg.RatePerSecond)
		w.burst = max(cfg.Burst, 1)
	}
	return w
}

// Mount registers every channel route on mux.
func (w *Webhook) Mount(mux *http.ServeMux) {
	for _, path := range w.registry.WebhookPaths() {
		mux.Handle(path, w)
	}
}

func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	entry, ok := w.registry.GetByRoute(r.URL.Path)
	if !ok {
		http.NotFound(rw, r)
		return
	}
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if !w.limiter(entry.ID).Allow() {
		metrics.WebhookRejected(entry.ID)
		http.Error(rw, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	msg := w.receive(entry, r)
	switch {
	case msg == nil:
		writeOK(rw)
	case msg.Challenge != "":
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, msg.Challenge)
	case msg.Pong:
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(map[string]int{"type": 1})
	default:
		writeOK(rw)
		if w.events != nil {
			w.events.Emit(bus.Event{
				Type:    bus.EventWebhookReceived,
				Source:  entry.ID,
				Payload: map[string]any{"thread_id": msg.ThreadID},
			})
		}
		w.dispatcher.Spawn(entry, msg)
	}
}

// receive calls the adapter with panics contained to this request.
func (w *Webhook) receive(entry *RegistryEntry, r *http.Request) (msg *domain.NormalizedMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("adapter receive panic", "channel", entry.ID, "panic", rec)
			msg = nil
		}
	}()
	return entry.Adapter.Receive(r)
}

func (w *Webhook) limiter(channelID string) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(w.limit, w.burst)
		w.limiters[channelID] = l
	}
	return l
}

func writeOK(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	json.NewEncoder(rw).Encode(map[string]bool{"ok": true})
}

// verifyHMAC verifies a "sha256=<hex>" HMAC-SHA256 signature of body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
