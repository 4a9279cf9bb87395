package channel

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chatgate/internal/bus"
	"chatgate/internal/domain"
	"chatgate/internal/retry"
	"chatgate/internal/security"
)

// maxWebhookBody caps inbound payloads.
const maxWebhookBody = 1 << 20 // 1MB

// BaseConfig is shared by every platform adapter.
type BaseConfig struct {
	Channel domain.ChannelConfig
	Policy  *security.PolicyEngine
	Retry   *retry.Executor
	Events  *bus.EventBus // optional
	Logger  *slog.Logger
}

// Base carries the behaviour common to all adapters: identity, the access
// policy check, retried outbound calls and no-op defaults for the optional
// acknowledge and indicator hooks. Adapters embed it.
type Base struct {
	cfg    domain.ChannelConfig
	policy *security.PolicyEngine
	retry  *retry.Executor
	events *bus.EventBus
	logger *slog.Logger
}

func NewBase(cfg BaseConfig) Base {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("channel", cfg.Channel.ID, "type", cfg.Channel.Type)

	policy := cfg.Policy
	if policy == nil {
		policy = security.NewPolicyEngine(nil, logger)
	}
	exec := cfg.Retry
	if exec == nil {
		exec = retry.New(retry.DefaultPolicy(), logger)
	}
	return Base{cfg: cfg.Channel, policy: policy, retry: exec, events: cfg.Events, logger: logger}
}

func (b *Base) ID() string                   { return b.cfg.ID }
func (b *Base) Type() string                 { return b.cfg.Type }
func (b *Base) Config() domain.ChannelConfig { return b.cfg }
func (b *Base) Logger() *slog.Logger         { return b.logger }

// SupportsStreaming defaults to false.
func (b *Base) SupportsStreaming() bool { return false }

// Acknowledge is a no-op by default.
func (b *Base) Acknowledge(ctx context.Context, meta domain.Metadata) error { return nil }

// StartProcessingIndicator is a no-op by default.
func (b *Base) StartProcessingIndicator(ctx context.Context, meta domain.Metadata) func() {
	return func() {}
}

// CheckPolicy evaluates the channel's access policy for one sender.
func (b *Base) CheckPolicy(ctx context.Context, req domain.PolicyRequest) domain.PolicyDecision {
	if req.ChannelID == "" {
		req.ChannelID = b.cfg.ID
	}
	return b.policy.Check(ctx, b.cfg.Policies, req)
}

// admit runs CheckPolicy and logs denials. Denied senders get no reply.
func (b *Base) admit(ctx context.Context, req domain.PolicyRequest) bool {
	d := b.CheckPolicy(ctx, req)
	if !d.Allowed {
		b.logger.Info("message denied by policy",
			"sender_id", req.SenderID, "group", req.IsGroup, "reason", d.Reason)
		if b.events != nil {
			b.events.Emit(bus.Event{
				Type:    bus.EventPolicyDenied,
				Source:  b.cfg.ID,
				Payload: map[string]any{"sender_id": req.SenderID, "reason": d.Reason},
			})
		}
		return false
	}
	return true
}

// call runs an outbound platform call through the retry executor.
func (b *Base) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return b.retry.Do(ctx, fn)
}

// threadID derives the conversation identity from a platform conversation id.
func (b *Base) threadID(parts ...string) string {
	return b.cfg.ID + ":" + strings.Join(parts, ":")
}

// readBody reads a capped request body and restores it for later readers.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// newStopFunc wraps stop so it runs at most once.
func newStopFunc(stop func()) func() {
	var once sync.Once
	return func() { once.Do(stop) }
}

// repeatIndicator calls send immediately and then every interval until the
// returned stop function is called.
func repeatIndicator(ctx context.Context, interval time.Duration, send func(ctx context.Context)) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		send(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				send(ctx)
			}
		}
	}()
	return newStopFunc(cancel)
}

// splitMessage splits a message into chunks that fit within the max length,
// trying to split on newlines when possible.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		// Try to split on a newline.
		cut := runeCut(msg, maxLen)
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

// truncateText cuts msg to at most maxLen bytes without splitting a rune.
func truncateText(msg string, maxLen int) string {
	if len(msg) <= maxLen {
		return msg
	}
	return msg[:runeCut(msg, maxLen)]
}

// runeCut returns the largest offset <= maxLen that starts a rune in msg.
// A lone over-long rune is cut whole rather than looping on a zero offset.
func runeCut(msg string, maxLen int) int {
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	if cut == 0 {
		_, size := utf8.DecodeRuneInString(msg)
		return size
	}
	return cut
}
