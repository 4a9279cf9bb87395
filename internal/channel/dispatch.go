package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatgate/internal/bus"
	"chatgate/internal/domain"
	"chatgate/internal/metrics"
	"chatgate/internal/security"
)

// FallbackReply is sent once when a dispatch fails after the message was accepted.
const FallbackReply = "Sorry, something went wrong while processing your message. Please try again."

// EmptyReply replaces an engine reply with no visible text; platforms reject
// empty messages.
const EmptyReply = "(no response)"

// recordTimeout bounds the fire-and-forget accounting write.
const recordTimeout = 5 * time.Second

// DispatcherConfig wires the pipeline's collaborators.
type DispatcherConfig struct {
	Engine    domain.ChatEngine
	Sanitizer *security.Sanitizer
	Recorder  domain.MessageRecorder // optional
	Events    *bus.EventBus          // optional
	Logger    *slog.Logger
}

// Dispatcher runs one inbound message through acknowledge, indicator, AI call
// and delivery. Each message is handled independently; failures end in a
// single apology reply and never escape.
type Dispatcher struct {
	engine    domain.ChatEngine
	sanitizer *security.Sanitizer
	recorder  domain.MessageRecorder
	events    *bus.EventBus
	logger    *slog.Logger

	wg sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		engine:    cfg.Engine,
		sanitizer: cfg.Sanitizer,
		recorder:  cfg.Recorder,
		events:    cfg.Events,
		logger:    cfg.Logger,
	}
}

// Spawn runs Dispatch as a supervised background task. Errors and panics are
// logged; the caller never waits.
func (d *Dispatcher) Spawn(entry *RegistryEntry, msg *domain.NormalizedMessage) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("dispatch panic", "channel", entry.ID, "thread_id", msg.ThreadID, "panic", r)
			}
		}()
		if err := d.Dispatch(context.Background(), entry, msg); err != nil {
			d.logger.Error("dispatch failed", "channel", entry.ID, "thread_id", msg.ThreadID, "err", err)
		}
	}()
}

// Wait blocks until every spawned dispatch has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch processes one accepted message. The returned error is the failure
// that triggered the fallback reply, for logging; it has already been handled.
func (d *Dispatcher) Dispatch(ctx context.Context, entry *RegistryEntry, msg *domain.NormalizedMessage) (err error) {
	adapter := entry.Adapter
	start := time.Now()
	log := d.logger.With("channel", entry.ID, "thread_id", msg.ThreadID)

	d.record(entry.ID, domain.DirectionInbound)
	d.inspect(entry.ID, msg)

	if aerr := adapter.Acknowledge(ctx, msg.Metadata); aerr != nil {
		log.Debug("acknowledge failed", "err", aerr)
	}

	stop := newStopFunc(adapter.StartProcessingIndicator(ctx, msg.Metadata))
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrInternal, r)
		}
		if err == nil {
			metrics.DispatchLatency(entry.ID, time.Since(start).Seconds())
			return
		}
		metrics.DispatchFailure(entry.ID)
		log.Error("dispatch error, sending fallback reply", "err", err)
		d.emit(bus.EventDispatchFailed, entry.ID, map[string]any{"thread_id": msg.ThreadID, "error": err.Error()})
		if ferr := adapter.SendResponse(ctx, msg.ThreadID, FallbackReply, msg.Metadata); ferr != nil {
			log.Warn("fallback reply failed", "err", ferr)
		}
	}()

	if sr, ok := domain.SupportsChunkedDelivery(adapter); ok && entry.Config.Agent == "" {
		err = d.stream(ctx, entry, sr, msg)
	} else {
		err = d.singleShot(ctx, entry, msg)
	}
	if err != nil {
		return err
	}

	d.record(entry.ID, domain.DirectionOutbound)
	d.emit(bus.EventMessageSent, entry.ID, map[string]any{"thread_id": msg.ThreadID})
	return nil
}

func (d *Dispatcher) singleShot(ctx context.Context, entry *RegistryEntry, msg *domain.NormalizedMessage) error {
	opts := chatOptions(entry.ID)

	var (
		reply string
		err   error
	)
	if agent := entry.Config.Agent; agent != "" {
		reply, err = d.engine.ChatWithAgent(ctx, agent, msg.ThreadID, msg.Text, msg.Attachments, opts)
	} else {
		reply, err = d.engine.Chat(ctx, msg.ThreadID, msg.Text, msg.Attachments, opts)
	}
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	if err := entry.Adapter.SendResponse(ctx, msg.ThreadID, nonEmpty(reply), msg.Metadata); err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	return nil
}

func (d *Dispatcher) stream(ctx context.Context, entry *RegistryEntry, sr domain.StreamingResponder, msg *domain.NormalizedMessage) error {
	events, err := d.engine.ChatStream(ctx, msg.ThreadID, msg.Text, msg.Attachments, chatOptions(entry.ID))
	if err != nil {
		return fmt.Errorf("chat stream: %w", err)
	}

	var (
		mu     sync.Mutex
		handle string
	)
	deliver := func(ctx context.Context, text string) error {
		mu.Lock()
		h := handle
		mu.Unlock()

		next, err := sr.SendStreamChunk(ctx, msg.ThreadID, h, text, msg.Metadata)
		if err != nil {
			metrics.StreamChunkFailure(entry.ID)
			return err
		}
		mu.Lock()
		if handle == "" {
			handle = next
		}
		mu.Unlock()
		return nil
	}

	queue := NewStreamQueue(time.Duration(entry.Config.Streaming.UpdateIntervalMs)*time.Millisecond,
		d.logger.With("channel", entry.ID))

	var (
		acc       strings.Builder
		streamErr error
	)
	for ev := range events {
		switch ev.Type {
		case domain.StreamText:
			if ev.Text == "" {
				continue
			}
			acc.WriteString(ev.Text)
			queue.Enqueue(ctx, msg.ThreadID, acc.String(), deliver)
		case domain.StreamError:
			if streamErr == nil {
				streamErr = errors.New(ev.Text)
			}
		}
	}
	queue.Flush(ctx)

	if streamErr != nil {
		return fmt.Errorf("chat stream: %w", streamErr)
	}

	mu.Lock()
	h := handle
	mu.Unlock()
	if err := sr.SendStreamEnd(ctx, msg.ThreadID, h, nonEmpty(acc.String()), msg.Metadata); err != nil {
		return fmt.Errorf("send stream end: %w", err)
	}
	return nil
}

func nonEmpty(reply string) string {
	if strings.TrimSpace(reply) == "" {
		return EmptyReply
	}
	return reply
}

func chatOptions(channelID string) domain.ChatOptions {
	return domain.ChatOptions{UserID: channelID, ChatTitle: channelID}
}

// record counts a message and persists it without waiting.
func (d *Dispatcher) record(channelID string, dir domain.Direction) {
	metrics.ChannelMessage(channelID, dir)
	if d.recorder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := d.recorder.RecordChannelMessage(ctx, channelID, dir); err != nil {
			d.logger.Debug("record channel message failed", "channel", channelID, "err", err)
		}
	}()
}

// inspect runs the advisory sanitizer. Findings are logged, never enforced.
func (d *Dispatcher) inspect(channelID string, msg *domain.NormalizedMessage) {
	findings := d.sanitizer.Inspect(msg.Text)
	if len(findings) == 0 {
		return
	}
	cats := make([]string, len(findings))
	for i, f := range findings {
		cats[i] = f.Category
	}
	d.logger.Warn("suspicious content flagged",
		"channel", channelID, "thread_id", msg.ThreadID, "categories", cats)
	d.emit(bus.EventMessageFlagged, channelID, map[string]any{
		"thread_id":  msg.ThreadID,
		"categories": cats,
	})
}

func (d *Dispatcher) emit(eventType, source string, payload map[string]any) {
	if d.events == nil {
		return
	}
	d.events.Emit(bus.Event{Type: eventType, Source: source, Payload: payload})
}
