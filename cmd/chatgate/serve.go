package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatgate/internal/bus"
	"chatgate/internal/channel"
	"chatgate/internal/config"
	"chatgate/internal/domain"
	"chatgate/internal/engine"
	"chatgate/internal/gateway"
	"chatgate/internal/metrics"
	"chatgate/internal/retry"
	"chatgate/internal/security"
	"chatgate/internal/store"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server and, if enabled, the gateway socket",
		Long:  "Builds every enabled channel, serves their webhooks, health and metrics, and runs until interrupted.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, closeLog, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog.Close()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer db.Close()

	events := bus.NewEventBus(logger)
	logEvents(events)

	pairing := security.NewPairingService(security.PairingConfig{
		Store:  db,
		TTL:    time.Duration(cfg.Security.PairingTTLMinutes) * time.Minute,
		Events: events,
		Logger: logger,
	})
	if cfg.Security.SweepIntervalSeconds > 0 {
		go pairing.RunSweeper(ctx, time.Duration(cfg.Security.SweepIntervalSeconds)*time.Second)
	}

	patterns := cfg.Security.SanitizerPatterns
	if len(patterns) == 0 {
		patterns = security.DefaultSanitizerPatterns
	}
	sanitizer, err := security.NewSanitizer(patterns)
	if err != nil {
		return fmt.Errorf("sanitizer: %w", err)
	}

	retrier := retry.New(cfg.Retry.Policy(), logger)
	chatEngine := newEngine(cfg.Engine, retrier)

	reg, err := channel.BuildRegistry(cfg.Channels, channel.Deps{
		Policy: security.NewPolicyEngine(pairing, logger),
		Retry:  retrier,
		Events: events,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("channels: %w", err)
	}

	dispatcher := channel.NewDispatcher(channel.DispatcherConfig{
		Engine:    chatEngine,
		Sanitizer: sanitizer,
		Recorder:  db,
		Events:    events,
		Logger:    logger,
	})
	webhook := channel.NewWebhook(channel.WebhookConfig{
		Registry:      reg,
		Dispatcher:    dispatcher,
		Events:        events,
		RatePerSecond: cfg.RateLimit.PerSecond,
		Burst:         cfg.RateLimit.Burst,
		Logger:        logger,
	})

	mux := http.NewServeMux()
	webhook.Mount(mux)
	mux.Handle("GET /health", healthHandler(reg))
	if cfg.Server.MetricsEnabled {
		mux.Handle("GET /metrics", metrics.Default.Handler())
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("webhook server listening", "addr", cfg.Server.Addr, "channels", reg.Size())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("webhook server: %w", err)
		}
	}()

	var gw *gateway.Server
	if cfg.Gateway.Enabled {
		gw = gateway.New(gateway.Config{
			Addr:           cfg.Gateway.Addr,
			Path:           cfg.Gateway.Path,
			Engine:         chatEngine,
			Keys:           db,
			AllowedOrigins: cfg.Gateway.AllowedOrigins,
			Events:         events,
			Logger:         logger,
		})
		go func() {
			if err := gw.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("gateway: %w", err)
			}
		}()
	}

	startPolling(ctx, reg, dispatcher)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server failed", "err", err)
		stop()
		return shutdown(cfg.Server, srv, gw, dispatcher, err)
	}
	return shutdown(cfg.Server, srv, gw, dispatcher, nil)
}

func newEngine(c config.EngineConfig, r *retry.Executor) *engine.OpenAI {
	agents := make(map[string]engine.Agent, len(c.Agents))
	for name, a := range c.Agents {
		agents[name] = engine.Agent{Model: a.Model, SystemPrompt: a.SystemPrompt}
	}
	return engine.NewOpenAI(engine.OpenAIConfig{
		APIKey:       c.APIKey,
		APIBase:      c.APIBase,
		Model:        c.Model,
		SystemPrompt: c.SystemPrompt,
		MaxTokens:    c.MaxTokens,
		Temperature:  c.Temperature,
		HistoryTurns: c.HistoryTurns,
		Agents:       agents,
		Client:       &http.Client{Timeout: time.Duration(c.TimeoutSeconds) * time.Second},
		Retry:        r,
		Logger:       logger,
	})
}

// startPolling runs the long-poll loop for every Telegram channel configured
// in polling mode. Accepted messages go through the same dispatcher as
// webhook traffic.
func startPolling(ctx context.Context, reg *channel.Registry, d *channel.Dispatcher) {
	for _, entry := range reg.All() {
		if entry.Config.Mode != channel.TelegramModePolling {
			continue
		}
		tg, ok := entry.Adapter.(*channel.Telegram)
		if !ok {
			continue
		}
		go func() {
			err := tg.Poll(ctx, func(msg *domain.NormalizedMessage) {
				d.Spawn(entry, msg)
			})
			if err != nil {
				logger.Error("telegram polling stopped", "channel", entry.ID, "err", err)
			}
		}()
	}
}

func shutdown(sc config.ServerConfig, srv *http.Server, gw *gateway.Server, d *channel.Dispatcher, cause error) error {
	logger.Info("shutting down")
	timeout := time.Duration(sc.ShutdownTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("webhook server: %w", err))
	}
	if gw != nil {
		if err := gw.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("gateway: %w", err))
		}
	}
	// In-flight dispatches still deliver their replies.
	if err := d.Wait(ctx); err != nil {
		logger.Warn("shutdown timed out with dispatches in flight", "err", err)
		errs = append(errs, err)
	}
	if cause != nil {
		errs = append([]error{cause}, errs...)
	}
	if len(errs) == 0 {
		logger.Info("shutdown complete")
	}
	return errors.Join(errs...)
}

type healthResponse struct {
	Status   string   `json:"status"`
	Version  string   `json:"version"`
	Channels []string `json:"channels"`
	Gateway  int      `json:"gateway_connections"`
}

func healthHandler(reg *channel.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:   "ok",
			Version:  version,
			Channels: []string{},
			Gateway:  int(metrics.GatewayConnections.Value()),
		}
		for _, entry := range reg.All() {
			resp.Channels = append(resp.Channels, entry.ID)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
}

// logEvents mirrors notable domain events into the log.
func logEvents(events *bus.EventBus) {
	events.On(bus.EventPolicyDenied, func(e bus.Event) {
		logger.Info("sender denied", "channel", e.Source, "sender_id", e.Payload["sender_id"], "reason", e.Payload["reason"])
	})
	events.On(bus.EventMessageFlagged, func(e bus.Event) {
		logger.Warn("inbound message flagged", "channel", e.Source, "payload", e.Payload)
	})
	events.On(bus.EventPairingVerified, func(e bus.Event) {
		logger.Info("sender paired", "channel", e.Source, "sender_id", e.Payload["sender_id"])
	})
	events.On(bus.EventDispatchFailed, func(e bus.Event) {
		logger.Debug("dispatch failure event", "channel", e.Source, "payload", e.Payload)
	})
}
