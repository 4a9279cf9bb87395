package security

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"chatgate/internal/bus"
	"chatgate/internal/domain"
)

const (
	// DefaultPairingTTL is how long a generated code stays valid.
	DefaultPairingTTL = 15 * time.Minute

	pairingCodeLength   = 6
	pairingCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// PairingConfig configures the pairing service.
type PairingConfig struct {
	Store  domain.PairingStore
	TTL    time.Duration
	Events *bus.EventBus // optional
	Logger *slog.Logger

	// Now and Rand are overridable for tests.
	Now  func() time.Time
	Rand io.Reader
}

// PairingService issues one-time codes and enrolls senders into a channel's
// allowlist when they present a valid one.
type PairingService struct {
	store  domain.PairingStore
	ttl    time.Duration
	events *bus.EventBus
	logger *slog.Logger
	now    func() time.Time
	rand   io.Reader

	// mu serializes read-modify-write on codes and allowlists.
	mu sync.Mutex
}

func NewPairingService(cfg PairingConfig) *PairingService {
	ps := &PairingService{
		store:  cfg.Store,
		ttl:    cfg.TTL,
		events: cfg.Events,
		logger: cfg.Logger,
		now:    cfg.Now,
		rand:   cfg.Rand,
	}
	if ps.ttl <= 0 {
		ps.ttl = DefaultPairingTTL
	}
	if ps.logger == nil {
		ps.logger = slog.Default()
	}
	if ps.now == nil {
		ps.now = time.Now
	}
	if ps.rand == nil {
		ps.rand = rand.Reader
	}
	return ps
}

// GenerateCode creates a fresh code for channelID, replacing any outstanding one.
func (ps *PairingService) GenerateCode(ctx context.Context, channelID string) (domain.PairingCode, error) {
	code, err := generateSecureCode(ps.rand, pairingCodeLength)
	if err != nil {
		return domain.PairingCode{}, fmt.Errorf("generate pairing code: %w", err)
	}
	pc := domain.PairingCode{
		Code:      code,
		ChannelID: channelID,
		ExpiresAt: ps.now().Add(ps.ttl),
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err := ps.store.SavePairingCode(ctx, pc); err != nil {
		return domain.PairingCode{}, err
	}

	ps.logger.Info("pairing code generated", "channel", channelID, "expires_at", pc.ExpiresAt)
	ps.emit(bus.EventPairingCreated, channelID, map[string]any{"expires_at": pc.ExpiresAt})
	return pc, nil
}

// VerifyCode checks code against the channel's outstanding code. On a match the
// sender is enrolled and the code consumed. A mismatch leaves the code usable.
func (ps *PairingService) VerifyCode(ctx context.Context, channelID, senderID, code string) (bool, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	pending, err := ps.store.PairingCode(ctx, channelID)
	if err != nil {
		return false, err
	}
	if pending == nil {
		return false, nil
	}

	if !ps.now().Before(pending.ExpiresAt) {
		if err := ps.store.DeletePairingCode(ctx, channelID); err != nil {
			ps.logger.Warn("failed to delete expired pairing code", "channel", channelID, "err", err)
		}
		return false, nil
	}

	if !strings.EqualFold(strings.TrimSpace(code), pending.Code) {
		return false, nil
	}

	if err := ps.store.AddToAllowlist(ctx, channelID, senderID); err != nil {
		return false, err
	}
	if err := ps.store.DeletePairingCode(ctx, channelID); err != nil {
		return false, err
	}

	ps.logger.Info("sender paired", "channel", channelID, "sender_id", senderID)
	ps.emit(bus.EventPairingVerified, channelID, map[string]any{"sender_id": senderID})
	return true, nil
}

func (ps *PairingService) emit(eventType, channelID string, payload map[string]any) {
	if ps.events != nil {
		ps.events.Emit(bus.Event{Type: eventType, Source: channelID, Payload: payload})
	}
}

// Allowlist returns the persisted senders for a channel.
func (ps *PairingService) Allowlist(ctx context.Context, channelID string) ([]string, error) {
	return ps.store.Allowlist(ctx, channelID)
}

// IsAllowlisted reports whether senderID has been enrolled for channelID.
func (ps *PairingService) IsAllowlisted(ctx context.Context, channelID, senderID string) (bool, error) {
	list, err := ps.store.Allowlist(ctx, channelID)
	if err != nil {
		return false, err
	}
	for _, id := range list {
		if id == senderID {
			return true, nil
		}
	}
	return false, nil
}

// CleanExpiredCodes removes expired codes. Call periodically.
func (ps *PairingService) CleanExpiredCodes(ctx context.Context) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	n, err := ps.store.DeleteExpiredPairingCodes(ctx, ps.now())
	if err != nil {
		ps.logger.Warn("pairing code sweep failed", "err", err)
		return
	}
	if n > 0 {
		ps.logger.Debug("expired pairing codes removed", "count", n)
	}
}

// RunSweeper calls CleanExpiredCodes every interval until ctx is done.
func (ps *PairingService) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ps.CleanExpiredCodes(ctx)
		}
	}
}

// generateSecureCode draws length characters uniformly from pairingCodeAlphabet.
func generateSecureCode(r io.Reader, length int) (string, error) {
	code := make([]byte, length)
	max := big.NewInt(int64(len(pairingCodeAlphabet)))
	for i := range code {
		n, err := rand.Int(r, max)
		if err != nil {
			return "", err
		}
		code[i] = pairingCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}
