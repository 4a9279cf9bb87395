package domain

import (
	"context"
	"time"
)

// PairingCode is a short-lived, single-use credential that lets an unknown
// sender add itself to a channel's allowlist.
type PairingCode struct {
	Code      string    `json:"code"`
	ChannelID string    `json:"channel_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// APIKey is the record returned for a valid gateway credential.
type APIKey struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// PairingStore persists pairing codes and per-channel allowlists.
type PairingStore interface {
	// SavePairingCode stores code, replacing any code held for the same channel.
	SavePairingCode(ctx context.Context, code PairingCode) error
	// PairingCode returns the stored code for a channel, or nil.
	PairingCode(ctx context.Context, channelID string) (*PairingCode, error)
	DeletePairingCode(ctx context.Context, channelID string) error
	DeleteExpiredPairingCodes(ctx context.Context, now time.Time) (int64, error)

	// AddToAllowlist is idempotent.
	AddToAllowlist(ctx context.Context, channelID, senderID string) error
	Allowlist(ctx context.Context, channelID string) ([]string, error)
}

// KeyVerifier validates gateway credentials. A nil record with a nil error
// means the key is unknown.
type KeyVerifier interface {
	VerifyAPIKey(ctx context.Context, key string) (*APIKey, error)
}

// MessageRecorder accounts channel traffic. Callers never wait on it.
type MessageRecorder interface {
	RecordChannelMessage(ctx context.Context, channelID string, dir Direction) error
}
