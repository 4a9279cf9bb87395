package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
)

// Channel types supported by the adapter factory.
const (
	ChannelTelegram = "telegram"
	ChannelSlack    = "slack"
	ChannelDiscord  = "discord"
	ChannelWhatsApp = "whatsapp"
)

// Policy values for DM and group traffic.
const (
	PolicyOpen      = "open"
	PolicyAllowlist = "allowlist"
	PolicyPairing   = "pairing"
	PolicyDisabled  = "disabled"
)

// ChannelConfig describes one configured channel. It is immutable once the
// registry has been built.
type ChannelConfig struct {
	ID          string            `json:"id" yaml:"id"`
	Type        string            `json:"type" yaml:"type"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	WebhookPath string            `json:"webhookPath,omitempty" yaml:"webhookPath,omitempty"`
	Mode        string            `json:"mode,omitempty" yaml:"mode,omitempty"` // telegram: webhook | polling
	Policies    *Policies         `json:"policies,omitempty" yaml:"policies,omitempty"`
	Streaming   StreamingConfig   `json:"streaming" yaml:"streaming"`
	Agent       string            `json:"agent,omitempty" yaml:"agent,omitempty"` // sub-agent override
	Credentials map[string]string `json:"credentials,omitempty" yaml:"credentials,omitempty"`
}

// Credential returns a named platform secret.
func (c ChannelConfig) Credential(name string) string {
	if c.Credentials == nil {
		return ""
	}
	return c.Credentials[name]
}

// Policies controls who may reach a channel.
type Policies struct {
	DM             string     `json:"dm,omitempty" yaml:"dm,omitempty"`
	Group          string     `json:"group,omitempty" yaml:"group,omitempty"`
	AllowFrom      StringList `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
	GroupAllowFrom StringList `json:"groupAllowFrom,omitempty" yaml:"groupAllowFrom,omitempty"`
}

// StringList is a []string that also accepts JSON numbers, so numeric
// platform user ids can be listed unquoted (["123", 456]).
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*l = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		// json.Number keeps the digits verbatim; snowflake ids exceed float64 precision.
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.UseNumber()
		var n json.Number
		if err := dec.Decode(&n); err == nil {
			out = append(out, n.String())
			continue
		}
		out = append(out, string(item))
	}
	*l = out
	return nil
}

type StreamingConfig struct {
	UpdateIntervalMs int `json:"updateIntervalMs,omitempty" yaml:"updateIntervalMs,omitempty"`
}

// PolicyRequest is the input to an access-policy check.
type PolicyRequest struct {
	ChannelID string
	SenderID  string
	IsGroup   bool
	Text      string
}

// PolicyDecision is the outcome of an access-policy check.
type PolicyDecision struct {
	Allowed bool
	Reason  string
}

// Receiver turns an inbound webhook request into a NormalizedMessage.
// A nil result means there is nothing to process.
type Receiver interface {
	Receive(r *http.Request) *NormalizedMessage
}

// Responder delivers a final reply.
type Responder interface {
	SendResponse(ctx context.Context, threadID, text string, meta Metadata) error
}

// StreamingResponder edits a single platform message in place while a reply
// is being generated. The handle returned by the first successful chunk is
// passed to every later call.
type StreamingResponder interface {
	SendStreamChunk(ctx context.Context, threadID, handle, text string, meta Metadata) (string, error)
	SendStreamEnd(ctx context.Context, threadID, handle, text string, meta Metadata) error
}

// Adapter is the contract every platform implementation satisfies.
type Adapter interface {
	Receiver
	Responder

	ID() string
	Type() string

	// Acknowledge sends a best-effort receipt (reaction, deferred ack).
	Acknowledge(ctx context.Context, meta Metadata) error

	// StartProcessingIndicator starts a "working" indicator. The returned
	// stop function is safe to call more than once.
	StartProcessingIndicator(ctx context.Context, meta Metadata) (stop func())

	// SupportsStreaming reports whether the adapter wants incremental delivery.
	SupportsStreaming() bool
}

// SupportsChunkedDelivery reports whether a can edit a reply in place.
func SupportsChunkedDelivery(a Adapter) (StreamingResponder, bool) {
	if a == nil || !a.SupportsStreaming() {
		return nil, false
	}
	sr, ok := a.(StreamingResponder)
	return sr, ok
}
