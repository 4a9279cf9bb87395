package domain

import "time"

// Attachment is a media item carried alongside an inbound message.
type Attachment struct {
	Type     string `json:"type"` // image | document | audio | video | file
	URL      string `json:"url,omitempty"`
	FileID   string `json:"file_id,omitempty"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Metadata is an opaque, platform-specific bag produced by an adapter's
// Receive and handed back to the same adapter for acknowledge and delivery.
type Metadata map[string]any

// String returns the string value stored under key, or "".
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// NormalizedMessage is the canonical form of an inbound platform message.
//
// A message that is not a handshake always has non-empty Text. Handshakes
// carry either Challenge (echoed back as a raw body) or Pong.
type NormalizedMessage struct {
	ThreadID    string
	Text        string
	Attachments []Attachment
	Metadata    Metadata
	ReceivedAt  time.Time

	Challenge string
	Pong      bool
}

// IsHandshake reports whether the message is a platform verification or ping
// exchange that must be answered inline instead of dispatched.
func (m *NormalizedMessage) IsHandshake() bool {
	return m != nil && (m.Challenge != "" || m.Pong)
}

// Direction of a channel message for accounting.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)
