package domain

import "context"

// StreamEventType classifies a streaming event from the AI engine.
type StreamEventType string

const (
	StreamText     StreamEventType = "text"
	StreamThinking StreamEventType = "thinking"
	StreamToolUse  StreamEventType = "tool_use"
	StreamDone     StreamEventType = "done"
	StreamError    StreamEventType = "error"
)

// StreamEvent is one element of a reply stream. Only StreamText events
// carry reply text; StreamError carries the error message in Text.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	Text string          `json:"text,omitempty"`
}

// ChatOptions are passed through to the AI engine.
type ChatOptions struct {
	UserID    string
	ChatTitle string
}

// ChatEngine is the AI response engine consumed by the dispatch pipeline and
// the gateway server.
type ChatEngine interface {
	Chat(ctx context.Context, threadID, text string, attachments []Attachment, opts ChatOptions) (string, error)
	ChatWithAgent(ctx context.Context, agent, threadID, text string, attachments []Attachment, opts ChatOptions) (string, error)

	// ChatStream returns a finite event sequence. The channel is closed when
	// the reply is complete and must be drained exactly once.
	ChatStream(ctx context.Context, threadID, text string, attachments []Attachment, opts ChatOptions) (<-chan StreamEvent, error)
}
