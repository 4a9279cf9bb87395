// Package engine implements domain.ChatEngine against OpenAI-compatible
// chat completion APIs (OpenAI, OpenRouter, vLLM, Ollama's /v1 endpoint).
package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatgate/internal/domain"
	"chatgate/internal/retry"
)

const (
	defaultAPIBase      = "https://api.openai.com/v1"
	defaultModel        = "gpt-4o-mini"
	defaultHistoryTurns = 20
	defaultHTTPTimeout  = 120 * time.Second
	streamBufferSize    = 64
)

// Agent is a named override: a different model and system prompt.
type Agent struct {
	Model        string `json:"model" yaml:"model"`
	SystemPrompt string `json:"systemPrompt" yaml:"systemPrompt"`
}

type OpenAIConfig struct {
	APIKey       string
	APIBase      string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64

	// HistoryTurns bounds the per-thread history kept in memory (messages,
	// not exchanges). Zero uses the default; negative disables history.
	HistoryTurns int
	Agents       map[string]Agent

	Client *http.Client
	Retry  *retry.Executor
	Logger *slog.Logger
}

// OpenAI is a ChatEngine backed by /chat/completions. Conversation context
// is kept per thread id in memory and lost on restart.
type OpenAI struct {
	apiKey       string
	apiBase      string
	model        string
	systemPrompt string
	maxTokens    int
	temperature  float64
	historyTurns int
	agents       map[string]Agent

	client *http.Client
	retry  *retry.Executor
	logger *slog.Logger

	mu      sync.Mutex
	history map[string][]oaiMessage
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.HistoryTurns == 0 {
		cfg.HistoryTurns = defaultHistoryTurns
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.New(retry.DefaultPolicy(), cfg.Logger)
	}
	return &OpenAI{
		apiKey:       cfg.APIKey,
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		historyTurns: cfg.HistoryTurns,
		agents:       cfg.Agents,
		client:       cfg.Client,
		retry:        cfg.Retry,
		logger:       cfg.Logger,
		history:      make(map[string][]oaiMessage),
	}
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream"`
	User        string       `json:"user,omitempty"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponse struct {
	Choices []struct {
		Message      oaiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// turn is one resolved request: which model and prompt, and where the
// exchange is remembered.
type turn struct {
	key          string
	model        string
	systemPrompt string
}

func (o *OpenAI) Chat(ctx context.Context, threadID, text string, attachments []domain.Attachment, opts domain.ChatOptions) (string, error) {
	return o.complete(ctx, turn{key: threadID, model: o.model, systemPrompt: o.systemPrompt}, threadID, text, attachments)
}

func (o *OpenAI) ChatWithAgent(ctx context.Context, agent, threadID, text string, attachments []domain.Attachment, opts domain.ChatOptions) (string, error) {
	a, ok := o.agents[agent]
	if !ok {
		return "", fmt.Errorf("%w: unknown agent %q", domain.ErrValidation, agent)
	}
	t := turn{key: agent + "/" + threadID, model: a.Model, systemPrompt: a.SystemPrompt}
	if t.model == "" {
		t.model = o.model
	}
	return o.complete(ctx, t, threadID, text, attachments)
}

func (o *OpenAI) complete(ctx context.Context, t turn, threadID, text string, attachments []domain.Attachment) (string, error) {
	user := oaiMessage{Role: "user", Content: userContent(text, attachments)}
	body := o.request(t, threadID, user, false)

	resp, err := o.post(ctx, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: engine returned no choices", domain.ErrInternal)
	}
	reply := out.Choices[0].Message.Content
	o.remember(t.key, user, reply)
	return reply, nil
}

// ChatStream streams the reply as server-sent events. The returned channel
// is closed after a final StreamDone, or after a StreamError on failure.
func (o *OpenAI) ChatStream(ctx context.Context, threadID, text string, attachments []domain.Attachment, opts domain.ChatOptions) (<-chan domain.StreamEvent, error) {
	t := turn{key: threadID, model: o.model, systemPrompt: o.systemPrompt}
	user := oaiMessage{Role: "user", Content: userContent(text, attachments)}

	resp, err := o.post(ctx, o.request(t, threadID, user, true))
	if err != nil {
		return nil, err
	}

	events := make(chan domain.StreamEvent, streamBufferSize)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		reply, err := readSSE(resp.Body, events)
		if err != nil {
			o.logger.Warn("engine stream failed", "thread_id", threadID, "err", err)
			events <- domain.StreamEvent{Type: domain.StreamError, Text: err.Error()}
			return
		}
		o.remember(t.key, user, reply)
		events <- domain.StreamEvent{Type: domain.StreamDone}
	}()
	return events, nil
}

// readSSE forwards content deltas and returns the full reply.
func readSSE(r io.Reader, events chan<- domain.StreamEvent) (string, error) {
	var full strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return full.String(), nil
		}

		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("engine stream: %s", chunk.Error.Message)
		}
		for _, c := range chunk.Choices {
			if c.Delta.Reasoning != "" {
				events <- domain.StreamEvent{Type: domain.StreamThinking, Text: c.Delta.Reasoning}
			}
			if c.Delta.Content != "" {
				full.WriteString(c.Delta.Content)
				events <- domain.StreamEvent{Type: domain.StreamText, Text: c.Delta.Content}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}
	// Some servers end the body without [DONE].
	return full.String(), nil
}

func (o *OpenAI) request(t turn, threadID string, user oaiMessage, stream bool) oaiRequest {
	var msgs []oaiMessage
	if t.systemPrompt != "" {
		msgs = append(msgs, oaiMessage{Role: "system", Content: t.systemPrompt})
	}
	o.mu.Lock()
	msgs = append(msgs, o.history[t.key]...)
	o.mu.Unlock()
	msgs = append(msgs, user)

	req := oaiRequest{
		Model:     t.model,
		Messages:  msgs,
		MaxTokens: o.maxTokens,
		Stream:    stream,
		User:      threadID,
	}
	if o.temperature > 0 {
		temp := o.temperature
		req.Temperature = &temp
	}
	return req
}

// post sends body, retrying rate-limited attempts. Non-200 responses become
// *domain.StatusError.
func (o *OpenAI) post(ctx context.Context, body oaiRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	return retry.DoValue(ctx, o.retry, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if o.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+o.apiKey)
		}
		if body.Stream {
			req.Header.Set("Accept", "text/event-stream")
		}

		resp, err := o.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("engine request: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, &domain.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}
		return resp, nil
	})
}

func (o *OpenAI) remember(key string, user oaiMessage, reply string) {
	if o.historyTurns < 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	h := append(o.history[key], user, oaiMessage{Role: "assistant", Content: reply})
	if len(h) > o.historyTurns {
		h = h[len(h)-o.historyTurns:]
	}
	o.history[key] = h
}

// Forget drops the stored history for a thread.
func (o *OpenAI) Forget(threadID string) {
	o.mu.Lock()
	delete(o.history, threadID)
	o.mu.Unlock()
}

// userContent folds attachment descriptions into the text; the engine only
// sees text.
func userContent(text string, attachments []domain.Attachment) string {
	if len(attachments) == 0 {
		return text
	}
	var sb strings.Builder
	sb.WriteString(text)
	for _, a := range attachments {
		sb.WriteString("\n[attached ")
		sb.WriteString(a.Type)
		if a.Name != "" {
			sb.WriteString(": ")
			sb.WriteString(a.Name)
		}
		if a.URL != "" {
			sb.WriteString(" ")
			sb.WriteString(a.URL)
		}
		sb.WriteString("]")
	}
	return sb.String()
}
