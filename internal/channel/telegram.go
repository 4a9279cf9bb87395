package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatgate/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen         = 4096
	telegramTypingInterval    = 4 * time.Second
	telegramAckReaction       = "👀"
	telegramNotModified       = "message is not modified"
	telegramPollTimeoutSecond = 30
)

// Telegram credential keys.
const (
	TelegramToken         = "token"
	TelegramWebhookSecret = "webhookSecret"
)

// Telegram modes.
const (
	TelegramModeWebhook = "webhook"
	TelegramModePolling = "polling"
)

// Telegram is the adapter for the Telegram Bot API. It accepts updates
// either from a webhook or from a long-poll loop and edits one message in
// place while a reply streams.
type Telegram struct {
	Base

	token         string
	webhookSecret string
	endpoint      string
	client        tgbotapi.HTTPClient

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

type TelegramConfig struct {
	Base BaseConfig

	// Endpoint overrides tgbotapi.APIEndpoint ("https://api.telegram.org/bot%s/%s").
	Endpoint string
	Client   tgbotapi.HTTPClient
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	ch := cfg.Base.Channel
	t := &Telegram{
		Base:          NewBase(cfg.Base),
		token:         ch.Credential(TelegramToken),
		webhookSecret: ch.Credential(TelegramWebhookSecret),
		endpoint:      cfg.Endpoint,
		client:        cfg.Client,
	}
	if t.token == "" {
		return nil, fmt.Errorf("telegram: %s is required", TelegramToken)
	}
	if t.endpoint == "" {
		t.endpoint = tgbotapi.APIEndpoint
	}
	if t.client == nil {
		t.client = &http.Client{Timeout: 60 * time.Second}
	}
	return t, nil
}

func (t *Telegram) SupportsStreaming() bool { return true }

// api connects lazily so building the registry never touches the network.
func (t *Telegram) api() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	t.bot = bot
	return bot, nil
}

// Receive verifies the webhook secret token and normalizes one update.
// Without a configured secret every webhook delivery is refused.
func (t *Telegram) Receive(r *http.Request) *domain.NormalizedMessage {
	if t.webhookSecret == "" {
		t.logger.Warn("telegram webhook refused: no webhook secret configured")
		return nil
	}
	got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(t.webhookSecret)) != 1 {
		t.logger.Warn("telegram invalid secret token")
		return nil
	}

	body, err := readBody(r)
	if err != nil {
		t.logger.Warn("telegram read body failed", "err", err)
		return nil
	}
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		t.logger.Warn("telegram bad payload", "err", err)
		return nil
	}
	return t.normalize(r.Context(), update)
}

func (t *Telegram) normalize(ctx context.Context, update tgbotapi.Update) *domain.NormalizedMessage {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil || m.From.IsBot {
		return nil
	}

	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = strings.TrimSpace(m.Caption)
	}
	if m.IsCommand() && m.Command() == "start" && strings.TrimSpace(m.CommandArguments()) == "" {
		t.greet(ctx, m.Chat.ID)
		return nil
	}
	if text == "" {
		return nil
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	senderID := strconv.FormatInt(m.From.ID, 10)
	isGroup := m.Chat.IsGroup() || m.Chat.IsSuperGroup()

	if !t.admit(ctx, domain.PolicyRequest{ChannelID: t.ID(), SenderID: senderID, IsGroup: isGroup, Text: text}) {
		return nil
	}

	t.logger.Info("telegram message received",
		"user_id", senderID, "chat_id", chatID, "text_len", len(text))

	return &domain.NormalizedMessage{
		ThreadID:    t.threadID(chatID),
		Text:        text,
		Attachments: telegramAttachments(m),
		Metadata: domain.Metadata{
			"chat_id":    chatID,
			"message_id": strconv.Itoa(m.MessageID),
			"sender_id":  senderID,
		},
		ReceivedAt: time.Unix(int64(m.Date), 0),
	}
}

func telegramAttachments(m *tgbotapi.Message) []domain.Attachment {
	var out []domain.Attachment
	if n := len(m.Photo); n > 0 {
		// Last size is the largest.
		out = append(out, domain.Attachment{Type: "image", FileID: m.Photo[n-1].FileID})
	}
	if d := m.Document; d != nil {
		out = append(out, domain.Attachment{Type: "document", FileID: d.FileID, Name: d.FileName, MimeType: d.MimeType})
	}
	if v := m.Voice; v != nil {
		out = append(out, domain.Attachment{Type: "audio", FileID: v.FileID, MimeType: v.MimeType})
	}
	if v := m.Video; v != nil {
		out = append(out, domain.Attachment{Type: "video", FileID: v.FileID, MimeType: v.MimeType})
	}
	return out
}

func (t *Telegram) greet(ctx context.Context, chatID int64) {
	bot, err := t.api()
	if err != nil {
		t.logger.Warn("telegram greeting skipped", "err", err)
		return
	}
	msg := tgbotapi.NewMessage(chatID, "Hello! Send me a message and I'll reply.")
	if err := t.call(ctx, func(ctx context.Context) error {
		_, err := bot.Send(msg)
		return telegramError(err)
	}); err != nil {
		t.logger.Warn("telegram greeting failed", "err", err)
	}
}

// Acknowledge reacts to the inbound message.
func (t *Telegram) Acknowledge(ctx context.Context, meta domain.Metadata) error {
	chatID, msgID := meta.String("chat_id"), meta.String("message_id")
	if chatID == "" || msgID == "" {
		return nil
	}
	bot, err := t.api()
	if err != nil {
		return err
	}
	reaction, _ := json.Marshal([]map[string]string{{"type": "emoji", "emoji": telegramAckReaction}})
	params := tgbotapi.Params{
		"chat_id":    chatID,
		"message_id": msgID,
		"reaction":   string(reaction),
	}
	return t.call(ctx, func(ctx context.Context) error {
		_, err := bot.MakeRequest("setMessageReaction", params)
		return telegramError(err)
	})
}

// StartProcessingIndicator sends "typing" until stopped.
func (t *Telegram) StartProcessingIndicator(ctx context.Context, meta domain.Metadata) func() {
	chatID, err := parseChatID(meta)
	if err != nil {
		return func() {}
	}
	bot, err := t.api()
	if err != nil {
		return func() {}
	}
	return repeatIndicator(ctx, telegramTypingInterval, func(ctx context.Context) {
		if _, err := bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
			t.logger.Debug("telegram typing failed", "err", err)
		}
	})
}

func (t *Telegram) SendResponse(ctx context.Context, threadID, text string, meta domain.Metadata) error {
	chatID, err := parseChatID(meta)
	if err != nil {
		return err
	}
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if _, err := t.send(ctx, chatID, chunk); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// SendStreamChunk sends the first chunk as a new message and edits it on
// later calls. The handle is the Telegram message id.
func (t *Telegram) SendStreamChunk(ctx context.Context, threadID, handle, text string, meta domain.Metadata) (string, error) {
	chatID, err := parseChatID(meta)
	if err != nil {
		return "", err
	}
	text = truncateText(text, telegramMaxMsgLen)
	if handle == "" {
		id, err := t.send(ctx, chatID, text)
		if err != nil {
			return "", fmt.Errorf("telegram stream start: %w", err)
		}
		return strconv.Itoa(id), nil
	}
	if err := t.edit(ctx, chatID, handle, text); err != nil {
		return "", fmt.Errorf("telegram stream edit: %w", err)
	}
	return handle, nil
}

// SendStreamEnd writes the final text: the first part replaces the streamed
// message, anything beyond the size limit goes out as new messages.
func (t *Telegram) SendStreamEnd(ctx context.Context, threadID, handle, text string, meta domain.Metadata) error {
	if handle == "" {
		return t.SendResponse(ctx, threadID, text, meta)
	}
	chatID, err := parseChatID(meta)
	if err != nil {
		return err
	}
	chunks := splitMessage(text, telegramMaxMsgLen)
	if err := t.edit(ctx, chatID, handle, chunks[0]); err != nil {
		return fmt.Errorf("telegram stream end: %w", err)
	}
	for _, chunk := range chunks[1:] {
		if _, err := t.send(ctx, chatID, chunk); err != nil {
			return fmt.Errorf("telegram stream overflow: %w", err)
		}
	}
	return nil
}

func (t *Telegram) send(ctx context.Context, chatID int64, text string) (int, error) {
	bot, err := t.api()
	if err != nil {
		return 0, err
	}
	var sent tgbotapi.Message
	err = t.call(ctx, func(ctx context.Context) error {
		m, err := bot.Send(tgbotapi.NewMessage(chatID, text))
		sent = m
		return telegramError(err)
	})
	return sent.MessageID, err
}

func (t *Telegram) edit(ctx context.Context, chatID int64, handle, text string) error {
	msgID, err := strconv.Atoi(handle)
	if err != nil {
		return fmt.Errorf("%w: telegram handle %q", domain.ErrValidation, handle)
	}
	bot, err := t.api()
	if err != nil {
		return err
	}
	return t.call(ctx, func(ctx context.Context) error {
		_, err := bot.Request(tgbotapi.NewEditMessageText(chatID, msgID, text))
		if err != nil && strings.Contains(err.Error(), telegramNotModified) {
			return nil
		}
		return telegramError(err)
	})
}

// Poll long-polls getUpdates and hands each accepted message to dispatch.
// It returns when ctx is cancelled.
func (t *Telegram) Poll(ctx context.Context, dispatch func(*domain.NormalizedMessage)) error {
	bot, err := t.api()
	if err != nil {
		return err
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = telegramPollTimeoutSecond
	updates := bot.GetUpdatesChan(u)
	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram polling stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if msg := t.normalize(ctx, update); msg != nil {
				dispatch(msg)
			}
		}
	}
}

func parseChatID(meta domain.Metadata) (int64, error) {
	id, err := strconv.ParseInt(meta.String("chat_id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: telegram chat id: %v", domain.ErrValidation, err)
	}
	return id, nil
}

// telegramError maps Bot API errors onto StatusError so 429s are retried.
func telegramError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return &domain.StatusError{StatusCode: apiErr.Code, Body: apiErr.Message}
	}
	var apiVal tgbotapi.Error
	if errors.As(err, &apiVal) && apiVal.Code != 0 {
		return &domain.StatusError{StatusCode: apiVal.Code, Body: apiVal.Message}
	}
	return err
}
