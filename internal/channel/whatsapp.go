package channel

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatgate/internal/domain"
)

const (
	whatsappAPIBase   = "https://graph.facebook.com/v21.0"
	whatsappMaxMsgLen = 4096
)

// WhatsApp credential keys.
const (
	WhatsAppAccessToken   = "accessToken"
	WhatsAppAppSecret     = "appSecret"
	WhatsAppVerifyToken   = "verifyToken"
	WhatsAppPhoneNumberID = "phoneNumberId"
)

// WhatsApp is the adapter for the WhatsApp Business Cloud API. Every
// conversation is a direct message; replies are sent whole.
type WhatsApp struct {
	Base

	accessToken   string
	appSecret     string
	verifyToken   string
	phoneNumberID string
	apiBase       string
	client        *http.Client
}

type WhatsAppConfig struct {
	Base    BaseConfig
	APIBase string       // overrides the Graph API base URL
	Client  *http.Client // optional
}

func NewWhatsApp(cfg WhatsAppConfig) (*WhatsApp, error) {
	ch := cfg.Base.Channel
	w := &WhatsApp{
		Base:          NewBase(cfg.Base),
		accessToken:   ch.Credential(WhatsAppAccessToken),
		appSecret:     ch.Credential(WhatsAppAppSecret),
		verifyToken:   ch.Credential(WhatsAppVerifyToken),
		phoneNumberID: ch.Credential(WhatsAppPhoneNumberID),
		apiBase:       cfg.APIBase,
		client:        cfg.Client,
	}
	if w.phoneNumberID == "" || w.accessToken == "" {
		return nil, fmt.Errorf("whatsapp: %s and %s are required", WhatsAppPhoneNumberID, WhatsAppAccessToken)
	}
	if w.apiBase == "" {
		w.apiBase = whatsappAPIBase
	}
	if w.client == nil {
		w.client = &http.Client{Timeout: 30 * time.Second}
	}
	return w, nil
}

// Receive handles both the GET subscription challenge and POST deliveries.
func (w *WhatsApp) Receive(r *http.Request) *domain.NormalizedMessage {
	if r.Method == http.MethodGet {
		return w.verifySubscription(r)
	}

	body, err := readBody(r)
	if err != nil {
		w.logger.Warn("whatsapp read body failed", "err", err)
		return nil
	}
	// An unset app secret fails closed: unsigned deliveries could forge any sender.
	if w.appSecret == "" || !verifyHMAC(body, w.appSecret, r.Header.Get("X-Hub-Signature-256")) {
		w.logger.Warn("whatsapp invalid signature")
		return nil
	}

	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp bad payload", "err", err)
		return nil
	}

	// Cloud API batches; the first usable message is processed.
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				if msg := w.normalize(r.Context(), m); msg != nil {
					return msg
				}
			}
		}
	}
	return nil
}

func (w *WhatsApp) verifySubscription(r *http.Request) *domain.NormalizedMessage {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || w.verifyToken == "" || challenge == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(w.verifyToken)) != 1 {
		w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
		return nil
	}
	w.logger.Info("whatsapp webhook verified")
	return &domain.NormalizedMessage{Challenge: challenge}
}

func (w *WhatsApp) normalize(ctx context.Context, m waMessage) *domain.NormalizedMessage {
	var (
		text        string
		attachments []domain.Attachment
	)
	switch m.Type {
	case "text":
		if m.Text != nil {
			text = m.Text.Body
		}
	case "interactive":
		if m.Interactive != nil {
			switch {
			case m.Interactive.ButtonReply != nil:
				text = m.Interactive.ButtonReply.Title
			case m.Interactive.ListReply != nil:
				text = m.Interactive.ListReply.Title
			}
		}
	case "image", "document", "video", "audio":
		media := m.media()
		if media == nil {
			return nil
		}
		text = media.Caption
		attachments = append(attachments, domain.Attachment{
			Type:     m.Type,
			FileID:   media.ID,
			Name:     media.Filename,
			MimeType: media.MimeType,
		})
	default:
		return nil
	}

	text = strings.TrimSpace(text)
	if text == "" || m.From == "" {
		return nil
	}
	if !w.admit(ctx, domain.PolicyRequest{ChannelID: w.ID(), SenderID: m.From, Text: text}) {
		return nil
	}

	w.logger.Info("whatsapp message received", "from", m.From, "text_len", len(text))
	return &domain.NormalizedMessage{
		ThreadID:    w.threadID(m.From),
		Text:        text,
		Attachments: attachments,
		Metadata: domain.Metadata{
			"to":         m.From,
			"message_id": m.ID,
		},
		ReceivedAt: time.Now(),
	}
}

// Acknowledge marks the inbound message as read.
func (w *WhatsApp) Acknowledge(ctx context.Context, meta domain.Metadata) error {
	id := meta.String("message_id")
	if id == "" {
		return nil
	}
	return w.call(ctx, func(ctx context.Context) error {
		return w.post(ctx, map[string]any{
			"messaging_product": "whatsapp",
			"status":            "read",
			"message_id":        id,
		})
	})
}

func (w *WhatsApp) SendResponse(ctx context.Context, threadID, text string, meta domain.Metadata) error {
	to := meta.String("to")
	if to == "" {
		return fmt.Errorf("%w: whatsapp recipient missing for %s", domain.ErrValidation, threadID)
	}
	for _, chunk := range splitMessage(text, whatsappMaxMsgLen) {
		err := w.call(ctx, func(ctx context.Context) error {
			return w.post(ctx, map[string]any{
				"messaging_product": "whatsapp",
				"to":                to,
				"type":              "text",
				"text":              map[string]string{"body": chunk},
			})
		})
		if err != nil {
			return fmt.Errorf("whatsapp send: %w", err)
		}
	}
	return nil
}

func (w *WhatsApp) post(ctx context.Context, payload map[string]any) error {
	url := fmt.Sprintf("%s/%s/messages", w.apiBase, w.phoneNumberID)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.accessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &domain.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

// --- WhatsApp webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Messages         []waMessage `json:"messages"`
	Statuses         []any       `json:"statuses,omitempty"`
}

type waMessage struct {
	From        string         `json:"from"`
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Text        *waText        `json:"text,omitempty"`
	Interactive *waInteractive `json:"interactive,omitempty"`
	Image       *waMedia       `json:"image,omitempty"`
	Document    *waMedia       `json:"document,omitempty"`
	Video       *waMedia       `json:"video,omitempty"`
	Audio       *waMedia       `json:"audio,omitempty"`
}

func (m waMessage) media() *waMedia {
	switch m.Type {
	case "image":
		return m.Image
	case "document":
		return m.Document
	case "video":
		return m.Video
	case "audio":
		return m.Audio
	}
	return nil
}

type waText struct {
	Body string `json:"body"`
}

type waInteractive struct {
	Type        string   `json:"type"`
	ButtonReply *waReply `json:"button_reply,omitempty"`
	ListReply   *waReply `json:"list_reply,omitempty"`
}

type waReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}
