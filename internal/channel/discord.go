package channel

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chatgate/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const discordMaxMsgLen = 2000

// Discord credential keys.
const (
	DiscordBotToken      = "botToken"
	DiscordPublicKey     = "publicKey"
	DiscordApplicationID = "applicationId"
)

// Discord is the adapter for Discord HTTP interactions. Slash commands are
// acknowledged with a deferred response which is then edited with the reply.
type Discord struct {
	Base

	publicKey ed25519.PublicKey
	appID     string
	session   *discordgo.Session
}

type DiscordConfig struct {
	Base BaseConfig
}

func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	ch := cfg.Base.Channel
	key, err := hex.DecodeString(ch.Credential(DiscordPublicKey))
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("discord: %s must be a hex ed25519 public key", DiscordPublicKey)
	}
	token := ch.Credential(DiscordBotToken)
	if token == "" {
		return nil, fmt.Errorf("discord: %s is required", DiscordBotToken)
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{
		Base:      NewBase(cfg.Base),
		publicKey: ed25519.PublicKey(key),
		appID:     ch.Credential(DiscordApplicationID),
		session:   session,
	}, nil
}

func (d *Discord) SupportsStreaming() bool { return true }

// Receive verifies the Ed25519 signature, answers PING and normalizes
// application commands.
func (d *Discord) Receive(r *http.Request) *domain.NormalizedMessage {
	body, err := readBody(r)
	if err != nil {
		d.logger.Warn("discord read body failed", "err", err)
		return nil
	}
	if !discordgo.VerifyInteraction(r, d.publicKey) {
		d.logger.Warn("discord invalid signature")
		return nil
	}

	var i discordgo.Interaction
	if err := json.Unmarshal(body, &i); err != nil {
		d.logger.Warn("discord bad payload", "err", err)
		return nil
	}

	switch i.Type {
	case discordgo.InteractionPing:
		return &domain.NormalizedMessage{Pong: true}
	case discordgo.InteractionApplicationCommand:
		return d.normalize(r.Context(), &i)
	}
	return nil
}

func (d *Discord) normalize(ctx context.Context, i *discordgo.Interaction) *domain.NormalizedMessage {
	data := i.ApplicationCommandData()
	var parts []string
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionString {
			parts = append(parts, opt.StringValue())
		}
	}
	text := strings.TrimSpace(strings.Join(parts, " "))
	if text == "" {
		return nil
	}

	var user *discordgo.User
	switch {
	case i.Member != nil && i.Member.User != nil:
		user = i.Member.User
	case i.User != nil:
		user = i.User
	}
	if user == nil || user.Bot {
		return nil
	}
	isGroup := i.GuildID != ""

	if !d.admit(ctx, domain.PolicyRequest{ChannelID: d.ID(), SenderID: user.ID, IsGroup: isGroup, Text: text}) {
		return nil
	}

	appID := i.AppID
	if appID == "" {
		appID = d.appID
	}
	d.logger.Info("discord command received",
		"command", data.Name, "author", user.Username, "channel_id", i.ChannelID, "text_len", len(text))

	return &domain.NormalizedMessage{
		ThreadID: d.threadID(i.ChannelID),
		Text:     text,
		Metadata: domain.Metadata{
			"interaction_id":    i.ID,
			"interaction_token": i.Token,
			"application_id":    appID,
			"channel_id":        i.ChannelID,
		},
		ReceivedAt: time.Now(),
	}
}

func interactionFrom(meta domain.Metadata) (*discordgo.Interaction, error) {
	i := &discordgo.Interaction{
		ID:    meta.String("interaction_id"),
		AppID: meta.String("application_id"),
		Token: meta.String("interaction_token"),
	}
	if i.Token == "" || i.AppID == "" {
		return nil, fmt.Errorf("%w: discord interaction metadata missing", domain.ErrValidation)
	}
	return i, nil
}

// Acknowledge sends the deferred "thinking" response Discord requires
// within three seconds.
func (d *Discord) Acknowledge(ctx context.Context, meta domain.Metadata) error {
	i, err := interactionFrom(meta)
	if err != nil {
		return err
	}
	return d.call(ctx, func(ctx context.Context) error {
		return discordError(d.session.InteractionRespond(i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		}, discordgo.WithContext(ctx)))
	})
}

func (d *Discord) SendResponse(ctx context.Context, threadID, text string, meta domain.Metadata) error {
	i, err := interactionFrom(meta)
	if err != nil {
		return err
	}
	chunks := splitMessage(text, discordMaxMsgLen)
	if err := d.editOriginal(ctx, i, chunks[0]); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return d.followUp(ctx, i, chunks[1:])
}

// SendStreamChunk edits the deferred response in place. The interaction
// token identifies the message, so the handle is constant.
func (d *Discord) SendStreamChunk(ctx context.Context, threadID, handle, text string, meta domain.Metadata) (string, error) {
	i, err := interactionFrom(meta)
	if err != nil {
		return "", err
	}
	text = truncateText(text, discordMaxMsgLen)
	if err := d.editOriginal(ctx, i, text); err != nil {
		return "", fmt.Errorf("discord stream edit: %w", err)
	}
	return "@original", nil
}

func (d *Discord) SendStreamEnd(ctx context.Context, threadID, handle, text string, meta domain.Metadata) error {
	return d.SendResponse(ctx, threadID, text, meta)
}

func (d *Discord) editOriginal(ctx context.Context, i *discordgo.Interaction, content string) error {
	return d.call(ctx, func(ctx context.Context) error {
		_, err := d.session.InteractionResponseEdit(i, &discordgo.WebhookEdit{Content: &content}, discordgo.WithContext(ctx))
		return discordError(err)
	})
}

func (d *Discord) followUp(ctx context.Context, i *discordgo.Interaction, chunks []string) error {
	for _, chunk := range chunks {
		err := d.call(ctx, func(ctx context.Context) error {
			_, err := d.session.FollowupMessageCreate(i, true, &discordgo.WebhookParams{Content: chunk}, discordgo.WithContext(ctx))
			return discordError(err)
		})
		if err != nil {
			return fmt.Errorf("discord follow-up: %w", err)
		}
	}
	return nil
}

// discordError maps REST failures onto StatusError so 429s are retried.
func discordError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return &domain.StatusError{StatusCode: restErr.Response.StatusCode, Body: string(restErr.ResponseBody)}
	}
	return err
}
