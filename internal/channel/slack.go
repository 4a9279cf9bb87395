package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chatgate/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

const slackMaxMsgLen = 4000

// Slack credential keys.
const (
	SlackBotToken      = "botToken"
	SlackSigningSecret = "signingSecret"
	SlackBotUserID     = "botUserId"
)

// Slack is the adapter for the Slack Events API. Requests are verified with
// the app signing secret; replies go into the originating thread.
type Slack struct {
	Base

	signingSecret string
	botUID        string // the bot's own user ID, to avoid replying to self
	client        *slack.Client
}

type SlackConfig struct {
	Base BaseConfig

	// APIURL overrides the Web API base URL (e.g. "https://slack.com/api/").
	APIURL string
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	ch := cfg.Base.Channel
	token := ch.Credential(SlackBotToken)
	s := &Slack{
		Base:          NewBase(cfg.Base),
		signingSecret: ch.Credential(SlackSigningSecret),
		botUID:        ch.Credential(SlackBotUserID),
	}
	if token == "" || s.signingSecret == "" {
		return nil, fmt.Errorf("slack: %s and %s are required", SlackBotToken, SlackSigningSecret)
	}
	opts := []slack.Option{}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	s.client = slack.New(token, opts...)
	return s, nil
}

func (s *Slack) SupportsStreaming() bool { return true }

// Receive verifies the request signature and normalizes message and
// app_mention callbacks. url_verification yields a challenge.
func (s *Slack) Receive(r *http.Request) *domain.NormalizedMessage {
	body, err := readBody(r)
	if err != nil {
		s.logger.Warn("slack read body failed", "err", err)
		return nil
	}

	sv, err := slack.NewSecretsVerifier(r.Header, s.signingSecret)
	if err != nil {
		s.logger.Warn("slack signature headers invalid", "err", err)
		return nil
	}
	if _, err := sv.Write(body); err != nil {
		return nil
	}
	if err := sv.Ensure(); err != nil {
		s.logger.Warn("slack invalid signature", "err", err)
		return nil
	}

	// Slack redelivers when we answer slowly; the first delivery is already dispatched.
	if r.Header.Get("X-Slack-Retry-Num") != "" {
		s.logger.Debug("slack retry ignored", "retry", r.Header.Get("X-Slack-Retry-Num"))
		return nil
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		s.logger.Warn("slack bad payload", "err", err)
		return nil
	}

	switch event.Type {
	case slackevents.URLVerification:
		var cr slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &cr); err != nil || cr.Challenge == "" {
			return nil
		}
		return &domain.NormalizedMessage{Challenge: cr.Challenge}
	case slackevents.CallbackEvent:
		return s.normalize(r.Context(), event.InnerEvent)
	}
	return nil
}

func (s *Slack) normalize(ctx context.Context, inner slackevents.EventsAPIInnerEvent) *domain.NormalizedMessage {
	var (
		user, text, channel, ts, threadTS string
		isGroup                           bool
	)
	switch ev := inner.Data.(type) {
	case *slackevents.MessageEvent:
		// Bot echoes and edits/joins carry a bot id or a subtype.
		if ev.BotID != "" || ev.SubType != "" {
			return nil
		}
		user, text, channel, ts, threadTS = ev.User, ev.Text, ev.Channel, ev.TimeStamp, ev.ThreadTimeStamp
		isGroup = ev.ChannelType != "im"
		// Channel messages that mention the bot also arrive as app_mention.
		if isGroup && s.botUID != "" && strings.Contains(text, "<@"+s.botUID+">") {
			return nil
		}
	case *slackevents.AppMentionEvent:
		if ev.BotID != "" {
			return nil
		}
		user, text, channel, ts, threadTS = ev.User, ev.Text, ev.Channel, ev.TimeStamp, ev.ThreadTimeStamp
		isGroup = true
	default:
		return nil
	}

	if user == "" || user == s.botUID {
		return nil
	}
	text = strings.TrimSpace(stripSlackMentions(text))
	if text == "" {
		return nil
	}
	if !s.admit(ctx, domain.PolicyRequest{ChannelID: s.ID(), SenderID: user, IsGroup: isGroup, Text: text}) {
		return nil
	}

	if threadTS == "" {
		threadTS = ts
	}
	s.logger.Info("slack message received", "user", user, "slack_channel", channel, "text_len", len(text))

	return &domain.NormalizedMessage{
		ThreadID: s.threadID(channel, threadTS),
		Text:     text,
		Metadata: domain.Metadata{
			"channel":   channel,
			"ts":        ts,
			"thread_ts": threadTS,
		},
		ReceivedAt: time.Now(),
	}
}

// stripSlackMentions removes <@U123> tokens.
func stripSlackMentions(text string) string {
	for {
		start := strings.Index(text, "<@")
		if start < 0 {
			return text
		}
		end := strings.Index(text[start:], ">")
		if end < 0 {
			return text
		}
		text = text[:start] + text[start+end+1:]
	}
}

// Acknowledge adds an :eyes: reaction to the inbound message.
func (s *Slack) Acknowledge(ctx context.Context, meta domain.Metadata) error {
	channel, ts := meta.String("channel"), meta.String("ts")
	if channel == "" || ts == "" {
		return nil
	}
	return s.call(ctx, func(ctx context.Context) error {
		return s.client.AddReactionContext(ctx, "eyes", slack.NewRefToMessage(channel, ts))
	})
}

func (s *Slack) SendResponse(ctx context.Context, threadID, text string, meta domain.Metadata) error {
	for _, chunk := range splitMessage(text, slackMaxMsgLen) {
		if _, err := s.post(ctx, chunk, meta); err != nil {
			return fmt.Errorf("slack send: %w", err)
		}
	}
	return nil
}

// SendStreamChunk posts the first chunk and updates it afterwards. The handle
// is the message timestamp.
func (s *Slack) SendStreamChunk(ctx context.Context, threadID, handle, text string, meta domain.Metadata) (string, error) {
	text = truncateText(text, slackMaxMsgLen)
	if handle == "" {
		ts, err := s.post(ctx, text, meta)
		if err != nil {
			return "", fmt.Errorf("slack stream start: %w", err)
		}
		return ts, nil
	}
	if err := s.update(ctx, handle, text, meta); err != nil {
		return "", fmt.Errorf("slack stream update: %w", err)
	}
	return handle, nil
}

func (s *Slack) SendStreamEnd(ctx context.Context, threadID, handle, text string, meta domain.Metadata) error {
	if handle == "" {
		return s.SendResponse(ctx, threadID, text, meta)
	}
	chunks := splitMessage(text, slackMaxMsgLen)
	if err := s.update(ctx, handle, chunks[0], meta); err != nil {
		return fmt.Errorf("slack stream end: %w", err)
	}
	for _, chunk := range chunks[1:] {
		if _, err := s.post(ctx, chunk, meta); err != nil {
			return fmt.Errorf("slack stream overflow: %w", err)
		}
	}
	return nil
}

func (s *Slack) post(ctx context.Context, text string, meta domain.Metadata) (string, error) {
	channel := meta.String("channel")
	if channel == "" {
		return "", fmt.Errorf("%w: slack channel missing", domain.ErrValidation)
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if ts := meta.String("thread_ts"); ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts))
	}

	var ts string
	err := s.call(ctx, func(ctx context.Context) error {
		_, t, err := s.client.PostMessageContext(ctx, channel, opts...)
		ts = t
		return err
	})
	return ts, err
}

func (s *Slack) update(ctx context.Context, handle, text string, meta domain.Metadata) error {
	channel := meta.String("channel")
	return s.call(ctx, func(ctx context.Context) error {
		_, _, _, err := s.client.UpdateMessageContext(ctx, channel, handle, slack.MsgOptionText(text, false))
		return err
	})
}
