package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"chatgate/internal/domain"
)

const testSlackSecret = "8f742231b10e8888abcd99yyyzzz85a5"

func newTestSlack(t *testing.T, apiURL string, policies *domain.Policies) *Slack {
	t.Helper()
	s, err := NewSlack(SlackConfig{
		Base: testBase(domain.ChannelConfig{
			ID: "sl", Type: domain.ChannelSlack, Enabled: true, Policies: policies,
			Credentials: map[string]string{
				SlackBotToken: "xoxb-test", SlackSigningSecret: testSlackSecret, SlackBotUserID: "UBOT",
			},
		}),
		APIURL: apiURL,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func signedSlackRequest(body string) *http.Request {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testSlackSecret))
	mac.Write([]byte("v0:" + ts + ":" + body))

	req := httptest.NewRequest(http.MethodPost, "/webhook/sl", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func slackCallback(event string) string {
	return `{"token":"t","team_id":"T1","api_app_id":"A1","type":"event_callback","event_id":"Ev1","event_time":1700000000,"event":` + event + `}`
}

func TestSlack_URLVerification(t *testing.T) {
	s := newTestSlack(t, "", nil)
	msg := s.Receive(signedSlackRequest(`{"token":"t","challenge":"challenge-xyz","type":"url_verification"}`))
	if msg == nil || msg.Challenge != "challenge-xyz" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestSlack_InvalidSignature(t *testing.T) {
	s := newTestSlack(t, "", nil)
	req := signedSlackRequest(`{"type":"url_verification","challenge":"x"}`)
	req.Header.Set("X-Slack-Signature", "v0=deadbeef")
	if msg := s.Receive(req); msg != nil {
		t.Errorf("expected nil, got %+v", msg)
	}
}

func TestSlack_DirectMessage(t *testing.T) {
	s := newTestSlack(t, "", nil)
	body := slackCallback(`{"type":"message","channel":"D1","channel_type":"im","user":"U1","text":"hello there","ts":"111.222"}`)

	msg := s.Receive(signedSlackRequest(body))
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.Text != "hello there" || msg.ThreadID != "sl:D1:111.222" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Metadata.String("channel") != "D1" || msg.Metadata.String("thread_ts") != "111.222" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
}

func TestSlack_AppMentionStripsMention(t *testing.T) {
	s := newTestSlack(t, "", nil)
	body := slackCallback(`{"type":"app_mention","channel":"C1","user":"U1","text":"<@UBOT> what's up","ts":"1.1","thread_ts":"0.9"}`)

	msg := s.Receive(signedSlackRequest(body))
	if msg == nil || msg.Text != "what's up" || msg.ThreadID != "sl:C1:0.9" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestSlack_Skips(t *testing.T) {
	s := newTestSlack(t, "", nil)
	tests := map[string]string{
		"bot message":      `{"type":"message","channel":"D1","channel_type":"im","user":"U1","bot_id":"B1","text":"hi","ts":"1"}`,
		"subtype":          `{"type":"message","subtype":"message_changed","channel":"D1","channel_type":"im","user":"U1","text":"hi","ts":"1"}`,
		"own user":         `{"type":"message","channel":"D1","channel_type":"im","user":"UBOT","text":"hi","ts":"1"}`,
		"mention in group": `{"type":"message","channel":"C1","channel_type":"channel","user":"U1","text":"<@UBOT> hi","ts":"1"}`,
		"empty":            `{"type":"message","channel":"D1","channel_type":"im","user":"U1","text":"<@UBOT>","ts":"1"}`,
	}
	for name, event := range tests {
		if msg := s.Receive(signedSlackRequest(slackCallback(event))); msg != nil {
			t.Errorf("%s: expected nil, got %+v", name, msg)
		}
	}
}

func TestSlack_RetryIgnored(t *testing.T) {
	s := newTestSlack(t, "", nil)
	req := signedSlackRequest(slackCallback(`{"type":"message","channel":"D1","channel_type":"im","user":"U1","text":"hi","ts":"1"}`))
	req.Header.Set("X-Slack-Retry-Num", "1")
	if msg := s.Receive(req); msg != nil {
		t.Errorf("redelivery should be ignored, got %+v", msg)
	}
}

func TestSlack_PolicyDenied(t *testing.T) {
	s := newTestSlack(t, "", &domain.Policies{DM: domain.PolicyAllowlist, AllowFrom: []string{"U2"}})
	body := slackCallback(`{"type":"message","channel":"D1","channel_type":"im","user":"U1","text":"hi","ts":"1"}`)
	if msg := s.Receive(signedSlackRequest(body)); msg != nil {
		t.Errorf("denied sender should yield nil, got %+v", msg)
	}
}

type slackAPIRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *slackAPIRecorder) handler(w http.ResponseWriter, req *http.Request) {
	req.ParseForm()
	method := strings.TrimPrefix(req.URL.Path, "/")
	r.mu.Lock()
	ts := req.Form.Get("ts")
	for _, key := range []string{"thread_ts", "timestamp"} {
		if ts == "" {
			ts = req.Form.Get(key)
		}
	}
	r.calls = append(r.calls, method+" "+ts+" "+req.Form.Get("text"))
	r.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "chat.postMessage":
		w.Write([]byte(`{"ok":true,"channel":"C1","ts":"200.1"}`))
	case "chat.update":
		w.Write([]byte(`{"ok":true,"channel":"C1","ts":"200.1","text":"x"}`))
	default:
		w.Write([]byte(`{"ok":true}`))
	}
}

func TestSlack_StreamingPostsThenUpdates(t *testing.T) {
	rec := &slackAPIRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	s := newTestSlack(t, srv.URL+"/", nil)
	ctx := context.Background()
	meta := domain.Metadata{"channel": "C1", "ts": "100.1", "thread_ts": "100.1"}

	handle, err := s.SendStreamChunk(ctx, "sl:C1:100.1", "", "Hel", meta)
	if err != nil {
		t.Fatal(err)
	}
	if handle != "200.1" {
		t.Errorf("handle = %q", handle)
	}
	if _, err := s.SendStreamChunk(ctx, "sl:C1:100.1", handle, "Hello", meta); err != nil {
		t.Fatal(err)
	}
	if err := s.SendStreamEnd(ctx, "sl:C1:100.1", handle, "Hello!", meta); err != nil {
		t.Fatal(err)
	}
	if err := s.Acknowledge(ctx, meta); err != nil {
		t.Fatal(err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []string{
		"chat.postMessage 100.1 Hel",
		"chat.update 200.1 Hello",
		"chat.update 200.1 Hello!",
		"reactions.add 100.1 ",
	}
	if strings.Join(rec.calls, "|") != strings.Join(want, "|") {
		t.Errorf("calls = %q\nwant    %q", rec.calls, want)
	}
}

func TestStripSlackMentions(t *testing.T) {
	if got := stripSlackMentions("<@U1> hi <@U2>!"); got != " hi !" {
		t.Errorf("got %q", got)
	}
	if got := stripSlackMentions("a <@broken"); got != "a <@broken" {
		t.Errorf("got %q", got)
	}
}
