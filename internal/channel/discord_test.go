package channel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatgate/internal/domain"
)

func newTestDiscord(t *testing.T, policies *domain.Policies) (*Discord, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	d, err := NewDiscord(DiscordConfig{Base: testBase(domain.ChannelConfig{
		ID: "dc", Type: domain.ChannelDiscord, Enabled: true, Policies: policies,
		Credentials: map[string]string{
			DiscordBotToken:      "bot-token",
			DiscordPublicKey:     hex.EncodeToString(pub),
			DiscordApplicationID: "app-1",
		},
	})})
	if err != nil {
		t.Fatal(err)
	}
	return d, priv
}

func signedDiscordRequest(priv ed25519.PrivateKey, body string) *http.Request {
	ts := "1700000000"
	sig := ed25519.Sign(priv, []byte(ts+body))
	req := httptest.NewRequest(http.MethodPost, "/webhook/dc", strings.NewReader(body))
	req.Header.Set("X-Signature-Ed25519", hex.EncodeToString(sig))
	req.Header.Set("X-Signature-Timestamp", ts)
	return req
}

const discordCommand = `{"type":2,"id":"int-1","application_id":"app-1","token":"int-token","channel_id":"chan-1","guild_id":"guild-1",` +
	`"member":{"user":{"id":"u1","username":"ann"}},` +
	`"data":{"id":"cmd-1","name":"ask","type":1,"options":[{"name":"prompt","type":3,"value":"what is go?"}]}}`

func TestDiscord_Ping(t *testing.T) {
	d, priv := newTestDiscord(t, nil)
	msg := d.Receive(signedDiscordRequest(priv, `{"type":1,"id":"p","application_id":"app-1","token":"t"}`))
	if msg == nil || !msg.Pong {
		t.Fatalf("msg = %+v, want pong", msg)
	}
}

func TestDiscord_BadSignature(t *testing.T) {
	d, _ := newTestDiscord(t, nil)
	_, other, _ := ed25519.GenerateKey(rand.Reader)
	if msg := d.Receive(signedDiscordRequest(other, `{"type":1}`)); msg != nil {
		t.Errorf("expected nil, got %+v", msg)
	}

	req := signedDiscordRequest(other, `{"type":1}`)
	req.Header.Del("X-Signature-Ed25519")
	if msg := d.Receive(req); msg != nil {
		t.Errorf("missing signature should yield nil, got %+v", msg)
	}
}

func TestDiscord_ApplicationCommand(t *testing.T) {
	d, priv := newTestDiscord(t, nil)
	msg := d.Receive(signedDiscordRequest(priv, discordCommand))
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.Text != "what is go?" || msg.ThreadID != "dc:chan-1" {
		t.Errorf("msg = %+v", msg)
	}
	want := domain.Metadata{
		"interaction_id":    "int-1",
		"interaction_token": "int-token",
		"application_id":    "app-1",
		"channel_id":        "chan-1",
	}
	for k, v := range want {
		if msg.Metadata[k] != v {
			t.Errorf("metadata[%s] = %v, want %v", k, msg.Metadata[k], v)
		}
	}
}

func TestDiscord_GroupPolicyUsesGuild(t *testing.T) {
	d, priv := newTestDiscord(t, &domain.Policies{Group: domain.PolicyAllowlist, GroupAllowFrom: []string{"someone-else"}})
	if msg := d.Receive(signedDiscordRequest(priv, discordCommand)); msg != nil {
		t.Errorf("guild command from unlisted user should be denied, got %+v", msg)
	}
}

func TestNewDiscord_InvalidKey(t *testing.T) {
	_, err := NewDiscord(DiscordConfig{Base: testBase(domain.ChannelConfig{
		ID: "dc", Type: domain.ChannelDiscord,
		Credentials: map[string]string{DiscordBotToken: "t", DiscordPublicKey: "not-hex"},
	})})
	if err == nil {
		t.Error("expected an error for a malformed public key")
	}
}

func TestInteractionFrom_MissingMetadata(t *testing.T) {
	d, _ := newTestDiscord(t, nil)
	err := d.SendResponse(context.Background(), "dc:chan-1", "hi", domain.Metadata{"channel_id": "chan-1"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}
