package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chatgate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "chatgate.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunMigrations_Idempotent(t *testing.T) {
	s := testStore(t)
	if err := RunMigrations(s.db, testLogger()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	v, err := GetSchemaVersion(s.db)
	if err != nil {
		t.Fatal(err)
	}
	if v != schemaVersion {
		t.Errorf("schema version = %d, want %d", v, schemaVersion)
	}
}

func TestPairingCode_SaveReplaceDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	got, err := s.PairingCode(ctx, "tg")
	if err != nil || got != nil {
		t.Fatalf("empty store: got %v, %v", got, err)
	}

	exp := time.Now().Add(15 * time.Minute).Truncate(time.Millisecond)
	if err := s.SavePairingCode(ctx, domain.PairingCode{Code: "AAAAAA", ChannelID: "tg", ExpiresAt: exp}); err != nil {
		t.Fatal(err)
	}
	if err := s.SavePairingCode(ctx, domain.PairingCode{Code: "BBBBBB", ChannelID: "tg", ExpiresAt: exp}); err != nil {
		t.Fatal(err)
	}

	got, err = s.PairingCode(ctx, "tg")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Code != "BBBBBB" || !got.ExpiresAt.Equal(exp) {
		t.Fatalf("got %+v", got)
	}

	if err := s.DeletePairingCode(ctx, "tg"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.PairingCode(ctx, "tg"); got != nil {
		t.Errorf("code should be gone, got %+v", got)
	}
}

func TestDeleteExpiredPairingCodes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	s.SavePairingCode(ctx, domain.PairingCode{Code: "OLD111", ChannelID: "a", ExpiresAt: now.Add(-time.Minute)})
	s.SavePairingCode(ctx, domain.PairingCode{Code: "NEW111", ChannelID: "b", ExpiresAt: now.Add(time.Minute)})

	n, err := s.DeleteExpiredPairingCodes(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if got, _ := s.PairingCode(ctx, "b"); got == nil {
		t.Error("live code should survive the sweep")
	}
}

func TestAllowlist_Dedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"u1", "u2", "u1"} {
		if err := s.AddToAllowlist(ctx, "slack", id); err != nil {
			t.Fatal(err)
		}
	}
	list, err := s.Allowlist(ctx, "slack")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("allowlist = %v, want 2 distinct senders", list)
	}
	other, _ := s.Allowlist(ctx, "discord")
	if len(other) != 0 {
		t.Errorf("allowlists must be per channel, got %v", other)
	}
}

func TestAPIKeys(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key, rec, err := s.CreateAPIKey(ctx, "ops")
	if err != nil {
		t.Fatal(err)
	}
	if len(key) <= len(apiKeyPrefix) || rec.Name != "ops" {
		t.Fatalf("key=%q rec=%+v", key, rec)
	}

	got, err := s.VerifyAPIKey(ctx, key)
	if err != nil || got == nil || got.ID != rec.ID {
		t.Fatalf("verify valid key: %+v, %v", got, err)
	}

	if got, err := s.VerifyAPIKey(ctx, "cgk_nope"); err != nil || got != nil {
		t.Errorf("unknown key: %+v, %v", got, err)
	}
	if got, err := s.VerifyAPIKey(ctx, ""); err != nil || got != nil {
		t.Errorf("empty key: %+v, %v", got, err)
	}

	if err := s.RevokeAPIKey(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.VerifyAPIKey(ctx, key); got != nil {
		t.Error("revoked key must not verify")
	}
	keys, _ := s.ListAPIKeys(ctx)
	if len(keys) != 0 {
		t.Errorf("list after revoke = %v", keys)
	}
}

func TestRecordChannelMessage(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.RecordChannelMessage(ctx, "tg", domain.DirectionInbound)
	s.RecordChannelMessage(ctx, "tg", domain.DirectionInbound)
	s.RecordChannelMessage(ctx, "tg", domain.DirectionOutbound)

	in, out, err := s.MessageCounts(ctx, "tg")
	if err != nil {
		t.Fatal(err)
	}
	if in != 2 || out != 1 {
		t.Errorf("counts = %d/%d, want 2/1", in, out)
	}
}
