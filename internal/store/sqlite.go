// Package store persists pairing codes, channel allowlists, gateway API keys
// and channel message accounting in SQLite.
package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chatgate/internal/domain"

	_ "modernc.org/sqlite"
)

// apiKeyPrefix marks gateway credentials issued by this store.
const apiKeyPrefix = "cgk_"

// SQLiteStore implements domain.PairingStore, domain.KeyVerifier and
// domain.MessageRecorder.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ domain.PairingStore    = (*SQLiteStore)(nil)
	_ domain.KeyVerifier     = (*SQLiteStore)(nil)
	_ domain.MessageRecorder = (*SQLiteStore)(nil)
)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// --- pairing codes ---

func (s *SQLiteStore) SavePairingCode(ctx context.Context, pc domain.PairingCode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pairing_codes (channel_id, code, expires_at) VALUES (?, ?, ?)`,
		pc.ChannelID, pc.Code, pc.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save pairing code: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PairingCode(ctx context.Context, channelID string) (*domain.PairingCode, error) {
	var (
		pc      = domain.PairingCode{ChannelID: channelID}
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT code, expires_at FROM pairing_codes WHERE channel_id = ?`, channelID,
	).Scan(&pc.Code, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pairing code: %w", err)
	}
	pc.ExpiresAt = time.UnixMilli(expires)
	return &pc, nil
}

func (s *SQLiteStore) DeletePairingCode(ctx context.Context, channelID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pairing_codes WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("delete pairing code: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteExpiredPairingCodes(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pairing_codes WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired pairing codes: %w", err)
	}
	return res.RowsAffected()
}

// --- allowlist ---

func (s *SQLiteStore) AddToAllowlist(ctx context.Context, channelID, senderID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO channel_allowlist (channel_id, sender_id, added_at) VALUES (?, ?, ?)`,
		channelID, senderID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("add to allowlist: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Allowlist(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id FROM channel_allowlist WHERE channel_id = ? ORDER BY added_at, sender_id`, channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("query allowlist: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- api keys ---

// CreateAPIKey issues a new gateway credential. The plaintext key is returned
// once; only its hash is stored.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, name string) (string, *domain.APIKey, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	key := apiKeyPrefix + hex.EncodeToString(buf)
	now := time.Now()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (name, key_hash, created_at) VALUES (?, ?, ?)`,
		name, hashKey(key), now.UnixMilli(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("insert api key: %w", err)
	}
	id, _ := res.LastInsertId()
	return key, &domain.APIKey{ID: id, Name: name, CreatedAt: time.UnixMilli(now.UnixMilli())}, nil
}

func (s *SQLiteStore) VerifyAPIKey(ctx context.Context, key string) (*domain.APIKey, error) {
	if key == "" {
		return nil, nil
	}
	var (
		k       domain.APIKey
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM api_keys WHERE key_hash = ? AND revoked = 0`, hashKey(key),
	).Scan(&k.ID, &k.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("verify api key: %w", err)
	}
	k.CreatedAt = time.UnixMilli(created)
	return &k, nil
}

// RevokeAPIKey disables a key by id.
func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("api key %d not found", id)
	}
	return nil
}

// ListAPIKeys returns active keys, oldest first.
func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM api_keys WHERE revoked = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.APIKey
	for rows.Next() {
		var (
			k       domain.APIKey
			created int64
		)
		if err := rows.Scan(&k.ID, &k.Name, &created); err != nil {
			return nil, err
		}
		k.CreatedAt = time.UnixMilli(created)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// --- message accounting ---

func (s *SQLiteStore) RecordChannelMessage(ctx context.Context, channelID string, dir domain.Direction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_messages (channel_id, direction, created_at) VALUES (?, ?, ?)`,
		channelID, string(dir), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record channel message: %w", err)
	}
	return nil
}

// MessageCounts returns inbound and outbound totals for a channel.
func (s *SQLiteStore) MessageCounts(ctx context.Context, channelID string) (inbound, outbound int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN direction = 'inbound' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN direction = 'outbound' THEN 1 ELSE 0 END), 0)
		 FROM channel_messages WHERE channel_id = ?`, channelID,
	).Scan(&inbound, &outbound)
	if err != nil {
		return 0, 0, fmt.Errorf("count channel messages: %w", err)
	}
	return inbound, outbound, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
