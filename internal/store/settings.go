package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
)

// Setting reads a single key from the settings table. The bool result
// is false if the key has never been set.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("read setting %q: %w", key, err)
	default:
		return value, true, nil
	}
}

// SetSetting upserts a single key/value pair.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// Settings keys pail reads and writes on its own. Chosen names are
// stable across releases; see SPEC_FULL.md's feed-token bootstrap rule.
const (
	SettingFeedToken  = "feed_token"
	settingRawSession = "tg_raw_session"
)

// RawSession returns the previously stored opaque MTProto session blob,
// if any.
func (s *Store) RawSession(ctx context.Context) ([]byte, bool, error) {
	encoded, ok, err := s.Setting(ctx, settingRawSession)
	if err != nil || !ok {
		return nil, ok, err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("decode raw session: %w", err)
	}
	return data, true, nil
}

// SetRawSession persists the transport's opaque MTProto session blob.
func (s *Store) SetRawSession(ctx context.Context, data []byte) error {
	return s.SetSetting(ctx, settingRawSession, base64.StdEncoding.EncodeToString(data))
}
