package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kvlt/pail/internal/config"
	"github.com/kvlt/pail/internal/logger"
	"go.uber.org/zap"
)

// Reconcile makes the database's sources and output_channels tables
// match cfg: existing rows are upserted by their natural key (source
// name, channel slug), new rows are inserted with a fresh uuid, and
// rows no longer present in cfg are hard-deleted — cascading to their
// content items, articles and junction rows (spec §4.8 "reconciliation
// is destructive for removed entries, by design: config is the single
// source of truth for what should exist").
func (s *Store) Reconcile(ctx context.Context, cfg *config.Config) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reconcile: %w", err)
	}
	defer tx.Rollback()

	sourceIDs := make(map[string]uuid.UUID, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		id, err := upsertSource(ctx, tx, sc)
		if err != nil {
			return fmt.Errorf("source %q: %w", sc.Name, err)
		}
		sourceIDs[sc.Name] = id
	}
	if err := deleteOrphanSources(ctx, tx, sourceIDs); err != nil {
		return err
	}

	channelSlugs := make(map[string]bool, len(cfg.Channels))
	for _, cc := range cfg.Channels {
		if err := upsertChannel(ctx, tx, cc, sourceIDs); err != nil {
			return fmt.Errorf("output_channel %q: %w", cc.Name, err)
		}
		channelSlugs[cc.Slug] = true
	}
	if err := deleteOrphanChannels(ctx, tx, channelSlugs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reconcile: %w", err)
	}
	logger.Info("configuration reconciled",
		zap.Int("sources", len(sourceIDs)), zap.Int("channels", len(channelSlugs)))
	return nil
}

func upsertSource(ctx context.Context, tx *sql.Tx, sc config.SourceConfig) (uuid.UUID, error) {
	var existing string
	err := tx.QueryRowContext(ctx, `SELECT id FROM sources WHERE name = ?`, sc.Name).Scan(&existing)
	var id uuid.UUID
	switch {
	case err == sql.ErrNoRows:
		id = uuid.New()
	case err != nil:
		return uuid.Nil, err
	default:
		id, err = uuid.Parse(existing)
		if err != nil {
			return uuid.Nil, err
		}
	}

	pollInterval, _ := config.ParseDuration(sc.PollInterval)
	excludeJSON, _ := json.Marshal(sc.Exclude)

	var authKind, authUser, authPass, authToken, authHeaderName, authHeaderValue string
	if sc.Auth != nil {
		authKind = sc.Auth.Variant
		authUser = sc.Auth.Username
		authPass = sc.Auth.Password
		authToken = sc.Auth.Token
		authHeaderName = sc.Auth.HeaderName
		authHeaderValue = sc.Auth.HeaderValue
	}

	enabled := sc.Enabled == nil || *sc.Enabled

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sources (id, type, name, enabled, url, poll_interval_seconds, max_items,
			auth_kind, auth_username, auth_password, auth_token, auth_header_name, auth_header_value,
			tg_id, tg_username, tg_folder_name, exclude_json, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type, enabled = excluded.enabled, url = excluded.url,
			poll_interval_seconds = excluded.poll_interval_seconds, max_items = excluded.max_items,
			auth_kind = excluded.auth_kind, auth_username = excluded.auth_username,
			auth_password = excluded.auth_password, auth_token = excluded.auth_token,
			auth_header_name = excluded.auth_header_name, auth_header_value = excluded.auth_header_value,
			tg_id = excluded.tg_id, tg_username = excluded.tg_username,
			tg_folder_name = excluded.tg_folder_name, exclude_json = excluded.exclude_json,
			description = excluded.description
	`, id.String(), sc.Type, sc.Name, enabled, sc.URL, int64(pollInterval.Seconds()), sc.MaxItems,
		authKind, authUser, authPass, authToken, authHeaderName, authHeaderValue,
		sc.TGID, sc.TGUsername, sc.TGFolderName, string(excludeJSON), sc.Description)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func deleteOrphanSources(ctx context.Context, tx *sql.Tx, keep map[string]uuid.UUID) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, name FROM sources`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var toDelete []string
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return err
		}
		if _, ok := keep[name]; !ok {
			toDelete = append(toDelete, id)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range toDelete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id); err != nil {
			return err
		}
		logger.Warn("source removed from config, cascading delete", zap.String("source_id", id))
	}
	return nil
}

func upsertChannel(ctx context.Context, tx *sql.Tx, cc config.ChannelConfig, sourceIDs map[string]uuid.UUID) error {
	var existing string
	err := tx.QueryRowContext(ctx, `SELECT id FROM output_channels WHERE slug = ?`, cc.Slug).Scan(&existing)
	var id uuid.UUID
	switch {
	case err == sql.ErrNoRows:
		id = uuid.New()
	case err != nil:
		return err
	default:
		id, err = uuid.Parse(existing)
		if err != nil {
			return err
		}
	}

	var scheduleKind, scheduleRaw string
	if cc.Schedule != "" {
		scheduleRaw = cc.Schedule
		switch {
		case len(cc.Schedule) >= 3 && cc.Schedule[:3] == "at:":
			scheduleKind = "at"
		case len(cc.Schedule) >= 7 && cc.Schedule[:7] == "weekly:":
			scheduleKind = "weekly"
		case len(cc.Schedule) >= 5 && cc.Schedule[:5] == "cron:":
			scheduleKind = "cron"
		}
	}

	enabled := cc.Enabled == nil || *cc.Enabled

	_, err = tx.ExecContext(ctx, `
		INSERT INTO output_channels (id, name, slug, schedule_kind, schedule_raw, prompt, model,
			language, enabled, mark_tg_read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, schedule_kind = excluded.schedule_kind,
			schedule_raw = excluded.schedule_raw, prompt = excluded.prompt, model = excluded.model,
			language = excluded.language, enabled = excluded.enabled, mark_tg_read = excluded.mark_tg_read
	`, id.String(), cc.Name, cc.Slug, scheduleKind, scheduleRaw, cc.Prompt, cc.Model,
		cc.Language, enabled, cc.MarkTGRead)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM output_channel_sources WHERE output_channel_id = ?`, id.String()); err != nil {
		return err
	}
	for _, refName := range cc.Sources {
		srcID, ok := sourceIDs[refName]
		if !ok {
			return fmt.Errorf("source %q not found (should have been caught by validation)", refName)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO output_channel_sources (output_channel_id, source_id) VALUES (?, ?)`,
			id.String(), srcID.String()); err != nil {
			return err
		}
	}
	return nil
}

func deleteOrphanChannels(ctx context.Context, tx *sql.Tx, keep map[string]bool) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, slug FROM output_channels`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var toDelete []string
	for rows.Next() {
		var id, slug string
		if err := rows.Scan(&id, &slug); err != nil {
			return err
		}
		if !keep[slug] {
			toDelete = append(toDelete, id)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range toDelete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM output_channels WHERE id = ?`, id); err != nil {
			return err
		}
		logger.Warn("output channel removed from config, cascading delete", zap.String("channel_id", id))
	}
	return nil
}
