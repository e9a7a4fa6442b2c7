package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kvlt/pail/internal/domain"
)

// Sources returns every configured source, enabled or not.
func (s *Store) Sources(ctx context.Context) ([]domain.Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, name, enabled, url, poll_interval_seconds, max_items,
			auth_kind, auth_username, auth_password, auth_token, auth_header_name, auth_header_value,
			tg_id, tg_username, tg_folder_name, tg_folder_id, exclude_json,
			last_fetched_at, last_etag, last_modified_header, description
		FROM sources
	`)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var out []domain.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func scanSource(rows *sql.Rows) (domain.Source, error) {
	var (
		src                                   domain.Source
		id                                     string
		srcType                                string
		pollIntervalSeconds                    int64
		authKind, authUser, authPass           string
		authToken, authHeaderName, authHeader  string
		excludeJSON                            string
		lastFetchedAt                          *string
	)
	if err := rows.Scan(&id, &srcType, &src.Name, &src.Enabled, &src.URL, &pollIntervalSeconds,
		&src.MaxItems, &authKind, &authUser, &authPass, &authToken, &authHeaderName, &authHeader,
		&src.TGID, &src.TGUsername, &src.TGFolderName, &src.TGFolderID, &excludeJSON,
		&lastFetchedAt, &src.LastETag, &src.LastModifiedHeader, &src.Description); err != nil {
		return src, fmt.Errorf("scan source: %w", err)
	}

	var err error
	if src.ID, err = uuid.Parse(id); err != nil {
		return src, err
	}
	src.Type = domain.SourceType(srcType)
	src.PollInterval = time.Duration(pollIntervalSeconds) * time.Second

	if authKind != "" {
		src.Auth = &domain.AuthSpec{
			Kind: domain.AuthKind(authKind), Username: authUser, Password: authPass,
			Token: authToken, HeaderName: authHeaderName, HeaderValue: authHeader,
		}
	}
	if excludeJSON != "" {
		if err := json.Unmarshal([]byte(excludeJSON), &src.Exclude); err != nil {
			return src, fmt.Errorf("unmarshal exclude list: %w", err)
		}
	}
	if lastFetchedAt != nil {
		t, err := time.Parse(time.RFC3339, *lastFetchedAt)
		if err != nil {
			return src, fmt.Errorf("parse last_fetched_at: %w", err)
		}
		src.LastFetchedAt = &t
	}
	return src, nil
}

// MarkSourceFetched records a web-feed poller's cycle result (spec
// §4.2 conditional GET).
func (s *Store) MarkSourceFetched(ctx context.Context, id uuid.UUID, at time.Time, etag, lastModified string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sources SET last_fetched_at = ?, last_etag = ?, last_modified_header = ? WHERE id = ?
	`, at.UTC().Format(time.RFC3339), etag, lastModified, id.String())
	if err != nil {
		return fmt.Errorf("mark source fetched: %w", err)
	}
	return nil
}

// OutputChannels returns every configured output channel, enabled or
// not, with its source membership resolved.
func (s *Store) OutputChannels(ctx context.Context) ([]domain.OutputChannel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, slug, schedule_kind, schedule_raw, prompt, model, language, enabled,
			last_generated, mark_tg_read
		FROM output_channels
	`)
	if err != nil {
		return nil, fmt.Errorf("query output channels: %w", err)
	}
	defer rows.Close()

	var out []domain.OutputChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		srcRows, err := s.db.QueryContext(ctx,
			`SELECT source_id FROM output_channel_sources WHERE output_channel_id = ?`, out[i].ID.String())
		if err != nil {
			return nil, fmt.Errorf("query channel sources: %w", err)
		}
		for srcRows.Next() {
			var sid string
			if err := srcRows.Scan(&sid); err != nil {
				srcRows.Close()
				return nil, err
			}
			id, err := uuid.Parse(sid)
			if err != nil {
				srcRows.Close()
				return nil, err
			}
			out[i].SourceIDs = append(out[i].SourceIDs, id)
		}
		srcRows.Close()
		if err := srcRows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanChannel(rows *sql.Rows) (domain.OutputChannel, error) {
	var (
		ch                          domain.OutputChannel
		id                          string
		scheduleKind, scheduleRaw   string
		lastGenerated               *string
	)
	if err := rows.Scan(&id, &ch.Name, &ch.Slug, &scheduleKind, &scheduleRaw, &ch.Prompt, &ch.Model,
		&ch.Language, &ch.Enabled, &lastGenerated, &ch.MarkTGRead); err != nil {
		return ch, fmt.Errorf("scan output channel: %w", err)
	}
	var err error
	if ch.ID, err = uuid.Parse(id); err != nil {
		return ch, err
	}
	if scheduleRaw != "" {
		spec, err := parseScheduleRaw(domain.ScheduleKind(scheduleKind), scheduleRaw)
		if err != nil {
			return ch, err
		}
		ch.Schedule = spec
	}
	if lastGenerated != nil {
		t, err := time.Parse(time.RFC3339, *lastGenerated)
		if err != nil {
			return ch, fmt.Errorf("parse last_generated: %w", err)
		}
		ch.LastGenerated = &t
	}
	return ch, nil
}

// parseScheduleRaw builds the ScheduleSpec shape from a persisted
// kind+raw pair. Full grammar validation already happened at config
// load (internal/config.ValidateScheduleGrammar); this only needs to
// split the string back into fields.
func parseScheduleRaw(kind domain.ScheduleKind, raw string) (*domain.ScheduleSpec, error) {
	spec := &domain.ScheduleSpec{Kind: kind, Raw: raw}
	switch kind {
	case domain.ScheduleCron:
		spec.CronExpr = raw[len("cron:"):]
	}
	// "at:" and "weekly:" are parsed lazily by the scheduler from Raw,
	// which needs the configured timezone that isn't available here.
	return spec, nil
}

// MarkChannelGenerated advances a channel's last_generated watermark
// outside of SaveArticle's transaction — used when a generation run
// produces no article (e.g. an empty window) but should still not be
// retried on the next tick.
func (s *Store) MarkChannelGenerated(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE output_channels SET last_generated = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id.String())
	if err != nil {
		return fmt.Errorf("mark channel generated: %w", err)
	}
	return nil
}

// FolderChannels returns the resolved membership of a chat-folder
// source.
func (s *Store) FolderChannels(ctx context.Context, folderSourceID uuid.UUID) ([]domain.FolderChannel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT folder_source_id, channel_tg_id, name, username, enabled FROM folder_channels WHERE folder_source_id = ?`,
		folderSourceID.String())
	if err != nil {
		return nil, fmt.Errorf("query folder channels: %w", err)
	}
	defer rows.Close()

	var out []domain.FolderChannel
	for rows.Next() {
		var fc domain.FolderChannel
		var fsid string
		if err := rows.Scan(&fsid, &fc.ChannelTGID, &fc.Name, &fc.Username, &fc.Enabled); err != nil {
			return nil, fmt.Errorf("scan folder channel: %w", err)
		}
		if fc.FolderSourceID, err = uuid.Parse(fsid); err != nil {
			return nil, err
		}
		out = append(out, fc)
	}
	return out, rows.Err()
}

// ReplaceFolderChannels atomically rewrites the membership list for a
// chat-folder source (spec §4.3 "folder mutation triggers a full
// re-resolve and replace, not an incremental diff").
func (s *Store) ReplaceFolderChannels(ctx context.Context, folderSourceID uuid.UUID, members []domain.FolderChannel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace folder channels: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM folder_channels WHERE folder_source_id = ?`, folderSourceID.String()); err != nil {
		return fmt.Errorf("clear folder channels: %w", err)
	}
	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO folder_channels (folder_source_id, channel_tg_id, name, username, enabled)
			VALUES (?, ?, ?, ?, ?)
		`, folderSourceID.String(), m.ChannelTGID, m.Name, m.Username, m.Enabled); err != nil {
			return fmt.Errorf("insert folder channel: %w", err)
		}
	}
	return tx.Commit()
}
