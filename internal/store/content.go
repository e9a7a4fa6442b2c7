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

// UpsertContentItem inserts item, or — if a row with the same
// (source_id, dedup_key) already exists — updates its mutable fields
// and flags upstream_changed (spec §4.2/§4.3 "an item reappearing with
// the same dedup key but different content is an edit, not a new
// item"). Returns whether the row was newly inserted.
func (s *Store) UpsertContentItem(ctx context.Context, item domain.ContentItem) (inserted bool, err error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	metaJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}

	var preexisting bool
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM content_items WHERE source_id = ? AND dedup_key = ?`,
		item.SourceID.String(), item.DedupKey).Scan(new(int))
	switch {
	case err == sql.ErrNoRows:
		preexisting = false
	case err != nil:
		return false, fmt.Errorf("check existing content item: %w", err)
	default:
		preexisting = true
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO content_items (id, source_id, ingested_at, original_date, content_type,
			title, body, url, author, metadata_json, dedup_key, upstream_changed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(source_id, dedup_key) DO UPDATE SET
			title = excluded.title, body = excluded.body, url = excluded.url,
			author = excluded.author, metadata_json = excluded.metadata_json,
			upstream_changed = CASE
				WHEN content_items.title != excluded.title OR content_items.body != excluded.body
				THEN 1 ELSE content_items.upstream_changed END
	`, item.ID.String(), item.SourceID.String(), item.IngestedAt.UTC().Format(time.RFC3339),
		item.OriginalDate.UTC().Format(time.RFC3339), string(item.ContentType),
		item.Title, item.Body, item.URL, item.Author, string(metaJSON), item.DedupKey)
	if err != nil {
		return false, fmt.Errorf("upsert content item: %w", err)
	}
	return !preexisting, nil
}

// ContentItemsInWindow returns every content item whose original_date
// falls in [from, to) for the given source IDs, ordered oldest first.
func (s *Store) ContentItemsInWindow(ctx context.Context, sourceIDs []uuid.UUID, from, to time.Time) ([]domain.ContentItem, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]any, 0, len(sourceIDs)+2)
	q := `SELECT id, source_id, ingested_at, original_date, content_type, title, body, url,
		author, metadata_json, dedup_key, upstream_changed FROM content_items
		WHERE original_date >= ? AND original_date < ? AND source_id IN (`
	placeholders = append(placeholders, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	for i, id := range sourceIDs {
		if i > 0 {
			q += ","
		}
		q += "?"
		placeholders = append(placeholders, id.String())
	}
	q += ") ORDER BY original_date ASC"

	rows, err := s.db.QueryContext(ctx, q, placeholders...)
	if err != nil {
		return nil, fmt.Errorf("query content items: %w", err)
	}
	defer rows.Close()

	var out []domain.ContentItem
	for rows.Next() {
		item, err := scanContentItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// DeleteContentItemsBefore removes every content item ingested before
// cutoff, returning the number of rows removed (spec §4.4).
func (s *Store) DeleteContentItemsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM content_items WHERE ingested_at < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("delete expired content items: %w", err)
	}
	return res.RowsAffected()
}

func scanContentItem(rows *sql.Rows) (domain.ContentItem, error) {
	var (
		item                        domain.ContentItem
		id, sourceID                string
		ingestedAt, originalDate    string
		contentType                 string
		metaJSON                   string
		upstreamChanged             bool
	)
	if err := rows.Scan(&id, &sourceID, &ingestedAt, &originalDate, &contentType,
		&item.Title, &item.Body, &item.URL, &item.Author, &metaJSON, &item.DedupKey, &upstreamChanged); err != nil {
		return item, fmt.Errorf("scan content item: %w", err)
	}
	var err error
	if item.ID, err = uuid.Parse(id); err != nil {
		return item, err
	}
	if item.SourceID, err = uuid.Parse(sourceID); err != nil {
		return item, err
	}
	if item.IngestedAt, err = time.Parse(time.RFC3339, ingestedAt); err != nil {
		return item, err
	}
	if item.OriginalDate, err = time.Parse(time.RFC3339, originalDate); err != nil {
		return item, err
	}
	item.ContentType = domain.ContentType(contentType)
	item.UpstreamChanged = upstreamChanged
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &item.Metadata); err != nil {
			return item, err
		}
	}
	return item, nil
}
