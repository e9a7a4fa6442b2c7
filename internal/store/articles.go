package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kvlt/pail/internal/domain"
)

// SaveArticle persists a newly generated article and advances the
// owning channel's last_generated watermark in the same transaction.
func (s *Store) SaveArticle(ctx context.Context, a domain.GeneratedArticle) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	topicsJSON, err := json.Marshal(a.Topics)
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}
	itemIDs := make([]string, len(a.ContentItemIDs))
	for i, id := range a.ContentItemIDs {
		itemIDs[i] = id.String()
	}
	itemIDsJSON, err := json.Marshal(itemIDs)
	if err != nil {
		return fmt.Errorf("marshal content item ids: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save article: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO generated_articles (id, output_channel_id, generated_at, covers_from, covers_to,
			title, topics_json, body_html, body_markdown, content_item_ids_json, generation_log,
			model_used, token_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID.String(), a.OutputChannelID.String(), a.GeneratedAt.UTC().Format(time.RFC3339),
		a.CoversFrom.UTC().Format(time.RFC3339), a.CoversTo.UTC().Format(time.RFC3339),
		a.Title, string(topicsJSON), a.BodyHTML, a.BodyMarkdown, string(itemIDsJSON),
		a.GenerationLog, a.ModelUsed, a.TokenCount)
	if err != nil {
		return fmt.Errorf("insert article: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE output_channels SET last_generated = ? WHERE id = ?`,
		a.GeneratedAt.UTC().Format(time.RFC3339), a.OutputChannelID.String())
	if err != nil {
		return fmt.Errorf("update channel watermark: %w", err)
	}

	return tx.Commit()
}

// ArticlesForChannel returns the most recent articles for a channel
// (newest first), bounded by limit.
func (s *Store) ArticlesForChannel(ctx context.Context, channelID uuid.UUID, limit int) ([]domain.GeneratedArticle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, output_channel_id, generated_at, covers_from, covers_to, title, topics_json,
			body_html, body_markdown, content_item_ids_json, generation_log, model_used, token_count
		FROM generated_articles WHERE output_channel_id = ? ORDER BY generated_at DESC LIMIT ?
	`, channelID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer rows.Close()

	var out []domain.GeneratedArticle
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Article fetches a single article by id.
func (s *Store) Article(ctx context.Context, id uuid.UUID) (domain.GeneratedArticle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, output_channel_id, generated_at, covers_from, covers_to, title, topics_json,
			body_html, body_markdown, content_item_ids_json, generation_log, model_used, token_count
		FROM generated_articles WHERE id = ?
	`, id.String())
	if err != nil {
		return domain.GeneratedArticle{}, fmt.Errorf("query article: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return domain.GeneratedArticle{}, fmt.Errorf("article %s not found", id)
	}
	return scanArticle(rows)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanArticle(row scannable) (domain.GeneratedArticle, error) {
	var (
		a                                    domain.GeneratedArticle
		id, channelID                        string
		generatedAt, coversFrom, coversTo     string
		topicsJSON, itemIDsJSON              string
	)
	if err := row.Scan(&id, &channelID, &generatedAt, &coversFrom, &coversTo, &a.Title,
		&topicsJSON, &a.BodyHTML, &a.BodyMarkdown, &itemIDsJSON, &a.GenerationLog,
		&a.ModelUsed, &a.TokenCount); err != nil {
		return a, fmt.Errorf("scan article: %w", err)
	}
	var err error
	if a.ID, err = uuid.Parse(id); err != nil {
		return a, err
	}
	if a.OutputChannelID, err = uuid.Parse(channelID); err != nil {
		return a, err
	}
	if a.GeneratedAt, err = time.Parse(time.RFC3339, generatedAt); err != nil {
		return a, err
	}
	if a.CoversFrom, err = time.Parse(time.RFC3339, coversFrom); err != nil {
		return a, err
	}
	if a.CoversTo, err = time.Parse(time.RFC3339, coversTo); err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(topicsJSON), &a.Topics); err != nil {
		return a, err
	}
	var itemIDs []string
	if err := json.Unmarshal([]byte(itemIDsJSON), &itemIDs); err != nil {
		return a, err
	}
	a.ContentItemIDs = make([]uuid.UUID, len(itemIDs))
	for i, s := range itemIDs {
		if a.ContentItemIDs[i], err = uuid.Parse(s); err != nil {
			return a, err
		}
	}
	return a, nil
}
