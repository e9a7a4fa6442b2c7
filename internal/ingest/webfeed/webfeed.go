// Package webfeed polls RSS/Atom/JSON feed sources on their configured
// interval and turns new or changed entries into content items (spec
// §4.2). Parsing is delegated to github.com/mmcdole/gofeed, which
// already normalizes all three wire formats into one item shape.
package webfeed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"github.com/kvlt/pail/internal/clock"
	"github.com/kvlt/pail/internal/domain"
	"github.com/kvlt/pail/internal/logger"
	"go.uber.org/zap"
)

const (
	wakeInterval = 60 * time.Second
	warmup       = 5 * time.Second
	pollFloor    = 5 * time.Minute

	// outboundRate caps how fast checkAll issues fetches across every
	// source combined, so a daemon restart with many sources
	// simultaneously due doesn't burst requests at every feed host at
	// once.
	outboundRate  = 2 // requests per second
	outboundBurst = 4
)

// Store is the narrow slice of persistence the poller needs.
type Store interface {
	Sources(ctx context.Context) ([]domain.Source, error)
	MarkSourceFetched(ctx context.Context, id uuid.UUID, at time.Time, etag, lastModified string) error
	UpsertContentItem(ctx context.Context, item domain.ContentItem) (bool, error)
}

// Poller periodically checks every enabled web-feed source and ingests
// new or changed entries.
type Poller struct {
	store      Store
	httpClient *http.Client
	parser     *gofeed.Parser
	limiter    *rate.Limiter
}

// New builds a Poller. client may be nil to use http.DefaultClient.
func New(store Store, client *http.Client) *Poller {
	if client == nil {
		client = http.DefaultClient
	}
	return &Poller{
		store:      store,
		httpClient: client,
		parser:     gofeed.NewParser(),
		limiter:    rate.NewLimiter(rate.Limit(outboundRate), outboundBurst),
	}
}

// Run blocks, waking every wakeInterval, until ctx is cancelled. It
// waits warmup before its first check so a daemon restart doesn't
// immediately hammer every feed at once.
func (p *Poller) Run(ctx context.Context) error {
	clock.SleepJitter(ctx, warmup, warmup+time.Second)

	ticker := time.NewTicker(wakeInterval)
	defer ticker.Stop()

	for {
		p.checkAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) checkAll(ctx context.Context) {
	sources, err := p.store.Sources(ctx)
	if err != nil {
		logger.Error("webfeed: failed to list sources", zap.Error(err))
		return
	}

	now := clock.Now()
	for _, src := range sources {
		if !src.Enabled || src.Type != domain.SourceWebFeed {
			continue
		}
		interval := src.PollInterval
		if interval < pollFloor {
			interval = pollFloor
		}
		// Eligibility is derived from the persisted last_fetched_at
		// (spec §4.2), not in-memory state, so cadence survives a
		// daemon restart instead of re-fetching everything at once.
		if src.LastFetchedAt != nil && now.Sub(*src.LastFetchedAt) < interval {
			continue
		}

		if err := p.pollOne(ctx, src); err != nil {
			logger.Warn("webfeed: poll failed", zap.String("source", src.Name), zap.Error(err))
		}
	}
}

// FetchNow polls src immediately, outside the regular wake schedule.
// Used by CLI-mode generation, which runs the ingesters inline instead
// of relying on a background poller (spec §4.5 step 3).
func (p *Poller) FetchNow(ctx context.Context, src domain.Source) error {
	return p.pollOne(ctx, src)
}

func (p *Poller) pollOne(ctx context.Context, src domain.Source) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if src.LastETag != "" {
		req.Header.Set("If-None-Match", src.LastETag)
	}
	if src.LastModifiedHeader != "" {
		req.Header.Set("If-Modified-Since", src.LastModifiedHeader)
	}
	if err := applyAuth(req, src.Auth); err != nil {
		return fmt.Errorf("apply auth: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	now := clock.Now()
	if resp.StatusCode == http.StatusNotModified {
		return p.store.MarkSourceFetched(ctx, src.ID, now, src.LastETag, src.LastModifiedHeader)
	}
	if resp.StatusCode != http.StatusOK {
		// last_fetched_at is still advanced on error, so a broken feed
		// backs off to the normal cadence instead of being re-hit on
		// every wake (spec §4.2/§7). Cache headers are left exactly as
		// they were; there's no successful response to read new ones
		// from.
		if markErr := p.store.MarkSourceFetched(ctx, src.ID, now, src.LastETag, src.LastModifiedHeader); markErr != nil {
			logger.Warn("webfeed: failed to advance last_fetched_at after error response", zap.String("source", src.Name), zap.Error(markErr))
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	feed, err := p.parser.Parse(resp.Body)
	if err != nil {
		return fmt.Errorf("parse feed: %w", err)
	}

	maxItems := int(src.MaxItems)
	kept := 0
	for _, item := range feed.Items {
		if maxItems > 0 && kept >= maxItems {
			break
		}
		ci := toContentItem(src, item, now)
		if ci.Title == "" && strings.TrimSpace(ci.Body) == "" {
			continue
		}
		if _, err := p.store.UpsertContentItem(ctx, ci); err != nil {
			return fmt.Errorf("upsert item %s: %w", ci.DedupKey, err)
		}
		kept++
	}

	return p.store.MarkSourceFetched(ctx, src.ID, now, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"))
}

func applyAuth(req *http.Request, auth *domain.AuthSpec) error {
	if auth == nil {
		return nil
	}
	switch auth.Kind {
	case domain.AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
	case domain.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case domain.AuthCustomHeader:
		req.Header.Set(auth.HeaderName, auth.HeaderValue)
	default:
		return fmt.Errorf("unknown auth kind %q", auth.Kind)
	}
	return nil
}

func toContentItem(src domain.Source, item *gofeed.Item, ingestedAt time.Time) domain.ContentItem {
	originalDate := ingestedAt
	if item.PublishedParsed != nil {
		originalDate = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		originalDate = *item.UpdatedParsed
	}

	author := ""
	if item.Author != nil {
		author = item.Author.Name
	}

	return domain.ContentItem{
		ID:           uuid.New(),
		SourceID:     src.ID,
		IngestedAt:   ingestedAt,
		OriginalDate: originalDate,
		ContentType:  domain.ContentLink,
		Title:        item.Title,
		Body:         htmlToText(firstNonEmpty(item.Content, item.Description)),
		URL:          item.Link,
		Author:       author,
		DedupKey:     dedupKey(item),
	}
}

// dedupKey prefers the feed's own GUID; when a feed omits one (some
// JSON feeds do), it falls back to a sha256 of link+title so the same
// logical entry still dedupes across polls.
func dedupKey(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	sum := sha256.Sum256([]byte(item.Link + "|" + item.Title))
	return hex.EncodeToString(sum[:])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// htmlToText strips markup down to plain text for feed entries whose
// content is HTML: render to markdown, then drop the markdown
// punctuation markdown-to-text would otherwise leave behind (links,
// emphasis markers, heading hashes).
func htmlToText(html string) string {
	if !strings.Contains(html, "<") {
		return strings.TrimSpace(html)
	}
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return strings.TrimSpace(html)
	}
	return strings.TrimSpace(stripMarkdownPunctuation(md))
}

var markdownPunctuation = strings.NewReplacer(
	"**", "", "__", "", "*", "", "_", "", "#", "", "`", "",
)

func stripMarkdownPunctuation(md string) string {
	return markdownPunctuation.Replace(md)
}
