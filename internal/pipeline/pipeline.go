// Package pipeline turns a window of ContentItems into a published
// GeneratedArticle for one output channel (spec §4.5): it resolves the
// covering time window, optionally fetches fresh content, materializes
// a workspace directory, shells out to the configured generative
// binary (subprocess.go), parses its output, and persists the result.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"gopkg.in/yaml.v3"

	"github.com/kvlt/pail/internal/chatclient"
	"github.com/kvlt/pail/internal/clock"
	"github.com/kvlt/pail/internal/config"
	"github.com/kvlt/pail/internal/domain"
	"github.com/kvlt/pail/internal/logger"
	"go.uber.org/zap"
)

const backoff = 30 * time.Second

// Store is the narrow slice of persistence the pipeline needs.
type Store interface {
	Sources(ctx context.Context) ([]domain.Source, error)
	OutputChannels(ctx context.Context) ([]domain.OutputChannel, error)
	ContentItemsInWindow(ctx context.Context, sourceIDs []uuid.UUID, from, to time.Time) ([]domain.ContentItem, error)
	FolderChannels(ctx context.Context, folderSourceID uuid.UUID) ([]domain.FolderChannel, error)
	SaveArticle(ctx context.Context, a domain.GeneratedArticle) error
	MarkChannelGenerated(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkSourceFetched(ctx context.Context, id uuid.UUID, at time.Time, etag, lastModified string) error
	UpsertContentItem(ctx context.Context, item domain.ContentItem) (bool, error)
}

// Fetcher refreshes a single web-feed source immediately, outside its
// regular poll schedule (webfeed.Poller.FetchNow in daemon builds).
type Fetcher interface {
	FetchNow(ctx context.Context, src domain.Source) error
}

// Window is an explicit or relative time-window override supplied by
// the CLI; the zero value means "use the default precedence".
type Window struct {
	From, To time.Time
	Since    time.Duration // used when From/To are zero
}

func (w Window) isExplicit() bool { return !w.From.IsZero() && !w.To.IsZero() }
func (w Window) isRelative() bool { return !w.isExplicit() && w.Since > 0 }

// Request bundles one generation run's inputs (spec §4.5 "Inputs").
type Request struct {
	ChannelSlug  string
	Window       Window
	FetchContent bool // CLI mode only
	Transport    chatclient.Transport
}

// Outcome reports what a run did, for CLI/daemon callers to log.
type Outcome struct {
	Status  string // "generated", "skipped", "failed"
	Article *domain.GeneratedArticle
	Reason  string
}

// Pipeline runs the generation flow for one channel at a time.
type Pipeline struct {
	store   Store
	cfg     *config.Config
	fetcher Fetcher
}

// New builds a Pipeline. fetcher may be nil when content fetching is
// never requested (e.g. a daemon build without CLI support compiled in).
func New(store Store, cfg *config.Config, fetcher Fetcher) *Pipeline {
	return &Pipeline{store: store, cfg: cfg, fetcher: fetcher}
}

// Run executes one generation attempt for req.ChannelSlug, retrying up
// to cfg.OpenCode.MaxRetries additional times on error with a 30s
// back-off that honors cancellation (spec §4.5 "Retries").
func (p *Pipeline) Run(ctx context.Context, req Request) (Outcome, error) {
	maxRetries := p.cfg.OpenCode.MaxRetries
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			logger.Warn("pipeline: retrying generation",
				zap.String("channel", req.ChannelSlug), zap.Int("attempt", attempt), zap.Error(lastErr))
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Outcome{Status: "failed", Reason: lastErr.Error()}, ctx.Err()
			case <-timer.C:
			}
		}
		out, err := p.attempt(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return Outcome{Status: "failed", Reason: lastErr.Error()}, lastErr
}

func (p *Pipeline) attempt(ctx context.Context, req Request) (Outcome, error) {
	// 1. Resolve the channel and its enabled source set.
	channels, err := p.store.OutputChannels(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("list output channels: %w", err)
	}
	var channel *domain.OutputChannel
	for i := range channels {
		if channels[i].Slug == req.ChannelSlug {
			channel = &channels[i]
			break
		}
	}
	if channel == nil {
		return Outcome{}, fmt.Errorf("output channel %q not found", req.ChannelSlug)
	}

	allSources, err := p.store.Sources(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("list sources: %w", err)
	}
	bySourceID := make(map[uuid.UUID]domain.Source, len(allSources))
	for _, s := range allSources {
		bySourceID[s.ID] = s
	}
	var sources []domain.Source
	for _, id := range channel.SourceIDs {
		if s, ok := bySourceID[id]; ok && s.Enabled {
			sources = append(sources, s)
		}
	}
	if len(sources) == 0 {
		return Outcome{Status: "skipped", Reason: "no enabled sources"}, nil
	}

	// 2. Time-window resolution.
	now := clock.Now()
	coversFrom, coversTo, override := resolveWindow(req.Window, channel.LastGenerated, now)

	// 3. Optional content fetch (CLI mode only).
	if req.FetchContent {
		p.fetchContent(ctx, sources, coversTo, req.Transport)
	}

	// 4. Query ContentItems in the window.
	sourceIDs := make([]uuid.UUID, len(sources))
	for i, s := range sources {
		sourceIDs[i] = s.ID
	}
	items, err := p.store.ContentItemsInWindow(ctx, sourceIDs, coversFrom, coversTo)
	if err != nil {
		return Outcome{}, fmt.Errorf("query content items: %w", err)
	}
	if len(items) == 0 {
		if !override {
			if err := p.store.MarkChannelGenerated(ctx, channel.ID, coversTo); err != nil {
				logger.Warn("pipeline: failed to advance watermark on empty window", zap.Error(err))
			}
		}
		return Outcome{Status: "skipped", Reason: "empty window"}, nil
	}

	// 5. Per-channel mapping for chat-folder sources.
	folderMembers := map[uuid.UUID][]domain.FolderChannel{}
	for _, s := range sources {
		if s.Type != domain.SourceChatFolder {
			continue
		}
		members, err := p.store.FolderChannels(ctx, s.ID)
		if err != nil {
			return Outcome{}, fmt.Errorf("load folder membership for %s: %w", s.Name, err)
		}
		folderMembers[s.ID] = members
	}

	// 6. Workspace materialization.
	workspace, cleanup, err := materializeWorkspace(channel, sources, items, folderMembers, coversFrom, coversTo, p.cfg)
	if err != nil {
		return Outcome{}, fmt.Errorf("materialize workspace: %w", err)
	}
	defer cleanup()

	// 7. Subprocess supervision.
	prompt, err := os.ReadFile(filepath.Join(workspace, "prompt.md"))
	if err != nil {
		return Outcome{}, fmt.Errorf("read prompt: %w", err)
	}
	model := channel.Model
	if model == "" {
		model = p.cfg.OpenCode.DefaultModel
	}
	timeout, err := config.ParseDuration(p.cfg.OpenCode.Timeout)
	if err != nil {
		return Outcome{}, fmt.Errorf("opencode.timeout: %w", err)
	}
	args := append([]string{"run", "--share", "--model", model}, p.cfg.OpenCode.ExtraArgs...)
	args = append(args, "--", string(prompt))

	result, runErr := RunSubprocess(ctx, p.cfg.OpenCode.Binary, args, workspace, timeout)
	var generationLog string
	switch {
	case runErr == nil:
		generationLog = result.Log
	default:
		var timeoutErr *ErrTimeout
		var cancelErr *ErrCancelled
		switch {
		case errors.As(runErr, &timeoutErr):
			return Outcome{}, fmt.Errorf("subprocess timed out: %w", runErr)
		case errors.As(runErr, &cancelErr):
			return Outcome{Status: "failed", Reason: "cancelled"}, runErr
		default:
			return Outcome{}, fmt.Errorf("subprocess failed: %w", runErr)
		}
	}
	if result.ExitCode != 0 {
		logger.Warn("pipeline: subprocess exited non-zero, attempting to parse output anyway",
			zap.String("channel", channel.Slug), zap.Int("exit_code", result.ExitCode))
	}

	// 8. Output parsing.
	article, err := parseOutput(workspace, generationLog, channel, coversFrom, coversTo, items, model)
	if err != nil {
		return Outcome{}, fmt.Errorf("parse output: %w", err)
	}

	// 9. Persist.
	if err := p.store.SaveArticle(ctx, article); err != nil {
		return Outcome{}, fmt.Errorf("save article: %w", err)
	}
	p.markReadIfEnabled(ctx, channel, items, req.Transport)

	// 10. Advance the watermark unless this was an override window.
	if !override {
		if err := p.store.MarkChannelGenerated(ctx, channel.ID, coversTo); err != nil {
			logger.Warn("pipeline: failed to advance watermark", zap.Error(err))
		}
	}

	return Outcome{Status: "generated", Article: &article}, nil
}

// resolveWindow implements spec §4.5 step 2's precedence order.
func resolveWindow(w Window, lastGenerated *time.Time, now time.Time) (from, to time.Time, override bool) {
	switch {
	case w.isExplicit():
		return w.From, w.To, true
	case w.isRelative():
		return now.Add(-w.Since), now, true
	case lastGenerated != nil:
		return *lastGenerated, now, false
	default:
		return now.AddDate(0, 0, -7), now, false
	}
}

func (p *Pipeline) fetchContent(ctx context.Context, sources []domain.Source, boundary time.Time, transport chatclient.Transport) {
	for _, src := range sources {
		switch src.Type {
		case domain.SourceWebFeed:
			if p.fetcher == nil {
				continue
			}
			if err := p.fetcher.FetchNow(ctx, src); err != nil {
				logger.Warn("pipeline: content fetch failed", zap.String("source", src.Name), zap.Error(err))
			}
		case domain.SourceChatChannel, domain.SourceChatGroup, domain.SourceChatFolder:
			if transport == nil || src.TGID == nil {
				continue
			}
			p.backfillChat(ctx, src, *src.TGID, boundary, transport)
		}
		clock.SleepJitter(ctx, 400*time.Millisecond, 600*time.Millisecond)
	}
}

// backfillChat walks chatID's history newest-first until a message
// older than boundary is seen, upserting each as it goes (spec §4.5
// step 3: "iterate historical messages newest-first until the time
// boundary is crossed").
func (p *Pipeline) backfillChat(ctx context.Context, src domain.Source, chatID int64, boundary time.Time, transport chatclient.Transport) {
	const page = 100
	messages, err := transport.History(ctx, chatID, page)
	if err != nil {
		logger.Warn("pipeline: chat history fetch failed", zap.String("source", src.Name), zap.Error(err))
		return
	}
	for _, msg := range messages {
		if msg.Date.Before(boundary) {
			return
		}
		item := domain.ContentItem{
			ID:           uuid.New(),
			SourceID:     src.ID,
			IngestedAt:   clock.Now(),
			OriginalDate: msg.Date,
			ContentType:  domain.ContentText,
			Body:         msg.Text,
			URL:          msg.URL,
			DedupKey:     fmt.Sprintf("tg:%d:%d", msg.ChatID, msg.MessageID),
		}
		if _, err := p.store.UpsertContentItem(ctx, item); err != nil {
			logger.Warn("pipeline: failed to upsert backfilled item", zap.Error(err))
		}
	}
}

func (p *Pipeline) markReadIfEnabled(ctx context.Context, channel *domain.OutputChannel, items []domain.ContentItem, transport chatclient.Transport) {
	if !channel.MarkTGRead || transport == nil {
		return
	}
	maxByChatID := map[int64]int{}
	for _, item := range items {
		chatID, ok := metadataInt64(item.Metadata, "chat_id")
		if !ok {
			continue
		}
		msgID, ok := metadataInt64(item.Metadata, "message_id")
		if !ok {
			continue
		}
		if int(msgID) > maxByChatID[chatID] {
			maxByChatID[chatID] = int(msgID)
		}
	}
	for chatID, maxID := range maxByChatID {
		if err := transport.MarkRead(ctx, chatID, maxID); err != nil {
			logger.Warn("pipeline: mark-read failed", zap.Int64("chat_id", chatID), zap.Error(err))
		}
	}
}

// metadataInt64 reads an integer-valued metadata field. Content items
// read back from the store have gone through json.Unmarshal into a
// map[string]any, so a number like chat_id always arrives as float64,
// never int64 — this accepts both so freshly-built items (still
// int64, e.g. in tests) and round-tripped ones work the same way.
func metadataInt64(meta map[string]any, key string) (int64, bool) {
	switch v := meta[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// manifest mirrors manifest.json's shape exactly (spec §4.5 step 6).
type manifestSource struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	ItemCount int    `json:"item_count"`
}

type manifest struct {
	Channel    string           `json:"channel"`
	Slug       string           `json:"slug"`
	CoversFrom string           `json:"covers_from"`
	CoversTo   string           `json:"covers_to"`
	Timezone   string           `json:"timezone"`
	Sources    []manifestSource `json:"sources"`
}

// materializeWorkspace writes manifest.json, prompt.md, sources/*.md,
// and an empty output.md into a fresh temp directory, returning a
// cleanup func that removes it (called even on error — spec §4.5 step
// 6: "a temporary directory deleted on scope exit").
func materializeWorkspace(
	channel *domain.OutputChannel,
	sources []domain.Source,
	items []domain.ContentItem,
	folderMembers map[uuid.UUID][]domain.FolderChannel,
	coversFrom, coversTo time.Time,
	cfg *config.Config,
) (dir string, cleanup func(), err error) {
	dir, err = os.MkdirTemp("", "pail-gen-*")
	if err != nil {
		return "", func() {}, fmt.Errorf("create workspace: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(dir) }

	if err := os.Mkdir(filepath.Join(dir, "sources"), 0o755); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("create sources dir: %w", err)
	}

	groups := groupItems(sources, items, folderMembers)

	man := manifest{
		Channel:    channel.Name,
		Slug:       channel.Slug,
		CoversFrom: coversFrom.UTC().Format(time.RFC3339),
		CoversTo:   coversTo.UTC().Format(time.RFC3339),
		Timezone:   cfg.Pail.Timezone,
	}
	slugger := newSlugger()
	for _, g := range groups {
		slug := slugger.next(g.name)
		man.Sources = append(man.Sources, manifestSource{Key: g.key, Name: g.name, Type: string(g.sourceType), ItemCount: len(g.items)})
		if err := writeSourceFile(filepath.Join(dir, "sources", slug+".md"), g); err != nil {
			cleanup()
			return "", func() {}, err
		}
	}
	sort.Slice(man.Sources, func(i, j int) bool { return man.Sources[i].Key < man.Sources[j].Key })

	manifestJSON, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifestJSON, 0o644); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("write manifest: %w", err)
	}

	promptBody := strings.ReplaceAll(cfg.OpenCode.SystemPrompt, "{editorial_directive}", channel.Prompt)
	if err := os.WriteFile(filepath.Join(dir, "prompt.md"), []byte(promptBody), 0o644); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("write prompt: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "output.md"), nil, 0o644); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("write output placeholder: %w", err)
	}

	return dir, cleanup, nil
}

// sourceGroup is one workspace source key's worth of items: a plain
// source, or one member channel of a resolved chat folder.
type sourceGroup struct {
	key        string
	name       string
	sourceType domain.SourceType
	items      []domain.ContentItem
}

// groupItems partitions items by source, splitting chat-folder sources
// further by member chat id so each folder member gets its own file
// (spec §4.5 step 5/6).
func groupItems(sources []domain.Source, items []domain.ContentItem, folderMembers map[uuid.UUID][]domain.FolderChannel) []sourceGroup {
	bySourceID := make(map[uuid.UUID]domain.Source, len(sources))
	for _, s := range sources {
		bySourceID[s.ID] = s
	}

	chatIDToMember := map[uuid.UUID]map[int64]domain.FolderChannel{}
	for sourceID, members := range folderMembers {
		m := make(map[int64]domain.FolderChannel, len(members))
		for _, fc := range members {
			m[fc.ChannelTGID] = fc
		}
		chatIDToMember[sourceID] = m
	}

	order := []string{}
	groups := map[string]*sourceGroup{}

	for _, item := range items {
		src, ok := bySourceID[item.SourceID]
		if !ok {
			continue
		}
		key := src.ID.String()
		name := src.Name
		sourceType := src.Type

		if src.Type == domain.SourceChatFolder {
			if id, ok := metadataInt64(item.Metadata, "chat_id"); ok {
				key = fmt.Sprintf("%s:%d", src.ID, id)
				if fc, ok := chatIDToMember[src.ID][id]; ok {
					name = fc.Name
				}
			}
		}

		g, ok := groups[key]
		if !ok {
			g = &sourceGroup{key: key, name: name, sourceType: sourceType}
			groups[key] = g
			order = append(order, key)
		}
		g.items = append(g.items, item)
	}

	sort.Strings(order)
	out := make([]sourceGroup, len(order))
	for i, key := range order {
		out[i] = *groups[key]
	}
	return out
}

func writeSourceFile(path string, g sourceGroup) error {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.WriteString(fmt.Sprintf("name: %q\n", g.name))
	buf.WriteString(fmt.Sprintf("type: %q\n", g.sourceType))
	buf.WriteString(fmt.Sprintf("item_count: %d\n", len(g.items)))
	buf.WriteString("---\n\n")
	for i, item := range g.items {
		if i > 0 {
			buf.WriteString("\n---\n\n")
		}
		if item.Title != "" {
			buf.WriteString("## " + item.Title + "\n\n")
		}
		buf.WriteString(item.Body + "\n")
		if item.URL != "" {
			buf.WriteString("\n" + item.URL + "\n")
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// slugger turns source names into filesystem-safe, collision-free
// slugs via alphanumeric-preserving lowercase folding with hyphen
// collapsing, appending "-2", "-3", ... on collision (spec §4.5 step
// 6).
type slugger struct {
	seen map[string]int
}

func newSlugger() *slugger { return &slugger{seen: map[string]int{}} }

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

func (s *slugger) next(name string) string {
	base := strings.Trim(nonSlugChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if base == "" {
		base = "source"
	}
	s.seen[base]++
	if n := s.seen[base]; n > 1 {
		return fmt.Sprintf("%s-%d", base, n)
	}
	return base
}

var frontmatterPattern = regexp.MustCompile(`(?s)^---\n(.*?)\n---\n?(.*)$`)

type frontmatter struct {
	Title  string   `yaml:"title"`
	Topics []string `yaml:"topics"`
}

// sessionURLPattern matches the sharable session URL the generative
// binary prints to its log on success.
var sessionURLPattern = regexp.MustCompile(`https?://\S*opencode\S*session\S*`)

func parseOutput(
	workspace, generationLog string,
	channel *domain.OutputChannel,
	coversFrom, coversTo time.Time,
	items []domain.ContentItem,
	model string,
) (domain.GeneratedArticle, error) {
	raw, err := os.ReadFile(filepath.Join(workspace, "output.md"))
	if err != nil {
		return domain.GeneratedArticle{}, fmt.Errorf("read output.md: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return domain.GeneratedArticle{}, fmt.Errorf("output.md is empty")
	}

	body := string(raw)
	fm := frontmatter{}
	if m := frontmatterPattern.FindStringSubmatch(body); m != nil {
		if err := yaml.Unmarshal([]byte(m[1]), &fm); err == nil {
			body = m[2]
		}
	}
	if fm.Title == "" {
		fm.Title = firstHeading(body)
	}

	if sessionURL := sessionURLPattern.FindString(generationLog); sessionURL != "" {
		body = strings.TrimRight(body, "\n") + "\n\n---\n" + sessionURL + "\n"
	}

	var htmlBuf bytes.Buffer
	if err := goldmark.Convert([]byte(body), &htmlBuf); err != nil {
		return domain.GeneratedArticle{}, fmt.Errorf("render markdown: %w", err)
	}

	itemIDs := make([]uuid.UUID, len(items))
	for i, item := range items {
		itemIDs[i] = item.ID
	}

	return domain.GeneratedArticle{
		ID:              uuid.New(),
		OutputChannelID: channel.ID,
		GeneratedAt:     clock.Now(),
		CoversFrom:      coversFrom,
		CoversTo:        coversTo,
		Title:           fm.Title,
		Topics:          fm.Topics,
		BodyHTML:        htmlBuf.String(),
		BodyMarkdown:    body,
		ContentItemIDs:  itemIDs,
		GenerationLog:   generationLog,
		ModelUsed:       model,
	}, nil
}

var headingPattern = regexp.MustCompile(`(?m)^#\s+(.+)$`)

func firstHeading(body string) string {
	if m := headingPattern.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1])
	}
	return "Untitled"
}
