package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kvlt/pail/internal/chatclient"
	"github.com/kvlt/pail/internal/config"
	"github.com/kvlt/pail/internal/domain"
)

type fakeStore struct {
	sources       []domain.Source
	channels      []domain.OutputChannel
	items         []domain.ContentItem
	folders       map[uuid.UUID][]domain.FolderChannel
	savedArticles []domain.GeneratedArticle
	generatedAt   map[uuid.UUID]time.Time
	upserted      []domain.ContentItem
}

func (f *fakeStore) Sources(ctx context.Context) ([]domain.Source, error) { return f.sources, nil }
func (f *fakeStore) OutputChannels(ctx context.Context) ([]domain.OutputChannel, error) {
	return f.channels, nil
}
func (f *fakeStore) ContentItemsInWindow(ctx context.Context, sourceIDs []uuid.UUID, from, to time.Time) ([]domain.ContentItem, error) {
	allowed := map[uuid.UUID]bool{}
	for _, id := range sourceIDs {
		allowed[id] = true
	}
	var out []domain.ContentItem
	for _, item := range f.items {
		if allowed[item.SourceID] && !item.OriginalDate.Before(from) && item.OriginalDate.Before(to) {
			out = append(out, item)
		}
	}
	return out, nil
}
func (f *fakeStore) FolderChannels(ctx context.Context, folderSourceID uuid.UUID) ([]domain.FolderChannel, error) {
	return f.folders[folderSourceID], nil
}
func (f *fakeStore) SaveArticle(ctx context.Context, a domain.GeneratedArticle) error {
	f.savedArticles = append(f.savedArticles, a)
	return nil
}
func (f *fakeStore) MarkChannelGenerated(ctx context.Context, id uuid.UUID, at time.Time) error {
	if f.generatedAt == nil {
		f.generatedAt = map[uuid.UUID]time.Time{}
	}
	f.generatedAt[id] = at
	return nil
}
func (f *fakeStore) MarkSourceFetched(ctx context.Context, id uuid.UUID, at time.Time, etag, lastModified string) error {
	return nil
}
func (f *fakeStore) UpsertContentItem(ctx context.Context, item domain.ContentItem) (bool, error) {
	f.upserted = append(f.upserted, item)
	return true, nil
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	script := filepath.Join(t.TempDir(), "fake-opencode.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nprintf -- '---\\ntitle: Test Digest\\ntopics: [a, b]\\n---\\n\\nBody text.\\n' > output.md\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return &config.Config{
		Pail: config.PailSection{Timezone: "UTC"},
		OpenCode: config.OpenCodeSection{
			Binary:       script,
			DefaultModel: "test-model",
			MaxRetries:   0,
			Timeout:      "5s",
			SystemPrompt: "base prompt {editorial_directive}",
		},
	}
}

func TestResolveWindowPrecedence(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	last := now.Add(-2 * time.Hour)

	from, to, override := resolveWindow(Window{}, &last, now)
	if override || !from.Equal(last) || !to.Equal(now) {
		t.Fatalf("last_generated precedence failed: from=%v to=%v override=%v", from, to, override)
	}

	from, to, override = resolveWindow(Window{}, nil, now)
	if override || !to.Equal(now) || !from.Equal(now.AddDate(0, 0, -7)) {
		t.Fatalf("first-run 7d window failed: from=%v to=%v override=%v", from, to, override)
	}

	from, to, override = resolveWindow(Window{Since: time.Hour}, &last, now)
	if !override || !to.Equal(now) || !from.Equal(now.Add(-time.Hour)) {
		t.Fatalf("relative window should override and ignore last_generated: from=%v to=%v override=%v", from, to, override)
	}

	explicitFrom := now.Add(-48 * time.Hour)
	from, to, override = resolveWindow(Window{From: explicitFrom, To: now}, &last, now)
	if !override || !from.Equal(explicitFrom) || !to.Equal(now) {
		t.Fatalf("explicit window should win outright: from=%v to=%v override=%v", from, to, override)
	}
}

// TestGroupItemsPartitionsChatFolderByFloat64ChatID pins the fix for
// metadataInt64: chat_id arrives as float64 once an item has gone
// through the store's JSON round trip, the way it always does outside
// tests, so groupItems must not rely on a bare int64 assertion.
func TestGroupItemsPartitionsChatFolderByFloat64ChatID(t *testing.T) {
	folderSrc := domain.Source{ID: uuid.New(), Type: domain.SourceChatFolder, Name: "Folder"}
	members := map[uuid.UUID][]domain.FolderChannel{
		folderSrc.ID: {
			{FolderSourceID: folderSrc.ID, ChannelTGID: 111, Name: "Alpha"},
			{FolderSourceID: folderSrc.ID, ChannelTGID: 222, Name: "Beta"},
		},
	}
	items := []domain.ContentItem{
		{ID: uuid.New(), SourceID: folderSrc.ID, Metadata: map[string]any{"chat_id": float64(111)}},
		{ID: uuid.New(), SourceID: folderSrc.ID, Metadata: map[string]any{"chat_id": float64(222)}},
	}

	groups := groupItems([]domain.Source{folderSrc}, items, members)
	if len(groups) != 2 {
		t.Fatalf("expected 2 per-channel groups, got %d", len(groups))
	}
	names := map[string]bool{}
	for _, g := range groups {
		names[g.name] = true
	}
	if !names["Alpha"] || !names["Beta"] {
		t.Fatalf("expected groups named by folder member, got %+v", names)
	}
}

// TestMarkReadIfEnabledUsesMaxMessageIDPerChat pins the fix threading
// the maximum observed message id per chat through MarkRead, instead
// of issuing a MaxID-unset ("read everything") call.
func TestMarkReadIfEnabledUsesMaxMessageIDPerChat(t *testing.T) {
	p := &Pipeline{}
	channel := &domain.OutputChannel{MarkTGRead: true}
	items := []domain.ContentItem{
		{Metadata: map[string]any{"chat_id": float64(111), "message_id": float64(5)}},
		{Metadata: map[string]any{"chat_id": float64(111), "message_id": float64(9)}},
		{Metadata: map[string]any{"chat_id": float64(222), "message_id": float64(3)}},
	}
	transport := &fakeTransport{}

	p.markReadIfEnabled(context.Background(), channel, items, transport)

	if transport.marked[111] != 9 {
		t.Fatalf("chat 111 max message id = %d, want 9", transport.marked[111])
	}
	if transport.marked[222] != 3 {
		t.Fatalf("chat 222 max message id = %d, want 3", transport.marked[222])
	}
}

func TestSluggerCollisions(t *testing.T) {
	s := newSlugger()
	if got := s.next("Tech News"); got != "tech-news" {
		t.Fatalf("slug = %q, want tech-news", got)
	}
	if got := s.next("Tech News"); got != "tech-news-2" {
		t.Fatalf("collision slug = %q, want tech-news-2", got)
	}
	if got := s.next("Tech News"); got != "tech-news-3" {
		t.Fatalf("second collision slug = %q, want tech-news-3", got)
	}
}

func TestParseOutputFallsBackToHeading(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "output.md"), []byte("# My Heading\n\nSome body.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	channel := &domain.OutputChannel{ID: uuid.New(), Slug: "x"}
	article, err := parseOutput(dir, "", channel, time.Now(), time.Now(), nil, "m")
	if err != nil {
		t.Fatalf("parseOutput: %v", err)
	}
	if article.Title != "My Heading" {
		t.Fatalf("title = %q, want %q", article.Title, "My Heading")
	}
	if len(article.Topics) != 0 {
		t.Fatalf("topics should be empty without frontmatter, got %v", article.Topics)
	}
}

func TestParseOutputRejectsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "output.md"), []byte("   \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := parseOutput(dir, "", &domain.OutputChannel{}, time.Now(), time.Now(), nil, "m"); err == nil {
		t.Fatal("expected error on empty output.md")
	}
}

func TestParseOutputAppendsSessionURL(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "output.md"), []byte("# Heading\n\nBody.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	log := "run complete, share: https://opencode.example/session/abc123\n"
	article, err := parseOutput(dir, log, &domain.OutputChannel{}, time.Now(), time.Now(), nil, "m")
	if err != nil {
		t.Fatalf("parseOutput: %v", err)
	}
	if !contains(article.BodyMarkdown, "opencode.example/session/abc123") {
		t.Fatalf("markdown body missing session footer: %s", article.BodyMarkdown)
	}
}

func TestPipelineRunSkipsEmptyWindow(t *testing.T) {
	channelID := uuid.New()
	sourceID := uuid.New()
	store := &fakeStore{
		sources: []domain.Source{{ID: sourceID, Type: domain.SourceWebFeed, Name: "feed", Enabled: true}},
		channels: []domain.OutputChannel{{
			ID: channelID, Slug: "digest", Name: "Digest", Enabled: true,
			SourceIDs: []uuid.UUID{sourceID},
		}},
	}
	p := New(store, newTestConfig(t), nil)
	out, err := p.Run(context.Background(), Request{ChannelSlug: "digest"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != "skipped" {
		t.Fatalf("status = %q, want skipped", out.Status)
	}
	if _, ok := store.generatedAt[channelID]; !ok {
		t.Fatal("expected watermark to advance on empty non-override window")
	}
}

func TestPipelineRunGeneratesArticle(t *testing.T) {
	channelID := uuid.New()
	sourceID := uuid.New()
	now := time.Now().UTC()
	store := &fakeStore{
		sources: []domain.Source{{ID: sourceID, Type: domain.SourceWebFeed, Name: "feed", Enabled: true}},
		channels: []domain.OutputChannel{{
			ID: channelID, Slug: "digest", Name: "Digest", Enabled: true, Prompt: "be terse",
			SourceIDs: []uuid.UUID{sourceID},
		}},
		items: []domain.ContentItem{{
			ID: uuid.New(), SourceID: sourceID, OriginalDate: now.Add(-time.Hour),
			Title: "Item one", Body: "Body one", URL: "https://example.com/1",
		}},
	}
	p := New(store, newTestConfig(t), nil)
	out, err := p.Run(context.Background(), Request{ChannelSlug: "digest", Window: Window{Since: 24 * time.Hour}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != "generated" {
		t.Fatalf("status = %q, want generated: %+v", out.Status, out)
	}
	if len(store.savedArticles) != 1 {
		t.Fatalf("expected 1 saved article, got %d", len(store.savedArticles))
	}
	if store.savedArticles[0].Title != "Test Digest" {
		t.Fatalf("title = %q, want Test Digest", store.savedArticles[0].Title)
	}
	// Window.Since made this an override run; watermark must not advance.
	if _, ok := store.generatedAt[channelID]; ok {
		t.Fatal("override window must not advance last_generated")
	}
}

var _ chatclient.Transport = (*fakeTransport)(nil)

type fakeTransport struct {
	history []chatclient.IncomingMessage
	marked  map[int64]int
}

func (f *fakeTransport) Run(ctx context.Context, onMessage func(chatclient.IncomingMessage)) error {
	return nil
}
func (f *fakeTransport) History(ctx context.Context, chatID int64, limit int) ([]chatclient.IncomingMessage, error) {
	return f.history, nil
}
func (f *fakeTransport) ResolveFolder(ctx context.Context, folderName string) ([]chatclient.FolderMember, error) {
	return nil, nil
}
func (f *fakeTransport) MarkRead(ctx context.Context, chatID int64, maxMessageID int) error {
	if f.marked == nil {
		f.marked = map[int64]int{}
	}
	f.marked[chatID] = maxMessageID
	return nil
}
