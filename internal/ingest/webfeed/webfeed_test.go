package webfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kvlt/pail/internal/domain"
)

type fakeStore struct {
	sources        []domain.Source
	items          []domain.ContentItem
	fetchedAt      map[uuid.UUID]time.Time
	fetchedETag    map[uuid.UUID]string
	fetchedLastMod map[uuid.UUID]string
}

func newFakeStore(sources ...domain.Source) *fakeStore {
	return &fakeStore{
		sources:        sources,
		fetchedAt:      map[uuid.UUID]time.Time{},
		fetchedETag:    map[uuid.UUID]string{},
		fetchedLastMod: map[uuid.UUID]string{},
	}
}

func (f *fakeStore) Sources(ctx context.Context) ([]domain.Source, error) { return f.sources, nil }

func (f *fakeStore) MarkSourceFetched(ctx context.Context, id uuid.UUID, at time.Time, etag, lastModified string) error {
	f.fetchedAt[id] = at
	f.fetchedETag[id] = etag
	f.fetchedLastMod[id] = lastModified
	return nil
}

func (f *fakeStore) UpsertContentItem(ctx context.Context, item domain.ContentItem) (bool, error) {
	f.items = append(f.items, item)
	return true, nil
}

func TestPollOneDropsItemsWithNoTitleOrBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(`<?xml version="1.0"?><rss version="2.0"><channel>
			<item><guid>a</guid><title>Has a title</title></item>
			<item><guid>b</guid></item>
		</channel></rss>`))
	}))
	defer srv.Close()

	src := domain.Source{ID: uuid.New(), Type: domain.SourceWebFeed, URL: srv.URL, Enabled: true}
	store := newFakeStore(src)
	p := New(store, srv.Client())

	if err := p.FetchNow(context.Background(), src); err != nil {
		t.Fatalf("FetchNow: %v", err)
	}
	if len(store.items) != 1 {
		t.Fatalf("expected 1 surviving item, got %d", len(store.items))
	}
	if store.items[0].DedupKey != "a" {
		t.Fatalf("dedup key = %q, want the entry's GUID", store.items[0].DedupKey)
	}
}

func TestPollOneUsesShaFallbackDedupKeyWhenGUIDMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(`<?xml version="1.0"?><rss version="2.0"><channel>
			<item><title>No guid here</title><link>http://example.com/x</link></item>
		</channel></rss>`))
	}))
	defer srv.Close()

	src := domain.Source{ID: uuid.New(), Type: domain.SourceWebFeed, URL: srv.URL, Enabled: true}
	store := newFakeStore(src)
	p := New(store, srv.Client())

	if err := p.FetchNow(context.Background(), src); err != nil {
		t.Fatalf("FetchNow: %v", err)
	}
	if len(store.items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(store.items))
	}
	if store.items[0].DedupKey == "" || len(store.items[0].DedupKey) != 64 {
		t.Fatalf("expected a 64-char sha256 hex dedup key, got %q", store.items[0].DedupKey)
	}
}

func TestPollOneSendsConditionalHeadersAndPreservesETagOn304(t *testing.T) {
	var gotIfNoneMatch, gotIfModifiedSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIfNoneMatch = r.Header.Get("If-None-Match")
		gotIfModifiedSince = r.Header.Get("If-Modified-Since")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	src := domain.Source{
		ID: uuid.New(), Type: domain.SourceWebFeed, URL: srv.URL, Enabled: true,
		LastETag: `"abc"`, LastModifiedHeader: "Tue, 01 Jan 2030 00:00:00 GMT",
	}
	store := newFakeStore(src)
	p := New(store, srv.Client())

	if err := p.FetchNow(context.Background(), src); err != nil {
		t.Fatalf("FetchNow: %v", err)
	}
	if gotIfNoneMatch != `"abc"` {
		t.Fatalf("If-None-Match = %q, want stored ETag", gotIfNoneMatch)
	}
	if gotIfModifiedSince != src.LastModifiedHeader {
		t.Fatalf("If-Modified-Since = %q, want stored header", gotIfModifiedSince)
	}
	if store.fetchedETag[src.ID] != `"abc"` {
		t.Fatalf("304 with no response ETag should preserve the stored one, got %q", store.fetchedETag[src.ID])
	}
	if len(store.items) != 0 {
		t.Fatalf("304 should yield zero items, got %d", len(store.items))
	}
	if _, advanced := store.fetchedAt[src.ID]; !advanced {
		t.Fatalf("304 should still advance last_fetched_at")
	}
}

func TestPollOneOverwritesCacheHeadersWhenPresentInResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"new-etag"`)
		w.Header().Set("Last-Modified", "Wed, 02 Jan 2030 00:00:00 GMT")
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(`<?xml version="1.0"?><rss version="2.0"><channel>
			<item><guid>x</guid><title>T</title></item>
		</channel></rss>`))
	}))
	defer srv.Close()

	src := domain.Source{ID: uuid.New(), Type: domain.SourceWebFeed, URL: srv.URL, Enabled: true, LastETag: `"old"`}
	store := newFakeStore(src)
	p := New(store, srv.Client())

	if err := p.FetchNow(context.Background(), src); err != nil {
		t.Fatalf("FetchNow: %v", err)
	}
	if store.fetchedETag[src.ID] != `"new-etag"` {
		t.Fatalf("ETag = %q, want overwritten by response", store.fetchedETag[src.ID])
	}
}

func TestPollOneAdvancesLastFetchedOnNon2xxNon304(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := domain.Source{ID: uuid.New(), Type: domain.SourceWebFeed, URL: srv.URL, Enabled: true, LastETag: `"keep"`}
	store := newFakeStore(src)
	p := New(store, srv.Client())

	if err := p.FetchNow(context.Background(), src); err == nil {
		t.Fatalf("expected an error for a 500 response")
	}
	if _, advanced := store.fetchedAt[src.ID]; !advanced {
		t.Fatalf("an error response should still advance last_fetched_at so a broken feed backs off")
	}
	if store.fetchedETag[src.ID] != `"keep"` {
		t.Fatalf("ETag = %q, want the previously stored one preserved on error", store.fetchedETag[src.ID])
	}
}

func TestPollOneInjectsBearerAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	src := domain.Source{
		ID: uuid.New(), Type: domain.SourceWebFeed, URL: srv.URL, Enabled: true,
		Auth: &domain.AuthSpec{Kind: domain.AuthBearer, Token: "tok123"},
	}
	store := newFakeStore(src)
	p := New(store, srv.Client())

	if err := p.FetchNow(context.Background(), src); err != nil {
		t.Fatalf("FetchNow: %v", err)
	}
	if gotAuth != "Bearer tok123" {
		t.Fatalf("Authorization = %q, want Bearer token", gotAuth)
	}
}

func TestCheckAllRespectsPersistedLastFetchedAtAcrossRestart(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	recent := time.Now().Add(-time.Minute)
	src := domain.Source{
		ID: uuid.New(), Type: domain.SourceWebFeed, URL: srv.URL, Enabled: true,
		PollInterval: time.Hour, LastFetchedAt: &recent,
	}
	store := newFakeStore(src)
	p := New(store, srv.Client())

	p.checkAll(context.Background())

	if hits != 0 {
		t.Fatalf("a freshly-restarted poller should honor a persisted recent last_fetched_at, got %d fetches", hits)
	}
}

func TestCheckAllEnforcesPollFloorEvenWhenConfiguredShorter(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	justUnderFloor := time.Now().Add(-time.Minute)
	src := domain.Source{
		ID: uuid.New(), Type: domain.SourceWebFeed, URL: srv.URL, Enabled: true,
		PollInterval: 10 * time.Second, LastFetchedAt: &justUnderFloor,
	}
	store := newFakeStore(src)
	p := New(store, srv.Client())

	p.checkAll(context.Background())

	if hits != 0 {
		t.Fatalf("poll floor of 5m should override a 10s configured interval, got %d fetches", hits)
	}
}
