package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kvlt/pail/internal/domain"
)

type fakeStore struct {
	channels []domain.OutputChannel
	articles map[uuid.UUID][]domain.GeneratedArticle
	byID     map[uuid.UUID]domain.GeneratedArticle
	settings map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		articles: map[uuid.UUID][]domain.GeneratedArticle{},
		byID:     map[uuid.UUID]domain.GeneratedArticle{},
		settings: map[string]string{},
	}
}

func (f *fakeStore) OutputChannels(ctx context.Context) ([]domain.OutputChannel, error) {
	return f.channels, nil
}
func (f *fakeStore) ArticlesForChannel(ctx context.Context, channelID uuid.UUID, limit int) ([]domain.GeneratedArticle, error) {
	return f.articles[channelID], nil
}
func (f *fakeStore) Article(ctx context.Context, id uuid.UUID) (domain.GeneratedArticle, error) {
	a, ok := f.byID[id]
	if !ok {
		return domain.GeneratedArticle{}, errNotFound
	}
	return a, nil
}
func (f *fakeStore) Setting(ctx context.Context, key string) (string, bool, error) {
	v, ok := f.settings[key]
	return v, ok, nil
}
func (f *fakeStore) SetSetting(ctx context.Context, key, value string) error {
	f.settings[key] = value
	return nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var errNotFound = notFoundErr{}

func TestBootstrapTokenPrefersConfigured(t *testing.T) {
	store := newFakeStore()
	store.settings[settingFeedToken] = "from-settings"
	s := New(store, ":0")
	if err := s.BootstrapToken(context.Background(), "from-config"); err != nil {
		t.Fatalf("BootstrapToken: %v", err)
	}
	if s.token != "from-config" {
		t.Fatalf("token = %q, want from-config", s.token)
	}
	if store.settings[settingFeedToken] != "from-config" {
		t.Fatal("configured token should overwrite settings")
	}
}

func TestBootstrapTokenFallsBackToSettings(t *testing.T) {
	store := newFakeStore()
	store.settings[settingFeedToken] = "existing-token"
	s := New(store, ":0")
	if err := s.BootstrapToken(context.Background(), ""); err != nil {
		t.Fatalf("BootstrapToken: %v", err)
	}
	if s.token != "existing-token" {
		t.Fatalf("token = %q, want existing-token", s.token)
	}
}

func TestBootstrapTokenGeneratesWhenAbsent(t *testing.T) {
	store := newFakeStore()
	s := New(store, ":0")
	if err := s.BootstrapToken(context.Background(), ""); err != nil {
		t.Fatalf("BootstrapToken: %v", err)
	}
	if len(s.token) != tokenLength {
		t.Fatalf("generated token length = %d, want %d", len(s.token), tokenLength)
	}
	if store.settings[settingFeedToken] != s.token {
		t.Fatal("generated token should be persisted")
	}
}

func TestHandleFeedRequiresAuth(t *testing.T) {
	store := newFakeStore()
	s := New(store, ":0")
	s.token = "secret"

	req := httptest.NewRequest(http.MethodGet, "/feed/alice/digest.atom", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header on 401")
	}
}

func TestHandleFeedAcceptsQueryToken(t *testing.T) {
	channelID := uuid.New()
	store := newFakeStore()
	store.channels = []domain.OutputChannel{{ID: channelID, Slug: "digest", Name: "Digest"}}
	store.articles[channelID] = []domain.GeneratedArticle{{
		ID: uuid.New(), Title: "Hello", BodyHTML: "<p>hi</p>", ModelUsed: "anthropic/claude-sonnet",
		GeneratedAt: time.Now(), Topics: []string{"news"},
	}}
	s := New(store, ":0")
	s.token = "secret"

	req := httptest.NewRequest(http.MethodGet, "/feed/alice/digest.atom?token=secret", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "urn:pail:channel:"+channelID.String()) {
		t.Fatalf("feed id missing: %s", body)
	}
	if !strings.Contains(body, "pail-opencode-claude-sonnet") {
		t.Fatalf("author missing: %s", body)
	}
}

func TestHandleFeedAcceptsBasicAuth(t *testing.T) {
	store := newFakeStore()
	store.channels = []domain.OutputChannel{{ID: uuid.New(), Slug: "digest"}}
	s := New(store, ":0")
	s.token = "secret"

	req := httptest.NewRequest(http.MethodGet, "/feed/alice/digest.atom", nil)
	req.SetBasicAuth("anything", "secret")
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleFeedUnknownSlugIs404(t *testing.T) {
	store := newFakeStore()
	s := New(store, ":0")
	s.token = "secret"

	req := httptest.NewRequest(http.MethodGet, "/feed/alice/nope.atom?token=secret", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleArticleRendersBody(t *testing.T) {
	store := newFakeStore()
	id := uuid.New()
	store.byID[id] = domain.GeneratedArticle{
		ID: id, Title: "My Article", BodyHTML: "<p>content</p>", GeneratedAt: time.Now(),
	}
	s := New(store, ":0")

	req := httptest.NewRequest(http.MethodGet, "/article/"+id.String(), nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "My Article") {
		t.Fatalf("body missing title: %s", rec.Body.String())
	}
}

func TestHandleArticleInvalidUUIDIs404(t *testing.T) {
	store := newFakeStore()
	s := New(store, ":0")

	req := httptest.NewRequest(http.MethodGet, "/article/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
