// Package httpserver exposes the daemon's two public routes (spec
// §4.9): an authenticated per-channel Atom feed and a plain article
// page. Routing and server lifecycle follow the teacher's
// internal/web.Server shape (net/http.Server wrapped with fixed
// read/write/idle timeouts, Start/Shutdown pair); Atom synthesis is
// delegated to github.com/gorilla/feeds rather than hand-building XML.
package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/feeds"

	"github.com/kvlt/pail/internal/clock"
	"github.com/kvlt/pail/internal/domain"
	"github.com/kvlt/pail/internal/logger"
	"go.uber.org/zap"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second

	articlesPerFeed = 50
	tokenAlphabet   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	tokenLength     = 32

	settingFeedToken = "feed_token"
)

// Store is the narrow slice of persistence the feed server needs.
type Store interface {
	OutputChannels(ctx context.Context) ([]domain.OutputChannel, error)
	ArticlesForChannel(ctx context.Context, channelID uuid.UUID, limit int) ([]domain.GeneratedArticle, error)
	Article(ctx context.Context, id uuid.UUID) (domain.GeneratedArticle, error)
	Setting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Server serves the Atom feed and article pages over plain HTTP — TLS
// termination, if any, happens upstream (hence honoring
// X-Forwarded-Proto for self-links).
type Server struct {
	srv   *http.Server
	store Store
	token string
}

// New builds a Server bound to addr. BootstrapToken must be called
// before Start to resolve the feed token per spec §4.9.
func New(store Store, addr string) *Server {
	s := &Server{store: store}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /feed/{username}/{slug}", s.handleFeed)
	mux.HandleFunc("GET /article/{id}", s.handleArticle)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// BootstrapToken resolves the feed token with the precedence spec §4.9
// documents: configured value wins, then whatever is already in
// settings, else a freshly generated one that gets logged once at warn
// level so the operator can record it ("save-this-now semantics").
func (s *Server) BootstrapToken(ctx context.Context, configured string) error {
	if configured != "" {
		if err := s.store.SetSetting(ctx, settingFeedToken, configured); err != nil {
			return fmt.Errorf("persist configured feed token: %w", err)
		}
		s.token = configured
		return nil
	}

	if existing, ok, err := s.store.Setting(ctx, settingFeedToken); err != nil {
		return fmt.Errorf("load feed token: %w", err)
	} else if ok && existing != "" {
		s.token = existing
		return nil
	}

	generated, err := generateToken()
	if err != nil {
		return fmt.Errorf("generate feed token: %w", err)
	}
	if err := s.store.SetSetting(ctx, settingFeedToken, generated); err != nil {
		return fmt.Errorf("persist generated feed token: %w", err)
	}
	s.token = generated
	logger.Warn("httpserver: generated a new feed token; save it now, it will not be printed again",
		zap.String("feed_token", generated))
	return nil
}

func generateToken() (string, error) {
	buf := make([]byte, tokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, tokenLength)
	for i, b := range buf {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start(ctx context.Context) error {
	logger.Info("httpserver: listening", zap.String("addr", s.srv.Addr))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("httpserver: %w", err)
		}
		return nil
	}
}

// Shutdown gracefully stops the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// authenticate checks the two schemes spec §4.9 documents, both
// compared in constant time against the feed token.
func (s *Server) authenticate(r *http.Request) bool {
	if q := r.URL.Query().Get("token"); q != "" {
		return tokenEqual(q, s.token)
	}
	if _, password, ok := r.BasicAuth(); ok {
		return tokenEqual(password, s.token)
	}
	return false
}

func tokenEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.authenticate(r) {
		return true
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="pail"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}

	slug := r.PathValue("slug")
	slug = strings.TrimSuffix(slug, ".atom")

	ctx := r.Context()
	channels, err := s.store.OutputChannels(ctx)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	var channel *domain.OutputChannel
	for i := range channels {
		if channels[i].Slug == slug {
			channel = &channels[i]
			break
		}
	}
	if channel == nil {
		http.NotFound(w, r)
		return
	}

	articles, err := s.store.ArticlesForChannel(ctx, channel.ID, articlesPerFeed)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	selfURL := requestBaseURL(r) + r.URL.Path

	feed := &feeds.Feed{
		Title:       channel.Name,
		Link:        &feeds.Link{Href: selfURL},
		Description: channel.Prompt,
		Id:          "urn:pail:channel:" + channel.ID.String(),
		Updated:     clock.Now(),
	}
	for _, a := range articles {
		body := a.BodyHTML
		// gorilla/feeds' Item has no categories field, so topics can't
		// be emitted as Atom <category> elements (spec §6 lists
		// per-entry categories); folding them into the body is a
		// visible downgrade from that requirement, accepted for now
		// (see DESIGN.md).
		if len(a.Topics) > 0 {
			body += "\n<p>Topics: " + strings.Join(a.Topics, ", ") + "</p>"
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Title:       a.Title,
			Link:        &feeds.Link{Href: requestBaseURL(r) + "/article/" + a.ID.String()},
			Id:          "urn:uuid:" + a.ID.String(),
			Author:      &feeds.Author{Name: "pail-opencode-" + modelShort(a.ModelUsed)},
			Created:     a.GeneratedAt,
			Description: body,
			Content:     body,
		})
	}

	atom, err := feed.ToAtom()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/atom+xml; charset=utf-8")
	_, _ = w.Write([]byte(atom))
}

// modelShort returns the trailing slash segment of a model identifier
// (e.g. "anthropic/claude-sonnet" -> "claude-sonnet").
func modelShort(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		return model[i+1:]
	}
	return model
}

func requestBaseURL(r *http.Request) string {
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		proto = "http"
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return proto + "://" + host
}

var articleTemplate = template.Must(template.New("article").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p><em>Generated {{.GeneratedAt}}</em></p>
{{.Body}}
</body>
</html>
`))

func (s *Server) handleArticle(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	article, err := s.store.Article(r.Context(), id)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Title       string
		GeneratedAt string
		Body        template.HTML
	}{
		Title:       article.Title,
		GeneratedAt: article.GeneratedAt.In(clock.Location()).Format("2006-01-02 15:04 MST"),
		Body:        template.HTML(article.BodyHTML), //nolint:gosec // body is our own generated content, not user input
	}
	if err := articleTemplate.Execute(w, data); err != nil {
		logger.Error("httpserver: render article failed", zap.Error(err))
	}
}
