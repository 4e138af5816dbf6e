package httpapi

import (
	"context"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/MimeLyc/storyreel/internal/config"
	"github.com/MimeLyc/storyreel/internal/jobs"
	"github.com/MimeLyc/storyreel/internal/orchestrator"
)

const (
	defaultStreamInterval = time.Second
	maxUploadBytes        = 64 << 20
	defaultHistoryLimit   = 50
)

type runtimeSettingsStore interface {
	GetRuntimeSettings() (config.RuntimeSettings, error)
	UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error)
}

type runtimeSettingsApplier func(next config.RuntimeSettings) error

type Server struct {
	session  *orchestrator.Session
	history  jobs.Store
	settings runtimeSettingsStore
	apply    runtimeSettingsApplier

	streamInterval time.Duration

	uiEnabled   bool
	uiStaticDir string

	router *mux.Router
	server *http.Server
}

type Option func(*Server)

func WithUI(staticDir string, enabled bool) Option {
	return func(s *Server) {
		s.uiStaticDir = staticDir
		s.uiEnabled = enabled
	}
}

// WithHistory serves GET /api/history from store.
func WithHistory(store jobs.Store) Option {
	return func(s *Server) {
		s.history = store
	}
}

func WithRuntimeSettingsStore(store runtimeSettingsStore) Option {
	return func(s *Server) {
		s.settings = store
	}
}

func WithRuntimeSettingsApplier(apply runtimeSettingsApplier) Option {
	return func(s *Server) {
		s.apply = apply
	}
}

// WithStreamInterval sets how often the job stream repeats the current
// snapshot when nothing changed.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

func NewServer(session *orchestrator.Session, opts ...Option) *Server {
	s := &Server{
		session:        session,
		streamInterval: defaultStreamInterval,
		router:         mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/session", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/session/text", s.handleSetText).Methods(http.MethodPut)
	api.HandleFunc("/session/chunks", s.handleListChunks).Methods(http.MethodGet)
	api.HandleFunc("/session/voice", s.handleSetVoice).Methods(http.MethodPut)
	api.HandleFunc("/session/book", s.handleUploadBook).Methods(http.MethodPost)
	api.HandleFunc("/session/chapters", s.handleListChapters).Methods(http.MethodGet)
	api.HandleFunc("/session/chapters/{id:[0-9]+}/select", s.handleToggleChapter).Methods(http.MethodPost)
	api.HandleFunc("/session/chapters/{id:[0-9]+}/parts", s.handleSetParts).Methods(http.MethodPut)

	api.HandleFunc("/generate", s.handleGenerate).Methods(http.MethodPost)
	api.HandleFunc("/job", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/job/stream", s.handleJobStream).Methods(http.MethodGet)
	api.HandleFunc("/job/cancel", s.handleCancelJob).Methods(http.MethodPost)
	api.HandleFunc("/job/download", s.handleDownload).Methods(http.MethodGet)

	api.HandleFunc("/story", s.handleDraftStory).Methods(http.MethodPost)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.handleSettings).Methods(http.MethodGet, http.MethodPut)

	s.router.PathPrefix("/").HandlerFunc(s.handleStatic).Methods(http.MethodGet)
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if !s.uiEnabled || s.uiStaticDir == "" || strings.HasPrefix(r.URL.Path, "/api/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	rel := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	indexPath := filepath.Join(s.uiStaticDir, "index.html")

	if rel == "" || !strings.Contains(filepath.Base(rel), ".") {
		http.ServeFile(w, r, indexPath)
		return
	}

	filePath := filepath.Join(s.uiStaticDir, rel)
	if _, err := os.Stat(filePath); err != nil {
		// SPA fallback: non-existing static file path returns index
		http.ServeFile(w, r, indexPath)
		return
	}
	http.ServeFile(w, r, filePath)
}
