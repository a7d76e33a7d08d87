// Package server provides the HTTP API for lcdetect.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/lcdetect/internal/config"
	"github.com/hyperjump/lcdetect/internal/session"
)

// WatchService manages watched feature directories.
type WatchService interface {
	Directories() []string
	AddDirectory(path string, syncExisting bool) error
	RemoveDirectory(path string) error
}

// Server is the HTTP server for the lcdetect API.
type Server struct {
	session *session.Session
	config  *config.ServerConfig
	logger  *zap.Logger
	server  *http.Server

	watch         WatchService
	configPath    string
	watchConfig   *config.Config
	watchConfigMu sync.Mutex
}

// NewServer creates a server. watch may be nil to disable the watch endpoints.
// When configPath and fullConfig are set, watch directory changes are saved to the config file.
func NewServer(
	sess *session.Session,
	cfg *config.ServerConfig,
	logger *zap.Logger,
	watch WatchService,
	configPath string,
	fullConfig *config.Config,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		session:     sess,
		config:      cfg,
		logger:      logger,
		watch:       watch,
		configPath:  configPath,
		watchConfig: fullConfig,
	}
}

// Router returns the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Post("/api/v1/process", s.handleProcess)
	r.Post("/api/v1/process/file", s.handleProcessFile)
	r.Get("/api/v1/loops", s.handleLoops)
	r.Get("/api/v1/frame", s.handleFrame)
	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/api/v1/watch/directories", s.handleWatchDirectoriesList)
	r.Post("/api/v1/watch/directories", s.handleWatchDirectoriesAdd)
	r.Delete("/api/v1/watch/directories", s.handleWatchDirectoriesRemove)
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Mount("/", s.Router())

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr), zap.String("run_id", s.session.RunID()))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
