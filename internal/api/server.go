package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/subrelay/subrelay/internal/identity"
)

// ServerConfig configures the API server.
type ServerConfig struct {
	ListenAddress   string
	Port            int
	AdminToken      string
	APIMaxBodyBytes int64
	StartedAt       time.Time
	Version         string

	Gateway SubtitleFetcher
	Pool    *identity.Pool
	Stats   StatsReader
}

// Server wraps the HTTP server and mux for the gateway API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new API server wired with all routes.
func NewServer(cfg ServerConfig) *Server {
	mux := http.NewServeMux()

	// Public (no auth): the fetch surface and health.
	mux.Handle("GET /healthz", HandleHealthz(cfg.StartedAt, cfg.Version, cfg.Pool))
	mux.Handle("POST /api/subtitles", HandleFetchSubtitles(cfg.Gateway))
	mux.Handle("GET /api/languages/{videoId}", HandleListLanguages(cfg.Gateway))

	// Operational surface, behind the admin token when one is set.
	admin := http.NewServeMux()
	admin.Handle("GET /api/stats/today", HandleStatsToday(cfg.Stats))
	admin.Handle("GET /api/stats/{date}", HandleStatsDay(cfg.Stats))
	admin.Handle("GET /api/identities", HandleListIdentities(cfg.Pool))
	admin.Handle("POST /api/identities/{id}/actions/reset", HandleResetIdentity(cfg.Pool))
	admin.Handle("POST /api/identities/actions/reset-all", HandleResetAllIdentities(cfg.Pool))

	var adminHandler http.Handler = admin
	if cfg.AdminToken != "" {
		adminHandler = AuthMiddleware(cfg.AdminToken, admin)
	}
	mux.Handle("/api/stats/", adminHandler)
	mux.Handle("/api/identities", adminHandler)
	mux.Handle("/api/identities/", adminHandler)

	root := RequestLogMiddleware(RequestBodyLimitMiddleware(cfg.APIMaxBodyBytes, mux))

	addr := net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port))
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           root,
			ReadHeaderTimeout: 10 * time.Second,
		},
		mux: mux,
	}
}

// Handler returns the root handler (for tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts serving. Blocks until shutdown or error.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
