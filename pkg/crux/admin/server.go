// Package admin serves the operator HTTP API: health, session inspection,
// full user reset and forced check-in passes. Every /api route requires the
// configured bearer token.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jholhewres/crux/pkg/crux/checkin"
	"github.com/jholhewres/crux/pkg/crux/database"
	"github.com/jholhewres/crux/pkg/crux/session"
)

// Config holds admin API configuration.
type Config struct {
	// Enabled turns the admin API on/off.
	Enabled bool `yaml:"enabled"`

	// Address is the listen address (default: "127.0.0.1:8090").
	Address string `yaml:"address"`

	// Token is the bearer token every /api request must carry.
	Token string `yaml:"token"`
}

// DefaultConfig returns the default admin configuration.
func DefaultConfig() Config {
	return Config{Address: "127.0.0.1:8090"}
}

// HealthChecker reports database health.
type HealthChecker interface {
	Health(ctx context.Context) database.HealthStatus
}

// CheckinRunner forces a check-in pass.
type CheckinRunner interface {
	RunOnce(ctx context.Context, now time.Time) (*checkin.Report, error)
}

// Server is the admin HTTP server.
type Server struct {
	cfg     Config
	store   session.Store
	db      HealthChecker
	checkin CheckinRunner
	logger  *slog.Logger
	now     func() time.Time
	server  *http.Server

	onReset []func(userID string)
}

// New creates an admin server. db and checkin may be nil.
func New(cfg Config, store session.Store, db HealthChecker, checkin CheckinRunner, logger *slog.Logger) *Server {
	if cfg.Address == "" {
		cfg.Address = DefaultConfig().Address
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   store,
		db:      db,
		checkin: checkin,
		logger:  logger.With("component", "admin"),
		now:     time.Now,
	}
}

// OnReset registers fn to run after a user's records are deleted.
func (s *Server) OnReset(fn func(userID string)) {
	s.onReset = append(s.onReset, fn)
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/users", s.handleListUsers)
		r.Get("/users/{id}", s.handleGetUser)
		r.Delete("/users/{id}", s.handleDeleteUser)
		r.Get("/users/{id}/reviews", s.handleReviews)
		r.Get("/audit", s.handleAudit)
		r.Post("/checkins/run", s.handleRunCheckin)
	})
	return r
}

// Start begins serving in the background. The listener is bound before
// Start returns so address errors surface immediately.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.cfg.Address, err)
	}

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("admin API starting", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin API server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("admin API shutdown", "error", err)
	}
	s.logger.Info("admin API stopped")
}

// authMiddleware validates the bearer token. An empty configured token locks
// the API instead of opening it.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.cfg.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", chiMiddleware.GetReqID(r.Context()),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
