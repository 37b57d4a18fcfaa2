package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dativo-io/redact/internal/audit"
	redactotel "github.com/dativo-io/redact/internal/otel"
	"github.com/dativo-io/redact/internal/pipeline"
)

const (
	defaultTimeout      = 60 * time.Second
	defaultMaxBodyBytes = 10 << 20
	defaultMaxBatch     = 1000
)

// Server serves the redaction API.
type Server struct {
	router       *chi.Mux
	pipeline     *pipeline.Pipeline
	apiKeys      map[string]string
	limiter      *RateLimiter
	audit        *audit.Store
	maxBodyBytes int64
	maxBatch     int
	batchWorkers int
	startTime    time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithRateLimiter enables per-caller rate limiting on the API routes.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithMaxBodyBytes caps request bodies; larger requests get 413.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithMaxBatchSize caps the number of documents in one batch request.
func WithMaxBatchSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBatch = n
		}
	}
}

// WithBatchWorkers sets the parallelism of batch requests. Zero or less
// uses GOMAXPROCS.
func WithBatchWorkers(n int) Option {
	return func(s *Server) { s.batchWorkers = n }
}

// WithAuditLog records every processed document in store and enables
// GET /v1/audit.
func WithAuditLog(store *audit.Store) Option {
	return func(s *Server) { s.audit = store }
}

// NewServer builds a Server around p. apiKeys maps key → caller name; an
// empty map disables authentication.
func NewServer(p *pipeline.Pipeline, apiKeys map[string]string, opts ...Option) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		pipeline:     p,
		apiKeys:      apiKeys,
		maxBodyBytes: defaultMaxBodyBytes,
		maxBatch:     defaultMaxBatch,
		startTime:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(redactotel.Middleware())

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.limiter))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/redact", s.handleRedact)
		r.Post("/v1/redact/batch", s.handleRedactBatch)
		if s.audit != nil {
			r.Get("/v1/audit", s.handleAuditList)
		}
	})

	return r
}
