package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/stagehop/service/db"
	"github.com/brojonat/stagehop/service/metrics"
	"github.com/brojonat/stagehop/service/staging"
	"github.com/brojonat/stagehop/service/temporal"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Store is the read side of the database the API serves.
type Store interface {
	ListRounds(ctx context.Context, params db.ListRoundsParams) ([]*db.Round, error)
	ListOpenRounds(ctx context.Context, limit int32) ([]*db.Round, error)
	GetRound(ctx context.Context, payer, recipient string, roundID uint64) (*db.Round, error)
	ListClosures(ctx context.Context, payer, recipient string, roundID uint64, limit int32) ([]*db.Closure, error)
	ListSweepRuns(ctx context.Context, limit int32) ([]*db.SweepRun, error)
}

// Server represents the HTTP server for the staging service.
type Server struct {
	addr         string
	store        Store
	scheduler    temporal.Scheduler
	deriver      *staging.Deriver
	ssePublisher *SSEPublisher
	funder       *solanago.PublicKey
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The scheduler starts batch and sweep workflows and reports their status.
// The ssePublisher is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(addr string, store Store, scheduler temporal.Scheduler, deriver *staging.Deriver, ssePublisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:         addr,
		store:        store,
		scheduler:    scheduler,
		deriver:      deriver,
		ssePublisher: ssePublisher,
		metrics:      m,
		logger:       logger,
	}
}

// WithFunder enables the funding endpoint for the operator's public address.
func (s *Server) WithFunder(funder solanago.PublicKey) *Server {
	s.funder = &funder
	return s
}

// Handler builds the routed handler. Start serves it; tests call it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.InstrumentHandler(s.metrics, name)(h))
	}

	// Derivation and decoding need no state
	route("GET /api/v1/staging", "/api/v1/staging", handleDeriveStaging(s.deriver, s.logger))
	route("POST /api/v1/decode", "/api/v1/decode", handleDecodeInstruction(s.deriver, s.logger))

	// Recorded rounds and sweeps
	route("GET /api/v1/rounds", "/api/v1/rounds", handleListRounds(s.store, s.logger))
	route("GET /api/v1/rounds/{payer}/{recipient}/{round_id}", "/api/v1/rounds/{id}", handleGetRound(s.store, s.logger))
	route("GET /api/v1/sweeps", "/api/v1/sweeps", handleListSweepRuns(s.store, s.logger))

	// Workflows
	route("POST /api/v1/batches", "/api/v1/batches", handleStartBatch(s.scheduler, s.logger))
	route("POST /api/v1/sweeps", "/api/v1/sweeps", handleStartSweep(s.scheduler, s.logger))
	route("GET /api/v1/workflows/{workflow_id}", "/api/v1/workflows", handleGetWorkflow(s.scheduler, s.logger))

	if s.funder != nil {
		route("GET /api/v1/funding", "/api/v1/funding", handleFundingRequest(*s.funder, s.logger))
	}

	// SSE streaming endpoints (if SSE publisher is configured)
	if s.ssePublisher != nil {
		route("GET /api/v1/stream/transfers/{payer}", "/api/v1/stream/transfers/{payer}", handleStreamTransfers(s.ssePublisher, s.logger))
		route("GET /api/v1/stream/transfers", "/api/v1/stream/transfers", handleStreamTransfers(s.ssePublisher, s.logger))
		route("GET /api/v1/stream/sweeps", "/api/v1/stream/sweeps", handleStreamSweeps(s.ssePublisher, s.logger))
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	if s.ssePublisher == nil {
		s.logger.Warn("SSE publisher not configured, streaming endpoints disabled")
	}
	if s.funder == nil {
		s.logger.Info("no operator address configured, funding endpoint disabled")
	}

	// No WriteTimeout: SSE responses stay open until the client leaves.
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
