// Package server exposes the settlement engine over HTTP and the change feed
// over WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
	"github.com/alanyoungcy/oraclemarket/internal/server/handler"
	"github.com/alanyoungcy/oraclemarket/internal/server/middleware"
	"github.com/alanyoungcy/oraclemarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards the admin routes; empty closes them.
	APIKey string
	Admin  middleware.AdminConfig
	// RateLimit is requests per RateWindow per client; zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Markets    *handler.MarketHandler
	Funds      *handler.FundsHandler
	Trades     *handler.TradeHandler
	Resolution *handler.ResolutionHandler
	Admin      *handler.AdminHandler
	Prices     *handler.PriceHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, rate limiting, admin auth) and
// attaches the WebSocket hub. limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	h := Routes(cfg, handlers, wsHub, limiter, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Routes builds the full handler chain. It is exported for tests.
func Routes(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// --- Public read routes ---
	mux.HandleFunc("GET /health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/version", handlers.Health.Version)
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/price", handlers.Markets.GetPrice)
	mux.HandleFunc("GET /api/markets/{id}/proposal", handlers.Markets.GetProposal)
	mux.HandleFunc("GET /api/markets/{id}/positions/{address}", handlers.Markets.GetPosition)
	mux.HandleFunc("GET /api/balances/{address}", handlers.Funds.GetBalance)
	mux.HandleFunc("GET /api/treasury", handlers.Funds.GetTreasury)
	mux.HandleFunc("GET /api/prices/{asset}", handlers.Prices.GetPrice)

	// --- Participant actions ---
	mux.HandleFunc("POST /api/deposits", handlers.Funds.Deposit)
	mux.HandleFunc("POST /api/withdrawals", handlers.Funds.Withdraw)
	mux.HandleFunc("POST /api/markets", handlers.Markets.CreateMarket)
	mux.HandleFunc("POST /api/markets/{id}/buy", handlers.Trades.Buy)
	mux.HandleFunc("POST /api/markets/{id}/sell", handlers.Trades.Sell)
	mux.HandleFunc("POST /api/markets/{id}/propose", handlers.Resolution.Propose)
	mux.HandleFunc("POST /api/markets/{id}/challenge", handlers.Resolution.Challenge)
	mux.HandleFunc("POST /api/markets/{id}/finalize", handlers.Resolution.Finalize)
	mux.HandleFunc("POST /api/markets/{id}/claim", handlers.Resolution.Claim)

	// --- Admin routes ---
	admin := func(fn http.HandlerFunc) http.Handler {
		return middleware.Auth(cfg.APIKey)(middleware.AdminCaller(cfg.Admin)(fn))
	}
	mux.Handle("POST /api/markets/{id}/void", admin(handlers.Resolution.Void))
	mux.Handle("POST /api/markets/{id}/adjudicate", admin(handlers.Resolution.Adjudicate))
	mux.Handle("POST /api/admin/treasury/sweep", admin(handlers.Admin.SweepTreasury))
	mux.Handle("GET /api/admin/audit", admin(handlers.Admin.Audit))
	mux.Handle("GET /api/admin/audit-log", admin(handlers.Admin.AuditLog))

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
