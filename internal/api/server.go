// Package api exposes the session and wallet operations to the UI shell
// over a local HTTP API.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/student-mobility/session-agent/internal/circuitbreaker"
	"github.com/student-mobility/session-agent/internal/config"
	"github.com/student-mobility/session-agent/internal/identity"
	"github.com/student-mobility/session-agent/internal/logging"
	"github.com/student-mobility/session-agent/internal/models"
	"github.com/student-mobility/session-agent/internal/session"
	"github.com/student-mobility/session-agent/internal/walletlink"
)

// SessionController is the part of the session controller the API drives
type SessionController interface {
	Snapshot() session.Snapshot
	IsLoading() bool
	Login(ctx context.Context, email, password string) (*models.User, error)
	Register(ctx context.Context, in identity.RegisterInput) (*models.User, error)
	Logout(ctx context.Context) error
	Refresh(ctx context.Context) (*models.User, error)
	UpdateUser(ctx context.Context, patch models.UserPatch) (*models.User, error)
	UpdateUserPreferences(ctx context.Context, patch models.Preferences) (*models.User, error)
	SaveProfile(ctx context.Context, update identity.ProfileUpdate) (*models.User, error)
}

// WalletOrchestrator is the part of the wallet orchestrator the API drives
type WalletOrchestrator interface {
	Status() walletlink.Status
	Connect(ctx context.Context) (walletlink.Outcome, error)
	Disconnect(ctx context.Context) error
	SignMessage(ctx context.Context, accountID string, message []byte) ([]byte, error)
	Hub() *walletlink.Hub
}

// UpstreamMonitor reports the identity service circuit
type UpstreamMonitor interface {
	BreakerStats() circuitbreaker.Stats
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	session    SessionController
	wallet     WalletOrchestrator
	upstream   UpstreamMonitor
	logger     *logging.Logger
	config     *ServerConfig

	// streams is cancelled on shutdown so open event streams let go
	streams     context.Context
	stopStreams context.CancelFunc
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// credential submissions per second per client
	AuthRPS   float64
	AuthBurst int
}

// ServerConfigFrom fills timeouts around the configured listen address.
// WriteTimeout stays zero so the event stream is not cut off.
func ServerConfigFrom(cfg config.ServerConfig) *ServerConfig {
	return &ServerConfig{
		Host:            cfg.Host,
		Port:            cfg.Port,
		ReadTimeout:     15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AuthRPS:         1,
		AuthBurst:       5,
	}
}

// NewServer creates a new API server instance. wallet may be nil when the
// agent runs without a wallet host.
func NewServer(cfg *ServerConfig, sess SessionController, wallet WalletOrchestrator, logger *logging.Logger) *Server {
	streams, stopStreams := context.WithCancel(context.Background())
	s := &Server{
		router:      mux.NewRouter(),
		session:     sess,
		wallet:      wallet,
		logger:      logging.OrGlobal(logger).Named("api"),
		config:      cfg,
		streams:     streams,
		stopStreams: stopStreams,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(RequestIDMiddleware(s.logger))
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.httpServer.RegisterOnShutdown(s.stopStreams)
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	// Session endpoints
	api.HandleFunc("/session", s.handleGetSession).Methods(http.MethodGet)

	throttle := RateLimitMiddleware(NewRateLimiter(s.config.AuthRPS, s.config.AuthBurst))
	credential := func(h http.HandlerFunc) http.Handler { return throttle(s.requireRestored(h)) }
	mutation := func(h http.HandlerFunc) http.Handler { return s.requireRestored(h) }

	api.Handle("/session/login", credential(s.handleLogin)).Methods(http.MethodPost)
	api.Handle("/session/register", credential(s.handleRegister)).Methods(http.MethodPost)
	api.Handle("/session/logout", mutation(s.handleLogout)).Methods(http.MethodPost)
	api.Handle("/session/refresh", mutation(s.handleRefresh)).Methods(http.MethodPost)
	api.Handle("/session/user", mutation(s.handleUpdateUser)).Methods(http.MethodPatch)
	api.Handle("/session/preferences", mutation(s.handleUpdatePreferences)).Methods(http.MethodPatch)
	api.Handle("/session/profile", mutation(s.handleSaveProfile)).Methods(http.MethodPatch)

	// Wallet endpoints
	wallet := api.PathPrefix("/wallet").Subrouter()
	wallet.Use(s.requireWallet)
	wallet.HandleFunc("", s.handleWalletStatus).Methods(http.MethodGet)
	wallet.HandleFunc("/events", s.handleWalletEvents).Methods(http.MethodGet)
	wallet.HandleFunc("/connect", s.handleConnect).Methods(http.MethodPost)
	wallet.HandleFunc("/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	wallet.HandleFunc("/sign", s.handleSign).Methods(http.MethodPost)
}

// requireRestored holds session mutations back until the startup restore
// has finished so they cannot race it.
func (s *Server) requireRestored(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.session.IsLoading() {
			w.Header().Set("Retry-After", "1")
			respondCode(w, http.StatusServiceUnavailable, ErrCodeSessionBusy, "session is still loading")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireWallet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.wallet == nil {
			respondCode(w, http.StatusServiceUnavailable, ErrCodeWalletMissing, "wallet features are unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Snapshot()
	body := map[string]interface{}{
		"status":        "healthy",
		"service":       "session-agent",
		"session":       snap.Status,
		"authenticated": snap.Authenticated(),
	}
	if s.wallet != nil {
		body["walletAvailable"] = s.wallet.Status().Available
	}
	if s.upstream != nil {
		body["upstream"] = s.upstream.BreakerStats()
	}
	respondJSON(w, http.StatusOK, body)
}

// WithUpstream adds the identity circuit to the health report
func (s *Server) WithUpstream(u UpstreamMonitor) *Server {
	s.upstream = u
	return s
}

// Handler returns the routed handler. CORS sits outside the router so
// preflight requests are answered before route matching.
func (s *Server) Handler() http.Handler {
	return CORSMiddleware(s.router)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
