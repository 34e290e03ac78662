// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/middleman-market/middleman/internal/auth"
	"github.com/middleman-market/middleman/internal/chat"
	"github.com/middleman-market/middleman/internal/config"
	"github.com/middleman-market/middleman/internal/custody"
	"github.com/middleman-market/middleman/internal/deal"
	"github.com/middleman-market/middleman/internal/dispute"
	"github.com/middleman-market/middleman/internal/health"
	"github.com/middleman-market/middleman/internal/logging"
	"github.com/middleman-market/middleman/internal/mediator"
	"github.com/middleman-market/middleman/internal/metrics"
	"github.com/middleman-market/middleman/internal/notify"
	"github.com/middleman-market/middleman/internal/ratelimit"
	"github.com/middleman-market/middleman/internal/realtime"
	"github.com/middleman-market/middleman/internal/security"
	"github.com/middleman-market/middleman/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	deals        *deal.Service
	dealTimer    *deal.Timer
	chats        *chat.Router
	collector    *dispute.Collector
	executor     deal.Executor
	med          mediator.Mediator
	notifier     *notify.Dispatcher
	notifyStore  notify.Store
	realtimeHub  *realtime.Hub
	authMgr      *auth.Manager
	healthReg    *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithExecutor sets a custom escrow executor (for testing)
func WithExecutor(e deal.Executor) Option {
	return func(s *Server) {
		s.executor = e
	}
}

// WithMediator sets a custom mediator (for testing)
func WithMediator(m mediator.Mediator) Option {
	return func(s *Server) {
		s.med = m
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set executor/mediator/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Escrow executor: real chain client when keys are configured, otherwise
	// the in-process simulator (every verification succeeds, nothing moves).
	if s.executor == nil {
		if cfg.PrivateKey != "" && cfg.EscrowContract != "" {
			chain, err := custody.New(custody.Config{
				RPCURL:         cfg.RPCURL,
				PrivateKey:     cfg.PrivateKey,
				ChainID:        cfg.ChainID,
				EscrowContract: cfg.EscrowContract,
			}, s.logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create custody client: %w", err)
			}
			s.executor = chain
			s.logger.Info("on-chain escrow enabled",
				"contract", cfg.EscrowContract, "chainId", cfg.ChainID)
		} else {
			s.executor = custody.NewSimulator(s.logger)
			s.logger.Warn("no escrow keys configured, using simulated custody (funds do not move)")
		}
	}

	// Mediator: LLM adjudicator when an API key is configured, rule-based
	// otherwise. Either way it goes behind the circuit breaker so a flapping
	// endpoint degrades to policy-default rulings instead of hanging disputes.
	if s.med == nil {
		if cfg.MediatorAPIKey != "" {
			llm, err := mediator.NewLLM(mediator.Config{
				BaseURL: cfg.MediatorBaseURL,
				APIKey:  cfg.MediatorAPIKey,
				Model:   cfg.MediatorModel,
				Timeout: cfg.MediatorTimeout,
			}, s.logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create mediator: %w", err)
			}
			s.med = llm
			s.logger.Info("LLM mediator enabled", "model", cfg.MediatorModel)
		} else {
			s.med = mediator.NewRuleBased()
			s.logger.Info("rule-based mediator enabled (no LLM key configured)")
		}
	}
	s.med = mediator.NewGuarded(s.med)

	defaults := deal.Terms{
		TransferTimeoutSecs:  int64(cfg.TransferTimeout / time.Second),
		ConfirmTimeoutSecs:   int64(cfg.ConfirmTimeout / time.Second),
		ListingTTLSecs:       int64(cfg.ListingTTL / time.Second),
		FeeBps:               cfg.FeeBps,
		MaxQuestionsPerParty: cfg.MaxQuestions,
		DisputePolicy:        cfg.DisputePolicy,
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var dealStore deal.Store
	var chatStore chat.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		dealStore = deal.NewPostgresStore(db)
		chatStore = chat.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)
		s.healthReg.Register("database", health.DatabaseChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		dealStore = deal.NewMemoryStore()
		chatStore = chat.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.healthReg.Register("custody", health.CustodyChecker(s.executor))

	// Auth (participant JWTs)
	s.authMgr = auth.NewManager(cfg.JWTSecret)

	// Notifications
	var sms *notify.SMSGateway
	if cfg.SMSGatewayURL != "" {
		sms = notify.NewSMSGateway(cfg.SMSGatewayURL, cfg.SMSGatewayKey)
		s.logger.Info("SMS delivery enabled")
	}
	s.notifier = notify.NewDispatcher(s.notifyStore, sms)

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Core services. The deal service owns the state machine; chat routes
	// conversations against it; the dispute collector gates evidence intake
	// and drives adjudication.
	s.deals = deal.NewService(dealStore, s.executor, defaults)
	s.chats = chat.NewRouter(chatStore, s.deals)
	s.deals = s.deals.WithPriceResolver(s.chats)
	s.collector = dispute.NewCollector(s.deals, s.chats, s.med, s.logger)
	s.chats = s.chats.WithDisputeGate(s.collector)

	// Post-commit fan-out: system chat messages, notifications, realtime.
	s.deals = s.deals.WithSideEffects(&dealEffects{
		chats:    s.chats,
		notifier: notify.NewEmitter(s.notifier, s.logger),
		hub:      s.realtimeHub,
		logger:   s.logger,
	})

	s.dealTimer = deal.NewTimer(s.deals, s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Side-effect fan-out
// -----------------------------------------------------------------------------

// dealEffects fans committed deal transitions out to chat, notifications,
// and realtime subscribers. Every branch is best-effort; the transition has
// already committed by the time this runs.
type dealEffects struct {
	chats    *chat.Router
	notifier *notify.Emitter
	hub      *realtime.Hub
	logger   *slog.Logger
}

func (e *dealEffects) DealChanged(ctx context.Context, d *deal.Deal, ev *deal.Event) {
	switch ev.Type {
	case deal.EventClaimed:
		if err := e.chats.HandleDealClaimed(ctx, d); err != nil {
			e.logger.Warn("claim chat fan-out failed", "dealId", d.ID, "error", err)
		}
	case deal.EventTransferred:
		if err := e.chats.SystemNote(ctx, d,
			"Seller marked the item as transferred. Confirm receipt to release the escrow, or open a dispute."); err != nil {
			e.logger.Warn("transfer note failed", "dealId", d.ID, "error", err)
		}
	case deal.EventDisputed:
		if err := e.chats.SystemNote(ctx, d,
			"Dispute opened. Each party now has a private channel with the mediator; statements are not visible to the other side."); err != nil {
			e.logger.Warn("dispute note failed", "dealId", d.ID, "error", err)
		}
	case deal.EventReleased, deal.EventResolved, deal.EventAutoRefunded,
		deal.EventAutoReleased, deal.EventExpired, deal.EventCanceled:
		if err := e.chats.HandleDealClosed(ctx, d, closingNote(ev.Type)); err != nil {
			e.logger.Warn("close chat fan-out failed", "dealId", d.ID, "error", err)
		}
	}

	e.notifier.DealChanged(ctx, d, ev)
	e.hub.DealChanged(ctx, d, ev)
}

func closingNote(t deal.EventType) string {
	switch t {
	case deal.EventReleased:
		return "Buyer confirmed receipt. The escrow has been released to the seller."
	case deal.EventAutoRefunded:
		return "The transfer deadline passed without delivery. The deposit has been refunded to the buyer."
	case deal.EventAutoReleased:
		return "The confirmation deadline passed without objection. The escrow has been released to the seller."
	case deal.EventExpired:
		return "" // unclaimed listing, nobody to tell
	case deal.EventCanceled:
		return "This listing was canceled by an operator."
	default:
		return "" // resolved deals get scoped ruling messages instead
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.healthReg.ReadinessHandler())
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time deal event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group. The auth middleware sits on the whole group: it resolves
	// a bearer token into an identity when one is presented and lets
	// anonymous requests through, so public routes like offer/accept can see
	// who is calling while RequireAuth still gates the protected ones.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	dealHandler := deal.NewHandler(s.deals, s.dealTimer)
	chatHandler := chat.NewHandler(s.chats)
	notifyHandler := notify.NewHandler(s.notifyStore)
	disputeHandler := dispute.NewHandler(s.collector.Orchestrator())

	// PUBLIC ROUTES (no auth required)
	// Listings are browsable by anyone; anonymous buyers can open a
	// negotiation conversation with just a session header.
	dealHandler.RegisterRoutes(v1)
	chatHandler.RegisterRoutes(v1)

	// Token minting. Identity verification (KYC, OAuth, whatever fronts
	// this service) lives outside it; this endpoint trusts the caller in
	// development and requires the admin secret otherwise.
	v1.POST("/auth/token", s.mintTokenHandler)

	// PROTECTED ROUTES (require participant token)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		dealHandler.RegisterProtectedRoutes(protected)
		chatHandler.RegisterProtectedRoutes(protected)
		notifyHandler.RegisterProtectedRoutes(protected)
	}

	// ADMIN ROUTES (operator secret)
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		dealHandler.RegisterAdminRoutes(admin)
		disputeHandler.RegisterAdminRoutes(admin)
	}
}

// mintTokenHandler issues a participant JWT. In production this sits behind
// the operator secret so only the identity frontend can mint.
func (s *Server) mintTokenHandler(c *gin.Context) {
	if !s.cfg.IsDevelopment() {
		if s.cfg.AdminSecret == "" || c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Token minting requires the operator secret outside development",
			})
			return
		}
	}

	var req struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId is required",
		})
		return
	}

	token, err := s.authMgr.IssueToken(req.UserID)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to issue token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue token",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"usage": "Include 'Authorization: Bearer <token>' header in requests.",
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Middleman",
		"description": "Escrow coordination for person-to-person sales",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
		"feeBps":      s.cfg.FeeBps,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start the deadline sweeper (expiry, auto-refund, auto-release)
	go s.dealTimer.Start(runCtx)

	// Export connection pool stats when backed by Postgres
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the deadline sweeper
	s.dealTimer.Stop()
	s.logger.Info("deadline sweeper stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
