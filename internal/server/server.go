// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/coachdesk/subsync/internal/auth"
	"github.com/coachdesk/subsync/internal/billing"
	"github.com/coachdesk/subsync/internal/circuitbreaker"
	"github.com/coachdesk/subsync/internal/config"
	"github.com/coachdesk/subsync/internal/entitlement"
	"github.com/coachdesk/subsync/internal/events"
	"github.com/coachdesk/subsync/internal/idgen"
	"github.com/coachdesk/subsync/internal/logging"
	"github.com/coachdesk/subsync/internal/metrics"
	"github.com/coachdesk/subsync/internal/override"
	"github.com/coachdesk/subsync/internal/profile"
	"github.com/coachdesk/subsync/internal/ratelimit"
	"github.com/coachdesk/subsync/internal/reconcile"
	"github.com/coachdesk/subsync/internal/security"
	"github.com/coachdesk/subsync/internal/subscription"
	"github.com/coachdesk/subsync/internal/traces"
	"github.com/coachdesk/subsync/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	profiles    profile.Store
	subs        subscription.Store
	overrides   override.Store
	authMgr     *auth.Manager
	engine      *reconcile.Engine
	source      reconcile.EntitlementSource
	hub         *events.Hub
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	shutdownTr  func(context.Context) error

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

// WithEntitlementSource sets a custom entitlement source (for testing)
func WithEntitlementSource(src reconcile.EntitlementSource) Option {
	return func(s *Server) {
		s.source = src
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.profiles = profile.NewPostgresStore(db)
		s.subs = subscription.NewPostgresStore(db)
		s.overrides = override.NewPostgresStore(db)
		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.profiles = profile.NewMemoryStore()
		s.subs = subscription.NewMemoryStore()
		s.overrides = override.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Tracing
	shutdownTr, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTr = shutdownTr

	// Entitlement provider client unless injected. The breaker keeps a
	// failing provider from being hammered by refresh storms.
	if s.source == nil {
		client := entitlement.NewClient(
			cfg.EntitlementAPIURL,
			cfg.EntitlementAPIKey,
			cfg.EntitlementTimeout,
			s.logger,
		)
		s.source = entitlement.WithBreaker(client, circuitbreaker.New("provider", 5, 30*time.Second))
	}

	// Event hub for live subscription updates
	s.hub = events.NewHub(s.logger)

	// Reconciliation engine
	s.engine = reconcile.NewEngine(s.profiles, s.subs, s.overrides, s.source,
		reconcile.WithLogger(s.logger),
		reconcile.WithPublisher(s.hub),
	)

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

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
			"request_id", logging.RequestID(c.Request.Context()),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS for the hosting application's frontend
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honor an existing request ID from a load balancer
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)
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

		logger := s.logger.With(
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"request_id", logging.RequestID(c.Request.Context()),
		)

		switch {
		case status >= 500:
			logger.Error("request completed", "client_ip", c.ClientIP())
		case status >= 400:
			logger.Warn("request completed")
		default:
			logger.Info("request completed")
		}
	}
}

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Stripe webhooks (authenticated by signature, not session)
	billingHandler := billing.NewHandler(s.subs, s.hub, s.cfg.StripeWebhookSecret, s.logger)
	webhooks := s.router.Group("/webhooks")
	billingHandler.RegisterRoutes(webhooks)

	// V1 API group. All routes see the session if one is presented.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	// PROTECTED ROUTES (require session token)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		// WebSocket event stream carries coach ids and tiers
		protected.GET("/events", s.hub.HandleWS)

		// The reconcile route fans out to the provider; throttle it.
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitPerMinute,
		})

		reconcileHandler := reconcile.NewHandler(s.engine, s.profiles, s.subs, s.logger)
		reconcileHandler.RegisterRoutes(protected, s.rateLimiter.Middleware())
	}

	// ADMIN ROUTES (require admin secret)
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	admin.Use(validation.CoachIDParamMiddleware())
	{
		overrideHandler := override.NewHandler(s.overrides, s.logger)
		overrideHandler.RegisterRoutes(admin)

		admin.POST("/coaches", s.createCoachHandler)
		admin.POST("/sessions", s.issueSessionHandler)
	}
}

// createCoachHandler handles POST /v1/admin/coaches. The hosting
// application registers a coach account here when onboarding completes.
func (s *Server) createCoachHandler(c *gin.Context) {
	var req struct {
		UserID      string `json:"userId" binding:"required"`
		DisplayName string `json:"displayName"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId required"})
		return
	}

	if existing, err := s.profiles.GetByUserID(c.Request.Context(), req.UserID); err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "already_exists", "coachId": existing.ID})
		return
	}

	p := &profile.Profile{
		ID:          idgen.WithPrefix("coach_"),
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		CreatedAt:   time.Now(),
	}
	if err := s.profiles.Create(c.Request.Context(), p); err != nil {
		s.logger.Error("failed to create coach profile", "user_id", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create coach profile"})
		return
	}

	s.logger.Info("coach profile created", "coach_id", p.ID, "user_id", p.UserID)
	c.JSON(http.StatusCreated, p)
}

// issueSessionHandler handles POST /v1/admin/sessions. The hosting
// application exchanges its own authenticated user for a subsync token.
func (s *Server) issueSessionHandler(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
		TTL    string `json:"ttl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId required"})
		return
	}

	ttl := 24 * time.Hour
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "ttl must be a positive duration"})
			return
		}
		ttl = d
	}

	raw, sess, err := s.authMgr.Issue(c.Request.Context(), req.UserID, ttl)
	if err != nil {
		s.logger.Error("failed to issue session", "user_id", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to issue session"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":     raw,
		"sessionId": sess.ID,
		"expiresAt": sess.ExpiresAt,
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Router exposes the gin engine for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Run starts the HTTP server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"provider", s.cfg.EntitlementAPIURL,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.hub != nil {
		s.hub.Shutdown(ctx)
		s.logger.Info("event hub stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.shutdownTr != nil {
		if err := s.shutdownTr(ctx); err != nil {
			s.logger.Warn("tracer shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
