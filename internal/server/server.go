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

	"github.com/mbd888/stakehouse/internal/activity"
	"github.com/mbd888/stakehouse/internal/bridge"
	"github.com/mbd888/stakehouse/internal/chain"
	"github.com/mbd888/stakehouse/internal/config"
	"github.com/mbd888/stakehouse/internal/escrow"
	"github.com/mbd888/stakehouse/internal/health"
	"github.com/mbd888/stakehouse/internal/history"
	"github.com/mbd888/stakehouse/internal/logging"
	"github.com/mbd888/stakehouse/internal/metrics"
	"github.com/mbd888/stakehouse/internal/policy"
	"github.com/mbd888/stakehouse/internal/ratelimit"
	"github.com/mbd888/stakehouse/internal/realtime"
	"github.com/mbd888/stakehouse/internal/secrets"
	"github.com/mbd888/stakehouse/internal/security"
	"github.com/mbd888/stakehouse/internal/token"
	"github.com/mbd888/stakehouse/internal/validation"
	"github.com/mbd888/stakehouse/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	wallets       *wallet.Store
	treasury      *wallet.Treasury
	escrowService *escrow.Service
	bridgeService *bridge.Service
	activityH     *activity.Handler
	settlements   history.Store
	chain         *chain.Chain // nil in runtime-ledger mode
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithChain injects a chain handle (for testing)
func WithChain(c *chain.Chain) Option {
	return func(s *Server) {
		s.chain = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Settlement history (Postgres if DATABASE_URL set, otherwise in-memory)
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
		store := history.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate settlement store", "error", err)
		}
		s.settlements = store
		s.logger.Info("using PostgreSQL settlement history", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.settlements = history.NewMemoryStore()
		s.logger.Info("using in-memory settlement history (data will not persist)")
	}

	// Chain handle (optional). Not created when a test injected one.
	if s.chain == nil && cfg.ChainMode() {
		c, err := chain.New(chain.Config{
			RPCURL:            cfg.RPCURL,
			SponsorPrivateKey: cfg.SponsorPrivateKey,
			ChainID:           cfg.ChainID,
			TokenContract:     cfg.TokenContract,
			EscrowContract:    cfg.EscrowContract,
			TreasuryAddress:   cfg.TreasuryAddress,
			TokenDecimals:     int(cfg.TokenDecimals),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to chain: %w", err)
		}
		s.chain = c
		s.logger.Info("chain mode enabled",
			"chain_id", cfg.ChainID,
			"token", cfg.TokenContract,
			"sponsor", c.SponsorAddress().Hex(),
		)

		s.checks.Register("chain", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if _, err := c.Client().BlockNumber(ctx); err != nil {
				return health.Status{Name: "chain", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "chain", Healthy: true}
		})
	}

	// Wallet ledger with seeded house and system wallets
	s.wallets = wallet.NewStore()
	s.treasury = wallet.NewTreasury(s.wallets, cfg.HouseWalletID, cfg.SystemWalletID)
	if err := s.seedWallets(ctx); err != nil {
		return nil, err
	}

	// Escrow settlement engine
	rules := policy.NewEngine(cfg.DailyTxCap, cfg.BankrollCapPct)
	s.escrowService = escrow.NewService(s.wallets, s.treasury, rules, s.settlements, cfg.FeeBasisPoints)
	s.logger.Info("escrow engine enabled",
		"fee_bps", cfg.FeeBasisPoints,
		"daily_tx_cap", cfg.DailyTxCap,
		"bankroll_cap_pct", cfg.BankrollCapPct,
	)

	// Wallet bridge (funding, withdrawal, transfers)
	var bridgeChain bridge.Chain
	if s.chain != nil {
		bridgeChain = s.chain
	}
	s.bridgeService = bridge.NewService(s.wallets, bridgeChain, rules, cfg.TokenSymbol)
	if cfg.WalletKeySecret != "" {
		codec, err := secrets.NewCodec(cfg.WalletKeySecret)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize key sealing: %w", err)
		}
		s.bridgeService.WithKeys(codec)
		s.logger.Info("wallet key sealing enabled")
	}

	// On-chain activity feed, only meaningful with a chain handle
	if s.chain != nil {
		indexer, err := activity.NewIndexer(s.chain.Client(), s.chain.TokenAddress(),
			s.chain.EscrowAddress(), s.chain.TokenDecimals(), cfg.TokenSymbol)
		if err != nil {
			return nil, fmt.Errorf("failed to create activity indexer: %w", err)
		}
		s.activityH = activity.NewHandler(indexer, s.wallets, cfg.ActivityLookbackBlocks)
		s.logger.Info("activity indexing enabled", "lookback_blocks", cfg.ActivityLookbackBlocks)
	}

	// Realtime hub for WebSocket settlement and wallet event streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.escrowService.WithEvents(s.realtimeHub)
	s.bridgeService.WithEvents(s.realtimeHub)
	s.logger.Info("realtime streaming enabled")

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// seedWallets creates the house and system wallets and funds them with
// their configured opening balances.
func (s *Server) seedWallets(ctx context.Context) error {
	bankroll, ok := token.Parse(s.cfg.HouseBankroll)
	if !ok {
		return fmt.Errorf("invalid HOUSE_BANKROLL: %q", s.cfg.HouseBankroll)
	}
	reserve, ok := token.Parse(s.cfg.SystemReserve)
	if !ok {
		return fmt.Errorf("invalid SYSTEM_RESERVE: %q", s.cfg.SystemReserve)
	}

	if _, err := s.wallets.Put(ctx, s.cfg.HouseWalletID, wallet.RoleHouse, s.cfg.TreasuryAddress, ""); err != nil {
		return fmt.Errorf("failed to create house wallet: %w", err)
	}
	if bankroll.Sign() > 0 {
		if err := s.wallets.Credit(ctx, s.cfg.HouseWalletID, bankroll); err != nil {
			return fmt.Errorf("failed to seed house bankroll: %w", err)
		}
	}

	if _, err := s.wallets.Put(ctx, s.cfg.SystemWalletID, wallet.RoleSystem, "", ""); err != nil {
		return fmt.Errorf("failed to create system wallet: %w", err)
	}
	if reserve.Sign() > 0 {
		if err := s.wallets.Credit(ctx, s.cfg.SystemWalletID, reserve); err != nil {
			return fmt.Errorf("failed to seed system reserve: %w", err)
		}
	}

	s.logger.Info("treasury wallets seeded",
		"house", s.cfg.HouseWalletID,
		"bankroll", s.cfg.HouseBankroll,
		"system", s.cfg.SystemWalletID,
		"reserve", s.cfg.SystemReserve,
	)
	return nil
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
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time settlement events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	v1.GET("/platform", s.platformHandler)

	walletHandler := bridge.NewHandler(s.bridgeService, s.wallets)
	walletHandler.RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(v1)

	if s.activityH != nil {
		s.activityH.RegisterRoutes(v1)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Stakehouse",
		"description": "Wallet ledger and escrow settlement engine for wagered matches",
		"version":     "0.1.0",
		"currency":    s.cfg.TokenSymbol,
		"chainMode":   s.cfg.ChainMode(),
	})
}

// platformHandler returns settlement policy and treasury info
func (s *Server) platformHandler(c *gin.Context) {
	platform := gin.H{
		"name":           "Stakehouse",
		"version":        "0.1.0",
		"currency":       s.cfg.TokenSymbol,
		"feeBps":         s.cfg.FeeBasisPoints,
		"dailyTxCap":     s.cfg.DailyTxCap,
		"bankrollCapPct": s.cfg.BankrollCapPct,
		"houseWalletId":  s.cfg.HouseWalletID,
		"chainMode":      s.cfg.ChainMode(),
	}
	if s.chain != nil {
		platform["chainId"] = s.cfg.ChainID
		platform["tokenContract"] = s.cfg.TokenContract
		platform["sponsorAddress"] = s.chain.SponsorAddress().Hex()
	}

	c.JSON(http.StatusOK, gin.H{
		"platform": platform,
		"instructions": gin.H{
			"fund":    "POST /v1/wallets/{id}/fund to credit a wallet",
			"lock":    "POST /v1/escrow/lock with wager_id, challenger_id, opponent_id, amount",
			"resolve": "POST /v1/escrow/{wagerId}/resolve with winner_id",
			"events":  "Connect to /ws for live settlement events",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

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

	// Cancel the context for background goroutines (realtime hub)
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

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close chain connection
	if s.chain != nil {
		s.chain.Client().Close()
		s.logger.Info("chain client closed")
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
