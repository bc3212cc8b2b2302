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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/giftswap/internal/chain"
	"github.com/mbd888/giftswap/internal/circuitbreaker"
	"github.com/mbd888/giftswap/internal/config"
	"github.com/mbd888/giftswap/internal/escrow"
	"github.com/mbd888/giftswap/internal/giftcard"
	"github.com/mbd888/giftswap/internal/health"
	"github.com/mbd888/giftswap/internal/logging"
	"github.com/mbd888/giftswap/internal/metrics"
	"github.com/mbd888/giftswap/internal/pricefeed"
	"github.com/mbd888/giftswap/internal/purchase"
	"github.com/mbd888/giftswap/internal/ratelimit"
	"github.com/mbd888/giftswap/internal/realtime"
	"github.com/mbd888/giftswap/internal/security"
	"github.com/mbd888/giftswap/internal/traces"
	"github.com/mbd888/giftswap/internal/validation"
	"github.com/mbd888/giftswap/internal/voucher"
	"github.com/mbd888/giftswap/internal/watcher"
)

// Version is reported by /health and the tracer resource.
var Version = "dev"

// simulatorOwner is the owner address reported by simulated escrows.
const simulatorOwner = "0x000000000000000000000000000000000000dEaD"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	rpc         *ethclient.Client // nil in simulator mode
	wsRPC       *ethclient.Client // nil without WS_RPC_URL
	provisioner escrow.Provisioner
	status      escrow.StatusReader
	funding     purchase.FundingWatcher
	receipts    purchase.TxWaiter

	priceSource pricefeed.Source
	prices      *pricefeed.Client
	sender      voucher.Sender
	vouchers    *voucher.Dispatcher
	purchases   *purchase.Manager
	hub         *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	stopPrices    func()
	traceShutdown func(context.Context) error
	drainDelay    time.Duration

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

// WithPriceSource replaces the CoinGecko source (for testing)
func WithPriceSource(src pricefeed.Source) Option {
	return func(s *Server) {
		s.priceSource = src
	}
}

// WithVoucherSender replaces the configured voucher sender (for testing)
func WithVoucherSender(sender voucher.Sender) Option {
	return func(s *Server) {
		s.sender = sender
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.checkUpstreams(); err != nil {
		return nil, err
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var store voucher.Store = voucher.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		store = voucher.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
	}

	if err := s.setupChain(ctx); err != nil {
		return nil, err
	}

	// Price feed
	upstreams := circuitbreaker.New(5, 30*time.Second)
	if s.priceSource == nil {
		s.priceSource = pricefeed.Guard(
			pricefeed.NewCoinGecko(cfg.PriceAPIURL, cfg.PriceAPIKey), upstreams, "coingecko")
	}
	s.prices = pricefeed.NewClient(s.priceSource, cfg.PriceCacheTTL,
		pricefeed.WithRefreshInterval(cfg.PriceRefreshInterval),
		pricefeed.WithLogger(s.logger.With("component", "pricefeed")),
	)

	// Voucher dispatch
	if s.sender == nil {
		if cfg.EmailEnabled() {
			s.sender = voucher.GuardedSender{
				Sender: voucher.NewEmailSender(voucher.EmailConfig{
					APIURL:     cfg.EmailAPIURL,
					ServiceID:  cfg.EmailServiceID,
					TemplateID: cfg.EmailTemplateID,
					PublicKey:  cfg.EmailPublicKey,
					PrivateKey: cfg.EmailPrivateKey,
				}),
				Breaker: upstreams,
			}
		} else {
			s.logger.Warn("email delivery not configured, voucher codes will be logged")
			s.sender = &voucher.LogSender{Logger: s.logger.With("component", "voucher")}
		}
	}
	s.vouchers = voucher.NewDispatcher(s.sender, store, s.logger.With("component", "voucher"))

	// Purchase orchestration, with every published view fanned out to
	// websocket subscribers.
	s.hub = realtime.NewHub(s.logger.With("component", "realtime"))
	s.purchases = purchase.NewManager(purchase.Deps{
		Provisioner: s.provisioner,
		Status:      s.status,
		Watcher:     s.funding,
		Receipts:    s.receipts,
		Vouchers:    s.vouchers,
		Prices:      s.prices,
		Catalog:     giftcard.Default,
		TokenID:     cfg.PriceTokenID,
		ChainID:     cfg.ChainID,
		Logger:      s.logger.With("component", "purchase"),
	}, policyFromConfig(cfg.Purchase), purchase.WithViewObserver(s.hub.PublishView))

	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// setupChain picks the escrow backend: a remote provisioning service, the
// factory contract through the owner key, or the in-memory simulator.
func (s *Server) setupChain(ctx context.Context) error {
	cfg := s.cfg

	if cfg.SimulatedChain() {
		sim := escrow.NewSimulator(simulatorOwner)
		s.provisioner, s.status, s.funding, s.receipts = sim, sim, sim, sim
		s.logger.Warn("no PRIVATE_KEY or PROVISIONING_URL, using in-memory escrow simulator")
		return nil
	}

	rpc, err := chain.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return err
	}
	s.rpc = rpc
	s.receipts = &chain.ReceiptWaiter{
		Client:   rpc,
		Interval: chain.ReceiptPollInterval,
		Timeout:  cfg.Purchase.PaymentWindow,
	}

	if cfg.ProvisioningURL != "" {
		remote := escrow.NewRemoteClient(cfg.ProvisioningURL, 0)
		s.provisioner, s.status = remote, remote
		s.logger.Info("using remote provisioning service", "url", cfg.ProvisioningURL)
	} else {
		signer, err := chain.NewSigner(rpc, cfg.PrivateKey, cfg.ChainID)
		if err != nil {
			return fmt.Errorf("failed to create signer: %w", err)
		}
		backend := escrow.NewChainBackend(rpc, signer, common.HexToAddress(cfg.FactoryAddress),
			escrow.WithChainLogger(s.logger.With("component", "escrow")),
		)
		s.provisioner, s.status = backend, backend
		s.logger.Info("using escrow factory", "factory", cfg.FactoryAddress, "owner", signer.Address().Hex())
	}

	if cfg.WSRPCURL != "" {
		ws, err := chain.Dial(ctx, cfg.WSRPCURL)
		if err != nil {
			s.logger.Warn("websocket RPC unavailable, funding confirmed by polling only", "error", err)
		} else {
			s.wsRPC = ws
			s.funding = watcher.New(ws, watcher.DefaultConfig(), s.logger.With("component", "watcher"))
		}
	}
	return nil
}

// checkUpstreams rejects plaintext or private outbound endpoints outside
// development.
func (s *Server) checkUpstreams() error {
	allowPrivate := !s.cfg.IsProduction()
	urls := map[string]string{"PRICE_API_URL": s.cfg.PriceAPIURL}
	if s.cfg.ProvisioningURL != "" {
		urls["PROVISIONING_URL"] = s.cfg.ProvisioningURL
	}
	if s.cfg.EmailEnabled() {
		urls["EMAIL_API_URL"] = s.cfg.EmailAPIURL
	}
	for key, u := range urls {
		if err := security.ValidateUpstreamURL(u, allowPrivate); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	if s.rpc != nil {
		rpc := s.rpc
		s.health.Register("rpc", health.PingChecker("rpc", func(ctx context.Context) error {
			return chain.Ping(ctx, rpc)
		}))
	}
	if s.db != nil {
		s.health.Register("database", health.DBChecker(s.db))
	}
	s.health.Register("pricefeed", health.PriceChecker(s.prices, s.cfg.PriceTokenID))
}

func policyFromConfig(p config.PurchasePolicy) purchase.Policy {
	policy := purchase.DefaultPolicy()
	policy.MaxRetries = p.MaxRetries
	if p.RetryBackoff > 0 {
		policy.RetryBackoff = p.RetryBackoff
	}
	if p.PollInterval > 0 {
		policy.PollInterval = p.PollInterval
	}
	if p.PaymentWindow > 0 {
		policy.PaymentWindow = p.PaymentWindow
	}
	if p.RecheckDelay > 0 {
		policy.RecheckDelay = p.RecheckDelay
	}
	if p.GraceDelay > 0 {
		policy.GraceDelay = p.GraceDelay
	}
	if p.SessionTTL > 0 {
		policy.SessionTTL = p.SessionTTL
	}
	return policy
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         5,
		IdleTTL:           2 * time.Minute,
	})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Provisioning and status endpoints keep their /api paths and
	// {success, ...} envelopes.
	api := s.router.Group("/api")
	api.Use(s.limitPaths("create_contract", "/api/create-contract"))
	escrow.NewHandler(s.provisioner, s.status).RegisterRoutes(api)

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)
	v1.Use(s.limitPaths("purchase",
		"/v1/purchases",
		"/v1/purchases/:id/confirm",
	))
	purchase.NewHandler(s.purchases).RegisterRoutes(v1)
	pricefeed.NewHandler(s.prices).RegisterRoutes(v1)
	s.hub.RegisterRoutes(v1)
}

// limitPaths rate limits POSTs to the given route patterns. Those are the
// requests that end in an escrow deployment.
func (s *Server) limitPaths(route string, patterns ...string) gin.HandlerFunc {
	limited := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		limited[p] = true
	}
	mw := s.rateLimiter.Middleware(route)
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost && limited[c.FullPath()] {
			mw(c)
			return
		}
		c.Next()
	}
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Mode      string          `json:"mode"`
	Sessions  int             `json:"sessions"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Mode:      s.mode(),
		Sessions:  s.purchases.Len(),
		Checks:    checks,
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
	s.health.Handler()(c)
}

func (s *Server) infoHandler(c *gin.Context) {
	network := chain.CoreTestnet2
	network.ChainID = s.cfg.ChainID
	network.RPCURL = s.cfg.RPCURL
	c.JSON(http.StatusOK, gin.H{
		"name":      "giftswap",
		"version":   Version,
		"mode":      s.mode(),
		"network":   network,
		"priceFeed": s.cfg.PriceTokenID,
	})
}

func (s *Server) mode() string {
	switch {
	case s.cfg.SimulatedChain():
		return "simulator"
	case s.cfg.ProvisioningURL != "":
		return "remote"
	default:
		return "chain"
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracing, err := traces.Init(runCtx, s.otlpEndpoint(), Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.traceShutdown = shutdownTracing
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * time.Minute, // confirm waits on escrow deployment
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "mode", s.mode())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.purchases.Run(runCtx, time.Minute)
	go metrics.StartRuntimeCollector(runCtx, s.db, 15*time.Second)
	s.rateLimiter.Start(time.Minute)
	s.stopPrices = s.prices.Subscribe(s.cfg.PriceTokenID)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

func (s *Server) otlpEndpoint() string {
	if !s.cfg.OTelEnabled {
		return ""
	}
	return s.cfg.OTelEndpoint
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stops the hub and the manager's eviction loop, which closes every
	// session and cancels its activities.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.purchases.Shutdown()

	if s.stopPrices != nil {
		s.stopPrices()
	}
	s.prices.Close()
	s.rateLimiter.Stop()

	if s.wsRPC != nil {
		s.wsRPC.Close()
	}
	if s.rpc != nil {
		s.rpc.Close()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
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
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
