// Package server assembles the HTTP server, stores, and background workers.
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
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/peermint/settlement/internal/batch"
	"github.com/peermint/settlement/internal/config"
	"github.com/peermint/settlement/internal/convert"
	"github.com/peermint/settlement/internal/corridor"
	"github.com/peermint/settlement/internal/health"
	"github.com/peermint/settlement/internal/httpapi"
	"github.com/peermint/settlement/internal/idgen"
	"github.com/peermint/settlement/internal/ledger"
	"github.com/peermint/settlement/internal/logging"
	"github.com/peermint/settlement/internal/metrics"
	"github.com/peermint/settlement/internal/orders"
	"github.com/peermint/settlement/internal/outbox"
	"github.com/peermint/settlement/internal/realtime"
	"github.com/peermint/settlement/internal/traces"
	"github.com/peermint/settlement/internal/validation"
)

// Server wraps the HTTP server and all transactional-core dependencies.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db     *sql.DB // nil when running on in-memory stores
	writer *batch.Writer

	ordersSvc   *orders.Service
	corridorSvc *corridor.Service
	convertSvc  *convert.Service

	hub           *realtime.Hub
	outboxWorker  *outbox.Worker
	expiryWorker  *orders.ExpiryWorker
	timeoutWorker *corridor.TimeoutWorker

	healthReg *health.Registry

	router       *gin.Engine
	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc
	traceClose   func(context.Context) error

	ready atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a server instance. With DATABASE_URL set it runs on Postgres;
// otherwise everything lives in memory and mock mode is forced on, since
// there is no durable escrow to attest against.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var (
		ordersStore   orders.Store
		corridorStore corridor.Store
		convertStore  convert.Store
		batchStore    batch.Store
		outboxStore   outbox.Store
	)

	mockMode := cfg.MockMode
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		ordersStore = orders.NewPostgresStore(db)
		corridorStore = corridor.NewPostgresStore(db)
		convertStore = convert.NewPostgresStore(db)
		batchStore = batch.NewPostgresStore(db)
		outboxStore = outbox.NewPostgresStore(db)
		s.healthReg.Register("database", health.DatabaseChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		// All stores share one balance book so escrow, corridor, and
		// conversion moves settle against the same numbers.
		book := ledger.NewMemoryBook()
		ordersMem := orders.NewMemoryStore(book)
		corridorMem := corridor.NewMemoryStore(book)
		ordersMem.SetCorridorBridge(corridorMem.Bridge)
		corridorMem.SetOrderHooks(ordersMem.LinkCorridorFulfillment, ordersMem.DetachCorridorFulfillment)
		outboxMem := outbox.NewMemoryStore()
		ordersStore = ordersMem
		corridorStore = corridorMem
		convertStore = convert.NewMemoryStore(book)
		batchStore = batch.NewMemoryStore(outboxMem)
		outboxStore = outboxMem
		mockMode = true
		s.logger.Info("using in-memory storage, mock mode forced on")
	}

	s.writer = batch.NewWriter(batchStore, s.logger)

	s.ordersSvc = orders.NewService(ordersStore, s.writer, s.logger).
		WithMockMode(mockMode).
		WithExtensionMinutes(cfg.ExtensionMinutes)
	s.corridorSvc = corridor.NewService(corridorStore, s.writer, s.logger)
	s.convertSvc = convert.NewService(convertStore, s.logger)

	// The primary owns the subscription fabric and the background sweeps.
	// Worker replicas serve HTTP only.
	if cfg.IsPrimary() {
		s.hub = realtime.NewHub(s.logger)
		s.ordersSvc.WithPublisher(s.hub)

		s.outboxWorker = outbox.NewWorker(outboxStore, s.deliverNotification, s.logger,
			outbox.WithInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithHeartbeatDir(cfg.HeartbeatDir),
		)
		s.expiryWorker = orders.NewExpiryWorker(s.ordersSvc, s.logger,
			orders.WithExpiryInterval(cfg.ExpiryPollInterval),
			orders.WithExpiryBatchSize(cfg.ExpiryBatchSize),
			orders.WithExpiryHeartbeatDir(cfg.HeartbeatDir),
		)
		s.timeoutWorker = corridor.NewTimeoutWorker(s.corridorSvc, s.logger,
			corridor.WithTimeoutInterval(cfg.CorridorPollInterval),
			corridor.WithTimeoutHeartbeatDir(cfg.HeartbeatDir),
		)

		s.healthReg.Register("outbox_worker", health.WorkerChecker("outbox_worker", s.outboxWorker.Running))
		s.healthReg.Register("expiry_worker", health.WorkerChecker("expiry_worker", s.expiryWorker.Running))
		s.healthReg.Register("corridor_timer", health.WorkerChecker("corridor_timer", s.timeoutWorker.Running))
		if dir := cfg.HeartbeatDir; dir != "" {
			s.healthReg.Register("outbox_heartbeat", health.HeartbeatChecker("outbox_heartbeat",
				filepath.Join(dir, "outbox-worker.heartbeat"), 3*cfg.OutboxPollInterval+time.Minute))
			s.healthReg.Register("expiry_heartbeat", health.HeartbeatChecker("expiry_heartbeat",
				filepath.Join(dir, "expiry-worker.heartbeat"), 3*cfg.ExpiryPollInterval+time.Minute))
			s.healthReg.Register("corridor_heartbeat", health.HeartbeatChecker("corridor_heartbeat",
				filepath.Join(dir, "corridor-worker.heartbeat"), 3*cfg.CorridorPollInterval+time.Minute))
		}
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// deliverNotification is the outbox delivery hook. Live order events already
// reach subscribers through the fabric at commit time; the outbox is the
// durable trail for external consumers, so delivery here is a structured log
// line an ops pipeline can ship.
func (s *Server) deliverNotification(ctx context.Context, r *outbox.Record) error {
	logging.L(ctx).Info("notification delivered",
		"notification_id", r.ID,
		"order_id", r.OrderID,
		"event_type", r.EventType,
	)
	return nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "An unexpected error occurred",
			},
		})
	}))

	s.router.Use(s.corsMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	origin := s.cfg.CORSOrigin
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, x-actor-type, x-actor-id")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthReg.Handler())
	s.router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	s.router.GET("/health/ready", func(c *gin.Context) {
		if !s.ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	s.router.GET("/metrics", metrics.Handler())

	if s.hub != nil {
		s.router.GET("/ws/orders", s.hub.HandleWS)
	}

	v1 := s.router.Group("/v1")
	orders.NewHandler(s.ordersSvc).RegisterRoutes(v1)
	corridor.NewHandler(s.corridorSvc).RegisterRoutes(v1)
	convert.NewHandler(s.convertSvc).RegisterRoutes(v1)
	if s.hub != nil {
		v1.GET("/realtime/stats", func(c *gin.Context) {
			httpapi.OK(c, s.hub.Stats())
		})
	}
}

// Run starts the HTTP server and background workers, then blocks until a
// shutdown signal, a server error, or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Error("tracing init failed", "error", err)
		} else {
			s.traceClose = shutdown
		}
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Host + ":" + s.cfg.Port,
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
			"env", s.cfg.Env,
			"primary", s.cfg.IsPrimary(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.outboxWorker != nil {
		go s.outboxWorker.Start(runCtx)
	}
	if s.expiryWorker != nil {
		go s.expiryWorker.Start(runCtx)
	}
	if s.timeoutWorker != nil {
		go s.timeoutWorker.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown drains in-flight requests, stops the workers, and flushes the
// batch writer before closing the database pool.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.outboxWorker != nil {
		s.outboxWorker.Stop()
		s.logger.Info("outbox worker stopped")
	}
	if s.expiryWorker != nil {
		s.expiryWorker.Stop()
		s.logger.Info("expiry worker stopped")
	}
	if s.timeoutWorker != nil {
		s.timeoutWorker.Stop()
		s.logger.Info("corridor timer stopped")
	}

	// Flush buffered audit rows and notifications before the pool goes away.
	s.writer.Close(ctx)
	s.logger.Info("batch writer drained")

	if s.traceClose != nil {
		if err := s.traceClose(ctx); err != nil {
			s.logger.Error("trace exporter close error", "error", err)
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// maskDSN hides credentials in a connection string before logging it.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}
