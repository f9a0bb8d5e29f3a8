package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callsession-backend/internal/callid"
	intDatabase "callsession-backend/internal/database"
	callHandler "callsession-backend/internal/handler/http/call"
	wsHandler "callsession-backend/internal/handler/ws"
	"callsession-backend/internal/middleware"
	"callsession-backend/internal/repository/cassandra"
	"callsession-backend/internal/repository/cockroach"
	"callsession-backend/internal/repository/memory"
	redisRepo "callsession-backend/internal/repository/redis"
	"callsession-backend/internal/session"
	callService "callsession-backend/internal/service/call"
	"callsession-backend/internal/timeout"
	"callsession-backend/pkg/audit"
	"callsession-backend/pkg/cache"
	"callsession-backend/pkg/config"
	pkgDatabase "callsession-backend/pkg/database"
	"callsession-backend/pkg/jwt"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
	"callsession-backend/pkg/resilience"
)

const (
	// accessTokenDuration only matters for tokens minted by this process (tooling)
	accessTokenDuration = 15 * time.Minute
	directoryCacheSize  = 10000
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.InitDefault()
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		logger.InitDefault()
		logger.Warn("Failed to initialize configured logger, using defaults", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 1. Redis: revocation list, presence, call history fan-out
	redisDB := intDatabase.NewRedisDB(&cfg.Redis, appMetrics)
	defer redisDB.Close()
	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unavailable at startup, running degraded", zap.Error(err))
	}
	redisDB.StartHealthCheck(ctx, 10*time.Second)

	// 2. Durable stores
	db, err := connectCockroach(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	defer db.Close()
	if cfg.Database.AutoMigrate {
		if err := cockroach.EnsureSchema(ctx, db.Pool); err != nil {
			logger.Fatal("Failed to apply CockroachDB schema", zap.Error(err))
		}
	}
	var directory callService.ConversationDirectory = cockroach.NewConversationRepository(db.Pool)
	if cfg.Call.DirectoryCacheTTL > 0 {
		cached := cache.NewDirectoryCache(directory, cfg.Call.DirectoryCacheTTL, directoryCacheSize, appMetrics)
		stopCleanup := cached.StartCleanup(cfg.Call.DirectoryCacheTTL)
		defer stopCleanup()
		directory = cached
	}

	var (
		store      callService.CallStore
		sink       audit.Sink
		qualityLog callService.QualityLog
		history    callService.HistoryPublisher
	)
	switch cfg.Store.Driver {
	case "memory":
		// Call records and audit stay in process; conversations still come from CockroachDB
		eventLog := memory.NewEventLog()
		store, sink, qualityLog = memory.NewCallStore(), eventLog, eventLog
		history = memory.NewHistorySink()
		logger.Warn("Using in-memory call store, call records are lost on restart")
	default:
		cass, err := pkgDatabase.NewCassandraDB(&cfg.Cassandra)
		if err != nil {
			logger.Fatal("Failed to connect to Cassandra", zap.Error(err))
		}
		defer cass.Close()

		events := cassandra.NewCallEventRepository(cass.Session)
		if cfg.Database.AutoMigrate {
			if err := events.EnsureSchema(ctx); err != nil {
				logger.Fatal("Failed to apply Cassandra schema", zap.Error(err))
			}
		}
		breaker := resilience.NewCircuitBreaker("cassandra_audit", resilience.DefaultSettings, appMetrics)
		store, sink, qualityLog = cockroach.NewCallRepository(db.Pool), audit.GuardedSink(events, breaker), events
		history = redisRepo.NewHistoryPublisher(redisDB)
	}

	auditWriter := audit.NewWriter(sink, cfg.Call.AuditQueueSize, appMetrics)
	auditWriter.Start()

	// 3. Call core
	timers := timeout.NewSupervisor(cfg.Call.AcceptanceTimeout, cfg.Call.EstablishmentTimeout)
	callSvc := callService.NewService(callService.Dependencies{
		Store:      store,
		Directory:  directory,
		Registry:   session.NewRegistry(),
		Resolver:   callid.NewResolver(),
		Timers:     timers,
		Audit:      auditWriter,
		QualityLog: qualityLog,
		History:    history,
		Metrics:    appMetrics,
	}, callService.Config{
		AllowConcurrentCalls: cfg.Call.AllowConcurrentCalls,
		ICEServers:           cfg.Call.ICEServers(),
		ICECandidatePoolSize: cfg.Call.ICECandidatePoolSize,
		QualitySampleWindow:  cfg.Call.QualitySamples,
	})

	hub := wsHandler.NewHub(callSvc, redisRepo.NewPresenceRepository(redisDB), appMetrics, cfg.Server.AllowedOrigins)
	callSvc.SetNotifier(hub)

	// 4. Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Recovery())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "healthy",
			"service":        cfg.Server.ServiceName,
			"redis_degraded": redisDB.IsDegraded(),
			"time":           time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience, accessTokenDuration)
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, middleware.NewRedisRevocationChecker(redisDB)))
	callHandler.NewHandler(callSvc).RegisterRoutes(v1)
	v1.GET("/calls/ws", hub.ServeWS)

	// 5. Serve until signalled
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("store", cfg.Store.Driver),
			zap.String("environment", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down call service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	hub.CloseAll()
	timers.Stop()
	if err := auditWriter.Close(shutdownCtx); err != nil {
		logger.Warn("Audit records left unwritten at shutdown", zap.Error(err))
	}
}

// connectCockroach retries the initial connection with exponential backoff
func connectCockroach(ctx context.Context, cfg *config.DatabaseConfig) (*pkgDatabase.CockroachDB, error) {
	const maxRetries = 5
	baseDelay := time.Second
	maxDelay := 30 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err := pkgDatabase.NewCockroachDB(ctx, cfg)
		if err == nil {
			logger.Info("Connected to CockroachDB", zap.Int("attempt", attempt))
			return db, nil
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}

		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("CockroachDB connection attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", maxRetries, lastErr)
}
