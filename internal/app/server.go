// internal/app/server.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"subsync-service/internal/config"
	"subsync-service/internal/db"
	operationsHandler "subsync-service/internal/handlers/operations"
	webhookHandler "subsync-service/internal/handlers/webhook"
	"subsync-service/internal/middleware"
	"subsync-service/internal/pkg/jwt"
	"subsync-service/internal/pkg/provider"
	"subsync-service/internal/pkg/rabbitmq"
	"subsync-service/internal/repository/cache"
	"subsync-service/internal/repository/postgres"
	"subsync-service/internal/scheduler"
	idempotencyUsecase "subsync-service/internal/service/idempotency"
	reconciliationUsecase "subsync-service/internal/service/reconciliation"
	webhookUsecase "subsync-service/internal/service/webhook"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	cfg    config.AppConfig
	engine *gin.Engine
	logger *zap.Logger

	httpServer *http.Server
	pool       *pgxpool.Pool
	redis      redis.UniversalClient
	producer   rabbitmq.Publisher
	scheduler  *scheduler.Scheduler
}

func NewServer(logger *zap.Logger) *Server {
	cfg := config.Load()
	gin.SetMode(gin.ReleaseMode)
	return &Server{cfg: cfg, engine: gin.New(), logger: logger}
}

// Start connects the backing services, wires the engines and serves HTTP until
// Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	logger := s.logger

	// ----- PostgreSQL -----
	pool, err := db.ConnectDB(ctx, s.cfg.DatabaseURL, s.cfg.DBMaxConns)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	s.pool = pool
	dbWrapper := postgres.NewDB(pool)
	if err := dbWrapper.EnsureSchema(ctx); err != nil {
		return err
	}
	logger.Info("postgres connected")

	// ----- Redis (optional result cache) -----
	var resultCache idempotencyUsecase.ResultCache
	if s.cfg.RedisEnabled {
		client, err := db.NewRedisClient(ctx, db.RedisConfig{
			Addresses: []string{s.cfg.RedisAddr},
			Password:  s.cfg.RedisPass,
			PoolSize:  10,
		})
		if err != nil {
			logger.Warn("redis unavailable, results served from postgres only", zap.Error(err))
		} else {
			s.redis = client
			resultCache = cache.NewResultCache(client)
			logger.Info("redis connected", zap.String("addr", s.cfg.RedisAddr))
		}
	}

	// ----- RabbitMQ -----
	s.producer = s.connectProducer()

	// ----- Operator tokens -----
	verifier, err := jwt.LoadVerifier(s.cfg.JWT)
	if err != nil {
		return fmt.Errorf("failed to load JWT verifier: %w", err)
	}

	// ----- Repositories -----
	subscriptionRepo := postgres.NewSubscriptionRepository(pool)
	idempotencyRepo := postgres.NewIdempotencyRepository(pool)
	syncLogRepo := postgres.NewSyncLogRepository(pool)

	// ----- Services (Usecases) -----
	paymentsClient := provider.NewClient(s.cfg.ProviderBaseURL, s.cfg.ProviderAccessToken, logger)
	idempotencyService := idempotencyUsecase.NewService(
		idempotencyRepo,
		subscriptionRepo,
		syncLogRepo,
		resultCache,
		idempotencyUsecase.Defaults{
			TTLSeconds:          s.cfg.IdempotencyTTLSeconds,
			MaxRetries:          s.cfg.IdempotencyMaxRetries,
			EnablePreValidation: s.cfg.IdempotencyPreValidation,
		},
		logger,
	)
	reconciliationService := reconciliationUsecase.NewService(subscriptionRepo, idempotencyService, syncLogRepo, logger)
	sweeper := reconciliationUsecase.NewSweeper(
		reconciliationService,
		subscriptionRepo,
		paymentsClient,
		s.producer,
		s.cfg.ReconcileMinAge,
		s.cfg.ReconcileBatchSize,
		logger,
	)
	webhookService := webhookUsecase.NewService(reconciliationService, paymentsClient, s.producer, logger)

	// ----- Scheduler -----
	s.scheduler = scheduler.NewScheduler(idempotencyService, sweeper, scheduler.Config{
		CleanupSchedule:   s.cfg.CleanupSchedule,
		ReconcileSchedule: s.cfg.ReconcileSchedule,
	}, logger)
	if err := s.scheduler.Start(); err != nil {
		return err
	}

	// ----- Handlers -----
	handlers := &Handlers{
		WebhookHandler:    webhookHandler.NewWebhookHandler(webhookService, logger),
		OperationsHandler: operationsHandler.NewOperationsHandler(sweeper, idempotencyService, syncLogRepo, logger),
		AuthMiddleware:    middleware.NewAuthMiddleware(verifier),
		Health:            s.health,
	}

	// Per-IP throttle on the webhook intake, only when Redis holds the counters.
	if s.redis != nil && s.cfg.WebhookRateLimit > 0 {
		handlers.WebhookLimiter = middleware.RateLimit(cache.NewRateLimiter(s.redis), "webhook", s.cfg.WebhookRateLimit, time.Minute, logger)
	}

	// ----- Middlewares -----
	s.engine.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
	)

	SetupRouter(s.engine, handlers)

	// ----- Start HTTP -----
	s.httpServer = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("server running", zap.String("addr", s.cfg.HTTPAddr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains HTTP, waits for running jobs, then closes the backing clients.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown", zap.Error(err))
		}
	}
	if s.scheduler != nil {
		select {
		case <-s.scheduler.Stop().Done():
		case <-ctx.Done():
			s.logger.Warn("scheduler jobs still running at shutdown")
		}
	}
	if s.producer != nil {
		s.producer.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Server) connectProducer() rabbitmq.Publisher {
	if s.cfg.RabbitMQURL == "" {
		s.logger.Warn("RABBITMQ_URL not set, sync events will not be published")
		return &rabbitmq.EventProducerFallback{Logger: s.logger}
	}
	producer, err := rabbitmq.NewEventProducer(s.cfg.RabbitMQURL, s.cfg.SyncEventsExchange, s.logger)
	if err != nil {
		s.logger.Warn("rabbitmq unavailable, sync events will not be published", zap.Error(err))
		return &rabbitmq.EventProducerFallback{Logger: s.logger}
	}
	s.logger.Info("rabbitmq connected", zap.String("exchange", s.cfg.SyncEventsExchange))
	return producer
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := gin.H{"status": "ok", "postgres": "ok"}
	code := http.StatusOK
	if err := s.pool.Ping(ctx); err != nil {
		status["status"] = "degraded"
		status["postgres"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			status["redis"] = err.Error()
		} else {
			status["redis"] = "ok"
		}
	}
	c.JSON(code, status)
}
