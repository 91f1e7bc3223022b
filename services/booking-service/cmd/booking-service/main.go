package main

import (
	"context"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/noflake/libs/config"
	"github.com/md-rashed-zaman/noflake/libs/db"
	"github.com/md-rashed-zaman/noflake/libs/httpx"
	"github.com/md-rashed-zaman/noflake/libs/kafkax"
	otelx "github.com/md-rashed-zaman/noflake/libs/otel"
	"github.com/md-rashed-zaman/noflake/libs/runtime"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/storage"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/sweep"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	logger := runtime.NewLogger(service)
	runtime.LoadDotEnv(logger)

	port, err := config.Port("PORT", "8083")
	if err != nil {
		panic(err)
	}

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	readyChecks := []runtime.ReadyCheck{}
	outboxRepo := outbox.NewRepository()
	var (
		store storage.Store
		pool  *db.Pool
	)
	if dbURL := config.String("DATABASE_URL", ""); dbURL != "" {
		pool, err = db.Open(ctx, dbURL, db.Options{})
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()

		pg := storage.NewPostgres(pool, outboxRepo)
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("schema migration failed", "err", err)
			panic(err)
		}
		store = pg
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory store")
		store = storage.NewMemory()
	}

	brokers := config.String("KAFKA_BROKERS", "")
	if brokers != "" {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   brokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	settler, err := newSettler(ctx, logger)
	if err != nil {
		logger.Error("settlement setup failed", "err", err)
		panic(err)
	}
	settleTimeout, err := config.Duration("SETTLEMENT_TIMEOUT", 5*time.Minute)
	if err != nil {
		panic(err)
	}
	manager := booking.NewManager(store, settler, logger, booking.WithSettleTimeout(settleTimeout))

	sweepInterval, err := config.Duration("SWEEP_INTERVAL", 0)
	if err != nil {
		panic(err)
	}
	sweepBatch, err := config.Int("SWEEP_BATCH_SIZE", 100)
	if err != nil {
		panic(err)
	}
	go sweep.New(manager, logger, sweep.Config{Interval: sweepInterval, BatchSize: sweepBatch}).Run(ctx)

	limitPerMinute, err := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	if err != nil || limitPerMinute <= 0 {
		limitPerMinute = 120
	}
	var rateLimitMW httpx.Middleware
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		redisDB, err := config.Int("REDIS_DB", 0)
		if err != nil || redisDB < 0 {
			redisDB = 0
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       redisDB,
		})
		defer func() { _ = rdb.Close() }()

		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "noflake"))
		rateLimitMW = rl.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rateLimitMW = httpx.NewRateLimiter(limitPerMinute, time.Minute).Middleware()
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	handlers.NewBookingHandler(manager, logger).Register(mux)

	httpHandler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: config.List("CORS_ALLOWED_ORIGINS"),
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-Request-Id", "Idempotency-Key"},
			MaxAge:         10 * time.Minute,
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(15*time.Second),
		rateLimitMW,
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "store", storeKind(pool))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("waiting for in-flight settlements")
	manager.Wait()
	logger.Info("http server stopped")
}

func storeKind(pool *db.Pool) string {
	if pool == nil {
		return "memory"
	}
	return "postgres"
}
