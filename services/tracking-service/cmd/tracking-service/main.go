package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tareqmahmud/libraryfeed/libs/config"
	"github.com/tareqmahmud/libraryfeed/libs/db"
	"github.com/tareqmahmud/libraryfeed/libs/httpx"
	"github.com/tareqmahmud/libraryfeed/libs/kafkax"
	otelx "github.com/tareqmahmud/libraryfeed/libs/otel"
	"github.com/tareqmahmud/libraryfeed/libs/runtime"
	"github.com/tareqmahmud/libraryfeed/services/tracking-service/internal/consumer"
	"github.com/tareqmahmud/libraryfeed/services/tracking-service/internal/handlers"
	"github.com/tareqmahmud/libraryfeed/services/tracking-service/internal/tracking"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "tracking-service")
	port, err := config.Port("PORT", "8082")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

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

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	store := tracking.NewPostgres(pool)

	brokers := config.String("KAFKA_BROKERS", "")
	eventConsumer := consumer.New(logger, store, consumer.Config{
		Brokers:          brokers,
		GroupID:          config.String("KAFKA_GROUP_ID", "tracking-service"),
		Topic:            config.String("KAFKA_TOPIC", "library.entity.changed.v1"),
		StoreBackoff:     config.Duration("STORE_BACKOFF", 500*time.Millisecond),
		MaxStoreAttempts: config.Int("STORE_MAX_ATTEMPTS", 8),
	})
	go eventConsumer.Run(ctx)

	trackingHandler := handlers.New(store)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	mux.HandleFunc("/tracking", trackingHandler.GetTracking)

	limitPerMinute := config.Int("RATE_LIMIT_PER_MINUTE", 300)
	var limiterMiddleware httpx.Middleware
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl:tracking"))
		limiterMiddleware = rl.Middleware(logger, true)
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		limiterMiddleware = rl.Middleware()
	}

	var corsOrigins []string
	for _, origin := range strings.Split(config.String("CORS_ALLOWED_ORIGINS", ""), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			corsOrigins = append(corsOrigins, origin)
		}
	}

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         10 * time.Minute,
		}),
		limiterMiddleware,
	)
	handler = otelhttp.NewHandler(handler, "tracking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
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
	logger.Info("http server stopped")
}
