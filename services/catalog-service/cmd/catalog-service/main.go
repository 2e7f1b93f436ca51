package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tareqmahmud/libraryfeed/libs/config"
	"github.com/tareqmahmud/libraryfeed/libs/httpx"
	"github.com/tareqmahmud/libraryfeed/libs/kafkax"
	otelx "github.com/tareqmahmud/libraryfeed/libs/otel"
	"github.com/tareqmahmud/libraryfeed/libs/runtime"
	"github.com/tareqmahmud/libraryfeed/services/catalog-service/internal/handlers"
	"github.com/tareqmahmud/libraryfeed/services/catalog-service/internal/producer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "catalog-service")
	port, err := config.Port("PORT", "8081")
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

	brokers := config.String("KAFKA_BROKERS", "")
	eventProducer := producer.New(logger, producer.Config{
		Brokers:     brokers,
		Topic:       config.String("KAFKA_TOPIC", "library.entity.changed.v1"),
		MaxAttempts: config.Int("PUBLISH_MAX_ATTEMPTS", 5),
		BaseBackoff: config.Duration("PUBLISH_BASE_BACKOFF", 200*time.Millisecond),
	})
	defer func() { _ = eventProducer.Close() }()

	hookHandler := handlers.New(eventProducer, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	mux.HandleFunc("/internal/hooks/mutation", hookHandler.MutationHook)

	limitPerMinute := config.Int("RATE_LIMIT_PER_MINUTE", 600)
	var limiterMiddleware httpx.Middleware
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl:catalog"))
		limiterMiddleware = rl.Middleware(logger, true)
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		limiterMiddleware = rl.Middleware()
	}

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		limiterMiddleware,
	)
	handler = otelhttp.NewHandler(handler, "catalog")
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
