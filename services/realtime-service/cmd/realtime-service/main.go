package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tareqmahmud/libraryfeed/libs/config"
	"github.com/tareqmahmud/libraryfeed/libs/httpx"
	otelx "github.com/tareqmahmud/libraryfeed/libs/otel"
	"github.com/tareqmahmud/libraryfeed/libs/runtime"
	"github.com/tareqmahmud/libraryfeed/services/realtime-service/internal/broadcast"
	"github.com/tareqmahmud/libraryfeed/services/realtime-service/internal/handlers"
	"github.com/tareqmahmud/libraryfeed/services/realtime-service/internal/hub"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "realtime-service")
	port, err := config.Port("PORT", "8083")
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

	secret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		panic(err)
	}

	registry := hub.NewRegistry()
	router := broadcast.NewRouter(registry, logger)
	wsHandler := handlers.New(registry, router, logger, handlers.Config{
		JWTSecret:    secret,
		SendBuffer:   config.Int("SEND_BUFFER", 16),
		SendTimeout:  config.Duration("SEND_TIMEOUT", time.Second),
		WriteTimeout: config.Duration("WRITE_TIMEOUT", 10*time.Second),
	})

	mux := runtime.NewBaseMuxWithReady()
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	limitPerMinute := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	var limiterMiddleware httpx.Middleware
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl:realtime"))
		limiterMiddleware = rl.Middleware(logger, true)
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		limiterMiddleware = rl.Middleware()
	}

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		limiterMiddleware,
	)
	handler = otelhttp.NewHandler(handler, "realtime")
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
	wsHandler.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
