package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tangerconnect/tangerconnect/libs/config"
	"github.com/tangerconnect/tangerconnect/libs/httpx"
	otelx "github.com/tangerconnect/tangerconnect/libs/otel"
	"github.com/tangerconnect/tangerconnect/libs/runtime"
	"github.com/tangerconnect/tangerconnect/services/chat-service/internal/booking"
	"github.com/tangerconnect/tangerconnect/services/chat-service/internal/handlers"
	"github.com/tangerconnect/tangerconnect/services/chat-service/internal/history"
	"github.com/tangerconnect/tangerconnect/services/chat-service/internal/llm"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "chat-service")
	port, err := config.Port("PORT", "8084")
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

	redisAddr, err := config.RequiredString("REDIS_ADDR")
	if err != nil {
		panic(err)
	}
	redisDB := 0
	if v, err := strconv.Atoi(config.String("REDIS_DB", "0")); err == nil && v >= 0 {
		redisDB = v
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       redisDB,
	})
	defer func() { _ = rdb.Close() }()

	llmBaseURL, err := config.RequiredString("LLM_BASE_URL")
	if err != nil {
		panic(err)
	}
	var apiKeys []string
	for _, key := range strings.Split(config.String("LLM_API_KEYS", ""), ",") {
		if key = strings.TrimSpace(key); key != "" {
			apiKeys = append(apiKeys, key)
		}
	}
	completer := llm.NewClient(llm.Config{
		BaseURL: llmBaseURL,
		Model:   config.String("LLM_MODEL", "gpt-4o-mini"),
		APIKeys: apiKeys,
	})

	maxTurns := 40
	if v, err := strconv.Atoi(config.String("CHAT_HISTORY_MAX_TURNS", "40")); err == nil && v > 0 {
		maxTurns = v
	}
	hist := history.NewStore(rdb, maxTurns, 24*time.Hour)
	booker := booking.NewClient(config.String("BOOKING_SERVICE_URL", "http://localhost:8081"), 5*time.Second)

	h := handlers.NewChatHandler(completer, hist, booker, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}},
	)
	mux.HandleFunc("POST /api/v1/chat/messages", h.PostMessage)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(64<<10),
		httpx.WithTimeout(60*time.Second),
	)
	handler = otelhttp.NewHandler(handler, "chat")
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
