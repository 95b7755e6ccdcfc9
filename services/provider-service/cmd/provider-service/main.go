package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/tangerconnect/tangerconnect/libs/config"
	"github.com/tangerconnect/tangerconnect/libs/db"
	"github.com/tangerconnect/tangerconnect/libs/httpx"
	"github.com/tangerconnect/tangerconnect/libs/kafkax"
	otelx "github.com/tangerconnect/tangerconnect/libs/otel"
	"github.com/tangerconnect/tangerconnect/libs/runtime"
	"github.com/tangerconnect/tangerconnect/services/provider-service/internal/handlers"
	"github.com/tangerconnect/tangerconnect/services/provider-service/internal/outbox"
	"github.com/tangerconnect/tangerconnect/services/provider-service/internal/storage"
	"github.com/tangerconnect/tangerconnect/services/provider-service/internal/subscription"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "provider-service")
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

	repo := storage.NewRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	subSvc := subscription.New(repo, outboxRepo)
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	tolSeconds, err := strconv.Atoi(config.String("STRIPE_WEBHOOK_TOLERANCE_SECONDS", "300"))
	if err != nil || tolSeconds <= 0 {
		tolSeconds = 300
	}
	h := handlers.New(repo, subSvc, logger, handlers.Config{
		JWTSecret:                     config.String("JWT_SECRET", "dev-secret"),
		TokenTTL:                      24 * time.Hour,
		StripeWebhookSecret:           config.String("STRIPE_WEBHOOK_SECRET", ""),
		StripeWebhookToleranceSeconds: tolSeconds,
	})

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.HandleFunc("POST /api/v1/clients", h.RegisterClient)
	mux.HandleFunc("POST /api/v1/providers", h.RegisterProvider)
	mux.HandleFunc("POST /api/v1/auth/login", h.Login)
	mux.HandleFunc("GET /api/v1/clients/{id}", h.GetClient)
	mux.HandleFunc("GET /api/v1/providers/{id}", h.GetProvider)
	mux.HandleFunc("GET /api/v1/providers/{id}/gate", h.Gate)
	mux.HandleFunc("POST /api/v1/admin/providers/{id}/renew", h.RenewSubscription)
	mux.HandleFunc("POST /api/v1/admin/providers/{id}/activate", h.ActivateProvider)
	mux.HandleFunc("POST /api/v1/admin/providers/{id}/deactivate", h.DeactivateProvider)
	mux.HandleFunc("POST /api/v1/billing/webhooks/stripe", h.StripeWebhook)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "provider")
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
