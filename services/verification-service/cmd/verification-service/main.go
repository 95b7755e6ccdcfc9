package main

import (
	"context"
	"net/http"
	"time"

	"github.com/tangerconnect/tangerconnect/libs/config"
	"github.com/tangerconnect/tangerconnect/libs/db"
	"github.com/tangerconnect/tangerconnect/libs/httpx"
	otelx "github.com/tangerconnect/tangerconnect/libs/otel"
	"github.com/tangerconnect/tangerconnect/libs/runtime"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/gateclient"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/handlers"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/ledger"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/scan"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/storage"
	"github.com/tangerconnect/tangerconnect/services/verification-service/internal/verify"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "verification-service")
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

	audit := storage.NewAuditRepository(pool)
	ledgerClient := ledger.NewClient(config.String("BOOKING_SERVICE_URL", "http://localhost:8081"), 3*time.Second)
	gate := gateclient.NewClient(config.String("PROVIDER_SERVICE_URL", "http://localhost:8082"), 3*time.Second)
	verifier := verify.New(ledgerClient, audit, logger)
	manager := scan.NewManager(ctx, verifier, nil, logger, 100*time.Millisecond)

	h := handlers.New(manager, verifier, gate, audit, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
	)
	mux.HandleFunc("POST /api/v1/verify/sessions", h.StartSession)
	mux.HandleFunc("POST /api/v1/verify/sessions/{id}/frames", h.IngestFrame)
	mux.HandleFunc("GET /api/v1/verify/sessions/{id}", h.GetSession)
	mux.HandleFunc("DELETE /api/v1/verify/sessions/{id}", h.CancelSession)
	mux.HandleFunc("POST /api/v1/verify/image", h.VerifyImage)
	mux.HandleFunc("GET /api/v1/verify/audit", h.ScanHistory)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(10<<20),
	)
	handler = otelhttp.NewHandler(handler, "verification")
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
