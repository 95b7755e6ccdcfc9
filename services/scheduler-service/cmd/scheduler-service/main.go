package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tangerconnect/tangerconnect/libs/config"
	"github.com/tangerconnect/tangerconnect/libs/db"
	"github.com/tangerconnect/tangerconnect/libs/httpx"
	"github.com/tangerconnect/tangerconnect/libs/kafkax"
	otelx "github.com/tangerconnect/tangerconnect/libs/otel"
	"github.com/tangerconnect/tangerconnect/libs/runtime"
	"github.com/tangerconnect/tangerconnect/services/scheduler-service/internal/consumer"
	"github.com/tangerconnect/tangerconnect/services/scheduler-service/internal/inbox"
	"github.com/tangerconnect/tangerconnect/services/scheduler-service/internal/jobs"
	"github.com/tangerconnect/tangerconnect/services/scheduler-service/internal/outbox"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type bookedPayload struct {
	AppointmentID int64  `json:"appointment_id"`
	ClientID      string `json:"client_id"`
	ClientName    string `json:"client_name"`
	ClientPhone   string `json:"client_phone"`
	ClientEmail   string `json:"client_email"`
	ProviderName  string `json:"provider_name"`
	Service       string `json:"service"`
	OfferTitle    string `json:"offer_title"`
	StartTime     string `json:"start_time"`
	QRPath        string `json:"qr_path"`
}

func main() {
	service := config.String("SERVICE_NAME", "scheduler-service")
	port, err := config.Port("PORT", "8086")
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

	inboxRepo := inbox.NewRepository(pool)
	jobRepo := jobs.NewRepository()
	outboxRepo := outbox.NewRepository(pool)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	backoffSeconds, err := strconv.Atoi(config.String("SCHEDULER_BACKOFF_SECONDS", "60"))
	if err != nil || backoffSeconds <= 0 {
		backoffSeconds = 60
	}
	jobWorker := jobs.NewWorker(pool, jobRepo, outboxRepo, logger, jobs.WorkerConfig{
		Interval:  2 * time.Second,
		BatchSize: 50,
		Backoff:   time.Duration(backoffSeconds) * time.Second,
	})
	go jobWorker.Run(ctx)

	leadMinutes, err := strconv.Atoi(config.String("REMINDER_LEAD_MINUTES", "120"))
	if err != nil || leadMinutes <= 0 {
		leadMinutes = 120
	}
	lead := time.Duration(leadMinutes) * time.Minute

	consumerCfg := consumer.Config{
		Brokers: config.String("KAFKA_BROKERS", ""),
		GroupID: config.String("KAFKA_GROUP_ID", "scheduler-service"),
		Topic:   config.String("KAFKA_CONSUME_TOPIC", "booking.appointment.booked.v1"),
	}

	eventConsumer := consumer.New(logger, inboxRepo, consumerCfg, func(ctx context.Context, msg kafka.Message) error {
		var payload bookedPayload
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid booking payload", "err", err)
			return nil
		}
		if payload.AppointmentID <= 0 || payload.ClientID == "" || payload.ClientPhone == "" || payload.StartTime == "" {
			logger.Error("missing booking fields", "appointment_id", payload.AppointmentID)
			return nil
		}
		startTime, err := time.Parse(time.RFC3339, payload.StartTime)
		if err != nil {
			logger.Error("invalid start_time", "err", err)
			return nil
		}

		remindAt := startTime.Add(-lead)
		if !remindAt.After(time.Now().UTC()) {
			logger.Info("appointment too soon for a reminder",
				"appointment_id", payload.AppointmentID,
				"start_time", payload.StartTime,
			)
			return nil
		}

		templateData := map[string]any{
			"client_name":   payload.ClientName,
			"provider_name": payload.ProviderName,
			"service":       payload.Service,
			"offer_title":   payload.OfferTitle,
			"start_time":    payload.StartTime,
			"qr_path":       payload.QRPath,
		}

		type target struct {
			channel   string
			recipient string
		}
		targets := []target{{"sms", payload.ClientPhone}}
		if payload.ClientEmail != "" {
			targets = append(targets, target{"email", payload.ClientEmail})
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		for _, tgt := range targets {
			key := fmt.Sprintf("%d|%s|%s", payload.AppointmentID, remindAt.UTC().Format(time.RFC3339), tgt.channel)
			if err := jobRepo.Insert(ctx, tx, jobs.Job{
				IdempotencyKey: key,
				AppointmentID:  payload.AppointmentID,
				ClientID:       payload.ClientID,
				Channel:        tgt.channel,
				Recipient:      tgt.recipient,
				RemindAt:       remindAt,
				TemplateData:   templateData,
			}); err != nil {
				logger.Error("failed to schedule reminder", "err", err, "appointment_id", payload.AppointmentID)
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}

		logger.Info("reminder scheduled",
			"appointment_id", payload.AppointmentID,
			"remind_at", remindAt.UTC().Format(time.RFC3339),
			"targets", len(targets),
		)
		return nil
	})
	go eventConsumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "scheduler")
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
