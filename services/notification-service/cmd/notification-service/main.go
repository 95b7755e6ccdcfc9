package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tangerconnect/tangerconnect/libs/config"
	"github.com/tangerconnect/tangerconnect/libs/db"
	"github.com/tangerconnect/tangerconnect/libs/httpx"
	"github.com/tangerconnect/tangerconnect/libs/kafkax"
	otelx "github.com/tangerconnect/tangerconnect/libs/otel"
	"github.com/tangerconnect/tangerconnect/libs/runtime"
	"github.com/tangerconnect/tangerconnect/services/notification-service/internal/consumer"
	"github.com/tangerconnect/tangerconnect/services/notification-service/internal/email"
	"github.com/tangerconnect/tangerconnect/services/notification-service/internal/inbox"
	"github.com/tangerconnect/tangerconnect/services/notification-service/internal/outbox"
	"github.com/tangerconnect/tangerconnect/services/notification-service/internal/sms"
	"github.com/tangerconnect/tangerconnect/services/notification-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type bookedPayload struct {
	AppointmentID int64  `json:"appointment_id"`
	ClientID      string `json:"client_id"`
	ProviderID    string `json:"provider_id"`
	ClientName    string `json:"client_name"`
	ClientPhone   string `json:"client_phone"`
	ClientEmail   string `json:"client_email"`
	ProviderName  string `json:"provider_name"`
	Service       string `json:"service"`
	OfferTitle    string `json:"offer_title"`
	StartTime     string `json:"start_time"`
	QRPath        string `json:"qr_path"`
}

type reminderPayload struct {
	AppointmentID int64          `json:"appointment_id"`
	ClientID      string         `json:"client_id"`
	Channel       string         `json:"channel"`
	Recipient     string         `json:"recipient"`
	RemindAt      string         `json:"remind_at"`
	TemplateData  map[string]any `json:"template_data"`
}

func templateString(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func reminderBody(p reminderPayload, publicBaseURL string) string {
	b := fmt.Sprintf("Reminder: your %s appointment", templateString(p.TemplateData, "service"))
	if name := templateString(p.TemplateData, "provider_name"); name != "" {
		b += " with " + name
	}
	if start := templateString(p.TemplateData, "start_time"); start != "" {
		b += " is at " + start
	}
	b += "."
	if qrPath := templateString(p.TemplateData, "qr_path"); qrPath != "" {
		b += " Your entry pass: " + publicBaseURL + qrPath
	}
	return b
}

func confirmationBody(p bookedPayload, qrLink string) string {
	b := fmt.Sprintf("Your booking #%d with %s (%s) on %s is confirmed.",
		p.AppointmentID, p.ProviderName, p.Service, p.StartTime)
	if p.OfferTitle != "" {
		b += fmt.Sprintf(" Offer: %s.", p.OfferTitle)
	}
	b += fmt.Sprintf(" Your entry pass: %s. Show it when the provider arrives.", qrLink)
	return b
}

func writeDeliveryEvent(ctx context.Context, pool *db.Pool, outboxRepo *outbox.Repository, p bookedPayload, channel, status, reason string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	fields := map[string]any{
		"appointment_id": p.AppointmentID,
		"client_id":      p.ClientID,
		"channel":        channel,
		"at":             time.Now().UTC().Format(time.RFC3339),
	}
	eventType := "notification.sent.v1"
	if status != "sent" {
		eventType = "notification.failed.v1"
		fields["error_reason"] = reason
	}
	eventPayload, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	if err := outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "notification",
		AggregateID:   fmt.Sprintf("%d", p.AppointmentID),
		EventType:     eventType,
		Payload:       eventPayload,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
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
	notificationsRepo := storage.NewRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	smtpHost := config.String("SMTP_HOST", "mailpit")
	smtpPort := config.String("SMTP_PORT", "1025")
	smtpFrom := config.String("SMTP_FROM", "no-reply@tangerconnect.local")
	emailSender := email.NewSMTPSender(smtpHost, smtpPort, smtpFrom)

	smsProvider := strings.ToLower(config.String("SMS_PROVIDER", "noop"))
	smsWebhookURL := config.String("SMS_WEBHOOK_URL", "")
	smsWebhookToken := config.String("SMS_WEBHOOK_TOKEN", "")
	var smsSender sms.Sender
	switch smsProvider {
	case "webhook":
		smsSender = sms.NewWebhookSender(smsWebhookURL, smsWebhookToken)
	default:
		smsSender = sms.NewNoopSender()
	}

	publicBaseURL := strings.TrimRight(config.String("PUBLIC_BASE_URL", "http://localhost:8080"), "/")

	consumerCfg := consumer.Config{
		Brokers: config.String("KAFKA_BROKERS", ""),
		GroupID: config.String("KAFKA_GROUP_ID", "notification-service"),
		Topic:   config.String("KAFKA_CONSUME_TOPIC", "booking.appointment.booked.v1"),
	}
	eventConsumer := consumer.New(logger, inboxRepo, consumerCfg, func(ctx context.Context, msg kafka.Message) error {
		var payload bookedPayload
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid booking payload", "err", err)
			return nil
		}
		if payload.AppointmentID <= 0 || payload.ClientID == "" || payload.ClientPhone == "" {
			logger.Error("missing booking fields", "appointment_id", payload.AppointmentID)
			return nil
		}

		qrLink := publicBaseURL + payload.QRPath
		body := confirmationBody(payload, qrLink)

		type delivery struct {
			channel   string
			recipient string
			send      func() error
		}
		deliveries := []delivery{
			{
				channel:   "sms",
				recipient: payload.ClientPhone,
				send:      func() error { return smsSender.Send(ctx, payload.ClientPhone, body) },
			},
		}
		if payload.ClientEmail != "" {
			subject := fmt.Sprintf("Booking confirmed: %s on %s", payload.Service, payload.StartTime)
			deliveries = append(deliveries, delivery{
				channel:   "email",
				recipient: payload.ClientEmail,
				send:      func() error { return emailSender.Send(payload.ClientEmail, subject, body) },
			})
		}

		for _, d := range deliveries {
			status := "sent"
			reason := ""
			if err := d.send(); err != nil {
				status = "failed"
				reason = err.Error()
				logger.Error("delivery failed", "err", err, "channel", d.channel, "recipient", d.recipient)
			}

			if err := notificationsRepo.Insert(ctx, storage.Notification{
				AppointmentID: payload.AppointmentID,
				ClientID:      payload.ClientID,
				Channel:       d.channel,
				Recipient:     d.recipient,
				Body:          body,
				Status:        status,
			}); err != nil {
				logger.Error("failed to persist notification", "err", err)
				return err
			}
			if err := writeDeliveryEvent(ctx, pool, outboxRepo, payload, d.channel, status, reason); err != nil {
				logger.Error("failed to enqueue delivery event", "err", err)
				return err
			}
		}

		logger.Info("booking confirmation processed",
			"appointment_id", payload.AppointmentID,
			"channels", len(deliveries),
		)
		return nil
	})
	go eventConsumer.Run(ctx)

	reminderCfg := consumer.Config{
		Brokers: config.String("KAFKA_BROKERS", ""),
		GroupID: config.String("KAFKA_GROUP_ID", "notification-service"),
		Topic:   config.String("KAFKA_REMINDER_TOPIC", "booking.reminder.due.v1"),
	}
	reminderConsumer := consumer.New(logger, inboxRepo, reminderCfg, func(ctx context.Context, msg kafka.Message) error {
		var payload reminderPayload
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid reminder payload", "err", err)
			return nil
		}
		if payload.AppointmentID <= 0 || payload.Recipient == "" || payload.Channel == "" {
			logger.Error("missing reminder fields", "appointment_id", payload.AppointmentID)
			return nil
		}

		body := reminderBody(payload, publicBaseURL)
		status := "sent"
		var sendErr error
		switch payload.Channel {
		case "sms":
			sendErr = smsSender.Send(ctx, payload.Recipient, body)
		case "email":
			subject := "Appointment reminder"
			sendErr = emailSender.Send(payload.Recipient, subject, body)
		default:
			logger.Error("unsupported reminder channel", "channel", payload.Channel)
			return nil
		}
		if sendErr != nil {
			status = "failed"
			logger.Error("reminder delivery failed", "err", sendErr, "channel", payload.Channel, "recipient", payload.Recipient)
		}

		if err := notificationsRepo.Insert(ctx, storage.Notification{
			AppointmentID: payload.AppointmentID,
			ClientID:      payload.ClientID,
			Channel:       payload.Channel,
			Recipient:     payload.Recipient,
			Body:          body,
			Status:        status,
		}); err != nil {
			logger.Error("failed to persist notification", "err", err)
			return err
		}

		logger.Info("reminder processed",
			"appointment_id", payload.AppointmentID,
			"channel", payload.Channel,
			"status", status,
		)
		return nil
	})
	go reminderConsumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "notification")
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
