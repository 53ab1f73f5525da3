package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaychat/internal/httpapi"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

func main() {
	logger := buildLogger()
	slog.SetDefault(logger)

	addr := os.Getenv("RELAYCHAT_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := relaychat.BuildStateStoreFromDSN(os.Getenv("RELAYCHAT_STATE_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize state store: %v", err)
	}
	provisioning, err := relaychat.BuildProvisioningStoreFromDSN(os.Getenv("RELAYCHAT_PROVISIONING_DSN"), logger)
	if err != nil {
		log.Fatalf("failed to initialize provisioning store: %v", err)
	}

	api := relaychat.NewHTTPInteractionClient(relaychat.InteractionClientOptions{
		BaseURL:    os.Getenv("RELAYCHAT_INTERACTION_API_URL"),
		Username:   os.Getenv("RELAYCHAT_INTERACTION_API_USER"),
		Password:   os.Getenv("RELAYCHAT_INTERACTION_API_PASSWORD"),
		UserAgent:  "relaychat",
		MaxRetries: intEnv("RELAYCHAT_INTERACTION_API_RETRIES", 0),
	})
	platform := relaychat.NewHTTPPlatformClient(relaychat.PlatformClientOptions{
		BaseURL: os.Getenv("RELAYCHAT_PLATFORM_API_URL"),
		Credentials: relaychat.NewStaticCredentialStore(nil, relaychat.Credentials{
			KeyID:  os.Getenv("RELAYCHAT_PLATFORM_KEY_ID"),
			Secret: os.Getenv("RELAYCHAT_PLATFORM_SECRET"),
		}),
	})

	var (
		participants relaychat.ParticipantPublisher
		reports      relaychat.ReportingPublisher
		uploads      relaychat.ArtifactJobQueue
		flow         relaychat.FlowPublisher
		scheduler    relaychat.CheckScheduler
		amqpBus      *relaychat.AMQPBus
	)
	if amqpURL := strings.TrimSpace(os.Getenv("RELAYCHAT_AMQP_URL")); amqpURL != "" {
		amqpBus, err = relaychat.NewAMQPBus(ctx, relaychat.AMQPDialOptions{
			URL:           amqpURL,
			RetryAttempts: intEnv("RELAYCHAT_AMQP_RETRIES", 0),
			Logger:        logger,
		})
		if err != nil {
			log.Fatalf("failed to connect to message broker: %v", err)
		}
		defer amqpBus.Close()
		participants, reports, uploads, flow, scheduler = amqpBus, amqpBus, amqpBus, amqpBus, amqpBus
	} else {
		// Single-process profile for development and tests.
		bus := relaychat.NewMemoryBus()
		participants, reports, uploads, flow, scheduler = bus, bus, bus, bus, bus
		logger.Warn("RELAYCHAT_AMQP_URL not set, using in-process queues")
	}

	dispatcher := relaychat.NewDispatcher(store, api, participants, uploads, reports, scheduler, logger, relaychat.DispatcherOptions{
		SessionCeiling: durationEnv("RELAYCHAT_SESSION_CEILING", 0),
		DelayCap:       durationEnv("RELAYCHAT_SCHEDULE_DELAY_CAP", 0),
	})
	creator := relaychat.NewCreator(store, api, platform, provisioning, logger)
	prober := relaychat.NewProber(api, creator, logger)
	correlator := relaychat.NewCorrelator(store, api, flow, dispatcher, logger)
	notifier := httpapi.NewNotifier(logger)
	monitor := relaychat.NewMonitor(store, api, provisioning, dispatcher, reports, notifier, scheduler, logger, relaychat.MonitorOptions{
		DelayCap: durationEnv("RELAYCHAT_SCHEDULE_DELAY_CAP", 0),
	})
	router := relaychat.NewEventRouter(store, api, creator, prober, dispatcher, correlator, monitor, notifier, logger, relaychat.RouterOptions{})

	if amqpBus != nil {
		go func() {
			if err := amqpBus.RunDisconnectConsumer(ctx, monitor.HandleTick); err != nil && ctx.Err() == nil {
				logger.Error("disconnect consumer stopped", slog.Any("error", err))
			}
		}()
	}

	server := httpapi.NewServer(router, notifier, logger, httpapi.ServerConfig{
		WebhookSecret:      os.Getenv("RELAYCHAT_WEBHOOK_SECRET"),
		JWTSecret:          os.Getenv("RELAYCHAT_JWT_SECRET"),
		InternalHMACSecret: os.Getenv("RELAYCHAT_INTERNAL_HMAC_SECRET"),
		InternalMaxSkew:    durationEnv("RELAYCHAT_INTERNAL_MAX_SKEW", 5*time.Minute),
		MaxBodyBytes:       int64Env("RELAYCHAT_MAX_BODY_BYTES", 0),
	})

	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("relaychat listening", slog.String("addr", addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(os.Getenv("RELAYCHAT_LOG_LEVEL"))) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
