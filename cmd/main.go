package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ops-notification-service/internal/alert"
	"ops-notification-service/internal/api"
	"ops-notification-service/internal/auth"
	"ops-notification-service/internal/config"
	"ops-notification-service/internal/db"
	"ops-notification-service/internal/feed"
	"ops-notification-service/internal/kafka"
	"ops-notification-service/internal/logging"
	"ops-notification-service/internal/providers"
	"ops-notification-service/internal/services"
)

func main() {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	dbConn, err := db.New(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Errorf("Failed to connect to database: %v", err)
		log.Fatalf("Database connection failed: %v", err)
	}
	defer dbConn.Close()
	if err := dbConn.Migrate(ctx); err != nil {
		logger.Errorf("Failed to migrate database: %v", err)
		log.Fatalf("Database migration failed: %v", err)
	}

	issuer := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL, dbConn)
	hub := feed.NewHub(dbConn, issuer, feed.HubOptions{
		SnapshotLimit: cfg.Feed.SnapshotLimit,
		Logger:        logger,
	})
	defer hub.Close()

	var sinks []alert.Sink
	if cfg.Telegram.BotToken != "" {
		tg, err := providers.NewTelegramSink(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.RateLimit, logger)
		if err != nil {
			logger.Errorf("Telegram alerts disabled: %v", err)
		} else {
			sinks = append(sinks, tg)
			logger.Infof("Mirroring alerts to Telegram chat %d", cfg.Telegram.ChatID)
		}
	}

	svc := services.New(services.Options{
		Source:             hub,
		Auth:               issuer,
		MaxAttempts:        cfg.Recovery.MaxAttempts,
		BaseDelay:          cfg.Recovery.BaseDelay,
		Exponential:        cfg.Recovery.Exponential,
		AlertWindow:        cfg.Alert.FreshnessWindow,
		AlertRatePerMinute: cfg.Alert.RatePerMinute,
		AlertBurst:         cfg.Alert.Burst,
		Sinks:              sinks,
		TransientThreshold: cfg.Feed.TransientThreshold,
		TransientHorizon:   cfg.Feed.TransientHorizon,
		Logger:             logger,
	})
	defer svc.Close()

	g, ctx := errgroup.WithContext(ctx)

	// Initialize Kafka consumer
	if cfg.Kafka.Broker != "" {
		consumer := kafka.NewConsumer(kafka.Config{
			Brokers: strings.Split(cfg.Kafka.Broker, ","),
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, hub, logger)
		logger.Infof("Kafka consumer initialized with topic: %s", cfg.Kafka.Topic)
		g.Go(func() error {
			defer consumer.Close()
			return consumer.Run(ctx)
		})
	}

	// Start API server
	handler := api.NewHandler(svc, hub, issuer, logger)
	server := &http.Server{
		Addr:              cfg.API.Port,
		Handler:           api.NewRouter(logger, cfg, handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Infof("Starting API server on %s", cfg.API.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("Service stopped with error: %v", err)
	}
	logger.Infof("Shutting down")
}
