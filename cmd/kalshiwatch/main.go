package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liamashdown/kalshiwatch/internal/alerts"
	"github.com/liamashdown/kalshiwatch/internal/api"
	"github.com/liamashdown/kalshiwatch/internal/config"
	"github.com/liamashdown/kalshiwatch/internal/kalshi"
	"github.com/liamashdown/kalshiwatch/internal/processor"
	"github.com/liamashdown/kalshiwatch/internal/ratelimit"
	"github.com/liamashdown/kalshiwatch/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	// Initialize logger
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)
	log.SetLevel(logrus.InfoLevel)

	log.Info("Starting kalshiwatch service...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
	}

	log.WithFields(logrus.Fields{
		"environment":        cfg.Environment,
		"db_driver":          cfg.Database.Driver,
		"ingestion_interval": cfg.Ingestion.Interval.String(),
		"detection_interval": cfg.Detection.Interval.String(),
		"whale_usd":          cfg.Detection.WhaleUSDThreshold,
		"alert_mode":         cfg.Alerts.Mode,
	}).Info("Configuration loaded")

	// Initialize database
	db, err := storage.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	log.Info("Database connected")

	if err := db.AutoMigrate(); err != nil {
		log.WithError(err).Fatal("Failed to run database migrations")
	}

	log.Info("Database migrations complete")

	limiter, closeLimiter := createLimiter(cfg, log)
	defer closeLimiter()

	client, err := kalshi.NewClient(cfg, limiter, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create Kalshi client")
	}

	log.Info("API client initialized")

	alertSender := createAlertSender(cfg, log)

	log.WithField("alert_mode", cfg.Alerts.Mode).Info("Alert sender initialized")

	proc := processor.New(cfg, db, client, alertSender, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := newHTTPServer(cfg.HTTP.Port, proc, log)
	go func() {
		log.WithField("port", cfg.HTTP.Port).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server failed")
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runEvery(ctx, cfg.Ingestion.Interval, func(ctx context.Context) {
			if _, err := proc.IngestMarkets(ctx); err != nil {
				log.WithError(err).Error("Error ingesting markets")
			}
		})
	}()
	go func() {
		defer wg.Done()
		runEvery(ctx, cfg.Detection.Interval, func(ctx context.Context) {
			if _, err := proc.RunDetection(ctx); err != nil {
				log.WithError(err).Error("Error running detection")
			}
		})
	}()

	log.Info("Ingestion and detection loops started")

	<-ctx.Done()
	log.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown failed")
	}

	wg.Wait()
	log.Info("Graceful shutdown complete")
}

// runEvery runs fn immediately and then on every tick until ctx is done.
// A run that outlasts the interval delays the next one rather than
// overlapping it.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fn(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func createLimiter(cfg *config.Config, log *logrus.Logger) (ratelimit.Limiter, func()) {
	local := ratelimit.New(cfg.Kalshi.MaxRPS)
	if cfg.Redis.URL == "" {
		log.WithField("max_rps", cfg.Kalshi.MaxRPS).Info("Using in-process rate limiter")
		return local, func() {}
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.WithError(err).Warn("Invalid REDIS_URL, using in-process rate limiter")
		return local, func() {}
	}

	client := redis.NewClient(opts)
	limit := int(cfg.Kalshi.MaxRPS)
	if limit < 1 {
		limit = 1
	}

	log.WithFields(logrus.Fields{
		"redis_addr": opts.Addr,
		"key":        cfg.Redis.LimiterKey,
		"limit":      limit,
	}).Info("Using shared Redis rate limiter")

	return ratelimit.NewRedis(client, cfg.Redis.LimiterKey, limit, time.Second, local, log), func() {
		_ = client.Close()
	}
}

func createAlertSender(cfg *config.Config, log *logrus.Logger) alerts.Sender {
	senders := []alerts.Sender{}

	for _, mode := range strings.Split(cfg.Alerts.Mode, ",") {
		switch strings.TrimSpace(strings.ToLower(mode)) {
		case "log":
			senders = append(senders, alerts.NewLogSender(log))
		case "discord":
			if len(cfg.Alerts.DiscordWebhookURLs) == 0 {
				log.Warn("Discord mode specified but DISCORD_WEBHOOK_URLS not set")
				continue
			}
			for _, url := range cfg.Alerts.DiscordWebhookURLs {
				senders = append(senders, alerts.NewDiscordSender(url))
			}
		case "smtp":
			if cfg.Alerts.SMTPHost == "" {
				log.Warn("SMTP mode specified but SMTP_HOST not set")
				continue
			}
			senders = append(senders, alerts.NewSMTPSender(
				cfg.Alerts.SMTPHost,
				cfg.Alerts.SMTPPort,
				cfg.Alerts.SMTPUser,
				cfg.Alerts.SMTPPassword,
				cfg.Alerts.SMTPFrom,
				cfg.Alerts.SMTPTo,
			))
		case "telegram":
			if cfg.Alerts.TelegramToken == "" || cfg.Alerts.TelegramChatID == "" {
				log.Warn("Telegram mode specified but TELEGRAM_TOKEN or TELEGRAM_CHAT_ID not set")
				continue
			}
			sender, err := alerts.NewTelegramSender(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID)
			if err != nil {
				log.WithError(err).Warn("Failed to initialize Telegram sender, skipping")
				continue
			}
			senders = append(senders, sender)
		case "":
		default:
			log.WithField("mode", mode).Warn("Unknown alert mode, skipping")
		}
	}

	switch len(senders) {
	case 0:
		log.Warn("No valid alert senders configured, using log")
		return alerts.NewLogSender(log)
	case 1:
		return senders[0]
	default:
		return alerts.NewMultiSender(senders...)
	}
}

func newHTTPServer(port int, svc api.Service, log *logrus.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      api.NewRouter(svc, log),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
