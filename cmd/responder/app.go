package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/xaenox/wa-responder/internal/bot"
	"github.com/xaenox/wa-responder/internal/notify"
	"github.com/xaenox/wa-responder/internal/policy"
	"github.com/xaenox/wa-responder/internal/ratelimit"
	"github.com/xaenox/wa-responder/internal/responder"
	"github.com/xaenox/wa-responder/internal/scheduler"
	"github.com/xaenox/wa-responder/internal/storage"
	"github.com/xaenox/wa-responder/internal/whatsapp"
	"github.com/xaenox/wa-responder/pkg/config"
	"go.uber.org/zap"
)

// app holds every wired component of a running process.
type app struct {
	store     storage.Storage
	provider  whatsapp.Provider
	policy    *policy.Policy
	responder *responder.Responder
	bot       *bot.Bot
	scheduler *scheduler.Scheduler
	telegram  *notify.TelegramNotifier
	redis     *redis.Client
}

func openStore(cfg config.DatabaseConfig, logger *zap.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	case "sqlite":
		logger.Info("Using SQLite storage", zap.String("path", cfg.Path))
		store, err := storage.NewSQLiteStorage(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		logger.Info("Using PostgreSQL storage")
		store, err := storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			DBName:   cfg.DBName,
			SSLMode:  cfg.SSLMode,
			URL:      cfg.URL,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	var err error
	// Initialize storage
	if a.store, err = openStore(cfg.Database, logger); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if a.provider, err = whatsapp.New(cfg.WhatsApp); err != nil {
		return nil, err
	}
	if a.policy, err = policy.FromConfig(cfg.Automation, cfg.Business); err != nil {
		return nil, err
	}
	if a.responder, err = responder.FromConfig(cfg, a.store, logger); err != nil {
		return nil, err
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Telegram.Token != "" {
		a.telegram, err = notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.StaffChatID, logger)
		if err != nil {
			return nil, err
		}
		notifier = a.telegram
	}

	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter(cfg.Automation.MaxMessagesPerMinute, time.Minute)
	if cfg.Redis.Addr != "" || cfg.Redis.URL != "" {
		a.redis, err = ratelimit.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		limiter = ratelimit.NewRedisLimiter(a.redis, cfg.Automation.MaxMessagesPerMinute, time.Minute)
	}

	a.bot = bot.New(a.store, a.provider, a.policy, a.responder, logger,
		bot.WithNotifier(notifier),
		bot.WithLimiter(limiter),
		bot.WithResponseDelay(cfg.Automation.ResponseDelay),
		bot.WithSendTimeout(cfg.Automation.ExternalTimeout),
	)
	a.scheduler = scheduler.New(a.store, a.responder, a.provider, a.policy, logger,
		scheduler.WithInterval(cfg.Automation.CheckInterval),
		scheduler.WithConcurrency(cfg.Automation.SweepConcurrency),
		scheduler.WithSendTimeout(cfg.Automation.ExternalTimeout),
		scheduler.WithHistoryLimit(cfg.Automation.HistoryLimit),
	)

	ok = true
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
