package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"copytrade/internal/api"
	"copytrade/internal/api/auth"
	"copytrade/internal/config"
	"copytrade/internal/copytrading"
	"copytrade/internal/events"
	"copytrade/internal/notify"
	"copytrade/internal/storage"
	"copytrade/pkg/services/exchange"

	"github.com/lmittmann/tint"
	redis "github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	logFileName := os.Getenv("LOG_FILE")
	if logFileName == "" {
		logFileName = "engine.log"
	}

	// Конфигурация slog для вывода в файл и stdout
	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	// Pretty handler для stdout с цветами
	prettyHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen, // "3:04PM"
	})

	// Обычный текстовый handler для файла
	fileHandler := slog.NewTextHandler(logFile, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	logger := slog.New(&multiHandler{
		handlers: []slog.Handler{prettyHandler, fileHandler},
	})

	logger.Info("=== Copy Trading Engine ===")

	cfg, err := config.Load(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Инициализация хранилища
	store, err := storage.New(cfg.DBDriver, cfg.DBDSN, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	instruments, err := config.LoadInstruments(cfg.InstrumentsFile)
	if err != nil {
		return err
	}
	logger.Info("Instruments loaded", slog.Int("count", len(instruments)))

	connector, err := exchange.NewConnector(exchange.Options{
		BaseURL:   cfg.ExchangeBaseURL,
		RateLimit: cfg.RateLimitRPS,
		RateBurst: cfg.RateLimitBurst,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize exchange connector: %w", err)
	}

	if _, err := connector.Clock().Now(ctx); err != nil {
		logger.Warn("⚠️  Exchange clock unavailable, will retry on first request", slog.Any("error", err))
	} else {
		logger.Info("⏱ Exchange clock synced", slog.Duration("offset", connector.Clock().Offset()))
	}

	// Snapshot store: Redis переживает рестарт, память - нет
	var snapshots copytrading.SnapshotStore = copytrading.NewMemorySnapshotStore()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}

		redisSnapshots := copytrading.NewRedisSnapshotStore(rdb, "")
		defer redisSnapshots.Close()

		snapshots = redisSnapshots
		logger.Info("📦 Snapshots stored in Redis", slog.String("addr", cfg.RedisAddr))
	} else {
		logger.Warn("⚠️  REDIS_ADDR not set, snapshots kept in memory")
	}

	hub := api.NewHub(logger)
	defer hub.Close()

	sinks := copytrading.Sinks{hub}

	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewOutcomePublisher(cfg.KafkaBrokers, cfg.KafkaTopicOutcomes, logger)
		defer publisher.Close()

		sinks = append(sinks, publisher)
		logger.Info("📨 Publishing outcomes to Kafka", slog.String("topic", cfg.KafkaTopicOutcomes))
	}

	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize telegram notifier: %w", err)
		}
		go tg.Run(ctx)

		sinks = append(sinks, tg)
	}

	connect := copytrading.ConnectorFactory(connector)
	breaker := copytrading.NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown)

	dispatcher := copytrading.NewDispatcher(
		store,
		copytrading.NewLedger(store),
		connect,
		instruments,
		breaker,
		sinks,
		copytrading.DispatcherConfig{
			MaxParallelOrders: cfg.MaxParallelOrders,
			JobTimeout:        cfg.JobTimeout,
			Retry: copytrading.RetryPolicy{
				MaxAttempts: cfg.RetryMaxAttempts,
				BaseDelay:   cfg.RetryBaseDelay,
				MaxDelay:    cfg.RetryMaxDelay,
			},
			DryRun: cfg.DryRun,
		},
		logger,
	)

	reconciler := copytrading.NewReconciler(store, store, connect, dispatcher, sinks,
		cfg.ReconcileInterval, cfg.PendingTimeout, logger)

	manager := copytrading.NewManager(store, snapshots, connect, dispatcher, reconciler,
		copytrading.ManagerConfig{
			PollInterval:    cfg.PollInterval,
			RefreshInterval: cfg.MasterRefreshInterval,
		}, logger)

	// Operator API
	authService := auth.NewService(cfg.JWTSecret, 24*time.Hour)
	apiHandler := api.New(store, manager, breaker, authService, hub, logger)

	srv := &http.Server{
		Addr:         cfg.Address,
		Handler:      apiHandler.SetupRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("🚀 Server starting...", slog.String("address", cfg.Address))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			stop()
		}
	}()

	logger.Info("📡 Watching master accounts...")

	runErr := manager.Run(ctx)

	logger.Info("🛑 Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", slog.Any("error", err))
	}

	select {
	case err := <-serverErr:
		runErr = errors.Join(runErr, fmt.Errorf("server failed: %w", err))
	default:
	}

	if runErr == nil {
		logger.Info("✅ Engine stopped")
	}

	return runErr
}

// multiHandler отправляет логи в несколько handlers одновременно
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (m *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, h := range m.handlers {
		if err := h.Handle(ctx, record); err != nil {
			return err
		}
	}

	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}

	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}

	return &multiHandler{handlers: handlers}
}
