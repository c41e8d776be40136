package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config содержит конфигурацию движка
type Config struct {
	ExchangeBaseURL string
	DBDriver        string // "sqlite" | "postgres"
	DBDSN           string
	DryRun          bool // Режим тестирования - только логирование, без реальных сделок

	PollInterval          time.Duration
	MasterRefreshInterval time.Duration
	MaxParallelOrders     int
	JobTimeout            time.Duration // одна копия сделки для follower, с повторами

	RateLimitRPS   float64
	RateLimitBurst int

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	BreakerThreshold int
	BreakerCooldown  time.Duration

	PendingTimeout    time.Duration
	ReconcileInterval time.Duration

	InstrumentsFile string

	// Redis для snapshot store (пусто - хранение в памяти)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Kafka для публикации результатов (пусто - выключено)
	KafkaBrokers       []string
	KafkaTopicOutcomes string

	// Telegram уведомления оператору (пусто - выключено)
	TelegramToken  string
	TelegramChatID int64

	// Operator API
	Address   string
	JWTSecret string
}

// Load загружает конфигурацию из переменных окружения (и .env, если есть)
func Load(logger *slog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment")
	}

	var errs []string
	fail := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	cfg := &Config{
		ExchangeBaseURL: os.Getenv("EXCHANGE_BASE_URL"),
		DBDriver:        envOrDefault("DB_DRIVER", "sqlite"),
		DBDSN:           envOrDefault("DB_DSN", "./copytrade.db"),
		InstrumentsFile: os.Getenv("INSTRUMENTS_FILE"),

		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		KafkaBrokers:       envCSV("KAFKA_BROKERS"),
		KafkaTopicOutcomes: envOrDefault("KAFKA_TOPIC_OUTCOMES", "copy_trade_outcomes"),
		TelegramToken:      os.Getenv("TELEGRAM_BOT_TOKEN"),

		Address:   envOrDefault("API_ADDRESS", "0.0.0.0:8080"),
		JWTSecret: os.Getenv("JWT_SECRET"),
	}

	var err error
	cfg.PollInterval, err = envDurationOrDefault("POLL_INTERVAL", 2*time.Second)
	fail(err)
	cfg.MasterRefreshInterval, err = envDurationOrDefault("MASTER_REFRESH_INTERVAL", 30*time.Second)
	fail(err)
	cfg.MaxParallelOrders, err = envIntOrDefault("MAX_PARALLEL_ORDERS", 16)
	fail(err)
	cfg.JobTimeout, err = envDurationOrDefault("JOB_TIMEOUT", time.Minute)
	fail(err)
	cfg.RateLimitRPS, err = envFloatOrDefault("RATE_LIMIT_RPS", 10)
	fail(err)
	cfg.RateLimitBurst, err = envIntOrDefault("RATE_LIMIT_BURST", 20)
	fail(err)
	cfg.RetryMaxAttempts, err = envIntOrDefault("RETRY_MAX_ATTEMPTS", 4)
	fail(err)
	cfg.RetryBaseDelay, err = envDurationOrDefault("RETRY_BASE_DELAY", 200*time.Millisecond)
	fail(err)
	cfg.RetryMaxDelay, err = envDurationOrDefault("RETRY_MAX_DELAY", 3*time.Second)
	fail(err)
	cfg.BreakerThreshold, err = envIntOrDefault("BREAKER_THRESHOLD", 3)
	fail(err)
	cfg.BreakerCooldown, err = envDurationOrDefault("BREAKER_COOLDOWN", 5*time.Minute)
	fail(err)
	cfg.PendingTimeout, err = envDurationOrDefault("PENDING_TIMEOUT", 2*time.Minute)
	fail(err)
	cfg.ReconcileInterval, err = envDurationOrDefault("RECONCILE_INTERVAL", 30*time.Second)
	fail(err)
	cfg.RedisDB, err = envIntOrDefault("REDIS_DB", 0)
	fail(err)

	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		cfg.TelegramChatID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fail(fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err))
		}
	}

	if cfg.ExchangeBaseURL == "" {
		fail(fmt.Errorf("EXCHANGE_BASE_URL not set"))
	}

	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "postgres" {
		fail(fmt.Errorf("invalid DB_DRIVER %q: want sqlite or postgres", cfg.DBDriver))
	}

	if cfg.MaxParallelOrders <= 0 {
		fail(fmt.Errorf("MAX_PARALLEL_ORDERS must be positive"))
	}

	if cfg.RetryMaxAttempts <= 0 {
		fail(fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive"))
	}

	// reconciler не должен забирать записи, которые ещё исполняются
	if budget := cfg.JobTimeout + RetryBudget(cfg.RetryMaxAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay); cfg.PendingTimeout <= budget {
		fail(fmt.Errorf("PENDING_TIMEOUT %s must exceed JOB_TIMEOUT plus retry delays (%s)", cfg.PendingTimeout, budget))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	// Проверяем DRY_RUN флаг (по умолчанию true для безопасности)
	cfg.DryRun = os.Getenv("DRY_RUN") != "false"
	if cfg.DryRun {
		logger.Info("🔍 DRY_RUN enabled - only logging, no real trades")
	} else {
		logger.Warn("⚠️  DRY_RUN disabled - REAL TRADES WILL BE EXECUTED!")
	}

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "default-secret-change-me-in-production"

		logger.Warn("⚠️  JWT_SECRET not set, using default (insecure!)")
	}

	return cfg, nil
}

// RetryBudget - сумма задержек между попытками при экспоненциальном backoff
func RetryBudget(attempts int, base, maxDelay time.Duration) time.Duration {
	var total time.Duration
	d := base
	for i := 1; i < attempts; i++ {
		if maxDelay > 0 && d > maxDelay {
			d = maxDelay
		}
		total += d
		d *= 2
	}

	return total
}

// envOrDefault returns the value of an environment variable or a default.
func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) (int, error) {
	if raw := os.Getenv(key); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return def, fmt.Errorf("invalid %s: %w", key, err)
		}
		return val, nil
	}

	return def, nil
}

func envFloatOrDefault(key string, def float64) (float64, error) {
	if raw := os.Getenv(key); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return def, fmt.Errorf("invalid %s: %w", key, err)
		}
		return val, nil
	}

	return def, nil
}

func envDurationOrDefault(key string, def time.Duration) (time.Duration, error) {
	if raw := os.Getenv(key); raw != "" {
		val, err := time.ParseDuration(raw)
		if err != nil {
			return def, fmt.Errorf("invalid %s: %w", key, err)
		}
		return val, nil
	}

	return def, nil
}

func envCSV(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
