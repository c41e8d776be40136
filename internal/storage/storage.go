package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrNotPending = errors.New("record is not pending")
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Storage - постоянное хранилище движка (sqlite или postgres)
type Storage struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
	now    func() time.Time
}

// New открывает базу и применяет схему
func New(driver, dsn string, logger *slog.Logger) (*Storage, error) {
	sqlDriver := driver
	switch driver {
	case DriverSQLite:
	case DriverPostgres:
		sqlDriver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// sqlite - один писатель; для :memory: ещё и одна общая база на соединение
		db.SetMaxOpenConns(1)
	}

	storage := &Storage{
		db:     db,
		driver: driver,
		logger: logger,
		now:    time.Now,
	}

	if err := storage.init(context.Background()); err != nil {
		return nil, errors.Join(err, db.Close())
	}

	return storage, nil
}

// Close закрывает соединение с базой
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping проверяет соединение с базой
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// init инициализирует таблицы БД
func (s *Storage) init(ctx context.Context) error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}

	migrationSQL := strings.ReplaceAll(`
-- Master аккаунты (владелец - трейдер, движок только читает)
CREATE TABLE IF NOT EXISTS broker_accounts (
    id {{ID}},
    user_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    api_key TEXT NOT NULL,
    api_secret TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    verified INTEGER NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL
);

-- Followers и их правила копирования
CREATE TABLE IF NOT EXISTS followers (
    id {{ID}},
    user_id INTEGER NOT NULL,
    master_account_id INTEGER NOT NULL REFERENCES broker_accounts(id),
    name TEXT NOT NULL,
    api_key TEXT NOT NULL,
    api_secret TEXT NOT NULL,
    copy_mode TEXT NOT NULL,
    fixed_lot TEXT NOT NULL DEFAULT '0',
    multiplier TEXT NOT NULL DEFAULT '0',
    percentage TEXT NOT NULL DEFAULT '0',
    min_lot_size TEXT NOT NULL DEFAULT '0',
    max_lot_size TEXT NOT NULL DEFAULT '0',
    account_status TEXT NOT NULL DEFAULT 'active',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_followers_master ON followers(master_account_id, account_status);

-- Ledger: одна запись на (событие master, follower)
CREATE TABLE IF NOT EXISTS copy_trade_records (
    id {{ID}},
    master_trade_id TEXT NOT NULL,
    master_account_id INTEGER NOT NULL,
    follower_id INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    original_side TEXT NOT NULL,
    original_size TEXT NOT NULL,
    original_price TEXT NOT NULL,
    copied_side TEXT NOT NULL DEFAULT '',
    copied_size TEXT NOT NULL DEFAULT '0',
    copied_price TEXT NOT NULL DEFAULT '0',
    client_order_id TEXT NOT NULL,
    follower_order_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    UNIQUE(master_trade_id, follower_id)
);

CREATE INDEX IF NOT EXISTS idx_records_pending ON copy_trade_records(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_records_follower ON copy_trade_records(follower_id);
CREATE INDEX IF NOT EXISTS idx_records_master ON copy_trade_records(master_account_id);

-- Сверка pending записей с биржей
CREATE TABLE IF NOT EXISTS sync_status (
    record_id BIGINT PRIMARY KEY REFERENCES copy_trade_records(id),
    last_checked_at BIGINT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
);
`, "{{ID}}", idColumn)

	if _, err := s.db.ExecContext(ctx, migrationSQL); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	s.logger.Info("✅ Database initialized", slog.String("driver", s.driver))

	return nil
}

// rebind заменяет плейсхолдеры ? на $n для postgres
func (s *Storage) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}

func (s *Storage) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Storage) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Storage) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Storage) nowMs() int64 {
	return s.now().UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
