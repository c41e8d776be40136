package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"copytrade/internal/models"
)

// === Copy Trade Records (ledger) ===

const recordColumns = `id, master_trade_id, master_account_id, follower_id, symbol, direction,
	original_side, original_size, original_price, copied_side, copied_size, copied_price,
	client_order_id, follower_order_id, status, reason, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (models.CopyTradeRecord, error) {
	var r models.CopyTradeRecord
	var createdAt, updatedAt int64

	err := row.Scan(&r.ID, &r.MasterTradeID, &r.MasterAccountID, &r.FollowerID, &r.Symbol, &r.Direction,
		&r.OriginalSide, &r.OriginalSize, &r.OriginalPrice, &r.CopiedSide, &r.CopiedSize, &r.CopiedPrice,
		&r.ClientOrderID, &r.FollowerOrderID, &r.Status, &r.Reason, &createdAt, &updatedAt)
	if err != nil {
		return models.CopyTradeRecord{}, err
	}

	r.CreatedAt = fromMs(createdAt)
	r.UpdatedAt = fromMs(updatedAt)

	return r, nil
}

// ReserveRecord вставляет запись, если пары (master_trade_id, follower_id) ещё нет.
// false без ошибки - запись уже существует (событие обработано ранее).
// При успехе rec.ID, CreatedAt и UpdatedAt заполняются.
func (s *Storage) ReserveRecord(ctx context.Context, rec *models.CopyTradeRecord) (bool, error) {
	now := s.nowMs()

	var id int64
	err := s.queryRow(ctx, `
		INSERT INTO copy_trade_records (master_trade_id, master_account_id, follower_id, symbol, direction,
			original_side, original_size, original_price, copied_side, copied_size, copied_price,
			client_order_id, follower_order_id, status, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (master_trade_id, follower_id) DO NOTHING
		RETURNING id
	`, rec.MasterTradeID, rec.MasterAccountID, rec.FollowerID, rec.Symbol, string(rec.Direction),
		rec.OriginalSide, rec.OriginalSize.String(), rec.OriginalPrice.String(),
		rec.CopiedSide, rec.CopiedSize.String(), rec.CopiedPrice.String(),
		rec.ClientOrderID, rec.FollowerOrderID, string(rec.Status), rec.Reason, now, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to reserve record: %w", err)
	}

	rec.ID = id
	rec.CreatedAt = fromMs(now)
	rec.UpdatedAt = rec.CreatedAt

	return true, nil
}

// CompleteRecord переводит pending запись в executed/failed.
// Терминальные записи не меняются: возвращается ErrNotPending.
func (s *Storage) CompleteRecord(ctx context.Context, rec models.CopyTradeRecord) error {
	if rec.Status == models.StatusPending {
		return fmt.Errorf("complete record %d: target status must be terminal", rec.ID)
	}

	res, err := s.exec(ctx, `
		UPDATE copy_trade_records
		SET copied_side = ?, copied_size = ?, copied_price = ?, follower_order_id = ?,
			status = ?, reason = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, rec.CopiedSide, rec.CopiedSize.String(), rec.CopiedPrice.String(), rec.FollowerOrderID,
		string(rec.Status), rec.Reason, s.nowMs(), rec.ID, string(models.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to complete record: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %d: %w", rec.ID, ErrNotPending)
	}

	return nil
}

// GetRecord возвращает запись по ID
func (s *Storage) GetRecord(ctx context.Context, id int64) (models.CopyTradeRecord, error) {
	rec, err := scanRecord(s.queryRow(ctx, `SELECT `+recordColumns+` FROM copy_trade_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.CopyTradeRecord{}, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.CopyTradeRecord{}, fmt.Errorf("failed to get record: %w", err)
	}

	return rec, nil
}

// GetRecordByKey возвращает запись по ключу идемпотентности
func (s *Storage) GetRecordByKey(ctx context.Context, masterTradeID string, followerID int) (models.CopyTradeRecord, error) {
	rec, err := scanRecord(s.queryRow(ctx, `
		SELECT `+recordColumns+`
		FROM copy_trade_records
		WHERE master_trade_id = ? AND follower_id = ?
	`, masterTradeID, followerID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.CopyTradeRecord{}, fmt.Errorf("record %s/%d: %w", masterTradeID, followerID, ErrNotFound)
	}
	if err != nil {
		return models.CopyTradeRecord{}, fmt.Errorf("failed to get record: %w", err)
	}

	return rec, nil
}

// ListRecords возвращает записи по фильтру, новые первыми
func (s *Storage) ListRecords(ctx context.Context, filter models.RecordFilter) ([]models.CopyTradeRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM copy_trade_records WHERE 1 = 1`
	var args []any

	if filter.FollowerID != 0 {
		query += ` AND follower_id = ?`
		args = append(args, filter.FollowerID)
	}

	if filter.MasterAccountID != 0 {
		query += ` AND master_account_id = ?`
		args = append(args, filter.MasterAccountID)
	}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))

	return s.listRecords(ctx, query, args...)
}

// ListStalePending возвращает pending записи, которых никто не трогал с olderThan
func (s *Storage) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.CopyTradeRecord, error) {
	return s.listRecords(ctx, `
		SELECT `+recordColumns+`
		FROM copy_trade_records
		WHERE status = ? AND updated_at < ?
		ORDER BY id
		LIMIT ?
	`, string(models.StatusPending), olderThan.UnixMilli(), limit)
}

// ClaimRecord продлевает pending запись перед работой с биржей.
// Запись уже не pending - ErrNotPending.
func (s *Storage) ClaimRecord(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `
		UPDATE copy_trade_records
		SET updated_at = ?
		WHERE id = ? AND status = ?
	`, s.nowMs(), id, string(models.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to claim record: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %d: %w", id, ErrNotPending)
	}

	return nil
}

// ClaimStale забирает зависшую запись на сверку.
// false - запись уже завершена или её успел забрать другой процесс.
func (s *Storage) ClaimStale(ctx context.Context, id int64, olderThan time.Time) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE copy_trade_records
		SET updated_at = ?
		WHERE id = ? AND status = ? AND updated_at < ?
	`, s.nowMs(), id, string(models.StatusPending), olderThan.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to claim stale record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim stale record: %w", err)
	}

	return n > 0, nil
}

func (s *Storage) listRecords(ctx context.Context, query string, args ...any) ([]models.CopyTradeRecord, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []models.CopyTradeRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// === Sync Status ===

// TouchSync отмечает попытку сверки записи с биржей
func (s *Storage) TouchSync(ctx context.Context, recordID int64, syncErr string) error {
	_, err := s.exec(ctx, `
		INSERT INTO sync_status (record_id, last_checked_at, attempts, error)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (record_id) DO UPDATE
		SET last_checked_at = excluded.last_checked_at,
			attempts = sync_status.attempts + 1,
			error = excluded.error
	`, recordID, s.nowMs(), syncErr)
	if err != nil {
		return fmt.Errorf("failed to touch sync status: %w", err)
	}

	return nil
}

// GetSyncStatus возвращает состояние сверки записи
func (s *Storage) GetSyncStatus(ctx context.Context, recordID int64) (models.SyncStatus, error) {
	var st models.SyncStatus
	var checkedAt int64

	err := s.queryRow(ctx, `
		SELECT record_id, last_checked_at, attempts, error
		FROM sync_status
		WHERE record_id = ?
	`, recordID).Scan(&st.RecordID, &checkedAt, &st.Attempts, &st.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncStatus{}, fmt.Errorf("sync status %d: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return models.SyncStatus{}, fmt.Errorf("failed to get sync status: %w", err)
	}

	st.LastCheckedAt = fromMs(checkedAt)

	return st, nil
}
