package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"copytrade/internal/models"
)

// === Broker Accounts ===

const brokerAccountColumns = `id, user_id, name, api_key, api_secret, active, verified, created_at`

func scanBrokerAccount(row interface{ Scan(...any) error }) (models.BrokerAccount, error) {
	var acc models.BrokerAccount
	var active, verified int
	var createdAt int64

	err := row.Scan(&acc.ID, &acc.UserID, &acc.Name, &acc.APIKey, &acc.APISecret, &active, &verified, &createdAt)
	if err != nil {
		return models.BrokerAccount{}, err
	}

	acc.Active = active == 1
	acc.Verified = verified == 1
	acc.CreatedAt = fromMs(createdAt)

	return acc, nil
}

// SaveBrokerAccount создает (ID == 0) или обновляет master аккаунт
func (s *Storage) SaveBrokerAccount(ctx context.Context, acc models.BrokerAccount) (int, error) {
	if acc.ID == 0 {
		var id int
		err := s.queryRow(ctx, `
			INSERT INTO broker_accounts (user_id, name, api_key, api_secret, active, verified, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`, acc.UserID, acc.Name, acc.APIKey, acc.APISecret, boolToInt(acc.Active), boolToInt(acc.Verified), s.nowMs()).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to create broker account: %w", err)
		}

		return id, nil
	}

	res, err := s.exec(ctx, `
		UPDATE broker_accounts
		SET user_id = ?, name = ?, api_key = ?, api_secret = ?, active = ?, verified = ?
		WHERE id = ?
	`, acc.UserID, acc.Name, acc.APIKey, acc.APISecret, boolToInt(acc.Active), boolToInt(acc.Verified), acc.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to update broker account: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("broker account %d: %w", acc.ID, ErrNotFound)
	}

	return acc.ID, nil
}

// GetBrokerAccount возвращает master аккаунт по ID
func (s *Storage) GetBrokerAccount(ctx context.Context, id int) (models.BrokerAccount, error) {
	acc, err := scanBrokerAccount(s.queryRow(ctx,
		`SELECT `+brokerAccountColumns+` FROM broker_accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.BrokerAccount{}, fmt.Errorf("broker account %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.BrokerAccount{}, fmt.Errorf("failed to get broker account: %w", err)
	}

	return acc, nil
}

// ListBrokerAccounts возвращает master аккаунты; onlyActive - только active и verified
func (s *Storage) ListBrokerAccounts(ctx context.Context, onlyActive bool) ([]models.BrokerAccount, error) {
	query := `SELECT ` + brokerAccountColumns + ` FROM broker_accounts`
	if onlyActive {
		query += ` WHERE active = 1 AND verified = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list broker accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.BrokerAccount
	for rows.Next() {
		acc, err := scanBrokerAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan broker account: %w", err)
		}
		accounts = append(accounts, acc)
	}

	return accounts, rows.Err()
}

// === Followers ===

const followerColumns = `id, user_id, master_account_id, name, api_key, api_secret, copy_mode,
	fixed_lot, multiplier, percentage, min_lot_size, max_lot_size, account_status, created_at, updated_at`

func scanFollower(row interface{ Scan(...any) error }) (models.Follower, error) {
	var f models.Follower
	var createdAt, updatedAt int64

	err := row.Scan(&f.ID, &f.UserID, &f.MasterAccountID, &f.Name, &f.APIKey, &f.APISecret, &f.CopyMode,
		&f.FixedLot, &f.Multiplier, &f.Percentage, &f.MinLotSize, &f.MaxLotSize, &f.AccountStatus,
		&createdAt, &updatedAt)
	if err != nil {
		return models.Follower{}, err
	}

	f.CreatedAt = fromMs(createdAt)
	f.UpdatedAt = fromMs(updatedAt)

	return f, nil
}

// SaveFollower создает (ID == 0) или обновляет follower
func (s *Storage) SaveFollower(ctx context.Context, f models.Follower) (int, error) {
	now := s.nowMs()

	if f.ID == 0 {
		var id int
		err := s.queryRow(ctx, `
			INSERT INTO followers (user_id, master_account_id, name, api_key, api_secret, copy_mode,
				fixed_lot, multiplier, percentage, min_lot_size, max_lot_size, account_status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`, f.UserID, f.MasterAccountID, f.Name, f.APIKey, f.APISecret, string(f.CopyMode),
			f.FixedLot.String(), f.Multiplier.String(), f.Percentage.String(), f.MinLotSize.String(), f.MaxLotSize.String(),
			string(f.AccountStatus), now, now).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to create follower: %w", err)
		}

		return id, nil
	}

	res, err := s.exec(ctx, `
		UPDATE followers
		SET user_id = ?, master_account_id = ?, name = ?, api_key = ?, api_secret = ?, copy_mode = ?,
			fixed_lot = ?, multiplier = ?, percentage = ?, min_lot_size = ?, max_lot_size = ?,
			account_status = ?, updated_at = ?
		WHERE id = ?
	`, f.UserID, f.MasterAccountID, f.Name, f.APIKey, f.APISecret, string(f.CopyMode),
		f.FixedLot.String(), f.Multiplier.String(), f.Percentage.String(), f.MinLotSize.String(), f.MaxLotSize.String(),
		string(f.AccountStatus), now, f.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to update follower: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("follower %d: %w", f.ID, ErrNotFound)
	}

	return f.ID, nil
}

// GetFollower возвращает follower по ID
func (s *Storage) GetFollower(ctx context.Context, id int) (models.Follower, error) {
	f, err := scanFollower(s.queryRow(ctx, `SELECT `+followerColumns+` FROM followers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Follower{}, fmt.Errorf("follower %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Follower{}, fmt.Errorf("failed to get follower: %w", err)
	}

	return f, nil
}

// ListFollowers возвращает followers master аккаунта (masterID == 0 - всех)
func (s *Storage) ListFollowers(ctx context.Context, masterID int) ([]models.Follower, error) {
	query := `SELECT ` + followerColumns + ` FROM followers`
	var args []any
	if masterID != 0 {
		query += ` WHERE master_account_id = ?`
		args = append(args, masterID)
	}
	query += ` ORDER BY id`

	return s.listFollowers(ctx, query, args...)
}

// ListActiveFollowers возвращает активных followers master аккаунта
func (s *Storage) ListActiveFollowers(ctx context.Context, masterID int) ([]models.Follower, error) {
	return s.listFollowers(ctx, `
		SELECT `+followerColumns+`
		FROM followers
		WHERE master_account_id = ? AND account_status = ?
		ORDER BY id
	`, masterID, string(models.AccountActive))
}

func (s *Storage) listFollowers(ctx context.Context, query string, args ...any) ([]models.Follower, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list followers: %w", err)
	}
	defer rows.Close()

	var followers []models.Follower
	for rows.Next() {
		f, err := scanFollower(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan follower: %w", err)
		}
		followers = append(followers, f)
	}

	return followers, rows.Err()
}
