// Package db provides user-isolated database queries for multi-tenant architecture.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// UserQueries provides user-isolated database queries.
type UserQueries struct {
	db *sql.DB
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *sql.DB) *UserQueries {
	return &UserQueries{db: db}
}

// Queries returns a UserQueries bound to d's connection.
func (d *Database) Queries() *UserQueries {
	return NewUserQueries(d.DB)
}

// ----------------------------------------
// Exchange Account Queries (with encryption support)
// ----------------------------------------

// GetExchangeAccountsByUser returns all active exchange accounts for a user.
func (q *UserQueries) GetExchangeAccountsByUser(ctx context.Context, userID string) ([]ExchangeAccount, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, exchange, label, api_key, api_secret,
		       is_encrypted, key_version, testnet, is_active, created_at, updated_at
		FROM exchange_accounts
		WHERE user_id = ? AND is_active = 1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query exchange accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ExchangeAccount
	for rows.Next() {
		var a ExchangeAccount
		if err := rows.Scan(&a.ID, &a.UserID, &a.Exchange, &a.Label, &a.APIKey, &a.APISecret,
			&a.IsEncrypted, &a.KeyVersion, &a.Testnet, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan exchange account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// GetExchangeAccountByID returns an exchange account by ID, verifying user ownership.
func (q *UserQueries) GetExchangeAccountByID(ctx context.Context, userID, accountID string) (*ExchangeAccount, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var a ExchangeAccount
	err := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, exchange, label, api_key, api_secret,
		       is_encrypted, key_version, testnet, is_active, created_at, updated_at
		FROM exchange_accounts
		WHERE id = ? AND user_id = ?
	`, accountID, userID).Scan(&a.ID, &a.UserID, &a.Exchange, &a.Label, &a.APIKey, &a.APISecret,
		&a.IsEncrypted, &a.KeyVersion, &a.Testnet, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query exchange account: %w", err)
	}
	return &a, nil
}

// CreateExchangeAccountEncrypted creates a new exchange account with encrypted API keys.
func (q *UserQueries) CreateExchangeAccountEncrypted(ctx context.Context, a ExchangeAccount) error {
	if a.UserID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO exchange_accounts (
			id, user_id, exchange, label,
			api_key, api_secret,
			is_encrypted, key_version, testnet, is_active, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, a.ID, a.UserID, a.Exchange, a.Label, a.APIKey, a.APISecret, a.KeyVersion, a.Testnet)

	return err
}

// DeactivateExchangeAccount marks an exchange account as inactive (soft-delete)
// for a user, verifying ownership.
func (q *UserQueries) DeactivateExchangeAccount(ctx context.Context, accountID, userID string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE exchange_accounts
		SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, accountID, userID)
	if err != nil {
		return fmt.Errorf("deactivate exchange account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
