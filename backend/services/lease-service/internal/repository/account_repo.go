package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	apperrors "socketlease/backend/libs/errors"
	"socketlease/backend/services/lease-service/internal/models"
)

// AccountRepository is the Postgres-backed point ledger.
type AccountRepository struct {
	db sqlxDB
}

// NewAccountRepository returns repository.
func NewAccountRepository(db *sqlx.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *AccountRepository) WithTx(tx *sqlx.Tx) *AccountRepository {
	return &AccountRepository{db: tx}
}

// Get returns the account row.
func (r *AccountRepository) Get(ctx context.Context, holderID string) (*models.Account, error) {
	var account models.Account
	err := r.db.GetContext(ctx, &account, `
		SELECT holder_id, balance, last_used_at, created_at, updated_at
		FROM accounts WHERE holder_id = $1
	`, holderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(fmt.Sprintf("account %s", holderID))
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return &account, nil
}

// GetBalance returns the current balance.
func (r *AccountRepository) GetBalance(ctx context.Context, holderID string) (int, error) {
	account, err := r.Get(ctx, holderID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// AdjustBalance adds delta to the balance unless the result would be negative.
// Debits also stamp last_used_at.
func (r *AccountRepository) AdjustBalance(ctx context.Context, holderID string, delta int) (int, error) {
	const query = `
		UPDATE accounts
		SET balance = balance + $2,
		    last_used_at = CASE WHEN $2 < 0 THEN NOW() ELSE last_used_at END,
		    updated_at = NOW()
		WHERE holder_id = $1 AND balance + $2 >= 0
		RETURNING balance
	`
	var balance int
	err := r.db.GetContext(ctx, &balance, query, holderID, delta)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := r.GetBalance(ctx, holderID)
		if getErr != nil {
			return 0, getErr
		}
		return 0, apperrors.InsufficientBalance(current, -delta)
	}
	if err != nil {
		return 0, apperrors.Database(err)
	}
	return balance, nil
}
