package repository

import (
	"context"

	"socketlease/backend/services/lease-service/internal/models"
)

// SessionStore persists lease records.
//
// Get returns a NOT_FOUND AppError for unknown ids. Create returns CONFLICT when the
// holder already has an in-progress session. Update only finalizes in-progress
// sessions; terminal ones yield INVALID_STATE. Query results are unordered.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) (int64, error)
	Get(ctx context.Context, id int64) (*models.Session, error)
	Update(ctx context.Context, id int64, update models.SessionUpdate) (*models.Session, error)
	Query(ctx context.Context, filter models.SessionFilter) ([]models.Session, error)
}

// AccountLedger holds point balances.
//
// AdjustBalance is a conditional write: a delta that would drive the balance
// below zero fails with INSUFFICIENT_BALANCE and leaves it untouched.
type AccountLedger interface {
	GetBalance(ctx context.Context, holderID string) (int, error)
	AdjustBalance(ctx context.Context, holderID string, delta int) (int, error)
}

// TxFunc runs against stores bound to one transaction.
type TxFunc func(ctx context.Context, sessions SessionStore, ledger AccountLedger) error

// Transactor is implemented by stores that can apply session and ledger writes atomically.
type Transactor interface {
	WithinTx(ctx context.Context, fn TxFunc) error
}
