package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	libdb "socketlease/backend/libs/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    holder_id text PRIMARY KEY,
    balance integer NOT NULL DEFAULT 0 CHECK (balance >= 0),
    last_used_at timestamptz,
    created_at timestamptz NOT NULL DEFAULT NOW(),
    updated_at timestamptz NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS lease_sessions (
    id bigserial PRIMARY KEY,
    holder_id text NOT NULL REFERENCES accounts(holder_id),
    points_reserved integer NOT NULL CHECK (points_reserved > 0),
    socket_class text NOT NULL,
    socket_number integer NOT NULL,
    status text NOT NULL,
    start_time timestamptz NOT NULL,
    expected_end_time timestamptz NOT NULL,
    actual_end_time timestamptz,
    duration_seconds bigint,
    refunded_points integer CHECK (refunded_points >= 0 AND refunded_points <= points_reserved),
    balance_after_refund integer,
    created_at timestamptz NOT NULL DEFAULT NOW(),
    updated_at timestamptz NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS lease_sessions_one_active_per_holder
ON lease_sessions (holder_id) WHERE status = 'in_progress';

CREATE INDEX IF NOT EXISTS lease_sessions_holder_created_idx
ON lease_sessions (holder_id, created_at DESC);
`

// Migrate creates the tables the lease service needs.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

// PostgresStore bundles the session and account repositories over one pool.
type PostgresStore struct {
	db       *sqlx.DB
	Sessions *SessionRepository
	Accounts *AccountRepository
}

// NewPostgresStore returns store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{
		db:       db,
		Sessions: NewSessionRepository(db),
		Accounts: NewAccountRepository(db),
	}
}

// WithinTx runs fn with repositories bound to a single transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn TxFunc) error {
	return libdb.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return fn(ctx, s.Sessions.WithTx(tx), s.Accounts.WithTx(tx))
	})
}

var (
	_ SessionStore  = (*SessionRepository)(nil)
	_ AccountLedger = (*AccountRepository)(nil)
	_ Transactor    = (*PostgresStore)(nil)
)
