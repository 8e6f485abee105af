package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "socketlease/backend/libs/errors"
	libdb "socketlease/backend/libs/db"
	"socketlease/backend/services/lease-service/internal/models"
)

// activeSessionConstraint is the partial unique index guarding one in-progress session per holder.
const activeSessionConstraint = "lease_sessions_one_active_per_holder"

// sqlxDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sqlxDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

var (
	_ sqlxDB = (*sqlx.DB)(nil)
	_ sqlxDB = (*sqlx.Tx)(nil)
)

type sessionRow struct {
	ID                 int64         `db:"id"`
	HolderID           string        `db:"holder_id"`
	PointsReserved     int           `db:"points_reserved"`
	SocketClass        string        `db:"socket_class"`
	SocketNumber       int           `db:"socket_number"`
	Status             string        `db:"status"`
	StartTime          time.Time     `db:"start_time"`
	ExpectedEndTime    time.Time     `db:"expected_end_time"`
	ActualEndTime      sql.NullTime  `db:"actual_end_time"`
	DurationSeconds    sql.NullInt64 `db:"duration_seconds"`
	RefundedPoints     sql.NullInt64 `db:"refunded_points"`
	BalanceAfterRefund sql.NullInt64 `db:"balance_after_refund"`
	CreatedAt          time.Time     `db:"created_at"`
	UpdatedAt          time.Time     `db:"updated_at"`
}

func (r sessionRow) toModel() models.Session {
	s := models.Session{
		ID:              r.ID,
		HolderID:        r.HolderID,
		PointsReserved:  r.PointsReserved,
		SocketClass:     models.SocketClass(r.SocketClass),
		SocketNumber:    r.SocketNumber,
		Status:          models.SessionStatus(r.Status),
		StartTime:       r.StartTime.UTC(),
		ExpectedEndTime: r.ExpectedEndTime.UTC(),
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
	if r.ActualEndTime.Valid {
		end := r.ActualEndTime.Time.UTC()
		s.ActualEndTime = &end
	}
	if r.DurationSeconds.Valid {
		d := r.DurationSeconds.Int64
		s.DurationSeconds = &d
	}
	if r.RefundedPoints.Valid {
		s.Refund = &models.Refund{
			Points:       int(r.RefundedPoints.Int64),
			BalanceAfter: int(r.BalanceAfterRefund.Int64),
		}
	}
	return s
}

const sessionColumns = `id, holder_id, points_reserved, socket_class, socket_number, status, start_time,
	expected_end_time, actual_end_time, duration_seconds, refunded_points, balance_after_refund,
	created_at, updated_at`

// SessionRepository handles persistence of lease sessions in Postgres.
type SessionRepository struct {
	db sqlxDB
}

// NewSessionRepository returns repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *SessionRepository) WithTx(tx *sqlx.Tx) *SessionRepository {
	return &SessionRepository{db: tx}
}

// Create inserts an in-progress session and returns its id.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) (int64, error) {
	const query = `
		INSERT INTO lease_sessions (holder_id, points_reserved, socket_class, socket_number, status,
			start_time, expected_end_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING ` + sessionColumns

	var row sessionRow
	err := r.db.GetContext(ctx, &row, query,
		session.HolderID,
		session.PointsReserved,
		string(session.SocketClass),
		session.SocketNumber,
		string(session.Status),
		session.StartTime,
		session.ExpectedEndTime,
	)
	if err != nil {
		if libdb.IsUniqueViolation(err, activeSessionConstraint) {
			return 0, apperrors.Conflict(fmt.Sprintf("holder %s already has an active lease", session.HolderID)).WithCause(err)
		}
		return 0, apperrors.Database(err)
	}

	*session = row.toModel()
	return session.ID, nil
}

// Get returns the session with the given id.
func (r *SessionRepository) Get(ctx context.Context, id int64) (*models.Session, error) {
	var row sessionRow
	err := r.db.GetContext(ctx, &row, `SELECT `+sessionColumns+` FROM lease_sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(fmt.Sprintf("session %d", id))
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}
	s := row.toModel()
	return &s, nil
}

// Update finalizes an in-progress session.
func (r *SessionRepository) Update(ctx context.Context, id int64, update models.SessionUpdate) (*models.Session, error) {
	const query = `
		UPDATE lease_sessions
		SET status = $2,
		    actual_end_time = $3,
		    duration_seconds = $4,
		    refunded_points = $5,
		    balance_after_refund = $6,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress'
		RETURNING ` + sessionColumns

	var refunded, balanceAfter sql.NullInt64
	if update.Refund != nil {
		refunded = sql.NullInt64{Int64: int64(update.Refund.Points), Valid: true}
		balanceAfter = sql.NullInt64{Int64: int64(update.Refund.BalanceAfter), Valid: true}
	}

	var row sessionRow
	err := r.db.GetContext(ctx, &row, query,
		id,
		string(update.Status),
		update.ActualEndTime,
		update.DurationSeconds,
		refunded,
		balanceAfter,
	)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, apperrors.InvalidState(fmt.Sprintf("session %d is already finalized", id))
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}
	s := row.toModel()
	return &s, nil
}

// Query returns sessions matching the filter in no particular order.
func (r *SessionRepository) Query(ctx context.Context, filter models.SessionFilter) ([]models.Session, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.HolderID != "" {
		args = append(args, filter.HolderID)
		conditions = append(conditions, fmt.Sprintf("holder_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + sessionColumns + ` FROM lease_sessions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	var rows []sessionRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperrors.Database(err)
	}

	sessions := make([]models.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, row.toModel())
	}
	return sessions, nil
}
