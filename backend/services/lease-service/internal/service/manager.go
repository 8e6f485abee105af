package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "socketlease/backend/libs/errors"
	"socketlease/backend/services/lease-service/internal/billing"
	"socketlease/backend/services/lease-service/internal/events"
	"socketlease/backend/services/lease-service/internal/models"
	redisstore "socketlease/backend/services/lease-service/internal/redis"
	"socketlease/backend/services/lease-service/internal/repository"
)

// Page size defaults.
const (
	DefaultHistoryLimit = 50
	DefaultListLimit    = 100
	DefaultMaxPageSize  = 500
)

// Relay switches socket outputs.
type Relay interface {
	Energize(socket int) error
	Deenergize(socket int) error
}

// ActiveLeaseCache remembers each holder's in-progress session.
type ActiveLeaseCache interface {
	Save(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, holderID string) (*redisstore.ActiveLease, error)
	Delete(ctx context.Context, holderID string) error
}

// Options tune the manager.
type Options struct {
	SecondsPerPoint int
	// Sockets lists the sockets that can be leased; any other number is rejected.
	Sockets             []models.Socket
	DefaultHistoryLimit int
	DefaultListLimit    int
	MaxPageSize         int
	// StrictActuation cancels a new lease with a full refund when the socket
	// cannot be energized.
	StrictActuation bool
}

// Deps are the manager's collaborators. Transactor, Cache and Publisher are optional.
type Deps struct {
	Sessions   repository.SessionStore
	Ledger     repository.AccountLedger
	Transactor repository.Transactor
	Relay      Relay
	Cache      ActiveLeaseCache
	Publisher  events.Publisher
	Logger     *zap.Logger
	Now        func() time.Time
}

// Manager runs the lease lifecycle: it reserves points, records sessions,
// drives the relays and refunds unused time.
type Manager struct {
	sessions  repository.SessionStore
	ledger    repository.AccountLedger
	tx        repository.Transactor
	relay     Relay
	cache     ActiveLeaseCache
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time

	calc    billing.Calculator
	sockets map[int]models.SocketClass
	opts    Options
	locks   *holderLocks
}

// StartResult is returned by StartLease.
type StartResult struct {
	Session          *models.Session `json:"session"`
	RemainingBalance int             `json:"remaining_balance"`
	ExpectedDuration time.Duration   `json:"-"`
}

// Stats aggregates a holder's sessions. Durations are in seconds.
type Stats struct {
	TotalSessions           int   `json:"total_sessions"`
	TotalPointsUsed         int   `json:"total_points_used"`
	TotalDuration           int64 `json:"total_duration"`
	CompletedSessions       int   `json:"completed_sessions"`
	CancelledSessions       int   `json:"cancelled_sessions"`
	AveragePointsPerSession int   `json:"average_points_per_session"`
	AverageDuration         int64 `json:"average_duration"`
}

// NewManager builds a manager.
func NewManager(deps Deps, opts Options) *Manager {
	if opts.DefaultHistoryLimit <= 0 {
		opts.DefaultHistoryLimit = DefaultHistoryLimit
	}
	if opts.DefaultListLimit <= 0 {
		opts.DefaultListLimit = DefaultListLimit
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = DefaultMaxPageSize
	}

	sockets := make(map[int]models.SocketClass, len(opts.Sockets))
	for _, s := range opts.Sockets {
		sockets[s.Number] = s.Class
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	return &Manager{
		sessions:  deps.Sessions,
		ledger:    deps.Ledger,
		tx:        deps.Transactor,
		relay:     deps.Relay,
		cache:     deps.Cache,
		publisher: publisher,
		logger:    logger,
		now:       now,
		calc:      billing.NewCalculator(opts.SecondsPerPoint),
		sockets:   sockets,
		opts:      opts,
		locks:     newHolderLocks(),
	}
}

// StartLease reserves points for holderID and energizes the socket.
func (m *Manager) StartLease(ctx context.Context, holderID string, points int, class models.SocketClass, socket int) (*StartResult, error) {
	holderID = strings.TrimSpace(holderID)
	if err := m.validateStart(holderID, points, class, socket); err != nil {
		return nil, err
	}

	result, err := m.startLocked(ctx, holderID, points, class, socket)
	if err != nil {
		return nil, err
	}

	// the cache write and the event go out after the holder lock is released
	m.remember(ctx, result.Session)
	m.publish(events.Started(*result.Session, result.Session.StartTime))
	return result, nil
}

// startLocked holds the holder lock across the checks, the reservation and the energize.
func (m *Manager) startLocked(ctx context.Context, holderID string, points int, class models.SocketClass, socket int) (*StartResult, error) {
	unlock := m.locks.Lock(holderID)
	defer unlock()

	balance, err := m.ledger.GetBalance(ctx, holderID)
	if err != nil {
		return nil, apperrors.Passthrough(err)
	}

	active, err := m.sessions.Query(ctx, models.SessionFilter{HolderID: holderID, Status: models.SessionStatusInProgress})
	if err != nil {
		return nil, apperrors.Passthrough(err)
	}
	if len(active) > 0 {
		return nil, apperrors.Conflict(fmt.Sprintf("holder %s already has an active lease", holderID))
	}

	if balance < points {
		return nil, apperrors.InsufficientBalance(balance, points)
	}

	start := m.now().UTC().Truncate(time.Second)
	duration := m.calc.Duration(points)
	session := &models.Session{
		HolderID:        holderID,
		PointsReserved:  points,
		SocketClass:     class,
		SocketNumber:    socket,
		Status:          models.SessionStatusInProgress,
		StartTime:       start,
		ExpectedEndTime: start.Add(duration),
	}

	remaining, err := m.reserve(ctx, session)
	if err != nil {
		return nil, err
	}

	log := m.logger.With(
		zap.Int64("session_id", session.ID),
		zap.String("holder_id", holderID),
		zap.Int("socket", socket),
	)

	if err := m.relay.Energize(socket); err != nil {
		if m.opts.StrictActuation {
			log.Error("socket energize failed, cancelling lease", zap.Error(err))
			return nil, m.rollbackStart(ctx, session, err)
		}
		log.Warn("socket energize failed, lease kept", zap.Error(err))
	}

	log.Info("lease started",
		zap.Int("points", points),
		zap.Int("balance", remaining),
		zap.Time("expected_end", session.ExpectedEndTime),
	)

	return &StartResult{
		Session:          session,
		RemainingBalance: remaining,
		ExpectedDuration: duration,
	}, nil
}

func (m *Manager) validateStart(holderID string, points int, class models.SocketClass, socket int) error {
	if holderID == "" {
		return apperrors.InvalidState("holder id is required")
	}
	if points <= 0 {
		return apperrors.InvalidState("points must be positive")
	}
	if !class.Valid() {
		return apperrors.InvalidState(fmt.Sprintf("unknown socket class %q", class))
	}
	if socket <= 0 {
		return apperrors.InvalidState("socket number must be positive")
	}
	configured, ok := m.sockets[socket]
	if !ok {
		return apperrors.InvalidState(fmt.Sprintf("socket %d is not configured", socket))
	}
	if configured != class {
		return apperrors.InvalidState(fmt.Sprintf("socket %d is %s, not %s", socket, configured, class))
	}
	return nil
}

// reserve debits the points and creates the session as one unit.
func (m *Manager) reserve(ctx context.Context, session *models.Session) (int, error) {
	var remaining int

	if m.tx != nil {
		err := m.tx.WithinTx(ctx, func(ctx context.Context, sessions repository.SessionStore, ledger repository.AccountLedger) error {
			balance, err := ledger.AdjustBalance(ctx, session.HolderID, -session.PointsReserved)
			if err != nil {
				return err
			}
			if _, err := sessions.Create(ctx, session); err != nil {
				return err
			}
			remaining = balance
			return nil
		})
		return remaining, apperrors.Passthrough(err)
	}

	remaining, err := m.ledger.AdjustBalance(ctx, session.HolderID, -session.PointsReserved)
	if err != nil {
		return 0, apperrors.Passthrough(err)
	}
	if _, err := m.sessions.Create(ctx, session); err != nil {
		if _, cerr := m.ledger.AdjustBalance(ctx, session.HolderID, session.PointsReserved); cerr != nil {
			m.logger.Error("compensation failed: reserved points not returned",
				zap.String("compensation", "credit_reservation"),
				zap.String("holder_id", session.HolderID),
				zap.Int("points", session.PointsReserved),
				zap.NamedError("cause", err),
				zap.Error(cerr),
			)
			return 0, apperrors.CompensationFailed(
				fmt.Sprintf("credit %d points to %s", session.PointsReserved, session.HolderID), cerr)
		}
		return 0, apperrors.Passthrough(err)
	}
	return remaining, nil
}

// rollbackStart cancels a lease whose socket could not be energized and
// returns every reserved point.
func (m *Manager) rollbackStart(ctx context.Context, session *models.Session, cause error) error {
	if err := m.relay.Deenergize(session.SocketNumber); err != nil {
		m.logger.Warn("socket deenergize after failed energize", zap.Int("socket", session.SocketNumber), zap.Error(err))
	}

	update := models.SessionUpdate{
		Status:          models.SessionStatusCancelled,
		ActualEndTime:   m.now().UTC().Truncate(time.Second),
		DurationSeconds: 0,
	}
	if _, err := m.finalize(ctx, session, update, session.PointsReserved); err != nil {
		m.logger.Error("compensation failed: lease not rolled back after actuation failure",
			zap.String("compensation", "cancel_lease"),
			zap.Int64("session_id", session.ID),
			zap.String("holder_id", session.HolderID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return apperrors.CompensationFailed(fmt.Sprintf("cancel session %d", session.ID), err)
	}
	return apperrors.ActuationFailure(session.SocketNumber, cause)
}

// StopLease finalizes a session. Any status other than cancelled is treated
// as completed; only cancelled leases are refunded.
func (m *Manager) StopLease(ctx context.Context, sessionID int64, requested models.SessionStatus) (*models.Session, error) {
	if requested != models.SessionStatusCancelled {
		requested = models.SessionStatusCompleted
	}

	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Passthrough(err)
	}

	finalized, end, err := m.stopLocked(ctx, session.HolderID, sessionID, requested)
	if err != nil {
		return nil, err
	}

	m.forget(ctx, finalized.HolderID)
	m.publish(events.Stopped(*finalized, end))
	return finalized, nil
}

// stopLocked holds the holder lock across the finalization and the deenergize.
func (m *Manager) stopLocked(ctx context.Context, holderID string, sessionID int64, requested models.SessionStatus) (*models.Session, time.Time, error) {
	unlock := m.locks.Lock(holderID)
	defer unlock()

	// re-read under the holder lock; a concurrent stop may have won
	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, time.Time{}, apperrors.Passthrough(err)
	}
	if session.Status.Terminal() {
		return nil, time.Time{}, apperrors.InvalidState(fmt.Sprintf("session %d is already %s", sessionID, session.Status))
	}

	end := m.now().UTC().Truncate(time.Second)
	elapsed := int64(end.Sub(session.StartTime) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}

	refund := 0
	if requested == models.SessionStatusCancelled {
		refund = m.calc.Refund(session.PointsReserved, elapsed)
	}

	finalized, err := m.finalize(ctx, session, models.SessionUpdate{
		Status:          requested,
		ActualEndTime:   end,
		DurationSeconds: elapsed,
	}, refund)
	if err != nil {
		return nil, time.Time{}, err
	}

	log := m.logger.With(
		zap.Int64("session_id", sessionID),
		zap.String("holder_id", session.HolderID),
		zap.Int("socket", session.SocketNumber),
	)
	if err := m.relay.Deenergize(session.SocketNumber); err != nil {
		log.Warn("socket deenergize failed", zap.Error(err))
	}

	log.Info("lease stopped",
		zap.String("status", string(requested)),
		zap.Int64("elapsed_seconds", elapsed),
		zap.Int("refund", refund),
	)
	return finalized, end, nil
}

// finalize credits the refund (if any) and closes the session as one unit.
func (m *Manager) finalize(ctx context.Context, session *models.Session, update models.SessionUpdate, refund int) (*models.Session, error) {
	var finalized *models.Session

	if m.tx != nil {
		err := m.tx.WithinTx(ctx, func(ctx context.Context, sessions repository.SessionStore, ledger repository.AccountLedger) error {
			u := update
			if refund > 0 {
				balance, err := ledger.AdjustBalance(ctx, session.HolderID, refund)
				if err != nil {
					return err
				}
				u.Refund = &models.Refund{Points: refund, BalanceAfter: balance}
			}
			s, err := sessions.Update(ctx, session.ID, u)
			if err != nil {
				return err
			}
			finalized = s
			return nil
		})
		return finalized, apperrors.Passthrough(err)
	}

	if refund > 0 {
		balance, err := m.ledger.AdjustBalance(ctx, session.HolderID, refund)
		if err != nil {
			return nil, apperrors.Passthrough(err)
		}
		update.Refund = &models.Refund{Points: refund, BalanceAfter: balance}
	}

	finalized, err := m.sessions.Update(ctx, session.ID, update)
	if err != nil {
		if refund > 0 {
			if _, cerr := m.ledger.AdjustBalance(ctx, session.HolderID, -refund); cerr != nil {
				m.logger.Error("compensation failed: refund not reverted",
					zap.String("compensation", "revert_refund"),
					zap.Int64("session_id", session.ID),
					zap.String("holder_id", session.HolderID),
					zap.Int("points", refund),
					zap.NamedError("cause", err),
					zap.Error(cerr),
				)
				return nil, apperrors.CompensationFailed(
					fmt.Sprintf("debit %d refunded points from %s", refund, session.HolderID), cerr)
			}
		}
		return nil, apperrors.Passthrough(err)
	}
	return finalized, nil
}

// GetActiveLease returns the holder's in-progress session, or nil.
func (m *Manager) GetActiveLease(ctx context.Context, holderID string) (*models.Session, error) {
	if s := m.cachedActive(ctx, holderID); s != nil {
		return s, nil
	}

	active, err := m.sessions.Query(ctx, models.SessionFilter{HolderID: holderID, Status: models.SessionStatusInProgress})
	if err != nil {
		return nil, apperrors.Passthrough(err)
	}
	if len(active) == 0 {
		return nil, nil
	}
	if len(active) > 1 {
		m.logger.Warn("holder has several active leases", zap.String("holder_id", holderID), zap.Int("count", len(active)))
	}

	sortNewestFirst(active)
	session := active[0]
	m.remember(ctx, &session)
	return &session, nil
}

// cachedActive returns the cached session after checking it against the store.
func (m *Manager) cachedActive(ctx context.Context, holderID string) *models.Session {
	if m.cache == nil {
		return nil
	}
	cached, err := m.cache.Get(ctx, holderID)
	if err != nil {
		m.logger.Warn("active lease cache read failed", zap.String("holder_id", holderID), zap.Error(err))
		return nil
	}
	if cached == nil {
		return nil
	}

	session, err := m.sessions.Get(ctx, cached.SessionID)
	if err == nil && session.HolderID == holderID && session.Status == models.SessionStatusInProgress {
		return session
	}
	m.forget(ctx, holderID)
	return nil
}

func (m *Manager) remember(ctx context.Context, session *models.Session) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Save(ctx, session); err != nil {
		m.logger.Warn("failed to cache active lease",
			zap.String("holder_id", session.HolderID),
			zap.Int64("session_id", session.ID),
			zap.Error(err),
		)
	}
}

func (m *Manager) forget(ctx context.Context, holderID string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Delete(ctx, holderID); err != nil {
		m.logger.Warn("failed to evict active lease", zap.String("holder_id", holderID), zap.Error(err))
	}
}

func (m *Manager) publish(event events.Event) {
	if err := m.publisher.Publish(event); err != nil {
		m.logger.Warn("failed to publish lease event",
			zap.String("event", event.Type),
			zap.Int64("session_id", event.Session.ID),
			zap.Error(err),
		)
	}
}

// ListHistory returns the holder's sessions, newest first.
func (m *Manager) ListHistory(ctx context.Context, holderID string, max int) ([]models.Session, error) {
	sessions, err := m.sessions.Query(ctx, models.SessionFilter{HolderID: holderID})
	if err != nil {
		return nil, apperrors.Passthrough(err)
	}
	return m.page(sessions, max, m.opts.DefaultHistoryLimit), nil
}

// ListAll returns sessions of every holder, newest first.
func (m *Manager) ListAll(ctx context.Context, max int) ([]models.Session, error) {
	sessions, err := m.sessions.Query(ctx, models.SessionFilter{})
	if err != nil {
		return nil, apperrors.Passthrough(err)
	}
	return m.page(sessions, max, m.opts.DefaultListLimit), nil
}

func (m *Manager) page(sessions []models.Session, max, def int) []models.Session {
	if max <= 0 {
		max = def
	}
	if max > m.opts.MaxPageSize {
		max = m.opts.MaxPageSize
	}
	sortNewestFirst(sessions)
	if len(sessions) > max {
		sessions = sessions[:max]
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	return sessions
}

func sortNewestFirst(sessions []models.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].ID > sessions[j].ID
	})
}

// ComputeStats aggregates all of the holder's sessions. Points used are the
// reserved points minus any refund; the average duration covers finalized
// sessions only.
func (m *Manager) ComputeStats(ctx context.Context, holderID string) (Stats, error) {
	sessions, err := m.sessions.Query(ctx, models.SessionFilter{HolderID: holderID})
	if err != nil {
		return Stats{}, apperrors.Passthrough(err)
	}

	var stats Stats
	var finalized int64
	for i := range sessions {
		s := &sessions[i]
		stats.TotalSessions++
		stats.TotalPointsUsed += s.PointsReserved - s.RefundedPoints()
		switch s.Status {
		case models.SessionStatusCompleted:
			stats.CompletedSessions++
		case models.SessionStatusCancelled:
			stats.CancelledSessions++
		}
		if s.DurationSeconds != nil {
			stats.TotalDuration += *s.DurationSeconds
			finalized++
		}
	}

	stats.AveragePointsPerSession = int(roundDiv(int64(stats.TotalPointsUsed), int64(stats.TotalSessions)))
	stats.AverageDuration = roundDiv(stats.TotalDuration, finalized)
	return stats, nil
}

// roundDiv divides non-negative numbers rounding half up; zero divisors yield 0.
func roundDiv(total, n int64) int64 {
	if n == 0 {
		return 0
	}
	return (2*total + n) / (2 * n)
}
