package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "socketlease/backend/libs/errors"
	"socketlease/backend/services/lease-service/internal/models"
)

// MemoryStore keeps sessions and accounts in process memory. It backs tests and
// hardware bench setups without Postgres.
//
// WithinTx serializes transactions against each other and restores a snapshot
// when fn fails; plain calls outside a transaction are not isolated from it.
type MemoryStore struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	nextID   int64
	sessions map[int64]models.Session
	accounts map[string]models.Account
	now      func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[int64]models.Session),
		accounts: make(map[string]models.Account),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PutAccount creates or overwrites an account.
func (m *MemoryStore) PutAccount(holderID string, balance int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.accounts[holderID] = models.Account{
		HolderID:  holderID,
		Balance:   balance,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Account returns a copy of the account.
func (m *MemoryStore) Account(holderID string) (models.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[holderID]
	return a, ok
}

// Create stores an in-progress session.
func (m *MemoryStore) Create(_ context.Context, session *models.Session) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[session.HolderID]; !ok {
		return 0, apperrors.NotFound(fmt.Sprintf("account %s", session.HolderID))
	}
	if session.Status == models.SessionStatusInProgress {
		for _, existing := range m.sessions {
			if existing.HolderID == session.HolderID && existing.Status == models.SessionStatusInProgress {
				return 0, apperrors.Conflict(fmt.Sprintf("holder %s already has an active lease", session.HolderID))
			}
		}
	}

	m.nextID++
	now := m.now()
	stored := *session
	stored.ID = m.nextID
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.sessions[stored.ID] = stored

	*session = stored
	return stored.ID, nil
}

// Get returns a copy of the session.
func (m *MemoryStore) Get(_ context.Context, id int64) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("session %d", id))
	}
	return &s, nil
}

// Update finalizes an in-progress session.
func (m *MemoryStore) Update(_ context.Context, id int64, update models.SessionUpdate) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("session %d", id))
	}
	if s.Status != models.SessionStatusInProgress {
		return nil, apperrors.InvalidState(fmt.Sprintf("session %d is already finalized", id))
	}

	end := update.ActualEndTime
	duration := update.DurationSeconds
	s.Status = update.Status
	s.ActualEndTime = &end
	s.DurationSeconds = &duration
	if update.Refund != nil {
		refund := *update.Refund
		s.Refund = &refund
	}
	s.UpdatedAt = m.now()
	m.sessions[id] = s
	return &s, nil
}

// Query returns matching sessions in map order.
func (m *MemoryStore) Query(_ context.Context, filter models.SessionFilter) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.Session
	for _, s := range m.sessions {
		if filter.Matches(&s) {
			result = append(result, s)
		}
	}
	return result, nil
}

// GetBalance returns the holder's balance.
func (m *MemoryStore) GetBalance(_ context.Context, holderID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[holderID]
	if !ok {
		return 0, apperrors.NotFound(fmt.Sprintf("account %s", holderID))
	}
	return a.Balance, nil
}

// AdjustBalance applies delta unless the balance would go negative.
func (m *MemoryStore) AdjustBalance(_ context.Context, holderID string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[holderID]
	if !ok {
		return 0, apperrors.NotFound(fmt.Sprintf("account %s", holderID))
	}
	if a.Balance+delta < 0 {
		return 0, apperrors.InsufficientBalance(a.Balance, -delta)
	}

	now := m.now()
	a.Balance += delta
	a.UpdatedAt = now
	if delta < 0 {
		a.LastUsedAt = &now
	}
	m.accounts[holderID] = a
	return a.Balance, nil
}

// WithinTx runs fn and rolls every change back if it fails.
func (m *MemoryStore) WithinTx(ctx context.Context, fn TxFunc) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	nextID := m.nextID
	sessions := make(map[int64]models.Session, len(m.sessions))
	for id, s := range m.sessions {
		sessions[id] = s
	}
	accounts := make(map[string]models.Account, len(m.accounts))
	for id, a := range m.accounts {
		accounts[id] = a
	}
	m.mu.Unlock()

	if err := fn(ctx, m, m); err != nil {
		m.mu.Lock()
		m.nextID = nextID
		m.sessions = sessions
		m.accounts = accounts
		m.mu.Unlock()
		return err
	}
	return nil
}

var (
	_ SessionStore  = (*MemoryStore)(nil)
	_ AccountLedger = (*MemoryStore)(nil)
	_ Transactor    = (*MemoryStore)(nil)
)
