package models

import "time"

// SessionStatus is the lifecycle state of a lease.
type SessionStatus string

// Status constants.
const (
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusCancelled
}

// Refund is present on a session only when points were credited back.
type Refund struct {
	Points       int `json:"points"`
	BalanceAfter int `json:"balance_after"`
}

// Session represents a lease of one socket by one holder.
type Session struct {
	ID              int64         `json:"id"`
	HolderID        string        `json:"holder_id"`
	PointsReserved  int           `json:"points_reserved"`
	SocketClass     SocketClass   `json:"socket_class"`
	SocketNumber    int           `json:"socket_number"`
	Status          SessionStatus `json:"status"`
	StartTime       time.Time     `json:"start_time"`
	ExpectedEndTime time.Time     `json:"expected_end_time"`
	ActualEndTime   *time.Time    `json:"actual_end_time,omitempty"`
	DurationSeconds *int64        `json:"duration_seconds,omitempty"`
	Refund          *Refund       `json:"refund,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// RefundedPoints returns the credited points, zero when no refund happened.
func (s *Session) RefundedPoints() int {
	if s.Refund == nil {
		return 0
	}
	return s.Refund.Points
}

// SessionUpdate finalizes an in-progress session.
type SessionUpdate struct {
	Status          SessionStatus
	ActualEndTime   time.Time
	DurationSeconds int64
	Refund          *Refund
}

// SessionFilter selects sessions; zero fields match everything.
type SessionFilter struct {
	HolderID string
	Status   SessionStatus
}

// Matches reports whether the session satisfies the filter.
func (f SessionFilter) Matches(s *Session) bool {
	if f.HolderID != "" && s.HolderID != f.HolderID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}
