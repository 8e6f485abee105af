// Package events publishes lease lifecycle events.
package events

import (
	"encoding/json"
	"time"

	"socketlease/backend/services/lease-service/internal/models"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "socketlease/leases"

// Event types.
const (
	TypeLeaseStarted = "lease_started"
	TypeLeaseStopped = "lease_stopped"
)

// Publisher publishes lease events. Errors are reported to the caller, which
// is expected to log them and carry on.
type Publisher interface {
	Publish(event Event) error
	Close() error
}

// Event is one lease lifecycle change.
type Event struct {
	Type      string
	Timestamp time.Time
	Session   models.Session
}

// Payload is the JSON body of an event message.
type Payload struct {
	Event           string `json:"event"`
	Timestamp       string `json:"timestamp"`
	SessionID       int64  `json:"session_id"`
	HolderID        string `json:"holder_id"`
	SocketNumber    int    `json:"socket_number"`
	SocketClass     string `json:"socket_class"`
	Status          string `json:"status"`
	PointsReserved  int    `json:"points_reserved"`
	ExpectedEndTime string `json:"expected_end_time"`
	DurationSeconds *int64 `json:"duration_seconds,omitempty"`
	RefundedPoints  *int   `json:"refunded_points,omitempty"`
}

// Started builds a lease_started event.
func Started(session models.Session, at time.Time) Event {
	return Event{Type: TypeLeaseStarted, Timestamp: at, Session: session}
}

// Stopped builds a lease_stopped event.
func Stopped(session models.Session, at time.Time) Event {
	return Event{Type: TypeLeaseStopped, Timestamp: at, Session: session}
}

// Topic returns the topic an event is published on.
func Topic(prefix string, event Event) string {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + "/" + event.Type
}

// FormatPayload creates the JSON payload for an event.
func FormatPayload(event Event) ([]byte, error) {
	s := event.Session
	payload := Payload{
		Event:           event.Type,
		Timestamp:       event.Timestamp.UTC().Format(time.RFC3339),
		SessionID:       s.ID,
		HolderID:        s.HolderID,
		SocketNumber:    s.SocketNumber,
		SocketClass:     string(s.SocketClass),
		Status:          string(s.Status),
		PointsReserved:  s.PointsReserved,
		ExpectedEndTime: s.ExpectedEndTime.UTC().Format(time.RFC3339),
		DurationSeconds: s.DurationSeconds,
	}
	if s.Refund != nil {
		refunded := s.Refund.Points
		payload.RefundedPoints = &refunded
	}
	return json.Marshal(payload)
}

// NopPublisher discards events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) error { return nil }
func (NopPublisher) Close() error        { return nil }
