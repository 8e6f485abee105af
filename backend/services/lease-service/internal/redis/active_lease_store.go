package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"socketlease/backend/services/lease-service/internal/models"
)

// ActiveLease is the cached pointer to a holder's in-progress session.
type ActiveLease struct {
	SessionID       int64     `json:"session_id"`
	HolderID        string    `json:"holder_id"`
	SocketNumber    int       `json:"socket_number"`
	ExpectedEndTime time.Time `json:"expected_end_time"`
}

// Store manages the active lease cache. The session store stays authoritative;
// entries here only save a query on the hot path.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore returns redis-backed store. A zero ttl keeps entries until deleted.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func (s *Store) key(holderID string) string {
	return fmt.Sprintf("leases:active:%s", holderID)
}

// Save caches the session as the holder's active lease.
func (s *Store) Save(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(ActiveLease{
		SessionID:       session.ID,
		HolderID:        session.HolderID,
		SocketNumber:    session.SocketNumber,
		ExpectedEndTime: session.ExpectedEndTime,
	})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(session.HolderID), data, s.ttl).Err()
}

// Get returns the cached lease, or nil when the holder has none cached.
func (s *Store) Get(ctx context.Context, holderID string) (*ActiveLease, error) {
	result, err := s.client.Get(ctx, s.key(holderID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lease ActiveLease
	if err := json.Unmarshal([]byte(result), &lease); err != nil {
		return nil, err
	}
	return &lease, nil
}

// Delete removes the cached lease.
func (s *Store) Delete(ctx context.Context, holderID string) error {
	return s.client.Del(ctx, s.key(holderID)).Err()
}
