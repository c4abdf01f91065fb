package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/mediabadge/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sessionStore struct {
	store *Store
}

// Get returns the stored SessionState or storage.ErrNotFound
func (s *sessionStore) Get(ctx context.Context) (*storage.SessionState, error) {
	data, err := s.store.client.HGetAll(ctx, s.store.key("session")).Result()
	if err != nil {
		return nil, err
	}

	return parseSessionState(data)
}

// Merge applies state by last-writer-wins on UpdatedAtMs
func (s *sessionStore) Merge(ctx context.Context, state storage.SessionState) (bool, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("failed to encode session: %w", err)
	}

	keys := []string{s.store.key("session")}
	args := []interface{}{state.UpdatedAtMs, string(payload)}

	applied, err := mergeSession.Run(ctx, s.store.client, keys, args...).Int()
	if err != nil {
		return false, err
	}

	if applied == 1 {
		s.store.publish(ctx, storage.ChangeSession, "session")
		return true, nil
	}
	return false, nil
}

// MarkSynced records when the session was last broadcast
func (s *sessionStore) MarkSynced(ctx context.Context, at time.Time) error {
	return s.store.client.Set(ctx, s.store.key("lastsync"), at.UnixMilli(), 0).Err()
}

// LastSynced returns the last sync time or storage.ErrNotFound
func (s *sessionStore) LastSynced(ctx context.Context) (time.Time, error) {
	raw, err := s.store.client.Get(ctx, s.store.key("lastsync")).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, storage.ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse lastsync: %w", err)
	}
	return time.UnixMilli(ms), nil
}
