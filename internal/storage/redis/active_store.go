package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/mediabadge/internal/storage"
	"github.com/redis/go-redis/v9"
)

type activeSessionStore struct {
	store *Store
}

func (s *activeSessionStore) sessionKey(pageKey string) string {
	return s.store.key("active", pageKey)
}

// Put mirrors a session with an expiry so a crashed coordinator leaves no residue
func (s *activeSessionStore) Put(ctx context.Context, session storage.TrackingSession, ttl time.Duration) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode tracking session: %w", err)
	}

	pipe := s.store.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(session.PageKey), payload, ttl)
	pipe.SAdd(ctx, s.store.key("active"), session.PageKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	s.store.publish(ctx, storage.ChangeActiveSessions, session.PageKey)
	return nil
}

// Delete removes a mirrored session
func (s *activeSessionStore) Delete(ctx context.Context, pageKey string) error {
	pipe := s.store.client.TxPipeline()
	pipe.Del(ctx, s.sessionKey(pageKey))
	pipe.SRem(ctx, s.store.key("active"), pageKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	s.store.publish(ctx, storage.ChangeActiveSessions, pageKey)
	return nil
}

// List returns all mirrored sessions, pruning index entries whose key expired
func (s *activeSessionStore) List(ctx context.Context) ([]storage.TrackingSession, error) {
	pageKeys, err := s.store.client.SMembers(ctx, s.store.key("active")).Result()
	if err != nil {
		return nil, err
	}

	if len(pageKeys) == 0 {
		return []storage.TrackingSession{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.store.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(pageKeys))
	for i, pageKey := range pageKeys {
		cmds[i] = pipe.Get(ctx, s.sessionKey(pageKey))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	sessions := make([]storage.TrackingSession, 0, len(pageKeys))
	var stale []interface{}
	var corrupt []string
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, pageKeys[i])
			continue
		}
		if err != nil {
			continue
		}

		session, err := parseTrackingSession(raw)
		if err != nil {
			s.store.logger.Warn().Err(err).Str("page_key", pageKeys[i]).Msg("Pruning unreadable session mirror")
			stale = append(stale, pageKeys[i])
			corrupt = append(corrupt, s.sessionKey(pageKeys[i]))
			continue
		}
		sessions = append(sessions, *session)
	}

	if len(stale) > 0 {
		pipe := s.store.client.TxPipeline()
		if len(corrupt) > 0 {
			pipe.Del(ctx, corrupt...)
		}
		pipe.SRem(ctx, s.store.key("active"), stale...)
		if _, err := pipe.Exec(ctx); err != nil {
			s.store.logger.Warn().Err(err).Msg("Failed to prune session mirror index")
		}
	}

	return sessions, nil
}

// Clear drops the whole mirror; called when a coordinator starts
func (s *activeSessionStore) Clear(ctx context.Context) error {
	pageKeys, err := s.store.client.SMembers(ctx, s.store.key("active")).Result()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(pageKeys)+1)
	for _, pageKey := range pageKeys {
		keys = append(keys, s.sessionKey(pageKey))
	}
	keys = append(keys, s.store.key("active"))

	if err := s.store.client.Del(ctx, keys...).Err(); err != nil {
		return err
	}

	s.store.publish(ctx, storage.ChangeActiveSessions, "")
	return nil
}
