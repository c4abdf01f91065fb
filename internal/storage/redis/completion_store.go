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

type completionStore struct {
	store *Store
}

func (s *completionStore) keys() (records, order, dismissed, minted, badge, mintedCount string) {
	return s.store.key("completions"),
		s.store.key("completions", "order"),
		s.store.key("completions", "dismissed"),
		s.store.key("completions", "minted"),
		s.store.key("badge"),
		s.store.key("minted")
}

// Enqueue appends record if its id is new and returns the badge count
func (s *completionStore) Enqueue(ctx context.Context, record storage.CompletionRecord) (bool, int64, error) {
	if record.ID == "" {
		return false, 0, fmt.Errorf("completion id is required")
	}

	record.Dismissed = false
	payload, err := json.Marshal(record)
	if err != nil {
		return false, 0, fmt.Errorf("failed to encode completion: %w", err)
	}

	records, order, dismissed, minted, badge, _ := s.keys()
	keys := []string{records, order, dismissed, minted, badge}

	res, err := enqueueCompletion.Run(ctx, s.store.client, keys, record.ID, string(payload)).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected enqueue result: %v", res)
	}

	added := res[0] == 1
	if added {
		s.store.publish(ctx, storage.ChangeCompletions, record.ID)
		s.store.publish(ctx, storage.ChangeBadge, "badge")
	}
	return added, res[1], nil
}

// Get returns a queued record by id
func (s *completionStore) Get(ctx context.Context, id string) (*storage.CompletionRecord, error) {
	records, _, dismissed, _, _, _ := s.keys()

	pipe := s.store.client.Pipeline()
	recordCmd := pipe.HGet(ctx, records, id)
	dismissedCmd := pipe.SIsMember(ctx, dismissed, id)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	raw, err := recordCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return parseCompletion(raw, dismissedCmd.Val())
}

// List returns queued records in enqueue order
func (s *completionStore) List(ctx context.Context, includeDismissed bool) ([]storage.CompletionRecord, error) {
	records, order, dismissed, _, _, _ := s.keys()

	pipe := s.store.client.Pipeline()
	orderCmd := pipe.LRange(ctx, order, 0, -1)
	dismissedCmd := pipe.SMembers(ctx, dismissed)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	ids := orderCmd.Val()
	if len(ids) == 0 {
		return []storage.CompletionRecord{}, nil
	}

	dismissedSet := make(map[string]bool, len(dismissedCmd.Val()))
	for _, id := range dismissedCmd.Val() {
		dismissedSet[id] = true
	}

	vals, err := s.store.client.HMGet(ctx, records, ids...).Result()
	if err != nil {
		return nil, err
	}

	result := make([]storage.CompletionRecord, 0, len(ids))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		isDismissed := dismissedSet[ids[i]]
		if isDismissed && !includeDismissed {
			continue
		}
		record, err := parseCompletion(raw, isDismissed)
		if err != nil {
			continue
		}
		result = append(result, *record)
	}

	return result, nil
}

// Dismiss hides a record from the active queue and returns the badge count
func (s *completionStore) Dismiss(ctx context.Context, id string) (int64, error) {
	records, _, dismissed, _, badge, _ := s.keys()

	count, err := dismissCompletion.Run(ctx, s.store.client, []string{records, dismissed, badge}, id).Int64()
	if err != nil {
		return 0, err
	}
	if count < 0 {
		return 0, storage.ErrNotFound
	}

	s.store.publish(ctx, storage.ChangeCompletions, id)
	s.store.publish(ctx, storage.ChangeBadge, "badge")
	return count, nil
}

func (s *completionStore) claimKey(id string) string {
	return s.store.key("completions", "minting", id)
}

// ClaimMint takes the mint claim on a queued record for ttl
func (s *completionStore) ClaimMint(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	records, _, _, _, _, _ := s.keys()

	res, err := claimMint.Run(ctx, s.store.client, []string{records, s.claimKey(id)}, id, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	if res < 0 {
		return false, storage.ErrNotFound
	}
	return res == 1, nil
}

// ReleaseMint drops the mint claim on id
func (s *completionStore) ReleaseMint(ctx context.Context, id string) error {
	return s.store.client.Del(ctx, s.claimKey(id)).Err()
}

// MarkMinted removes a record after a successful mint
func (s *completionStore) MarkMinted(ctx context.Context, id string) (int64, error) {
	records, order, dismissed, minted, badge, mintedCount := s.keys()
	keys := []string{records, order, dismissed, minted, badge, mintedCount}

	count, err := markMinted.Run(ctx, s.store.client, keys, id).Int64()
	if err != nil {
		return 0, err
	}
	if count < 0 {
		return 0, storage.ErrNotFound
	}

	if err := s.ReleaseMint(ctx, id); err != nil {
		return 0, err
	}

	s.store.publish(ctx, storage.ChangeCompletions, id)
	s.store.publish(ctx, storage.ChangeBadge, "badge")
	return count, nil
}

// BadgeCount returns the number of queued, non-dismissed records
func (s *completionStore) BadgeCount(ctx context.Context) (int64, error) {
	_, _, _, _, badge, _ := s.keys()
	return s.getInt(ctx, badge)
}

// MintedCount returns how many completions were minted
func (s *completionStore) MintedCount(ctx context.Context) (int64, error) {
	_, _, _, _, _, mintedCount := s.keys()
	return s.getInt(ctx, mintedCount)
}

func (s *completionStore) getInt(ctx context.Context, key string) (int64, error) {
	n, err := s.store.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
