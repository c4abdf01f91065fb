package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/mediabadge/internal/storage"
	"github.com/redis/go-redis/v9"
)

type settingsStore struct {
	store *Store
}

// Get returns the stored settings, falling back to defaults for unset fields
func (s *settingsStore) Get(ctx context.Context) (storage.Settings, error) {
	pipe := s.store.client.Pipeline()
	flagsCmd := pipe.HGetAll(ctx, s.store.key("settings"))
	orderCmd := pipe.LRange(ctx, s.store.key("settings", "sites", "order"), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return storage.Settings{}, err
	}

	order := orderCmd.Val()
	var sites []string
	if len(order) > 0 {
		vals, err := s.store.client.HMGet(ctx, s.store.key("settings", "sites"), order...).Result()
		if err != nil {
			return storage.Settings{}, err
		}
		sites = make([]string, 0, len(vals))
		for _, v := range vals {
			if str, ok := v.(string); ok {
				sites = append(sites, str)
			}
		}
	}

	return parseSettings(flagsCmd.Val(), sites)
}

// SetFlags stores the two user toggles
func (s *settingsStore) SetFlags(ctx context.Context, trackingEnabled, notificationsEnabled bool, at time.Time) (storage.Settings, error) {
	pipe := s.store.client.TxPipeline()
	pipe.HSet(ctx, s.store.key("settings"),
		"tracking_enabled", strconv.FormatBool(trackingEnabled),
		"notifications_enabled", strconv.FormatBool(notificationsEnabled),
		"updated_at_ms", at.UnixMilli(),
	)
	pipe.HIncrBy(ctx, s.store.key("settings"), "version", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return storage.Settings{}, err
	}

	s.store.publish(ctx, storage.ChangeSettings, "settings")
	return s.Get(ctx)
}

// AddCustomSite inserts or replaces the site with the same pattern
func (s *settingsStore) AddCustomSite(ctx context.Context, site storage.CustomSite, at time.Time) (storage.Settings, error) {
	site.Pattern = strings.TrimSpace(site.Pattern)
	if site.Pattern == "" {
		return storage.Settings{}, fmt.Errorf("custom site pattern is required")
	}
	if !site.MediaType.Valid() {
		return storage.Settings{}, fmt.Errorf("invalid media type: %s", site.MediaType)
	}

	payload, err := json.Marshal(site)
	if err != nil {
		return storage.Settings{}, fmt.Errorf("failed to encode custom site: %w", err)
	}

	keys := []string{
		s.store.key("settings", "sites"),
		s.store.key("settings", "sites", "order"),
		s.store.key("settings"),
	}
	args := []interface{}{site.Pattern, string(payload), at.UnixMilli()}

	if err := addCustomSite.Run(ctx, s.store.client, keys, args...).Err(); err != nil {
		return storage.Settings{}, err
	}

	s.store.publish(ctx, storage.ChangeSettings, "settings")
	return s.Get(ctx)
}

// RemoveCustomSite deletes the site with pattern, if present
func (s *settingsStore) RemoveCustomSite(ctx context.Context, pattern string, at time.Time) (storage.Settings, error) {
	keys := []string{
		s.store.key("settings", "sites"),
		s.store.key("settings", "sites", "order"),
		s.store.key("settings"),
	}
	args := []interface{}{strings.TrimSpace(pattern), at.UnixMilli()}

	removed, err := removeCustomSite.Run(ctx, s.store.client, keys, args...).Int()
	if err != nil {
		return storage.Settings{}, err
	}

	if removed == 1 {
		s.store.publish(ctx, storage.ChangeSettings, "settings")
	}
	return s.Get(ctx)
}
