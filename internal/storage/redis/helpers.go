package redis

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/goodtune/mediabadge/internal/storage"
)

// parseSessionState converts the session hash to SessionState
func parseSessionState(data map[string]string) (*storage.SessionState, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	updatedAt, err := strconv.ParseInt(data["updated_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at_ms: %w", err)
	}

	var state storage.SessionState
	if err := json.Unmarshal([]byte(data["state"]), &state); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}

	// The hash field is what the merge script compares, so it wins.
	state.UpdatedAtMs = updatedAt
	return &state, nil
}

// parseSettings converts the settings hash and ordered site payloads to Settings
func parseSettings(data map[string]string, sites []string) (storage.Settings, error) {
	settings := storage.DefaultSettings()

	if v, ok := data["tracking_enabled"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return settings, fmt.Errorf("failed to parse tracking_enabled: %w", err)
		}
		settings.TrackingEnabled = b
	}

	if v, ok := data["notifications_enabled"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return settings, fmt.Errorf("failed to parse notifications_enabled: %w", err)
		}
		settings.NotificationsEnabled = b
	}

	if v, ok := data["updated_at_ms"]; ok {
		updatedAt, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return settings, fmt.Errorf("failed to parse updated_at_ms: %w", err)
		}
		settings.UpdatedAtMs = updatedAt
	}

	if v, ok := data["version"]; ok {
		version, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return settings, fmt.Errorf("failed to parse version: %w", err)
		}
		settings.Version = version
	}

	for _, raw := range sites {
		if raw == "" {
			continue
		}
		var site storage.CustomSite
		if err := json.Unmarshal([]byte(raw), &site); err != nil {
			return settings, fmt.Errorf("failed to parse custom site: %w", err)
		}
		settings.CustomSites = append(settings.CustomSites, site)
	}

	return settings, nil
}

// parseCompletion converts a stored record payload to CompletionRecord
func parseCompletion(raw string, dismissed bool) (*storage.CompletionRecord, error) {
	if raw == "" {
		return nil, storage.ErrNotFound
	}

	var record storage.CompletionRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to parse completion: %w", err)
	}

	record.Dismissed = dismissed
	return &record, nil
}

// parseTrackingSession converts an active-session mirror payload
func parseTrackingSession(raw string) (*storage.TrackingSession, error) {
	if raw == "" {
		return nil, storage.ErrNotFound
	}

	var session storage.TrackingSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("failed to parse tracking session: %w", err)
	}

	return &session, nil
}
