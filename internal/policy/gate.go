// Package policy decides whether a page may be tracked.
package policy

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goodtune/mediabadge/internal/policy/opa"
	"github.com/goodtune/mediabadge/internal/storage"
	"github.com/rs/zerolog"
)

// TrackingInput holds the facts for one tracking decision.
type TrackingInput struct {
	Snapshot storage.MediaSnapshot
	PageURL  string
	Private  bool
}

// Gate combines the user's settings with the rego policy. It reads settings
// on every call so a toggle takes effect on the next tick.
type Gate struct {
	engine        *opa.Engine
	settings      storage.SettingsStore
	excludedHosts []string
	logger        zerolog.Logger
}

// NewGate creates a gate over engine and settings.
func NewGate(engine *opa.Engine, settings storage.SettingsStore, excludedHosts []string, logger zerolog.Logger) *Gate {
	return &Gate{
		engine:        engine,
		settings:      settings,
		excludedHosts: excludedHosts,
		logger:        logger.With().Str("component", "policy").Logger(),
	}
}

// Allow reports whether in may start a tracking session.
func (g *Gate) Allow(ctx context.Context, in TrackingInput) (bool, error) {
	settings, err := g.settings.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read settings: %w", err)
	}

	facts := buildFacts(in, settings, g.excludedHosts)
	allow, err := g.engine.Allow(ctx, facts)
	if err != nil {
		return false, err
	}

	g.logger.Debug().
		Str("platform", in.Snapshot.Platform).
		Bool("allow", allow).
		Msg("Tracking decision")

	return allow, nil
}

// buildFacts builds OPA input for a tracking decision
func buildFacts(in TrackingInput, settings storage.Settings, excludedHosts []string) map[string]interface{} {
	host := ""
	if u, err := url.Parse(in.PageURL); err == nil {
		host = strings.ToLower(u.Hostname())
	}

	hosts := make([]interface{}, 0, len(excludedHosts))
	for _, h := range excludedHosts {
		hosts = append(hosts, h)
	}

	return map[string]interface{}{
		"settings": map[string]interface{}{
			"tracking_enabled":      settings.TrackingEnabled,
			"notifications_enabled": settings.NotificationsEnabled,
			"excluded_hosts":        hosts,
		},
		"snapshot": map[string]interface{}{
			"platform":   in.Snapshot.Platform,
			"media_type": string(in.Snapshot.MediaType),
			"title":      in.Snapshot.Title,
		},
		"page": map[string]interface{}{
			"url":     in.PageURL,
			"host":    host,
			"private": in.Private,
		},
	}
}
