package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goodtune/mediabadge/internal/message"
	"github.com/goodtune/mediabadge/internal/metrics"
	"github.com/goodtune/mediabadge/internal/storage"
)

func (c *Coordinator) handleSessionUpdated(ctx context.Context, env message.Envelope) (message.Reply, error) {
	var session storage.TrackingSession
	if err := env.Unmarshal(&session); err != nil {
		return message.Reply{}, err
	}
	if session.PageKey != "" && session.PageKey != env.PageKey {
		return message.Reply{}, fmt.Errorf("%w: session page_key %q does not match %q", message.ErrMalformed, session.PageKey, env.PageKey)
	}
	session.PageKey = env.PageKey

	e, ok := c.sessions[env.PageKey]
	if !ok {
		e = &entry{}
		c.sessions[env.PageKey] = e
		metrics.ActiveSessions.Set(float64(len(c.sessions)))
	} else if e.session.Completed {
		// completed never flips back, whatever a late message says
		session.Completed = true
	}

	e.session = session
	e.lastSeen = c.clock.Now()

	if err := c.store.ActiveSessions().Put(ctx, session, c.cfg.SilenceTimeout()); err != nil {
		c.logger.Warn().Err(err).Str("page_key", env.PageKey).Msg("Failed to mirror session")
	}

	return message.Reply{RequestID: env.RequestID, OK: true}, nil
}

func (c *Coordinator) handleSessionEnded(ctx context.Context, env message.Envelope) (message.Reply, error) {
	pageKey := env.PageKey
	if len(env.Payload) > 0 {
		var payload message.SessionEndedPayload
		if err := env.Unmarshal(&payload); err != nil {
			return message.Reply{}, err
		}
		if payload.PageKey != "" {
			pageKey = payload.PageKey
		}
	}

	c.evict(ctx, pageKey, "ended")
	return message.Reply{RequestID: env.RequestID, OK: true}, nil
}

func (c *Coordinator) handleEnqueue(ctx context.Context, env message.Envelope) (message.Reply, error) {
	var record storage.CompletionRecord
	if err := env.Unmarshal(&record); err != nil {
		return message.Reply{}, err
	}
	if strings.TrimSpace(record.Snapshot.Title) == "" {
		return message.Reply{}, fmt.Errorf("%w: completion without title", message.ErrMalformed)
	}
	if record.DetectedAtMs <= 0 {
		record.DetectedAtMs = c.clock.Now().UnixMilli()
	}
	if record.ID == "" {
		record.ID = storage.CompletionID(record.Snapshot, time.UnixMilli(record.DetectedAtMs))
	}

	if env.PageKey != "" {
		if e, ok := c.sessions[env.PageKey]; ok {
			e.session.Completed = true
		}
	}

	var (
		added bool
		badge int64
		err   error
	)
	if c.recent.Contains(record.ID) {
		badge, err = c.store.Completions().BadgeCount(ctx)
	} else {
		added, badge, err = c.store.Completions().Enqueue(ctx, record)
		if err == nil {
			c.recent.Add(record.ID, struct{}{})
		}
	}
	if err != nil {
		metrics.CompletionsEnqueued.WithLabelValues("error").Inc()
		return message.Reply{}, fmt.Errorf("failed to enqueue completion: %w", err)
	}

	if !added {
		metrics.CompletionsEnqueued.WithLabelValues("duplicate").Inc()
		c.logger.Debug().Str("completion_id", record.ID).Msg("Duplicate completion ignored")
		return message.OKReply(env, message.EnqueueReply{ID: record.ID, Added: false, Badge: badge})
	}

	metrics.CompletionsEnqueued.WithLabelValues("added").Inc()
	c.logger.Info().
		Str("completion_id", record.ID).
		Str("title", record.Snapshot.Title).
		Int64("badge", badge).
		Msg("Completion queued")

	settings, err := c.store.Settings().Get(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read settings for notification")
	} else if settings.NotificationsEnabled {
		if err := c.notifier.Notify(ctx, record); err != nil {
			c.logger.Warn().Err(err).Str("completion_id", record.ID).Msg("Notification failed")
		}
	}

	return message.OKReply(env, message.EnqueueReply{ID: record.ID, Added: true, Badge: badge})
}

func (c *Coordinator) handleGetActiveSessions(ctx context.Context, env message.Envelope) (message.Reply, error) {
	c.collect("silence")

	sessions := make([]storage.TrackingSession, 0, len(c.sessions))
	for _, e := range c.sessions {
		sessions = append(sessions, e.session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAtMs == sessions[j].StartedAtMs {
			return sessions[i].PageKey < sessions[j].PageKey
		}
		return sessions[i].StartedAtMs < sessions[j].StartedAtMs
	})

	return message.OKReply(env, message.ActiveSessionsReply{Sessions: sessions})
}

func (c *Coordinator) handleSettingsGet(ctx context.Context, env message.Envelope) (message.Reply, error) {
	settings, err := c.store.Settings().Get(ctx)
	if err != nil {
		return message.Reply{}, fmt.Errorf("failed to read settings: %w", err)
	}
	return message.OKReply(env, settings)
}

func (c *Coordinator) handleSettingsSet(ctx context.Context, env message.Envelope) (message.Reply, error) {
	var payload message.SettingsSetPayload
	if err := env.Unmarshal(&payload); err != nil {
		return message.Reply{}, err
	}

	now := c.clock.Now()
	settingsStore := c.store.Settings()

	settings, err := settingsStore.Get(ctx)
	if err != nil {
		return message.Reply{}, fmt.Errorf("failed to read settings: %w", err)
	}

	if payload.TrackingEnabled != nil || payload.NotificationsEnabled != nil {
		tracking, notifications := settings.TrackingEnabled, settings.NotificationsEnabled
		if payload.TrackingEnabled != nil {
			tracking = *payload.TrackingEnabled
		}
		if payload.NotificationsEnabled != nil {
			notifications = *payload.NotificationsEnabled
		}
		if settings, err = settingsStore.SetFlags(ctx, tracking, notifications, now); err != nil {
			return message.Reply{}, fmt.Errorf("failed to write settings: %w", err)
		}
	}

	if payload.AddCustomSite != nil {
		if settings, err = settingsStore.AddCustomSite(ctx, *payload.AddCustomSite, now); err != nil {
			return message.Reply{}, fmt.Errorf("failed to add custom site: %w", err)
		}
	}

	if payload.RemoveCustomSite != "" {
		if settings, err = settingsStore.RemoveCustomSite(ctx, payload.RemoveCustomSite, now); err != nil {
			return message.Reply{}, fmt.Errorf("failed to remove custom site: %w", err)
		}
	}

	return message.OKReply(env, settings)
}

func (c *Coordinator) handleCompletionList(ctx context.Context, env message.Envelope) (message.Reply, error) {
	var payload message.CompletionListPayload
	if len(env.Payload) > 0 {
		if err := env.Unmarshal(&payload); err != nil {
			return message.Reply{}, err
		}
	}

	records, err := c.store.Completions().List(ctx, payload.IncludeDismissed)
	if err != nil {
		return message.Reply{}, fmt.Errorf("failed to list completions: %w", err)
	}
	if records == nil {
		records = []storage.CompletionRecord{}
	}
	return message.OKReply(env, message.CompletionListReply{Completions: records})
}

func (c *Coordinator) handleCompletionDismiss(ctx context.Context, env message.Envelope) (message.Reply, error) {
	var payload message.IDPayload
	if err := env.Unmarshal(&payload); err != nil {
		return message.Reply{}, err
	}
	if payload.ID == "" {
		return message.Reply{}, fmt.Errorf("%w: missing completion id", message.ErrMalformed)
	}

	badge, err := c.store.Completions().Dismiss(ctx, payload.ID)
	if err != nil {
		return message.Reply{}, fmt.Errorf("failed to dismiss %s: %w", payload.ID, err)
	}
	return message.OKReply(env, message.BadgeReply{Badge: badge})
}

func (c *Coordinator) handleRequestSession(ctx context.Context, env message.Envelope) (message.Reply, error) {
	state, err := c.store.Sessions().Get(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return message.OKReply(env, message.SessionReply{})
	}
	if err != nil {
		return message.Reply{}, fmt.Errorf("failed to read session: %w", err)
	}
	return message.OKReply(env, message.SessionReply{Session: state})
}

func (c *Coordinator) handleSessionSet(ctx context.Context, env message.Envelope) (message.Reply, error) {
	var state storage.SessionState
	if err := env.Unmarshal(&state); err != nil {
		return message.Reply{}, err
	}
	if err := state.Validate(); err != nil {
		return message.Reply{}, fmt.Errorf("%w: %v", message.ErrMalformed, err)
	}

	applied, err := c.store.Sessions().Merge(ctx, state)
	if err != nil {
		return message.Reply{}, fmt.Errorf("failed to merge session: %w", err)
	}

	outcome := "applied"
	if !applied {
		outcome = "stale"
	}
	metrics.SessionSyncs.WithLabelValues("coordinator", outcome).Inc()

	current := state.UpdatedAtMs
	if !applied {
		if stored, err := c.store.Sessions().Get(ctx); err == nil {
			current = stored.UpdatedAtMs
		}
	}
	return message.OKReply(env, message.SessionSetReply{Applied: applied, UpdatedAtMs: current})
}

func (c *Coordinator) handleBadgeCount(ctx context.Context, env message.Envelope) (message.Reply, error) {
	badge, err := c.store.Completions().BadgeCount(ctx)
	if err != nil {
		return message.Reply{}, fmt.Errorf("failed to read badge: %w", err)
	}
	minted, err := c.store.Completions().MintedCount(ctx)
	if err != nil {
		return message.Reply{}, fmt.Errorf("failed to read minted count: %w", err)
	}
	return message.OKReply(env, message.BadgeReply{Badge: badge, Minted: minted})
}

// handleMint runs on the caller's goroutine.
func (c *Coordinator) handleMint(ctx context.Context, env message.Envelope) (message.Reply, error) {
	var payload message.IDPayload
	if err := env.Unmarshal(&payload); err != nil {
		return message.Reply{}, err
	}
	if payload.ID == "" {
		return message.Reply{}, fmt.Errorf("%w: missing completion id", message.ErrMalformed)
	}
	if c.cfg.Minter == nil {
		return message.Reply{}, ErrMintUnavailable
	}

	state, err := c.store.Sessions().Get(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return message.Reply{}, ErrNotConnected
	}
	if err != nil {
		return message.Reply{}, fmt.Errorf("failed to read session: %w", err)
	}
	if !state.IsConnected || state.Account == nil || state.Account.Address == "" {
		return message.Reply{}, ErrNotConnected
	}

	// Mints run off the loop, so the claim is what keeps two callers from
	// minting the same record.
	claimed, err := c.store.Completions().ClaimMint(ctx, payload.ID, c.cfg.MintClaimTTL)
	if err != nil {
		return message.Reply{}, fmt.Errorf("failed to load completion %s: %w", payload.ID, err)
	}
	if !claimed {
		return message.Reply{}, ErrMintInProgress
	}

	record, err := c.store.Completions().Get(ctx, payload.ID)
	if err != nil {
		c.releaseMint(payload.ID)
		return message.Reply{}, fmt.Errorf("failed to load completion %s: %w", payload.ID, err)
	}

	receipt, err := c.cfg.Minter.Mint(ctx, *state.Account, *record)
	if err != nil {
		metrics.MintsTotal.WithLabelValues("failed").Inc()
		c.releaseMint(payload.ID)
		return message.Reply{}, err
	}

	badge, err := c.store.Completions().MarkMinted(ctx, payload.ID)
	if err != nil {
		metrics.MintsTotal.WithLabelValues("unrecorded").Inc()
		return message.Reply{}, fmt.Errorf("minted %s (tx %s) but failed to update queue: %w", payload.ID, receipt.TxHash, err)
	}
	metrics.MintsTotal.WithLabelValues("minted").Inc()

	c.logger.Info().
		Str("completion_id", payload.ID).
		Str("tx_hash", receipt.TxHash).
		Msg("Completion minted")

	return message.OKReply(env, message.MintReply{
		ID:          payload.ID,
		TxHash:      receipt.TxHash,
		MetadataURI: receipt.MetadataURI,
		Badge:       badge,
	})
}

func (c *Coordinator) releaseMint(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.Completions().ReleaseMint(ctx, id); err != nil {
		c.logger.Warn().Err(err).Str("completion_id", id).Msg("Failed to release mint claim")
	}
}
