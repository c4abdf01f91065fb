// Package tracker runs the per-page tracking session state machine.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/mediabadge/internal/clock"
	"github.com/goodtune/mediabadge/internal/extractor"
	"github.com/goodtune/mediabadge/internal/message"
	"github.com/goodtune/mediabadge/internal/policy"
	"github.com/goodtune/mediabadge/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultPollInterval is how often a page is re-extracted
	DefaultPollInterval = 30 * time.Second

	// DefaultCompletionThreshold is the progress percentage that counts as finished
	DefaultCompletionThreshold = 90.0

	// DefaultHiddenGrace is how long a page may stay hidden before its session ends
	DefaultHiddenGrace = 2 * time.Minute
)

// State is the lifecycle state of a page's session.
type State int

const (
	Idle State = iota
	Observing
	Completed
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Observing:
		return "observing"
	case Completed:
		return "completed"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// PageSource returns the page's current DOM.
type PageSource interface {
	Page(ctx context.Context) (extractor.Page, error)
}

// Sender delivers an envelope to the coordinator.
type Sender interface {
	Send(ctx context.Context, env message.Envelope) (message.Reply, error)
}

// Gate decides whether a matched page may be tracked.
type Gate interface {
	Allow(ctx context.Context, in policy.TrackingInput) (bool, error)
}

// Config holds manager configuration
type Config struct {
	PageKey             string
	PollInterval        time.Duration
	CompletionThreshold float64
	HiddenGrace         time.Duration
	Private             bool
}

// Manager owns the single tracking session of one page.
type Manager struct {
	cfg      Config
	registry *extractor.Registry
	source   PageSource
	sender   Sender
	gate     Gate
	clock    clock.Clock
	logger   zerolog.Logger

	mu          sync.Mutex
	state       State
	session     *storage.TrackingSession
	hidden      bool
	hiddenSince time.Time

	// Completion not yet acknowledged by the coordinator
	pending *storage.CompletionRecord
}

// NewManager creates a manager for one page.
func NewManager(cfg Config, registry *extractor.Registry, source PageSource, sender Sender, gate Gate, clk clock.Clock, logger zerolog.Logger) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CompletionThreshold <= 0 {
		cfg.CompletionThreshold = DefaultCompletionThreshold
	}
	if cfg.HiddenGrace <= 0 {
		cfg.HiddenGrace = DefaultHiddenGrace
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Manager{
		cfg:      cfg,
		registry: registry,
		source:   source,
		sender:   sender,
		gate:     gate,
		clock:    clk,
		logger:   logger.With().Str("component", "tracker").Str("page_key", cfg.PageKey).Logger(),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the current session, if any.
func (m *Manager) Session() (storage.TrackingSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return storage.TrackingSession{}, false
	}
	return *m.session, true
}

// Tick re-extracts the page and advances the state machine. A timer and a
// page becoming visible both land here. Extraction misses are silent.
func (m *Manager) Tick(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickLocked(ctx)
}

func (m *Manager) tickLocked(ctx context.Context) {
	if m.state == Ended {
		return
	}

	m.deliverPending(ctx)

	now := m.clock.Now()

	if m.hidden {
		if now.Sub(m.hiddenSince) >= m.cfg.HiddenGrace {
			m.logger.Debug().Dur("hidden", now.Sub(m.hiddenSince)).Msg("Page hidden past grace period")
			m.endLocked(ctx)
		}
		return
	}

	page, err := m.source.Page(ctx)
	if err != nil {
		m.logger.Debug().Err(err).Msg("Page not readable")
		return
	}

	cfg := m.registry.Match(page.URL)
	if cfg == nil {
		return
	}

	snap := extractor.Extract(cfg, page)
	if snap == nil {
		return
	}

	if m.session != nil && !sameMedia(m.session.Snapshot, *snap) {
		// The page moved on to other media; close the old session first.
		m.logger.Debug().Str("title", snap.Title).Msg("Media changed on page")
		m.sendEnded(ctx)
		m.session = nil
		m.state = Idle
	}

	if m.state == Idle {
		allowed, err := m.gate.Allow(ctx, policy.TrackingInput{Snapshot: *snap, PageURL: page.URL, Private: m.cfg.Private})
		if err != nil {
			m.logger.Warn().Err(err).Msg("Tracking gate failed")
			return
		}
		if !allowed {
			return
		}

		m.session = &storage.TrackingSession{
			PageKey:          m.cfg.PageKey,
			Snapshot:         *snap,
			StartedAtMs:      now.UnixMilli(),
			LastObservedAtMs: now.UnixMilli(),
		}
		m.state = Observing

		m.logger.Info().
			Str("platform", snap.Platform).
			Str("title", snap.Title).
			Msg("Started tracking session")
	} else {
		m.accumulate(now)
		m.session.Snapshot = *snap
	}

	justCompleted := false
	if progress, ok := snap.Progress(); ok && !m.session.Completed && progress >= m.cfg.CompletionThreshold {
		m.session.Completed = true
		m.state = Completed
		justCompleted = true
	}

	m.sendUpdate(ctx)

	if justCompleted {
		record := storage.NewCompletionRecord(*m.session, now)
		m.logger.Info().
			Str("completion_id", record.ID).
			Float64("watch_seconds", record.WatchSeconds).
			Msg("Media completed")
		m.pending = &record
		m.deliverPending(ctx)
	}
}

// deliverPending sends the unacknowledged completion, if any. The record is
// resent unchanged so the coordinator dedupes on its id.
func (m *Manager) deliverPending(ctx context.Context) {
	if m.pending == nil {
		return
	}
	if m.send(ctx, message.MediaCompleted, *m.pending) {
		m.pending = nil
	}
}

// accumulate adds the time since the last observation. Time spent hidden
// is never counted because lastObserved is reset when the page reappears.
func (m *Manager) accumulate(now time.Time) {
	elapsed := now.UnixMilli() - m.session.LastObservedAtMs
	if elapsed > 0 {
		m.session.AccumulatedWatchSeconds += float64(elapsed) / 1000
	}
	m.session.LastObservedAtMs = now.UnixMilli()
}

// SetVisible records a visibility change. Becoming visible triggers a tick.
func (m *Manager) SetVisible(ctx context.Context, visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Ended || visible != m.hidden {
		return
	}

	now := m.clock.Now()

	if !visible {
		if m.session != nil {
			m.accumulate(now)
		}
		m.hidden = true
		m.hiddenSince = now
		return
	}

	m.hidden = false
	if now.Sub(m.hiddenSince) >= m.cfg.HiddenGrace {
		m.endLocked(ctx)
		return
	}
	if m.session != nil {
		m.session.LastObservedAtMs = now.UnixMilli()
	}
	m.tickLocked(ctx)
}

// End closes the session for page unload. It sends one final update and
// SESSION_ENDED, then stops the manager.
func (m *Manager) End(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endLocked(ctx)
}

func (m *Manager) endLocked(ctx context.Context) {
	if m.state == Ended {
		return
	}

	m.deliverPending(ctx)
	if m.pending != nil {
		m.logger.Error().Str("completion_id", m.pending.ID).Msg("Completion was never acknowledged")
	}

	if m.session != nil {
		if !m.hidden {
			m.accumulate(m.clock.Now())
		}
		m.sendUpdate(ctx)
		m.sendEnded(ctx)
		m.logger.Info().
			Float64("watch_seconds", m.session.AccumulatedWatchSeconds).
			Bool("completed", m.session.Completed).
			Msg("Ended tracking session")
	}

	m.state = Ended
}

// Run drives the manager until ctx ends or the session ends. Cancelling ctx
// is treated as page unload.
func (m *Manager) Run(ctx context.Context, visibility <-chan bool) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.Tick(ctx)

	for m.State() != Ended {
		select {
		case <-ctx.Done():
			m.End(context.WithoutCancel(ctx))
			return
		case visible, ok := <-visibility:
			if !ok {
				visibility = nil
				continue
			}
			m.SetVisible(ctx, visible)
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

func (m *Manager) sendUpdate(ctx context.Context) {
	m.send(ctx, message.SessionUpdated, *m.session)
}

func (m *Manager) sendEnded(ctx context.Context) {
	m.send(ctx, message.SessionEnded, message.SessionEndedPayload{PageKey: m.cfg.PageKey})
}

// send delivers one envelope and reports whether it was accepted. Session
// updates are not retried since the next tick carries the full state again.
func (m *Manager) send(ctx context.Context, t message.Type, payload any) bool {
	env, err := message.New(t, message.SourceContent, payload)
	if err != nil {
		m.logger.Error().Err(err).Str("type", string(t)).Msg("Failed to build message")
		return false
	}

	reply, err := m.sender.Send(ctx, env.ForPage(m.cfg.PageKey))
	if err != nil {
		m.logger.Warn().Err(err).Str("type", string(t)).Msg("Failed to send message")
		return false
	}
	if !t.FireAndForget() && !reply.OK {
		m.logger.Warn().Str("type", string(t)).Str("error", reply.Error).Msg("Coordinator rejected message")
		return false
	}
	return true
}

func sameMedia(a, b storage.MediaSnapshot) bool {
	return a.Platform == b.Platform &&
		a.Title == b.Title &&
		storage.CanonicalURL(a.SourceURL) == storage.CanonicalURL(b.SourceURL)
}
