// Package hydrate rebuilds a UI surface's state on mount from the durable
// store, a live round trip to the coordinator, and ongoing change events.
// Every source goes through the same last-writer-wins merge, so the order
// in which they land does not matter.
package hydrate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goodtune/mediabadge/internal/bridge"
	"github.com/goodtune/mediabadge/internal/message"
	"github.com/goodtune/mediabadge/internal/storage"
	"github.com/rs/zerolog"
)

// ErrMounted is returned by Mount on an already mounted hydrator.
var ErrMounted = errors.New("hydrate: already mounted")

// Requester answers envelopes; the coordinator or a transport client.
type Requester interface {
	Send(ctx context.Context, env message.Envelope) (message.Reply, error)
}

// View is what a UI surface renders.
type View struct {
	Session        *storage.SessionState
	Settings       storage.Settings
	ActiveSessions []storage.TrackingSession
	Badge          int64
}

// Hydrator keeps a View current for one UI surface.
type Hydrator struct {
	store     storage.Store
	requester Requester
	window    *bridge.Window
	logger    zerolog.Logger

	mu        sync.Mutex
	view      View
	mounted   bool
	callbacks []func(View)
	sub       storage.Subscription
	remove    func()
}

// New creates a hydrator. window may be nil for surfaces without a page.
func New(store storage.Store, requester Requester, window *bridge.Window, logger zerolog.Logger) *Hydrator {
	return &Hydrator{
		store:     store,
		requester: requester,
		window:    window,
		logger:    logger.With().Str("component", "hydrate").Logger(),
		view:      View{Settings: storage.DefaultSettings()},
	}
}

// OnChange registers fn to run after every change to the view.
func (h *Hydrator) OnChange(fn func(View)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, fn)
}

// View returns the current view.
func (h *Hydrator) View() View {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot()
}

// Mount reads durable state, subscribes to changes, then asks the live
// coordinator. The subscription is in place before the round trip so an
// update landing in between is not lost. A failed round trip leaves the
// durable view in place.
func (h *Hydrator) Mount(ctx context.Context) (View, error) {
	h.mu.Lock()
	if h.mounted {
		h.mu.Unlock()
		return View{}, ErrMounted
	}
	h.mounted = true
	h.mu.Unlock()

	// 1. durable
	if err := h.readDurable(ctx); err != nil {
		h.unmount()
		return View{}, err
	}

	// 2. subscriptions
	sub, err := h.store.Watch(context.Background(), h.onStoreChange)
	if err != nil {
		h.unmount()
		return View{}, fmt.Errorf("failed to watch store: %w", err)
	}

	var remove func()
	if h.window != nil {
		remove = h.window.AddListener(h.onBroadcast)
	}

	h.mu.Lock()
	h.sub = sub
	h.remove = remove
	h.mu.Unlock()

	// 3. live round trip
	h.requestLive(ctx)

	return h.View(), nil
}

// Unmount drops every subscription and callback.
func (h *Hydrator) Unmount() {
	h.unmount()
}

func (h *Hydrator) unmount() {
	h.mu.Lock()
	sub, remove := h.sub, h.remove
	h.sub, h.remove = nil, nil
	h.callbacks = nil
	h.mounted = false
	h.mu.Unlock()

	if remove != nil {
		remove()
	}
	if sub != nil {
		_ = sub.Close()
	}
}

func (h *Hydrator) readDurable(ctx context.Context) error {
	session, err := h.store.Sessions().Get(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to read session: %w", err)
	}
	if session != nil {
		h.applySession(*session)
	}

	settings, err := h.store.Settings().Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	h.applySettings(settings)

	badge, err := h.store.Completions().BadgeCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to read badge: %w", err)
	}
	h.setBadge(badge)

	return nil
}

func (h *Hydrator) requestLive(ctx context.Context) {
	var session message.SessionReply
	if err := h.request(ctx, message.RequestSession, &session); err != nil {
		h.logger.Debug().Err(err).Msg("Live session request failed, keeping durable state")
	} else if session.Session != nil {
		h.applySession(*session.Session)
	}

	var active message.ActiveSessionsReply
	if err := h.request(ctx, message.GetActiveSessions, &active); err != nil {
		h.logger.Debug().Err(err).Msg("Active session request failed")
	} else {
		h.setActive(active.Sessions)
	}
}

func (h *Hydrator) request(ctx context.Context, t message.Type, out any) error {
	env, err := message.New(t, message.SourceUI, nil)
	if err != nil {
		return err
	}
	reply, err := h.requester.Send(ctx, env)
	if err != nil {
		return err
	}
	return reply.Unmarshal(out)
}

func (h *Hydrator) onStoreChange(c storage.Change) {
	ctx := context.Background()

	switch c.Kind {
	case storage.ChangeSession:
		if session, err := h.store.Sessions().Get(ctx); err == nil {
			h.applySession(*session)
		}
	case storage.ChangeSettings:
		if settings, err := h.store.Settings().Get(ctx); err == nil {
			h.applySettings(settings)
		}
	case storage.ChangeBadge, storage.ChangeCompletions:
		if badge, err := h.store.Completions().BadgeCount(ctx); err == nil {
			h.setBadge(badge)
		}
	case storage.ChangeActiveSessions:
		if sessions, err := h.store.ActiveSessions().List(ctx); err == nil {
			h.setActive(sessions)
		}
	}
}

func (h *Hydrator) onBroadcast(env message.Envelope) {
	if env.Type != message.SessionData {
		return
	}
	var state storage.SessionState
	if err := env.Unmarshal(&state); err != nil {
		return
	}
	if err := state.Validate(); err != nil {
		return
	}
	h.applySession(state)
}

func (h *Hydrator) applySession(incoming storage.SessionState) {
	h.update(func(v *View) bool {
		merged, changed := storage.MergeSession(v.Session, incoming)
		if changed {
			v.Session = &merged
		}
		return changed
	})
}

func (h *Hydrator) applySettings(incoming storage.Settings) {
	h.update(func(v *View) bool {
		merged, changed := storage.MergeSettings(v.Settings, incoming)
		if changed {
			v.Settings = merged
		}
		return changed
	})
}

func (h *Hydrator) setBadge(badge int64) {
	h.update(func(v *View) bool {
		if v.Badge == badge {
			return false
		}
		v.Badge = badge
		return true
	})
}

func (h *Hydrator) setActive(sessions []storage.TrackingSession) {
	h.update(func(v *View) bool {
		v.ActiveSessions = append([]storage.TrackingSession(nil), sessions...)
		return true
	})
}

func (h *Hydrator) update(fn func(*View) bool) {
	h.mu.Lock()
	if !fn(&h.view) {
		h.mu.Unlock()
		return
	}
	view := h.snapshot()
	callbacks := h.callbacks
	h.mu.Unlock()

	for _, cb := range callbacks {
		cb(view)
	}
}

// snapshot copies the view. Callers hold mu.
func (h *Hydrator) snapshot() View {
	v := h.view
	if v.Session != nil {
		s := *v.Session
		v.Session = &s
	}
	v.ActiveSessions = append([]storage.TrackingSession(nil), v.ActiveSessions...)
	v.Settings.CustomSites = append([]storage.CustomSite(nil), v.Settings.CustomSites...)
	return v
}
