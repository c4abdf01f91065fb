package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goodtune/mediabadge/internal/message"
	"github.com/goodtune/mediabadge/internal/metrics"
	"github.com/goodtune/mediabadge/internal/storage"
	"github.com/rs/zerolog"
)

// Relay runs in the extension-injected context of the web app's page. It
// forwards web-app broadcasts into the extension store and pushes extension
// session changes back to the page.
type Relay struct {
	window *Window
	store  storage.Store
	logger zerolog.Logger

	mu     sync.Mutex
	remove func()
	sub    storage.Subscription
}

// NewRelay creates a relay between window and the extension store.
func NewRelay(window *Window, store storage.Store, logger zerolog.Logger) *Relay {
	return &Relay{
		window: window,
		store:  store,
		logger: logger.With().Str("component", "bridge-relay").Logger(),
	}
}

// Start attaches the relay to the window and the store.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.remove != nil {
		return nil
	}

	sub, err := r.store.Watch(ctx, func(c storage.Change) {
		if c.Kind == storage.ChangeSession {
			r.push(context.Background())
		}
	})
	if err != nil {
		return fmt.Errorf("failed to watch extension store: %w", err)
	}

	r.sub = sub
	r.remove = r.window.AddListener(r.onMessage)

	r.logger.Debug().Msg("Relay attached")
	return nil
}

// Stop detaches the relay.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.remove != nil {
		r.remove()
		r.remove = nil
	}
	if r.sub != nil {
		_ = r.sub.Close()
		r.sub = nil
	}
}

func (r *Relay) onMessage(env message.Envelope) {
	// Only the web app's own posts; our acks and pushes come back to us too.
	if env.Source != message.SourceWebApp {
		return
	}

	ctx := context.Background()

	switch env.Type {
	case message.SessionData:
		r.handleSessionData(ctx, env)
	case message.RequestSession:
		r.handleRequest(ctx, env)
	}
}

func (r *Relay) handleSessionData(ctx context.Context, env message.Envelope) {
	var state storage.SessionState
	if err := env.Unmarshal(&state); err != nil {
		metrics.MalformedMessages.WithLabelValues("window").Inc()
		r.logger.Debug().Err(err).Msg("Ignoring malformed session broadcast")
		return
	}
	if err := state.Validate(); err != nil {
		metrics.MalformedMessages.WithLabelValues("window").Inc()
		r.logger.Debug().Err(err).Msg("Ignoring invalid session broadcast")
		return
	}

	applied, err := r.store.Sessions().Merge(ctx, state)
	if err != nil {
		// No ack: the sender falls back to its durable copy.
		r.logger.Error().Err(err).Msg("Failed to store session")
		return
	}

	outcome := "applied"
	if !applied {
		outcome = "stale"
	}
	metrics.SessionSyncs.WithLabelValues("relay", outcome).Inc()

	current := state.UpdatedAtMs
	if stored, err := r.store.Sessions().Get(ctx); err == nil {
		current = stored.UpdatedAtMs
	}

	ack, err := message.New(message.SessionDataAck, message.SourceExtension, message.SessionSetReply{
		Applied:     applied,
		UpdatedAtMs: current,
	})
	if err != nil {
		return
	}
	ack.RequestID = env.RequestID
	r.window.PostMessage(ack)
}

func (r *Relay) handleRequest(ctx context.Context, env message.Envelope) {
	state, err := r.store.Sessions().Get(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Error().Err(err).Msg("Failed to read session")
		}
		ack := message.MustNew(message.SessionDataAck, message.SourceExtension, message.SessionSetReply{})
		ack.RequestID = env.RequestID
		r.window.PostMessage(ack)
		return
	}

	reply, err := message.New(message.SessionData, message.SourceExtension, state)
	if err != nil {
		return
	}
	reply.RequestID = env.RequestID
	r.window.PostMessage(reply)
}

// push sends the extension's current session to the page.
func (r *Relay) push(ctx context.Context) {
	state, err := r.store.Sessions().Get(ctx)
	if err != nil {
		return
	}
	env, err := message.New(message.SessionData, message.SourceExtension, state)
	if err != nil {
		return
	}
	r.window.PostMessage(env)
}
