package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/mediabadge/internal/clock"
	"github.com/goodtune/mediabadge/internal/message"
	"github.com/goodtune/mediabadge/internal/metrics"
	"github.com/goodtune/mediabadge/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultAckTimeout bounds how long Sync waits for the relay.
const DefaultAckTimeout = 5 * time.Second

// ErrAckTimeout records that no acknowledgment arrived in time. Sync never
// returns it as a failure; it is exposed through SyncResult.Err.
var ErrAckTimeout = errors.New("bridge: acknowledgment timed out")

// SyncResult describes one Sync.
type SyncResult struct {
	// Applied is whether the local durable store took the state.
	Applied bool
	// Acked is whether the relay acknowledged the broadcast.
	Acked bool
	// RemoteApplied is whether the extension store took the state.
	RemoteApplied bool
	// Err is ErrAckTimeout when no ack arrived.
	Err error
}

// NewConnectedState builds the state broadcast after a successful login.
func NewConnectedState(method storage.AuthMethod, account storage.Account, profileRef string, now time.Time) storage.SessionState {
	return storage.SessionState{
		IsConnected: true,
		AuthMethod:  method,
		Account:     &account,
		ProfileRef:  profileRef,
		UpdatedAtMs: now.UnixMilli(),
	}
}

// Sender is the web-app side of the bridge.
type Sender struct {
	window     *Window
	store      storage.Store
	ackTimeout time.Duration
	clock      clock.Clock
	logger     zerolog.Logger
}

// NewSender creates a sender that broadcasts on window and persists to the
// web app's own store.
func NewSender(window *Window, store storage.Store, ackTimeout time.Duration, clk clock.Clock, logger zerolog.Logger) *Sender {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Sender{
		window:     window,
		store:      store,
		ackTimeout: ackTimeout,
		clock:      clk,
		logger:     logger.With().Str("component", "bridge-sender").Logger(),
	}
}

// Sync writes state to the local store and broadcasts it to the relay. It
// waits up to the ack timeout and then returns regardless: a missing ack is
// not an error. A state older than the stored one is not broadcast.
func (s *Sender) Sync(ctx context.Context, state storage.SessionState) (SyncResult, error) {
	if err := state.Validate(); err != nil {
		return SyncResult{}, fmt.Errorf("invalid session state: %w", err)
	}

	applied, err := s.store.Sessions().Merge(ctx, state)
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to persist session: %w", err)
	}
	result := SyncResult{Applied: applied}

	if !applied {
		current, err := s.store.Sessions().Get(ctx)
		if err == nil && current.UpdatedAtMs > state.UpdatedAtMs {
			metrics.SessionSyncs.WithLabelValues("sender", "stale").Inc()
			s.logger.Debug().
				Int64("updated_at_ms", state.UpdatedAtMs).
				Int64("stored_at_ms", current.UpdatedAtMs).
				Msg("Not broadcasting stale session")
			return result, nil
		}
	}
	metrics.SessionSyncs.WithLabelValues("sender", "applied").Inc()

	if err := s.store.Sessions().MarkSynced(ctx, s.clock.Now()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to record last sync")
	}

	env, err := message.New(message.SessionData, message.SourceWebApp, state)
	if err != nil {
		return result, err
	}

	acks := make(chan message.Envelope, 1)
	remove := s.window.AddListener(func(reply message.Envelope) {
		if reply.Type == message.SessionDataAck && reply.Source == message.SourceExtension && reply.RequestID == env.RequestID {
			select {
			case acks <- reply:
			default:
			}
		}
	})
	defer remove()

	s.window.PostMessage(env)

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()

	select {
	case ack := <-acks:
		result.Acked = true
		var payload message.SessionSetReply
		if err := ack.Unmarshal(&payload); err == nil {
			result.RemoteApplied = payload.Applied
		}
	case <-timer.C:
		metrics.SyncAckTimeouts.Inc()
		result.Err = ErrAckTimeout
		s.logger.Debug().Dur("timeout", s.ackTimeout).Msg("No acknowledgment from relay, durable copy stands")
	case <-ctx.Done():
		result.Err = ctx.Err()
	}

	return result, nil
}

// Logout broadcasts a logged-out state stamped later than anything stored,
// so no stale connected state can win against it.
func (s *Sender) Logout(ctx context.Context) (SyncResult, error) {
	now := s.clock.Now().UnixMilli()
	if current, err := s.store.Sessions().Get(ctx); err == nil && current.UpdatedAtMs >= now {
		now = current.UpdatedAtMs + 1
	}
	return s.Sync(ctx, storage.LoggedOut(time.UnixMilli(now)))
}

// Request asks the relay for the extension's session and merges any answer
// into the local store. It returns the local state afterwards, or nil.
func (s *Sender) Request(ctx context.Context) (*storage.SessionState, error) {
	env, err := message.New(message.RequestSession, message.SourceWebApp, nil)
	if err != nil {
		return nil, err
	}

	replies := make(chan message.Envelope, 1)
	remove := s.window.AddListener(func(reply message.Envelope) {
		if reply.Source != message.SourceExtension || reply.RequestID != env.RequestID {
			return
		}
		if reply.Type == message.SessionData || reply.Type == message.SessionDataAck {
			select {
			case replies <- reply:
			default:
			}
		}
	})
	defer remove()

	s.window.PostMessage(env)

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		if reply.Type == message.SessionData {
			s.apply(ctx, reply)
		}
	case <-timer.C:
		s.logger.Debug().Msg("No session from relay, using local copy")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	state, err := s.store.Sessions().Get(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return state, err
}

// Listen merges sessions pushed by the relay into the local store until the
// returned function is called.
func (s *Sender) Listen() func() {
	return s.window.AddListener(func(env message.Envelope) {
		if env.Type == message.SessionData && env.Source == message.SourceExtension {
			s.apply(context.Background(), env)
		}
	})
}

func (s *Sender) apply(ctx context.Context, env message.Envelope) {
	var state storage.SessionState
	if err := env.Unmarshal(&state); err != nil {
		metrics.MalformedMessages.WithLabelValues("window").Inc()
		return
	}
	if err := state.Validate(); err != nil {
		metrics.MalformedMessages.WithLabelValues("window").Inc()
		return
	}

	applied, err := s.store.Sessions().Merge(ctx, state)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to merge pushed session")
		return
	}
	if applied {
		s.logger.Debug().Int64("updated_at_ms", state.UpdatedAtMs).Msg("Applied session from extension")
	}
}
