// Package coordinator is the long-lived background context. It owns the
// active session registry and writes settings and the completion queue
// through to durable storage before acknowledging.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/mediabadge/internal/clock"
	"github.com/goodtune/mediabadge/internal/message"
	"github.com/goodtune/mediabadge/internal/metrics"
	"github.com/goodtune/mediabadge/internal/mint"
	"github.com/goodtune/mediabadge/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const (
	// DefaultPollInterval matches the tracker's poll interval
	DefaultPollInterval = 30 * time.Second

	// DefaultSilenceMultiplier is how many poll intervals of silence end a session
	DefaultSilenceMultiplier = 3

	// DefaultGCInterval is how often silent sessions are collected
	DefaultGCInterval = time.Minute

	// DefaultRecentCompletions bounds the in-memory dedupe cache
	DefaultRecentCompletions = 1024

	// DefaultMailboxSize bounds queued messages
	DefaultMailboxSize = 256

	// DefaultMintClaimTTL bounds how long an abandoned mint blocks a retry
	DefaultMintClaimTTL = 2 * time.Minute
)

var (
	// ErrStopped is returned when the coordinator is not running.
	ErrStopped = errors.New("coordinator: stopped")
	// ErrNotConnected is returned when minting without a connected account.
	ErrNotConnected = errors.New("coordinator: no connected account")
	// ErrMintUnavailable is returned when no minter is configured.
	ErrMintUnavailable = errors.New("coordinator: minting is not configured")
	// ErrMintInProgress is returned when another mint holds the completion.
	ErrMintInProgress = errors.New("coordinator: mint already in progress")
)

// Notifier raises a user-facing notification for a new completion.
type Notifier interface {
	Notify(ctx context.Context, record storage.CompletionRecord) error
}

// Minter mints a completion to an account.
type Minter interface {
	Mint(ctx context.Context, account storage.Account, record storage.CompletionRecord) (mint.Receipt, error)
}

// Config holds coordinator configuration
type Config struct {
	PollInterval      time.Duration
	SilenceMultiplier int
	GCInterval        time.Duration
	RecentCompletions int
	MailboxSize       int
	MintClaimTTL      time.Duration
	Minter            Minter
	Clock             clock.Clock
}

// SilenceTimeout is how long a session may go without SESSION_UPDATED.
func (c Config) SilenceTimeout() time.Duration {
	return c.PollInterval * time.Duration(c.SilenceMultiplier)
}

type entry struct {
	session  storage.TrackingSession
	lastSeen time.Time
}

type request struct {
	ctx   context.Context
	env   message.Envelope
	reply chan result
}

type result struct {
	reply message.Reply
	err   error
}

// Coordinator serializes all message handling on one goroutine.
type Coordinator struct {
	store    storage.Store
	cfg      Config
	notifier Notifier
	clock    clock.Clock
	logger   zerolog.Logger

	mailbox chan request
	stop    chan struct{}
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	// Owned by the loop goroutine.
	sessions map[string]*entry
	recent   *lru.Cache[string, struct{}]
}

// New creates a coordinator. Start must be called before Handle.
func New(store storage.Store, cfg Config, notifier Notifier, logger zerolog.Logger) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SilenceMultiplier <= 0 {
		cfg.SilenceMultiplier = DefaultSilenceMultiplier
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = DefaultGCInterval
	}
	if cfg.RecentCompletions <= 0 {
		cfg.RecentCompletions = DefaultRecentCompletions
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultMailboxSize
	}
	if cfg.MintClaimTTL <= 0 {
		cfg.MintClaimTTL = DefaultMintClaimTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	logger = logger.With().Str("component", "coordinator").Logger()
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}

	// Only fails for a non-positive size.
	recent, _ := lru.New[string, struct{}](cfg.RecentCompletions)

	return &Coordinator{
		store:    store,
		cfg:      cfg,
		notifier: notifier,
		clock:    cfg.Clock,
		logger:   logger,
		mailbox:  make(chan request, cfg.MailboxSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		sessions: make(map[string]*entry),
		recent:   recent,
	}
}

// Start clears the stale active-session mirror and starts the event loop.
func (c *Coordinator) Start(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() {
		if clearErr := c.store.ActiveSessions().Clear(ctx); clearErr != nil {
			err = fmt.Errorf("failed to clear active sessions: %w", clearErr)
			close(c.done)
			return
		}

		c.logger.Info().
			Dur("silence_timeout", c.cfg.SilenceTimeout()).
			Dur("gc_interval", c.cfg.GCInterval).
			Msg("Starting coordinator")

		go c.loop()
	})
	return err
}

// Stop ends the event loop. Queued messages that were not yet handled
// fail with ErrStopped.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	// A coordinator that never started has nothing to wait for.
	c.startOnce.Do(func() { close(c.done) })
	<-c.done
	c.logger.Info().Msg("Coordinator stopped")
}

// Handle processes env and returns its reply. Fire-and-forget types return
// as soon as they are queued. Mint requests run outside the loop since they
// wait on the network; their durable writes are atomic scripts.
func (c *Coordinator) Handle(ctx context.Context, env message.Envelope) (message.Reply, error) {
	if err := env.Validate(); err != nil {
		metrics.MalformedMessages.WithLabelValues("coordinator").Inc()
		c.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("Dropping malformed message")
		return message.ErrorReply(env, err), nil
	}

	select {
	case <-c.stop:
		return message.Reply{}, ErrStopped
	default:
	}

	switch env.Type {
	case message.SessionData, message.SessionDataAck:
		return message.ErrorReply(env, fmt.Errorf("%w: %s is handled by the bridge", message.ErrUnknownType, env.Type)), nil
	case message.CompletionMint:
		return c.observe(ctx, env, c.handleMint), nil
	}

	req := request{ctx: ctx, env: env}
	if env.Type.FireAndForget() {
		// The caller may be gone by the time the loop gets to it.
		req.ctx = context.WithoutCancel(ctx)
	} else {
		req.reply = make(chan result, 1)
	}

	select {
	case c.mailbox <- req:
	case <-c.stop:
		return message.Reply{}, ErrStopped
	case <-ctx.Done():
		return message.Reply{}, ctx.Err()
	}

	if req.reply == nil {
		return message.Reply{RequestID: env.RequestID, OK: true}, nil
	}

	select {
	case res := <-req.reply:
		return res.reply, res.err
	case <-c.done:
		return message.Reply{}, ErrStopped
	case <-ctx.Done():
		return message.Reply{}, ctx.Err()
	}
}

// Send implements the tracker's sender over an in-process coordinator.
func (c *Coordinator) Send(ctx context.Context, env message.Envelope) (message.Reply, error) {
	return c.Handle(ctx, env)
}

func (c *Coordinator) loop() {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			c.drain()
			return
		case req := <-c.mailbox:
			reply := c.dispatch(req.ctx, req.env)
			if req.reply != nil {
				req.reply <- result{reply: reply}
			}
		case <-ticker.C:
			c.collect("silence")
		}
	}
}

// drain fails anything still queued.
func (c *Coordinator) drain() {
	for {
		select {
		case req := <-c.mailbox:
			if req.reply != nil {
				req.reply <- result{err: ErrStopped}
			}
		default:
			return
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, env message.Envelope) message.Reply {
	var handler func(context.Context, message.Envelope) (message.Reply, error)

	switch env.Type {
	case message.SessionUpdated:
		handler = c.handleSessionUpdated
	case message.SessionEnded:
		handler = c.handleSessionEnded
	case message.MediaCompleted, message.CompletionEnqueue:
		handler = c.handleEnqueue
	case message.GetActiveSessions:
		handler = c.handleGetActiveSessions
	case message.SettingsGet:
		handler = c.handleSettingsGet
	case message.SettingsSet:
		handler = c.handleSettingsSet
	case message.CompletionList:
		handler = c.handleCompletionList
	case message.CompletionDismiss:
		handler = c.handleCompletionDismiss
	case message.RequestSession:
		handler = c.handleRequestSession
	case message.SessionSet:
		handler = c.handleSessionSet
	case message.BadgeCount:
		handler = c.handleBadgeCount
	default:
		return message.ErrorReply(env, fmt.Errorf("%w: %s", message.ErrUnknownType, env.Type))
	}

	return c.observe(ctx, env, handler)
}

// observe runs handler with panic protection and records metrics. A failing
// handler never stops the loop.
func (c *Coordinator) observe(ctx context.Context, env message.Envelope, handler func(context.Context, message.Envelope) (message.Reply, error)) (reply message.Reply) {
	start := time.Now()
	outcome := "ok"

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("type", string(env.Type)).Msg("Handler panicked")
			reply = message.ErrorReply(env, fmt.Errorf("internal error handling %s", env.Type))
			outcome = "panic"
		}
		metrics.MessagesTotal.WithLabelValues(string(env.Type), outcome).Inc()
		metrics.MessageDuration.WithLabelValues(string(env.Type)).Observe(time.Since(start).Seconds())
	}()

	reply, err := handler(ctx, env)
	if err != nil {
		outcome = "error"
		if errors.Is(err, message.ErrMalformed) {
			outcome = "malformed"
			metrics.MalformedMessages.WithLabelValues("coordinator").Inc()
			c.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("Dropping malformed message")
		} else {
			c.logger.Error().Err(err).Str("type", string(env.Type)).Msg("Handler failed")
		}
		return message.ErrorReply(env, err)
	}
	return reply
}

// collect evicts sessions that have been silent past the timeout.
func (c *Coordinator) collect(reason string) {
	now := c.clock.Now()
	timeout := c.cfg.SilenceTimeout()

	for pageKey, e := range c.sessions {
		if now.Sub(e.lastSeen) <= timeout {
			continue
		}
		c.evict(context.Background(), pageKey, reason)
	}
}

func (c *Coordinator) evict(ctx context.Context, pageKey, reason string) {
	if _, ok := c.sessions[pageKey]; !ok {
		return
	}
	delete(c.sessions, pageKey)

	if err := c.store.ActiveSessions().Delete(ctx, pageKey); err != nil {
		c.logger.Warn().Err(err).Str("page_key", pageKey).Msg("Failed to remove mirrored session")
	}

	metrics.SessionsCollected.WithLabelValues(reason).Inc()
	metrics.ActiveSessions.Set(float64(len(c.sessions)))

	c.logger.Debug().Str("page_key", pageKey).Str("reason", reason).Msg("Evicted session")
}
