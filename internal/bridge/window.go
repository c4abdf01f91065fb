// Package bridge moves SessionState between the web app and the extension
// across an origin boundary. The broadcast is a low-latency hint; each
// side's durable store is the source of truth and every merge is
// last-writer-wins by UpdatedAtMs.
package bridge

import (
	"sync"

	"github.com/goodtune/mediabadge/internal/message"
	"github.com/rs/zerolog"
)

// DefaultWindowBuffer is how many posted envelopes may wait for delivery.
const DefaultWindowBuffer = 128

// Window is a page-level broadcast. Every listener sees every posted
// envelope, its own posts included, in post order. Delivery is
// asynchronous and best-effort: a full buffer drops the post.
type Window struct {
	mu        sync.Mutex
	listeners []listener
	nextID    int
	closed    bool

	queue  chan message.Envelope
	done   chan struct{}
	logger zerolog.Logger
}

type listener struct {
	id int
	fn func(message.Envelope)
}

// NewWindow creates a window and starts its delivery goroutine.
func NewWindow(logger zerolog.Logger) *Window {
	w := &Window{
		queue:  make(chan message.Envelope, DefaultWindowBuffer),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "window").Logger(),
	}
	go w.deliver()
	return w
}

// AddListener registers fn and returns a function that removes it.
func (w *Window) AddListener(fn func(message.Envelope)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.nextID
	w.nextID++
	w.listeners = append(w.listeners, listener{id: id, fn: fn})

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for i, l := range w.listeners {
			if l.id == id {
				w.listeners = append(w.listeners[:i:i], w.listeners[i+1:]...)
				return
			}
		}
	}
}

// PostMessage queues env for every listener. It never blocks.
func (w *Window) PostMessage(env message.Envelope) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	select {
	case w.queue <- env:
	default:
		w.logger.Warn().Str("type", string(env.Type)).Msg("Window buffer full, dropping message")
	}
}

// Close stops delivery. Queued posts are discarded.
func (w *Window) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
}

func (w *Window) deliver() {
	defer close(w.done)

	for env := range w.queue {
		w.mu.Lock()
		closed := w.closed
		listeners := w.listeners
		w.mu.Unlock()

		if closed {
			continue
		}
		for _, l := range listeners {
			l.fn(env)
		}
	}
}
