// Package transport carries message envelopes between execution contexts:
// in process, over HTTP, and as a WebSocket change stream.
package transport

import (
	"context"
	"fmt"

	"github.com/goodtune/mediabadge/internal/message"
)

// Handler answers envelopes. The coordinator implements it.
type Handler interface {
	Handle(ctx context.Context, env message.Envelope) (message.Reply, error)
}

// Local delivers envelopes to an in-process handler. Envelopes go through
// the wire codec so the receiver never shares memory with the sender.
type Local struct {
	handler Handler
}

// NewLocal creates an in-process sender.
func NewLocal(h Handler) *Local {
	return &Local{handler: h}
}

// Send implements the tracker's sender.
func (l *Local) Send(ctx context.Context, env message.Envelope) (message.Reply, error) {
	data, err := message.Encode(env)
	if err != nil {
		return message.Reply{}, fmt.Errorf("encode envelope: %w", err)
	}
	decoded, err := message.Decode(data)
	if err != nil {
		return message.Reply{}, err
	}
	return l.handler.Handle(ctx, decoded)
}
