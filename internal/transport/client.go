package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/mediabadge/internal/message"
	"github.com/goodtune/mediabadge/internal/storage"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Client sends envelopes to a remote transport server. Sends are not
// retried: the tracker resends full state on its next tick.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "transport-client").Logger(),
	}
}

// Send posts env and returns the server's reply. A reply with OK=false is
// returned without error; err covers transport failures only.
func (c *Client) Send(ctx context.Context, env message.Envelope) (message.Reply, error) {
	body, err := message.Encode(env)
	if err != nil {
		return message.Reply{}, fmt.Errorf("encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+MessagesPath, bytes.NewReader(body))
	if err != nil {
		return message.Reply{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return message.Reply{}, fmt.Errorf("send %s: %w", env.Type, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeBytes))
	if err != nil {
		return message.Reply{}, fmt.Errorf("read reply: %w", err)
	}

	var reply message.Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return message.Reply{}, fmt.Errorf("decode reply (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return reply, fmt.Errorf("server unavailable: %s", reply.Error)
	}
	return reply, nil
}

// Subscribe streams storage changes from the server to fn until ctx ends or
// the subscription is closed. fn runs on one goroutine, in order, and must
// not call Close.
func (c *Client) Subscribe(ctx context.Context, fn func(storage.Change)) (storage.Subscription, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + EventsPath

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial events: %w", err)
	}

	sub := &eventSubscription{conn: conn, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		for {
			var change storage.Change
			if err := conn.ReadJSON(&change); err != nil {
				c.logger.Debug().Err(err).Msg("Event stream closed")
				return
			}
			fn(change)
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

type eventSubscription struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

// Close ends the stream and waits for the reader to stop.
func (s *eventSubscription) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	<-s.done
	return err
}
