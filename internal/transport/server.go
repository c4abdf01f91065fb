package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/mediabadge/internal/message"
	"github.com/goodtune/mediabadge/internal/metrics"
	"github.com/goodtune/mediabadge/internal/storage"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// MessagesPath accepts envelopes
	MessagesPath = "/v1/messages"

	// EventsPath streams storage changes over WebSocket
	EventsPath = "/v1/events"

	maxEnvelopeBytes = 1 << 20
	pingInterval     = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// Config holds the transport server configuration.
type Config struct {
	ListenAddr      string
	RateLimit       int
	RateLimitWindow time.Duration
	RateLimitBurst  int
}

// Server exposes a Handler over HTTP and a store's changes over WebSocket.
type Server struct {
	config      Config
	handler     Handler
	auth        Authenticator
	store       storage.Store
	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader
	router      *mux.Router
	server      *http.Server
	listener    net.Listener
	logger      zerolog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewServer creates a transport server.
func NewServer(cfg Config, handler Handler, store storage.Store, logger zerolog.Logger) *Server {
	router := mux.NewRouter()

	s := &Server{
		config:      cfg,
		handler:     handler,
		store:       store,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow, cfg.RateLimitBurst),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return strings.HasPrefix(origin, "chrome-extension://") ||
					strings.HasPrefix(origin, "moz-extension://") ||
					strings.HasPrefix(origin, "http://localhost") ||
					strings.HasPrefix(origin, "http://127.0.0.1")
			},
		},
		router: router,
		logger: logger.With().Str("component", "transport").Logger(),
		conns:  make(map[*websocket.Conn]struct{}),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc(MessagesPath, s.handleMessage).Methods("POST")
	s.router.HandleFunc(EventsPath, s.handleEvents).Methods("GET")
	s.router.HandleFunc(LoginPath, s.handleLogin).Methods("POST")
	s.router.HandleFunc(LogoutPath, s.handleLogout).Methods("POST")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting transport server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated HTTP listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Transport server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server and closes event streams.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping transport server")
	s.rateLimiter.Stop()

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("transport server shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, message.Reply{Error: "failed to read body"})
		return
	}

	env, err := message.Decode(body)
	if err != nil {
		metrics.MalformedMessages.WithLabelValues("http").Inc()
		s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Rejected malformed envelope")
		writeJSON(w, http.StatusBadRequest, message.ErrorReply(env, err))
		return
	}

	// Page keys are chosen by the client, so one host cannot spend another's bucket.
	key := remoteHost(r.RemoteAddr)
	if env.PageKey != "" {
		key += "|" + env.PageKey
	}
	if !s.rateLimiter.Allow(key) {
		writeJSON(w, http.StatusTooManyRequests, message.ErrorReply(env, errors.New("rate limit exceeded")))
		return
	}

	reply, err := s.handler.Handle(r.Context(), env)
	if err != nil {
		s.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("Handler unavailable")
		writeJSON(w, http.StatusServiceUnavailable, message.ErrorReply(env, err))
		return
	}

	writeJSON(w, http.StatusOK, reply)
}

// handleEvents streams every storage change to the client until either
// side closes. The subscription is live before the upgrade completes so a
// client that connects and then reads durable state misses nothing.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan storage.Change, 64)
	sub, err := s.store.Watch(ctx, func(c storage.Change) {
		select {
		case changes <- c:
		default:
			s.logger.Warn().Str("kind", string(c.Kind)).Msg("Event subscriber is slow, dropping change")
		}
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to watch store")
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer func() { _ = sub.Close() }()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	metrics.EventSubscribers.Inc()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		metrics.EventSubscribers.Dec()
	}()

	// The reader only notices the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-changes:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(c); err != nil {
				s.logger.Debug().Err(err).Msg("Event subscriber write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	subscribers := len(s.conns)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"subscribers": subscribers,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
