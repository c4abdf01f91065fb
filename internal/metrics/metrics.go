package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Message metrics
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediabadge_messages_total",
			Help: "Total messages handled by the coordinator",
		},
		[]string{"type", "outcome"},
	)

	MessageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediabadge_message_duration_seconds",
			Help:    "Coordinator handler duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"type"},
	)

	MalformedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediabadge_malformed_messages_total",
			Help: "Messages dropped because they could not be decoded or validated",
		},
		[]string{"transport"},
	)

	RateLimitedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mediabadge_rate_limited_messages_total",
			Help: "Inbound HTTP messages rejected by the per-page rate limiter",
		},
	)

	// Session metrics
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediabadge_active_sessions",
			Help: "Number of tracking sessions held by the coordinator",
		},
	)

	SessionsCollected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediabadge_sessions_collected_total",
			Help: "Tracking sessions evicted by the coordinator",
		},
		[]string{"reason"},
	)

	// Completion metrics
	CompletionsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediabadge_completions_enqueued_total",
			Help: "Completion enqueue attempts by result",
		},
		[]string{"result"},
	)

	MintsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediabadge_mints_total",
			Help: "Mint attempts by result",
		},
		[]string{"result"},
	)

	// Sync metrics
	SessionSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediabadge_session_syncs_total",
			Help: "SessionState merges by side and result",
		},
		[]string{"side", "result"},
	)

	SyncAckTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mediabadge_sync_ack_timeouts_total",
			Help: "Session broadcasts that were not acknowledged in time",
		},
	)

	// Connection metrics
	EventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediabadge_event_subscribers",
			Help: "Number of connected change-event subscribers",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		MessagesTotal,
		MessageDuration,
		MalformedMessages,
		RateLimitedMessages,
		ActiveSessions,
		SessionsCollected,
		CompletionsEnqueued,
		MintsTotal,
		SessionSyncs,
		SyncAckTimeouts,
		EventSubscribers,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
