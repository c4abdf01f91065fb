package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/mediabadge/internal/config"
	"github.com/goodtune/mediabadge/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultNamespace prefixes every key when no namespace is configured.
const DefaultNamespace = "mediabadge:"

// Store implements the storage.Store interface using Redis
type Store struct {
	client          *redis.Client
	ns              string
	sessionStore    *sessionStore
	settingsStore   *settingsStore
	completionStore *completionStore
	activeStore     *activeSessionStore
	logger          zerolog.Logger
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client, cfg.Namespace), nil
}

// New wraps an existing client. Two Stores with different namespaces on the
// same server are fully independent.
func New(client *redis.Client, namespace string) *Store {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	s := &Store{
		client: client,
		ns:     namespace,
		logger: log.Logger.With().Str("component", "storage").Str("namespace", namespace).Logger(),
	}
	s.sessionStore = &sessionStore{store: s}
	s.settingsStore = &settingsStore{store: s}
	s.completionStore = &completionStore{store: s}
	s.activeStore = &activeSessionStore{store: s}
	return s
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Namespace returns the key prefix of this store.
func (s *Store) Namespace() string {
	return s.ns
}

// Sessions returns the SessionStore implementation
func (s *Store) Sessions() storage.SessionStore {
	return s.sessionStore
}

// Settings returns the SettingsStore implementation
func (s *Store) Settings() storage.SettingsStore {
	return s.settingsStore
}

// Completions returns the CompletionStore implementation
func (s *Store) Completions() storage.CompletionStore {
	return s.completionStore
}

// ActiveSessions returns the ActiveSessionStore implementation
func (s *Store) ActiveSessions() storage.ActiveSessionStore {
	return s.activeStore
}

func (s *Store) key(parts ...string) string {
	k := s.ns
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// publish announces a change to watchers. Subscribers re-read durable state
// on every change, so a lost notification only delays them.
func (s *Store) publish(ctx context.Context, kind storage.ChangeKind, key string) {
	payload, err := json.Marshal(storage.Change{
		Kind: kind,
		Key:  key,
		AtMs: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	_ = s.client.Publish(ctx, s.key("changes"), payload).Err()
}
