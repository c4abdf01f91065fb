package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface. One Store is one durable
// key-value namespace; the web app and the extension each own one.
type Store interface {
	Close() error
	Sessions() SessionStore
	Settings() SettingsStore
	Completions() CompletionStore
	ActiveSessions() ActiveSessionStore
	// Watch delivers a Change for every write to this namespace until the
	// returned Subscription is closed or ctx ends.
	Watch(ctx context.Context, fn func(Change)) (Subscription, error)
}

// SessionStore holds the single authoritative SessionState.
type SessionStore interface {
	Get(ctx context.Context) (*SessionState, error)
	// Merge writes state only when it is strictly newer than the stored value.
	Merge(ctx context.Context, state SessionState) (bool, error)
	MarkSynced(ctx context.Context, at time.Time) error
	LastSynced(ctx context.Context) (time.Time, error)
}

// SettingsStore manages user settings and the custom-site list.
type SettingsStore interface {
	Get(ctx context.Context) (Settings, error)
	SetFlags(ctx context.Context, trackingEnabled, notificationsEnabled bool, at time.Time) (Settings, error)
	AddCustomSite(ctx context.Context, site CustomSite, at time.Time) (Settings, error)
	RemoveCustomSite(ctx context.Context, pattern string, at time.Time) (Settings, error)
}

// CompletionStore manages the durable completion queue and badge counter.
type CompletionStore interface {
	// Enqueue appends record unless its ID is already known. It returns
	// whether the record was added and the badge count afterwards.
	Enqueue(ctx context.Context, record CompletionRecord) (bool, int64, error)
	Get(ctx context.Context, id string) (*CompletionRecord, error)
	List(ctx context.Context, includeDismissed bool) ([]CompletionRecord, error)
	Dismiss(ctx context.Context, id string) (int64, error)
	// ClaimMint reserves a queued record for one minter until ttl elapses,
	// MarkMinted or ReleaseMint. It reports false when another claim holds.
	ClaimMint(ctx context.Context, id string, ttl time.Duration) (bool, error)
	ReleaseMint(ctx context.Context, id string) error
	// MarkMinted removes the record from the queue, drops its claim and
	// remembers its ID so it is never enqueued again.
	MarkMinted(ctx context.Context, id string) (int64, error)
	BadgeCount(ctx context.Context) (int64, error)
	MintedCount(ctx context.Context) (int64, error)
}

// ActiveSessionStore mirrors the coordinator's in-memory session map. It is
// not authoritative and may be cleared on restart.
type ActiveSessionStore interface {
	Put(ctx context.Context, session TrackingSession, ttl time.Duration) error
	Delete(ctx context.Context, pageKey string) error
	List(ctx context.Context) ([]TrackingSession, error)
	Clear(ctx context.Context) error
}

// ChangeKind names the logical key that changed.
type ChangeKind string

const (
	ChangeSession        ChangeKind = "session"
	ChangeSettings       ChangeKind = "settings"
	ChangeCompletions    ChangeKind = "completions"
	ChangeBadge          ChangeKind = "badge"
	ChangeActiveSessions ChangeKind = "active_sessions"
)

// Change is a storage change notification.
type Change struct {
	Kind ChangeKind `json:"kind"`
	Key  string     `json:"key,omitempty"`
	AtMs int64      `json:"at_ms"`
}

// Subscription is an active Watch.
type Subscription interface {
	Close() error
}
