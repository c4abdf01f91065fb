package storage

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MediaType identifies the kind of media a page is showing.
type MediaType string

const (
	MediaVideo  MediaType = "video"
	MediaMovie  MediaType = "movie"
	MediaTVShow MediaType = "tvshow"
	MediaAnime  MediaType = "anime"
	MediaBook   MediaType = "book"
	MediaManga  MediaType = "manga"
)

// Valid reports whether m is one of the known media types.
func (m MediaType) Valid() bool {
	switch m {
	case MediaVideo, MediaMovie, MediaTVShow, MediaAnime, MediaBook, MediaManga:
		return true
	default:
		return false
	}
}

// UnmarshalJSON implements json.Unmarshaler to normalize media type to lowercase.
func (m *MediaType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := MediaType(strings.ToLower(strings.TrimSpace(s)))
	if !normalized.Valid() {
		return fmt.Errorf("invalid media type: %s (must be video, movie, tvshow, anime, book, or manga)", s)
	}

	*m = normalized
	return nil
}

// AuthMethod identifies how a SessionState was authenticated.
type AuthMethod string

const (
	AuthMethodNone   AuthMethod = "none"
	AuthMethodWallet AuthMethod = "wallet"
	AuthMethodGoogle AuthMethod = "google"
)

// Valid reports whether a is a known auth method.
func (a AuthMethod) Valid() bool {
	switch a {
	case AuthMethodNone, AuthMethodWallet, AuthMethodGoogle:
		return true
	default:
		return false
	}
}

// MediaSnapshot is what an extractor sees on a page at one instant. It is
// derived on every poll and never persisted on its own.
type MediaSnapshot struct {
	Platform        string    `json:"platform"`
	MediaType       MediaType `json:"media_type"`
	Title           string    `json:"title"`
	SourceURL       string    `json:"source_url"`
	ProgressPercent *float64  `json:"progress_percent,omitempty"`
	ObservedAtMs    int64     `json:"observed_at_ms"`
}

// Progress returns the progress percentage and whether one was observed.
func (s MediaSnapshot) Progress() (float64, bool) {
	if s.ProgressPercent == nil {
		return 0, false
	}
	return *s.ProgressPercent, true
}

// TrackingSession is one viewing or reading episode scoped to a single page.
type TrackingSession struct {
	PageKey                 string        `json:"page_key"`
	Snapshot                MediaSnapshot `json:"snapshot"`
	StartedAtMs             int64         `json:"started_at_ms"`
	LastObservedAtMs        int64         `json:"last_observed_at_ms"`
	AccumulatedWatchSeconds float64       `json:"accumulated_watch_seconds"`
	Completed               bool          `json:"completed"`
}

// CompletionRecord is queued for the user to mint or dismiss.
type CompletionRecord struct {
	ID           string        `json:"id"`
	Snapshot     MediaSnapshot `json:"snapshot"`
	WatchSeconds float64       `json:"watch_seconds"`
	DetectedAtMs int64         `json:"detected_at_ms"`
	Dismissed    bool          `json:"dismissed"`
}

// completionNamespace seeds the UUIDv5 completion identifiers.
var completionNamespace = uuid.MustParse("6f1c7a52-9a4e-4f0c-8a59-3c4b8f6e2d10")

// CompletionID derives the identifier for a completion of snap detected at
// detectedAt. The same media on the same page completed on the same UTC day
// yields the same identifier, so a reload that re-detects completion collapses
// onto the existing record.
func CompletionID(snap MediaSnapshot, detectedAt time.Time) string {
	day := detectedAt.UTC().Format("2006-01-02")
	name := strings.Join([]string{
		snap.Platform,
		string(snap.MediaType),
		strings.TrimSpace(snap.Title),
		CanonicalURL(snap.SourceURL),
		day,
	}, "|")
	return uuid.NewSHA1(completionNamespace, []byte(name)).String()
}

// NewCompletionRecord builds the record emitted when a session completes.
func NewCompletionRecord(session TrackingSession, detectedAt time.Time) CompletionRecord {
	return CompletionRecord{
		ID:           CompletionID(session.Snapshot, detectedAt),
		Snapshot:     session.Snapshot,
		WatchSeconds: session.AccumulatedWatchSeconds,
		DetectedAtMs: detectedAt.UnixMilli(),
	}
}

// CanonicalURL lowercases scheme and host and drops the fragment.
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// Account is the on-chain identity attached to a connected session.
type Account struct {
	Address string `json:"address"`
	Network string `json:"network"`
}

// SessionState is the authentication and wallet identity of an installation.
// Logout is a SessionState with IsConnected=false and a fresh UpdatedAtMs.
type SessionState struct {
	IsConnected bool       `json:"is_connected"`
	AuthMethod  AuthMethod `json:"auth_method"`
	Account     *Account   `json:"account"`
	ProfileRef  string     `json:"profile_ref,omitempty"`
	UpdatedAtMs int64      `json:"updated_at_ms"`
}

// LoggedOut returns the logout state stamped at now.
func LoggedOut(now time.Time) SessionState {
	return SessionState{
		IsConnected: false,
		AuthMethod:  AuthMethodNone,
		UpdatedAtMs: now.UnixMilli(),
	}
}

// Validate checks the invariants a SessionState must satisfy before it is merged.
func (s SessionState) Validate() error {
	if s.AuthMethod == "" {
		return fmt.Errorf("auth_method is required")
	}
	if !s.AuthMethod.Valid() {
		return fmt.Errorf("invalid auth_method: %s", s.AuthMethod)
	}
	if s.UpdatedAtMs <= 0 {
		return fmt.Errorf("updated_at_ms must be positive")
	}
	if s.IsConnected && (s.Account == nil || s.Account.Address == "") {
		return fmt.Errorf("connected session requires an account address")
	}
	return nil
}

// CustomSite is a user-added tracking target.
type CustomSite struct {
	Pattern          string    `json:"pattern"`
	MediaType        MediaType `json:"media_type"`
	TitleSelector    string    `json:"title_selector,omitempty"`
	ProgressSelector string    `json:"progress_selector,omitempty"`
}

// Settings are the user-controlled tracking preferences.
type Settings struct {
	TrackingEnabled      bool         `json:"tracking_enabled"`
	NotificationsEnabled bool         `json:"notifications_enabled"`
	CustomSites          []CustomSite `json:"custom_sites"`
	UpdatedAtMs          int64        `json:"updated_at_ms"`
	// Version is bumped by every durable write. Two writes may share a
	// millisecond but never a version.
	Version int64 `json:"version"`
}

// DefaultSettings returns the settings used before the user changes anything.
func DefaultSettings() Settings {
	return Settings{
		TrackingEnabled:      true,
		NotificationsEnabled: true,
		CustomSites:          []CustomSite{},
	}
}
