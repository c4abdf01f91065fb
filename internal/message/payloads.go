package message

import "github.com/goodtune/mediabadge/internal/storage"

// SESSION_UPDATED carries a storage.TrackingSession, MEDIA_COMPLETED and
// COMPLETION_ENQUEUE a storage.CompletionRecord, SESSION_DATA and SESSION_SET
// a storage.SessionState. The types below cover the rest.

// SessionEndedPayload is the body of SESSION_ENDED.
type SessionEndedPayload struct {
	PageKey string `json:"page_key"`
}

// IDPayload addresses one completion record.
type IDPayload struct {
	ID string `json:"id"`
}

// CompletionListPayload is the body of COMPLETION_LIST.
type CompletionListPayload struct {
	IncludeDismissed bool `json:"include_dismissed,omitempty"`
}

// SettingsSetPayload is the body of SETTINGS_SET. Nil fields are unchanged.
type SettingsSetPayload struct {
	TrackingEnabled      *bool               `json:"tracking_enabled,omitempty"`
	NotificationsEnabled *bool               `json:"notifications_enabled,omitempty"`
	AddCustomSite        *storage.CustomSite `json:"add_custom_site,omitempty"`
	RemoveCustomSite     string              `json:"remove_custom_site,omitempty"`
}

// ActiveSessionsReply answers GET_ACTIVE_SESSIONS.
type ActiveSessionsReply struct {
	Sessions []storage.TrackingSession `json:"sessions"`
}

// CompletionListReply answers COMPLETION_LIST.
type CompletionListReply struct {
	Completions []storage.CompletionRecord `json:"completions"`
}

// EnqueueReply answers MEDIA_COMPLETED and COMPLETION_ENQUEUE.
type EnqueueReply struct {
	ID    string `json:"id"`
	Added bool   `json:"added"`
	Badge int64  `json:"badge"`
}

// BadgeReply answers COMPLETION_DISMISS and BADGE_COUNT.
type BadgeReply struct {
	Badge  int64 `json:"badge"`
	Minted int64 `json:"minted,omitempty"`
}

// SessionReply answers REQUEST_SESSION. Session is nil when nothing is stored.
type SessionReply struct {
	Session *storage.SessionState `json:"session"`
}

// SessionSetReply answers SESSION_SET and SESSION_DATA_ACK.
type SessionSetReply struct {
	Applied     bool  `json:"applied"`
	UpdatedAtMs int64 `json:"updated_at_ms"`
}

// MintReply answers COMPLETION_MINT.
type MintReply struct {
	ID          string `json:"id"`
	TxHash      string `json:"tx_hash"`
	MetadataURI string `json:"metadata_uri"`
	Badge       int64  `json:"badge"`
}
