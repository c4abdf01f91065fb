// Package message defines the envelopes exchanged between pages, the
// coordinator, the bridge, and UI surfaces.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMalformed is returned for envelopes that cannot be decoded or validated.
	ErrMalformed = errors.New("message: malformed")
	// ErrUnknownType is returned for envelopes with an unrecognised type.
	ErrUnknownType = errors.New("message: unknown type")
)

// Type is the literal message type name.
type Type string

const (
	SessionUpdated    Type = "SESSION_UPDATED"
	SessionEnded      Type = "SESSION_ENDED"
	MediaCompleted    Type = "MEDIA_COMPLETED"
	GetActiveSessions Type = "GET_ACTIVE_SESSIONS"
	SettingsGet       Type = "SETTINGS_GET"
	SettingsSet       Type = "SETTINGS_SET"
	CompletionEnqueue Type = "COMPLETION_ENQUEUE"
	CompletionList    Type = "COMPLETION_LIST"
	CompletionDismiss Type = "COMPLETION_DISMISS"
	CompletionMint    Type = "COMPLETION_MINT"
	SessionData       Type = "SESSION_DATA"
	SessionDataAck    Type = "SESSION_DATA_ACK"
	RequestSession    Type = "REQUEST_SESSION"
	SessionSet        Type = "SESSION_SET"
	BadgeCount        Type = "BADGE_COUNT"
)

var knownTypes = map[Type]bool{
	SessionUpdated:    true,
	SessionEnded:      true,
	MediaCompleted:    true,
	GetActiveSessions: true,
	SettingsGet:       true,
	SettingsSet:       true,
	CompletionEnqueue: true,
	CompletionList:    true,
	CompletionDismiss: true,
	CompletionMint:    true,
	SessionData:       true,
	SessionDataAck:    true,
	RequestSession:    true,
	SessionSet:        true,
	BadgeCount:        true,
}

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	return knownTypes[t]
}

// FireAndForget reports whether senders of t do not wait for a reply.
func (t Type) FireAndForget() bool {
	return t == SessionUpdated || t == SessionEnded
}

// PageScoped reports whether t must carry a page key.
func (t Type) PageScoped() bool {
	return t == SessionUpdated || t == SessionEnded || t == MediaCompleted
}

// Source tags an envelope with the context that sent it. The bridge relay
// only forwards envelopes from SourceWebApp, which breaks echo loops.
type Source string

const (
	SourceWebApp    Source = "mediabadge-webapp"
	SourceExtension Source = "mediabadge-extension"
	SourceContent   Source = "mediabadge-content"
	SourceUI        Source = "mediabadge-ui"
)

// Envelope is the wire form of every message.
type Envelope struct {
	Type      Type            `json:"type"`
	Source    Source          `json:"source"`
	PageKey   string          `json:"page_key,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SentAtMs  int64           `json:"sent_at_ms"`
}

// New builds an envelope with a fresh request id. A nil payload is omitted.
func New(t Type, src Source, payload any) (Envelope, error) {
	env := Envelope{
		Type:      t,
		Source:    src,
		RequestID: uuid.NewString(),
		SentAtMs:  time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// MustNew is New for payloads that always encode.
func MustNew(t Type, src Source, payload any) Envelope {
	env, err := New(t, src, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// ForPage returns a copy of env scoped to pageKey.
func (e Envelope) ForPage(pageKey string) Envelope {
	e.PageKey = pageKey
	return e
}

// Decode parses and validates a wire envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode returns the wire form of env.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Validate checks the envelope header. Payloads are checked by Unmarshal.
func (e Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownType, e.Type)
	}
	if e.Type.PageScoped() && e.PageKey == "" {
		return fmt.Errorf("%w: %s requires page_key", ErrMalformed, e.Type)
	}
	return nil
}

// Unmarshal decodes the payload into v.
func (e Envelope) Unmarshal(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformed, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// Reply answers a request envelope.
type Reply struct {
	RequestID string          `json:"request_id,omitempty"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// OKReply builds a successful reply to env carrying payload.
func OKReply(env Envelope, payload any) (Reply, error) {
	r := Reply{RequestID: env.RequestID, OK: true}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Reply{}, fmt.Errorf("encode reply: %w", err)
		}
		r.Payload = raw
	}
	return r, nil
}

// ErrorReply builds a failed reply to env.
func ErrorReply(env Envelope, err error) Reply {
	return Reply{RequestID: env.RequestID, OK: false, Error: err.Error()}
}

// Unmarshal decodes the reply payload into v.
func (r Reply) Unmarshal(v any) error {
	if !r.OK {
		return errors.New(r.Error)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: empty reply", ErrMalformed)
	}
	return json.Unmarshal(r.Payload, v)
}
