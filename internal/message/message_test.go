package message

import (
	"errors"
	"testing"

	"github.com/goodtune/mediabadge/internal/storage"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"valid update", `{"type":"SESSION_UPDATED","source":"mediabadge-content","page_key":"tab-1","payload":{}}`, nil},
		{"valid list", `{"type":"COMPLETION_LIST","source":"mediabadge-ui"}`, nil},
		{"not json", `{"type":`, ErrMalformed},
		{"missing type", `{"source":"mediabadge-ui"}`, ErrMalformed},
		{"unknown type", `{"type":"SELF_DESTRUCT"}`, ErrUnknownType},
		{"page message without page key", `{"type":"SESSION_ENDED","payload":{}}`, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	progress := 42.5
	session := storage.TrackingSession{
		PageKey: "tab-9",
		Snapshot: storage.MediaSnapshot{
			Platform:        "mangadex",
			MediaType:       storage.MediaManga,
			Title:           "Chapter 1",
			ProgressPercent: &progress,
		},
		AccumulatedWatchSeconds: 12,
	}

	env, err := New(SessionUpdated, SourceContent, session)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	env = env.ForPage(session.PageKey)
	if env.RequestID == "" {
		t.Error("Expected a request id")
	}

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	var got storage.TrackingSession
	if err := decoded.Unmarshal(&got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.Snapshot.ProgressPercent == nil || *got.Snapshot.ProgressPercent != progress {
		t.Errorf("Expected progress %v, got %v", progress, got.Snapshot.ProgressPercent)
	}
}

func TestEnvelopeUnmarshal_BadPayload(t *testing.T) {
	env := Envelope{Type: SessionUpdated, PageKey: "tab-1", Payload: []byte(`{"snapshot":{"media_type":"podcast"}}`)}
	var s storage.TrackingSession
	if err := env.Unmarshal(&s); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for invalid media type, got %v", err)
	}

	empty := Envelope{Type: CompletionDismiss}
	var id IDPayload
	if err := empty.Unmarshal(&id); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for missing payload, got %v", err)
	}
}

func TestReply(t *testing.T) {
	env := MustNew(BadgeCount, SourceUI, nil)

	r, err := OKReply(env, BadgeReply{Badge: 3})
	if err != nil {
		t.Fatalf("OKReply failed: %v", err)
	}
	if r.RequestID != env.RequestID {
		t.Errorf("Expected reply to carry request id %s, got %s", env.RequestID, r.RequestID)
	}

	var badge BadgeReply
	if err := r.Unmarshal(&badge); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if badge.Badge != 3 {
		t.Errorf("Expected badge 3, got %d", badge.Badge)
	}

	failed := ErrorReply(env, errors.New("failed to save setting"))
	if err := failed.Unmarshal(&badge); err == nil || err.Error() != "failed to save setting" {
		t.Errorf("Expected reply error to surface, got %v", err)
	}
}

func TestTypeClassification(t *testing.T) {
	if !SessionUpdated.FireAndForget() || !SessionEnded.FireAndForget() {
		t.Error("Expected session lifecycle messages to be fire-and-forget")
	}
	if MediaCompleted.FireAndForget() || GetActiveSessions.FireAndForget() {
		t.Error("Expected completion and queries to require a reply")
	}
}
