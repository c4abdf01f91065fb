package storage

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMergeSession(t *testing.T) {
	state := func(at int64, connected bool) SessionState {
		s := SessionState{IsConnected: connected, AuthMethod: AuthMethodNone, UpdatedAtMs: at}
		if connected {
			s.AuthMethod = AuthMethodWallet
			s.Account = &Account{Address: "0xabc", Network: "testnet"}
		}
		return s
	}

	tests := []struct {
		name        string
		current     *SessionState
		incoming    SessionState
		wantApplied bool
		wantAt      int64
	}{
		{"nothing stored", nil, state(10, true), true, 10},
		{"newer wins", ptr(state(10, true)), state(20, false), true, 20},
		{"older discarded", ptr(state(100, true)), state(50, false), false, 100},
		{"equal is a no-op", ptr(state(100, true)), state(100, false), false, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, applied := MergeSession(tt.current, tt.incoming)
			if applied != tt.wantApplied {
				t.Errorf("applied = %v, want %v", applied, tt.wantApplied)
			}
			if got.UpdatedAtMs != tt.wantAt {
				t.Errorf("UpdatedAtMs = %d, want %d", got.UpdatedAtMs, tt.wantAt)
			}
		})
	}
}

func TestMergeSession_ArrivalOrderIrrelevant(t *testing.T) {
	a := SessionState{IsConnected: true, AuthMethod: AuthMethodWallet, Account: &Account{Address: "0x1"}, UpdatedAtMs: 100}
	b := LoggedOut(time.UnixMilli(200))

	ab, _ := MergeSession(nil, a)
	ab, _ = MergeSession(&ab, b)

	ba, _ := MergeSession(nil, b)
	ba, _ = MergeSession(&ba, a)

	if ab.UpdatedAtMs != ba.UpdatedAtMs || ab.IsConnected != ba.IsConnected {
		t.Errorf("merge depends on order: %+v vs %+v", ab, ba)
	}
	if ab.IsConnected {
		t.Error("Expected logout to win")
	}
}

func TestMergeSettings(t *testing.T) {
	current := Settings{TrackingEnabled: true, UpdatedAtMs: 100}

	if _, applied := MergeSettings(current, Settings{UpdatedAtMs: 50}); applied {
		t.Error("Expected older settings to be discarded")
	}
	if got, applied := MergeSettings(current, Settings{TrackingEnabled: false, UpdatedAtMs: 150}); !applied || got.TrackingEnabled {
		t.Errorf("Expected newer settings to apply, got %+v applied=%v", got, applied)
	}
	if _, applied := MergeSettings(DefaultSettings(), Settings{UpdatedAtMs: 0}); !applied {
		t.Error("Expected any settings to replace unstamped defaults")
	}
}

func TestMergeSettings_Version(t *testing.T) {
	tests := []struct {
		name     string
		current  Settings
		incoming Settings
		want     bool
	}{
		{"same millisecond later write", Settings{TrackingEnabled: true, UpdatedAtMs: 100, Version: 1}, Settings{UpdatedAtMs: 100, Version: 2}, true},
		{"same millisecond earlier write", Settings{UpdatedAtMs: 100, Version: 2}, Settings{TrackingEnabled: true, UpdatedAtMs: 100, Version: 1}, false},
		{"same version", Settings{UpdatedAtMs: 100, Version: 2}, Settings{UpdatedAtMs: 100, Version: 2}, false},
		{"version beats clock skew", Settings{UpdatedAtMs: 500, Version: 1}, Settings{UpdatedAtMs: 400, Version: 2}, true},
		{"versioned beats defaults", DefaultSettings(), Settings{UpdatedAtMs: 100, Version: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, applied := MergeSettings(tt.current, tt.incoming)
			if applied != tt.want {
				t.Errorf("applied = %v, want %v", applied, tt.want)
			}
			want := tt.current
			if tt.want {
				want = tt.incoming
			}
			if got.Version != want.Version || got.TrackingEnabled != want.TrackingEnabled {
				t.Errorf("got %+v, want %+v", got, want)
			}
		})
	}
}

func TestCompletionID(t *testing.T) {
	snap := MediaSnapshot{
		Platform:  "netflix",
		MediaType: MediaMovie,
		Title:     "Some Film",
		SourceURL: "https://www.Netflix.com/watch/123#t=10",
	}
	day := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	id1 := CompletionID(snap, day)
	id2 := CompletionID(snap, day.Add(5*time.Hour))
	if id1 != id2 {
		t.Errorf("Expected same id within a day, got %s and %s", id1, id2)
	}

	reloaded := snap
	reloaded.SourceURL = "https://www.netflix.com/watch/123"
	if CompletionID(reloaded, day) != id1 {
		t.Error("Expected fragment and host case to be ignored")
	}

	if CompletionID(snap, day.Add(24*time.Hour)) == id1 {
		t.Error("Expected a different id on another day")
	}

	other := snap
	other.Title = "Other Film"
	if CompletionID(other, day) == id1 {
		t.Error("Expected a different id for different media")
	}
}

func TestMediaType_UnmarshalJSON(t *testing.T) {
	var m MediaType
	if err := json.Unmarshal([]byte(`" Anime "`), &m); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if m != MediaAnime {
		t.Errorf("Expected anime, got %s", m)
	}

	if err := json.Unmarshal([]byte(`"podcast"`), &m); err == nil {
		t.Error("Expected error for unknown media type")
	}
}

func TestSessionState_Validate(t *testing.T) {
	tests := []struct {
		name    string
		state   SessionState
		wantErr bool
	}{
		{"logout", LoggedOut(time.UnixMilli(1)), false},
		{"connected", SessionState{IsConnected: true, AuthMethod: AuthMethodGoogle, Account: &Account{Address: "0x1"}, UpdatedAtMs: 1}, false},
		{"connected without account", SessionState{IsConnected: true, AuthMethod: AuthMethodGoogle, UpdatedAtMs: 1}, true},
		{"missing timestamp", SessionState{AuthMethod: AuthMethodNone}, true},
		{"unknown method", SessionState{AuthMethod: "sms", UpdatedAtMs: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.state.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }
