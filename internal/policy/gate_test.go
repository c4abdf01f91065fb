package policy

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/mediabadge/internal/policy/opa"
	"github.com/goodtune/mediabadge/internal/storage"
	redisstore "github.com/goodtune/mediabadge/internal/storage/redis"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestGate_FollowsSettings(t *testing.T) {
	mr := miniredis.RunT(t)
	store := redisstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	defer func() { _ = store.Close() }()

	engine, err := opa.NewEngine("", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	gate := NewGate(engine, store.Settings(), []string{"bank.example"}, zerolog.Nop())
	ctx := context.Background()

	in := TrackingInput{
		Snapshot: storage.MediaSnapshot{Platform: "youtube", MediaType: storage.MediaVideo, Title: "Clip"},
		PageURL:  "https://www.youtube.com/watch?v=1",
	}

	allow, err := gate.Allow(ctx, in)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !allow {
		t.Error("Expected default settings to allow tracking")
	}

	if _, err := store.Settings().SetFlags(ctx, false, true, time.UnixMilli(1)); err != nil {
		t.Fatalf("SetFlags failed: %v", err)
	}
	allow, _ = gate.Allow(ctx, in)
	if allow {
		t.Error("Expected disabled tracking to deny")
	}

	if _, err := store.Settings().SetFlags(ctx, true, true, time.UnixMilli(2)); err != nil {
		t.Fatalf("SetFlags failed: %v", err)
	}
	in.PageURL = "https://videos.bank.example/watch"
	allow, _ = gate.Allow(ctx, in)
	if allow {
		t.Error("Expected excluded host to deny")
	}
}
