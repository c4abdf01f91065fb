package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/mediabadge/internal/clock"
	"github.com/goodtune/mediabadge/internal/coordinator"
	"github.com/goodtune/mediabadge/internal/extractor"
	"github.com/goodtune/mediabadge/internal/message"
	"github.com/goodtune/mediabadge/internal/policy"
	"github.com/goodtune/mediabadge/internal/storage"
	redisstore "github.com/goodtune/mediabadge/internal/storage/redis"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type fakePage struct {
	mu       sync.Mutex
	url      string
	title    string
	progress float64
	err      error
	clock    clock.Clock
}

func (p *fakePage) set(title string, progress float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
	p.progress = progress
}

func (p *fakePage) Page(ctx context.Context) (extractor.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return extractor.Page{}, p.err
	}
	html := fmt.Sprintf(`<html><body><h1 class="title">%s</h1><div class="ytp-play-progress" style="width: %.1f%%"></div></body></html>`, p.title, p.progress)
	return extractor.Page{URL: p.url, HTML: html, ObservedAt: p.clock.Now()}, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []message.Envelope
	err  error
	// drop fails the next n envelopes of a type
	drop map[message.Type]int
}

func (s *recordingSender) Send(ctx context.Context, env message.Envelope) (message.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	if s.err != nil {
		return message.Reply{}, s.err
	}
	if s.drop[env.Type] > 0 {
		s.drop[env.Type]--
		return message.Reply{}, errors.New("port disconnected")
	}
	return message.Reply{RequestID: env.RequestID, OK: true}, nil
}

func (s *recordingSender) count(t message.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, env := range s.sent {
		if env.Type == t {
			n++
		}
	}
	return n
}

func (s *recordingSender) last(t message.Type) (message.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].Type == t {
			return s.sent[i], true
		}
	}
	return message.Envelope{}, false
}

type gateFunc func(policy.TrackingInput) bool

func (f gateFunc) Allow(ctx context.Context, in policy.TrackingInput) (bool, error) {
	return f(in), nil
}

var allowAll = gateFunc(func(policy.TrackingInput) bool { return true })

func setup(t *testing.T, gate Gate) (*Manager, *fakePage, *recordingSender, *clock.TestClock) {
	t.Helper()
	clk := clock.NewTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	page := &fakePage{url: "https://www.youtube.com/watch?v=abc", title: "Lecture 1", clock: clk}
	sender := &recordingSender{}
	m := NewManager(Config{PageKey: "tab-1"}, extractor.DefaultRegistry(), page, sender, gate, clk, zerolog.Nop())
	return m, page, sender, clk
}

func TestManager_CompletionFiresOnce(t *testing.T) {
	m, page, sender, clk := setup(t, allowAll)
	ctx := context.Background()

	page.set("Lecture 1", 10)
	m.Tick(ctx)
	if m.State() != Observing {
		t.Fatalf("State = %v, want observing", m.State())
	}

	for i := 0; i < 3; i++ {
		clk.Advance(30 * time.Second)
		page.set("Lecture 1", 85)
		m.Tick(ctx)
	}

	clk.Advance(30 * time.Second)
	page.set("Lecture 1", 92)
	m.Tick(ctx)

	// Further ticks past the threshold must not re-emit.
	clk.Advance(30 * time.Second)
	page.set("Lecture 1", 95)
	m.Tick(ctx)

	if got := sender.count(message.MediaCompleted); got != 1 {
		t.Fatalf("MEDIA_COMPLETED sent %d times, want 1", got)
	}
	if m.State() != Completed {
		t.Errorf("State = %v, want completed", m.State())
	}

	env, _ := sender.last(message.MediaCompleted)
	var record storage.CompletionRecord
	if err := env.Unmarshal(&record); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if record.WatchSeconds != 120 {
		t.Errorf("WatchSeconds = %v, want 120", record.WatchSeconds)
	}
	if record.ID == "" {
		t.Error("Expected completion ID")
	}
	if env.PageKey != "tab-1" {
		t.Errorf("PageKey = %q, want tab-1", env.PageKey)
	}

	session, _ := m.Session()
	if !session.Completed {
		t.Error("Expected session to stay completed")
	}
}

func TestManager_GateDenies(t *testing.T) {
	m, _, sender, _ := setup(t, gateFunc(func(policy.TrackingInput) bool { return false }))
	m.Tick(context.Background())

	if m.State() != Idle {
		t.Errorf("State = %v, want idle", m.State())
	}
	if len(sender.sent) != 0 {
		t.Errorf("Expected no messages, got %d", len(sender.sent))
	}
}

func TestManager_GateSeesPrivateFlag(t *testing.T) {
	var seen policy.TrackingInput
	clk := clock.NewTestClock(time.Unix(1000, 0))
	page := &fakePage{url: "https://youtu.be/xyz", title: "Clip", clock: clk}
	m := NewManager(Config{PageKey: "p", Private: true}, extractor.DefaultRegistry(), page, &recordingSender{},
		gateFunc(func(in policy.TrackingInput) bool { seen = in; return true }), clk, zerolog.Nop())

	m.Tick(context.Background())
	if !seen.Private {
		t.Error("Expected gate input to carry the private flag")
	}
	if seen.Snapshot.Platform != "youtube" {
		t.Errorf("Platform = %q, want youtube", seen.Snapshot.Platform)
	}
}

func TestManager_ExtractionMissIsSilent(t *testing.T) {
	m, page, sender, _ := setup(t, allowAll)

	page.url = "https://example.com/article"
	m.Tick(context.Background())

	page.url = "https://www.youtube.com/watch?v=abc"
	page.err = errors.New("not ready")
	m.Tick(context.Background())

	if m.State() != Idle || len(sender.sent) != 0 {
		t.Errorf("Expected idle with no messages, got %v and %d", m.State(), len(sender.sent))
	}
}

func TestManager_HiddenTimeNotCounted(t *testing.T) {
	m, page, _, clk := setup(t, allowAll)
	ctx := context.Background()

	page.set("Lecture 1", 10)
	m.Tick(ctx)

	clk.Advance(20 * time.Second)
	m.SetVisible(ctx, false)

	clk.Advance(60 * time.Second)
	m.SetVisible(ctx, true)

	clk.Advance(10 * time.Second)
	m.Tick(ctx)

	session, _ := m.Session()
	if session.AccumulatedWatchSeconds != 30 {
		t.Errorf("AccumulatedWatchSeconds = %v, want 30", session.AccumulatedWatchSeconds)
	}
	if m.State() != Observing {
		t.Errorf("State = %v, want observing", m.State())
	}
}

func TestManager_HiddenPastGraceEnds(t *testing.T) {
	m, page, sender, clk := setup(t, allowAll)
	ctx := context.Background()

	page.set("Lecture 1", 10)
	m.Tick(ctx)

	m.SetVisible(ctx, false)
	clk.Advance(DefaultHiddenGrace + time.Second)
	m.Tick(ctx)

	if m.State() != Ended {
		t.Fatalf("State = %v, want ended", m.State())
	}
	if sender.count(message.SessionEnded) != 1 {
		t.Errorf("Expected one SESSION_ENDED")
	}

	// Ended managers ignore further input.
	m.SetVisible(ctx, true)
	m.Tick(ctx)
	if sender.count(message.SessionEnded) != 1 {
		t.Errorf("Expected no further messages after end")
	}
}

func TestManager_MediaChangeStartsNewSession(t *testing.T) {
	m, page, sender, clk := setup(t, allowAll)
	ctx := context.Background()

	page.set("Lecture 1", 50)
	m.Tick(ctx)

	clk.Advance(30 * time.Second)
	page.set("Lecture 2", 1)
	m.Tick(ctx)

	if sender.count(message.SessionEnded) != 1 {
		t.Errorf("Expected the first session to end")
	}
	session, ok := m.Session()
	if !ok || session.Snapshot.Title != "Lecture 2" {
		t.Fatalf("Expected a session for Lecture 2, got %+v", session)
	}
	if session.AccumulatedWatchSeconds != 0 {
		t.Errorf("AccumulatedWatchSeconds = %v, want 0", session.AccumulatedWatchSeconds)
	}
}

func TestManager_EndSendsFinalUpdate(t *testing.T) {
	m, page, sender, clk := setup(t, allowAll)
	ctx := context.Background()

	page.set("Lecture 1", 40)
	m.Tick(ctx)
	clk.Advance(15 * time.Second)
	m.End(ctx)

	env, ok := sender.last(message.SessionUpdated)
	if !ok {
		t.Fatal("Expected SESSION_UPDATED")
	}
	var session storage.TrackingSession
	if err := env.Unmarshal(&session); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if session.AccumulatedWatchSeconds != 15 {
		t.Errorf("AccumulatedWatchSeconds = %v, want 15", session.AccumulatedWatchSeconds)
	}

	ended, _ := sender.last(message.SessionEnded)
	var payload message.SessionEndedPayload
	if err := ended.Unmarshal(&payload); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if payload.PageKey != "tab-1" {
		t.Errorf("PageKey = %q, want tab-1", payload.PageKey)
	}
}

func TestManager_SendErrorsAreNotFatal(t *testing.T) {
	m, page, sender, clk := setup(t, allowAll)
	sender.err = errors.New("coordinator gone")
	ctx := context.Background()

	page.set("Lecture 1", 10)
	m.Tick(ctx)
	clk.Advance(30 * time.Second)
	m.Tick(ctx)

	session, _ := m.Session()
	if session.AccumulatedWatchSeconds != 30 {
		t.Errorf("AccumulatedWatchSeconds = %v, want 30", session.AccumulatedWatchSeconds)
	}
}

func TestManager_RunEndsOnCancel(t *testing.T) {
	m, page, sender, _ := setup(t, allowAll)
	page.set("Lecture 1", 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, nil)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for m.State() != Observing && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if m.State() != Ended {
		t.Errorf("State = %v, want ended", m.State())
	}
	if sender.count(message.SessionEnded) != 1 {
		t.Errorf("Expected SESSION_ENDED on unload")
	}
}

func completionIDs(t *testing.T, sender *recordingSender) []string {
	t.Helper()
	sender.mu.Lock()
	defer sender.mu.Unlock()
	var ids []string
	for _, env := range sender.sent {
		if env.Type != message.MediaCompleted {
			continue
		}
		var record storage.CompletionRecord
		if err := env.Unmarshal(&record); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		ids = append(ids, record.ID)
	}
	return ids
}

func TestManager_CompletionResentUntilAcknowledged(t *testing.T) {
	m, page, sender, clk := setup(t, allowAll)
	sender.drop = map[message.Type]int{message.MediaCompleted: 2}
	ctx := context.Background()

	page.set("Lecture 1", 10)
	m.Tick(ctx)

	for i := 0; i < 4; i++ {
		clk.Advance(30 * time.Second)
		page.set("Lecture 1", 95)
		m.Tick(ctx)
	}

	ids := completionIDs(t, sender)
	if len(ids) != 3 {
		t.Fatalf("MEDIA_COMPLETED sent %d times, want 3", len(ids))
	}
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Errorf("Resent completion id %q, want %q", id, ids[0])
		}
	}
}

func TestManager_EndRetriesPendingCompletion(t *testing.T) {
	m, page, sender, clk := setup(t, allowAll)
	sender.drop = map[message.Type]int{message.MediaCompleted: 1}
	ctx := context.Background()

	page.set("Lecture 1", 10)
	m.Tick(ctx)
	clk.Advance(30 * time.Second)
	page.set("Lecture 1", 95)
	m.Tick(ctx)

	m.End(ctx)

	if got := sender.count(message.MediaCompleted); got != 2 {
		t.Errorf("MEDIA_COMPLETED sent %d times, want 2", got)
	}
}

// coordinatorSender hands envelopes to a real coordinator, failing the first
// n completions the way a dropped port would.
type coordinatorSender struct {
	coord *coordinator.Coordinator
	mu    sync.Mutex
	drop  int
}

func (s *coordinatorSender) Send(ctx context.Context, env message.Envelope) (message.Reply, error) {
	s.mu.Lock()
	if env.Type == message.MediaCompleted && s.drop > 0 {
		s.drop--
		s.mu.Unlock()
		return message.Reply{}, errors.New("port disconnected")
	}
	s.mu.Unlock()
	return s.coord.Handle(ctx, env)
}

func TestManager_DroppedCompletionReachesQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := redisstore.New(client, "test:")

	clk := clock.NewTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	coord := coordinator.New(store, coordinator.Config{Clock: clk}, nil, zerolog.Nop())
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		coord.Stop()
		_ = store.Close()
	})

	page := &fakePage{url: "https://www.youtube.com/watch?v=abc", title: "Lecture 1", clock: clk}
	sender := &coordinatorSender{coord: coord, drop: 1}
	m := NewManager(Config{PageKey: "tab-1"}, extractor.DefaultRegistry(), page, sender, allowAll, clk, zerolog.Nop())
	ctx := context.Background()

	page.set("Lecture 1", 10)
	m.Tick(ctx)
	for i := 0; i < 5; i++ {
		clk.Advance(30 * time.Second)
		page.set("Lecture 1", 95)
		m.Tick(ctx)
	}
	m.End(ctx)

	list, err := store.Completions().List(ctx, false)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("Expected 1 queued completion, got %d", len(list))
	}
	if list[0].Snapshot.Title != "Lecture 1" {
		t.Errorf("Title = %q, want Lecture 1", list[0].Snapshot.Title)
	}
}
