package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/mediabadge/internal/config"
	"github.com/goodtune/mediabadge/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays 0
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
		Namespace:    "test:",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func connected(updatedAt int64, address string) storage.SessionState {
	return storage.SessionState{
		IsConnected: true,
		AuthMethod:  storage.AuthMethodWallet,
		Account:     &storage.Account{Address: address, Network: "testnet"},
		ProfileRef:  "profile-1",
		UpdatedAtMs: updatedAt,
	}
}

func TestSessionStore_LastWriterWins(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()

	if _, err := sessions.Get(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound on empty store, got %v", err)
	}

	applied, err := sessions.Merge(ctx, connected(100, "0xaaa"))
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if !applied {
		t.Error("Expected first merge to apply")
	}

	applied, err = sessions.Merge(ctx, connected(50, "0xbbb"))
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if applied {
		t.Error("Expected older merge to be discarded")
	}

	got, err := sessions.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UpdatedAtMs != 100 {
		t.Errorf("Expected UpdatedAtMs 100, got %d", got.UpdatedAtMs)
	}
	if got.Account == nil || got.Account.Address != "0xaaa" {
		t.Errorf("Expected address 0xaaa, got %+v", got.Account)
	}

	// Re-applying the same state is a no-op
	applied, _ = sessions.Merge(ctx, connected(100, "0xaaa"))
	if applied {
		t.Error("Expected identical merge to be a no-op")
	}

	// Logout is a newer state, not a deletion
	applied, _ = sessions.Merge(ctx, storage.LoggedOut(time.UnixMilli(200)))
	if !applied {
		t.Error("Expected logout to apply")
	}
	applied, _ = sessions.Merge(ctx, connected(150, "0xaaa"))
	if applied {
		t.Error("Expected stale connected state not to resurrect the session")
	}

	got, _ = sessions.Get(ctx)
	if got.IsConnected {
		t.Error("Expected session to remain logged out")
	}
}

func TestSessionStore_LastSynced(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()

	if _, err := sessions.LastSynced(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	at := time.UnixMilli(1700000000123)
	if err := sessions.MarkSynced(ctx, at); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	got, err := sessions.LastSynced(ctx)
	if err != nil {
		t.Fatalf("LastSynced failed: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("Expected %v, got %v", at, got)
	}
}

func TestSettingsStore(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	settings := store.Settings()

	got, err := settings.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.TrackingEnabled || !got.NotificationsEnabled {
		t.Errorf("Expected defaults to enable tracking and notifications, got %+v", got)
	}

	got, err = settings.SetFlags(ctx, false, true, time.UnixMilli(10))
	if err != nil {
		t.Fatalf("SetFlags failed: %v", err)
	}
	if got.TrackingEnabled {
		t.Error("Expected tracking disabled")
	}
	if got.UpdatedAtMs != 10 {
		t.Errorf("Expected UpdatedAtMs 10, got %d", got.UpdatedAtMs)
	}
	if got.Version != 1 {
		t.Errorf("Expected Version 1, got %d", got.Version)
	}

	site := storage.CustomSite{Pattern: "video.example.com/watch", MediaType: storage.MediaVideo, TitleSelector: "h1"}
	got, err = settings.AddCustomSite(ctx, site, time.UnixMilli(20))
	if err != nil {
		t.Fatalf("AddCustomSite failed: %v", err)
	}
	if len(got.CustomSites) != 1 || got.CustomSites[0].Pattern != site.Pattern {
		t.Fatalf("Expected one custom site, got %+v", got.CustomSites)
	}
	if got.TrackingEnabled {
		t.Error("Expected AddCustomSite to leave flags untouched")
	}
	if got.Version != 2 {
		t.Errorf("Expected Version 2, got %d", got.Version)
	}

	if _, err := settings.AddCustomSite(ctx, storage.CustomSite{Pattern: " ", MediaType: storage.MediaVideo}, time.UnixMilli(21)); err == nil {
		t.Error("Expected error for empty pattern")
	}

	got, err = settings.RemoveCustomSite(ctx, site.Pattern, time.UnixMilli(30))
	if err != nil {
		t.Fatalf("RemoveCustomSite failed: %v", err)
	}
	if len(got.CustomSites) != 0 {
		t.Errorf("Expected no custom sites, got %+v", got.CustomSites)
	}
	if got.UpdatedAtMs != 30 {
		t.Errorf("Expected UpdatedAtMs 30, got %d", got.UpdatedAtMs)
	}
	if got.Version != 3 {
		t.Errorf("Expected Version 3, got %d", got.Version)
	}

	// Removing an unknown pattern is not a write
	got, _ = settings.RemoveCustomSite(ctx, "missing.example", time.UnixMilli(40))
	if got.Version != 3 {
		t.Errorf("Expected Version to stay 3, got %d", got.Version)
	}
}

func TestSettingsStore_ConcurrentCustomSites(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	patterns := []string{"a.example", "b.example", "c.example", "d.example", "e.example", "f.example"}

	var wg sync.WaitGroup
	for i, p := range patterns {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			site := storage.CustomSite{Pattern: p, MediaType: storage.MediaBook}
			if _, err := store.Settings().AddCustomSite(ctx, site, time.UnixMilli(int64(i+1))); err != nil {
				t.Errorf("AddCustomSite(%s) failed: %v", p, err)
			}
		}(i, p)
	}
	wg.Wait()

	got, err := store.Settings().Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.CustomSites) != len(patterns) {
		t.Errorf("Expected %d custom sites, got %d", len(patterns), len(got.CustomSites))
	}
}

func testRecord(id string) storage.CompletionRecord {
	progress := 95.0
	return storage.CompletionRecord{
		ID: id,
		Snapshot: storage.MediaSnapshot{
			Platform:        "youtube",
			MediaType:       storage.MediaVideo,
			Title:           "Test Video " + id,
			SourceURL:       "https://www.youtube.com/watch?v=" + id,
			ProgressPercent: &progress,
			ObservedAtMs:    1000,
		},
		WatchSeconds: 120,
		DetectedAtMs: 1000,
	}
}

func TestCompletionStore_IdempotentEnqueue(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	completions := store.Completions()

	added, badge, err := completions.Enqueue(ctx, testRecord("c1"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if !added || badge != 1 {
		t.Errorf("Expected added=true badge=1, got added=%v badge=%d", added, badge)
	}

	added, badge, err = completions.Enqueue(ctx, testRecord("c1"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if added || badge != 1 {
		t.Errorf("Expected added=false badge=1, got added=%v badge=%d", added, badge)
	}

	list, err := completions.List(ctx, false)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("Expected queue length 1, got %d", len(list))
	}
	if list[0].Snapshot.Title != "Test Video c1" {
		t.Errorf("Expected title round trip, got %q", list[0].Snapshot.Title)
	}
}

func TestCompletionStore_ConcurrentEnqueue(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			added, _, err := store.Completions().Enqueue(ctx, testRecord("same"))
			if err != nil {
				t.Errorf("Enqueue failed: %v", err)
			}
			results[i] = added
		}(i)
	}
	wg.Wait()

	addedCount := 0
	for _, added := range results {
		if added {
			addedCount++
		}
	}
	if addedCount != 1 {
		t.Errorf("Expected exactly one successful enqueue, got %d", addedCount)
	}

	list, _ := store.Completions().List(ctx, true)
	if len(list) != 1 {
		t.Errorf("Expected queue length 1, got %d", len(list))
	}
}

func TestCompletionStore_ClaimMint(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	completions := store.Completions()

	if _, _, err := completions.Enqueue(ctx, testRecord("a")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := completions.ClaimMint(ctx, "missing", time.Minute); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	ok, err := completions.ClaimMint(ctx, "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Expected first claim to succeed, got %v, %v", ok, err)
	}
	if ok, _ := completions.ClaimMint(ctx, "a", time.Minute); ok {
		t.Error("Expected second claim to fail while the first holds")
	}

	if err := completions.ReleaseMint(ctx, "a"); err != nil {
		t.Fatalf("ReleaseMint failed: %v", err)
	}
	if ok, _ := completions.ClaimMint(ctx, "a", time.Minute); !ok {
		t.Error("Expected claim after release to succeed")
	}

	// An abandoned claim expires
	mr.FastForward(2 * time.Minute)
	if ok, _ := completions.ClaimMint(ctx, "a", time.Minute); !ok {
		t.Error("Expected claim after expiry to succeed")
	}

	if _, err := completions.MarkMinted(ctx, "a"); err != nil {
		t.Fatalf("MarkMinted failed: %v", err)
	}
	if mr.Exists("test:completions:minting:a") {
		t.Error("Expected MarkMinted to drop the claim")
	}
	if _, err := completions.ClaimMint(ctx, "a", time.Minute); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for minted record, got %v", err)
	}
}

func TestCompletionStore_DismissAndMint(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	completions := store.Completions()

	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := completions.Enqueue(ctx, testRecord(id)); err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
	}

	badge, err := completions.Dismiss(ctx, "a")
	if err != nil {
		t.Fatalf("Dismiss failed: %v", err)
	}
	if badge != 2 {
		t.Errorf("Expected badge 2, got %d", badge)
	}

	if _, err := completions.Dismiss(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	rec, err := completions.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !rec.Dismissed {
		t.Error("Expected record a to be dismissed")
	}

	active, _ := completions.List(ctx, false)
	if len(active) != 2 {
		t.Errorf("Expected 2 active records, got %d", len(active))
	}
	all, _ := completions.List(ctx, true)
	if len(all) != 3 || all[0].ID != "a" {
		t.Errorf("Expected 3 records in enqueue order, got %+v", all)
	}

	badge, err = completions.MarkMinted(ctx, "b")
	if err != nil {
		t.Fatalf("MarkMinted failed: %v", err)
	}
	if badge != 1 {
		t.Errorf("Expected badge 1 after mint, got %d", badge)
	}

	minted, _ := completions.MintedCount(ctx)
	if minted != 1 {
		t.Errorf("Expected minted count 1, got %d", minted)
	}

	// A reload re-detecting a minted completion must not queue it again
	added, _, _ := completions.Enqueue(ctx, testRecord("b"))
	if added {
		t.Error("Expected minted completion not to be re-queued")
	}

	if _, err := completions.Get(ctx, "b"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for minted record, got %v", err)
	}

	badge, _ = completions.BadgeCount(ctx)
	if badge != 1 {
		t.Errorf("Expected badge count 1, got %d", badge)
	}
}

func TestActiveSessionStore_PrunesUnreadable(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	active := store.ActiveSessions()

	if err := active.Put(ctx, storage.TrackingSession{PageKey: "tab-1", Snapshot: testRecord("x").Snapshot}, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// A mirror entry written by an older build with no media type
	if err := active.Put(ctx, storage.TrackingSession{PageKey: "tab-old"}, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := mr.Set("test:active:tab-junk", "{not json"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := mr.SetAdd("test:active", "tab-junk"); err != nil {
		t.Fatalf("SetAdd failed: %v", err)
	}

	list, err := active.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].PageKey != "tab-1" {
		t.Fatalf("Expected only tab-1, got %+v", list)
	}

	for _, key := range []string{"test:active:tab-old", "test:active:tab-junk"} {
		if mr.Exists(key) {
			t.Errorf("Expected %s to be pruned", key)
		}
	}
	members, _ := mr.Members("test:active")
	if len(members) != 1 || members[0] != "tab-1" {
		t.Errorf("Expected index pruned to tab-1, got %v", members)
	}
}

func TestActiveSessionStore(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	active := store.ActiveSessions()

	session := storage.TrackingSession{
		PageKey:                 "tab-1",
		Snapshot:                testRecord("x").Snapshot,
		StartedAtMs:             1000,
		LastObservedAtMs:        31000,
		AccumulatedWatchSeconds: 30,
	}

	if err := active.Put(ctx, session, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := active.Put(ctx, storage.TrackingSession{PageKey: "tab-2", Snapshot: testRecord("y").Snapshot}, 10*time.Second); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	list, err := active.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(list))
	}

	// Expired mirror entries disappear and are pruned from the index
	mr.FastForward(30 * time.Second)
	list, _ = active.List(ctx)
	if len(list) != 1 || list[0].PageKey != "tab-1" {
		t.Errorf("Expected only tab-1 after expiry, got %+v", list)
	}
	if mr.Exists("test:active") {
		members, _ := mr.Members("test:active")
		if len(members) != 1 {
			t.Errorf("Expected index pruned to 1 member, got %v", members)
		}
	}

	if err := active.Delete(ctx, "tab-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	list, _ = active.List(ctx)
	if len(list) != 0 {
		t.Errorf("Expected no sessions, got %d", len(list))
	}

	_ = active.Put(ctx, session, time.Minute)
	if err := active.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	list, _ = active.List(ctx)
	if len(list) != 0 {
		t.Errorf("Expected no sessions after Clear, got %d", len(list))
	}
}

func TestNamespacesAreIndependent(t *testing.T) {
	mr := miniredis.RunT(t)
	base := config.RedisConfig{Host: mr.Addr(), DialTimeout: "1s", ReadTimeout: "1s", WriteTimeout: "1s"}

	webCfg := base
	webCfg.Namespace = "mediabadge:webapp:"
	web, err := Open(webCfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = web.Close() }()

	extCfg := base
	extCfg.Namespace = "mediabadge:ext:"
	ext, err := Open(extCfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = ext.Close() }()

	ctx := context.Background()
	if _, err := web.Sessions().Merge(ctx, connected(100, "0xaaa")); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	if _, err := ext.Sessions().Get(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected extension store to be empty, got %v", err)
	}
}

func TestWatch(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan storage.Change, 10)
	sub, err := store.Watch(ctx, func(c storage.Change) {
		changes <- c
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer func() { _ = sub.Close() }()

	if _, err := store.Sessions().Merge(ctx, connected(100, "0xaaa")); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if _, _, err := store.Completions().Enqueue(ctx, testRecord("w1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	want := []storage.ChangeKind{storage.ChangeSession, storage.ChangeCompletions, storage.ChangeBadge}
	for i, kind := range want {
		select {
		case c := <-changes:
			if c.Kind != kind {
				t.Errorf("change %d: expected kind %s, got %s", i, kind, c.Kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for change %d (%s)", i, kind)
		}
	}

	// A discarded merge publishes nothing
	if _, err := store.Sessions().Merge(ctx, connected(50, "0xbbb")); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	select {
	case c := <-changes:
		t.Errorf("Expected no change for discarded merge, got %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}
