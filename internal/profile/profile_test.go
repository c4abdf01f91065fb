package profile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/goodtune/mediabadge/internal/database"
	"github.com/goodtune/mediabadge/internal/storage"
	"github.com/goodtune/mediabadge/internal/wallet"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type memStore struct {
	mu       sync.Mutex
	profiles map[string]Profile
	err      error
}

func newMemStore() *memStore {
	return &memStore{profiles: make(map[string]Profile)}
}

func (m *memStore) CreateOrUpdateProfile(ctx context.Context, authID string, method storage.AuthMethod, displayName string) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Profile{}, m.err
	}

	key := string(method) + "/" + authID
	p, ok := m.profiles[key]
	if !ok {
		p = Profile{Ref: fmt.Sprintf("ref-%d", len(m.profiles)+1), Method: method, AuthID: authID}
	}
	if displayName != "" {
		p.DisplayName = displayName
	}
	m.profiles[key] = p
	return p, nil
}

func (m *memStore) GetProfile(ctx context.Context, method storage.AuthMethod, authID string) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[string(method)+"/"+authID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

type memWallets struct {
	err  error
	refs []string
}

func (w *memWallets) GetOrCreateWallet(ctx context.Context, profileRef string) (wallet.Wallet, error) {
	if w.err != nil {
		return wallet.Wallet{}, w.err
	}
	w.refs = append(w.refs, profileRef)
	return wallet.Wallet{ProfileRef: profileRef, Address: "0xaddr-" + profileRef, Network: "testnet"}, nil
}

func TestLogin(t *testing.T) {
	store := newMemStore()
	wallets := &memWallets{}
	svc := NewService(store, wallets, zerolog.Nop())
	ctx := context.Background()

	first, err := svc.Login(ctx, storage.AuthMethodGoogle, "  user@example.com ", "Alice")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if first.Profile.AuthID != "user@example.com" {
		t.Errorf("Expected trimmed auth id, got %q", first.Profile.AuthID)
	}
	if first.Account.Address != "0xaddr-"+first.Profile.Ref || first.Account.Network != "testnet" {
		t.Errorf("Unexpected account: %+v", first.Account)
	}

	second, err := svc.Login(ctx, storage.AuthMethodGoogle, "user@example.com", "")
	if err != nil {
		t.Fatalf("Second login failed: %v", err)
	}
	if second.Profile.Ref != first.Profile.Ref {
		t.Errorf("Expected same profile, got %s and %s", first.Profile.Ref, second.Profile.Ref)
	}
	if second.Profile.DisplayName != "Alice" {
		t.Errorf("Expected display name kept, got %q", second.Profile.DisplayName)
	}

	// Wallet addresses are case-insensitive identities.
	a, err := svc.Login(ctx, storage.AuthMethodWallet, "0xABCdef", "")
	if err != nil {
		t.Fatalf("Wallet login failed: %v", err)
	}
	b, err := svc.Login(ctx, storage.AuthMethodWallet, "0xabcDEF", "")
	if err != nil {
		t.Fatalf("Wallet login failed: %v", err)
	}
	if a.Profile.Ref != b.Profile.Ref {
		t.Error("Expected wallet identities to match case-insensitively")
	}
}

func TestLogin_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		method  storage.AuthMethod
		authID  string
		store   error
		wallets error
	}{
		{name: "none method", method: storage.AuthMethodNone, authID: "x"},
		{name: "unknown method", method: "carrier-pigeon", authID: "x"},
		{name: "empty auth id", method: storage.AuthMethodGoogle, authID: "   "},
		{name: "store failure", method: storage.AuthMethodGoogle, authID: "x", store: errors.New("db down")},
		{name: "wallet failure", method: storage.AuthMethodGoogle, authID: "x", wallets: errors.New("sealer broken")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.err = tt.store
			svc := NewService(store, &memWallets{err: tt.wallets}, zerolog.Nop())

			if _, err := svc.Login(context.Background(), tt.method, tt.authID, ""); err == nil {
				t.Error("Expected login to fail")
			}
		})
	}
}

// testDatabase connects to MEDIABADGE_TEST_DATABASE_URL or skips.
func testDatabase(t *testing.T) *database.DB {
	t.Helper()
	url := os.Getenv("MEDIABADGE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MEDIABADGE_TEST_DATABASE_URL not set")
	}
	db, err := database.New(context.Background(), url)
	if err != nil {
		t.Fatalf("database.New failed: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func TestPostgresStore(t *testing.T) {
	db := testDatabase(t)
	store := NewPostgresStore(db)
	ctx := context.Background()
	authID := uuid.NewString() + "@example.com"

	if _, err := store.GetProfile(ctx, storage.AuthMethodGoogle, authID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	created, err := store.CreateOrUpdateProfile(ctx, authID, storage.AuthMethodGoogle, "Alice")
	if err != nil {
		t.Fatalf("CreateOrUpdateProfile failed: %v", err)
	}
	if created.Ref == "" || created.Method != storage.AuthMethodGoogle {
		t.Errorf("Unexpected profile: %+v", created)
	}

	updated, err := store.CreateOrUpdateProfile(ctx, authID, storage.AuthMethodGoogle, "")
	if err != nil {
		t.Fatalf("Second CreateOrUpdateProfile failed: %v", err)
	}
	if updated.Ref != created.Ref || updated.DisplayName != "Alice" {
		t.Errorf("Expected stable ref and kept name, got %+v", updated)
	}

	got, err := store.GetProfile(ctx, storage.AuthMethodGoogle, authID)
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if got.Ref != created.Ref {
		t.Errorf("Expected ref %s, got %s", created.Ref, got.Ref)
	}
}

func TestPostgresLogin(t *testing.T) {
	db := testDatabase(t)
	sealer, err := wallet.NewSealer("test-secret")
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	svc := NewService(NewPostgresStore(db), wallet.NewStore(db, sealer, "testnet", zerolog.Nop()), zerolog.Nop())
	ctx := context.Background()
	authID := uuid.NewString()

	first, err := svc.Login(ctx, storage.AuthMethodGoogle, authID, "Bob")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	second, err := svc.Login(ctx, storage.AuthMethodGoogle, authID, "Bob")
	if err != nil {
		t.Fatalf("Second login failed: %v", err)
	}
	if first.Account.Address != second.Account.Address {
		t.Errorf("Expected stable address, got %s and %s", first.Account.Address, second.Account.Address)
	}
}
