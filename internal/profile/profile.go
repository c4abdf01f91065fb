// Package profile maps an authentication identity to a stable profile and
// its wallet account.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/mediabadge/internal/storage"
	"github.com/goodtune/mediabadge/internal/wallet"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when no profile matches.
var ErrNotFound = errors.New("profile: not found")

// Profile is one user identity.
type Profile struct {
	Ref         string             `json:"ref"`
	Method      storage.AuthMethod `json:"auth_method"`
	AuthID      string             `json:"auth_id"`
	DisplayName string             `json:"display_name"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Store persists profiles.
type Store interface {
	CreateOrUpdateProfile(ctx context.Context, authID string, method storage.AuthMethod, displayName string) (Profile, error)
	GetProfile(ctx context.Context, method storage.AuthMethod, authID string) (Profile, error)
}

// Pool is the subset of a pgx pool the store uses.
type Pool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps profiles in PostgreSQL.
type PostgresStore struct {
	pool Pool
}

// NewPostgresStore creates a profile store.
func NewPostgresStore(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// CreateOrUpdateProfile upserts on (method, authID). The ref never changes
// once assigned; an empty displayName keeps the stored one.
func (s *PostgresStore) CreateOrUpdateProfile(ctx context.Context, authID string, method storage.AuthMethod, displayName string) (Profile, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO profiles (ref, auth_method, auth_id, display_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (auth_method, auth_id) DO UPDATE
		SET display_name = CASE
				WHEN EXCLUDED.display_name = '' THEN profiles.display_name
				ELSE EXCLUDED.display_name
			END,
			updated_at = now()
		RETURNING ref, auth_method, auth_id, display_name, created_at, updated_at
	`, uuid.NewString(), string(method), authID, displayName)

	p, err := scanProfile(row)
	if err != nil {
		return Profile{}, fmt.Errorf("upsert profile: %w", err)
	}
	return p, nil
}

// GetProfile looks a profile up by identity.
func (s *PostgresStore) GetProfile(ctx context.Context, method storage.AuthMethod, authID string) (Profile, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT ref, auth_method, auth_id, display_name, created_at, updated_at
		FROM profiles
		WHERE auth_method = $1 AND auth_id = $2
	`, string(method), authID)

	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("select profile: %w", err)
	}
	return p, nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var (
		p      Profile
		method string
	)
	if err := row.Scan(&p.Ref, &method, &p.AuthID, &p.DisplayName, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Profile{}, err
	}
	p.Method = storage.AuthMethod(method)
	return p, nil
}

// Wallets hands out the account behind a profile.
type Wallets interface {
	GetOrCreateWallet(ctx context.Context, profileRef string) (wallet.Wallet, error)
}

// LoginResult is what a successful login yields.
type LoginResult struct {
	Profile Profile         `json:"profile"`
	Account storage.Account `json:"account"`
}

// Service logs users in: profile upsert, then wallet bootstrap.
type Service struct {
	profiles Store
	wallets  Wallets
	logger   zerolog.Logger
}

// NewService creates a login service.
func NewService(profiles Store, wallets Wallets, logger zerolog.Logger) *Service {
	return &Service{
		profiles: profiles,
		wallets:  wallets,
		logger:   logger.With().Str("component", "profile").Logger(),
	}
}

// Login resolves (method, authID) to a profile and its account, creating
// both on first login.
func (s *Service) Login(ctx context.Context, method storage.AuthMethod, authID, displayName string) (LoginResult, error) {
	if method == storage.AuthMethodNone || !method.Valid() {
		return LoginResult{}, fmt.Errorf("unsupported auth method %q", method)
	}
	authID = strings.TrimSpace(authID)
	if authID == "" {
		return LoginResult{}, errors.New("auth id is required")
	}
	if method == storage.AuthMethodWallet {
		authID = strings.ToLower(authID)
	}

	p, err := s.profiles.CreateOrUpdateProfile(ctx, authID, method, strings.TrimSpace(displayName))
	if err != nil {
		return LoginResult{}, err
	}

	w, err := s.wallets.GetOrCreateWallet(ctx, p.Ref)
	if err != nil {
		return LoginResult{}, fmt.Errorf("wallet for profile %s: %w", p.Ref, err)
	}

	s.logger.Info().
		Str("profile", p.Ref).
		Str("method", string(method)).
		Str("address", w.Address).
		Msg("Login")

	return LoginResult{
		Profile: p,
		Account: storage.Account{Address: w.Address, Network: w.Network},
	}, nil
}
