// Package wallet generates and stores the custodial signing key behind a
// profile's on-chain account.
package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/sha3"
)

// ErrNotFound is returned when a profile has no wallet.
var ErrNotFound = errors.New("wallet: not found")

// Wallet is a profile's account. PrivateKey is exportable key material;
// the rest of the system only reads Address.
type Wallet struct {
	ProfileRef string
	Address    string
	Network    string
	PrivateKey ed25519.PrivateKey
}

// Address derives the account address of pub: the last 20 bytes of its
// Keccak-256 digest, hex encoded with a 0x prefix.
func Address(pub ed25519.PublicKey) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub)
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[len(sum)-20:])
}

// Pool is the subset of a pgx pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store keeps one sealed key per profile in PostgreSQL.
type Store struct {
	pool    Pool
	sealer  *Sealer
	network string
	rand    io.Reader
	logger  zerolog.Logger
}

// NewStore creates a wallet store.
func NewStore(pool Pool, sealer *Sealer, network string, logger zerolog.Logger) *Store {
	return &Store{
		pool:    pool,
		sealer:  sealer,
		network: network,
		rand:    rand.Reader,
		logger:  logger.With().Str("component", "wallet").Logger(),
	}
}

// GetOrCreateWallet returns the wallet of profileRef, generating one on
// first use. Concurrent first calls converge on a single key.
func (s *Store) GetOrCreateWallet(ctx context.Context, profileRef string) (Wallet, error) {
	if profileRef == "" {
		return Wallet{}, errors.New("wallet: profile ref is required")
	}

	w, err := s.GetWallet(ctx, profileRef)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Wallet{}, err
	}

	pub, priv, err := ed25519.GenerateKey(s.rand)
	if err != nil {
		return Wallet{}, fmt.Errorf("generate key: %w", err)
	}
	sealed, err := s.sealer.Seal(priv.Seed())
	if err != nil {
		return Wallet{}, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO wallets (profile_ref, address, network, sealed_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (profile_ref) DO NOTHING
	`, profileRef, Address(pub), s.network, sealed)
	if err != nil {
		return Wallet{}, fmt.Errorf("insert wallet: %w", err)
	}
	if tag.RowsAffected() == 1 {
		s.logger.Info().Str("profile", profileRef).Str("address", Address(pub)).Msg("Created wallet")
	}

	// Another caller may have won the insert; read back whichever key stands.
	return s.GetWallet(ctx, profileRef)
}

// GetWallet loads and unseals the wallet of profileRef.
func (s *Store) GetWallet(ctx context.Context, profileRef string) (Wallet, error) {
	var (
		w      = Wallet{ProfileRef: profileRef}
		sealed []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT address, network, sealed_key
		FROM wallets
		WHERE profile_ref = $1
	`, profileRef).Scan(&w.Address, &w.Network, &sealed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, fmt.Errorf("select wallet: %w", err)
	}

	seed, err := s.sealer.Open(sealed)
	if err != nil {
		return Wallet{}, err
	}
	if len(seed) != ed25519.SeedSize {
		return Wallet{}, fmt.Errorf("wallet: stored seed has %d bytes", len(seed))
	}
	w.PrivateKey = ed25519.NewKeyFromSeed(seed)

	if got := Address(w.PrivateKey.Public().(ed25519.PublicKey)); got != w.Address {
		return Wallet{}, fmt.Errorf("wallet: stored key does not match address %s", w.Address)
	}
	return w, nil
}
