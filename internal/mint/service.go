package mint

import (
	"context"
	"fmt"

	"github.com/goodtune/mediabadge/internal/storage"
	"github.com/rs/zerolog"
)

// Receipt describes a successful mint.
type Receipt struct {
	TxHash      string
	MetadataURI string
}

// Chain is the minting endpoint as seen by Service.
type Chain interface {
	MintCompletion(ctx context.Context, account storage.Account, mediaKind, metadataURI string) (string, error)
}

// Service publishes metadata and mints a completion badge.
type Service struct {
	chain    Chain
	metadata MetadataStore
	logger   zerolog.Logger
}

// NewService creates a mint service.
func NewService(chain Chain, metadata MetadataStore, logger zerolog.Logger) *Service {
	return &Service{
		chain:    chain,
		metadata: metadata,
		logger:   logger.With().Str("component", "mint").Logger(),
	}
}

// Mint uploads the metadata for record and mints it to account. Nothing is
// retried here beyond the HTTP client's own policy; the caller decides.
func (s *Service) Mint(ctx context.Context, account storage.Account, record storage.CompletionRecord) (Receipt, error) {
	if account.Address == "" {
		return Receipt{}, fmt.Errorf("mint: account address is required")
	}

	uri, err := s.metadata.Put(ctx, record)
	if err != nil {
		return Receipt{}, fmt.Errorf("mint: %w", err)
	}

	tx, err := s.chain.MintCompletion(ctx, account, string(record.Snapshot.MediaType), uri)
	if err != nil {
		return Receipt{}, fmt.Errorf("mint: %w", err)
	}

	s.logger.Debug().
		Str("completion_id", record.ID).
		Str("metadata_uri", uri).
		Str("tx_hash", tx).
		Msg("Completion minted")

	return Receipt{TxHash: tx, MetadataURI: uri}, nil
}
