// Package mint talks to the on-chain minting endpoint and publishes the
// metadata documents that minted badges point at.
package mint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goodtune/mediabadge/internal/storage"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds a single mint call
	DefaultTimeout = 30 * time.Second

	// DefaultRetries is how many times a failed call is retried
	DefaultRetries = 3
)

// Client calls the minting endpoint.
type Client struct {
	endpoint string
	http     *retryablehttp.Client
	logger   zerolog.Logger
}

// ClientConfig holds client configuration
type ClientConfig struct {
	Endpoint string
	Timeout  time.Duration
	Retries  int
}

type mintRequest struct {
	Address     string `json:"address"`
	Network     string `json:"network"`
	MediaKind   string `json:"media_kind"`
	MetadataURI string `json:"metadata_uri"`
}

type mintResponse struct {
	TxHash string `json:"tx_hash"`
	Error  string `json:"error,omitempty"`
}

// NewClient creates a mint client.
func NewClient(cfg ClientConfig, logger zerolog.Logger) (*Client, error) {
	endpoint := strings.TrimSuffix(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("mint endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = DefaultRetries
	}

	logger = logger.With().Str("component", "mint-client").Logger()

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.Retries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = leveledLogger{logger}

	return &Client{endpoint: endpoint, http: rc, logger: logger}, nil
}

// MintCompletion mints a badge for mediaKind to account and returns the
// transaction hash.
func (c *Client) MintCompletion(ctx context.Context, account storage.Account, mediaKind, metadataURI string) (string, error) {
	body, err := json.Marshal(mintRequest{
		Address:     account.Address,
		Network:     account.Network,
		MediaKind:   mediaKind,
		MetadataURI: metadataURI,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode mint request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/mint", body)
	if err != nil {
		return "", fmt.Errorf("failed to build mint request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("mint request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read mint response: %w", err)
	}

	var out mintResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("failed to decode mint response: %w", err)
		}
	}

	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return "", fmt.Errorf("mint rejected (%d): %s", resp.StatusCode, out.Error)
		}
		return "", fmt.Errorf("mint rejected with status %d", resp.StatusCode)
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("mint response has no transaction hash")
	}

	c.logger.Info().
		Str("address", account.Address).
		Str("media_kind", mediaKind).
		Str("tx_hash", out.TxHash).
		Msg("Minted completion badge")

	return out.TxHash, nil
}

// leveledLogger routes retryablehttp logging through zerolog.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.event(l.logger.Error(), msg, kv) }
func (l leveledLogger) Warn(msg string, kv ...interface{}) { l.event(l.logger.Warn(), msg, kv) }
func (l leveledLogger) Info(msg string, kv ...interface{}) { l.event(l.logger.Debug(), msg, kv) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.event(l.logger.Trace(), msg, kv) }

func (l leveledLogger) event(e *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		e = e.Interface(fmt.Sprint(kv[i]), kv[i+1])
	}
	e.Msg(msg)
}
