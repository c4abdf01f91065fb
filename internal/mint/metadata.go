package mint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/goodtune/mediabadge/internal/config"
	"github.com/goodtune/mediabadge/internal/storage"
)

// MetadataStore publishes the metadata document for a completion and
// returns its URI.
type MetadataStore interface {
	Put(ctx context.Context, record storage.CompletionRecord) (string, error)
}

// Metadata is the badge metadata document.
type Metadata struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	ExternalURL string      `json:"external_url,omitempty"`
	Attributes  []Attribute `json:"attributes"`
}

// Attribute is one metadata trait.
type Attribute struct {
	TraitType string      `json:"trait_type"`
	Value     interface{} `json:"value"`
}

// NewMetadata builds the metadata document for record.
func NewMetadata(record storage.CompletionRecord) Metadata {
	snap := record.Snapshot
	return Metadata{
		Name:        snap.Title,
		Description: fmt.Sprintf("Completed %s on %s", snap.MediaType, snap.Platform),
		ExternalURL: snap.SourceURL,
		Attributes: []Attribute{
			{TraitType: "media_type", Value: string(snap.MediaType)},
			{TraitType: "platform", Value: snap.Platform},
			{TraitType: "watch_seconds", Value: int64(record.WatchSeconds)},
			{TraitType: "completed_at", Value: time.UnixMilli(record.DetectedAtMs).UTC().Format(time.RFC3339)},
		},
	}
}

// MetadataKey is the object key for a completion's metadata.
func MetadataKey(id string) string {
	return "completions/" + id + ".json"
}

// S3MetadataStore uploads metadata to an S3-compatible bucket.
type S3MetadataStore struct {
	uploader *manager.Uploader
	bucket   string
	baseURL  string
}

// NewS3MetadataStore configures an uploader targeting the object store.
func NewS3MetadataStore(ctx context.Context, cfg config.ObjectStoreConfig) (*S3MetadataStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("metadata store: bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true
	})

	return &S3MetadataStore{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		baseURL:  strings.TrimSuffix(cfg.PublicBaseURL, "/"),
	}, nil
}

// Put uploads the metadata for record and returns its public location.
func (s *S3MetadataStore) Put(ctx context.Context, record storage.CompletionRecord) (string, error) {
	if record.ID == "" {
		return "", fmt.Errorf("metadata store: empty completion id")
	}

	body, err := json.Marshal(NewMetadata(record))
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}

	key := MetadataKey(record.ID)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		ACL:         s3types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("metadata upload %s: %w", key, err)
	}

	if s.baseURL == "" {
		return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
	}
	return fmt.Sprintf("%s/%s", s.baseURL, key), nil
}
