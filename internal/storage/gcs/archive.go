// Package gcs archives scrape results to Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/scrapeq/internal/hash/sha256"
	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// Config captures the parameters required to archive into GCS.
type Config struct {
	Bucket string
	Prefix string
}

// Archive uploads each result as <prefix>/<source>/<timestamp>-<sha256>.json.
type Archive struct {
	client *storage.Client
	bucket string
	prefix string
	hasher *sha256.Hasher
}

// New creates a GCS-backed archive.
func New(client *storage.Client, cfg Config) (*Archive, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		hasher: sha256.New(),
	}, nil
}

// ObjectName returns the object key a result with payload would be written to.
func (a *Archive) ObjectName(source string, scrapedAt time.Time, payload []byte) string {
	name := fmt.Sprintf("%s-%s.json", scrapedAt.UTC().Format("20060102T150405Z"), a.hasher.Short(payload, 16))
	return path.Join(a.prefix, source, name)
}

// Save uploads result and returns nil once the object is finalized.
func (a *Archive) Save(ctx context.Context, result scrape.Result) error {
	_, err := a.Put(ctx, result)
	return err
}

// Put uploads result and returns its gs:// URI.
func (a *Archive) Put(ctx context.Context, result scrape.Result) (string, error) {
	if strings.TrimSpace(result.Source) == "" {
		return "", fmt.Errorf("result source is required")
	}
	if result.ScrapedAt.IsZero() {
		result.ScrapedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	object := a.ObjectName(result.Source, result.ScrapedAt, payload)

	writer := a.client.Bucket(a.bucket).Object(object).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(payload); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
}
