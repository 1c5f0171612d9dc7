// Package local archives scrape results as JSON and CSV files on the local filesystem.
package local

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// Config captures the parameters for the local archive.
type Config struct {
	// BaseDir is the root directory where archive files are written.
	BaseDir string `mapstructure:"local_dir" yaml:"local_dir"`
}

// Archive writes the latest result of each source to <source>_products.json and .csv.
type Archive struct {
	baseDir string
}

type archiveFile struct {
	Source    string           `json:"source"`
	ScrapedAt time.Time        `json:"scraped_at"`
	Count     int              `json:"count"`
	Products  []scrape.Product `json:"products"`
}

// New creates the archive, making sure the base directory exists and is writable.
func New(cfg Config) (*Archive, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Archive{baseDir: cfg.BaseDir}, nil
}

// Dir returns the archive root.
func (a *Archive) Dir() string {
	return a.baseDir
}

// Save overwrites the JSON and CSV snapshots for result.Source.
func (a *Archive) Save(_ context.Context, result scrape.Result) error {
	base, err := a.pathFor(result.Source + "_products")
	if err != nil {
		return err
	}
	scrapedAt := result.ScrapedAt
	if scrapedAt.IsZero() {
		scrapedAt = time.Now().UTC()
	}
	products := result.Products
	if products == nil {
		products = []scrape.Product{}
	}

	payload, err := json.MarshalIndent(archiveFile{
		Source:    result.Source,
		ScrapedAt: scrapedAt,
		Count:     len(products),
		Products:  products,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode archive json: %w", err)
	}
	if err := writeAtomic(base+".json", payload); err != nil {
		return err
	}
	return writeCSV(base+".csv", scrapedAt, products)
}

// pathFor joins name under the base directory and rejects anything that escapes it.
func (a *Archive) pathFor(name string) (string, error) {
	if strings.TrimSpace(name) == "" || name == "_products" {
		return "", fmt.Errorf("result source is required")
	}
	cleanBaseDir := filepath.Clean(a.baseDir)
	fullPath := filepath.Clean(filepath.Join(cleanBaseDir, name))
	if !strings.HasPrefix(fullPath, cleanBaseDir+string(filepath.Separator)) || filepath.Dir(fullPath) != cleanBaseDir {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

func writeCSV(path string, scrapedAt time.Time, products []scrape.Product) error {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write([]string{"name", "price", "currency", "url", "item_id", "scraped_at"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	stamp := scrapedAt.UTC().Format(time.RFC3339)
	for _, p := range products {
		price := ""
		if p.Price != nil {
			price = strconv.FormatFloat(*p.Price, 'f', -1, 64)
		}
		if err := w.Write([]string{p.Name, price, p.Currency, p.URL, p.ItemID, stamp}); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return writeAtomic(path, []byte(sb.String()))
}

// writeAtomic renames a temp file into place so readers never see a partial snapshot.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
