// Package results persists scrape output to the store and best-effort archives.
package results

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// NamedSink is an archive destination whose failures are logged but not fatal.
type NamedSink struct {
	Name string
	Sink scrape.ResultSink
}

// Sink writes results to the product store and then to every archive.
type Sink struct {
	store    scrape.ProductStore
	archives []NamedSink
	logger   *zap.Logger
	onFail   func(archive string)
}

var _ scrape.ResultSink = (*Sink)(nil)

// New builds a sink. The store is required; archives are optional.
func New(store scrape.ProductStore, logger *zap.Logger, archives ...NamedSink) (*Sink, error) {
	if store == nil {
		return nil, fmt.Errorf("product store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	kept := make([]NamedSink, 0, len(archives))
	for _, a := range archives {
		if a.Sink != nil {
			kept = append(kept, a)
		}
	}
	return &Sink{store: store, archives: kept, logger: logger}, nil
}

// Save stores result. Only the store write can fail the call.
func (s *Sink) Save(ctx context.Context, result scrape.Result) error {
	n, err := s.store.SaveResults(ctx, result)
	if err != nil {
		return fmt.Errorf("save results: %w", err)
	}
	s.logger.Debug("results stored", zap.String("scraper", result.Source), zap.Int("products", n))
	for _, a := range s.archives {
		if err := a.Sink.Save(ctx, result); err != nil {
			s.logger.Warn("archive failed",
				zap.String("archive", a.Name),
				zap.String("scraper", result.Source),
				zap.Error(err),
			)
			if s.onFail != nil {
				s.onFail(a.Name)
			}
		}
	}
	return nil
}

// OnArchiveFailure registers fn to be called with the archive name after
// each failed archive write.
func (s *Sink) OnArchiveFailure(fn func(archive string)) {
	s.onFail = fn
}

// Archives lists configured archive names.
func (s *Sink) Archives() []string {
	names := make([]string, 0, len(s.archives))
	for _, a := range s.archives {
		names = append(names, a.Name)
	}
	return names
}
