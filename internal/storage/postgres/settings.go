package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

const concurrencyLimitKey = "scraper_concurrency_limit"

// ConcurrencyLimit returns the stored worker concurrency limit or fallback when unset.
func (s *Store) ConcurrencyLimit(ctx context.Context, fallback int) (int, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM app_settings WHERE key = $1`, concurrencyLimitKey,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return fallback, fmt.Errorf("read concurrency limit: %w", err)
	}
	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || limit < 1 {
		return fallback, fmt.Errorf("invalid stored concurrency limit %q", raw)
	}
	return limit, nil
}

// SetConcurrencyLimit persists a new limit.
func (s *Store) SetConcurrencyLimit(ctx context.Context, limit int) error {
	if limit < 1 {
		return scrape.ErrInvalidLimit
	}
	if _, err := s.pool.Exec(ctx, `
INSERT INTO app_settings (key, value, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		concurrencyLimitKey, strconv.Itoa(limit), s.now(),
	); err != nil {
		return fmt.Errorf("write concurrency limit: %w", err)
	}
	return nil
}
