package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

const concurrencyLimitKey = "scraper_concurrency_limit"

// ConcurrencyLimit returns the stored worker concurrency limit or fallback when unset.
func (s *Store) ConcurrencyLimit(ctx context.Context, fallback int) (int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM app_settings WHERE key = ?`, concurrencyLimitKey,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
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

// SetConcurrencyLimit persists a new limit. Workers pick it up on their next loop.
func (s *Store) SetConcurrencyLimit(ctx context.Context, limit int) error {
	if limit < 1 {
		return scrape.ErrInvalidLimit
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO app_settings (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		concurrencyLimitKey, strconv.Itoa(limit), formatTime(s.now()),
	); err != nil {
		return fmt.Errorf("write concurrency limit: %w", err)
	}
	return nil
}
