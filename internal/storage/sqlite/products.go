package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// SaveResults appends every product of result as a new history row.
func (s *Store) SaveResults(ctx context.Context, result scrape.Result) (int, error) {
	if result.Source == "" {
		return 0, fmt.Errorf("result source is required")
	}
	scrapedAt := result.ScrapedAt
	if scrapedAt.IsZero() {
		scrapedAt = s.now()
	}
	stamp := formatTime(scrapedAt)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO products (source, scraped_at, name, price, currency, url, item_id, product_key)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare product insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()
		for _, p := range result.Products {
			if _, err := stmt.ExecContext(ctx,
				result.Source,
				stamp,
				p.Name,
				nullFloat(p.Price),
				nullString(p.Currency),
				nullString(p.URL),
				nullString(p.ItemID),
				nullString(scrape.ProductKey(p)),
			); err != nil {
				return fmt.Errorf("insert product: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(result.Products), nil
}

// ProductCount returns how many product rows exist for source, or all rows when source is empty.
func (s *Store) ProductCount(ctx context.Context, source string) (int, error) {
	query := `SELECT COUNT(*) FROM products`
	var args []any
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return n, nil
}
