package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

const insertProduct = `
INSERT INTO products (source, scraped_at, name, price, currency, url, item_id, product_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// SaveResults appends every product of result in one batch.
func (s *Store) SaveResults(ctx context.Context, result scrape.Result) (int, error) {
	if result.Source == "" {
		return 0, fmt.Errorf("result source is required")
	}
	if len(result.Products) == 0 {
		return 0, nil
	}
	scrapedAt := result.ScrapedAt.UTC()
	if result.ScrapedAt.IsZero() {
		scrapedAt = s.now()
	}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range result.Products {
			batch.Queue(insertProduct,
				result.Source,
				scrapedAt,
				p.Name,
				floatArg(p.Price),
				nullable(p.Currency),
				nullable(p.URL),
				nullable(p.ItemID),
				nullable(scrape.ProductKey(p)),
			)
		}
		br := tx.SendBatch(ctx, batch)
		for range result.Products {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert product: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("close product batch: %w", err)
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
		query += ` WHERE source = $1`
		args = append(args, source)
	}
	var n int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return int(n), nil
}
