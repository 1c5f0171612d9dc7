package scraper

import (
	"context"
	"time"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// DemoName is the always-available scraper that needs no network access.
const DemoName = "demo"

// demoScraper returns a small fixed catalog after an optional delay, which
// makes it useful for exercising the queue end to end.
type demoScraper struct {
	delay time.Duration
	clock scrape.Clock
}

func (d demoScraper) Scrape(ctx context.Context) (scrape.Result, error) {
	if d.delay > 0 {
		timer := time.NewTimer(d.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return scrape.Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	price := func(v float64) *float64 { return &v }
	return scrape.Result{
		Source:    DemoName,
		ScrapedAt: d.clock.Now(),
		Products: []scrape.Product{
			{Name: "Foam Roller Standard", Price: price(34.90), Currency: "EUR", ItemID: "demo-001", URL: "https://demo.invalid/p/001"},
			{Name: "Massage Ball Duo", Price: price(19.95), Currency: "EUR", ItemID: "demo-002", URL: "https://demo.invalid/p/002"},
			{Name: "Mini Roller", Price: price(24.50), Currency: "EUR", ItemID: "demo-003", URL: "https://demo.invalid/p/003"},
		},
	}, nil
}
