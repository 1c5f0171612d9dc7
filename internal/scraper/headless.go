package scraper

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/scrapeq/internal/browser"
	"github.com/JakeFAU/scrapeq/internal/policy/ratelimit"
	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// headlessScraper renders the catalog in the shared browser before extraction.
type headlessScraper struct {
	def      Definition
	renderer browser.Renderer
	limiter  *ratelimit.Limiter
	clock    scrape.Clock
}

func (s *headlessScraper) Scrape(ctx context.Context) (scrape.Result, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, s.def.URL); err != nil {
			return scrape.Result{}, err
		}
	}
	return s.render(ctx)
}

func (s *headlessScraper) render(ctx context.Context) (scrape.Result, error) {
	page, err := s.renderer.Render(ctx, s.def.URL, s.def.WaitSelector)
	if err != nil {
		return scrape.Result{}, err
	}
	if page.StatusCode >= 400 {
		return scrape.Result{}, fmt.Errorf("render %s: status %d", s.def.URL, page.StatusCode)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return scrape.Result{}, fmt.Errorf("parse %s: %w", page.URL, err)
	}
	return scrape.Result{
		Source:    s.def.Name,
		ScrapedAt: s.clock.Now(),
		Products:  s.def.Extract(doc, page.URL),
	}, nil
}
