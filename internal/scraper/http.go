package scraper

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/scrapeq/internal/policy/ratelimit"
	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// HTTPConfig controls plain HTTP catalog fetches.
type HTTPConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	RatePerHost   float64       `mapstructure:"rate_per_host"`
	Burst         int           `mapstructure:"burst"`
}

// httpScraper fetches a catalog page with colly and extracts it with goquery.
type httpScraper struct {
	def     Definition
	base    *colly.Collector
	limiter *ratelimit.Limiter
	clock   scrape.Clock
	// fallback re-renders client-side pages. Nil disables promotion.
	fallback *headlessScraper
}

type collyPage struct {
	url  string
	body []byte
	err  error
}

func newCollector(cfg HTTPConfig) *colly.Collector {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c.SetRequestTimeout(timeout)
	c.WithTransport(newHTTPTransport())
	return c
}

func (s *httpScraper) Scrape(ctx context.Context) (scrape.Result, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, s.def.URL); err != nil {
			return scrape.Result{}, err
		}
	}
	page, err := s.fetch(ctx)
	if err != nil {
		return scrape.Result{}, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.body))
	if err != nil {
		return scrape.Result{}, fmt.Errorf("parse %s: %w", page.url, err)
	}
	products := s.def.Extract(doc, page.url)
	if len(products) == 0 && s.fallback != nil && looksClientRendered(page.body) {
		return s.fallback.render(ctx)
	}
	return scrape.Result{
		Source:    s.def.Name,
		ScrapedAt: s.clock.Now(),
		Products:  products,
	}, nil
}

// fetch visits the catalog URL on a cloned collector so per-call callbacks
// never leak between scrapes.
func (s *httpScraper) fetch(ctx context.Context) (collyPage, error) {
	collector := s.base.Clone()
	done := make(chan collyPage, 1)
	go func() {
		var page collyPage
		collector.OnResponse(func(r *colly.Response) {
			page.url = r.Request.URL.String()
			page.body = append([]byte(nil), r.Body...)
		})
		collector.OnError(func(r *colly.Response, err error) {
			if r != nil && r.StatusCode != 0 {
				page.err = fmt.Errorf("status %d: %w", r.StatusCode, err)
				return
			}
			page.err = err
		})
		if err := collector.Visit(s.def.URL); err != nil && page.err == nil {
			page.err = err
		}
		done <- page
	}()

	select {
	case <-ctx.Done():
		return collyPage{}, fmt.Errorf("fetch %s canceled: %w", s.def.URL, ctx.Err())
	case page := <-done:
		if page.err != nil {
			return collyPage{}, fmt.Errorf("fetch %s: %w", s.def.URL, page.err)
		}
		return page, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
