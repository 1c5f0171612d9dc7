// Package browser renders JavaScript-heavy pages through a shared headless
// Chrome allocator.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ErrDisabled is returned by Disabled.Render.
var ErrDisabled = errors.New("headless browser not configured")

// Config controls the pool.
type Config struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	UserAgent         string        `mapstructure:"user_agent"`
	Locale            string        `mapstructure:"locale"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// Settle is the pause after the wait selector appears, for late XHR content.
	Settle time.Duration `mapstructure:"settle"`
}

// Page is a rendered document.
type Page struct {
	URL        string
	StatusCode int
	Headers    http.Header
	HTML       string
	Duration   time.Duration
}

// Renderer loads url in a browser and returns the rendered DOM once
// waitSelector (or body) is ready.
type Renderer interface {
	Render(ctx context.Context, url, waitSelector string) (Page, error)
}

// Pool shares one Chrome process across scrapes; each Render gets an
// isolated tab. The browser starts on first use and is relaunched if it
// has gone away.
type Pool struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	active      atomic.Int32

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
	launch        func(parent context.Context) (context.Context, context.CancelFunc, error)
}

// NewPool creates a chromedp-backed pool. Chrome launches on first Render.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Locale != "" {
		opts = append(opts, chromedp.Flag("lang", cfg.Locale))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Pool{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		launch:      launchBrowser,
	}, nil
}

// launchBrowser starts Chrome under the allocator. chromedp only spawns the
// process on the first Run against a browser-level context.
func launchBrowser(parent context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel := chromedp.NewContext(parent)
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("launch browser: %w", err)
	}
	return ctx, cancel, nil
}

// browser returns the shared browser context, launching Chrome when none is
// running or the previous one has exited.
func (p *Pool) browser() (context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.browserCtx != nil && p.browserCtx.Err() == nil {
		return p.browserCtx, nil
	}
	if p.browserCancel != nil {
		p.browserCancel()
	}
	if err := p.allocator.Err(); err != nil {
		return nil, fmt.Errorf("browser pool closed: %w", err)
	}
	ctx, cancel, err := p.launch(p.allocator)
	if err != nil {
		p.browserCtx, p.browserCancel = nil, nil
		return nil, err
	}
	p.browserCtx, p.browserCancel = ctx, cancel
	return ctx, nil
}

// Close shuts down the browser process.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.browserCancel != nil {
		p.browserCancel()
		p.browserCtx, p.browserCancel = nil, nil
	}
	p.mu.Unlock()
	p.allocCancel()
}

// Active reports the number of open tabs.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Render navigates a fresh tab to url.
func (p *Pool) Render(ctx context.Context, url, waitSelector string) (Page, error) {
	if err := p.acquire(ctx); err != nil {
		return Page{}, err
	}
	defer p.release()
	p.active.Add(1)
	defer p.active.Add(-1)

	browserCtx, err := p.browser()
	if err != nil {
		return Page{}, err
	}
	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	defer tabCancel()
	// The tab hangs off the shared browser, so tie it to the caller as well.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, p.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := p.run(tabCtx, url, waitSelector)
	if err != nil {
		return Page{}, err
	}
	status, headers, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	return Page{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		HTML:       html,
		Duration:   time.Since(start),
	}, nil
}

func (p *Pool) run(ctx context.Context, url, waitSelector string) (string, string, error) {
	if waitSelector == "" {
		waitSelector = "body"
	}
	var html, finalURL string
	actions := []chromedp.Action{
		p.setupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady(waitSelector, chromedp.ByQuery),
	}
	if p.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(p.cfg.Settle))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("render %s: %w", url, err)
	}
	return html, finalURL, nil
}

func (p *Pool) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if p.cfg.UserAgent != "" {
			override := emulation.SetUserAgentOverride(p.cfg.UserAgent)
			if p.cfg.Locale != "" {
				override = override.WithAcceptLanguage(p.cfg.Locale)
			}
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (p *Pool) acquire(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	select {
	case p.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (p *Pool) release() {
	if p.limiter == nil {
		return
	}
	select {
	case <-p.limiter:
	default:
	}
}

// Disabled is the Renderer used when no browser is configured.
type Disabled struct{}

// Render always fails with ErrDisabled.
func (Disabled) Render(context.Context, string, string) (Page, error) {
	return Page{}, ErrDisabled
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}
