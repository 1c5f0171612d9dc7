// Package scraper provides the named scrapers workers execute: a built-in
// demo and selector-driven catalog scrapers fetched over HTTP or rendered
// in a headless browser.
package scraper

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/scrapeq/internal/browser"
	"github.com/JakeFAU/scrapeq/internal/clock/system"
	"github.com/JakeFAU/scrapeq/internal/policy/ratelimit"
	"github.com/JakeFAU/scrapeq/internal/scrape"
)

// Info describes a registered scraper.
type Info struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Mode        string `json:"mode"`
	URL         string `json:"url,omitempty"`
}

type entry struct {
	info    Info
	scraper scrape.Scraper
}

// Registry maps names to scrapers. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

var _ scrape.Registry = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds s under info.Name. Names must be unique.
func (r *Registry) Register(info Info, s scrape.Scraper) error {
	if info.Name == "" || s == nil {
		return fmt.Errorf("scraper name and implementation are required")
	}
	if info.DisplayName == "" {
		info.DisplayName = info.Name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[info.Name]; exists {
		return fmt.Errorf("scraper %q already registered", info.Name)
	}
	r.entries[info.Name] = entry{info: info, scraper: s}
	return nil
}

// Lookup returns the scraper for name or an ErrUnknownScraper error that
// lists what is available.
func (r *Registry) Lookup(name string) (scrape.Scraper, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q, available: %s", scrape.ErrUnknownScraper, name, strings.Join(r.Names(), ", "))
	}
	return e.scraper, nil
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Infos returns scraper descriptions sorted by name.
func (r *Registry) Infos() []Info {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(names))
	for _, name := range names {
		out = append(out, r.entries[name].info)
	}
	return out
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Deps are shared by the scrapers Build creates.
type Deps struct {
	HTTP     HTTPConfig
	Renderer browser.Renderer
	Clock    scrape.Clock
	// DemoDelay slows the demo scraper down.
	DemoDelay time.Duration
	// OnRateLimitDelay observes politeness waits.
	OnRateLimitDelay ratelimit.DelayObserver
}

// Build registers the demo scraper and one scraper per catalog definition.
func Build(defs []Definition, deps Deps) (*Registry, error) {
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Renderer == nil {
		deps.Renderer = browser.Disabled{}
	}
	limiter := ratelimit.New(ratelimit.Config{RPS: deps.HTTP.RatePerHost, Burst: deps.HTTP.Burst}, deps.OnRateLimitDelay)

	r := NewRegistry()
	if err := r.Register(Info{Name: DemoName, DisplayName: "Demo catalog", Mode: "builtin"},
		demoScraper{delay: deps.DemoDelay, clock: deps.Clock}); err != nil {
		return nil, err
	}

	collector := newCollector(deps.HTTP)
	for i := range defs {
		def := defs[i]
		if err := def.Validate(); err != nil {
			return nil, err
		}
		var s scrape.Scraper
		switch def.Mode {
		case ModeHeadless:
			s = &headlessScraper{def: def, renderer: deps.Renderer, limiter: limiter, clock: deps.Clock}
		case ModeAuto:
			s = &httpScraper{def: def, base: collector, limiter: limiter, clock: deps.Clock,
				fallback: &headlessScraper{def: def, renderer: deps.Renderer, clock: deps.Clock}}
		default:
			s = &httpScraper{def: def, base: collector, limiter: limiter, clock: deps.Clock}
		}
		info := Info{Name: def.Name, DisplayName: def.DisplayName, Mode: def.Mode, URL: def.URL}
		if err := r.Register(info, s); err != nil {
			return nil, err
		}
	}
	return r, nil
}
