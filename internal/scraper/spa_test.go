package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapeq/internal/browser"
)

func TestLooksClientRendered(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"empty", "  \n", true},
		{"next shell", `<html><body><div id="__next"></div></body></html>`, true},
		{"react root", `<div data-reactroot="">`, true},
		{"script heavy", `<html><script>` + strings.Repeat("x", 400) + `</script><p>hi</p></html>`, true},
		{"unterminated script", `<p>a</p><script>` + strings.Repeat("y", 100), true},
		{"plain catalog", catalogHTML, false},
		{"large script page", `<html>` + strings.Repeat("<p>text</p>", 400) + `<script>x</script></html>`, false},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, looksClientRendered([]byte(tc.body)), tc.name)
	}
}

func TestAutoModePromotesApplicationShell(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div id="root"></div><script src="/app.js"></script></body></html>`))
	}))
	t.Cleanup(srv.Close)

	renderer := &fakeRenderer{page: browser.Page{StatusCode: http.StatusOK, HTML: catalogHTML}}
	r, err := Build([]Definition{catalogDef("shell", srv.URL, ModeAuto)}, Deps{Renderer: renderer, Clock: fixedClock{}})
	require.NoError(t, err)
	s, err := r.Lookup("shell")
	require.NoError(t, err)

	res, err := s.Scrape(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Products, 3)
}

func TestAutoModeKeepsServerRenderedResult(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(catalogHTML))
	}))
	t.Cleanup(srv.Close)

	r, err := Build([]Definition{catalogDef("ssr", srv.URL, ModeAuto)}, Deps{Clock: fixedClock{}})
	require.NoError(t, err)
	s, err := r.Lookup("ssr")
	require.NoError(t, err)

	res, err := s.Scrape(context.Background())
	require.NoError(t, err, "the disabled renderer is never reached")
	require.Len(t, res.Products, 3)
}
