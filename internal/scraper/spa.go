package scraper

import (
	"bytes"
)

// smallBodyThreshold is the size below which a script-heavy page is
// assumed to be an application shell.
const smallBodyThreshold = 2048

var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="__nuxt"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// looksClientRendered reports whether an HTTP body probably needs a browser
// to produce its catalog markup.
func looksClientRendered(body []byte) bool {
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range spaMarkers {
		if bytes.Contains(lower, bytes.ToLower(marker)) {
			return true
		}
	}
	return len(body) < smallBodyThreshold && scriptShare(lower) >= 25
}

// scriptShare is the percentage of lower occupied by <script> elements.
// An unterminated script runs to the end of the document.
func scriptShare(lower []byte) int {
	open, closing := []byte("<script"), []byte("</script>")
	covered := 0
	rest := lower
	for {
		start := bytes.Index(rest, open)
		if start < 0 {
			break
		}
		end := bytes.Index(rest[start:], closing)
		if end < 0 {
			covered += len(rest) - start
			break
		}
		span := end + len(closing)
		covered += span
		rest = rest[start+span:]
	}
	if len(lower) == 0 {
		return 0
	}
	return covered * 100 / len(lower)
}
