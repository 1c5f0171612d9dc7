package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://shop.example/path", "shop.example"},
		{"standard https", "https://Shop.Example/path", "shop.example"},
		{"no scheme", "shop.example/path", "shop.example"},
		{"just host", "shop.example", "shop.example"},
		{"host with port", "shop.example:8080", "shop.example"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeHost(tc.input))
		})
	}
}

func FuzzSanitizeHost(f *testing.F) {
	for _, tc := range []string{"http://shop.example", "https://google.com", "ftp://shop.example"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeHost(orig) == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}

func TestObserveHelpers(t *testing.T) {
	Init()
	Init()

	ObserveRateLimitDelay("https://Rate.Example/x", 300*time.Millisecond)
	require.Equal(t, 1, testutil.CollectAndCount(rateLimitDelaySeconds))

	before := testutil.ToFloat64(archiveFailuresTotal.WithLabelValues("gcs"))
	ObserveArchiveFailure("gcs")
	require.Equal(t, before+1, testutil.ToFloat64(archiveFailuresTotal.WithLabelValues("gcs")))
}

type fakeSource struct {
	qs    scrape.QueueStatus
	err   error
	limit int
}

func (f fakeSource) QueueStatus(context.Context) (scrape.QueueStatus, error) {
	return f.qs, f.err
}

func (f fakeSource) ConcurrencyLimit(_ context.Context, fallback int) (int, error) {
	if f.limit == 0 {
		return fallback, nil
	}
	return f.limit, nil
}

func TestQueueCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	c := NewQueueCollector(fakeSource{
		qs:    scrape.QueueStatus{Pending: 4, Running: 2, Completed: 10, Failed: 1},
		limit: 3,
	}, 10)
	require.NoError(t, reg.Register(c))

	expected := `
# HELP scrapeq_concurrency_limit Global cap on running jobs.
# TYPE scrapeq_concurrency_limit gauge
scrapeq_concurrency_limit 3
# HELP scrapeq_queue_jobs Jobs in the durable queue by status.
# TYPE scrapeq_queue_jobs gauge
scrapeq_queue_jobs{status="completed"} 10
scrapeq_queue_jobs{status="failed"} 1
scrapeq_queue_jobs{status="pending"} 4
scrapeq_queue_jobs{status="running"} 2
# HELP scrapeq_store_up Whether the last queue read succeeded.
# TYPE scrapeq_store_up gauge
scrapeq_store_up 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))
}

func TestQueueCollectorStoreDown(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewQueueCollector(fakeSource{err: errors.New("locked")}, 10)))

	expected := `
# HELP scrapeq_store_up Whether the last queue read succeeded.
# TYPE scrapeq_store_up gauge
scrapeq_store_up 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))
}
