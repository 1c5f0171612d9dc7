package browser

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestNewPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPool(Config{MaxParallel: -1})
	require.Error(t, err)

	pool, err := NewPool(Config{MaxParallel: 2})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.Equal(t, 2, cap(pool.limiter))
	require.Equal(t, 45*time.Second, pool.cfg.NavigationTimeout)
	require.Zero(t, pool.Active())
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(Config{MaxParallel: 1})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, pool.acquire(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, pool.acquire(ctx), context.Canceled)
	pool.release()
	require.NoError(t, pool.acquire(context.Background()))
}

func fakeLaunch(calls *int) func(context.Context) (context.Context, context.CancelFunc, error) {
	return func(parent context.Context) (context.Context, context.CancelFunc, error) {
		*calls++
		ctx, cancel := context.WithCancel(parent)
		return ctx, cancel, nil
	}
}

func TestBrowserSharedAcrossRenders(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(Config{})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	var calls int
	pool.launch = fakeLaunch(&calls)

	first, err := pool.browser()
	require.NoError(t, err)

	var wg sync.WaitGroup
	got := make([]context.Context, 8)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, err := pool.browser()
			if err == nil {
				got[i] = ctx
			}
		}()
	}
	wg.Wait()
	for _, ctx := range got {
		require.Equal(t, first, ctx)
	}
	require.Equal(t, 1, calls)
}

func TestBrowserRelaunchesAfterExit(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(Config{})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	var calls int
	pool.launch = fakeLaunch(&calls)

	first, err := pool.browser()
	require.NoError(t, err)
	pool.browserCancel()

	second, err := pool.browser()
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.NoError(t, second.Err())
	require.Equal(t, 2, calls)
}

func TestBrowserLaunchFailureIsRetried(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(Config{})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	errNoChrome := errors.New("chrome not found")
	pool.launch = func(context.Context) (context.Context, context.CancelFunc, error) {
		return nil, nil, errNoChrome
	}
	_, err = pool.browser()
	require.ErrorIs(t, err, errNoChrome)

	var calls int
	pool.launch = fakeLaunch(&calls)
	_, err = pool.browser()
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestBrowserAfterCloseFails(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(Config{})
	require.NoError(t, err)
	var calls int
	pool.launch = fakeLaunch(&calls)
	pool.Close()

	_, err = pool.browser()
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, calls)
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			URL:     "https://shop.example/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404, URL: "https://shop.example/logo.png"},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 203, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://shop.example/rendered", url)

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)
}

func TestDisabledRenderer(t *testing.T) {
	t.Parallel()

	var r Renderer = Disabled{}
	_, err := r.Render(context.Background(), "https://shop.example", "")
	require.ErrorIs(t, err, ErrDisabled)
}
