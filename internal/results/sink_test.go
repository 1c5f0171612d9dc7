package results

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/scrapeq/internal/scrape"
)

type mockProductStore struct {
	mock.Mock
}

func (m *mockProductStore) SaveResults(ctx context.Context, result scrape.Result) (int, error) {
	args := m.Called(ctx, result)
	return args.Int(0), args.Error(1) //nolint:wrapcheck
}

func (m *mockProductStore) ProductCount(ctx context.Context, source string) (int, error) {
	args := m.Called(ctx, source)
	return args.Int(0), args.Error(1) //nolint:wrapcheck
}

type mockArchive struct {
	mock.Mock
}

func (m *mockArchive) Save(ctx context.Context, result scrape.Result) error {
	args := m.Called(ctx, result)
	return args.Error(0) //nolint:wrapcheck
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestSaveWritesStoreThenArchives(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	result := scrape.Result{Source: "shop", Products: []scrape.Product{{Name: "a"}}}

	store := &mockProductStore{}
	store.On("SaveResults", ctx, result).Return(1, nil).Once()
	local := &mockArchive{}
	local.On("Save", ctx, result).Return(nil).Once()

	sink, err := New(store, nil, NamedSink{Name: "local", Sink: local}, NamedSink{Name: "gcs"})
	require.NoError(t, err)
	require.Equal(t, []string{"local"}, sink.Archives())

	require.NoError(t, sink.Save(ctx, result))
	store.AssertExpectations(t)
	local.AssertExpectations(t)
}

func TestSaveStoreFailureIsFatal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	result := scrape.Result{Source: "shop"}

	store := &mockProductStore{}
	store.On("SaveResults", ctx, result).Return(0, errors.New("disk full")).Once()
	archive := &mockArchive{}

	sink, err := New(store, nil, NamedSink{Name: "local", Sink: archive})
	require.NoError(t, err)

	err = sink.Save(ctx, result)
	require.ErrorContains(t, err, "disk full")
	archive.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestSaveArchiveFailureIsLogged(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	result := scrape.Result{Source: "shop"}

	store := &mockProductStore{}
	store.On("SaveResults", ctx, result).Return(0, nil)
	broken := &mockArchive{}
	broken.On("Save", ctx, result).Return(errors.New("bucket gone"))
	ok := &mockArchive{}
	ok.On("Save", ctx, result).Return(nil)

	core, logs := observer.New(zap.WarnLevel)
	sink, err := New(store, zap.New(core),
		NamedSink{Name: "gcs", Sink: broken},
		NamedSink{Name: "local", Sink: ok},
	)
	require.NoError(t, err)
	var failed []string
	sink.OnArchiveFailure(func(name string) { failed = append(failed, name) })

	require.NoError(t, sink.Save(ctx, result))
	ok.AssertExpectations(t)
	require.Equal(t, []string{"gcs"}, failed)
	entries := logs.FilterMessage("archive failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, "gcs", entries[0].ContextMap()["archive"])
}
