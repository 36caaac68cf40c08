package pricesync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"pricefeed/internal/prices"
)

var fixedNow = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

func newSync(t *testing.T, f Fetcher, st Store, opts Options) *Synchronizer {
	t.Helper()
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Millisecond
	}
	if opts.Interval == 0 {
		opts.Interval = time.Hour
	}
	opts.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Now = func() time.Time { return fixedNow }
	s := New(t.Context(), f, st, opts)
	t.Cleanup(s.Stop)
	return s
}

func waitIdle(t *testing.T, s *Synchronizer) {
	t.Helper()
	require.Eventually(t, func() bool { return !s.Snapshot().Loading }, 2*time.Second, 5*time.Millisecond)
}

func TestNew_HydratesPersistedOverSeed(t *testing.T) {
	t.Parallel()

	// Arrange
	st := NewMemoryStore()
	require.NoError(t, st.Save(t.Context(), Persisted{
		Prices:     prices.PriceMap{prices.SPY: {Price: 555}, prices.XAUUSD: {Price: 2400}},
		LastUpdate: fixedNow,
	}))

	// Act
	s := newSync(t, nil, st, Options{})

	// Assert: persisted symbols win, the rest come from the seed.
	snap := s.Snapshot()
	require.Len(t, snap.Prices, len(prices.Supported()))
	require.Equal(t, 555.0, snap.Prices[prices.SPY].Price)
	require.Equal(t, 2400.0, snap.Prices[prices.XAUUSD].Price)
	require.Equal(t, prices.Seed()[prices.AAPL], snap.Prices[prices.AAPL])
	require.True(t, snap.LastUpdate.Equal(fixedNow))
	require.True(t, snap.Visible)
	require.False(t, snap.Polling)
}

func TestNew_CorruptBlobFallsBackToSeed(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	st.Put(KeyPriceCache, "{not json")

	s := newSync(t, nil, st, Options{})

	snap := s.Snapshot()
	require.Equal(t, prices.Seed(), snap.Prices)
	require.True(t, snap.LastUpdate.IsZero())
	require.Empty(t, snap.Error)
}

func TestNew_StoreLoadErrorFallsBackToSeed(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	st := NewMockStore(ctrl)
	st.EXPECT().Load(gomock.Any()).Return(Persisted{}, &prices.PersistenceError{Op: "load", Err: errors.New("disk gone")})

	s := newSync(t, nil, st, Options{})

	require.Equal(t, prices.Seed(), s.Snapshot().Prices)
}

func TestFetchPrices_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	// Arrange: two transient failures, then a partial map.
	ctrl := gomock.NewController(t)
	f := NewMockFetcher(ctrl)
	gomock.InOrder(
		f.EXPECT().FetchPrices(gomock.Any()).Return(nil, &prices.UpstreamError{Provider: "aggregator", StatusCode: 502}),
		f.EXPECT().FetchPrices(gomock.Any()).Return(nil, errors.New("connection reset")),
		f.EXPECT().FetchPrices(gomock.Any()).Return(prices.PriceMap{prices.SPY: {Price: 560}}, nil),
	)
	st := NewMemoryStore()
	s := newSync(t, f, st, Options{MaxAttempts: 3})

	// Act
	err := s.FetchPrices(t.Context())

	// Assert
	require.NoError(t, err)
	snap := s.Snapshot()
	require.Equal(t, 560.0, snap.Prices[prices.SPY].Price)
	require.Equal(t, prices.Seed()[prices.EURUSD], snap.Prices[prices.EURUSD])
	require.Empty(t, snap.Error)
	require.Equal(t, prices.KindNone, snap.ErrorKind)
	require.True(t, snap.LastUpdate.Equal(fixedNow))
	require.False(t, snap.Loading)

	persisted, err := st.Load(t.Context())
	require.NoError(t, err)
	require.Equal(t, snap.Prices, persisted.Prices)
	require.True(t, persisted.LastUpdate.Equal(fixedNow))
}

func TestFetchPrices_ExhaustedRetriesKeepCache(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	f := NewMockFetcher(ctrl)
	f.EXPECT().FetchPrices(gomock.Any()).Return(nil, errors.New("boom")).Times(3)
	s := newSync(t, f, nil, Options{MaxAttempts: 3})

	err := s.FetchPrices(t.Context())

	require.Error(t, err)
	snap := s.Snapshot()
	require.Equal(t, prices.Seed(), snap.Prices)
	require.Equal(t, prices.KindUpstream, snap.ErrorKind)
	require.Contains(t, snap.Error, "boom")
	require.True(t, snap.LastUpdate.IsZero())
}

func TestFetchPrices_EmptyResultIsRetried(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	f := NewMockFetcher(ctrl)
	gomock.InOrder(
		f.EXPECT().FetchPrices(gomock.Any()).Return(prices.PriceMap{prices.SPY: {Price: 0}}, nil),
		f.EXPECT().FetchPrices(gomock.Any()).Return(prices.PriceMap{prices.AAPL: {Price: 212.5}}, nil),
	)
	s := newSync(t, f, nil, Options{MaxAttempts: 3})

	require.NoError(t, s.FetchPrices(t.Context()))
	snap := s.Snapshot()
	require.Equal(t, 212.5, snap.Prices[prices.AAPL].Price)
	require.Equal(t, prices.Seed()[prices.SPY], snap.Prices[prices.SPY], "zero price must never overwrite the cache")
}

func TestFetchPrices_ErrorClearedByNextSuccess(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	f := NewMockFetcher(ctrl)
	gomock.InOrder(
		f.EXPECT().FetchPrices(gomock.Any()).Return(nil, errors.New("boom")),
		f.EXPECT().FetchPrices(gomock.Any()).Return(prices.PriceMap{prices.SPY: {Price: 541}}, nil),
	)
	s := newSync(t, f, nil, Options{MaxAttempts: 1})

	require.Error(t, s.FetchPrices(t.Context()))
	require.NotEmpty(t, s.Snapshot().Error)

	require.NoError(t, s.FetchPrices(t.Context()))
	require.Empty(t, s.Snapshot().Error)
}

func TestFetchPrices_PersistFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	f := NewMockFetcher(ctrl)
	f.EXPECT().FetchPrices(gomock.Any()).Return(prices.PriceMap{prices.SPY: {Price: 541}}, nil)
	st := NewMockStore(ctrl)
	st.EXPECT().Load(gomock.Any()).Return(Persisted{}, nil)
	st.EXPECT().Save(gomock.Any(), gomock.Any()).Return(&prices.PersistenceError{Op: "save", Err: errors.New("quota")})
	s := newSync(t, f, st, Options{})

	require.NoError(t, s.FetchPrices(t.Context()))
	require.Equal(t, 541.0, s.Snapshot().Prices[prices.SPY].Price)
	require.Empty(t, s.Snapshot().Error)
}

func TestRateLimit_SuppressesFurtherRequests(t *testing.T) {
	t.Parallel()

	// Arrange: a single rate-limited response; any further call fails the test.
	ctrl := gomock.NewController(t)
	f := NewMockFetcher(ctrl)
	f.EXPECT().FetchPrices(gomock.Any()).
		Return(nil, &prices.UpstreamError{Provider: "aggregator", StatusCode: 429, RateLimited: true}).
		Times(1)
	s := newSync(t, f, nil, Options{MaxAttempts: 3})

	// Act
	require.NoError(t, s.Start(t.Context()))
	waitIdle(t, s)

	// Assert: no retries, polling off, cache untouched.
	snap := s.Snapshot()
	require.True(t, snap.RateLimited)
	require.False(t, snap.Polling)
	require.Equal(t, prices.KindRateLimited, snap.ErrorKind)
	require.Equal(t, rateLimitedMessage, snap.Error)
	require.Equal(t, prices.Seed(), snap.Prices)

	require.ErrorIs(t, s.Refresh(t.Context()), prices.ErrRateLimited)
	s.SetVisible(false)
	s.SetVisible(true)
	require.False(t, s.Snapshot().Polling)
}

func TestRateLimit_PushedUpdatesStillApply(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	f := NewMockFetcher(ctrl)
	f.EXPECT().FetchPrices(gomock.Any()).
		Return(nil, &prices.UpstreamError{RateLimited: true})
	s := newSync(t, f, nil, Options{})

	require.Error(t, s.FetchPrices(t.Context()))
	require.True(t, s.Apply(prices.PriceMap{prices.BTCUSD: {Price: 70000}}, fixedNow))

	snap := s.Snapshot()
	require.Equal(t, 70000.0, snap.Prices[prices.BTCUSD].Price)
	require.True(t, snap.RateLimited)
	require.Equal(t, rateLimitedMessage, snap.Error)
}

func TestConfigurationError_StopsPolling(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	f := NewMockFetcher(ctrl)
	f.EXPECT().FetchPrices(gomock.Any()).
		Return(nil, &prices.ConfigurationError{Key: "aggregator", Msg: "TWELVE_DATA_API_KEY is not set"}).
		Times(1)
	s := newSync(t, f, nil, Options{MaxAttempts: 3})

	require.NoError(t, s.Start(t.Context()))
	waitIdle(t, s)

	snap := s.Snapshot()
	require.Equal(t, prices.KindConfiguration, snap.ErrorKind)
	require.False(t, snap.Polling)
	s.SetVisible(false)
	s.SetVisible(true)
	require.False(t, s.Snapshot().Polling)
}

func TestStart_MisconfiguredFetcherMakesNoRequest(t *testing.T) {
	t.Parallel()

	f := NewHTTPFetcher("", nil, time.Second)
	s := newSync(t, f, nil, Options{})

	err := s.Start(t.Context())

	require.True(t, prices.IsConfiguration(err))
	snap := s.Snapshot()
	require.Equal(t, prices.KindConfiguration, snap.ErrorKind)
	require.Contains(t, snap.Error, "AGGREGATOR_URL")
	require.False(t, snap.Polling)
	require.False(t, snap.Loading)
	require.Equal(t, prices.Seed(), snap.Prices)
}

func TestVisibility_PausesAndResumes(t *testing.T) {
	t.Parallel()

	// Arrange: one fetch on start, one on resume. Nothing else.
	ctrl := gomock.NewController(t)
	f := NewMockFetcher(ctrl)
	f.EXPECT().FetchPrices(gomock.Any()).Return(prices.PriceMap{prices.SPY: {Price: 550}}, nil).Times(2)
	s := newSync(t, f, nil, Options{})

	require.NoError(t, s.Start(t.Context()))
	waitIdle(t, s)
	require.True(t, s.Snapshot().Polling)

	// Act: hide twice, then show twice.
	s.SetVisible(false)
	s.SetVisible(false)
	snap := s.Snapshot()
	require.False(t, snap.Visible)
	require.False(t, snap.Polling)

	s.SetVisible(true)
	waitIdle(t, s)
	s.SetVisible(true)
	waitIdle(t, s)

	// Assert
	snap = s.Snapshot()
	require.True(t, snap.Visible)
	require.True(t, snap.Polling)
	require.Equal(t, 550.0, snap.Prices[prices.SPY].Price)
}

func TestVisibility_LateCompletionAfterHideIsMerged(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	f := NewMockFetcher(ctrl)
	started := make(chan struct{})
	release := make(chan struct{})
	f.EXPECT().FetchPrices(gomock.Any()).DoAndReturn(func(context.Context) (prices.PriceMap, error) {
		close(started)
		<-release
		return prices.PriceMap{prices.SPY: {Price: 600}}, nil
	})
	s := newSync(t, f, nil, Options{})

	errc := make(chan error, 1)
	go func() { errc <- s.FetchPrices(t.Context()) }()
	<-started

	s.SetVisible(false)
	close(release)

	require.NoError(t, <-errc)
	snap := s.Snapshot()
	require.Equal(t, 600.0, snap.Prices[prices.SPY].Price)
	require.False(t, snap.Visible)
	require.False(t, snap.Polling)
}

func TestFetchPrices_OverlappingTriggersMakeOneRequest(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	f := NewMockFetcher(ctrl)
	started := make(chan struct{})
	release := make(chan struct{})
	f.EXPECT().FetchPrices(gomock.Any()).DoAndReturn(func(context.Context) (prices.PriceMap, error) {
		close(started)
		<-release
		return prices.PriceMap{prices.AAPL: {Price: 215}}, nil
	}).Times(1)
	s := newSync(t, f, nil, Options{})

	errc := make(chan error, 1)
	go func() { errc <- s.FetchPrices(t.Context()) }()
	<-started

	require.True(t, s.Snapshot().Loading)
	require.ErrorIs(t, s.FetchPrices(t.Context()), ErrCycleInFlight)
	require.ErrorIs(t, s.Refresh(t.Context()), ErrCycleInFlight)

	close(release)
	require.NoError(t, <-errc)
	require.False(t, s.Snapshot().Loading)
}

func TestTimer_PollsAtInterval(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	f := NewMockFetcher(ctrl)
	calls := make(chan struct{}, 16)
	f.EXPECT().FetchPrices(gomock.Any()).DoAndReturn(func(context.Context) (prices.PriceMap, error) {
		calls <- struct{}{}
		return prices.PriceMap{prices.SPY: {Price: 550}}, nil
	}).MinTimes(3)
	s := newSync(t, f, nil, Options{Interval: 20 * time.Millisecond})

	require.NoError(t, s.Start(t.Context()))
	for range 3 {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("timer did not fire")
		}
	}
	s.Stop()
	require.False(t, s.Snapshot().Polling)
}

func TestApply_MergesValidEntriesAndPersists(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	s := newSync(t, nil, st, Options{})
	at := fixedNow.Add(time.Minute)

	ok := s.Apply(prices.PriceMap{
		prices.EURUSD: {Price: 1.1},
		prices.GBPUSD: {Price: -1},
		"DOGE/USD":    {Price: 0.2},
	}, at)

	require.True(t, ok)
	snap := s.Snapshot()
	require.Equal(t, 1.1, snap.Prices[prices.EURUSD].Price)
	require.Equal(t, prices.Seed()[prices.GBPUSD], snap.Prices[prices.GBPUSD])
	require.NotContains(t, snap.Prices, prices.Symbol("DOGE/USD"))
	require.True(t, snap.LastUpdate.Equal(at))

	persisted, err := st.Load(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1.1, persisted.Prices[prices.EURUSD].Price)

	require.False(t, s.Apply(prices.PriceMap{prices.SPY: {Price: 0}}, at))
}

func TestSubscribe_DeliversLatestSnapshot(t *testing.T) {
	t.Parallel()

	s := newSync(t, nil, nil, Options{})
	ch, cancel := s.Subscribe()

	s.Apply(prices.PriceMap{prices.SPY: {Price: 500}}, fixedNow)
	s.Apply(prices.PriceMap{prices.SPY: {Price: 501}}, fixedNow)

	snap := <-ch
	require.Equal(t, 501.0, snap.Prices[prices.SPY].Price)

	cancel()
	_, open := <-ch
	require.False(t, open)
}

func TestStop_ClosesSubscribersAndRejectsCycles(t *testing.T) {
	t.Parallel()

	s := newSync(t, nil, nil, Options{})
	ch, _ := s.Subscribe()

	s.Stop()
	s.Stop()

	_, open := <-ch
	require.False(t, open)
	require.ErrorIs(t, s.FetchPrices(t.Context()), ErrStopped)
}

// gatedStore blocks its first Save until release is closed.
type gatedStore struct {
	*MemoryStore
	saves   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Save(ctx context.Context, p Persisted) error {
	if g.saves.Add(1) == 1 {
		close(g.entered)
		<-g.release
	}
	return g.MemoryStore.Save(ctx, p)
}

func TestPersist_NewerMergeIsNeverOverwritten(t *testing.T) {
	t.Parallel()

	// Arrange: the poll's Save stalls while a push merges a newer price.
	ctrl := gomock.NewController(t)
	f := NewMockFetcher(ctrl)
	f.EXPECT().FetchPrices(gomock.Any()).Return(prices.PriceMap{prices.XAUUSD: {Price: 2000}}, nil)
	st := &gatedStore{MemoryStore: NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	s := newSync(t, f, st, Options{})

	polled := make(chan error, 1)
	go func() { polled <- s.FetchPrices(t.Context()) }()
	<-st.entered

	pushed := make(chan bool, 1)
	go func() { pushed <- s.Apply(prices.PriceMap{prices.XAUUSD: {Price: 2400}}, fixedNow.Add(time.Minute)) }()
	require.Eventually(t, func() bool { return s.Snapshot().Prices[prices.XAUUSD].Price == 2400 }, time.Second, time.Millisecond)

	// Act
	close(st.release)
	require.NoError(t, <-polled)
	require.True(t, <-pushed)

	// Assert
	persisted, err := st.Load(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2400.0, persisted.Prices[prices.XAUUSD].Price)
	require.True(t, persisted.LastUpdate.Equal(fixedNow.Add(time.Minute)))
	require.Equal(t, 2400.0, s.Snapshot().Prices[prices.XAUUSD].Price)
}

func TestApply_OlderTimestampKeepsLastUpdate(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	f := NewMockFetcher(ctrl)
	f.EXPECT().FetchPrices(gomock.Any()).Return(prices.PriceMap{prices.SPY: {Price: 540}}, nil)
	s := newSync(t, f, NewMemoryStore(), Options{})
	require.NoError(t, s.FetchPrices(t.Context()))

	// Act: a pushed event stamped a second earlier than the poll.
	require.True(t, s.Apply(prices.PriceMap{prices.SPY: {Price: 541}}, fixedNow.Add(-time.Second)))

	// Assert
	snap := s.Snapshot()
	require.Equal(t, 541.0, snap.Prices[prices.SPY].Price)
	require.True(t, snap.LastUpdate.Equal(fixedNow))
}
