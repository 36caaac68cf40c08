package pricesync_test

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"pricefeed/internal/aggregate"
	"pricefeed/internal/api"
	"pricefeed/internal/metrics"
	"pricefeed/internal/prices"
	"pricefeed/internal/pricesync"
	"pricefeed/internal/provider"
)

// The aggregator serves five of seven symbols; the client merges them over
// the seed, persists to SQLite and rehydrates the same state on restart.
func TestPipeline_PartialAggregationMergesAndRehydrates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := time.Now().UTC()

	// Arrange: aggregator backed by a mocked provider.
	ctrl := gomock.NewController(t)
	p := provider.NewMockProvider(ctrl)
	p.EXPECT().Name().Return("twelvedata").AnyTimes()
	p.EXPECT().Fetch(gomock.Any(), prices.Supported()).Return([]provider.Quote{
		{Symbol: "XAU/USD", Price: "2365.10000", Source: "twelvedata", ReceivedAt: now},
		{Symbol: "EUR/USD", Price: "1.0912", Source: "twelvedata", ReceivedAt: now},
		{Symbol: "OANDA:GBP_USD", Price: "1.2801", Source: "twelvedata", ReceivedAt: now},
		{Symbol: "AAPL", Price: "213.4", Source: "twelvedata", ReceivedAt: now},
		{Symbol: "SPY", Price: "548.2", Source: "twelvedata", ReceivedAt: now},
	}, nil)
	m := metrics.New()
	agg := aggregate.New(p, aggregate.Options{Metrics: m, Log: log})
	srv := httptest.NewServer(api.NewRouter(api.Options{Aggregator: agg, Metrics: m, Log: log}))
	defer srv.Close()

	dbPath := filepath.Join(t.TempDir(), "cache.db")
	st, err := pricesync.OpenSQLite(dbPath)
	require.NoError(t, err)

	s := pricesync.New(t.Context(), pricesync.NewHTTPFetcher(srv.URL+"/prices", nil, 2*time.Second), st,
		pricesync.Options{Interval: time.Hour, BaseDelay: time.Millisecond, Metrics: m, Log: log})

	// Act
	err = s.FetchPrices(t.Context())

	// Assert
	require.NoError(t, err)
	snap := s.Snapshot()
	require.Len(t, snap.Prices, 7)
	require.Equal(t, 2365.1, snap.Prices[prices.XAUUSD].Price)
	require.Equal(t, 1.2801, snap.Prices[prices.GBPUSD].Price)
	require.Equal(t, 548.2, snap.Prices[prices.SPY].Price)
	require.Equal(t, prices.Seed()[prices.USDJPY], snap.Prices[prices.USDJPY])
	require.Equal(t, prices.Seed()[prices.BTCUSD], snap.Prices[prices.BTCUSD])
	require.Empty(t, snap.Error)

	s.Stop()
	require.NoError(t, st.Close())

	// restart against the same file with no network at all
	st, err = pricesync.OpenSQLite(dbPath)
	require.NoError(t, err)
	defer st.Close()
	again := pricesync.New(t.Context(), nil, st, pricesync.Options{Log: log})
	defer again.Stop()

	require.Equal(t, snap.Prices, again.Snapshot().Prices)
	require.True(t, again.Snapshot().LastUpdate.Equal(snap.LastUpdate))
}
