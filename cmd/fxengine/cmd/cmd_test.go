package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rustyeddy/fxengine/analytics"
	"github.com/rustyeddy/fxengine/broker/sim"
	"github.com/rustyeddy/fxengine/config"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDayBounds(t *testing.T) {
	t.Parallel()

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	start, end, err := dayBounds(ny, "2024-03-10")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, ny), start)
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, ny), end)
	assert.Equal(t, 23*time.Hour, end.Sub(start), "DST day is short")

	_, _, err = dayBounds(time.UTC, "10/03/2024")
	assert.Error(t, err)
}

func TestParseParams(t *testing.T) {
	t.Parallel()

	got, err := parseParams(map[string]string{"fast": "9", "slow": "21.5"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"fast": 9, "slow": 21.5}, got)

	got, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseParams(map[string]string{"fast": "nine"})
	assert.ErrorContains(t, err, "param fast")
}

func TestOpenBrokerSim(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Broker.Kind = "sim"
	b, err := openBroker(cfg, zap.NewNop())
	require.NoError(t, err)

	s, err := b.GetAccountSummary(context.Background(), cfg.Accounts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, cfg.Broker.SimBalance, s.Balance)

	cfg.Broker.Kind = "ftx"
	_, err = openBroker(cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unknown broker kind")
}

func TestOpenBrokerMissingToken(t *testing.T) {
	cfg := config.Default()
	cfg.Broker.TokenEnv = "FXENGINE_TEST_TOKEN"
	t.Setenv("FXENGINE_TEST_TOKEN", "")

	_, err := openBroker(cfg, zap.NewNop())
	assert.ErrorContains(t, err, "FXENGINE_TEST_TOKEN is not set")
}

type candleFeed struct{ calls int }

func (f *candleFeed) GetCandles(_ context.Context, instrument string, g market.Granularity, count int) ([]market.Candle, error) {
	f.calls++
	return []market.Candle{{Time: time.Unix(0, 0), Close: 1.1}}, nil
}

func TestPaperTakesCandlesFromFeed(t *testing.T) {
	t.Parallel()

	feed := &candleFeed{}
	p := paper{Broker: sim.New(), data: feed}
	cs, err := p.GetCandles(context.Background(), "EUR_USD", market.M15, 10)
	require.NoError(t, err)
	assert.Len(t, cs, 1)
	assert.Equal(t, 1, feed.calls)
}

func TestStoresAndSinks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	j, err := openJournal(config.JournalConfig{Type: "sqlite", DBPath: filepath.Join(t.TempDir(), "j.sqlite")})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	_, err = openJournal(config.JournalConfig{Type: "parquet"})
	assert.Error(t, err)

	c, err := openClaims(ctx, config.ClaimsConfig{Backend: "memory"})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = openClaims(ctx, config.ClaimsConfig{Backend: "etcd"})
	assert.Error(t, err)

	assert.Equal(t, notify.Nop{}, notifySink(config.NotifyConfig{}, zap.NewNop()))
	assert.Len(t, notifySink(config.NotifyConfig{Log: true}, zap.NewNop()), 1)

	sink, err := analyticsSink(config.AnalyticsConfig{})
	require.NoError(t, err)
	assert.Equal(t, analytics.Nop{}, sink)

	sink, err = analyticsSink(config.AnalyticsConfig{CSVPath: filepath.Join(t.TempDir(), "trades.csv")})
	require.NoError(t, err)
	assert.Len(t, sink, 1)
	require.NoError(t, sink.Close())
}
