package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venue-guard/internal/stream"
	"venue-guard/pkg/config"
)

func testConfig() *config.Config {
	th := config.DefaultThresholds()
	th.Calibration.Window = 30
	th.Validator.MaxOffset = 40
	th.Analyzer.WhaleWhale = 2_000_000
	return &config.Config{
		SymbolMap:    map[string]string{"BTCUSD": "BTCUSDT"},
		Channels:     []string{"kline", "aggTrade"},
		StreamURL:    "wss://example.test",
		UseMockQuote: true,
		Thresholds:   th,
	}
}

func TestServiceOptionsCarryThresholds(t *testing.T) {
	opts := serviceOptions(testConfig())
	assert.Equal(t, []stream.Channel{stream.ChannelKline, stream.ChannelAggTrade}, opts.Channels)
	assert.Equal(t, "wss://example.test", opts.Stream.BaseURL)
	assert.Equal(t, 30, opts.Calibration.Window)
	assert.Equal(t, 40.0, opts.Validator.MaxOffset)
	assert.Equal(t, 2_000_000.0, opts.Analyzer.Tiers.Whale)
	assert.Equal(t, 10*time.Second, opts.SampleInterval)
}

func TestBuildQuoteSource(t *testing.T) {
	cfg := testConfig()
	src, mock := buildQuoteSource(cfg, nopLogger())
	require.NotNil(t, mock)
	assert.Same(t, mock, src)

	cfg.UseMockQuote = false
	cfg.QuoteRPS = 2
	src, mock = buildQuoteSource(cfg, nopLogger())
	assert.Nil(t, mock)
	assert.NotNil(t, src)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestConfigCommandRejectsBadMapping(t *testing.T) {
	t.Setenv("SYMBOL_MAP", "BTCUSD")
	rootCmd.SetArgs([]string{"config"})
	err := rootCmd.Execute()
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func nopLogger() zerolog.Logger { return zerolog.Nop() }
