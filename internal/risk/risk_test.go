package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venue-guard/pkg/marketdata"
)

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{ConsecutiveFailures: 3, Cooldown: 20 * time.Millisecond}, zerolog.Nop())

	ok, _ := b.AllowOrder()
	require.True(t, ok)

	b.RecordOutcome(false)
	b.RecordOutcome(false)
	ok, _ = b.AllowOrder()
	assert.True(t, ok, "two failures stay under the limit")

	b.RecordOutcome(false)
	ok, reason := b.AllowOrder()
	assert.False(t, ok)
	assert.Contains(t, reason, "circuit breaker open")
	assert.Equal(t, "open", b.Status().State)

	time.Sleep(40 * time.Millisecond)
	ok, _ = b.AllowOrder()
	assert.True(t, ok, "half-open after cooldown")

	b.RecordOutcome(true)
	assert.Equal(t, "closed", b.Status().State)
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b := NewBreaker(BreakerConfig{ConsecutiveFailures: 2, FailureRatio: 0}, zerolog.Nop())
	for i := 0; i < 5; i++ {
		b.RecordOutcome(false)
		b.RecordOutcome(true)
	}
	ok, _ := b.AllowOrder()
	assert.True(t, ok)
	assert.Equal(t, uint32(10), b.Status().Requests)
}

func TestBreakerDailyLossLimit(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxDailyLoss: 100}, zerolog.Nop())

	b.RecordPnL(-60)
	b.RecordPnL(40)
	ok, _ := b.AllowOrder()
	assert.True(t, ok, "profits do not offset the loss counter but 60 is under 100")

	b.RecordPnL(-45)
	ok, reason := b.AllowOrder()
	assert.False(t, ok)
	assert.Contains(t, reason, "daily loss limit exceeded")

	st := b.Status()
	assert.InDelta(t, -65.0, st.DailyPnL, 1e-9)
	assert.InDelta(t, 105.0, st.DailyLosses, 1e-9)

	b.ResetDaily()
	ok, _ = b.AllowOrder()
	assert.True(t, ok)
}

func TestExposureLimits(t *testing.T) {
	g := NewExposureGuard(DefaultExposureLimits(), zerolog.Nop())

	tests := []struct {
		name    string
		setup   func()
		symbol  string
		side    marketdata.Side
		pct     float64
		allowed bool
		reason  string
	}{
		{name: "fresh account", symbol: "BTCUSD", side: marketdata.SideBuy, pct: 1.5, allowed: true},
		{name: "per trade", symbol: "BTCUSD", side: marketdata.SideBuy, pct: 2.5, reason: "per-trade limit"},
		{
			name:   "per symbol",
			setup:  func() { require.NoError(t, g.Open("btcusd", marketdata.SideBuy, 3)) },
			symbol: "BTCUSD", side: marketdata.SideSell, pct: 1.5, reason: "symbol limit",
		},
		{
			name:   "per side",
			setup:  func() { require.NoError(t, g.Open("ETHUSD", marketdata.SideBuy, 2)) },
			symbol: "SOLUSD", side: marketdata.SideBuy, pct: 1.5, reason: "side limit",
		},
		{
			name:   "total",
			setup:  func() { require.NoError(t, g.Open("XRPUSD", marketdata.SideSell, 4)) },
			symbol: "ADAUSD", side: marketdata.SideSell, pct: 1.5, reason: "account limit",
		},
		{name: "non-positive", symbol: "ADAUSD", side: marketdata.SideSell, pct: 0, reason: "must be positive"},
		{name: "bad side", symbol: "ADAUSD", side: "HOLD", pct: 1, reason: "unknown side"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			dec := g.Evaluate(tt.symbol, tt.side, tt.pct)
			assert.Equal(t, tt.allowed, dec.Allowed, dec.Reason)
			if tt.reason != "" {
				assert.Contains(t, dec.Reason, tt.reason)
			}
		})
	}
}

func TestExposureOpenClose(t *testing.T) {
	g := NewExposureGuard(DefaultExposureLimits(), zerolog.Nop())
	require.NoError(t, g.Open("BTCUSD", marketdata.SideBuy, 1.5))
	require.NoError(t, g.Open("ETHUSD", marketdata.SideSell, 1))

	snap := g.Snapshot()
	require.Len(t, snap.Positions, 2)
	assert.Equal(t, "BTCUSD", snap.Positions[0].Symbol)
	assert.InDelta(t, 2.5, snap.TotalPct, 1e-9)

	require.NoError(t, g.Close("BTCUSD", marketdata.SideBuy, 5))
	snap = g.Snapshot()
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, "ETHUSD", snap.Positions[0].Symbol)

	assert.True(t, errors.Is(g.Open("BTCUSD", marketdata.SideBuy, -1), ErrInvalidRisk))
	assert.True(t, errors.Is(g.Close("BTCUSD", "LONG", 1), ErrInvalidRisk))
}

func TestEvaluateDoesNotRecord(t *testing.T) {
	g := NewExposureGuard(DefaultExposureLimits(), zerolog.Nop())
	dec := g.Evaluate("BTCUSD", marketdata.SideBuy, 1)
	assert.True(t, dec.Allowed)
	assert.InDelta(t, 0.1, dec.UsageRatio, 1e-9)
	assert.Empty(t, g.Snapshot().Positions)
}
