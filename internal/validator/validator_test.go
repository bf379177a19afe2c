package validator

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venue-guard/pkg/marketdata"
)

func TestSpreadAgainstLearnedBaseline(t *testing.T) {
	v := New(DefaultConfig())

	first, err := v.ValidateExecutionSafety(ExecutionInput{
		Symbol: "BTCUSD", ReferencePrice: 112122.5, ExecBid: 112120, ExecAsk: 112125,
	})
	require.NoError(t, err)
	assert.True(t, first.IsSafe, first.Reason)
	baseline, ok := v.Baseline("BTCUSD")
	require.True(t, ok)
	assert.Equal(t, 5.0, baseline)

	wide, err := v.ValidateExecutionSafety(ExecutionInput{
		Symbol: "BTCUSD", ReferencePrice: 112125, ExecBid: 112115, ExecAsk: 112135,
	})
	require.NoError(t, err)
	assert.False(t, wide.IsSafe)
	assert.Contains(t, wide.Reason, "spread too wide")

	// Baseline is learned once, not updated by later observations.
	baseline, _ = v.Baseline("BTCUSD")
	assert.Equal(t, 5.0, baseline)

	v.ResetBaselines()
	_, ok = v.Baseline("BTCUSD")
	assert.False(t, ok)

	relearned, err := v.ValidateExecutionSafety(ExecutionInput{
		Symbol: "BTCUSD", ReferencePrice: 112125, ExecBid: 112115, ExecAsk: 112135,
	})
	require.NoError(t, err)
	assert.True(t, relearned.IsSafe)
}

func TestResetSelectedBaselines(t *testing.T) {
	v := New(DefaultConfig())
	for _, sym := range []string{"BTCUSD", "ETHUSD"} {
		_, err := v.ValidateExecutionSafety(ExecutionInput{Symbol: sym, ReferencePrice: 100, ExecBid: 99.9, ExecAsk: 100.1})
		require.NoError(t, err)
	}
	v.ResetBaselines("ETHUSD")
	assert.Len(t, v.Baselines(), 1)
	_, ok := v.Baseline("BTCUSD")
	assert.True(t, ok)
}

func TestZeroSpreadDoesNotLearnBaseline(t *testing.T) {
	v := New(DefaultConfig())
	verdict, err := v.ValidateExecutionSafety(ExecutionInput{Symbol: "X", ReferencePrice: 100, ExecBid: 100, ExecAsk: 100})
	require.NoError(t, err)
	assert.True(t, verdict.IsSafe)
	_, ok := v.Baseline("X")
	assert.False(t, ok)
}

func TestExecutionSafetyFailures(t *testing.T) {
	tests := []struct {
		name   string
		in     ExecutionInput
		reason string
	}{
		{
			name:   "crossed quote",
			in:     ExecutionInput{Symbol: "X", ReferencePrice: 100, ExecBid: 100.2, ExecAsk: 100.1},
			reason: "crossed execution quote",
		},
		{
			name:   "offset above bound",
			in:     ExecutionInput{Symbol: "X", ReferencePrice: 50000, ExecBid: 49880, ExecAsk: 49890, Offset: -115, OffsetKnown: true},
			reason: "offset too large",
		},
		{
			name:   "divergence above bound",
			in:     ExecutionInput{Symbol: "X", ReferencePrice: 100, ExecBid: 93.9, ExecAsk: 94.1},
			reason: "price divergence too high",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := New(DefaultConfig()).ValidateExecutionSafety(tt.in)
			require.NoError(t, err)
			assert.False(t, verdict.IsSafe)
			assert.Contains(t, verdict.Reason, tt.reason)
		})
	}
}

func TestUnknownOffsetIsNotChecked(t *testing.T) {
	verdict, err := New(DefaultConfig()).ValidateExecutionSafety(ExecutionInput{
		Symbol: "X", ReferencePrice: 100, ExecBid: 99.9, ExecAsk: 100.1, Offset: 500,
	})
	require.NoError(t, err)
	assert.True(t, verdict.IsSafe)
}

func TestInvalidPricesAreErrors(t *testing.T) {
	inputs := []ExecutionInput{
		{Symbol: "X", ReferencePrice: -1, ExecBid: 1, ExecAsk: 2},
		{Symbol: "X", ReferencePrice: 1, ExecBid: 0, ExecAsk: 2},
		{Symbol: "X", ReferencePrice: 1, ExecBid: 1, ExecAsk: math.NaN()},
		{Symbol: "X", ReferencePrice: 1, ExecBid: 1, ExecAsk: 2, Offset: math.Inf(1), OffsetKnown: true},
	}
	v := New(DefaultConfig())
	for _, in := range inputs {
		_, err := v.ValidateExecutionSafety(in)
		assert.True(t, errors.Is(err, ErrInvalidPrice), "%+v", in)
	}
	assert.Empty(t, v.Baselines())
}

func TestValidationIsDeterministic(t *testing.T) {
	v := New(DefaultConfig())
	in := ExecutionInput{Symbol: "X", ReferencePrice: 100, ExecBid: 99.8, ExecAsk: 100.2, Offset: 12, OffsetKnown: true}
	a, err := v.ValidateExecutionSafety(in)
	require.NoError(t, err)
	b, err := v.ValidateExecutionSafety(in)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSafetyScore(t *testing.T) {
	v := New(DefaultConfig())

	assert.Equal(t, 100.0, v.SafetyScore(ScoreInput{}))

	score := v.SafetyScore(ScoreInput{Offset: 50, OffsetKnown: true, Spread: 10, Baseline: 5, Divergence: 2.5})
	assert.InDelta(t, 50.0, score, 1e-9)

	worst := v.SafetyScore(ScoreInput{Offset: 1000, OffsetKnown: true, Spread: 100, Baseline: 1, Divergence: 50})
	assert.Equal(t, 0.0, worst)

	// Spread at or below the baseline costs nothing.
	assert.Equal(t, 100.0, v.SafetyScore(ScoreInput{Spread: 3, Baseline: 5}))
}

func TestCandleSync(t *testing.T) {
	v := New(DefaultConfig())
	ref := marketdata.Candle{Open: 100, High: 101, Low: 99, Close: 100.5}

	ok := v.ValidateCandleSync(ref, marketdata.Candle{Open: 100.1, High: 101.2, Low: 99.1, Close: 100.4}, 0)
	assert.True(t, ok.IsSafe, ok.Reason)
	assert.Greater(t, ok.SafetyScore, 0.0)

	drift := v.ValidateCandleSync(ref, marketdata.Candle{Open: 100, High: 101, Low: 99, Close: 101.2}, 0.5)
	assert.False(t, drift.IsSafe)
	assert.Contains(t, drift.Reason, "candle close")

	missing := v.ValidateCandleSync(ref, marketdata.Candle{Open: 100, High: 101, Low: 0, Close: 100.5}, 0)
	assert.False(t, missing.IsSafe)
	assert.Contains(t, missing.Reason, "candle low")
}

func TestDataFreshness(t *testing.T) {
	v := New(DefaultConfig())

	fresh := v.ValidateDataFreshness(5*time.Second, 10*time.Second, 0)
	assert.True(t, fresh.IsSafe)

	ref := v.ValidateDataFreshness(61*time.Second, time.Second, 0)
	assert.False(t, ref.IsSafe)
	assert.Contains(t, ref.Reason, "reference data stale")

	exec := v.ValidateDataFreshness(time.Second, 20*time.Second, 15*time.Second)
	assert.False(t, exec.IsSafe)
	assert.Contains(t, exec.Reason, "execution data stale")
}

func TestConfigFallsBackToDefaults(t *testing.T) {
	v := New(Config{MaxOffset: 25})
	cfg := v.Config()
	assert.Equal(t, 25.0, cfg.MaxOffset)
	assert.Equal(t, DefaultConfig().MaxSpreadMultiplier, cfg.MaxSpreadMultiplier)
	assert.Equal(t, DefaultConfig().MaxDataAge, cfg.MaxDataAge)
}
