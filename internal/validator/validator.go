// Package validator holds the feed safety checks applied before execution.
package validator

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"venue-guard/pkg/marketdata"
)

// ErrInvalidPrice marks inputs that are programming errors rather than unsafe
// market conditions.
var ErrInvalidPrice = errors.New("validator: invalid price")

// Config holds the safety thresholds.
type Config struct {
	MaxOffset           float64
	MaxSpreadMultiplier float64
	MaxDivergencePct    float64
	MaxDataAge          time.Duration
	CandleTolerancePct  float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MaxOffset:           100,
		MaxSpreadMultiplier: 3.0,
		MaxDivergencePct:    5.0,
		MaxDataAge:          60 * time.Second,
		CandleTolerancePct:  0.5,
	}
}

// Verdict is the result of one check.
type Verdict struct {
	IsSafe      bool    `json:"is_safe"`
	Reason      string  `json:"reason"`
	SafetyScore float64 `json:"safety_score"`
}

// ExecutionInput is the quote context for ValidateExecutionSafety. Offset is
// only checked when OffsetKnown is set.
type ExecutionInput struct {
	Symbol         string
	ReferencePrice float64
	ExecBid        float64
	ExecAsk        float64
	Offset         float64
	OffsetKnown    bool
}

// Validator is stateless apart from the learned baseline spread per symbol.
type Validator struct {
	cfg Config

	mu        sync.RWMutex
	baselines map[string]float64
}

// New builds a validator; non-positive config fields fall back to defaults.
func New(cfg Config) *Validator {
	d := DefaultConfig()
	if cfg.MaxOffset <= 0 {
		cfg.MaxOffset = d.MaxOffset
	}
	if cfg.MaxSpreadMultiplier <= 1 {
		cfg.MaxSpreadMultiplier = d.MaxSpreadMultiplier
	}
	if cfg.MaxDivergencePct <= 0 {
		cfg.MaxDivergencePct = d.MaxDivergencePct
	}
	if cfg.MaxDataAge <= 0 {
		cfg.MaxDataAge = d.MaxDataAge
	}
	if cfg.CandleTolerancePct <= 0 {
		cfg.CandleTolerancePct = d.CandleTolerancePct
	}
	return &Validator{cfg: cfg, baselines: make(map[string]float64)}
}

// Config returns the effective thresholds.
func (v *Validator) Config() Config { return v.cfg }

// ValidateExecutionSafety checks, in order: quote sanity, offset bound, spread
// against the learned baseline, and reference/mid divergence. Non-positive or
// non-finite prices are returned as ErrInvalidPrice.
func (v *Validator) ValidateExecutionSafety(in ExecutionInput) (Verdict, error) {
	if !marketdata.ValidPrice(in.ReferencePrice) || !marketdata.ValidPrice(in.ExecBid) || !marketdata.ValidPrice(in.ExecAsk) {
		return Verdict{}, fmt.Errorf("%w: %s reference=%v bid=%v ask=%v", ErrInvalidPrice, in.Symbol, in.ReferencePrice, in.ExecBid, in.ExecAsk)
	}
	if in.OffsetKnown && (math.IsNaN(in.Offset) || math.IsInf(in.Offset, 0)) {
		return Verdict{}, fmt.Errorf("%w: %s offset=%v", ErrInvalidPrice, in.Symbol, in.Offset)
	}

	spread := in.ExecAsk - in.ExecBid
	mid := (in.ExecAsk + in.ExecBid) / 2
	divergence := math.Abs(in.ReferencePrice-mid) / in.ReferencePrice * 100

	if spread < 0 {
		return Verdict{
			IsSafe: false,
			Reason: fmt.Sprintf("crossed execution quote: ask %.5f < bid %.5f", in.ExecAsk, in.ExecBid),
		}, nil
	}

	baseline := v.learnBaseline(in.Symbol, spread)
	score := v.SafetyScore(ScoreInput{
		Offset:      in.Offset,
		OffsetKnown: in.OffsetKnown,
		Spread:      spread,
		Baseline:    baseline,
		Divergence:  divergence,
	})

	if in.OffsetKnown && math.Abs(in.Offset) > v.cfg.MaxOffset {
		return Verdict{
			IsSafe:      false,
			Reason:      fmt.Sprintf("offset too large: %.2f exceeds %.2f", in.Offset, v.cfg.MaxOffset),
			SafetyScore: score,
		}, nil
	}
	if baseline > 0 && spread > v.cfg.MaxSpreadMultiplier*baseline {
		return Verdict{
			IsSafe:      false,
			Reason:      fmt.Sprintf("spread too wide: %.5f is %.1fx baseline %.5f (max %.1fx)", spread, spread/baseline, baseline, v.cfg.MaxSpreadMultiplier),
			SafetyScore: score,
		}, nil
	}
	if divergence > v.cfg.MaxDivergencePct {
		return Verdict{
			IsSafe:      false,
			Reason:      fmt.Sprintf("price divergence too high: %.2f%% exceeds %.2f%%", divergence, v.cfg.MaxDivergencePct),
			SafetyScore: score,
		}, nil
	}
	return Verdict{IsSafe: true, Reason: "feed checks passed", SafetyScore: score}, nil
}

// learnBaseline records the first positive spread seen for symbol and returns
// the baseline in force, zero while none has been learned.
func (v *Validator) learnBaseline(symbol string, spread float64) float64 {
	v.mu.RLock()
	b, ok := v.baselines[symbol]
	v.mu.RUnlock()
	if ok || spread <= 0 {
		return b
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if b, ok := v.baselines[symbol]; ok {
		return b
	}
	v.baselines[symbol] = spread
	return spread
}

// Baseline returns the learned spread for symbol.
func (v *Validator) Baseline(symbol string) (float64, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	b, ok := v.baselines[symbol]
	return b, ok
}

// Baselines returns a copy of every learned spread.
func (v *Validator) Baselines() map[string]float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]float64, len(v.baselines))
	for k, b := range v.baselines {
		out[k] = b
	}
	return out
}

// ResetBaselines forgets every learned spread; symbols are passed to reset only
// those.
func (v *Validator) ResetBaselines(symbols ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(symbols) == 0 {
		v.baselines = make(map[string]float64)
		return
	}
	for _, s := range symbols {
		delete(v.baselines, s)
	}
}

// ValidateCandleSync fails when any OHLC field differs by more than tolerancePct
// of the reference value. tolerancePct <= 0 uses the configured tolerance.
func (v *Validator) ValidateCandleSync(ref, exec marketdata.Candle, tolerancePct float64) Verdict {
	if tolerancePct <= 0 {
		tolerancePct = v.cfg.CandleTolerancePct
	}
	fields := map[string][2]float64{
		"open":  {ref.Open, exec.Open},
		"high":  {ref.High, exec.High},
		"low":   {ref.Low, exec.Low},
		"close": {ref.Close, exec.Close},
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	worst := 0.0
	for _, name := range names {
		pair := fields[name]
		if !marketdata.ValidPrice(pair[0]) || !marketdata.ValidPrice(pair[1]) {
			return Verdict{IsSafe: false, Reason: fmt.Sprintf("candle %s missing or invalid", name)}
		}
		diff := math.Abs(pair[0]-pair[1]) / pair[0] * 100
		if diff > tolerancePct {
			return Verdict{
				IsSafe:      false,
				Reason:      fmt.Sprintf("candle %s differs %.3f%% (tolerance %.3f%%)", name, diff, tolerancePct),
				SafetyScore: math.Max(0, 100-diff/tolerancePct*50),
			}
		}
		worst = math.Max(worst, diff)
	}
	return Verdict{IsSafe: true, Reason: "candles in sync", SafetyScore: 100 - worst/tolerancePct*50}
}

// ValidateDataFreshness fails when either feed is older than maxAge.
// maxAge <= 0 uses the configured bound.
func (v *Validator) ValidateDataFreshness(refAge, execAge, maxAge time.Duration) Verdict {
	if maxAge <= 0 {
		maxAge = v.cfg.MaxDataAge
	}
	switch {
	case refAge > maxAge:
		return Verdict{IsSafe: false, Reason: fmt.Sprintf("reference data stale: %s old (max %s)", refAge, maxAge)}
	case execAge > maxAge:
		return Verdict{IsSafe: false, Reason: fmt.Sprintf("execution data stale: %s old (max %s)", execAge, maxAge)}
	}
	worst := math.Max(refAge.Seconds(), execAge.Seconds())
	return Verdict{IsSafe: true, Reason: "data fresh", SafetyScore: 100 - worst/maxAge.Seconds()*100}
}

// ScoreInput is the raw material for SafetyScore.
type ScoreInput struct {
	Offset      float64
	OffsetKnown bool
	Spread      float64
	Baseline    float64
	Divergence  float64
}

// SafetyScore starts at 100 and deducts up to 30 for offset, up to 30 for spread
// excess over baseline and up to 40 for divergence; the result is floored at 0.
func (v *Validator) SafetyScore(in ScoreInput) float64 {
	score := 100.0
	if in.OffsetKnown {
		score -= math.Min(30, math.Abs(in.Offset)/v.cfg.MaxOffset*30)
	}
	if in.Baseline > 0 && in.Spread > in.Baseline {
		excess := in.Spread/in.Baseline - 1
		score -= math.Min(30, excess/(v.cfg.MaxSpreadMultiplier-1)*30)
	}
	if in.Divergence > 0 {
		score -= math.Min(40, in.Divergence/v.cfg.MaxDivergencePct*40)
	}
	return math.Max(0, score)
}
