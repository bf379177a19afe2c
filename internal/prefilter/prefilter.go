// Package prefilter renders the single allow/block decision every trade
// candidate must pass before it reaches the execution venue.
package prefilter

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"venue-guard/internal/calibration"
	"venue-guard/internal/events"
	"venue-guard/internal/monitor"
	"venue-guard/internal/risk"
	"venue-guard/internal/validator"
	"venue-guard/internal/venuesync"
	"venue-guard/pkg/marketdata"
)

// Stage is one step of an evaluation.
type Stage string

const (
	StageConfidence     Stage = "CONFIDENCE_CHECK"
	StageCircuitBreaker Stage = "CIRCUIT_BREAKER_CHECK"
	StageExposure       Stage = "EXPOSURE_CHECK"
	StageFeed           Stage = "FEED_VALIDATION"
	StagePriceSanity    Stage = "PRICE_SANITY"
	StageStopLoss       Stage = "STOP_VALIDATION"
	StageApproved       Stage = "APPROVED"
	StageBlocked        Stage = "BLOCKED"
)

// Signal is a trade candidate in execution-venue prices.
type Signal struct {
	Symbol     string          `json:"symbol"`
	Side       marketdata.Side `json:"side"`
	Entry      float64         `json:"entry"`
	StopLoss   float64         `json:"stop_loss"`
	TakeProfit float64         `json:"take_profit,omitempty"`
	Confidence float64         `json:"confidence"`
	// RiskPct is the desired account risk; zero uses the configured default.
	RiskPct float64 `json:"risk_pct,omitempty"`
}

// Report enumerates every check an evaluation ran. Stage is where the
// evaluation ended; Outcome is APPROVED or BLOCKED.
type Report struct {
	CanExecute   bool      `json:"can_execute"`
	Reason       string    `json:"reason"`
	Stage        Stage     `json:"stage"`
	Outcome      Stage     `json:"outcome"`
	ChecksPassed []string  `json:"checks_passed"`
	ChecksFailed []string  `json:"checks_failed"`
	Warnings     []string  `json:"warnings"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// CircuitBreaker halts trading after repeated failures.
type CircuitBreaker interface {
	AllowOrder() (bool, string)
}

// ExposureGuard limits risk per symbol and side.
type ExposureGuard interface {
	Evaluate(symbol string, side marketdata.Side, desiredRiskPct float64) risk.Decision
}

// ReferenceFeed is the reference-venue view the gate consults.
type ReferenceFeed interface {
	ReferenceSymbol(execSymbol string) (string, bool)
	ValidateExecution(execSymbol string, bid, ask float64) (validator.Verdict, error)
	FeedHealth(symbol string) venuesync.FeedHealth
}

// Config holds the gate thresholds.
type Config struct {
	MinConfidence  float64 `yaml:"min_confidence"`
	PriceSanityPct float64 `yaml:"price_sanity_pct"`
	DefaultRiskPct float64 `yaml:"default_risk_pct"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{MinConfidence: 70, PriceSanityPct: 1.0, DefaultRiskPct: 1.0}
}

// PreFilter composes the collaborators into one decision. Collaborators left
// nil are skipped.
type PreFilter struct {
	cfg      Config
	breaker  CircuitBreaker
	exposure ExposureGuard
	feed     ReferenceFeed
	bus      *events.Bus
	metrics  *monitor.SystemMetrics
	log      zerolog.Logger
	now      func() time.Time
}

// New builds a gate with no collaborators attached.
func New(cfg Config, log zerolog.Logger) *PreFilter {
	def := DefaultConfig()
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.PriceSanityPct <= 0 {
		cfg.PriceSanityPct = def.PriceSanityPct
	}
	if cfg.DefaultRiskPct <= 0 {
		cfg.DefaultRiskPct = def.DefaultRiskPct
	}
	return &PreFilter{
		cfg: cfg,
		log: log.With().Str("component", "prefilter").Logger(),
		now: time.Now,
	}
}

func (p *PreFilter) WithBreaker(b CircuitBreaker) *PreFilter { p.breaker = b; return p }
func (p *PreFilter) WithExposure(g ExposureGuard) *PreFilter { p.exposure = g; return p }
func (p *PreFilter) WithFeed(f ReferenceFeed) *PreFilter { p.feed = f; return p }
func (p *PreFilter) WithEvents(bus *events.Bus) *PreFilter { p.bus = bus; return p }
func (p *PreFilter) WithClock(now func() time.Time) *PreFilter { p.now = now; return p }

// WithMetrics records every decision in m.
func (p *PreFilter) WithMetrics(m *monitor.SystemMetrics) *PreFilter {
	p.metrics = m
	return p
}

// Config returns the effective thresholds.
func (p *PreFilter) Config() Config { return p.cfg }

type evaluation struct {
	report  Report
	blocked bool
}

func (e *evaluation) pass(check string) {
	e.report.ChecksPassed = append(e.report.ChecksPassed, check)
}

func (e *evaluation) warn(format string, args ...any) {
	e.report.Warnings = append(e.report.Warnings, fmt.Sprintf(format, args...))
}

func (e *evaluation) block(stage Stage, check, reason string) {
	e.blocked = true
	e.report.Stage = stage
	e.report.Reason = reason
	e.report.ChecksFailed = append(e.report.ChecksFailed, check)
}

// ValidateSignal runs the stages in order and stops at the first block. Reference
// feed outages degrade to warnings so execution-venue-only trading continues.
func (p *PreFilter) ValidateSignal(sig Signal, quote marketdata.Quote) (bool, string, Report) {
	start := time.Now()
	sig.Symbol = strings.ToUpper(strings.TrimSpace(sig.Symbol))
	e := &evaluation{report: Report{
		ChecksPassed: []string{},
		ChecksFailed: []string{},
		Warnings:     []string{},
		EvaluatedAt:  p.now(),
	}}

	steps := []struct {
		stage Stage
		run   func(*evaluation, Signal, marketdata.Quote)
	}{
		{StageConfidence, p.checkConfidence},
		{StageCircuitBreaker, p.checkBreaker},
		{StageExposure, p.checkExposure},
		{StageFeed, p.checkFeed},
		{StagePriceSanity, p.checkPriceSanity},
		{StageStopLoss, p.checkStopLoss},
	}
	for _, step := range steps {
		e.report.Stage = step.stage
		step.run(e, sig, quote)
		if e.blocked {
			break
		}
	}

	if e.blocked {
		e.report.Outcome = StageBlocked
	} else {
		e.report.CanExecute = true
		e.report.Stage = StageApproved
		e.report.Outcome = StageApproved
		e.report.Reason = "approved"
		if n := len(e.report.Warnings); n > 0 {
			e.report.Reason = fmt.Sprintf("approved with %d warning(s)", n)
		}
	}
	p.record(sig, e.report, time.Since(start))
	return e.report.CanExecute, e.report.Reason, e.report
}

func (p *PreFilter) checkConfidence(e *evaluation, sig Signal, _ marketdata.Quote) {
	switch {
	case sig.Symbol == "":
		e.block(StageConfidence, "signal", "invalid signal: empty symbol")
	case !sig.Side.Valid():
		e.block(StageConfidence, "signal", fmt.Sprintf("invalid signal: unknown side %q", sig.Side))
	case !marketdata.ValidPrice(sig.Entry):
		e.block(StageConfidence, "signal", fmt.Sprintf("invalid signal: entry %v", sig.Entry))
	case sig.Confidence < p.cfg.MinConfidence:
		e.block(StageConfidence, "confidence",
			fmt.Sprintf("confidence %.1f below minimum %.1f", sig.Confidence, p.cfg.MinConfidence))
	default:
		e.pass("confidence")
	}
}

func (p *PreFilter) checkBreaker(e *evaluation, _ Signal, _ marketdata.Quote) {
	if p.breaker == nil {
		return
	}
	if ok, reason := p.breaker.AllowOrder(); !ok {
		if reason == "" {
			reason = "circuit breaker tripped"
		}
		e.block(StageCircuitBreaker, "circuit_breaker", reason)
		return
	}
	e.pass("circuit_breaker")
}

func (p *PreFilter) checkExposure(e *evaluation, sig Signal, _ marketdata.Quote) {
	if p.exposure == nil {
		return
	}
	pct := sig.RiskPct
	if pct <= 0 {
		pct = p.cfg.DefaultRiskPct
	}
	dec := p.exposure.Evaluate(sig.Symbol, sig.Side, pct)
	if !dec.Allowed {
		e.block(StageExposure, "exposure", dec.Reason)
		return
	}
	e.pass("exposure")
}

// checkFeed never blocks on missing data or a misbehaving collaborator; only
// an explicit unsafe verdict or critical sync health does.
func (p *PreFilter) checkFeed(e *evaluation, sig Signal, quote marketdata.Quote) {
	if p.feed == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Str("symbol", sig.Symbol).Msg("reference feed panicked")
			e.warn("reference feed error for %s (%v), skipping validation", sig.Symbol, r)
		}
	}()

	ref, ok := p.feed.ReferenceSymbol(sig.Symbol)
	if !ok {
		e.warn("reference feed unavailable for %s, skipping validation", sig.Symbol)
		return
	}

	verdict, err := p.feed.ValidateExecution(sig.Symbol, quote.Bid, quote.Ask)
	switch {
	case errors.Is(err, validator.ErrInvalidPrice):
		e.block(StageFeed, "feed_safety", fmt.Sprintf("invalid execution quote: %v", err))
		return
	case errors.Is(err, venuesync.ErrNoReferenceData),
		errors.Is(err, venuesync.ErrStaleReferenceData),
		errors.Is(err, venuesync.ErrNotRunning):
		e.warn("reference data unavailable for %s (%v), trading on execution venue only", ref, err)
	case err != nil:
		p.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("reference feed validation failed")
		e.warn("reference feed error for %s (%v), skipping validation", sig.Symbol, err)
	case !verdict.IsSafe:
		e.block(StageFeed, "feed_safety", "feed validation failed: "+verdict.Reason)
		return
	default:
		e.pass("feed_safety")
	}

	h := p.feed.FeedHealth(sig.Symbol)
	switch h.Status {
	case calibration.StatusCritical:
		if h.Reason == calibration.ReasonNoData {
			e.warn("no offset calibration for %s yet (%s)", ref, h.Message)
			return
		}
		e.block(StageFeed, "feed_health", "feed health critical: "+h.Message)
	case calibration.StatusWarning:
		e.warn("feed health warning for %s: %s", ref, h.Message)
	default:
		e.pass("feed_health")
	}
}

func (p *PreFilter) checkPriceSanity(e *evaluation, sig Signal, quote marketdata.Quote) {
	market := quote.Ask
	if sig.Side == marketdata.SideSell {
		market = quote.Bid
	}
	if !marketdata.ValidPrice(market) {
		e.warn("no %s market price for %s, price sanity skipped", sig.Side, sig.Symbol)
		return
	}
	diff := math.Abs(sig.Entry-market) / market * 100
	if diff > p.cfg.PriceSanityPct {
		e.warn("entry %.5f is %.2f%% from market %.5f", sig.Entry, diff, market)
		return
	}
	e.pass("price_sanity")
}

func (p *PreFilter) checkStopLoss(e *evaluation, sig Signal, _ marketdata.Quote) {
	switch {
	case !marketdata.ValidPrice(sig.StopLoss):
		e.block(StageStopLoss, "stop_loss", fmt.Sprintf("Invalid SL for %s: stop loss missing", sig.Side))
	case sig.Side == marketdata.SideBuy && sig.StopLoss >= sig.Entry:
		e.block(StageStopLoss, "stop_loss",
			fmt.Sprintf("Invalid SL for BUY: stop %.5f must be below entry %.5f", sig.StopLoss, sig.Entry))
	case sig.Side == marketdata.SideSell && sig.StopLoss <= sig.Entry:
		e.block(StageStopLoss, "stop_loss",
			fmt.Sprintf("Invalid SL for SELL: stop %.5f must be above entry %.5f", sig.StopLoss, sig.Entry))
	default:
		e.pass("stop_loss")
	}
}

func (p *PreFilter) record(sig Signal, r Report, elapsed time.Duration) {
	if p.metrics != nil {
		p.metrics.RecordGate(r.CanExecute, string(r.Stage), elapsed)
	}
	p.bus.Publish(events.EventGateDecision, events.GateDecision{
		Symbol:       sig.Symbol,
		Side:         string(sig.Side),
		Entry:        sig.Entry,
		Confidence:   sig.Confidence,
		Approved:     r.CanExecute,
		Stage:        string(r.Stage),
		Reason:       r.Reason,
		ChecksPassed: append([]string(nil), r.ChecksPassed...),
		ChecksFailed: append([]string(nil), r.ChecksFailed...),
		Warnings:     append([]string(nil), r.Warnings...),
		EvaluatedAt:  r.EvaluatedAt,
	})

	ev := p.log.Info()
	if !r.CanExecute {
		ev = p.log.Warn()
	}
	ev.Str("symbol", sig.Symbol).Str("side", string(sig.Side)).Str("stage", string(r.Stage)).
		Int("warnings", len(r.Warnings)).Dur("elapsed", elapsed).Msg(r.Reason)
}
