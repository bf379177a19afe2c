package prefilter

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venue-guard/internal/calibration"
	"venue-guard/internal/events"
	"venue-guard/internal/monitor"
	"venue-guard/internal/risk"
	"venue-guard/internal/validator"
	"venue-guard/internal/venuesync"
	"venue-guard/pkg/marketdata"
)

type fakeBreaker struct {
	allow  bool
	reason string
}

func (b fakeBreaker) AllowOrder() (bool, string) { return b.allow, b.reason }

type fakeExposure struct {
	dec     risk.Decision
	lastPct float64
}

func (g *fakeExposure) Evaluate(symbol string, side marketdata.Side, pct float64) risk.Decision {
	g.lastPct = pct
	return g.dec
}

type fakeFeed struct {
	refs    map[string]string
	verdict validator.Verdict
	err     error
	health  venuesync.FeedHealth
	panics  bool
}

func (f *fakeFeed) ReferenceSymbol(sym string) (string, bool) {
	if f.panics {
		panic("feed exploded")
	}
	ref, ok := f.refs[sym]
	return ref, ok
}

func (f *fakeFeed) ValidateExecution(sym string, bid, ask float64) (validator.Verdict, error) {
	return f.verdict, f.err
}

func (f *fakeFeed) FeedHealth(sym string) venuesync.FeedHealth { return f.health }

func healthyFeed() *fakeFeed {
	return &fakeFeed{
		refs:    map[string]string{"BTCUSD": "BTCUSDT"},
		verdict: validator.Verdict{IsSafe: true, Reason: "feed checks passed", SafetyScore: 95},
		health:  venuesync.FeedHealth{Status: calibration.StatusHealthy, Reason: calibration.ReasonOK, Message: "ok"},
	}
}

var fixedNow = time.Unix(1700000000, 0)

func newGate() *PreFilter {
	return New(DefaultConfig(), zerolog.Nop()).WithClock(func() time.Time { return fixedNow })
}

func buy(entry, stop float64) Signal {
	return Signal{Symbol: "BTCUSD", Side: marketdata.SideBuy, Entry: entry, StopLoss: stop, Confidence: 80}
}

func quote(bid, ask float64) marketdata.Quote {
	return marketdata.Quote{Symbol: "BTCUSD", Bid: bid, Ask: ask}
}

func TestInvalidStopForBuyBlocks(t *testing.T) {
	ok, reason, report := newGate().ValidateSignal(buy(100, 105), quote(99.9, 100.1))
	assert.False(t, ok)
	assert.Contains(t, reason, "Invalid SL for BUY")
	assert.Equal(t, StageStopLoss, report.Stage)
	assert.Equal(t, StageBlocked, report.Outcome)
	assert.Equal(t, []string{"stop_loss"}, report.ChecksFailed)
}

func TestInvalidStopForSellBlocks(t *testing.T) {
	sig := Signal{Symbol: "BTCUSD", Side: marketdata.SideSell, Entry: 100, StopLoss: 95, Confidence: 90}
	ok, reason, _ := newGate().ValidateSignal(sig, quote(99.9, 100.1))
	assert.False(t, ok)
	assert.Contains(t, reason, "Invalid SL for SELL")

	sig.StopLoss = 0
	ok, reason, _ = newGate().ValidateSignal(sig, quote(99.9, 100.1))
	assert.False(t, ok)
	assert.Contains(t, reason, "stop loss missing")
}

func TestUnmappedSymbolSkipsFeedWithWarning(t *testing.T) {
	gate := newGate().WithFeed(healthyFeed())
	sig := buy(2400, 2380)
	sig.Symbol = "xauusd"

	ok, _, report := gate.ValidateSignal(sig, quote(2399.5, 2400.5))
	require.True(t, ok)
	assert.Equal(t, StageApproved, report.Stage)
	assert.Contains(t, report.Warnings, "reference feed unavailable for XAUUSD, skipping validation")
	assert.NotContains(t, report.ChecksPassed, "feed_safety")
}

func TestFeedPanicIsDowngraded(t *testing.T) {
	feed := healthyFeed()
	feed.panics = true
	ok, _, report := newGate().WithFeed(feed).ValidateSignal(buy(100, 99), quote(99.9, 100.1))
	require.True(t, ok)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "reference feed error for BTCUSD")
}

func TestFeedErrorsAreWarnings(t *testing.T) {
	errs := []error{
		fmt.Errorf("%w for BTCUSDT", venuesync.ErrNoReferenceData),
		fmt.Errorf("%w for BTCUSDT: 2m0s old", venuesync.ErrStaleReferenceData),
		venuesync.ErrNotRunning,
		fmt.Errorf("quote source timeout"),
	}
	for _, err := range errs {
		feed := healthyFeed()
		feed.err = err
		ok, _, report := newGate().WithFeed(feed).ValidateSignal(buy(100, 99), quote(99.9, 100.1))
		assert.True(t, ok, err.Error())
		assert.NotEmpty(t, report.Warnings, err.Error())
		assert.NotContains(t, report.ChecksPassed, "feed_safety")
	}
}

func TestInvalidExecutionQuoteBlocks(t *testing.T) {
	feed := healthyFeed()
	feed.err = fmt.Errorf("%w: BTCUSD bid=0", validator.ErrInvalidPrice)
	ok, reason, report := newGate().WithFeed(feed).ValidateSignal(buy(100, 99), quote(0, 100.1))
	assert.False(t, ok)
	assert.Contains(t, reason, "invalid execution quote")
	assert.Equal(t, StageFeed, report.Stage)
}

func TestUnsafeFeedBlocks(t *testing.T) {
	feed := healthyFeed()
	feed.verdict = validator.Verdict{IsSafe: false, Reason: "spread too wide: 20.00000 is 4.0x baseline 5.00000 (max 3.0x)"}
	ok, reason, report := newGate().WithFeed(feed).ValidateSignal(buy(100, 99), quote(99.9, 100.1))
	assert.False(t, ok)
	assert.Contains(t, reason, "spread too wide")
	assert.Equal(t, StageFeed, report.Stage)
	assert.Equal(t, []string{"feed_safety"}, report.ChecksFailed)
}

func TestCriticalHealth(t *testing.T) {
	noData := healthyFeed()
	noData.health = venuesync.FeedHealth{Status: calibration.StatusCritical, Reason: calibration.ReasonNoData, Message: "no sync data available"}
	ok, _, report := newGate().WithFeed(noData).ValidateSignal(buy(100, 99), quote(99.9, 100.1))
	assert.True(t, ok)
	assert.Len(t, report.Warnings, 1)

	stale := healthyFeed()
	stale.health = venuesync.FeedHealth{Status: calibration.StatusCritical, Reason: calibration.ReasonStale, Message: "offset data stale (6m0s old)"}
	ok, reason, report := newGate().WithFeed(stale).ValidateSignal(buy(100, 99), quote(99.9, 100.1))
	assert.False(t, ok)
	assert.Contains(t, reason, "feed health critical")
	assert.Equal(t, []string{"feed_health"}, report.ChecksFailed)

	warning := healthyFeed()
	warning.health = venuesync.FeedHealth{Status: calibration.StatusWarning, Reason: calibration.ReasonAging, Message: "offset aging (1m30s old)"}
	ok, _, report = newGate().WithFeed(warning).ValidateSignal(buy(100, 99), quote(99.9, 100.1))
	assert.True(t, ok)
	assert.Contains(t, report.Warnings[0], "offset aging")
}

func TestBlockStopsEvaluation(t *testing.T) {
	gate := newGate().
		WithBreaker(fakeBreaker{allow: false, reason: "circuit breaker open"}).
		WithExposure(&fakeExposure{dec: risk.Decision{Allowed: true}}).
		WithFeed(healthyFeed())

	// Entry far from market would warn at price sanity if evaluation continued.
	ok, reason, report := gate.ValidateSignal(buy(120, 99), quote(99.9, 100.1))
	assert.False(t, ok)
	assert.Equal(t, "circuit breaker open", reason)
	assert.Equal(t, StageCircuitBreaker, report.Stage)
	assert.Equal(t, []string{"confidence"}, report.ChecksPassed)
	assert.Empty(t, report.Warnings)
}

func TestLowConfidenceBlocksFirst(t *testing.T) {
	sig := buy(100, 105)
	sig.Confidence = 69.9
	ok, reason, report := newGate().WithBreaker(fakeBreaker{allow: true}).ValidateSignal(sig, quote(99.9, 100.1))
	assert.False(t, ok)
	assert.Contains(t, reason, "confidence 69.9 below minimum 70.0")
	assert.Equal(t, StageConfidence, report.Stage)
	assert.Empty(t, report.ChecksPassed)
}

func TestExposureBlocks(t *testing.T) {
	guard := &fakeExposure{dec: risk.Decision{Allowed: false, Reason: "total exposure 9.00% + 1.50% exceeds account limit 10.00%"}}
	ok, reason, report := newGate().WithExposure(guard).ValidateSignal(buy(100, 99), quote(99.9, 100.1))
	assert.False(t, ok)
	assert.Contains(t, reason, "exceeds account limit")
	assert.Equal(t, StageExposure, report.Stage)
	assert.Equal(t, 1.0, guard.lastPct, "default risk used when the signal has none")
}

func TestPriceSanityWarns(t *testing.T) {
	ok, reason, report := newGate().ValidateSignal(buy(100, 99), quote(101.9, 102))
	assert.True(t, ok)
	assert.Equal(t, "approved with 1 warning(s)", reason)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "from market")

	sell := Signal{Symbol: "BTCUSD", Side: marketdata.SideSell, Entry: 100, StopLoss: 101, Confidence: 75}
	_, _, report = newGate().ValidateSignal(sell, quote(99.5, 130))
	assert.Contains(t, report.ChecksPassed, "price_sanity", "SELL compares against the bid")
}

func TestFullApproval(t *testing.T) {
	bus := events.NewBus()
	decisions, unsub := bus.Subscribe(events.EventGateDecision, 4)
	defer unsub()
	metrics := monitor.NewSystemMetrics()

	gate := newGate().
		WithBreaker(fakeBreaker{allow: true}).
		WithExposure(&fakeExposure{dec: risk.Decision{Allowed: true}}).
		WithFeed(healthyFeed()).
		WithEvents(bus).
		WithMetrics(metrics)

	ok, reason, report := gate.ValidateSignal(buy(100, 99), quote(99.9, 100.1))
	require.True(t, ok)
	assert.Equal(t, "approved", reason)
	assert.Equal(t, []string{"confidence", "circuit_breaker", "exposure", "feed_safety", "feed_health", "price_sanity", "stop_loss"}, report.ChecksPassed)
	assert.Equal(t, fixedNow, report.EvaluatedAt)

	_, _, again := gate.ValidateSignal(buy(100, 99), quote(99.9, 100.1))
	assert.Equal(t, report, again)

	select {
	case msg := <-decisions:
		d, ok := msg.(events.GateDecision)
		require.True(t, ok)
		assert.True(t, d.Approved)
		assert.Equal(t, "APPROVED", d.Stage)
	case <-time.After(time.Second):
		t.Fatal("gate decision not published")
	}
	assert.Equal(t, uint64(2), metrics.GetSnapshot().GateApproved)
}

func TestInvalidSignalShape(t *testing.T) {
	for _, sig := range []Signal{
		{Symbol: "", Side: marketdata.SideBuy, Entry: 1, StopLoss: 0.5, Confidence: 90},
		{Symbol: "X", Side: "LONG", Entry: 1, StopLoss: 0.5, Confidence: 90},
		{Symbol: "X", Side: marketdata.SideBuy, Entry: -1, StopLoss: 0.5, Confidence: 90},
	} {
		ok, _, report := newGate().ValidateSignal(sig, quote(1, 1.01))
		assert.False(t, ok)
		assert.Equal(t, StageConfidence, report.Stage)
	}
}
