// Package venuesync ties the reference streams, tick cache, offset calibration,
// microstructure analysis and feed validation into one lifecycle.
package venuesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"venue-guard/internal/calibration"
	"venue-guard/internal/events"
	"venue-guard/internal/execution"
	"venue-guard/internal/microstructure"
	"venue-guard/internal/monitor"
	"venue-guard/internal/stream"
	"venue-guard/internal/validator"
	"venue-guard/pkg/cache"
	"venue-guard/pkg/marketdata"
)

var (
	// ErrNoReferenceData means the reference feed never delivered a tick.
	ErrNoReferenceData = errors.New("no reference data")
	// ErrStaleReferenceData means the newest reference tick is older than MaxTickAge.
	ErrStaleReferenceData = errors.New("stale reference data")
	// ErrNotRunning is returned by feed checks while the service is stopped.
	ErrNotRunning = errors.New("venue sync not running")
	// ErrUnmappedSymbol means the execution symbol has no reference counterpart.
	ErrUnmappedSymbol = errors.New("symbol has no reference mapping")
	// ErrInvalidSymbolMap is a startup configuration error.
	ErrInvalidSymbolMap = errors.New("invalid symbol mapping")
)

// Options configures the service and its components.
type Options struct {
	// SymbolMap maps execution symbol to reference symbol.
	SymbolMap      map[string]string
	Channels       []stream.Channel
	Stream         stream.Options
	CacheCapacity  int
	MaxTickAge     time.Duration
	SampleInterval time.Duration
	Calibration    calibration.Config
	Analyzer       microstructure.Config
	Validator      validator.Config
}

// Service is the single entry point for reference-venue data.
type Service struct {
	opts    Options
	symbols map[string]string
	log     zerolog.Logger
	bus     *events.Bus
	metrics *monitor.SystemMetrics

	streams    *stream.Manager
	cache      *cache.TickCache
	calibrator *calibration.Calibrator
	sampler    *calibration.Sampler
	analyzer   *microstructure.Analyzer
	validator  *validator.Validator
	quotes     execution.QuoteSource

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// ParseSymbolMap validates and normalizes an execution→reference mapping.
func ParseSymbolMap(m map[string]string) (map[string]string, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: no symbols configured", ErrInvalidSymbolMap)
	}
	out := make(map[string]string, len(m))
	for exec, ref := range m {
		exec = strings.ToUpper(strings.TrimSpace(exec))
		ref = strings.ToUpper(strings.TrimSpace(ref))
		if exec == "" || ref == "" {
			return nil, fmt.Errorf("%w: empty symbol in %q=%q", ErrInvalidSymbolMap, exec, ref)
		}
		if prev, dup := out[exec]; dup && prev != ref {
			return nil, fmt.Errorf("%w: %s mapped to both %s and %s", ErrInvalidSymbolMap, exec, prev, ref)
		}
		out[exec] = ref
	}
	return out, nil
}

// New wires every component. bus and metrics may be nil.
func New(opts Options, dialer stream.Dialer, quotes execution.QuoteSource, bus *events.Bus, metrics *monitor.SystemMetrics, log zerolog.Logger) (*Service, error) {
	symbols, err := ParseSymbolMap(opts.SymbolMap)
	if err != nil {
		return nil, err
	}
	if len(opts.Channels) == 0 {
		opts.Channels = []stream.Channel{stream.ChannelKline, stream.ChannelDepth, stream.ChannelAggTrade}
	}
	for _, ch := range opts.Channels {
		if _, err := stream.ParseChannel(string(ch)); err != nil {
			return nil, err
		}
	}
	if opts.MaxTickAge <= 0 {
		opts.MaxTickAge = 60 * time.Second
	}
	if metrics == nil {
		metrics = monitor.NewSystemMetrics()
	}

	s := &Service{
		opts:       opts,
		symbols:    symbols,
		log:        log.With().Str("component", "venuesync").Logger(),
		bus:        bus,
		metrics:    metrics,
		streams:    stream.NewManager(dialer, opts.Stream, log, bus),
		cache:      cache.NewTickCache(opts.CacheCapacity),
		calibrator: calibration.New(opts.Calibration, log),
		analyzer:   microstructure.New(opts.Analyzer),
		validator:  validator.New(opts.Validator),
		quotes:     quotes,
	}
	s.sampler = &calibration.Sampler{
		Calibrator: s.calibrator,
		Quotes:     quotes,
		Prices:     s.cache,
		Pairs:      symbols,
		Interval:   opts.SampleInterval,
		MaxTickAge: opts.MaxTickAge,
		Latency:    metrics.CalibrationLatency,
		Log:        s.log,
	}

	s.calibrator.OnAlert(func(symbol string, offset float64, at time.Time) {
		s.bus.Publish(events.EventOffsetAlert, events.OffsetAlert{
			Symbol:    symbol,
			Offset:    offset,
			Threshold: s.calibrator.Config().AlertThreshold,
			At:        at,
		})
	})
	s.streams.OnTick(s.ingestTick)
	s.streams.OnDepth(s.ingestDepth)
	s.streams.OnAggTrade(s.ingestTrade)
	return s, nil
}

func (s *Service) ingestTick(t marketdata.Tick) {
	s.cache.Update(t.Symbol, t)
	s.metrics.IncrementTicks()
	s.bus.Publish(events.EventReferenceTick, t)
}

func (s *Service) ingestDepth(d marketdata.DepthSnapshot) {
	if err := s.analyzer.UpdateDepth(d); err != nil {
		s.metrics.IncrementErrors()
		s.log.Debug().Err(err).Str("symbol", d.Symbol).Msg("depth snapshot rejected")
		return
	}
	s.metrics.IncrementDepth()
}

func (s *Service) ingestTrade(t marketdata.AggTrade) {
	if err := s.analyzer.UpdateTrade(t); err != nil {
		s.metrics.IncrementErrors()
		s.log.Debug().Err(err).Str("symbol", t.Symbol).Msg("trade rejected")
		return
	}
	s.metrics.IncrementTrades()
}

// Start opens every reference stream and the calibration sampler. Starting a
// running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Warn().Msg("venue sync already running")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.streams.Start(runCtx, s.referenceSymbols(), s.opts.Channels); err != nil {
		cancel()
		return fmt.Errorf("start streams: %w", err)
	}
	if s.quotes != nil {
		s.sampler.Start(runCtx)
	} else {
		s.log.Warn().Msg("no execution quote source; offset calibration disabled")
	}
	s.cancel = cancel
	s.running = true
	s.log.Info().Int("pairs", len(s.symbols)).Msg("venue sync started")
	return nil
}

// Stop tears down streams and sampling; it is bounded by the stream grace
// period and safe to call repeatedly.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.streams.Stop()
	s.log.Info().Msg("venue sync stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) referenceSymbols() []string {
	seen := make(map[string]bool, len(s.symbols))
	var out []string
	for _, ref := range s.symbols {
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	sort.Strings(out)
	return out
}

// ReferenceSymbol maps an execution symbol to its reference-venue symbol.
func (s *Service) ReferenceSymbol(execSymbol string) (string, bool) {
	ref, ok := s.symbols[strings.ToUpper(strings.TrimSpace(execSymbol))]
	return ref, ok
}

// SymbolMap returns a copy of the execution→reference mapping.
func (s *Service) SymbolMap() map[string]string {
	out := make(map[string]string, len(s.symbols))
	for k, v := range s.symbols {
		out[k] = v
	}
	return out
}

// resolve accepts either an execution or a reference symbol.
func (s *Service) resolve(symbol string) string {
	if ref, ok := s.ReferenceSymbol(symbol); ok {
		return ref
	}
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// LatestPrice returns the newest reference price; absent data is (0, false).
func (s *Service) LatestPrice(symbol string) (float64, bool) {
	t, ok := s.cache.Latest(s.resolve(symbol))
	if !ok {
		return 0, false
	}
	return t.Price, true
}

// History returns up to n reference ticks, oldest first.
func (s *Service) History(symbol string, n int) []marketdata.Tick {
	return s.cache.History(s.resolve(symbol), n)
}

func (s *Service) freshTick(execSymbol string) (string, marketdata.Tick, error) {
	if !s.Running() {
		return "", marketdata.Tick{}, ErrNotRunning
	}
	ref, ok := s.ReferenceSymbol(execSymbol)
	if !ok {
		return "", marketdata.Tick{}, fmt.Errorf("%w: %s", ErrUnmappedSymbol, execSymbol)
	}
	tick, ok := s.cache.Latest(ref)
	if !ok {
		return ref, marketdata.Tick{}, fmt.Errorf("%w for %s", ErrNoReferenceData, ref)
	}
	if s.cache.IsStale(ref, s.opts.MaxTickAge) {
		age, _ := s.cache.Age(ref)
		return ref, tick, fmt.Errorf("%w for %s: %s old", ErrStaleReferenceData, ref, age.Truncate(time.Millisecond))
	}
	return ref, tick, nil
}

// ValidateExecution checks an execution quote against the fresh reference
// price and the calibrated offset. Unavailable reference data is an error the
// caller may downgrade; unsafe conditions are a failing verdict.
func (s *Service) ValidateExecution(execSymbol string, bid, ask float64) (validator.Verdict, error) {
	ref, tick, err := s.freshTick(execSymbol)
	if err != nil {
		return validator.Verdict{}, err
	}
	offset, known := s.calibrator.CurrentOffset(ref)
	return s.validator.ValidateExecutionSafety(validator.ExecutionInput{
		Symbol:         strings.ToUpper(execSymbol),
		ReferencePrice: tick.Price,
		ExecBid:        bid,
		ExecAsk:        ask,
		Offset:         offset,
		OffsetKnown:    known,
	})
}

// AdjustSignalForExecution shifts reference-denominated prices onto the
// execution venue. The bool is false when the symbol is uncalibrated and the
// copy is unchanged.
func (s *Service) AdjustSignalForExecution(symbol string, fields map[string]float64) (map[string]float64, bool) {
	return s.calibrator.AdjustPricesForExecution(s.resolve(symbol), fields)
}

// FeedHealth is the combined stream and calibration view for one symbol.
type FeedHealth struct {
	Symbol          string             `json:"symbol"`
	ReferenceSymbol string             `json:"reference_symbol"`
	Status          calibration.Status `json:"status"`
	Reason          calibration.Reason `json:"reason"`
	Message         string             `json:"message"`
	Sync            calibration.Health `json:"sync"`
	LatestPrice     float64            `json:"latest_price"`
	HasPrice        bool               `json:"has_price"`
	TickAge         time.Duration      `json:"tick_age"`
	TickStale       bool               `json:"tick_stale"`
	Freshness       *validator.Verdict `json:"freshness,omitempty"`
}

// FeedHealth reports sync health for symbol, given as either an execution or a
// reference symbol.
func (s *Service) FeedHealth(symbol string) FeedHealth {
	ref := s.resolve(symbol)
	h := s.calibrator.SyncHealth(ref)
	fh := FeedHealth{
		Symbol:          strings.ToUpper(strings.TrimSpace(symbol)),
		ReferenceSymbol: ref,
		Status:          h.Status,
		Reason:          h.Reason,
		Message:         h.Message,
		Sync:            h,
	}
	if t, ok := s.cache.Latest(ref); ok {
		fh.LatestPrice = t.Price
		fh.HasPrice = true
		fh.TickAge, _ = s.cache.Age(ref)
		fh.TickStale = s.cache.IsStale(ref, s.opts.MaxTickAge)
		if h.SampleCount > 0 {
			v := s.validator.ValidateDataFreshness(fh.TickAge, h.Age, s.opts.MaxTickAge)
			fh.Freshness = &v
		}
	} else {
		fh.TickStale = true
	}
	return fh
}

// FeedReport covers every configured pair plus stream status.
type FeedReport struct {
	Running  bool            `json:"running"`
	Healthy  int             `json:"healthy"`
	Warning  int             `json:"warning"`
	Critical int             `json:"critical"`
	Symbols  []FeedHealth    `json:"symbols"`
	Streams  []stream.Status `json:"streams"`
}

// FeedHealthAll reports health for every execution symbol, sorted.
func (s *Service) FeedHealthAll() FeedReport {
	execs := make([]string, 0, len(s.symbols))
	for exec := range s.symbols {
		execs = append(execs, exec)
	}
	sort.Strings(execs)

	report := FeedReport{Running: s.Running(), Symbols: make([]FeedHealth, 0, len(execs)), Streams: s.streams.Status()}
	for _, exec := range execs {
		fh := s.FeedHealth(exec)
		switch fh.Status {
		case calibration.StatusHealthy:
			report.Healthy++
		case calibration.StatusWarning:
			report.Warning++
		default:
			report.Critical++
		}
		report.Symbols = append(report.Symbols, fh)
	}
	return report
}

// OrderFlowSignal returns the composite microstructure view for symbol.
func (s *Service) OrderFlowSignal(symbol string) microstructure.OrderFlowSignal {
	return s.analyzer.Signal(s.resolve(symbol))
}

// ValidateCandles compares the current reference kline, shifted by the
// calibrated offset, with the execution venue's bar for timeframe.
func (s *Service) ValidateCandles(ctx context.Context, execSymbol, timeframe string) (validator.Verdict, error) {
	if s.quotes == nil {
		return validator.Verdict{}, errors.New("no execution quote source configured")
	}
	ref, tick, err := s.freshTick(execSymbol)
	if err != nil {
		return validator.Verdict{}, err
	}
	prices, _ := s.calibrator.AdjustPricesForExecution(ref, map[string]float64{
		"open": tick.Open, "high": tick.High, "low": tick.Low, "close": tick.Close,
	})
	refBar := marketdata.Candle{
		OpenTime: tick.Timestamp,
		Open:     prices["open"],
		High:     prices["high"],
		Low:      prices["low"],
		Close:    prices["close"],
		Volume:   tick.Volume,
	}
	execBar, err := s.quotes.GetOHLC(ctx, strings.ToUpper(execSymbol), timeframe)
	if err != nil {
		return validator.Verdict{}, fmt.Errorf("execution candle %s: %w", execSymbol, err)
	}
	return s.validator.ValidateCandleSync(refBar, execBar, 0), nil
}

// ResetBaselines forgets every learned spread baseline.
func (s *Service) ResetBaselines() {
	s.validator.ResetBaselines()
	s.log.Info().Msg("spread baselines reset")
}

// Streams lists per-stream connection status.
func (s *Service) Streams() []stream.Status {
	return s.streams.Status()
}

// Calibrator exposes the offset calibrator, mainly for tests and tooling.
func (s *Service) Calibrator() *calibration.Calibrator { return s.calibrator }

// Cache exposes the reference tick cache.
func (s *Service) Cache() *cache.TickCache { return s.cache }

// Analyzer exposes the microstructure analyzer.
func (s *Service) Analyzer() *microstructure.Analyzer { return s.analyzer }

// Metrics returns the in-process counters the service updates.
func (s *Service) Metrics() *monitor.SystemMetrics { return s.metrics }
