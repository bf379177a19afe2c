// Package microstructure derives order-flow signals from the reference venue's
// partial book snapshots and aggregate trade tape.
package microstructure

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"venue-guard/pkg/cache"
	"venue-guard/pkg/marketdata"
)

var (
	ErrEmptyBook    = errors.New("microstructure: empty book side")
	ErrCrossedBook  = errors.New("microstructure: crossed book")
	ErrInvalidTrade = errors.New("microstructure: invalid trade")
)

// maxBookLevels bounds retained depth per side.
const maxBookLevels = 20

// WhaleTiers are USD notional thresholds, ascending.
type WhaleTiers struct {
	Small  float64 `yaml:"small" json:"small"`
	Medium float64 `yaml:"medium" json:"medium"`
	Large  float64 `yaml:"large" json:"large"`
	Whale  float64 `yaml:"whale" json:"whale"`
}

// Config holds every analyzer threshold.
type Config struct {
	DepthHistory       int
	TapeMaxTrades      int
	TapeWindow         time.Duration
	ImbalanceLevels    int
	ImbalanceThreshold float64
	VoidMultiplier     float64
	Tiers              WhaleTiers
	PressureWindow     time.Duration
	SpikeWindow        time.Duration
	SpikeWarn          float64
	SpoofMinUSD        float64
	SpoofMaxSnapshots  int
	SpoofDropRatio     float64
	RebuildLevels      int
	RebuildMinSpan     time.Duration
	RebuildMargin      float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		DepthHistory:       20,
		TapeMaxTrades:      5000,
		TapeWindow:         60 * time.Second,
		ImbalanceLevels:    5,
		ImbalanceThreshold: 1.5,
		VoidMultiplier:     2.0,
		Tiers:              WhaleTiers{Small: 50_000, Medium: 100_000, Large: 500_000, Whale: 1_000_000},
		PressureWindow:     30 * time.Second,
		SpikeWindow:        10 * time.Second,
		SpikeWarn:          3.0,
		SpoofMinUSD:        10_000,
		SpoofMaxSnapshots:  5,
		SpoofDropRatio:     0.5,
		RebuildLevels:      5,
		RebuildMinSpan:     10 * time.Second,
		RebuildMargin:      0.2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DepthHistory < 10 {
		c.DepthHistory = d.DepthHistory
	}
	if c.TapeMaxTrades <= 0 {
		c.TapeMaxTrades = d.TapeMaxTrades
	}
	if c.TapeWindow < 60*time.Second {
		c.TapeWindow = d.TapeWindow
	}
	if c.ImbalanceLevels <= 0 {
		c.ImbalanceLevels = d.ImbalanceLevels
	}
	if c.ImbalanceThreshold <= 1 {
		c.ImbalanceThreshold = d.ImbalanceThreshold
	}
	if c.VoidMultiplier <= 1 {
		c.VoidMultiplier = d.VoidMultiplier
	}
	if c.Tiers.Small <= 0 || c.Tiers.Medium < c.Tiers.Small || c.Tiers.Large < c.Tiers.Medium || c.Tiers.Whale < c.Tiers.Large {
		c.Tiers = d.Tiers
	}
	if c.PressureWindow <= 0 {
		c.PressureWindow = d.PressureWindow
	}
	if c.SpikeWindow <= 0 || c.SpikeWindow > c.TapeWindow {
		c.SpikeWindow = d.SpikeWindow
	}
	if c.SpikeWarn <= 1 {
		c.SpikeWarn = d.SpikeWarn
	}
	if c.SpoofMinUSD <= 0 {
		c.SpoofMinUSD = d.SpoofMinUSD
	}
	if c.SpoofMaxSnapshots <= 0 {
		c.SpoofMaxSnapshots = d.SpoofMaxSnapshots
	}
	if c.SpoofDropRatio <= 0 || c.SpoofDropRatio >= 1 {
		c.SpoofDropRatio = d.SpoofDropRatio
	}
	if c.RebuildLevels <= 0 {
		c.RebuildLevels = d.RebuildLevels
	}
	if c.RebuildMinSpan <= 0 {
		c.RebuildMinSpan = d.RebuildMinSpan
	}
	if c.RebuildMargin <= 0 {
		c.RebuildMargin = d.RebuildMargin
	}
	return c
}

// Analyzer owns per-symbol depth history and trade tape. Ingestion takes the
// symbol's write lock; every query is a read over the retained buffers.
type Analyzer struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	symbols map[string]*symbolState
}

type symbolState struct {
	mu    sync.RWMutex
	depth *cache.Ring[marketdata.DepthSnapshot]
	tape  *cache.Ring[marketdata.AggTrade]
}

// New builds an analyzer; out-of-range config fields fall back to defaults.
func New(cfg Config) *Analyzer {
	return &Analyzer{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		symbols: make(map[string]*symbolState),
	}
}

// WithClock overrides the clock used for trade windows.
func (a *Analyzer) WithClock(now func() time.Time) *Analyzer {
	a.now = now
	return a
}

// Config returns the effective thresholds.
func (a *Analyzer) Config() Config { return a.cfg }

func (a *Analyzer) state(symbol string) *symbolState {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	a.mu.RLock()
	st := a.symbols[symbol]
	a.mu.RUnlock()
	return st
}

func (a *Analyzer) stateOrCreate(symbol string) *symbolState {
	if st := a.state(symbol); st != nil {
		return st
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.symbols[symbol]
	if !ok {
		st = &symbolState{
			depth: cache.NewRing[marketdata.DepthSnapshot](a.cfg.DepthHistory),
			tape:  cache.NewRing[marketdata.AggTrade](a.cfg.TapeMaxTrades),
		}
		a.symbols[symbol] = st
	}
	return st
}

// UpdateDepth normalizes and stores a snapshot: bids descending, asks ascending,
// non-positive levels dropped, each side truncated to 20 levels. Empty or crossed
// books are rejected.
func (a *Analyzer) UpdateDepth(snap marketdata.DepthSnapshot) error {
	symbol := strings.ToUpper(strings.TrimSpace(snap.Symbol))
	if symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrEmptyBook)
	}
	norm := marketdata.DepthSnapshot{
		Symbol:    symbol,
		Timestamp: snap.Timestamp,
		Bids:      normalizeSide(snap.Bids, true),
		Asks:      normalizeSide(snap.Asks, false),
		UpdateID:  snap.UpdateID,
	}
	if len(norm.Bids) == 0 || len(norm.Asks) == 0 {
		return fmt.Errorf("%w: %s bids=%d asks=%d", ErrEmptyBook, symbol, len(norm.Bids), len(norm.Asks))
	}
	if norm.Crossed() {
		return fmt.Errorf("%w: %s bid %v >= ask %v", ErrCrossedBook, symbol, norm.Bids[0].Price, norm.Asks[0].Price)
	}
	if norm.Timestamp.IsZero() {
		norm.Timestamp = a.now()
	}

	st := a.stateOrCreate(symbol)
	st.mu.Lock()
	st.depth.Push(norm)
	st.mu.Unlock()
	return nil
}

func normalizeSide(levels []marketdata.Level, descending bool) []marketdata.Level {
	out := make([]marketdata.Level, 0, len(levels))
	for _, l := range levels {
		if marketdata.ValidPrice(l.Price) && l.Qty > 0 {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if len(out) > maxBookLevels {
		out = out[:maxBookLevels]
	}
	return out
}

// UpdateTrade appends a trade to the tape and evicts trades older than the tape
// window relative to the newest trade.
func (a *Analyzer) UpdateTrade(trade marketdata.AggTrade) error {
	symbol := strings.ToUpper(strings.TrimSpace(trade.Symbol))
	if symbol == "" || !marketdata.ValidPrice(trade.Price) || trade.Qty <= 0 || !trade.Side.Valid() {
		return fmt.Errorf("%w: %+v", ErrInvalidTrade, trade)
	}
	trade.Symbol = symbol
	if trade.USDValue <= 0 {
		trade.USDValue = trade.Price * trade.Qty
	}

	st := a.stateOrCreate(symbol)
	st.mu.Lock()
	st.tape.Push(trade)
	cutoff := trade.Timestamp.Add(-a.cfg.TapeWindow)
	st.tape.DropWhile(func(t marketdata.AggTrade) bool { return t.Timestamp.Before(cutoff) })
	st.mu.Unlock()
	return nil
}

// LatestDepth returns the newest snapshot for symbol.
func (a *Analyzer) LatestDepth(symbol string) (marketdata.DepthSnapshot, bool) {
	st := a.state(symbol)
	if st == nil {
		return marketdata.DepthSnapshot{}, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.depth.Latest()
}

// DepthCount and TradeCount report buffer occupancy.
func (a *Analyzer) DepthCount(symbol string) int {
	st := a.state(symbol)
	if st == nil {
		return 0
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.depth.Len()
}

func (a *Analyzer) TradeCount(symbol string) int {
	st := a.state(symbol)
	if st == nil {
		return 0
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.tape.Len()
}

// snapshots copies the retained depth history oldest first.
func (a *Analyzer) snapshots(symbol string) []marketdata.DepthSnapshot {
	st := a.state(symbol)
	if st == nil {
		return nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.depth.Last(0)
}

// trades copies the tape entries newer than now − window, oldest first.
func (a *Analyzer) trades(symbol string, window time.Duration) []marketdata.AggTrade {
	st := a.state(symbol)
	if st == nil {
		return nil
	}
	cutoff := a.now().Add(-window)
	st.mu.RLock()
	defer st.mu.RUnlock()
	n := st.tape.Len()
	start := n
	for start > 0 && !st.tape.At(start-1).Timestamp.Before(cutoff) {
		start--
	}
	out := make([]marketdata.AggTrade, 0, n-start)
	for i := start; i < n; i++ {
		out = append(out, st.tape.At(i))
	}
	return out
}
