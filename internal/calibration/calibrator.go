// Package calibration estimates the per-symbol price offset between the
// reference venue and the execution venue.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"venue-guard/pkg/cache"
	"venue-guard/pkg/marketdata"
)

var (
	ErrInvalidPrice = errors.New("calibration: invalid price")
	ErrOutOfOrder   = errors.New("calibration: sample older than newest sample")
)

// Config holds calibration thresholds. Offsets are in price units.
type Config struct {
	Window         int
	StaleAfter     time.Duration
	AlertThreshold float64
	WarningOffset  float64
	WarningAge     time.Duration
	CriticalAge    time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Window:         60,
		StaleAfter:     5 * time.Minute,
		AlertThreshold: 50,
		WarningOffset:  100,
		WarningAge:     60 * time.Second,
		CriticalAge:    300 * time.Second,
	}
}

// Sample is one reference − execution observation.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Offset    float64   `json:"offset"`
}

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Reason explains a Health status. NoData means the symbol was never
// calibrated; Stale means it was and the samples aged out.
type Reason string

const (
	ReasonOK          Reason = "ok"
	ReasonNoData      Reason = "no_data"
	ReasonStale       Reason = "stale"
	ReasonLargeOffset Reason = "large_offset"
	ReasonAging       Reason = "aging"
)

// Health is the sync classification for one symbol.
type Health struct {
	Symbol      string        `json:"symbol"`
	Status      Status        `json:"status"`
	Reason      Reason        `json:"reason"`
	Offset      float64       `json:"offset"`
	HasOffset   bool          `json:"has_offset"`
	Age         time.Duration `json:"age"`
	SampleCount int           `json:"sample_count"`
	Message     string        `json:"message"`
}

// AlertFunc receives offsets whose magnitude exceeds the alert threshold.
type AlertFunc func(symbol string, offset float64, at time.Time)

// Calibrator keeps a bounded, time-ordered offset window per symbol.
type Calibrator struct {
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time
	onAlert AlertFunc

	mu      sync.RWMutex
	windows map[string]*offsetWindow
}

type offsetWindow struct {
	mu      sync.RWMutex
	samples *cache.Ring[Sample]
}

// New builds a calibrator; zero config fields fall back to defaults.
func New(cfg Config, log zerolog.Logger) *Calibrator {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = def.AlertThreshold
	}
	if cfg.WarningOffset <= 0 {
		cfg.WarningOffset = def.WarningOffset
	}
	if cfg.WarningAge <= 0 {
		cfg.WarningAge = def.WarningAge
	}
	if cfg.CriticalAge <= 0 {
		cfg.CriticalAge = def.CriticalAge
	}
	return &Calibrator{
		cfg:     cfg,
		log:     log.With().Str("component", "calibration").Logger(),
		now:     time.Now,
		windows: make(map[string]*offsetWindow),
	}
}

// WithClock overrides the clock.
func (c *Calibrator) WithClock(now func() time.Time) *Calibrator {
	c.now = now
	return c
}

// OnAlert installs the large-offset hook. Call before samples arrive.
func (c *Calibrator) OnAlert(fn AlertFunc) {
	c.onAlert = fn
}

// Config returns the effective thresholds.
func (c *Calibrator) Config() Config { return c.cfg }

func (c *Calibrator) window(symbol string) *offsetWindow {
	c.mu.RLock()
	w := c.windows[symbol]
	c.mu.RUnlock()
	return w
}

func (c *Calibrator) windowOrCreate(symbol string) *offsetWindow {
	if w := c.window(symbol); w != nil {
		return w
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[symbol]
	if !ok {
		w = &offsetWindow{samples: cache.NewRing[Sample](c.cfg.Window)}
		c.windows[symbol] = w
	}
	return w
}

// UpdateOffset records referencePrice − executionPrice stamped now.
func (c *Calibrator) UpdateOffset(symbol string, referencePrice, executionPrice float64) error {
	return c.UpdateOffsetAt(symbol, referencePrice, executionPrice, c.now())
}

// UpdateOffsetAt records a sample with an explicit timestamp. Samples older than
// the newest retained one are rejected so the window stays time-ordered.
func (c *Calibrator) UpdateOffsetAt(symbol string, referencePrice, executionPrice float64, at time.Time) error {
	if !marketdata.ValidPrice(referencePrice) || !marketdata.ValidPrice(executionPrice) {
		return fmt.Errorf("%w: reference=%v execution=%v", ErrInvalidPrice, referencePrice, executionPrice)
	}
	offset := referencePrice - executionPrice

	w := c.windowOrCreate(symbol)
	w.mu.Lock()
	if newest, ok := w.samples.Latest(); ok && at.Before(newest.Timestamp) {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s at %s < %s", ErrOutOfOrder, symbol, at.Format(time.RFC3339Nano), newest.Timestamp.Format(time.RFC3339Nano))
	}
	w.samples.Push(Sample{Timestamp: at, Offset: offset})
	w.mu.Unlock()

	if math.Abs(offset) > c.cfg.AlertThreshold {
		c.log.Warn().Str("symbol", symbol).Float64("offset", offset).
			Float64("reference", referencePrice).Float64("execution", executionPrice).
			Msg("large price offset")
		if c.onAlert != nil {
			c.onAlert(symbol, offset, at)
		}
	}
	return nil
}

// CurrentOffset returns the window mean. It is absent when the window is empty
// or the newest sample is older than the staleness cutoff.
func (c *Calibrator) CurrentOffset(symbol string) (float64, bool) {
	w := c.window(symbol)
	if w == nil {
		return 0, false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return c.meanLocked(w)
}

func (c *Calibrator) meanLocked(w *offsetWindow) (float64, bool) {
	newest, ok := w.samples.Latest()
	if !ok || c.now().Sub(newest.Timestamp) > c.cfg.StaleAfter {
		return 0, false
	}
	var sum float64
	n := w.samples.Len()
	for i := 0; i < n; i++ {
		sum += w.samples.At(i).Offset
	}
	return sum / float64(n), true
}

// AdjustPricesForExecution subtracts the current offset from every named price.
// The returned map is always a copy; ok is false when the symbol is uncalibrated
// and the prices are unchanged.
func (c *Calibrator) AdjustPricesForExecution(symbol string, prices map[string]float64) (map[string]float64, bool) {
	out := make(map[string]float64, len(prices))
	for k, v := range prices {
		out[k] = v
	}
	offset, ok := c.CurrentOffset(symbol)
	if !ok {
		return out, false
	}
	for k := range out {
		out[k] -= offset
	}
	return out, true
}

// SyncHealth classifies calibration quality for symbol.
func (c *Calibrator) SyncHealth(symbol string) Health {
	h := Health{Symbol: symbol}
	w := c.window(symbol)
	if w == nil {
		return noData(h)
	}

	w.mu.RLock()
	newest, ok := w.samples.Latest()
	h.SampleCount = w.samples.Len()
	offset, has := c.meanLocked(w)
	w.mu.RUnlock()
	if !ok {
		return noData(h)
	}

	h.Age = c.now().Sub(newest.Timestamp)
	h.Offset, h.HasOffset = offset, has

	switch {
	case !has || h.Age > c.cfg.CriticalAge:
		h.Status, h.Reason = StatusCritical, ReasonStale
		h.Message = fmt.Sprintf("offset data stale (%s old)", h.Age.Truncate(time.Second))
	case math.Abs(offset) > c.cfg.WarningOffset:
		h.Status, h.Reason = StatusWarning, ReasonLargeOffset
		h.Message = fmt.Sprintf("large offset %.2f", offset)
	case h.Age > c.cfg.WarningAge:
		h.Status, h.Reason = StatusWarning, ReasonAging
		h.Message = fmt.Sprintf("offset aging (%s old)", h.Age.Truncate(time.Second))
	default:
		h.Status, h.Reason = StatusHealthy, ReasonOK
		h.Message = "ok"
	}
	return h
}

func noData(h Health) Health {
	h.Status = StatusCritical
	h.Reason = ReasonNoData
	h.Message = "no sync data available"
	return h
}

// Samples returns the retained window oldest first.
func (c *Calibrator) Samples(symbol string) []Sample {
	w := c.window(symbol)
	if w == nil {
		return nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.samples.Last(0)
}

// Symbols lists every symbol with a window, sorted.
func (c *Calibrator) Symbols() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.windows))
	for s := range c.windows {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Reset drops the window for symbol.
func (c *Calibrator) Reset(symbol string) {
	c.mu.Lock()
	delete(c.windows, symbol)
	c.mu.Unlock()
}
