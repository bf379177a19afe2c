package calibration

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"venue-guard/internal/monitor"
	"venue-guard/pkg/marketdata"
)

// QuoteSource supplies execution-venue quotes.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (marketdata.Quote, error)
}

// PriceSource supplies the latest reference tick.
type PriceSource interface {
	Latest(symbol string) (marketdata.Tick, bool)
	IsStale(symbol string, maxAge time.Duration) bool
}

// Sampler periodically pairs the latest reference price with the execution
// quote mid and feeds the calibrator. Sampling is off the tick path.
type Sampler struct {
	Calibrator *Calibrator
	Quotes     QuoteSource
	Prices     PriceSource
	// Pairs maps execution symbol to reference symbol.
	Pairs      map[string]string
	Interval   time.Duration
	MaxTickAge time.Duration
	Latency    *monitor.LatencyHistogram
	Log        zerolog.Logger
}

// Start samples once immediately and then every Interval until ctx ends.
func (s *Sampler) Start(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		s.SampleOnce(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SampleOnce(ctx)
			}
		}
	}()
}

// SampleOnce runs one pass over every pair and returns how many samples were
// recorded. Failures are logged and skipped.
func (s *Sampler) SampleOnce(ctx context.Context) int {
	execSymbols := make([]string, 0, len(s.Pairs))
	for exec := range s.Pairs {
		execSymbols = append(execSymbols, exec)
	}
	sort.Strings(execSymbols)

	recorded := 0
	for _, exec := range execSymbols {
		if ctx.Err() != nil {
			return recorded
		}
		ref := s.Pairs[exec]
		if err := s.sample(ctx, exec, ref); err != nil {
			s.Log.Debug().Err(err).Str("exec", exec).Str("ref", ref).Msg("calibration sample skipped")
			continue
		}
		recorded++
	}
	return recorded
}

func (s *Sampler) sample(ctx context.Context, exec, ref string) error {
	maxAge := s.MaxTickAge
	if maxAge <= 0 {
		maxAge = 60 * time.Second
	}
	tick, ok := s.Prices.Latest(ref)
	if !ok {
		return fmt.Errorf("no reference price for %s", ref)
	}
	if s.Prices.IsStale(ref, maxAge) {
		return fmt.Errorf("reference price for %s is stale", ref)
	}

	start := time.Now()
	quote, err := s.Quotes.GetQuote(ctx, exec)
	if s.Latency != nil {
		s.Latency.RecordDuration(time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("execution quote %s: %w", exec, err)
	}
	if quote.Ask < quote.Bid {
		return fmt.Errorf("execution quote %s crossed: bid=%v ask=%v", exec, quote.Bid, quote.Ask)
	}

	if err := s.Calibrator.UpdateOffset(ref, tick.Price, quote.Mid()); err != nil {
		return err
	}
	if offset, ok := s.Calibrator.CurrentOffset(ref); ok {
		monitor.CurrentOffset.WithLabelValues(ref).Set(offset)
	}
	return nil
}
