// Package execution holds the execution-venue quote sources the calibrator and
// the gate pull from.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"venue-guard/pkg/market/binance"
	"venue-guard/pkg/marketdata"
)

// ErrNoCandle is returned when the venue has no bar for the requested timeframe.
var ErrNoCandle = errors.New("execution: no candle")

// QuoteSource is the pull-based execution venue.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (marketdata.Quote, error)
	GetOHLC(ctx context.Context, symbol, timeframe string) (marketdata.Candle, error)
}

// RESTQuoteSource reads quotes from a Binance-compatible REST API, throttled to
// stay inside the venue's request weight.
type RESTQuoteSource struct {
	client  *binance.Client
	limiter *rate.Limiter
}

// NewRESTQuoteSource builds a source limited to rps requests per second.
func NewRESTQuoteSource(client *binance.Client, rps float64, burst int) *RESTQuoteSource {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return &RESTQuoteSource{client: client, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// GetQuote returns the venue's best bid and ask.
func (s *RESTQuoteSource) GetQuote(ctx context.Context, symbol string) (marketdata.Quote, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return marketdata.Quote{}, err
	}
	return s.client.GetBookTicker(ctx, symbol)
}

// GetOHLC returns the most recent bar for timeframe.
func (s *RESTQuoteSource) GetOHLC(ctx context.Context, symbol, timeframe string) (marketdata.Candle, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return marketdata.Candle{}, err
	}
	candles, err := s.client.GetKlines(ctx, symbol, timeframe, 1)
	if err != nil {
		return marketdata.Candle{}, err
	}
	if len(candles) == 0 {
		return marketdata.Candle{}, fmt.Errorf("%w: %s %s", ErrNoCandle, symbol, timeframe)
	}
	return candles[len(candles)-1], nil
}

// ReferenceFunc returns the reference price an execution symbol should track.
type ReferenceFunc func(execSymbol string) (float64, bool)

// MockQuoteSource synthesizes quotes for dry runs. With a Reference hook the
// mid follows the reference price minus Offset; otherwise it random-walks from
// StartPrice.
type MockQuoteSource struct {
	Reference  ReferenceFunc
	Offset     float64
	Spread     float64
	Step       float64
	StartPrice float64

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
	bars   map[string]*marketdata.Candle
}

// NewMockQuoteSource builds a deterministic mock for the given seed.
func NewMockQuoteSource(seed int64) *MockQuoteSource {
	return &MockQuoteSource{
		Spread:     1,
		Step:       0.5,
		StartPrice: 100,
		rng:        rand.New(rand.NewSource(seed)),
		prices:     make(map[string]float64),
		bars:       make(map[string]*marketdata.Candle),
	}
}

func (m *MockQuoteSource) nextMid(symbol string) float64 {
	if m.Reference != nil {
		if ref, ok := m.Reference(symbol); ok {
			jitter := (m.rng.Float64()*2 - 1) * m.Step
			return ref - m.Offset + jitter
		}
	}
	price, ok := m.prices[symbol]
	if !ok {
		price = m.StartPrice
	}
	price += (m.rng.Float64()*2 - 1) * m.Step
	if price <= m.Spread {
		price = m.StartPrice
	}
	m.prices[symbol] = price
	return price
}

// GetQuote advances the walk and returns a quote Spread wide around it.
func (m *MockQuoteSource) GetQuote(ctx context.Context, symbol string) (marketdata.Quote, error) {
	if err := ctx.Err(); err != nil {
		return marketdata.Quote{}, err
	}
	symbol = strings.ToUpper(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()

	mid := m.nextMid(symbol)
	m.recordBar(symbol, mid)
	half := m.Spread / 2
	return marketdata.Quote{Symbol: symbol, Bid: mid - half, Ask: mid + half, Timestamp: time.Now()}, nil
}

func (m *MockQuoteSource) recordBar(symbol string, mid float64) {
	bar, ok := m.bars[symbol]
	if !ok {
		m.bars[symbol] = &marketdata.Candle{OpenTime: time.Now(), Open: mid, High: mid, Low: mid, Close: mid}
		return
	}
	bar.High = max(bar.High, mid)
	bar.Low = min(bar.Low, mid)
	bar.Close = mid
}

// GetOHLC returns the bar accumulated from quotes served so far. The timeframe
// is ignored.
func (m *MockQuoteSource) GetOHLC(ctx context.Context, symbol, timeframe string) (marketdata.Candle, error) {
	if err := ctx.Err(); err != nil {
		return marketdata.Candle{}, err
	}
	symbol = strings.ToUpper(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	bar, ok := m.bars[symbol]
	if !ok {
		return marketdata.Candle{}, fmt.Errorf("%w: %s %s", ErrNoCandle, symbol, timeframe)
	}
	return *bar, nil
}
