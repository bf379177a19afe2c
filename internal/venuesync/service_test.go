package venuesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venue-guard/internal/calibration"
	"venue-guard/internal/events"
	"venue-guard/internal/microstructure"
	"venue-guard/internal/stream"
	"venue-guard/pkg/marketdata"
)

type scriptedConn struct {
	mu     sync.Mutex
	msgs   [][]byte
	closed chan struct{}
	once   sync.Once
}

func (c *scriptedConn) ReadMessage() ([]byte, error) {
	c.mu.Lock()
	if len(c.msgs) > 0 {
		m := c.msgs[0]
		c.msgs = c.msgs[1:]
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()
	<-c.closed
	return nil, errors.New("closed")
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// venueDialer serves one canned payload per stream type.
type venueDialer struct {
	mu    sync.Mutex
	dials []string
}

func (d *venueDialer) Dial(ctx context.Context, url string) (stream.Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, url)
	d.mu.Unlock()

	now := time.Now().UnixMilli()
	var msg string
	switch {
	case strings.Contains(url, "@kline"):
		msg = fmt.Sprintf(`{"e":"kline","E":%d,"s":"BTCUSDT","k":{"t":%d,"o":"112150","c":"112160","h":"112170","l":"112140","v":"3","x":false}}`, now, now)
	case strings.Contains(url, "@depth"):
		msg = `{"lastUpdateId":9,"bids":[["112159","4"],["112158","4"],["112157","4"]],"asks":[["112161","1"],["112162","1"],["112163","1"]]}`
	case strings.Contains(url, "@aggTrade"):
		msg = fmt.Sprintf(`{"s":"BTCUSDT","a":1,"p":"112160","q":"10","T":%d,"m":false}`, now)
	}
	return &scriptedConn{msgs: [][]byte{[]byte(msg)}, closed: make(chan struct{})}, nil
}

func (d *venueDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

type fixedQuotes struct{}

func (fixedQuotes) GetQuote(ctx context.Context, symbol string) (marketdata.Quote, error) {
	return marketdata.Quote{Symbol: symbol, Bid: 112099, Ask: 112101, Timestamp: time.Now()}, nil
}

func (fixedQuotes) GetOHLC(ctx context.Context, symbol, timeframe string) (marketdata.Candle, error) {
	return marketdata.Candle{Open: 112090, High: 112110, Low: 112080, Close: 112100}, nil
}

func testOptions() Options {
	return Options{
		SymbolMap:      map[string]string{"btcusd": "btcusdt"},
		SampleInterval: 10 * time.Millisecond,
		Stream:         stream.Options{StopGrace: time.Second},
	}
}

func startService(t *testing.T, bus *events.Bus) (*Service, *venueDialer) {
	t.Helper()
	d := &venueDialer{}
	svc, err := New(testOptions(), d, fixedQuotes{}, bus, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)

	require.Eventually(t, func() bool {
		_, ok := svc.Calibrator().CurrentOffset("BTCUSDT")
		return ok && svc.Analyzer().DepthCount("BTCUSDT") == 1 && svc.Analyzer().TradeCount("BTCUSDT") == 1
	}, 2*time.Second, 5*time.Millisecond)
	return svc, d
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Options{}, &venueDialer{}, nil, nil, nil, zerolog.Nop())
	assert.True(t, errors.Is(err, ErrInvalidSymbolMap))

	_, err = New(Options{SymbolMap: map[string]string{"BTCUSD": " "}}, &venueDialer{}, nil, nil, nil, zerolog.Nop())
	assert.True(t, errors.Is(err, ErrInvalidSymbolMap))

	opts := testOptions()
	opts.Channels = []stream.Channel{"bookTicker"}
	_, err = New(opts, &venueDialer{}, nil, nil, nil, zerolog.Nop())
	assert.True(t, errors.Is(err, stream.ErrUnknownChannel))
}

func TestParseSymbolMapNormalizes(t *testing.T) {
	m, err := ParseSymbolMap(map[string]string{" btcusd ": "btcusdt", "ETHUSD": "ethusdt"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"BTCUSD": "BTCUSDT", "ETHUSD": "ETHUSDT"}, m)
}

func TestFeedFlowsIntoComponents(t *testing.T) {
	bus := events.NewBus()
	alerts, unsub := bus.Subscribe(events.EventOffsetAlert, 10)
	defer unsub()

	svc, d := startService(t, bus)
	assert.Equal(t, 3, d.count(), "kline, depth and aggTrade for one reference symbol")

	price, ok := svc.LatestPrice("BTCUSD")
	require.True(t, ok)
	assert.Equal(t, 112160.0, price)
	same, _ := svc.LatestPrice("btcusdt")
	assert.Equal(t, price, same)
	assert.Len(t, svc.History("BTCUSD", 10), 1)

	offset, ok := svc.Calibrator().CurrentOffset("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 60.0, offset, 1e-9)

	select {
	case msg := <-alerts:
		alert, ok := msg.(events.OffsetAlert)
		require.True(t, ok)
		assert.Equal(t, "BTCUSDT", alert.Symbol)
		assert.Equal(t, 50.0, alert.Threshold)
	case <-time.After(time.Second):
		t.Fatal("offset above the alert threshold was not published")
	}

	adjusted, ok := svc.AdjustSignalForExecution("BTCUSD", map[string]float64{"entry": 112150})
	require.True(t, ok)
	assert.InDelta(t, 112090.0, adjusted["entry"], 1e-9)

	sig := svc.OrderFlowSignal("BTCUSD")
	assert.Equal(t, "BTCUSDT", sig.Symbol)
	assert.Equal(t, 1, sig.Whales.Buy.Whale)
	require.NotNil(t, sig.Imbalance)
	assert.Equal(t, microstructure.DirectionBuy, sig.Imbalance.Direction)

	snap := svc.Metrics().GetSnapshot()
	assert.GreaterOrEqual(t, snap.TicksProcessed, uint64(1))
}

func TestValidateExecution(t *testing.T) {
	d := &venueDialer{}
	idle, err := New(testOptions(), d, fixedQuotes{}, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	_, err = idle.ValidateExecution("BTCUSD", 112099, 112101)
	assert.True(t, errors.Is(err, ErrNotRunning))

	svc, _ := startService(t, nil)

	_, err = svc.ValidateExecution("DOGEUSD", 1, 2)
	assert.True(t, errors.Is(err, ErrUnmappedSymbol))

	ok, err := svc.ValidateExecution("BTCUSD", 112099, 112101)
	require.NoError(t, err)
	assert.True(t, ok.IsSafe, ok.Reason)

	crossed, err := svc.ValidateExecution("BTCUSD", 112101, 112099)
	require.NoError(t, err)
	assert.False(t, crossed.IsSafe)

	wide, err := svc.ValidateExecution("BTCUSD", 112090, 112110)
	require.NoError(t, err)
	assert.False(t, wide.IsSafe)
	assert.Contains(t, wide.Reason, "spread too wide")

	svc.ResetBaselines()
	relearned, err := svc.ValidateExecution("BTCUSD", 112090, 112110)
	require.NoError(t, err)
	assert.True(t, relearned.IsSafe)
}

func TestValidateExecutionWithoutTicks(t *testing.T) {
	opts := testOptions()
	opts.Channels = []stream.Channel{stream.ChannelDepth}
	svc, err := New(opts, &venueDialer{}, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	_, err = svc.ValidateExecution("BTCUSD", 1, 2)
	assert.True(t, errors.Is(err, ErrNoReferenceData))
}

func TestFeedHealth(t *testing.T) {
	idle, err := New(testOptions(), &venueDialer{}, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	h := idle.FeedHealth("BTCUSD")
	assert.Equal(t, calibration.StatusCritical, h.Status)
	assert.Equal(t, calibration.ReasonNoData, h.Reason)
	assert.True(t, h.TickStale)

	svc, _ := startService(t, nil)
	h = svc.FeedHealth("BTCUSD")
	assert.Equal(t, "BTCUSDT", h.ReferenceSymbol)
	assert.Equal(t, calibration.StatusHealthy, h.Status)
	assert.True(t, h.HasPrice)
	require.NotNil(t, h.Freshness)
	assert.True(t, h.Freshness.IsSafe)

	all := svc.FeedHealthAll()
	assert.True(t, all.Running)
	assert.Equal(t, 1, all.Healthy)
	require.Len(t, all.Symbols, 1)
	assert.Len(t, all.Streams, 3)
}

func TestValidateCandles(t *testing.T) {
	svc, _ := startService(t, nil)
	v, err := svc.ValidateCandles(context.Background(), "BTCUSD", "1m")
	require.NoError(t, err)
	assert.True(t, v.IsSafe, v.Reason)
}

func TestStartStopIdempotent(t *testing.T) {
	d := &venueDialer{}
	svc, err := New(testOptions(), d, fixedQuotes{}, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, svc.Running())
	require.Eventually(t, func() bool { return d.count() == 3 }, time.Second, 5*time.Millisecond)

	svc.Stop()
	svc.Stop()
	assert.False(t, svc.Running())
	assert.Equal(t, 3, d.count(), "second Start must not open duplicate streams")

	require.NoError(t, svc.Start(context.Background()))
	require.Eventually(t, func() bool { return d.count() == 6 }, time.Second, 5*time.Millisecond)
	svc.Stop()
}
