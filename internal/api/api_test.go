package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venue-guard/internal/calibration"
	"venue-guard/internal/events"
	"venue-guard/internal/microstructure"
	"venue-guard/internal/monitor"
	"venue-guard/internal/persistence"
	"venue-guard/internal/prefilter"
	"venue-guard/internal/risk"
	"venue-guard/internal/stream"
	"venue-guard/internal/validator"
	"venue-guard/internal/venuesync"
	"venue-guard/pkg/db"
	"venue-guard/pkg/marketdata"
)

type fakeFeed struct {
	running bool
	price   float64
	offset  float64
	verdict validator.Verdict
	err     error
}

func (f *fakeFeed) ReferenceSymbol(sym string) (string, bool) {
	if strings.ToUpper(sym) == "BTCUSD" {
		return "BTCUSDT", true
	}
	return "", false
}

func (f *fakeFeed) ValidateExecution(sym string, bid, ask float64) (validator.Verdict, error) {
	if _, ok := f.ReferenceSymbol(sym); !ok {
		return validator.Verdict{}, fmt.Errorf("%w: %s", venuesync.ErrUnmappedSymbol, sym)
	}
	return f.verdict, f.err
}

func (f *fakeFeed) FeedHealth(sym string) venuesync.FeedHealth {
	return venuesync.FeedHealth{Symbol: strings.ToUpper(sym), ReferenceSymbol: "BTCUSDT", Status: calibration.StatusHealthy, Reason: calibration.ReasonOK}
}

func (f *fakeFeed) Running() bool { return f.running }

func (f *fakeFeed) LatestPrice(sym string) (float64, bool) {
	if _, ok := f.ReferenceSymbol(sym); !ok && sym != "BTCUSDT" {
		return 0, false
	}
	return f.price, true
}

func (f *fakeFeed) History(sym string, n int) []marketdata.Tick {
	return []marketdata.Tick{{Symbol: "BTCUSDT", Price: f.price}}
}

func (f *fakeFeed) FeedHealthAll() venuesync.FeedReport {
	return venuesync.FeedReport{Running: f.running, Healthy: 1, Symbols: []venuesync.FeedHealth{f.FeedHealth("BTCUSD")}}
}

func (f *fakeFeed) OrderFlowSignal(sym string) microstructure.OrderFlowSignal {
	return microstructure.OrderFlowSignal{Symbol: "BTCUSDT"}
}

func (f *fakeFeed) AdjustSignalForExecution(sym string, fields map[string]float64) (map[string]float64, bool) {
	out := make(map[string]float64, len(fields))
	for k, v := range fields {
		out[k] = v - f.offset
	}
	return out, true
}

func (f *fakeFeed) ValidateCandles(ctx context.Context, sym, tf string) (validator.Verdict, error) {
	return validator.Verdict{IsSafe: true, Reason: "candles in sync", SafetyScore: 100}, nil
}

func (f *fakeFeed) ResetBaselines() {}

func (f *fakeFeed) Streams() []stream.Status {
	return []stream.Status{{Symbol: "BTCUSDT", Channel: stream.ChannelKline, State: "connected"}}
}

type testEnv struct {
	server  *Server
	bus     *events.Bus
	feed    *fakeFeed
	journal *persistence.Journal
}

func newTestEnv(t *testing.T, limiter *IPRateLimiter) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	bus := events.NewBus()
	journal, err := persistence.NewJournal(database, bus, 10, time.Hour, zerolog.Nop())
	require.NoError(t, err)
	journal.Start(context.Background())
	t.Cleanup(func() { _ = journal.Close() })

	feed := &fakeFeed{
		running: true,
		price:   112160,
		offset:  60,
		verdict: validator.Verdict{IsSafe: true, Reason: "feed checks passed", SafetyScore: 90},
	}
	breaker := risk.NewBreaker(risk.DefaultBreakerConfig(), zerolog.Nop())
	exposure := risk.NewExposureGuard(risk.DefaultExposureLimits(), zerolog.Nop())
	metrics := monitor.NewSystemMetrics()
	gate := prefilter.New(prefilter.DefaultConfig(), zerolog.Nop()).
		WithBreaker(breaker).
		WithExposure(exposure).
		WithFeed(feed).
		WithEvents(bus).
		WithMetrics(metrics)

	srv := NewServer(Deps{
		Bus: bus, Feed: feed, Gate: gate, Breaker: breaker, Exposure: exposure,
		Journal: journal, Metrics: metrics, Limiter: limiter,
		Meta: SystemMeta{Version: "test", SymbolMap: map[string]string{"BTCUSD": "BTCUSDT"}},
	}, zerolog.Nop())
	return &testEnv{server: srv, bus: bus, feed: feed, journal: journal}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthReflectsFeedState(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	env.feed.running = false
	w = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPriceEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/price/btcusd", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 112160.0, decode[map[string]any](t, w)["price"])

	w = env.do(t, http.MethodGet, "/api/price/DOGEUSD", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/history/BTCUSD?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		Ticks []marketdata.Tick `json:"ticks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	assert.Len(t, hist.Ticks, 1)
}

func TestValidateExecutionEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/validate-execution", validateExecutionRequest{Symbol: "BTCUSD", Bid: 112099, Ask: 112101})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[validator.Verdict](t, w).IsSafe)

	w = env.do(t, http.MethodPost, "/api/validate-execution", validateExecutionRequest{Symbol: "DOGEUSD", Bid: 1, Ask: 2})
	assert.Equal(t, http.StatusNotFound, w.Code)

	env.feed.err = fmt.Errorf("%w for BTCUSDT", venuesync.ErrNoReferenceData)
	w = env.do(t, http.MethodPost, "/api/validate-execution", validateExecutionRequest{Symbol: "BTCUSD", Bid: 1, Ask: 2})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = env.do(t, http.MethodPost, "/api/validate-execution", map[string]any{"bid": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdjustEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodPost, "/api/adjust", adjustRequest{Symbol: "btcusd", Prices: map[string]float64{"entry": 112150, "stop_loss": 112000}})
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Prices   map[string]float64 `json:"prices"`
		Adjusted bool               `json:"adjusted"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.True(t, out.Adjusted)
	assert.InDelta(t, 112090.0, out.Prices["entry"], 1e-9)
	assert.InDelta(t, 111940.0, out.Prices["stop_loss"], 1e-9)
}

func TestPrefilterJournalsDecisions(t *testing.T) {
	env := newTestEnv(t, nil)

	approve := prefilterRequest{
		Signal: prefilter.Signal{Symbol: "BTCUSD", Side: "buy", Entry: 112100, StopLoss: 111500, Confidence: 85},
		Bid:    112099, Ask: 112101,
	}
	w := env.do(t, http.MethodPost, "/api/prefilter", approve)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[prefilter.Report](t, w)
	assert.True(t, report.CanExecute, report.Reason)
	assert.Equal(t, prefilter.StageApproved, report.Stage)

	reject := approve
	reject.Signal.StopLoss = 112500
	w = env.do(t, http.MethodPost, "/api/prefilter", reject)
	require.Equal(t, http.StatusOK, w.Code)
	report = decode[prefilter.Report](t, w)
	assert.False(t, report.CanExecute)
	assert.Contains(t, report.Reason, "Invalid SL for BUY")

	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, "/api/decisions?limit=10", nil)
		if w.Code != http.StatusOK {
			return false
		}
		var out struct {
			Decisions []db.GateDecisionRecord `json:"decisions"`
		}
		return json.Unmarshal(w.Body.Bytes(), &out) == nil && len(out.Decisions) == 2
	}, 2*time.Second, 10*time.Millisecond)

	w = env.do(t, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[monitor.MetricsSnapshot](t, w)
	assert.Equal(t, uint64(1), snap.GateApproved)
	assert.Equal(t, uint64(1), snap.GateBlocked)
}

func TestPositionsFeedExposure(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/positions/open", positionRequest{Symbol: "BTCUSD", Side: "BUY", RiskPct: 1.5})
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 1.5, decode[risk.Exposure](t, w).TotalPct, 1e-9)

	w = env.do(t, http.MethodPost, "/api/positions/open", positionRequest{Symbol: "BTCUSD", Side: "LONG", RiskPct: 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/positions/close", positionRequest{Symbol: "BTCUSD", Side: "BUY", RiskPct: 5})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[risk.Exposure](t, w).Positions)
}

func TestOrderOutcomesTripBreaker(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 3; i++ {
		w := env.do(t, http.MethodPost, "/api/orders/outcome", outcomeRequest{Success: false})
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := env.do(t, http.MethodGet, "/api/risk", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Breaker risk.BreakerStatus `json:"breaker"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "open", out.Breaker.State)

	w = env.do(t, http.MethodPost, "/api/prefilter", prefilterRequest{
		Signal: prefilter.Signal{Symbol: "BTCUSD", Side: "BUY", Entry: 112100, StopLoss: 111500, Confidence: 85},
		Bid:    112099, Ask: 112101,
	})
	report := decode[prefilter.Report](t, w)
	assert.Equal(t, prefilter.StageCircuitBreaker, report.Stage)
}

func TestFeedViews(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"/api/feed-health", "/api/feed-health/BTCUSD", "/api/orderflow/BTCUSD", "/api/streams", "/api/candles/BTCUSD", "/metrics"} {
		w := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
	w := env.do(t, http.MethodPost, "/api/baselines/reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, NewIPRateLimiter(1, 2))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, env.do(t, http.MethodGet, "/api/streams", nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestIPRateLimiterSweep(t *testing.T) {
	l := NewIPRateLimiter(10, 10)
	l.ttl = 0
	assert.True(t, l.Allow("1.2.3.4"))
	time.Sleep(time.Millisecond)
	assert.Equal(t, 1, l.Sweep())
}

func TestWebSocketStreamsFilteredTicks(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.server.Router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?symbol=BTCUSD"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Publish until the handler has subscribed and forwarded one tick.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				env.bus.Publish(events.EventReferenceTick, marketdata.Tick{Symbol: "ETHUSDT", Price: 1})
				env.bus.Publish(events.EventReferenceTick, marketdata.Tick{Symbol: "BTCUSDT", Price: 112160})
			}
		}
	}()
	defer close(done)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var tick marketdata.Tick
	require.NoError(t, conn.ReadJSON(&tick))
	assert.Equal(t, "BTCUSDT", tick.Symbol)
	assert.Equal(t, 112160.0, tick.Price)
}
