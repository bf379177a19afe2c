// Package api exposes the reference feed, the feed validator and the signal
// pre-filter over HTTP and WebSocket.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"venue-guard/internal/events"
	"venue-guard/internal/microstructure"
	"venue-guard/internal/monitor"
	"venue-guard/internal/prefilter"
	"venue-guard/internal/risk"
	"venue-guard/internal/stream"
	"venue-guard/internal/validator"
	"venue-guard/internal/venuesync"
	"venue-guard/pkg/db"
	"venue-guard/pkg/marketdata"
)

// Feed is the reference-venue surface the handlers read from.
type Feed interface {
	prefilter.ReferenceFeed
	Running() bool
	LatestPrice(symbol string) (float64, bool)
	History(symbol string, n int) []marketdata.Tick
	FeedHealthAll() venuesync.FeedReport
	OrderFlowSignal(symbol string) microstructure.OrderFlowSignal
	AdjustSignalForExecution(symbol string, fields map[string]float64) (map[string]float64, bool)
	ValidateCandles(ctx context.Context, execSymbol, timeframe string) (validator.Verdict, error)
	ResetBaselines()
	Streams() []stream.Status
}

// Journal returns recent gate decisions.
type Journal interface {
	Recent(ctx context.Context, symbol string, n int) ([]db.GateDecisionRecord, error)
}

// Server wires HTTP endpoints around the feed and the gate.
type Server struct {
	Router   *gin.Engine
	Bus      *events.Bus
	Feed     Feed
	Gate     *prefilter.PreFilter
	Breaker  *risk.Breaker
	Exposure *risk.ExposureGuard
	Journal  Journal
	Metrics  *monitor.SystemMetrics
	Meta     SystemMeta
	log      zerolog.Logger
	http     *http.Server
}

// SystemMeta describes the running instance for /health.
type SystemMeta struct {
	Version    string            `json:"version"`
	SymbolMap  map[string]string `json:"symbol_map"`
	MockQuotes bool              `json:"mock_quotes"`
}

// Deps groups the collaborators a Server needs. Journal may be nil.
type Deps struct {
	Bus      *events.Bus
	Feed     Feed
	Gate     *prefilter.PreFilter
	Breaker  *risk.Breaker
	Exposure *risk.ExposureGuard
	Journal  Journal
	Metrics  *monitor.SystemMetrics
	Meta     SystemMeta
	Limiter  *IPRateLimiter
}

// NewServer builds the router with its middleware stack.
func NewServer(d Deps, log zerolog.Logger) *Server {
	log = log.With().Str("component", "api").Logger()
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	if d.Limiter != nil {
		r.Use(RateLimitMiddleware(d.Limiter, log))
	}
	r.Use(CORSMiddleware())

	s := &Server{
		Router:   r,
		Bus:      d.Bus,
		Feed:     d.Feed,
		Gate:     d.Gate,
		Breaker:  d.Breaker,
		Exposure: d.Exposure,
		Journal:  d.Journal,
		Metrics:  d.Metrics,
		Meta:     d.Meta,
		log:      log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/price/:symbol", s.getPrice)
		api.GET("/history/:symbol", s.getHistory)
		api.GET("/feed-health", s.getFeedHealthAll)
		api.GET("/feed-health/:symbol", s.getFeedHealth)
		api.GET("/orderflow/:symbol", s.getOrderFlow)
		api.GET("/candles/:symbol", s.getCandleSync)
		api.GET("/streams", s.getStreams)
		api.GET("/metrics", s.getMetrics)
		api.GET("/decisions", s.getDecisions)
		api.GET("/risk", s.getRisk)

		api.POST("/validate-execution", s.validateExecution)
		api.POST("/baselines/reset", s.resetBaselines)
		api.POST("/adjust", s.adjust)
		api.POST("/prefilter", s.prefilter)
		api.POST("/positions/open", s.openPosition)
		api.POST("/positions/close", s.closePosition)
		api.POST("/orders/outcome", s.recordOutcome)
	}
}

func (s *Server) health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if s.Feed == nil || !s.Feed.Running() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "meta": s.Meta})
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Router, ReadHeaderTimeout: 10 * time.Second}
	s.log.Info().Str("addr", addr).Msg("http listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
