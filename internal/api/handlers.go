package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"venue-guard/internal/prefilter"
	"venue-guard/internal/validator"
	"venue-guard/internal/venuesync"
	"venue-guard/pkg/marketdata"
)

type validateExecutionRequest struct {
	Symbol string  `json:"symbol" binding:"required,min=1"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

type adjustRequest struct {
	Symbol string             `json:"symbol" binding:"required,min=1"`
	Prices map[string]float64 `json:"prices" binding:"required"`
}

type prefilterRequest struct {
	Signal prefilter.Signal `json:"signal"`
	Bid    float64          `json:"bid"`
	Ask    float64          `json:"ask"`
}

type positionRequest struct {
	Symbol  string  `json:"symbol" binding:"required,min=1"`
	Side    string  `json:"side" binding:"required,oneof=BUY SELL"`
	RiskPct float64 `json:"risk_pct" binding:"gt=0"`
}

type outcomeRequest struct {
	Success bool     `json:"success"`
	PnL     *float64 `json:"pnl,omitempty"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func queryInt(c *gin.Context, key string, def, max int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// feedErrorStatus maps reference-feed sentinels onto HTTP codes.
func feedErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, venuesync.ErrUnmappedSymbol):
		return http.StatusNotFound, "unmapped_symbol"
	case errors.Is(err, validator.ErrInvalidPrice):
		return http.StatusBadRequest, "invalid_price"
	case errors.Is(err, venuesync.ErrNoReferenceData), errors.Is(err, venuesync.ErrStaleReferenceData):
		return http.StatusServiceUnavailable, "reference_unavailable"
	case errors.Is(err, venuesync.ErrNotRunning):
		return http.StatusServiceUnavailable, "feed_stopped"
	default:
		return http.StatusBadGateway, "feed_error"
	}
}

func (s *Server) getPrice(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	price, ok := s.Feed.LatestPrice(symbol)
	if !ok {
		respondError(c, http.StatusNotFound, "no_price", "no reference price for "+symbol)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "price": price})
}

func (s *Server) getHistory(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	ticks := s.Feed.History(symbol, queryInt(c, "limit", 100, 1000))
	if ticks == nil {
		ticks = []marketdata.Tick{}
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "ticks": ticks})
}

func (s *Server) getFeedHealthAll(c *gin.Context) {
	c.JSON(http.StatusOK, s.Feed.FeedHealthAll())
}

func (s *Server) getFeedHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.Feed.FeedHealth(c.Param("symbol")))
}

func (s *Server) getOrderFlow(c *gin.Context) {
	c.JSON(http.StatusOK, s.Feed.OrderFlowSignal(c.Param("symbol")))
}

func (s *Server) getCandleSync(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	v, err := s.Feed.ValidateCandles(c.Request.Context(), symbol, c.DefaultQuery("timeframe", "1m"))
	if err != nil {
		status, code := feedErrorStatus(err)
		respondError(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) getStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": s.Feed.Running(), "streams": s.Feed.Streams()})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "metrics_unavailable", "metrics not configured")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getDecisions(c *gin.Context) {
	if s.Journal == nil {
		respondError(c, http.StatusServiceUnavailable, "journal_disabled", "decision journal is disabled")
		return
	}
	recs, err := s.Journal.Recent(c.Request.Context(), c.Query("symbol"), queryInt(c, "limit", 50, 500))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "journal_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": recs})
}

func (s *Server) getRisk(c *gin.Context) {
	out := gin.H{}
	if s.Breaker != nil {
		out["breaker"] = s.Breaker.Status()
	}
	if s.Exposure != nil {
		out["exposure"] = s.Exposure.Snapshot()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) validateExecution(c *gin.Context) {
	var req validateExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	v, err := s.Feed.ValidateExecution(req.Symbol, req.Bid, req.Ask)
	if err != nil {
		status, code := feedErrorStatus(err)
		respondError(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) resetBaselines(c *gin.Context) {
	s.Feed.ResetBaselines()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) adjust(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	adjusted, ok := s.Feed.AdjustSignalForExecution(req.Symbol, req.Prices)
	c.JSON(http.StatusOK, gin.H{"symbol": strings.ToUpper(req.Symbol), "prices": adjusted, "adjusted": ok})
}

func (s *Server) prefilter(c *gin.Context) {
	if s.Gate == nil {
		respondError(c, http.StatusServiceUnavailable, "gate_unavailable", "pre-filter not configured")
		return
	}
	var req prefilterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Signal.Side = marketdata.Side(strings.ToUpper(string(req.Signal.Side)))
	quote := marketdata.Quote{Symbol: req.Signal.Symbol, Bid: req.Bid, Ask: req.Ask}
	_, _, report := s.Gate.ValidateSignal(req.Signal, quote)
	c.JSON(http.StatusOK, report)
}

func (s *Server) openPosition(c *gin.Context) {
	s.changePosition(c, true)
}

func (s *Server) closePosition(c *gin.Context) {
	s.changePosition(c, false)
}

func (s *Server) changePosition(c *gin.Context, open bool) {
	if s.Exposure == nil {
		respondError(c, http.StatusServiceUnavailable, "exposure_unavailable", "exposure guard not configured")
		return
	}
	var req positionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	side := marketdata.Side(req.Side)
	var err error
	if open {
		err = s.Exposure.Open(req.Symbol, side, req.RiskPct)
	} else {
		err = s.Exposure.Close(req.Symbol, side, req.RiskPct)
	}
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_position", err.Error())
		return
	}
	c.JSON(http.StatusOK, s.Exposure.Snapshot())
}

func (s *Server) recordOutcome(c *gin.Context) {
	if s.Breaker == nil {
		respondError(c, http.StatusServiceUnavailable, "breaker_unavailable", "circuit breaker not configured")
		return
	}
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.Breaker.RecordOutcome(req.Success)
	if req.PnL != nil {
		s.Breaker.RecordPnL(*req.PnL)
	}
	c.JSON(http.StatusOK, s.Breaker.Status())
}
