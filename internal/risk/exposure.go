package risk

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"venue-guard/pkg/marketdata"
)

// ErrInvalidRisk is returned for non-positive or unknown-side exposure updates.
var ErrInvalidRisk = errors.New("risk: invalid exposure update")

// ExposureLimits are percentages of account equity.
type ExposureLimits struct {
	MaxTradeRiskPct  float64 `yaml:"max_trade_risk_pct"`
	MaxSymbolRiskPct float64 `yaml:"max_symbol_risk_pct"`
	MaxSideRiskPct   float64 `yaml:"max_side_risk_pct"`
	MaxTotalRiskPct  float64 `yaml:"max_total_risk_pct"`
}

// DefaultExposureLimits returns the production limits.
func DefaultExposureLimits() ExposureLimits {
	return ExposureLimits{
		MaxTradeRiskPct:  2,
		MaxSymbolRiskPct: 4,
		MaxSideRiskPct:   6,
		MaxTotalRiskPct:  10,
	}
}

// Decision is the exposure guard's verdict.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// UsageRatio is the projected total risk over MaxTotalRiskPct.
	UsageRatio float64 `json:"usage_ratio"`
}

type exposureKey struct {
	symbol string
	side   marketdata.Side
}

// ExposureGuard tracks open risk per symbol and side.
type ExposureGuard struct {
	limits ExposureLimits
	log    zerolog.Logger

	mu   sync.RWMutex
	open map[exposureKey]float64
}

// NewExposureGuard builds a guard; zero limits disable the matching check.
func NewExposureGuard(limits ExposureLimits, log zerolog.Logger) *ExposureGuard {
	return &ExposureGuard{
		limits: limits,
		log:    log.With().Str("component", "exposure").Logger(),
		open:   make(map[exposureKey]float64),
	}
}

// Evaluate checks whether adding desiredRiskPct on symbol/side stays inside
// every limit. It does not record anything.
func (g *ExposureGuard) Evaluate(symbol string, side marketdata.Side, desiredRiskPct float64) Decision {
	symbol = strings.ToUpper(symbol)
	if desiredRiskPct <= 0 {
		return Decision{Allowed: false, Reason: fmt.Sprintf("desired risk must be positive, got %.2f%%", desiredRiskPct)}
	}
	if !side.Valid() {
		return Decision{Allowed: false, Reason: fmt.Sprintf("unknown side %q", side)}
	}

	g.mu.RLock()
	var symbolRisk, sideRisk, total float64
	for k, pct := range g.open {
		total += pct
		if k.symbol == symbol {
			symbolRisk += pct
		}
		if k.side == side {
			sideRisk += pct
		}
	}
	g.mu.RUnlock()

	dec := Decision{Allowed: true}
	if g.limits.MaxTotalRiskPct > 0 {
		dec.UsageRatio = (total + desiredRiskPct) / g.limits.MaxTotalRiskPct
	}

	switch {
	case g.limits.MaxTradeRiskPct > 0 && desiredRiskPct > g.limits.MaxTradeRiskPct:
		dec.Allowed = false
		dec.Reason = fmt.Sprintf("trade risk %.2f%% exceeds per-trade limit %.2f%%", desiredRiskPct, g.limits.MaxTradeRiskPct)
	case g.limits.MaxSymbolRiskPct > 0 && symbolRisk+desiredRiskPct > g.limits.MaxSymbolRiskPct:
		dec.Allowed = false
		dec.Reason = fmt.Sprintf("%s exposure %.2f%% + %.2f%% exceeds symbol limit %.2f%%", symbol, symbolRisk, desiredRiskPct, g.limits.MaxSymbolRiskPct)
	case g.limits.MaxSideRiskPct > 0 && sideRisk+desiredRiskPct > g.limits.MaxSideRiskPct:
		dec.Allowed = false
		dec.Reason = fmt.Sprintf("%s exposure %.2f%% + %.2f%% exceeds side limit %.2f%%", side, sideRisk, desiredRiskPct, g.limits.MaxSideRiskPct)
	case g.limits.MaxTotalRiskPct > 0 && total+desiredRiskPct > g.limits.MaxTotalRiskPct:
		dec.Allowed = false
		dec.Reason = fmt.Sprintf("total exposure %.2f%% + %.2f%% exceeds account limit %.2f%%", total, desiredRiskPct, g.limits.MaxTotalRiskPct)
	}
	return dec
}

// Open records riskPct of new exposure.
func (g *ExposureGuard) Open(symbol string, side marketdata.Side, riskPct float64) error {
	if riskPct <= 0 || !side.Valid() {
		return fmt.Errorf("%w: %s %s %.2f", ErrInvalidRisk, symbol, side, riskPct)
	}
	k := exposureKey{symbol: strings.ToUpper(symbol), side: side}
	g.mu.Lock()
	g.open[k] += riskPct
	g.mu.Unlock()
	g.log.Debug().Str("symbol", k.symbol).Str("side", string(side)).Float64("risk_pct", riskPct).Msg("exposure opened")
	return nil
}

// Close releases up to riskPct of exposure; the remainder never goes negative.
func (g *ExposureGuard) Close(symbol string, side marketdata.Side, riskPct float64) error {
	if riskPct <= 0 || !side.Valid() {
		return fmt.Errorf("%w: %s %s %.2f", ErrInvalidRisk, symbol, side, riskPct)
	}
	k := exposureKey{symbol: strings.ToUpper(symbol), side: side}
	g.mu.Lock()
	defer g.mu.Unlock()
	left := g.open[k] - riskPct
	if left <= 1e-9 {
		delete(g.open, k)
		return nil
	}
	g.open[k] = left
	return nil
}

// Position is one symbol/side bucket of open risk.
type Position struct {
	Symbol  string          `json:"symbol"`
	Side    marketdata.Side `json:"side"`
	RiskPct float64         `json:"risk_pct"`
}

// Exposure is a snapshot of every open bucket.
type Exposure struct {
	Positions []Position `json:"positions"`
	TotalPct  float64    `json:"total_pct"`
}

// Snapshot lists open exposure sorted by symbol then side.
func (g *ExposureGuard) Snapshot() Exposure {
	g.mu.RLock()
	out := Exposure{Positions: make([]Position, 0, len(g.open))}
	for k, pct := range g.open {
		out.Positions = append(out.Positions, Position{Symbol: k.symbol, Side: k.side, RiskPct: pct})
		out.TotalPct += pct
	}
	g.mu.RUnlock()
	sort.Slice(out.Positions, func(i, j int) bool {
		if out.Positions[i].Symbol != out.Positions[j].Symbol {
			return out.Positions[i].Symbol < out.Positions[j].Symbol
		}
		return out.Positions[i].Side < out.Positions[j].Side
	})
	return out
}
