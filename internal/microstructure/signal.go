package microstructure

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Bias is the composite order-flow call.
type Bias string

const (
	Bullish Bias = "BULLISH"
	Bearish Bias = "BEARISH"
	Neutral Bias = "NEUTRAL"
)

const (
	imbalanceCap   = 30.0
	whaleCap       = 25.0
	pressureCap    = 25.0
	signalMinScore = 50.0
)

// OrderFlowSignal is the composite view for one symbol. Nil pointers mean the
// input was unavailable.
type OrderFlowSignal struct {
	Symbol         string      `json:"symbol"`
	Signal         Bias        `json:"signal"`
	Confidence     float64     `json:"confidence"`
	BullScore      float64     `json:"bull_score"`
	BearScore      float64     `json:"bear_score"`
	ImbalanceRatio float64     `json:"imbalance_ratio"`
	Imbalance      *Imbalance  `json:"imbalance,omitempty"`
	Whales         WhaleCounts `json:"whales"`
	Pressure       *Flow       `json:"pressure,omitempty"`
	LiquidityVoids []Void      `json:"liquidity_voids"`
	Spoofing       SpoofReport `json:"spoofing"`
	Rebuild        *Rebuild    `json:"rebuild,omitempty"`
	VolumeSpike    float64     `json:"volume_spike"`
	Warnings       []string    `json:"warnings"`
	ComputedAt     time.Time   `json:"computed_at"`
}

// Signal scores imbalance (≤30), whale dominance (≤25) and pressure (≤25).
// The dominant side wins at 50 or more; voids, spikes and spoofing only add
// warnings.
func (a *Analyzer) Signal(symbol string) OrderFlowSignal {
	symbol = strings.ToUpper(symbol)
	sig := OrderFlowSignal{
		Symbol:         symbol,
		Signal:         Neutral,
		LiquidityVoids: []Void{},
		Warnings:       []string{},
		ComputedAt:     a.now(),
	}

	if imb, ok := a.Imbalance(symbol); ok {
		sig.Imbalance = &imb
		sig.ImbalanceRatio = imb.Ratio
		if imb.Ratio > 1 {
			sig.BullScore += math.Min(imbalanceCap, (imb.Ratio-1)*20)
		} else if imb.Ratio < 1 {
			sig.BearScore += math.Min(imbalanceCap, (1/imb.Ratio-1)*20)
		}
	} else {
		sig.Warnings = append(sig.Warnings, "no depth data")
	}

	if flow, ok := a.TradeFlow(symbol); ok {
		sig.Pressure = &flow
		sig.Whales = flow.Whales
		sig.VolumeSpike = flow.VolumeSpike

		if diff := flow.Whales.Buy.Big() - flow.Whales.Sell.Big(); diff > 0 {
			sig.BullScore += math.Min(whaleCap, 10*float64(diff))
		} else if diff < 0 {
			sig.BearScore += math.Min(whaleCap, 10*float64(-diff))
		}

		switch {
		case flow.Ratio > 1:
			sig.BullScore += math.Min(pressureCap, (flow.Ratio-1)*25)
		case flow.Ratio == 0:
			sig.BearScore += pressureCap
		case flow.Ratio < 1:
			sig.BearScore += math.Min(pressureCap, (1/flow.Ratio-1)*25)
		}

		if flow.VolumeSpike >= a.cfg.SpikeWarn {
			sig.Warnings = append(sig.Warnings, fmt.Sprintf("volume spike %.1fx baseline", flow.VolumeSpike))
		}
	} else {
		sig.Warnings = append(sig.Warnings, "no trade data")
	}

	if voids := a.LiquidityVoids(symbol); len(voids) > 0 {
		sig.LiquidityVoids = voids
		for _, v := range voids {
			sig.Warnings = append(sig.Warnings,
				fmt.Sprintf("liquidity void on %s side %.2f-%.2f (%.1fx avg gap)", v.Side, v.From, v.To, v.Severity))
		}
	}

	sig.Spoofing = a.Spoofing(symbol)
	if n := len(sig.Spoofing.Events); n > 0 {
		sig.Warnings = append(sig.Warnings,
			fmt.Sprintf("possible spoofing: %d events (%.2f/s)", n, sig.Spoofing.CancellationRate))
	}

	if rb, ok := a.Rebuild(symbol); ok {
		sig.Rebuild = &rb
	}

	switch {
	case sig.BullScore >= signalMinScore && sig.BullScore > sig.BearScore:
		sig.Signal = Bullish
		sig.Confidence = math.Min(100, sig.BullScore)
	case sig.BearScore >= signalMinScore && sig.BearScore > sig.BullScore:
		sig.Signal = Bearish
		sig.Confidence = math.Min(100, sig.BearScore)
	default:
		sig.Confidence = math.Min(100, math.Max(sig.BullScore, sig.BearScore))
	}
	return sig
}
