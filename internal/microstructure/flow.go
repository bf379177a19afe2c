package microstructure

import (
	"time"

	"venue-guard/pkg/marketdata"
)

// maxPressureRatio caps the buy/sell notional ratio when the sell side is empty.
const maxPressureRatio = 10.0

// Tier is a trade size class by USD notional.
type Tier string

const (
	TierNone   Tier = ""
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
	TierWhale  Tier = "whale"
)

// Classify maps a USD notional onto its tier.
func (t WhaleTiers) Classify(usd float64) Tier {
	switch {
	case usd >= t.Whale:
		return TierWhale
	case usd >= t.Large:
		return TierLarge
	case usd >= t.Medium:
		return TierMedium
	case usd >= t.Small:
		return TierSmall
	}
	return TierNone
}

// TierCounts counts trades per tier on one side.
type TierCounts struct {
	Small  int `json:"small"`
	Medium int `json:"medium"`
	Large  int `json:"large"`
	Whale  int `json:"whale"`
}

// Big counts large and whale trades, the ones that move the composite score.
func (c TierCounts) Big() int { return c.Large + c.Whale }

func (c *TierCounts) add(t Tier) {
	switch t {
	case TierSmall:
		c.Small++
	case TierMedium:
		c.Medium++
	case TierLarge:
		c.Large++
	case TierWhale:
		c.Whale++
	}
}

// WhaleCounts splits tier counts by aggressor side.
type WhaleCounts struct {
	Buy  TierCounts `json:"buy"`
	Sell TierCounts `json:"sell"`
}

// Flow summarizes the trade tape.
type Flow struct {
	WindowSeconds float64     `json:"window_seconds"`
	TradeCount    int         `json:"trade_count"`
	BuyVolume     float64     `json:"buy_volume"`
	SellVolume    float64     `json:"sell_volume"`
	BuyNotional   float64     `json:"buy_notional"`
	SellNotional  float64     `json:"sell_notional"`
	Ratio         float64     `json:"ratio"`
	Dominant      Direction   `json:"dominant"`
	Whales        WhaleCounts `json:"whales"`
	VolumeSpike   float64     `json:"volume_spike"`
}

// TradeFlow computes pressure over PressureWindow, whale tiers over the whole
// retained tape, and the volume spike of SpikeWindow against the tape rate.
// The tape rate is taken over the span the tape actually covers, never less
// than SpikeWindow, so a short tape reads as no spike.
func (a *Analyzer) TradeFlow(symbol string) (Flow, bool) {
	tape := a.trades(symbol, a.cfg.TapeWindow)
	if len(tape) == 0 {
		return Flow{}, false
	}
	now := a.now()
	flow := Flow{WindowSeconds: a.cfg.PressureWindow.Seconds()}

	pressureCutoff := now.Add(-a.cfg.PressureWindow)
	spikeCutoff := now.Add(-a.cfg.SpikeWindow)
	var tapeVolume, spikeVolume float64

	for _, t := range tape {
		tier := a.cfg.Tiers.Classify(t.USDValue)
		if t.Side == marketdata.SideBuy {
			flow.Whales.Buy.add(tier)
		} else {
			flow.Whales.Sell.add(tier)
		}

		tapeVolume += t.Qty
		if !t.Timestamp.Before(spikeCutoff) {
			spikeVolume += t.Qty
		}
		if t.Timestamp.Before(pressureCutoff) {
			continue
		}
		flow.TradeCount++
		if t.Side == marketdata.SideBuy {
			flow.BuyVolume += t.Qty
			flow.BuyNotional += t.USDValue
		} else {
			flow.SellVolume += t.Qty
			flow.SellNotional += t.USDValue
		}
	}

	flow.Ratio = pressureRatio(flow.BuyNotional, flow.SellNotional)
	flow.Dominant = DirectionNeutral
	switch {
	case flow.Ratio > 1.2:
		flow.Dominant = DirectionBuy
	case flow.Ratio < 0.8:
		flow.Dominant = DirectionSell
	}

	if tapeVolume > 0 {
		spikeRate := spikeVolume / a.cfg.SpikeWindow.Seconds()
		baseRate := tapeVolume / a.tapeSpan(tape, now).Seconds()
		flow.VolumeSpike = spikeRate / baseRate
	}
	return flow, true
}

// tapeSpan is now minus the oldest trade, clamped to [SpikeWindow, TapeWindow].
func (a *Analyzer) tapeSpan(tape []marketdata.AggTrade, now time.Time) time.Duration {
	span := now.Sub(tape[0].Timestamp)
	if span < a.cfg.SpikeWindow {
		return a.cfg.SpikeWindow
	}
	if span > a.cfg.TapeWindow {
		return a.cfg.TapeWindow
	}
	return span
}

func pressureRatio(buy, sell float64) float64 {
	switch {
	case sell > 0:
		r := buy / sell
		if r > maxPressureRatio {
			return maxPressureRatio
		}
		return r
	case buy > 0:
		return maxPressureRatio
	default:
		return 1
	}
}

// RecentTrades returns tape entries newer than now − window, oldest first.
func (a *Analyzer) RecentTrades(symbol string, window time.Duration) []marketdata.AggTrade {
	return a.trades(symbol, window)
}
