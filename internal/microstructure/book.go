package microstructure

import (
	"math"
	"sort"

	"venue-guard/pkg/marketdata"
)

// Direction is the side an indicator leans toward.
type Direction string

const (
	DirectionBuy     Direction = "BUY"
	DirectionSell    Direction = "SELL"
	DirectionNeutral Direction = "NEUTRAL"
)

// Imbalance compares resting quantity over the top levels.
type Imbalance struct {
	Ratio     float64   `json:"ratio"`
	BidQty    float64   `json:"bid_qty"`
	AskQty    float64   `json:"ask_qty"`
	Levels    int       `json:"levels"`
	Direction Direction `json:"direction"`
}

// Imbalance computes bid/ask quantity over the top K levels of the newest book.
func (a *Analyzer) Imbalance(symbol string) (Imbalance, bool) {
	snap, ok := a.LatestDepth(symbol)
	if !ok {
		return Imbalance{}, false
	}
	k := a.cfg.ImbalanceLevels
	bidQty := sumQty(snap.Bids, k)
	askQty := sumQty(snap.Asks, k)
	if bidQty == 0 || askQty == 0 {
		return Imbalance{}, false
	}

	ratio := bidQty / askQty
	dir := DirectionNeutral
	switch {
	case ratio > a.cfg.ImbalanceThreshold:
		dir = DirectionBuy
	case ratio < 1/a.cfg.ImbalanceThreshold:
		dir = DirectionSell
	}
	return Imbalance{Ratio: ratio, BidQty: bidQty, AskQty: askQty, Levels: k, Direction: dir}, true
}

func sumQty(levels []marketdata.Level, k int) float64 {
	total := 0.0
	for i := 0; i < len(levels) && i < k; i++ {
		total += levels[i].Qty
	}
	return total
}

// Void is an abnormally wide gap between consecutive levels on one side.
type Void struct {
	Side     string  `json:"side"`
	From     float64 `json:"from"`
	To       float64 `json:"to"`
	Gap      float64 `json:"gap"`
	Severity float64 `json:"severity"`
}

// LiquidityVoids flags gaps wider than VoidMultiplier × the side's average gap.
func (a *Analyzer) LiquidityVoids(symbol string) []Void {
	snap, ok := a.LatestDepth(symbol)
	if !ok {
		return nil
	}
	voids := findVoids("bid", snap.Bids, a.cfg.VoidMultiplier)
	return append(voids, findVoids("ask", snap.Asks, a.cfg.VoidMultiplier)...)
}

func findVoids(side string, levels []marketdata.Level, multiplier float64) []Void {
	if len(levels) < 3 {
		return nil
	}
	gaps := make([]float64, len(levels)-1)
	sum := 0.0
	for i := 1; i < len(levels); i++ {
		gaps[i-1] = math.Abs(levels[i].Price - levels[i-1].Price)
		sum += gaps[i-1]
	}
	avg := sum / float64(len(gaps))
	if avg == 0 {
		return nil
	}

	var out []Void
	for i, gap := range gaps {
		if gap > multiplier*avg {
			out = append(out, Void{
				Side:     side,
				From:     levels[i].Price,
				To:       levels[i+1].Price,
				Gap:      gap,
				Severity: gap / avg,
			})
		}
	}
	return out
}

// SpoofEvent is a large resting order that vanished or shrank quickly.
type SpoofEvent struct {
	Side         string  `json:"side"`
	Price        float64 `json:"price"`
	PeakQty      float64 `json:"peak_qty"`
	RemainingQty float64 `json:"remaining_qty"`
	USDValue     float64 `json:"usd_value"`
	Snapshots    int     `json:"snapshots"`
}

// SpoofReport summarizes spoof activity across the retained depth history.
type SpoofReport struct {
	Events           []SpoofEvent `json:"events"`
	CancellationRate float64      `json:"cancellation_rate"`
	WindowSeconds    float64      `json:"window_seconds"`
	Snapshots        int          `json:"snapshots"`
}

type trackedLevel struct {
	firstIdx int
	peakQty  float64
	// censored levels were already resting in the oldest retained snapshot,
	// so their age is unknown and their removal is never reported.
	censored bool
}

type levelKey struct {
	bid   bool
	price float64
}

// Spoofing walks the depth history and flags large levels (≥ SpoofMinUSD) that
// disappear or drop by more than SpoofDropRatio within SpoofMaxSnapshots while
// their price is still inside the visible book. Levels the market traded
// through are not counted, nor are levels already present in the oldest
// retained snapshot.
func (a *Analyzer) Spoofing(symbol string) SpoofReport {
	snaps := a.snapshots(symbol)
	report := SpoofReport{Snapshots: len(snaps)}
	if len(snaps) < 2 {
		return report
	}

	tracked := make(map[levelKey]*trackedLevel)
	for i, snap := range snaps {
		current := make(map[levelKey]float64, len(snap.Bids)+len(snap.Asks))
		for _, l := range snap.Bids {
			current[levelKey{bid: true, price: l.Price}] = l.Qty
		}
		for _, l := range snap.Asks {
			current[levelKey{bid: false, price: l.Price}] = l.Qty
		}

		var found []SpoofEvent
		for key, tl := range tracked {
			qty := current[key]
			if qty >= tl.peakQty*(1-a.cfg.SpoofDropRatio) {
				if qty > tl.peakQty {
					tl.peakQty = qty
				}
				continue
			}
			if tl.censored || !insideBook(snap, key) {
				delete(tracked, key)
				continue
			}
			if lived := i - tl.firstIdx; lived <= a.cfg.SpoofMaxSnapshots {
				side := "ask"
				if key.bid {
					side = "bid"
				}
				found = append(found, SpoofEvent{
					Side:         side,
					Price:        key.price,
					PeakQty:      tl.peakQty,
					RemainingQty: qty,
					USDValue:     key.price * tl.peakQty,
					Snapshots:    lived,
				})
			}
			delete(tracked, key)
		}
		sort.Slice(found, func(x, y int) bool {
			if found[x].Side != found[y].Side {
				return found[x].Side < found[y].Side
			}
			return found[x].Price < found[y].Price
		})
		report.Events = append(report.Events, found...)

		for key, qty := range current {
			if _, ok := tracked[key]; ok {
				continue
			}
			if key.price*qty >= a.cfg.SpoofMinUSD {
				tracked[key] = &trackedLevel{firstIdx: i, peakQty: qty, censored: i == 0}
			}
		}
	}

	report.WindowSeconds = snaps[len(snaps)-1].Timestamp.Sub(snaps[0].Timestamp).Seconds()
	if report.WindowSeconds > 0 {
		report.CancellationRate = float64(len(report.Events)) / report.WindowSeconds
	}
	return report
}

// insideBook reports whether price still lies between the best and worst
// visible levels of its side, so a missing level was pulled rather than
// traded through or scrolled out of view.
func insideBook(snap marketdata.DepthSnapshot, key levelKey) bool {
	levels := snap.Asks
	if key.bid {
		levels = snap.Bids
	}
	if len(levels) == 0 {
		return false
	}
	best, worst := levels[0].Price, levels[len(levels)-1].Price
	if key.bid {
		return key.price <= best && key.price >= worst
	}
	return key.price >= best && key.price <= worst
}

// Rebuild compares top-level depth between the oldest and newest snapshot.
type Rebuild struct {
	BidRebuildRate float64 `json:"bid_rebuild_rate"`
	AskDecayRate   float64 `json:"ask_decay_rate"`
	SpanSeconds    float64 `json:"span_seconds"`
	Confirmed      bool    `json:"confirmed"`
}

// Rebuild derives bid rebuild and ask decay rates in quantity per second over the
// retained history. It is confirmed when rebuild exceeds decay by more than
// RebuildMargin across at least RebuildMinSpan.
func (a *Analyzer) Rebuild(symbol string) (Rebuild, bool) {
	snaps := a.snapshots(symbol)
	if len(snaps) < 2 {
		return Rebuild{}, false
	}
	oldest, newest := snaps[0], snaps[len(snaps)-1]
	span := newest.Timestamp.Sub(oldest.Timestamp)
	if span <= 0 {
		return Rebuild{}, false
	}
	k := a.cfg.RebuildLevels
	secs := span.Seconds()
	r := Rebuild{
		BidRebuildRate: (sumQty(newest.Bids, k) - sumQty(oldest.Bids, k)) / secs,
		AskDecayRate:   (sumQty(oldest.Asks, k) - sumQty(newest.Asks, k)) / secs,
		SpanSeconds:    secs,
	}
	r.Confirmed = span >= a.cfg.RebuildMinSpan && r.BidRebuildRate-r.AskDecayRate > a.cfg.RebuildMargin
	return r, true
}
