// Package marketdata holds the venue-neutral market data values shared by the feed,
// the caches and the validators.
package marketdata

import (
	"math"
	"time"
)

// Side is the aggressor side of a trade or the direction of a signal.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Tick is one normalized price observation. Ticks built from klines carry the candle
// fields; ticks built from raw trades repeat the trade price in OHLC.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	IsClosed  bool      `json:"is_closed"`
}

// Level is one price level of an order book side.
type Level struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// Notional returns price × quantity.
func (l Level) Notional() float64 {
	return l.Price * l.Qty
}

// DepthSnapshot is a partial book: bids descending, asks ascending.
type DepthSnapshot struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	UpdateID  int64     `json:"update_id"`
}

// BestBid returns the top bid level.
func (d DepthSnapshot) BestBid() (Level, bool) {
	if len(d.Bids) == 0 {
		return Level{}, false
	}
	return d.Bids[0], true
}

// BestAsk returns the top ask level.
func (d DepthSnapshot) BestAsk() (Level, bool) {
	if len(d.Asks) == 0 {
		return Level{}, false
	}
	return d.Asks[0], true
}

// Crossed reports a book whose best bid is at or through the best ask.
func (d DepthSnapshot) Crossed() bool {
	bid, okBid := d.BestBid()
	ask, okAsk := d.BestAsk()
	return okBid && okAsk && bid.Price >= ask.Price
}

// AggTrade is one aggregate trade from the reference venue tape.
type AggTrade struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	TradeID   int64     `json:"trade_id"`
	Price     float64   `json:"price"`
	Qty       float64   `json:"qty"`
	Side      Side      `json:"side"`
	USDValue  float64   `json:"usd_value"`
}

// SideFromMakerFlag maps the venue's buyer-is-maker flag onto the aggressor side:
// when the buyer rested on the book the seller crossed the spread.
func SideFromMakerFlag(buyerIsMaker bool) Side {
	if buyerIsMaker {
		return SideSell
	}
	return SideBuy
}

// Candle is an OHLC bar as reported by either venue.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Quote is a top-of-book quote from the execution venue.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

// Mid returns the midpoint of bid and ask.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Spread returns ask − bid.
func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// ValidPrice reports a finite, strictly positive price.
func ValidPrice(p float64) bool {
	return p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}
