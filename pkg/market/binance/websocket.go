package binance

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"venue-guard/pkg/marketdata"
)

// DefaultStreamURL is the public spot market stream host.
const DefaultStreamURL = "wss://stream.binance.com:9443"

// DepthLevels is the partial book depth requested from the depth channel.
const DepthLevels = 20

// KlineStream names the candle stream, e.g. btcusdt@kline_1m.
func KlineStream(symbol, interval string) string {
	if interval == "" {
		interval = "1m"
	}
	return fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
}

// TradeStream names the raw trade stream.
func TradeStream(symbol string) string {
	return strings.ToLower(symbol) + "@trade"
}

// DepthStream names the 20-level partial book stream at 100ms cadence.
func DepthStream(symbol string) string {
	return fmt.Sprintf("%s@depth%d@100ms", strings.ToLower(symbol), DepthLevels)
}

// AggTradeStream names the aggregate trade stream.
func AggTradeStream(symbol string) string {
	return strings.ToLower(symbol) + "@aggTrade"
}

// StreamURL joins the base host with a single raw stream path (/ws/<stream>).
func StreamURL(base, stream string) (string, error) {
	if base == "" {
		base = DefaultStreamURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("stream url %q: scheme must be ws or wss", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + stream
	return u.String(), nil
}

// DecodeKline turns a kline event into a Tick. The tick is stamped with the event
// time so that age reflects the venue's clock rather than candle boundaries.
func DecodeKline(symbol string, msg []byte) (marketdata.Tick, error) {
	var raw struct {
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		K         *struct {
			StartTime int64 `json:"t"`
			Open      any   `json:"o"`
			Close     any   `json:"c"`
			High      any   `json:"h"`
			Low       any   `json:"l"`
			Volume    any   `json:"v"`
			Closed    bool  `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(unwrap(msg), &raw); err != nil {
		return marketdata.Tick{}, fmt.Errorf("decode kline: %w", err)
	}
	if raw.K == nil {
		return marketdata.Tick{}, fmt.Errorf("%w: kline payload missing k", ErrMalformed)
	}
	open, err := positive("open", raw.K.Open)
	if err != nil {
		return marketdata.Tick{}, err
	}
	high, err := positive("high", raw.K.High)
	if err != nil {
		return marketdata.Tick{}, err
	}
	low, err := positive("low", raw.K.Low)
	if err != nil {
		return marketdata.Tick{}, err
	}
	closePx, err := positive("close", raw.K.Close)
	if err != nil {
		return marketdata.Tick{}, err
	}
	vol, err := toFloat(raw.K.Volume)
	if err != nil {
		return marketdata.Tick{}, fmt.Errorf("volume: %w", err)
	}

	ts := raw.EventTime
	if ts == 0 {
		ts = raw.K.StartTime
	}
	return marketdata.Tick{
		Symbol:    pickSymbol(symbol, raw.Symbol),
		Timestamp: time.UnixMilli(ts),
		Price:     closePx,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
		Volume:    vol,
		IsClosed:  raw.K.Closed,
	}, nil
}

// DecodeTrade turns a raw trade event into a single-print Tick.
func DecodeTrade(symbol string, msg []byte) (marketdata.Tick, error) {
	var raw struct {
		Symbol    string `json:"s"`
		Price     any    `json:"p"`
		Qty       any    `json:"q"`
		TradeTime int64  `json:"T"`
	}
	if err := json.Unmarshal(unwrap(msg), &raw); err != nil {
		return marketdata.Tick{}, fmt.Errorf("decode trade: %w", err)
	}
	px, err := positive("price", raw.Price)
	if err != nil {
		return marketdata.Tick{}, err
	}
	qty, err := toFloat(raw.Qty)
	if err != nil {
		return marketdata.Tick{}, fmt.Errorf("qty: %w", err)
	}
	return marketdata.Tick{
		Symbol:    pickSymbol(symbol, raw.Symbol),
		Timestamp: time.UnixMilli(raw.TradeTime),
		Price:     px,
		Open:      px,
		High:      px,
		Low:       px,
		Close:     px,
		Volume:    qty,
		IsClosed:  true,
	}, nil
}

// DecodeAggTrade turns an aggTrade event into an AggTrade with derived side and notional.
func DecodeAggTrade(symbol string, msg []byte) (marketdata.AggTrade, error) {
	var raw struct {
		Symbol       string `json:"s"`
		AggID        int64  `json:"a"`
		Price        any    `json:"p"`
		Qty          any    `json:"q"`
		TradeTime    int64  `json:"T"`
		BuyerIsMaker bool   `json:"m"`
	}
	if err := json.Unmarshal(unwrap(msg), &raw); err != nil {
		return marketdata.AggTrade{}, fmt.Errorf("decode aggTrade: %w", err)
	}
	px, err := positive("price", raw.Price)
	if err != nil {
		return marketdata.AggTrade{}, err
	}
	qty, err := positive("qty", raw.Qty)
	if err != nil {
		return marketdata.AggTrade{}, err
	}
	return marketdata.AggTrade{
		Symbol:    pickSymbol(symbol, raw.Symbol),
		Timestamp: time.UnixMilli(raw.TradeTime),
		TradeID:   raw.AggID,
		Price:     px,
		Qty:       qty,
		Side:      marketdata.SideFromMakerFlag(raw.BuyerIsMaker),
		USDValue:  px * qty,
	}, nil
}

// DecodePartialDepth turns a depth<N> payload into a DepthSnapshot. Partial book
// payloads carry no timestamp, so receivedAt stamps the snapshot.
func DecodePartialDepth(symbol string, msg []byte, receivedAt time.Time) (marketdata.DepthSnapshot, error) {
	var raw struct {
		LastUpdateID int64   `json:"lastUpdateId"`
		Bids         [][]any `json:"bids"`
		Asks         [][]any `json:"asks"`
	}
	if err := json.Unmarshal(unwrap(msg), &raw); err != nil {
		return marketdata.DepthSnapshot{}, fmt.Errorf("decode depth: %w", err)
	}
	bids, err := parseLevels(raw.Bids)
	if err != nil {
		return marketdata.DepthSnapshot{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(raw.Asks)
	if err != nil {
		return marketdata.DepthSnapshot{}, fmt.Errorf("asks: %w", err)
	}
	if len(bids) == 0 && len(asks) == 0 {
		return marketdata.DepthSnapshot{}, fmt.Errorf("%w: empty book", ErrMalformed)
	}
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.SliceStable(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	return marketdata.DepthSnapshot{
		Symbol:    strings.ToUpper(symbol),
		Timestamp: receivedAt,
		Bids:      truncate(bids, DepthLevels),
		Asks:      truncate(asks, DepthLevels),
		UpdateID:  raw.LastUpdateID,
	}, nil
}

func parseLevels(raw [][]any) ([]marketdata.Level, error) {
	out := make([]marketdata.Level, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		px, err := positive("price", lvl[0])
		if err != nil {
			return nil, err
		}
		qty, err := toFloat(lvl[1])
		if err != nil {
			return nil, fmt.Errorf("qty: %w", err)
		}
		if qty <= 0 {
			continue
		}
		out = append(out, marketdata.Level{Price: px, Qty: qty})
	}
	return out, nil
}

func truncate(levels []marketdata.Level, n int) []marketdata.Level {
	if len(levels) > n {
		return levels[:n]
	}
	return levels
}

func pickSymbol(requested, reported string) string {
	if reported != "" {
		return strings.ToUpper(reported)
	}
	return strings.ToUpper(requested)
}
