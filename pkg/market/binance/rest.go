package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"venue-guard/pkg/marketdata"
)

const (
	// SpotPrefix is the REST prefix for spot markets.
	SpotPrefix = "/api/v3"
	// FuturesPrefix is the REST prefix for USD-M futures markets.
	FuturesPrefix = "/fapi/v1"
)

// Client wraps the public REST endpoints used for execution quotes.
type Client struct {
	BaseURL    string
	APIPrefix  string
	HTTPClient *http.Client
}

// NewClient builds a REST client against baseURL using the spot prefix unless
// prefix is given.
func NewClient(baseURL, prefix string) *Client {
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	if prefix == "" {
		prefix = SpotPrefix
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		APIPrefix:  prefix,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetBookTicker fetches the top-of-book quote for symbol.
func (c *Client) GetBookTicker(ctx context.Context, symbol string) (marketdata.Quote, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))

	var raw struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
		Time     int64  `json:"time"`
	}
	if err := c.get(ctx, "/ticker/bookTicker", params, &raw); err != nil {
		return marketdata.Quote{}, err
	}
	bid, err := positive("bidPrice", raw.BidPrice)
	if err != nil {
		return marketdata.Quote{}, err
	}
	ask, err := positive("askPrice", raw.AskPrice)
	if err != nil {
		return marketdata.Quote{}, err
	}
	ts := time.Now()
	if raw.Time > 0 {
		ts = time.UnixMilli(raw.Time)
	}
	return marketdata.Quote{Symbol: strings.ToUpper(symbol), Bid: bid, Ask: ask, Timestamp: ts}, nil
}

// GetKlines fetches the most recent candles, oldest first.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]marketdata.Candle, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var raw [][]any
	if err := c.get(ctx, "/klines", params, &raw); err != nil {
		return nil, err
	}

	candles := make([]marketdata.Candle, 0, len(raw))
	for _, item := range raw {
		// open time, o, h, l, c, v, close time, ...
		if len(item) < 6 {
			continue
		}
		var vals [5]float64
		for i := range vals {
			f, err := toFloat(item[i+1])
			if err != nil {
				return nil, fmt.Errorf("kline field %d: %w", i+1, err)
			}
			vals[i] = f
		}
		candles = append(candles, marketdata.Candle{
			OpenTime: time.UnixMilli(toInt64(item[0])),
			Open:     vals[0],
			High:     vals[1],
			Low:      vals[2],
			Close:    vals[3],
			Volume:   vals[4],
		})
	}
	return candles, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := fmt.Sprintf("%s%s%s?%s", c.BaseURL, c.APIPrefix, path, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("binance %s status %d", path, res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
