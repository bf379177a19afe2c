// Package stream maintains one reconnecting reference-venue WebSocket per
// (symbol, channel) and dispatches normalized ticks, depth and trades.
package stream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"venue-guard/pkg/market/binance"
)

var (
	// ErrUnknownChannel is a configuration error; it is never retried.
	ErrUnknownChannel = errors.New("unknown stream channel")
	// ErrAlreadyRunning is returned by Start while streams are live and by
	// Connect for a (symbol, channel) that already has a live loop.
	ErrAlreadyRunning = errors.New("stream manager already running")
)

// Channel identifies a reference-venue stream type.
type Channel string

const (
	ChannelKline    Channel = "kline"
	ChannelTrade    Channel = "trade"
	ChannelDepth    Channel = "depth"
	ChannelAggTrade Channel = "aggTrade"
)

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, error) {
	switch Channel(strings.TrimSpace(s)) {
	case ChannelKline:
		return ChannelKline, nil
	case ChannelTrade:
		return ChannelTrade, nil
	case ChannelDepth:
		return ChannelDepth, nil
	case ChannelAggTrade:
		return ChannelAggTrade, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChannel, s)
}

// ParseChannels validates every name, failing on the first unknown one.
func ParseChannels(names []string) ([]Channel, error) {
	out := make([]Channel, 0, len(names))
	for _, n := range names {
		ch, err := ParseChannel(n)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// streamName maps the channel onto the venue stream for symbol.
func (c Channel) streamName(symbol, interval string) (string, error) {
	switch c {
	case ChannelKline:
		return binance.KlineStream(symbol, interval), nil
	case ChannelTrade:
		return binance.TradeStream(symbol), nil
	case ChannelDepth:
		return binance.DepthStream(symbol), nil
	case ChannelAggTrade:
		return binance.AggTradeStream(symbol), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChannel, string(c))
}

// RawMessage is one undecoded payload as received from the venue.
type RawMessage struct {
	Symbol     string
	Channel    Channel
	Data       []byte
	ReceivedAt time.Time
}
