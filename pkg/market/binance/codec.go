package binance

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformed marks a payload that decoded as JSON but carried unusable fields.
var ErrMalformed = errors.New("binance: malformed payload")

// envelope is the combined-stream wrapper (`/stream?streams=`). Single-stream
// connections deliver the bare payload.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// unwrap strips the combined-stream envelope when present.
func unwrap(msg []byte) []byte {
	var env envelope
	if err := json.Unmarshal(msg, &env); err == nil && env.Stream != "" && len(env.Data) > 0 {
		return env.Data
	}
	return msg
}

// toFloat accepts both quoted decimals (Binance default) and bare JSON numbers.
func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: number %q", ErrMalformed, t)
		}
		return f, nil
	case json.Number:
		return t.Float64()
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("%w: unexpected number type %T", ErrMalformed, v)
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		i, _ := t.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(t, 10, 64)
		return i
	default:
		return 0
	}
}

// positive parses v and requires a strictly positive result.
func positive(field string, v any) (float64, error) {
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if f <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive, got %v", ErrMalformed, field, f)
	}
	return f, nil
}
