// Package risk provides the circuit breaker and exposure guard consulted by the
// pre-trade gate.
package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

var errOrderFailed = errors.New("order failed")

// BreakerConfig controls when the breaker trips and how long it stays open.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	FailureRatio        float64       `yaml:"failure_ratio"`
	MinRequests         uint32        `yaml:"min_requests"`
	Cooldown            time.Duration `yaml:"cooldown"`
	// MaxDailyLoss halts trading once realized losses for the day reach it.
	// Zero disables the check.
	MaxDailyLoss float64 `yaml:"max_daily_loss"`
}

// DefaultBreakerConfig returns the production breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 3,
		FailureRatio:        0.5,
		MinRequests:         10,
		Cooldown:            5 * time.Minute,
		MaxDailyLoss:        2000,
	}
}

// Breaker halts order flow after repeated execution failures or when the
// daily loss limit is hit.
type Breaker struct {
	cb  *gobreaker.CircuitBreaker
	cfg BreakerConfig
	log zerolog.Logger

	mu          sync.Mutex
	dailyLosses float64
	dailyPnL    float64
}

// NewBreaker wires a gobreaker circuit with the given thresholds.
func NewBreaker(cfg BreakerConfig, log zerolog.Logger) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = def.MinRequests
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}

	b := &Breaker{cfg: cfg, log: log.With().Str("component", "breaker").Logger()}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "orders",
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && c.Requests >= cfg.MinRequests {
				return float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return b
}

// AllowOrder reports whether a new order may be sent.
func (b *Breaker) AllowOrder() (bool, string) {
	if b.cb.State() == gobreaker.StateOpen {
		return false, fmt.Sprintf("circuit breaker open: order failures tripped it, cooling down for %s", b.cfg.Cooldown)
	}
	if b.cfg.MaxDailyLoss > 0 {
		b.mu.Lock()
		losses := b.dailyLosses
		b.mu.Unlock()
		if losses >= b.cfg.MaxDailyLoss {
			return false, fmt.Sprintf("daily loss limit exceeded: %.2f/%.2f", losses, b.cfg.MaxDailyLoss)
		}
	}
	return true, ""
}

// RecordOutcome feeds one execution result into the breaker.
func (b *Breaker) RecordOutcome(success bool) {
	_, _ = b.cb.Execute(func() (interface{}, error) {
		if success {
			return nil, nil
		}
		return nil, errOrderFailed
	})
}

// RecordPnL adds a realized, fee-inclusive result to the daily totals.
func (b *Breaker) RecordPnL(net float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dailyPnL += net
	if net < 0 {
		b.dailyLosses += -net
	}
}

// ResetDaily clears the daily loss counters.
func (b *Breaker) ResetDaily() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log.Info().Float64("pnl", b.dailyPnL).Float64("losses", b.dailyLosses).Msg("daily breaker counters reset")
	b.dailyPnL = 0
	b.dailyLosses = 0
}

// BreakerStatus is a point-in-time view for the API.
type BreakerStatus struct {
	State               string  `json:"state"`
	Requests            uint32  `json:"requests"`
	TotalFailures       uint32  `json:"total_failures"`
	ConsecutiveFailures uint32  `json:"consecutive_failures"`
	DailyPnL            float64 `json:"daily_pnl"`
	DailyLosses         float64 `json:"daily_losses"`
}

// Status reports the breaker state and counters.
func (b *Breaker) Status() BreakerStatus {
	c := b.cb.Counts()
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStatus{
		State:               b.cb.State().String(),
		Requests:            c.Requests,
		TotalFailures:       c.TotalFailures,
		ConsecutiveFailures: c.ConsecutiveFailures,
		DailyPnL:            b.dailyPnL,
		DailyLosses:         b.dailyLosses,
	}
}
