package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"venue-guard/internal/events"
	"venue-guard/internal/monitor"
)

// Options tunes connection behavior.
type Options struct {
	BaseURL        string
	KlineInterval  string
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration
	HealthyReset   time.Duration
	StopGrace      time.Duration
	Buffer         int
}

// DefaultOptions returns the production reconnect policy.
func DefaultOptions() Options {
	return Options{
		KlineInterval:  "1m",
		BaseDelay:      time.Second,
		MaxDelay:       60 * time.Second,
		ConnectTimeout: 10 * time.Second,
		HealthyReset:   30 * time.Second,
		StopGrace:      5 * time.Second,
		Buffer:         256,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.KlineInterval == "" {
		o.KlineInterval = def.KlineInterval
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = def.BaseDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = def.MaxDelay
		if o.MaxDelay < o.BaseDelay {
			o.MaxDelay = o.BaseDelay
		}
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.HealthyReset <= 0 {
		o.HealthyReset = def.HealthyReset
	}
	if o.StopGrace <= 0 {
		o.StopGrace = def.StopGrace
	}
	if o.Buffer <= 0 {
		o.Buffer = def.Buffer
	}
	return o
}

// State is a connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackingOff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackingOff:
		return "backing_off"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Status is a snapshot of one connection.
type Status struct {
	Symbol      string    `json:"symbol"`
	Channel     Channel   `json:"channel"`
	State       string    `json:"state"`
	Reconnects  int       `json:"reconnects"`
	LastMessage time.Time `json:"last_message"`
	LastError   string    `json:"last_error,omitempty"`
}

// Connection is the retrying loop for one (symbol, channel).
//
//	Disconnected -> Connecting -> Connected -> BackingOff -> Connecting ...
//	any state -> Stopped when the context ends
type Connection struct {
	symbol  string
	channel Channel
	url     string
	dialer  Dialer
	opts    Options
	log     zerolog.Logger
	bus     *events.Bus

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) bool

	mu          sync.RWMutex
	state       State
	reconnects  int
	lastMessage time.Time
	lastError   string
}

func newConnection(symbol string, channel Channel, url string, dialer Dialer, opts Options, log zerolog.Logger, bus *events.Bus) *Connection {
	return &Connection{
		symbol:  symbol,
		channel: channel,
		url:     url,
		dialer:  dialer,
		opts:    opts,
		log:     log.With().Str("symbol", symbol).Str("channel", string(channel)).Logger(),
		bus:     bus,
		now:     time.Now,
		wait:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Run dials, reads and reconnects until ctx ends. Messages are forwarded to out
// in arrival order.
func (c *Connection) Run(ctx context.Context, out chan<- RawMessage) {
	backoff := Backoff{Base: c.opts.BaseDelay, Max: c.opts.MaxDelay}
	defer c.transition(StateStopped, "")

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			c.mu.Lock()
			c.reconnects++
			c.mu.Unlock()
			monitor.ReconnectsTotal.WithLabelValues(string(c.channel)).Inc()
		}

		c.transition(StateConnecting, "")
		dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		conn, err := c.dialer.Dial(dialCtx, c.url)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Msg("stream connect failed")
			if !c.backOff(ctx, &backoff, err) {
				return
			}
			continue
		}

		c.transition(StateConnected, "")
		c.log.Info().Int("attempt", attempt).Msg("stream connected")
		connectedAt := c.now()
		err = c.read(ctx, conn, out)
		if c.now().Sub(connectedAt) > c.opts.HealthyReset {
			backoff.Reset()
		}
		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Msg("stream dropped")
		if !c.backOff(ctx, &backoff, err) {
			return
		}
	}
}

func (c *Connection) backOff(ctx context.Context, b *Backoff, cause error) bool {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	delay := b.Next()
	c.transition(StateBackingOff, msg)
	c.log.Debug().Dur("delay", delay).Msg("backing off")
	return c.wait(ctx, delay)
}

func (c *Connection) read(ctx context.Context, conn Conn, out chan<- RawMessage) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		now := c.now()
		c.mu.Lock()
		c.lastMessage = now
		c.mu.Unlock()

		select {
		case out <- RawMessage{Symbol: c.symbol, Channel: c.channel, Data: data, ReceivedAt: now}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) transition(to State, errText string) {
	c.mu.Lock()
	from := c.state
	c.state = to
	if errText != "" {
		c.lastError = errText
	}
	c.mu.Unlock()

	if from == to {
		return
	}
	if to == StateConnected {
		monitor.StreamsConnected.WithLabelValues(string(c.channel)).Inc()
	} else if from == StateConnected {
		monitor.StreamsConnected.WithLabelValues(string(c.channel)).Dec()
	}
	c.bus.Publish(events.EventStreamState, events.StreamStateChange{
		Symbol:  c.symbol,
		Channel: string(c.channel),
		State:   to.String(),
		Err:     errText,
		At:      c.now(),
	})
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Status snapshots the connection.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Symbol:      c.symbol,
		Channel:     c.channel,
		State:       c.state.String(),
		Reconnects:  c.reconnects,
		LastMessage: c.lastMessage,
		LastError:   c.lastError,
	}
}
