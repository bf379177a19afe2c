package stream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"venue-guard/internal/events"
	"venue-guard/internal/monitor"
	"venue-guard/pkg/market/binance"
	"venue-guard/pkg/marketdata"
)

// Manager owns one Connection plus one dispatch goroutine per (symbol, channel).
type Manager struct {
	dialer Dialer
	opts   Options
	log    zerolog.Logger
	bus    *events.Bus

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	wg         *sync.WaitGroup
	conns      map[string]*Connection
	live       map[string]struct{}
	adhoc      map[string]adhocStream
	onTick     []func(marketdata.Tick)
	onDepth    []func(marketdata.DepthSnapshot)
	onAggTrade []func(marketdata.AggTrade)
}

// adhocStream is a loop started by Connect, outside the Start/Stop group.
type adhocStream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type handlers struct {
	tick     []func(marketdata.Tick)
	depth    []func(marketdata.DepthSnapshot)
	aggTrade []func(marketdata.AggTrade)
}

// NewManager builds a manager. bus may be nil.
func NewManager(dialer Dialer, opts Options, log zerolog.Logger, bus *events.Bus) *Manager {
	return &Manager{
		dialer: dialer,
		opts:   opts.withDefaults(),
		log:    log.With().Str("component", "stream").Logger(),
		bus:    bus,
		conns:  make(map[string]*Connection),
		live:   make(map[string]struct{}),
		adhoc:  make(map[string]adhocStream),
	}
}

// OnTick registers a handler for kline and trade ticks. Handlers registered
// after Start apply from the next Start.
func (m *Manager) OnTick(fn func(marketdata.Tick)) {
	m.mu.Lock()
	m.onTick = append(m.onTick, fn)
	m.mu.Unlock()
}

// OnDepth registers a handler for depth snapshots.
func (m *Manager) OnDepth(fn func(marketdata.DepthSnapshot)) {
	m.mu.Lock()
	m.onDepth = append(m.onDepth, fn)
	m.mu.Unlock()
}

// OnAggTrade registers a handler for aggregate trades.
func (m *Manager) OnAggTrade(fn func(marketdata.AggTrade)) {
	m.mu.Lock()
	m.onAggTrade = append(m.onAggTrade, fn)
	m.mu.Unlock()
}

func streamKey(symbol string, ch Channel) string {
	return symbol + "/" + string(ch)
}

// Connect starts a retrying connection for (symbol, channel) and returns its raw
// message stream. The stream closes once ctx ends or Stop is called. A key that
// already has a live loop is rejected with ErrAlreadyRunning.
func (m *Manager) Connect(ctx context.Context, symbol string, channel Channel) (<-chan RawMessage, error) {
	out, conn, key, err := m.open(symbol, channel)
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	m.adhoc[key] = adhocStream{cancel: cancel, done: done}
	m.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		defer m.release(key)
		defer close(out)
		conn.Run(streamCtx, out)
	}()
	return out, nil
}

// open registers a Connection for (symbol, channel) and marks the key live.
func (m *Manager) open(symbol string, channel Channel) (chan RawMessage, *Connection, string, error) {
	if _, err := ParseChannel(string(channel)); err != nil {
		return nil, nil, "", err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, nil, "", fmt.Errorf("stream: empty symbol")
	}
	name, err := channel.streamName(symbol, m.opts.KlineInterval)
	if err != nil {
		return nil, nil, "", err
	}
	url, err := binance.StreamURL(m.opts.BaseURL, name)
	if err != nil {
		return nil, nil, "", err
	}

	key := streamKey(symbol, channel)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[key]; ok {
		return nil, nil, "", fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}
	conn := newConnection(symbol, channel, url, m.dialer, m.opts, m.log, m.bus)
	m.live[key] = struct{}{}
	m.conns[key] = conn
	return make(chan RawMessage, m.opts.Buffer), conn, key, nil
}

// release clears the live mark once a loop has returned.
func (m *Manager) release(key string) {
	m.mu.Lock()
	delete(m.live, key)
	delete(m.adhoc, key)
	m.mu.Unlock()
}

// Start validates every channel before opening anything, then runs one
// connection per unique (symbol, channel). Calling Start while running is a
// no-op that returns ErrAlreadyRunning.
func (m *Manager) Start(ctx context.Context, symbols []string, channels []Channel) error {
	for _, ch := range channels {
		if _, err := ParseChannel(string(ch)); err != nil {
			return err
		}
	}
	syms := dedupSymbols(symbols)
	if len(syms) == 0 {
		return fmt.Errorf("stream: no symbols to start")
	}
	chans := dedupChannels(channels)
	if len(chans) == 0 {
		return fmt.Errorf("stream: no channels to start")
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.log.Warn().Msg("start called while running; ignoring")
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.wg = &sync.WaitGroup{}
	for key := range m.conns {
		if _, ok := m.live[key]; !ok {
			delete(m.conns, key)
		}
	}
	h := handlers{
		tick:     append([]func(marketdata.Tick){}, m.onTick...),
		depth:    append([]func(marketdata.DepthSnapshot){}, m.onDepth...),
		aggTrade: append([]func(marketdata.AggTrade){}, m.onAggTrade...),
	}
	wg := m.wg
	m.mu.Unlock()

	var opened []string
	for _, sym := range syms {
		for _, ch := range chans {
			out, conn, key, err := m.open(sym, ch)
			if err != nil {
				m.abortStart(cancel, wg, opened)
				return err
			}
			opened = append(opened, key)
			wg.Add(2)
			go func() {
				defer wg.Done()
				defer m.release(key)
				defer close(out)
				conn.Run(runCtx, out)
			}()
			go func() {
				defer wg.Done()
				for msg := range out {
					m.dispatch(msg, h)
				}
			}()
		}
	}
	m.log.Info().Strs("symbols", syms).Int("channels", len(chans)).Msg("streams started")
	return nil
}

// abortStart unwinds a Start that failed partway: it cancels the loops already
// launched, waits for them up to the grace period and forgets their entries.
func (m *Manager) abortStart(cancel context.CancelFunc, wg *sync.WaitGroup, opened []string) {
	cancel()
	if !waitWithin(m.opts.StopGrace, wg.Wait) {
		m.log.Warn().Strs("streams", opened).Dur("grace", m.opts.StopGrace).
			Msg("aborted streams did not stop within grace period")
	}
	m.mu.Lock()
	for _, key := range opened {
		if _, ok := m.live[key]; !ok {
			delete(m.conns, key)
		}
	}
	m.running = false
	m.cancel = nil
	m.mu.Unlock()
}

// Stop cancels every stream, including those opened by Connect, and waits up
// to the grace period. It always returns; streams still running after the
// grace period are logged.
func (m *Manager) Stop() {
	m.mu.Lock()
	adhoc := make([]adhocStream, 0, len(m.adhoc))
	for _, a := range m.adhoc {
		adhoc = append(adhoc, a)
	}
	if !m.running && len(adhoc) == 0 {
		m.mu.Unlock()
		return
	}
	cancel, wg := m.cancel, m.wg
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, a := range adhoc {
		a.cancel()
	}

	stopped := waitWithin(m.opts.StopGrace, func() {
		if cancel != nil {
			wg.Wait()
		}
		for _, a := range adhoc {
			<-a.done
		}
	})
	if stopped {
		m.log.Info().Msg("streams stopped")
		return
	}
	var lingering []string
	for _, st := range m.Status() {
		if st.State != StateStopped.String() {
			lingering = append(lingering, st.Symbol+"/"+string(st.Channel))
		}
	}
	m.log.Warn().Strs("lingering", lingering).Dur("grace", m.opts.StopGrace).
		Msg("streams did not stop within grace period")
}

// waitWithin runs wait in the background and reports whether it finished
// before grace elapsed.
func waitWithin(grace time.Duration, wait func()) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

// Running reports whether Start has been called without a matching Stop.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Status lists every known stream sorted by symbol then channel.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

// dispatch decodes one payload and fans it out. Decode failures and handler
// panics are logged and counted; the stream keeps going.
func (m *Manager) dispatch(msg RawMessage, h handlers) {
	defer func() {
		if r := recover(); r != nil {
			monitor.ParseErrorsTotal.WithLabelValues(string(msg.Channel)).Inc()
			m.log.Error().Interface("panic", r).Str("symbol", msg.Symbol).
				Str("channel", string(msg.Channel)).Msg("stream handler panicked")
		}
	}()

	var err error
	switch msg.Channel {
	case ChannelKline, ChannelTrade:
		var tick marketdata.Tick
		if msg.Channel == ChannelKline {
			tick, err = binance.DecodeKline(msg.Symbol, msg.Data)
		} else {
			tick, err = binance.DecodeTrade(msg.Symbol, msg.Data)
		}
		if err == nil {
			for _, fn := range h.tick {
				fn(tick)
			}
		}
	case ChannelDepth:
		var snap marketdata.DepthSnapshot
		snap, err = binance.DecodePartialDepth(msg.Symbol, msg.Data, msg.ReceivedAt)
		if err == nil {
			for _, fn := range h.depth {
				fn(snap)
			}
		}
	case ChannelAggTrade:
		var trade marketdata.AggTrade
		trade, err = binance.DecodeAggTrade(msg.Symbol, msg.Data)
		if err == nil {
			for _, fn := range h.aggTrade {
				fn(trade)
			}
		}
	}

	if err != nil {
		monitor.ParseErrorsTotal.WithLabelValues(string(msg.Channel)).Inc()
		m.log.Warn().Err(err).Str("symbol", msg.Symbol).Str("channel", string(msg.Channel)).
			Msg("skipping malformed message")
		return
	}
	monitor.MessagesTotal.WithLabelValues(string(msg.Channel)).Inc()
}

func dedupSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func dedupChannels(channels []Channel) []Channel {
	seen := make(map[Channel]bool, len(channels))
	out := make([]Channel, 0, len(channels))
	for _, c := range channels {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
