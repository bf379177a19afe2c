package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"venue-guard/internal/events"
)

// Monitor watches the bus and forwards offset alerts, gate blocks and stream
// drops to an AlertSink.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
	Log  zerolog.Logger
}

// Start subscribes and forwards until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		m.Log.Warn().Msg("monitor not fully configured; skipping")
		return
	}
	offsets, unsubOffsets := m.Bus.Subscribe(events.EventOffsetAlert, 50)
	gates, unsubGates := m.Bus.Subscribe(events.EventGateDecision, 100)
	streams, unsubStreams := m.Bus.Subscribe(events.EventStreamState, 100)
	go func() {
		defer unsubOffsets()
		defer unsubGates()
		defer unsubStreams()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-offsets:
				if !ok {
					return
				}
				m.forward(msg)
			case msg, ok := <-gates:
				if !ok {
					return
				}
				m.forward(msg)
			case msg, ok := <-streams:
				if !ok {
					return
				}
				m.forward(msg)
			}
		}
	}()
}

func (m *Monitor) forward(msg any) {
	text, ok := formatAlert(msg)
	if !ok {
		return
	}
	if err := m.Sink.Send(text); err != nil {
		m.Log.Error().Err(err).Msg("alert delivery failed")
	}
}

// formatAlert renders alert-worthy payloads; approvals and healthy transitions
// are not alerts.
func formatAlert(msg any) (string, bool) {
	switch t := msg.(type) {
	case events.OffsetAlert:
		return fmt.Sprintf("[%s] offset %s %.2f exceeds %.2f", t.At.Format(time.RFC3339), t.Symbol, t.Offset, t.Threshold), true
	case events.GateDecision:
		if t.Approved {
			return "", false
		}
		return fmt.Sprintf("[%s] gate blocked %s %s at %s: %s", t.EvaluatedAt.Format(time.RFC3339), t.Side, t.Symbol, t.Stage, t.Reason), true
	case events.StreamStateChange:
		if t.State != "backing_off" {
			return "", false
		}
		return fmt.Sprintf("[%s] stream %s/%s backing off: %s", t.At.Format(time.RFC3339), t.Symbol, t.Channel, t.Err), true
	case string:
		return t, true
	default:
		return "", false
	}
}
