package monitor

import "github.com/rs/zerolog"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink delivers alerts as warn-level log lines.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Send(message string) error {
	s.Log.Warn().Str("alert", message).Msg("venue-guard alert")
	return nil
}
