package events

import "time"

// Event enumerates the topics published inside venue-guard.
type Event string

const (
	EventReferenceTick Event = "reference.tick"
	EventOffsetAlert   Event = "offset.alert"
	EventStreamState   Event = "stream.state"
	EventGateDecision  Event = "gate.decision"
)

// OffsetAlert is published when a calibration sample exceeds the alert threshold.
type OffsetAlert struct {
	Symbol    string    `json:"symbol"`
	Offset    float64   `json:"offset"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// StreamStateChange is published on every connection state transition.
type StreamStateChange struct {
	Symbol  string    `json:"symbol"`
	Channel string    `json:"channel"`
	State   string    `json:"state"`
	Err     string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// GateDecision is published once per pre-filter evaluation.
type GateDecision struct {
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Entry        float64   `json:"entry"`
	Confidence   float64   `json:"confidence"`
	Approved     bool      `json:"approved"`
	Stage        string    `json:"stage"`
	Reason       string    `json:"reason"`
	ChecksPassed []string  `json:"checks_passed"`
	ChecksFailed []string  `json:"checks_failed"`
	Warnings     []string  `json:"warnings"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}
