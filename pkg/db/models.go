package db

import "time"

// GateDecisionRecord is one journaled pre-filter evaluation.
type GateDecisionRecord struct {
	ID           string    `json:"id"`
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

// OffsetAlertRecord is one journaled offset alert.
type OffsetAlertRecord struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Offset    float64   `json:"offset"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}
