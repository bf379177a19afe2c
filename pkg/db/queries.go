package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

const insertGateDecision = `
INSERT INTO gate_decisions (id, symbol, side, entry, confidence, approved, stage, reason,
	checks_passed, checks_failed, warnings, evaluated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const insertOffsetAlert = `
INSERT INTO offset_alerts (id, symbol, offset_value, threshold, at)
VALUES (?, ?, ?, ?, ?)`

// GateDecisionInsert returns the statement and args used to persist r, so
// callers can route it through a batch writer.
func GateDecisionInsert(r GateDecisionRecord) (string, []any) {
	return insertGateDecision, []any{
		r.ID, r.Symbol, r.Side, r.Entry, r.Confidence, boolToInt(r.Approved), r.Stage, r.Reason,
		encodeList(r.ChecksPassed), encodeList(r.ChecksFailed), encodeList(r.Warnings),
		r.EvaluatedAt.UTC(),
	}
}

// OffsetAlertInsert returns the statement and args used to persist r.
func OffsetAlertInsert(r OffsetAlertRecord) (string, []any) {
	return insertOffsetAlert, []any{r.ID, r.Symbol, r.Offset, r.Threshold, r.At.UTC()}
}

// InsertGateDecision writes a single record immediately.
func (d *Database) InsertGateDecision(ctx context.Context, r GateDecisionRecord) error {
	q, args := GateDecisionInsert(r)
	if _, err := d.DB.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("insert gate decision: %w", err)
	}
	return nil
}

// RecentGateDecisions returns up to limit decisions, newest first. An empty
// symbol matches every symbol.
func (d *Database) RecentGateDecisions(ctx context.Context, symbol string, limit int) ([]GateDecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, symbol, side, entry, confidence, approved, stage, reason,
		checks_passed, checks_failed, warnings, evaluated_at
		FROM gate_decisions`
	args := []any{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, strings.ToUpper(symbol))
	}
	query += ` ORDER BY evaluated_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query gate decisions: %w", err)
	}
	defer rows.Close()

	var out []GateDecisionRecord
	for rows.Next() {
		var (
			r                     GateDecisionRecord
			approved              int
			passed, failed, warns string
		)
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Side, &r.Entry, &r.Confidence, &approved, &r.Stage, &r.Reason,
			&passed, &failed, &warns, &r.EvaluatedAt); err != nil {
			return nil, err
		}
		r.Approved = approved == 1
		r.ChecksPassed = decodeList(passed)
		r.ChecksFailed = decodeList(failed)
		r.Warnings = decodeList(warns)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentOffsetAlerts returns up to limit alerts, newest first.
func (d *Database) RecentOffsetAlerts(ctx context.Context, limit int) ([]OffsetAlertRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, offset_value, threshold, at
		FROM offset_alerts
		ORDER BY at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query offset alerts: %w", err)
	}
	defer rows.Close()

	var out []OffsetAlertRecord
	for rows.Next() {
		var r OffsetAlertRecord
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Offset, &r.Threshold, &r.At); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountGateDecisions returns approved and blocked totals.
func (d *Database) CountGateDecisions(ctx context.Context) (approved, blocked int, err error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(approved), 0), COALESCE(SUM(1 - approved), 0) FROM gate_decisions`)
	if err = row.Scan(&approved, &blocked); err != nil && err != sql.ErrNoRows {
		return 0, 0, err
	}
	return approved, blocked, nil
}

func encodeList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeList(s string) []string {
	var items []string
	if err := json.Unmarshal([]byte(s), &items); err != nil || len(items) == 0 {
		return []string{}
	}
	return items
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
