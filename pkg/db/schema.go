package db

import "fmt"

var migrations = []struct {
	name string
	stmt string
}{
	{"journal_mode", `PRAGMA journal_mode=WAL;`},
	{"gate_decisions", `
		CREATE TABLE IF NOT EXISTS gate_decisions (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry REAL NOT NULL,
			confidence REAL NOT NULL,
			approved INTEGER NOT NULL,
			stage TEXT NOT NULL,
			reason TEXT NOT NULL,
			checks_passed TEXT NOT NULL DEFAULT '[]',
			checks_failed TEXT NOT NULL DEFAULT '[]',
			warnings TEXT NOT NULL DEFAULT '[]',
			evaluated_at DATETIME NOT NULL
		);`},
	{"gate_decisions_symbol_idx", `
		CREATE INDEX IF NOT EXISTS idx_gate_decisions_symbol_time
		ON gate_decisions(symbol, evaluated_at);`},
	{"offset_alerts", `
		CREATE TABLE IF NOT EXISTS offset_alerts (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			offset_value REAL NOT NULL,
			threshold REAL NOT NULL,
			at DATETIME NOT NULL
		);`},
}

// ApplyMigrations creates the journal tables if they do not exist.
func ApplyMigrations(d *Database) error {
	for _, m := range migrations {
		if _, err := d.DB.Exec(m.stmt); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	return nil
}
