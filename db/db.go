package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS switch_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	is_on INTEGER NOT NULL,
	changed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_switch_events_device_time ON switch_events(device_id, changed_at);

CREATE TABLE IF NOT EXISTS power_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	watts REAL NOT NULL,
	sampled_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_power_samples_device_time ON power_samples(device_id, sampled_at);
`

// Open opens (creating if needed) the runtime-history database and applies
// the schema.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return conn, nil
}
