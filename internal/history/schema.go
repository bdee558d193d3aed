// Package history is the durable tier: raw probe rows, SNMP interface
// rows, flapping events, and time-bucketed aggregates in a single SQLite
// file. It is the system of record; the hot cache may lag it by at most one
// batch flush interval.
package history

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// createDDL is the schema for history.db. Timestamps are epoch
// milliseconds.
const createDDL = `
CREATE TABLE IF NOT EXISTS ping_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id   TEXT    NOT NULL,
	status      TEXT    NOT NULL,
	latency_ms  REAL,
	packet_loss REAL,
	timestamp   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ping_history_device_time
	ON ping_history (device_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_ping_history_time
	ON ping_history (timestamp);

CREATE TABLE IF NOT EXISTS ping_aggregates (
	device_id       TEXT    NOT NULL,
	period_type     TEXT    NOT NULL,
	period_start    INTEGER NOT NULL,
	avg_latency     REAL,
	min_latency     REAL,
	max_latency     REAL,
	avg_packet_loss REAL,
	uptime_percent  REAL    NOT NULL,
	ping_count      INTEGER NOT NULL,
	down_count      INTEGER NOT NULL,
	degraded_count  INTEGER NOT NULL,
	PRIMARY KEY (device_id, period_type, period_start)
);

CREATE TABLE IF NOT EXISTS interface_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id    TEXT    NOT NULL,
	if_index     INTEGER NOT NULL,
	if_name      TEXT    NOT NULL DEFAULT '',
	oper_status  INTEGER NOT NULL,
	speed_mbps   REAL    NOT NULL DEFAULT 0,
	in_octets    INTEGER NOT NULL DEFAULT 0,
	out_octets   INTEGER NOT NULL DEFAULT 0,
	in_errors    INTEGER NOT NULL DEFAULT 0,
	out_errors   INTEGER NOT NULL DEFAULT 0,
	in_discards  INTEGER NOT NULL DEFAULT 0,
	out_discards INTEGER NOT NULL DEFAULT 0,
	timestamp    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interface_history_device_time
	ON interface_history (device_id, if_index, timestamp);

CREATE TABLE IF NOT EXISTS flapping_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id  TEXT    NOT NULL,
	if_index   INTEGER NOT NULL,
	if_name    TEXT    NOT NULL DEFAULT '',
	event_type TEXT    NOT NULL,
	from_value TEXT    NOT NULL DEFAULT '',
	to_value   TEXT    NOT NULL DEFAULT '',
	severity   TEXT    NOT NULL,
	changes    INTEGER NOT NULL DEFAULT 0,
	timestamp  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_flapping_events_time
	ON flapping_events (timestamp);
`

// openDB opens (or creates) the SQLite file with WAL and a busy timeout,
// then applies the schema.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single writer keeps transactions simple and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}
	if _, err := db.Exec(createDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema on %s: %w", path, err)
	}
	return db, nil
}
