package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/uplinklabs/netmon/internal/model"
)

// ErrResetUnsafe is returned when a Reset cannot verify that both tables
// were emptied; the store is left as-is.
var ErrResetUnsafe = errors.New("history: reset could not be verified")

const (
	rawRetention       = 30 * 24 * time.Hour
	aggregateRetention = 90 * 24 * time.Hour

	defaultLatestWindow = 30 * 24 * time.Hour
)

// Config for the Store.
type Config struct {
	Logger *slog.Logger
	Path   string
	Clock  clockwork.Clock
	// OnReset is invoked after Reset or a file swap so the hot cache can be
	// invalidated. Optional.
	OnReset func()
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Path == "" {
		return errors.New("path is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store owns history.db. All operations run through a corruption-recovery
// wrapper: a detected integrity failure quarantines the file, recreates a
// fresh store, and retries the operation once. The process never aborts on
// corruption.
type Store struct {
	log     *slog.Logger
	cfg     *Config
	clock   clockwork.Clock
	onReset func()

	// mu guards db swaps (corruption recovery, reset, import). Operations
	// hold the read side for their whole statement.
	mu sync.RWMutex
	db *sql.DB
}

// New opens the store, creating the file and schema if needed.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("history: error validating config: %w", err)
	}
	db, err := openDB(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return &Store{log: cfg.Logger, cfg: cfg, clock: cfg.Clock, onReset: cfg.OnReset, db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Row is one persisted probe result.
type Row struct {
	DeviceID   string       `json:"deviceId"`
	Status     model.Status `json:"status"`
	LatencyMs  *float64     `json:"latencyMs,omitempty"`
	PacketLoss *float64     `json:"packetLoss,omitempty"`
	Timestamp  int64        `json:"timestamp"`
}

// run executes fn against the current db, retrying once through the
// quarantine-and-recreate path when the error looks like file corruption.
func (s *Store) run(fn func(db *sql.DB) error) error {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return errors.New("history: store is closed")
	}

	err := fn(db)
	if err == nil || !isCorrupt(err) {
		return err
	}

	s.log.Error("history: corruption detected, quarantining database", "error", err)
	if qerr := s.quarantineAndRecreate(); qerr != nil {
		return errors.Join(err, qerr)
	}

	s.mu.RLock()
	db = s.db
	s.mu.RUnlock()
	return fn(db)
}

func isCorrupt(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "database corruption")
}

// quarantineAndRecreate moves the damaged file aside under a timestamped
// name and opens a fresh empty store in its place.
func (s *Store) quarantineAndRecreate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}

	ts := s.clock.Now().UTC().Format("20060102T150405Z")
	quarantine := fmt.Sprintf("%s-%s-corrupted-db.backup", s.cfg.Path, ts)
	if err := os.Rename(s.cfg.Path, quarantine); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("history: quarantine %s: %w", s.cfg.Path, err)
	}
	// WAL sidecars belong to the quarantined image.
	_ = os.Remove(s.cfg.Path + "-wal")
	_ = os.Remove(s.cfg.Path + "-shm")

	db, err := openDB(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("history: recreate after quarantine: %w", err)
	}
	s.db = db
	s.log.Warn("history: recreated empty database after corruption", "quarantine", quarantine)
	return nil
}

// InsertBatch writes probe rows and interface readings in one transaction.
func (s *Store) InsertBatch(ctx context.Context, pings []model.ProbeResult, ifaces []model.InterfaceReading) error {
	if len(pings) == 0 && len(ifaces) == 0 {
		return nil
	}
	return s.run(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		if len(pings) > 0 {
			stmt, err := tx.PrepareContext(ctx,
				`INSERT INTO ping_history (device_id, status, latency_ms, packet_loss, timestamp) VALUES (?, ?, ?, ?, ?)`)
			if err != nil {
				return fmt.Errorf("prepare ping insert: %w", err)
			}
			defer stmt.Close()
			for _, p := range pings {
				if _, err := stmt.ExecContext(ctx, p.DeviceID, string(p.Status),
					nullFloat(p.LatencyMs), nullFloat(p.PacketLoss), model.EpochMs(p.Timestamp)); err != nil {
					return fmt.Errorf("insert ping row: %w", err)
				}
			}
		}

		if len(ifaces) > 0 {
			stmt, err := tx.PrepareContext(ctx,
				`INSERT INTO interface_history (device_id, if_index, if_name, oper_status, speed_mbps,
					in_octets, out_octets, in_errors, out_errors, in_discards, out_discards, timestamp)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
			if err != nil {
				return fmt.Errorf("prepare interface insert: %w", err)
			}
			defer stmt.Close()
			for _, r := range ifaces {
				if _, err := stmt.ExecContext(ctx, r.DeviceID, r.IfIndex, r.IfName, r.OperStatus, r.SpeedMbps,
					r.InOctets, r.OutOctets, r.InErrors, r.OutErrors, r.InDiscards, r.OutDiscards,
					model.EpochMs(r.Timestamp)); err != nil {
					return fmt.Errorf("insert interface row: %w", err)
				}
			}
		}

		return tx.Commit()
	})
}

// LatestPerDevice returns the most recent row per device within the window
// (default 30 days), as live DeviceStatus values. Used when the hot cache
// is cold.
func (s *Store) LatestPerDevice(ctx context.Context, window time.Duration) (map[string]model.DeviceStatus, error) {
	if window <= 0 {
		window = defaultLatestWindow
	}
	since := model.EpochMs(s.clock.Now().Add(-window))

	out := make(map[string]model.DeviceStatus)
	err := s.run(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT h.device_id, h.status, h.latency_ms, h.packet_loss, h.timestamp
			FROM ping_history h
			JOIN (
				SELECT device_id, MAX(timestamp) AS max_ts
				FROM ping_history
				WHERE timestamp >= ?
				GROUP BY device_id
			) m ON h.device_id = m.device_id AND h.timestamp = m.max_ts`, since)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				st       model.DeviceStatus
				status   string
				lat, pl  sql.NullFloat64
				ts       int64
			)
			if err := rows.Scan(&st.DeviceID, &status, &lat, &pl, &ts); err != nil {
				return err
			}
			st.Status = model.Status(status)
			st.LatencyMs = floatPtr(lat)
			st.PacketLoss = floatPtr(pl)
			st.LastChecked = model.FromEpochMs(ts)
			out[st.DeviceID] = st
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("history: latest per device: %w", err)
	}
	return out, nil
}

// LastDownAt returns the timestamp of the most recent down row for the
// device, if any.
func (s *Store) LastDownAt(ctx context.Context, deviceID string) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := s.run(func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			`SELECT MAX(timestamp) FROM ping_history WHERE device_id = ? AND status = 'down'`,
			deviceID).Scan(&ts)
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("history: last down: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return model.FromEpochMs(ts.Int64), true, nil
}

// LastDownTimes returns the most recent down timestamp for every device
// that has one. One query instead of one per device on the /status path.
func (s *Store) LastDownTimes(ctx context.Context) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	err := s.run(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT device_id, MAX(timestamp) FROM ping_history WHERE status = 'down' GROUP BY device_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			var ts int64
			if err := rows.Scan(&id, &ts); err != nil {
				return err
			}
			out[id] = model.FromEpochMs(ts)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("history: last down times: %w", err)
	}
	return out, nil
}

// Reset truncates all tables transactionally after writing a pre-reset
// backup copy, then VACUUMs and invalidates the hot cache. Returns
// ErrResetUnsafe when the post-delete verification fails.
func (s *Store) Reset(ctx context.Context) error {
	ts := s.clock.Now().UTC().Format("20060102T150405Z")
	backup := fmt.Sprintf("%s.pre-reset-%s.backup", s.cfg.Path, ts)

	err := s.run(func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, backup); err != nil {
			return fmt.Errorf("pre-reset backup: %w", err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		for _, table := range []string{"ping_history", "ping_aggregates", "interface_history", "flapping_events"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("truncate %s: %w", table, err)
			}
		}

		var remaining int
		if err := tx.QueryRowContext(ctx,
			`SELECT (SELECT COUNT(*) FROM ping_history) + (SELECT COUNT(*) FROM ping_aggregates)`).Scan(&remaining); err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if remaining > 0 {
			return ErrResetUnsafe
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}

		if _, err := db.ExecContext(ctx, `VACUUM`); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.onReset != nil {
		s.onReset()
	}
	s.log.Info("history: reset complete", "backup", backup)
	return nil
}

// BackupTo streams a consistent copy of the database (via VACUUM INTO a
// temporary file) to w. Used by the export endpoint.
func (s *Store) BackupTo(ctx context.Context, w io.Writer) error {
	tmp, err := os.CreateTemp("", "netmon-export-*.db")
	if err != nil {
		return fmt.Errorf("history: export temp: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	os.Remove(tmpPath) // VACUUM INTO requires the target not to exist
	defer os.Remove(tmpPath)

	err = s.run(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `VACUUM INTO ?`, tmpPath)
		return err
	})
	if err != nil {
		return fmt.Errorf("history: export vacuum: %w", err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("history: open export copy: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("history: stream export: %w", err)
	}
	return nil
}

// Swap replaces the database file with raw bytes (an imported backup). The
// candidate is written to a side file and integrity-checked there; the live
// database is only replaced once the candidate passes, so a rejected import
// leaves current data untouched. The previous file must already be backed up
// by the caller.
func (s *Store) Swap(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := s.cfg.Path + ".import"
	defer func() {
		_ = os.Remove(candidate)
		_ = os.Remove(candidate + "-wal")
		_ = os.Remove(candidate + "-shm")
	}()

	if err := os.WriteFile(candidate, raw, 0o644); err != nil {
		return fmt.Errorf("history: write imported db: %w", err)
	}
	cdb, err := openDB(candidate)
	if err != nil {
		return fmt.Errorf("history: open imported db: %w", err)
	}
	var result string
	err = cdb.QueryRow(`PRAGMA integrity_check`).Scan(&result)
	cdb.Close()
	if err != nil || result != "ok" {
		return fmt.Errorf("history: imported db failed integrity check: %v %v", result, err)
	}

	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
	_ = os.Remove(s.cfg.Path + "-wal")
	_ = os.Remove(s.cfg.Path + "-shm")

	if err := os.Rename(candidate, s.cfg.Path); err != nil {
		// Keep serving the previous file.
		if db, oerr := openDB(s.cfg.Path); oerr == nil {
			s.db = db
		}
		return fmt.Errorf("history: replace database: %w", err)
	}
	db, err := openDB(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("history: open imported db: %w", err)
	}
	s.db = db

	if s.onReset != nil {
		s.onReset()
	}
	s.log.Info("history: database replaced from import")
	return nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
