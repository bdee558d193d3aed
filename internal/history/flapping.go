package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uplinklabs/netmon/internal/model"
)

// InsertFlappingEvent persists one flapping event.
func (s *Store) InsertFlappingEvent(ctx context.Context, ev model.FlappingEvent) error {
	return s.run(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO flapping_events
				(device_id, if_index, if_name, event_type, from_value, to_value, severity, changes, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.DeviceID, ev.IfIndex, ev.IfName, ev.EventType, ev.From, ev.To,
			ev.Severity, ev.Changes, model.EpochMs(ev.Timestamp))
		if err != nil {
			return fmt.Errorf("history: insert flapping event: %w", err)
		}
		return nil
	})
}

// FlappingInterfaceSummary is one interface's share of the flapping report.
type FlappingInterfaceSummary struct {
	DeviceID    string               `json:"deviceId"`
	IfIndex     int                  `json:"ifIndex"`
	IfName      string               `json:"ifName"`
	EventCount  int                  `json:"eventCount"`
	MaxSeverity string               `json:"maxSeverity"`
	LastEventAt time.Time            `json:"lastEventAt"`
	Events      []model.FlappingEvent `json:"events"`
}

// FlappingReport returns the events of the last N hours grouped per
// interface, worst first.
func (s *Store) FlappingReport(ctx context.Context, hours int) ([]FlappingInterfaceSummary, error) {
	if hours <= 0 {
		hours = 24
	}
	since := model.EpochMs(s.clock.Now().Add(-time.Duration(hours) * time.Hour))

	byIface := make(map[string]*FlappingInterfaceSummary)
	var order []string

	err := s.run(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT device_id, if_index, if_name, event_type, from_value, to_value, severity, changes, timestamp
			FROM flapping_events
			WHERE timestamp >= ?
			ORDER BY timestamp DESC`, since)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				ev model.FlappingEvent
				ts int64
			)
			if err := rows.Scan(&ev.DeviceID, &ev.IfIndex, &ev.IfName, &ev.EventType,
				&ev.From, &ev.To, &ev.Severity, &ev.Changes, &ts); err != nil {
				return err
			}
			ev.Timestamp = model.FromEpochMs(ts)

			key := fmt.Sprintf("%s:%d", ev.DeviceID, ev.IfIndex)
			sum, ok := byIface[key]
			if !ok {
				sum = &FlappingInterfaceSummary{
					DeviceID:    ev.DeviceID,
					IfIndex:     ev.IfIndex,
					IfName:      ev.IfName,
					MaxSeverity: ev.Severity,
					LastEventAt: ev.Timestamp,
				}
				byIface[key] = sum
				order = append(order, key)
			}
			sum.EventCount++
			sum.Events = append(sum.Events, ev)
			if severityRank(ev.Severity) > severityRank(sum.MaxSeverity) {
				sum.MaxSeverity = ev.Severity
			}
			if ev.Timestamp.After(sum.LastEventAt) {
				sum.LastEventAt = ev.Timestamp
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("history: flapping report: %w", err)
	}

	out := make([]FlappingInterfaceSummary, 0, len(order))
	for _, key := range order {
		out = append(out, *byIface[key])
	}
	return out, nil
}

func severityRank(s string) int {
	switch s {
	case model.SeverityCritical:
		return 2
	case model.SeverityWarning:
		return 1
	default:
		return 0
	}
}
