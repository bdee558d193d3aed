package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uplinklabs/netmon/internal/model"
)

// UpsertAggregates recomputes hourly and daily buckets that have closed at
// least one hour ago. INSERT OR REPLACE on the (device, period, start) key
// makes the job idempotent; re-running over the same closed window yields
// identical rows.
func (s *Store) UpsertAggregates(ctx context.Context) error {
	now := s.clock.Now()
	for _, period := range []model.AggregatePeriod{model.PeriodHourly, model.PeriodDaily} {
		if err := s.upsertPeriod(ctx, period, now); err != nil {
			return fmt.Errorf("history: aggregate %s: %w", period, err)
		}
	}
	return nil
}

func (s *Store) upsertPeriod(ctx context.Context, period model.AggregatePeriod, now time.Time) error {
	bucketMs := period.BucketSize().Milliseconds()
	// Only buckets with periodStart + bucket <= now - 1h; the live bucket is
	// never touched. The whole raw retention window is re-scanned; it is
	// bounded at 30 days and the upsert is idempotent.
	cutoff := model.EpochMs(now.Add(-time.Hour))
	since := model.EpochMs(now.Add(-rawRetention))

	return s.run(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT OR REPLACE INTO ping_aggregates
				(device_id, period_type, period_start, avg_latency, min_latency, max_latency,
				 avg_packet_loss, uptime_percent, ping_count, down_count, degraded_count)
			SELECT
				device_id,
				?,
				(timestamp / ?) * ?,
				AVG(latency_ms),
				MIN(latency_ms),
				MAX(latency_ms),
				AVG(packet_loss),
				100.0 * SUM(status = 'up') / COUNT(*),
				COUNT(*),
				SUM(status = 'down'),
				SUM(status = 'degraded')
			FROM ping_history
			WHERE timestamp >= ?
			GROUP BY device_id, (timestamp / ?) * ?
			HAVING (timestamp / ?) * ? + ? <= ?`,
			string(period), bucketMs, bucketMs,
			since,
			bucketMs, bucketMs,
			bucketMs, bucketMs, bucketMs, cutoff)
		return err
	})
}

// Expire deletes raw rows older than 30 days and aggregates older than 90
// days.
func (s *Store) Expire(ctx context.Context) error {
	now := s.clock.Now()
	rawCutoff := model.EpochMs(now.Add(-rawRetention))
	aggCutoff := model.EpochMs(now.Add(-aggregateRetention))

	return s.run(func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `DELETE FROM ping_history WHERE timestamp < ?`, rawCutoff); err != nil {
			return fmt.Errorf("history: expire raw: %w", err)
		}
		if _, err := db.ExecContext(ctx, `DELETE FROM interface_history WHERE timestamp < ?`, rawCutoff); err != nil {
			return fmt.Errorf("history: expire interface: %w", err)
		}
		if _, err := db.ExecContext(ctx, `DELETE FROM ping_aggregates WHERE period_start < ?`, aggCutoff); err != nil {
			return fmt.Errorf("history: expire aggregates: %w", err)
		}
		if _, err := db.ExecContext(ctx, `DELETE FROM flapping_events WHERE timestamp < ?`, aggCutoff); err != nil {
			return fmt.Errorf("history: expire flapping: %w", err)
		}
		return nil
	})
}

// DeviceHistoryResult is the payload of the history endpoint: raw rows for
// short periods, aggregates for long ones (degrading to raw when empty).
type DeviceHistoryResult struct {
	DeviceID   string            `json:"deviceId"`
	Period     string            `json:"period"`
	Source     string            `json:"source"` // "raw" or "aggregate"
	Rows       []Row             `json:"rows,omitempty"`
	Aggregates []model.Aggregate `json:"aggregates,omitempty"`
}

// DeviceHistory returns history for period in {1h, 24h, 7d, 30d}.
func (s *Store) DeviceHistory(ctx context.Context, deviceID, period string) (*DeviceHistoryResult, error) {
	now := s.clock.Now()
	res := &DeviceHistoryResult{DeviceID: deviceID, Period: period}

	var (
		span       time.Duration
		aggregated model.AggregatePeriod
	)
	switch period {
	case "1h":
		span = time.Hour
	case "24h", "":
		span = 24 * time.Hour
		res.Period = "24h"
	case "7d":
		span, aggregated = 7*24*time.Hour, model.PeriodHourly
	case "30d":
		span, aggregated = 30*24*time.Hour, model.PeriodDaily
	default:
		return nil, fmt.Errorf("history: unknown period %q", period)
	}
	since := model.EpochMs(now.Add(-span))

	if aggregated != "" {
		aggs, err := s.aggregates(ctx, deviceID, aggregated, since)
		if err != nil {
			return nil, err
		}
		if len(aggs) > 0 {
			res.Source = "aggregate"
			res.Aggregates = aggs
			return res, nil
		}
		// No aggregates yet (young deployment); degrade to raw rows.
	}

	rows, err := s.rawRows(ctx, deviceID, since)
	if err != nil {
		return nil, err
	}
	res.Source = "raw"
	res.Rows = rows
	return res, nil
}

func (s *Store) rawRows(ctx context.Context, deviceID string, sinceMs int64) ([]Row, error) {
	var out []Row
	err := s.run(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT device_id, status, latency_ms, packet_loss, timestamp
			FROM ping_history
			WHERE device_id = ? AND timestamp >= ?
			ORDER BY timestamp ASC`, deviceID, sinceMs)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r       Row
				status  string
				lat, pl sql.NullFloat64
			)
			if err := rows.Scan(&r.DeviceID, &status, &lat, &pl, &r.Timestamp); err != nil {
				return err
			}
			r.Status = model.Status(status)
			r.LatencyMs = floatPtr(lat)
			r.PacketLoss = floatPtr(pl)
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("history: raw rows: %w", err)
	}
	return out, nil
}

func (s *Store) aggregates(ctx context.Context, deviceID string, period model.AggregatePeriod, sinceMs int64) ([]model.Aggregate, error) {
	var out []model.Aggregate
	err := s.run(func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT device_id, period_type, period_start, avg_latency, min_latency, max_latency,
			       avg_packet_loss, uptime_percent, ping_count, down_count, degraded_count
			FROM ping_aggregates
			WHERE device_id = ? AND period_type = ? AND period_start >= ?
			ORDER BY period_start ASC`, deviceID, string(period), sinceMs)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				a                  model.Aggregate
				periodType         string
				start              int64
				avg, min, max, apl sql.NullFloat64
			)
			if err := rows.Scan(&a.DeviceID, &periodType, &start, &avg, &min, &max, &apl,
				&a.UptimePercent, &a.PingCount, &a.DownCount, &a.DegradedCount); err != nil {
				return err
			}
			a.PeriodType = model.AggregatePeriod(periodType)
			a.PeriodStart = model.FromEpochMs(start)
			a.AvgLatency = floatPtr(avg)
			a.MinLatency = floatPtr(min)
			a.MaxLatency = floatPtr(max)
			a.AvgPacketLoss = floatPtr(apl)
			out = append(out, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("history: aggregates: %w", err)
	}
	return out, nil
}
