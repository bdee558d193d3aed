// Package model defines the records shared between the monitoring engine's
// components: probe results, live device status, SNMP interface readings,
// wireless samples, flapping events, and history aggregates.
package model

import "time"

// Status is the derived reachability state of a device, area, or link.
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
	StatusUnknown  Status = "unknown"
)

// Worse reports whether s ranks worse than other for composition purposes.
// Ordering: down > degraded > up > unknown.
func (s Status) Worse(other Status) bool {
	return s.rank() > other.rank()
}

func (s Status) rank() int {
	switch s {
	case StatusDown:
		return 3
	case StatusDegraded:
		return 2
	case StatusUp:
		return 1
	default:
		return 0
	}
}

// ProbeResult is the outcome of a single reachability probe. Latency and
// packet loss are nil when the target produced no replies.
type ProbeResult struct {
	DeviceID   string    `json:"deviceId"`
	Status     Status    `json:"status"`
	LatencyMs  *float64  `json:"latencyMs,omitempty"`
	PacketLoss *float64  `json:"packetLoss,omitempty"`
	Timestamp  time.Time `json:"-"`
}

// DeviceStatus is the live view of a device held in the hot cache:
// the latest probe fields plus the wall-clock time of the last check.
type DeviceStatus struct {
	DeviceID    string    `json:"deviceId"`
	Status      Status    `json:"status"`
	LatencyMs   *float64  `json:"latencyMs,omitempty"`
	PacketLoss  *float64  `json:"packetLoss,omitempty"`
	LastChecked time.Time `json:"lastChecked"`
}

// FromProbe builds the cached view of a probe result.
func FromProbe(r ProbeResult) DeviceStatus {
	return DeviceStatus{
		DeviceID:    r.DeviceID,
		Status:      r.Status,
		LatencyMs:   r.LatencyMs,
		PacketLoss:  r.PacketLoss,
		LastChecked: r.Timestamp,
	}
}

// InterfaceReading is one SNMP interface sample pushed by the collector.
type InterfaceReading struct {
	DeviceID    string    `json:"deviceId"`
	IfIndex     int       `json:"ifIndex"`
	IfName      string    `json:"ifName"`
	OperStatus  int       `json:"operStatus"`
	SpeedMbps   float64   `json:"speedMbps"`
	InOctets    uint64    `json:"inOctets"`
	OutOctets   uint64    `json:"outOctets"`
	InErrors    uint64    `json:"inErrors"`
	OutErrors   uint64    `json:"outErrors"`
	InDiscards  uint64    `json:"inDiscards"`
	OutDiscards uint64    `json:"outDiscards"`
	Timestamp   time.Time `json:"timestamp"`
}

// WirelessSample is one wireless radio sample (e.g. ubiquiti_wireless)
// pushed by the collector. Fields are kept as reported.
type WirelessSample struct {
	DeviceID  string             `json:"deviceId"`
	SSID      string             `json:"ssid,omitempty"`
	Fields    map[string]float64 `json:"fields"`
	Timestamp time.Time          `json:"timestamp"`
}

// FlappingEvent records an unstable interface detected by the flapping
// detector.
type FlappingEvent struct {
	DeviceID  string    `json:"deviceId"`
	IfIndex   int       `json:"ifIndex"`
	IfName    string    `json:"ifName"`
	EventType string    `json:"eventType"` // speed_change or status_change
	From      string    `json:"from"`
	To        string    `json:"to"`
	Severity  string    `json:"severity"` // info, warning, critical
	Changes   int       `json:"changes"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	FlapEventSpeedChange  = "speed_change"
	FlapEventStatusChange = "status_change"

	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// AggregatePeriod selects the bucket size of a history aggregate.
type AggregatePeriod string

const (
	PeriodHourly AggregatePeriod = "hourly"
	PeriodDaily  AggregatePeriod = "daily"
)

// BucketSize returns the aggregate bucket duration.
func (p AggregatePeriod) BucketSize() time.Duration {
	if p == PeriodDaily {
		return 24 * time.Hour
	}
	return time.Hour
}

// Aggregate is one closed time bucket of summary metrics for a device.
// Null latencies (down probes) are excluded from the latency statistics.
type Aggregate struct {
	DeviceID      string          `json:"deviceId"`
	PeriodType    AggregatePeriod `json:"periodType"`
	PeriodStart   time.Time       `json:"periodStart"`
	AvgLatency    *float64        `json:"avgLatency,omitempty"`
	MinLatency    *float64        `json:"minLatency,omitempty"`
	MaxLatency    *float64        `json:"maxLatency,omitempty"`
	AvgPacketLoss *float64        `json:"avgPacketLoss,omitempty"`
	UptimePercent float64         `json:"uptimePercent"`
	PingCount     int             `json:"pingCount"`
	DownCount     int             `json:"downCount"`
	DegradedCount int             `json:"degradedCount"`
}

// EpochMs converts a time to epoch milliseconds, the wire and storage unit
// for history timestamps.
func EpochMs(t time.Time) int64 { return t.UnixMilli() }

// FromEpochMs converts epoch milliseconds back to a UTC time.
func FromEpochMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
