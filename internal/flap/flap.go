// Package flap detects unstable interfaces from SNMP reading deltas: a
// sliding-window change counter per (device, ifIndex) with a per-interface
// emit cooldown.
package flap

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/uplinklabs/netmon/internal/metrics"
	"github.com/uplinklabs/netmon/internal/model"
)

const (
	defaultWindow           = 10 * time.Minute
	defaultChangeThreshold  = 5
	defaultMinSpeedChange   = 10.0 // Mbps
	defaultEmitCooldown     = 5 * time.Minute
	maxReadingsPerInterface = 100
)

// Config for the Detector.
type Config struct {
	Logger          *slog.Logger
	Clock           clockwork.Clock
	Window          time.Duration
	ChangeThreshold int
	MinSpeedChange  float64
	EmitCooldown    time.Duration
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.ChangeThreshold <= 0 {
		c.ChangeThreshold = defaultChangeThreshold
	}
	if c.MinSpeedChange <= 0 {
		c.MinSpeedChange = defaultMinSpeedChange
	}
	if c.EmitCooldown <= 0 {
		c.EmitCooldown = defaultEmitCooldown
	}
	return nil
}

type change struct {
	at        time.Time
	eventType string
	from, to  string
}

type ifaceState struct {
	readings []model.InterfaceReading // ring, capped at maxReadingsPerInterface
	changes  []change                 // pruned to the sliding window
	lastEmit time.Time
}

// Detector keeps per-interface reading history and emits a FlappingEvent
// when changes within the window reach the threshold, at most once per
// cooldown per interface.
type Detector struct {
	log *slog.Logger
	cfg *Config

	mu     sync.Mutex
	states map[string]*ifaceState
}

// New constructs a Detector.
func New(cfg *Config) (*Detector, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("flap: error validating config: %w", err)
	}
	return &Detector{log: cfg.Logger, cfg: cfg, states: make(map[string]*ifaceState)}, nil
}

// Observe records one interface reading and returns a FlappingEvent when
// the interface is flapping and the cooldown permits, else nil.
//
// A first reading is compared against a zero baseline, matching a collector
// cold start: an interface that appears already up at full speed counts its
// initial status and speed as changes.
func (d *Detector) Observe(r model.InterfaceReading) *model.FlappingEvent {
	now := d.cfg.Clock.Now()
	key := fmt.Sprintf("%s:%d", r.DeviceID, r.IfIndex)

	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.states[key]
	if !ok {
		st = &ifaceState{}
		d.states[key] = st
	}

	var prev model.InterfaceReading
	if n := len(st.readings); n > 0 {
		prev = st.readings[n-1]
	}

	var latest *change
	if delta := r.SpeedMbps - prev.SpeedMbps; delta >= d.cfg.MinSpeedChange || -delta >= d.cfg.MinSpeedChange {
		st.changes = append(st.changes, change{
			at:        now,
			eventType: model.FlapEventSpeedChange,
			from:      formatSpeed(prev.SpeedMbps),
			to:        formatSpeed(r.SpeedMbps),
		})
		latest = &st.changes[len(st.changes)-1]
	}
	if r.OperStatus != prev.OperStatus {
		st.changes = append(st.changes, change{
			at:        now,
			eventType: model.FlapEventStatusChange,
			from:      strconv.Itoa(prev.OperStatus),
			to:        strconv.Itoa(r.OperStatus),
		})
		latest = &st.changes[len(st.changes)-1]
	}

	st.readings = append(st.readings, r)
	if len(st.readings) > maxReadingsPerInterface {
		st.readings = st.readings[len(st.readings)-maxReadingsPerInterface:]
	}

	// Prune changes outside the sliding window.
	cutoff := now.Add(-d.cfg.Window)
	i := 0
	for i < len(st.changes) && st.changes[i].at.Before(cutoff) {
		i++
	}
	st.changes = st.changes[i:]

	n := len(st.changes)
	if latest == nil || n < d.cfg.ChangeThreshold {
		return nil
	}
	if !st.lastEmit.IsZero() && now.Sub(st.lastEmit) < d.cfg.EmitCooldown {
		return nil
	}
	st.lastEmit = now

	severity := model.SeverityWarning
	if n >= 2*d.cfg.ChangeThreshold {
		severity = model.SeverityCritical
	}

	ev := &model.FlappingEvent{
		DeviceID:  r.DeviceID,
		IfIndex:   r.IfIndex,
		IfName:    r.IfName,
		EventType: latest.eventType,
		From:      latest.from,
		To:        latest.to,
		Severity:  severity,
		Changes:   n,
		Timestamp: now,
	}
	metrics.FlappingEventsTotal.WithLabelValues(severity).Inc()
	d.log.Warn("flap: interface flapping",
		"device", r.DeviceID, "ifIndex", r.IfIndex, "ifName", r.IfName,
		"changes", n, "window", d.cfg.Window, "severity", severity)
	return ev
}

// Stats is the diagnostic blob for /api/system/stats.
func (d *Detector) Stats() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	flapping := 0
	for _, st := range d.states {
		if len(st.changes) >= d.cfg.ChangeThreshold {
			flapping++
		}
	}
	return map[string]any{
		"trackedInterfaces":  len(d.states),
		"flappingInterfaces": flapping,
	}
}

func formatSpeed(mbps float64) string {
	return strconv.FormatFloat(mbps, 'f', -1, 64)
}
