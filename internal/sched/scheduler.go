// Package sched decides when each device is probed: a single cooperative
// tick loop over all devices, priority-ordered dispatch under a bounded
// worker budget, per-position stagger, and a per-device circuit breaker.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/uplinklabs/netmon/internal/config"
	"github.com/uplinklabs/netmon/internal/metrics"
	"github.com/uplinklabs/netmon/internal/model"
)

const (
	defaultTickInterval    = 10 * time.Second
	defaultMaxConcurrent   = 5
	defaultStaggerDelay    = 50 * time.Millisecond
	defaultInFlightTimeout = 5 * time.Second

	defaultBreakerThreshold = 5
	defaultBreakerTimeout   = 60 * time.Second
)

// Prober executes one probe. The scheduler never blocks its tick on it.
type Prober interface {
	Probe(ctx context.Context, dev config.Device, thresholds config.Thresholds) model.ProbeResult
}

// Config for the Scheduler.
type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Prober   Prober
	Snapshot *config.Snapshot
	// OnResult receives every probe result off the tick loop. Required.
	OnResult func(model.ProbeResult)

	TickInterval     time.Duration
	MaxConcurrent    int
	StaggerDelay     time.Duration
	InFlightTimeout  time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Prober == nil {
		return errors.New("prober is required")
	}
	if c.OnResult == nil {
		return errors.New("result callback is required")
	}
	if c.Snapshot == nil {
		return errors.New("snapshot is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.StaggerDelay <= 0 {
		c.StaggerDelay = defaultStaggerDelay
	}
	if c.InFlightTimeout <= 0 {
		c.InFlightTimeout = defaultInFlightTimeout
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = defaultBreakerThreshold
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = defaultBreakerTimeout
	}
	return nil
}

// devState is the per-device schedule state.
type devState struct {
	dev            config.Device
	ticksNeeded    int
	ticksRemaining int
	inflightAt     time.Time // zero when idle
	lastPing       time.Time
	nextPing       time.Time
	breaker        *breaker
}

type reconfReq struct {
	snap *config.Snapshot
	ack  chan struct{}
}

// Scheduler owns the tick timer; probes run on a semaphore-bounded set of
// goroutines sized MaxConcurrent.
type Scheduler struct {
	log   *slog.Logger
	cfg   *Config
	clock clockwork.Clock

	mu       sync.Mutex
	devices  map[string]*devState
	snapshot *config.Snapshot
	paused   bool

	sem    chan struct{}
	wg     sync.WaitGroup
	reconf chan reconfReq

	dispatched uint64
	succeeded  uint64
	failed     uint64
	deferred   uint64
}

// New constructs a Scheduler seeded with the snapshot's devices.
func New(cfg *Config) (*Scheduler, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sched: error validating config: %w", err)
	}
	s := &Scheduler{
		log:     cfg.Logger,
		cfg:     cfg,
		clock:   cfg.Clock,
		devices: make(map[string]*devState),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		reconf:  make(chan reconfReq),
	}
	s.applySnapshot(cfg.Snapshot)
	return s, nil
}

// Run drives the tick loop until ctx is done, then waits for in-flight
// probes with a 5 second drain deadline.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("sched: started",
		"devices", len(s.devices),
		"tickInterval", s.cfg.TickInterval,
		"maxConcurrent", s.cfg.MaxConcurrent)

	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			s.log.Info("sched: stopped")
			return nil
		case req := <-s.reconf:
			s.mu.Lock()
			s.applySnapshotLocked(req.snap)
			s.mu.Unlock()
			close(req.ack)
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("sched: drain deadline exceeded, abandoning in-flight probes")
	}
}

// Reconfigure swaps the device set. It returns once the tick loop has
// observed the new snapshot, so a config POST completes only after the
// scheduler runs against the new topology.
func (s *Scheduler) Reconfigure(ctx context.Context, snap *config.Snapshot) error {
	req := reconfReq{snap: snap, ack: make(chan struct{})}
	select {
	case s.reconf <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops dispatching (used around an import's stop/replace/restart
// window). In-flight probes finish normally.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Info("sched: paused")
}

// Resume re-enables dispatching.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.log.Info("sched: resumed")
}

func (s *Scheduler) applySnapshot(snap *config.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applySnapshotLocked(snap)
}

// applySnapshotLocked reconciles the device set: schedule state and breaker
// history survive for devices that remain; removed devices are dropped.
func (s *Scheduler) applySnapshotLocked(snap *config.Snapshot) {
	seen := make(map[string]bool, len(snap.Devices))
	for _, dev := range snap.Devices {
		seen[dev.ID] = true
		needed := s.ticksNeeded(dev)
		if st, ok := s.devices[dev.ID]; ok {
			st.dev = dev
			if st.ticksNeeded != needed {
				st.ticksNeeded = needed
				if st.ticksRemaining > needed {
					st.ticksRemaining = needed
				}
			}
			continue
		}
		// New devices probe on the next tick.
		s.devices[dev.ID] = &devState{
			dev:            dev,
			ticksNeeded:    needed,
			ticksRemaining: 1,
			breaker:        newBreaker(s.cfg.BreakerThreshold, s.cfg.BreakerTimeout),
		}
	}
	for id := range s.devices {
		if !seen[id] {
			delete(s.devices, id)
		}
	}
	s.snapshot = snap
	s.log.Info("sched: reconfigured", "devices", len(s.devices))
}

func (s *Scheduler) ticksNeeded(dev config.Device) int {
	n := int(dev.ProbeInterval() / s.cfg.TickInterval)
	return max(1, n)
}

// tick advances every device's countdown and dispatches the highest
// priority due devices within the concurrency budget. Devices beyond the
// budget stay due and get a fresh chance next tick.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}

	var due []*devState
	for _, st := range s.devices {
		if st.ticksRemaining > 0 {
			st.ticksRemaining--
		}
		if st.ticksRemaining > 0 {
			continue
		}
		if !st.inflightAt.IsZero() && now.Sub(st.inflightAt) < s.cfg.InFlightTimeout {
			// Still in flight: skip without reset; the countdown stays
			// expired so the device is reconsidered once the probe lands.
			continue
		}
		st.inflightAt = time.Time{}
		if !st.breaker.ready(now) {
			st.ticksRemaining = st.ticksNeeded
			st.nextPing = now.Add(time.Duration(st.ticksNeeded) * s.cfg.TickInterval)
			continue
		}
		due = append(due, st)
	}

	sort.SliceStable(due, func(i, j int) bool {
		pi, pj := due[i].dev.Criticality.Priority(), due[j].dev.Criticality.Priority()
		if pi != pj {
			return pi > pj
		}
		return due[i].dev.ID < due[j].dev.ID
	})

	n := min(len(due), s.cfg.MaxConcurrent)
	if len(due) > n {
		s.deferred += uint64(len(due) - n)
	}
	taken := due[:n]
	s.dispatched += uint64(len(taken))
	for _, st := range taken {
		st.breaker.allow(now)
		st.ticksRemaining = st.ticksNeeded
		st.inflightAt = now
		st.nextPing = now.Add(time.Duration(st.ticksNeeded) * s.cfg.TickInterval)
	}
	snap := s.snapshot
	s.mu.Unlock()

	for i, st := range taken {
		dev := st.dev
		stagger := time.Duration(i) * s.cfg.StaggerDelay
		s.wg.Add(1)
		go s.dispatch(ctx, dev, snap.EffectiveThresholds(dev), stagger)
	}
}

// dispatch runs one probe on the worker budget and applies its outcome.
func (s *Scheduler) dispatch(ctx context.Context, dev config.Device, thresholds config.Thresholds, stagger time.Duration) {
	defer s.wg.Done()

	if stagger > 0 {
		select {
		case <-s.clock.After(stagger):
		case <-ctx.Done():
			s.release(dev.ID)
			return
		}
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.release(dev.ID)
		return
	}
	defer func() { <-s.sem }()

	res := s.cfg.Prober.Probe(ctx, dev, thresholds)

	s.mu.Lock()
	if st, ok := s.devices[dev.ID]; ok {
		st.inflightAt = time.Time{}
		st.lastPing = res.Timestamp
		wasOpen := st.breaker.open()
		if res.Status == model.StatusDown {
			st.breaker.onFailure(s.clock.Now())
			s.failed++
			if st.breaker.open() {
				s.log.Warn("sched: circuit breaker open", "device", dev.ID, "failures", st.breaker.failures)
			}
		} else {
			st.breaker.onSuccess()
			s.succeeded++
		}
		if isOpen := st.breaker.open(); isOpen != wasOpen {
			if isOpen {
				metrics.CircuitBreakersOpen.Inc()
			} else {
				metrics.CircuitBreakersOpen.Dec()
			}
		}
	}
	s.mu.Unlock()

	metrics.ProbesTotal.WithLabelValues(string(res.Status)).Inc()
	if res.LatencyMs != nil {
		metrics.ProbeLatency.Observe(*res.LatencyMs)
	}

	if ctx.Err() != nil {
		return
	}
	s.cfg.OnResult(res)
}

func (s *Scheduler) release(deviceID string) {
	s.mu.Lock()
	if st, ok := s.devices[deviceID]; ok {
		st.inflightAt = time.Time{}
	}
	s.mu.Unlock()
}

// DeviceStat is one device's schedule view in the stats blob.
type DeviceStat struct {
	DeviceID     string    `json:"deviceId"`
	Criticality  string    `json:"criticality"`
	LastPing     time.Time `json:"lastPing,omitzero"`
	NextPing     time.Time `json:"nextPing,omitzero"`
	BreakerState string    `json:"breakerState"`
	Failures     int       `json:"failures"`
	InFlight     bool      `json:"inFlight"`
}

// Stats is the diagnostic blob for /api/system/stats.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	open := 0
	inflight := 0
	devices := make([]DeviceStat, 0, len(s.devices))
	for _, st := range s.devices {
		d := DeviceStat{
			DeviceID:     st.dev.ID,
			Criticality:  string(st.dev.Criticality),
			LastPing:     st.lastPing,
			NextPing:     st.nextPing,
			BreakerState: st.breaker.state.String(),
			Failures:     st.breaker.failures,
			InFlight:     !st.inflightAt.IsZero() && now.Sub(st.inflightAt) < s.cfg.InFlightTimeout,
		}
		if st.breaker.state == breakerOpen {
			open++
		}
		if d.InFlight {
			inflight++
		}
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })

	return map[string]any{
		"devices":             len(s.devices),
		"inFlight":            inflight,
		"circuitBreakersOpen": open,
		"dispatched":          s.dispatched,
		"succeeded":           s.succeeded,
		"failed":              s.failed,
		"deferred":            s.deferred,
		"paused":              s.paused,
		"tickIntervalMs":      s.cfg.TickInterval.Milliseconds(),
		"maxConcurrentPings":  s.cfg.MaxConcurrent,
		"perDevice":           devices,
	}
}
