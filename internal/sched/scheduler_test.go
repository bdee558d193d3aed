package sched

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/uplinklabs/netmon/internal/config"
	"github.com/uplinklabs/netmon/internal/model"
)

// fakeProber returns a canned status per device and records dispatches.
type fakeProber struct {
	mu       sync.Mutex
	statuses map[string]model.Status
	probes   map[string]int
	block    chan struct{} // when set, Probe blocks until closed or ctx done
}

func newFakeProber() *fakeProber {
	return &fakeProber{statuses: make(map[string]model.Status), probes: make(map[string]int)}
}

func (f *fakeProber) Probe(ctx context.Context, dev config.Device, _ config.Thresholds) model.ProbeResult {
	f.mu.Lock()
	f.probes[dev.ID]++
	status, ok := f.statuses[dev.ID]
	block := f.block
	f.mu.Unlock()
	if !ok {
		status = model.StatusUp
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	res := model.ProbeResult{DeviceID: dev.ID, Status: status, Timestamp: time.Now().UTC()}
	if status != model.StatusDown {
		lat := 10.0
		res.LatencyMs = &lat
	}
	return res
}

func (f *fakeProber) count(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes[deviceID]
}

func snapshotOf(devices ...config.Device) *config.Snapshot {
	snap := &config.Snapshot{Devices: devices}
	snap.Normalize()
	return snap
}

func newTestScheduler(t *testing.T, clock clockwork.Clock, prober Prober, snap *config.Snapshot, onResult func(model.ProbeResult)) *Scheduler {
	t.Helper()
	if onResult == nil {
		onResult = func(model.ProbeResult) {}
	}
	s, err := New(&Config{
		Logger:   slog.Default(),
		Clock:    clock,
		Prober:   prober,
		Snapshot: snap,
		OnResult: onResult,
	})
	require.NoError(t, err)
	return s
}

// runTick drives one tick and waits for the dispatched probes to finish,
// nudging the fake clock so stagger waits release.
func runTick(t *testing.T, s *Scheduler, clock *clockwork.FakeClock) {
	t.Helper()
	s.tick(context.Background())

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			return
		case <-time.After(5 * time.Millisecond):
			clock.Advance(s.cfg.StaggerDelay)
		}
	}
}

func TestNewDeviceProbedOnFirstTick(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	prober := newFakeProber()
	s := newTestScheduler(t, clock, prober,
		snapshotOf(config.Device{ID: "d1", IP: "10.0.0.1", Criticality: config.CriticalityNormal}), nil)

	runTick(t, s, clock)
	require.Equal(t, 1, prober.count("d1"))
}

func TestCriticalityCadence(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	prober := newFakeProber()
	s := newTestScheduler(t, clock, prober, snapshotOf(
		config.Device{ID: "crit", IP: "10.0.0.1", Criticality: config.CriticalityCritical},
		config.Device{ID: "norm", IP: "10.0.0.2", Criticality: config.CriticalityNormal},
	), nil)

	// 36 ticks = 6 minutes: critical (30s) runs 12 times, normal (120s) 3.
	for i := 0; i < 36; i++ {
		clock.Advance(10 * time.Second)
		runTick(t, s, clock)
	}
	require.Equal(t, 12, prober.count("crit"))
	require.Equal(t, 3, prober.count("norm"))
}

func TestIntervalOverrideCadence(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	prober := newFakeProber()
	s := newTestScheduler(t, clock, prober, snapshotOf(
		config.Device{ID: "d1", IP: "10.0.0.1", Criticality: config.CriticalityLow, IntervalSeconds: 10},
	), nil)

	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		runTick(t, s, clock)
	}
	require.Equal(t, 5, prober.count("d1"))
}

func TestBudgetDefersLowPriority(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	prober := newFakeProber()

	devices := []config.Device{
		{ID: "c1", IP: "10.0.0.1", Criticality: config.CriticalityCritical},
		{ID: "c2", IP: "10.0.0.2", Criticality: config.CriticalityCritical},
		{ID: "h1", IP: "10.0.0.3", Criticality: config.CriticalityHigh},
		{ID: "h2", IP: "10.0.0.4", Criticality: config.CriticalityHigh},
		{ID: "n1", IP: "10.0.0.5", Criticality: config.CriticalityNormal},
		{ID: "l1", IP: "10.0.0.6", Criticality: config.CriticalityLow, IntervalSeconds: 10},
		{ID: "l2", IP: "10.0.0.7", Criticality: config.CriticalityLow, IntervalSeconds: 10},
	}
	s := newTestScheduler(t, clock, prober, snapshotOf(devices...), nil)

	s.tick(context.Background())

	s.mu.Lock()
	dispatched, deferred := s.dispatched, s.deferred
	l1Due := s.devices["l1"].ticksRemaining == 0
	l2Due := s.devices["l2"].ticksRemaining == 0
	s.mu.Unlock()

	// Budget of 5: both low-criticality devices wait.
	require.Equal(t, uint64(5), dispatched)
	require.Equal(t, uint64(2), deferred)
	require.True(t, l1Due)
	require.True(t, l2Due)

	// Release the stagger waits so the batch completes.
	clock.BlockUntil(4)
	clock.Advance(time.Second)
	s.wg.Wait()

	require.Equal(t, 0, prober.count("l1"))
	require.Equal(t, 0, prober.count("l2"))

	// Deferred devices are still due and go out on the next tick.
	clock.Advance(9 * time.Second)
	s.tick(context.Background())
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	s.wg.Wait()

	require.Equal(t, 1, prober.count("l1"))
	require.Equal(t, 1, prober.count("l2"))
}

func TestBreakerSuspendsProbing(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	prober := newFakeProber()
	prober.statuses["d1"] = model.StatusDown

	s := newTestScheduler(t, clock, prober, snapshotOf(
		config.Device{ID: "d1", IP: "203.0.113.1", IntervalSeconds: 10},
	), nil)

	// Five consecutive failures open the breaker.
	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		runTick(t, s, clock)
	}
	require.Equal(t, 5, prober.count("d1"))

	stats := s.Stats()
	require.Equal(t, 1, stats["circuitBreakersOpen"])

	// While open, ticks skip the device.
	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Second)
		runTick(t, s, clock)
	}
	require.Equal(t, 5, prober.count("d1"))

	// Past the 60s open timeout one half-open probe goes out; it succeeds
	// and probing resumes.
	prober.mu.Lock()
	prober.statuses["d1"] = model.StatusUp
	prober.mu.Unlock()

	clock.Advance(10 * time.Second)
	runTick(t, s, clock)
	require.Equal(t, 6, prober.count("d1"))

	stats = s.Stats()
	require.Equal(t, 0, stats["circuitBreakersOpen"])

	clock.Advance(10 * time.Second)
	runTick(t, s, clock)
	require.Equal(t, 7, prober.count("d1"))
}

func TestInFlightDeviceNotRedispatched(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	prober := newFakeProber()
	prober.block = make(chan struct{})

	s := newTestScheduler(t, clock, prober, snapshotOf(
		config.Device{ID: "d1", IP: "10.0.0.1", IntervalSeconds: 10},
	), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.tick(ctx)
	// The probe is stuck; within the 5s watchdog the device is skipped.
	clock.Advance(4 * time.Second)
	s.tick(ctx)
	require.Equal(t, 1, prober.count("d1"))

	// Past the watchdog the in-flight marker is released and the device is
	// dispatched again.
	clock.Advance(6 * time.Second)
	s.tick(ctx)
	require.Eventually(t, func() bool { return prober.count("d1") == 2 }, time.Second, 10*time.Millisecond)

	close(prober.block)
	s.wg.Wait()
}

func TestReconfigurePreservesScheduleState(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	prober := newFakeProber()
	s := newTestScheduler(t, clock, prober, snapshotOf(
		config.Device{ID: "keep", IP: "10.0.0.1"},
		config.Device{ID: "drop", IP: "10.0.0.2"},
	), nil)

	s.mu.Lock()
	kept := s.devices["keep"]
	kept.breaker.onFailure(clock.Now())
	s.mu.Unlock()

	s.applySnapshot(snapshotOf(
		config.Device{ID: "keep", IP: "10.0.0.1"},
		config.Device{ID: "new", IP: "10.0.0.3"},
	))

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Same(t, kept, s.devices["keep"])
	require.Equal(t, 1, s.devices["keep"].breaker.failures)
	require.NotContains(t, s.devices, "drop")
	require.Contains(t, s.devices, "new")
	require.Equal(t, 1, s.devices["new"].ticksRemaining)
}

func TestReconfigureAckThroughRunLoop(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	prober := newFakeProber()
	s := newTestScheduler(t, clock, prober, snapshotOf(
		config.Device{ID: "d1", IP: "10.0.0.1"},
	), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	reconfCtx, reconfCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reconfCancel()
	err := s.Reconfigure(reconfCtx, snapshotOf(
		config.Device{ID: "d2", IP: "10.0.0.2"},
	))
	require.NoError(t, err)

	s.mu.Lock()
	_, hasOld := s.devices["d1"]
	_, hasNew := s.devices["d2"]
	s.mu.Unlock()
	require.False(t, hasOld)
	require.True(t, hasNew)

	cancel()
	require.NoError(t, <-done)
}

func TestPauseSkipsDispatch(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	prober := newFakeProber()
	s := newTestScheduler(t, clock, prober, snapshotOf(
		config.Device{ID: "d1", IP: "10.0.0.1", IntervalSeconds: 10},
	), nil)

	s.Pause()
	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Second)
		runTick(t, s, clock)
	}
	require.Equal(t, 0, prober.count("d1"))

	s.Resume()
	clock.Advance(10 * time.Second)
	runTick(t, s, clock)
	require.Equal(t, 1, prober.count("d1"))
}

func TestResultsReachSink(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	prober := newFakeProber()

	var mu sync.Mutex
	var results []model.ProbeResult
	s := newTestScheduler(t, clock, prober, snapshotOf(
		config.Device{ID: "d1", IP: "10.0.0.1"},
	), func(r model.ProbeResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	runTick(t, s, clock)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	require.Equal(t, "d1", results[0].DeviceID)
	require.Equal(t, model.StatusUp, results[0].Status)
}
