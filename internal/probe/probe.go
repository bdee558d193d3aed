// Package probe executes ICMP reachability probes and classifies their
// results against latency and packet-loss thresholds.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/uplinklabs/netmon/internal/config"
	"github.com/uplinklabs/netmon/internal/model"
)

const (
	icmpInterval = 1 * time.Second
	icmpSize     = 56 // 64 bytes minus the 8 byte ICMP header

	criticalTimeout = 3 * time.Second
	defaultTimeout  = 5 * time.Second

	criticalMinReplies = 2
	defaultMinReplies  = 3
)

var ipv4Re = regexp.MustCompile(`^((25[0-5]|2[0-4][0-9]|1[0-9][0-9]|[1-9]?[0-9])\.){3}(25[0-5]|2[0-4][0-9]|1[0-9][0-9]|[1-9]?[0-9])$`)

// Pinger probes devices over ICMP echo. When privileged raw sockets are not
// available it falls back to unprivileged UDP pings once at construction.
type Pinger struct {
	log        *slog.Logger
	privileged bool
	nowFunc    func() time.Time
}

// Config for a Pinger. Privileged controls raw-socket ICMP; NowFunc defaults
// to UTC wall clock.
type Config struct {
	Logger     *slog.Logger
	Privileged bool
	NowFunc    func() time.Time
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.NowFunc == nil {
		c.NowFunc = func() time.Time { return time.Now().UTC() }
	}
	return nil
}

// New constructs a Pinger.
func New(cfg *Config) (*Pinger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("probe: error validating config: %w", err)
	}
	return &Pinger{log: cfg.Logger, privileged: cfg.Privileged, nowFunc: cfg.NowFunc}, nil
}

// Timeout returns the probe timeout for the device's criticality.
func Timeout(c config.Criticality) time.Duration {
	if c == config.CriticalityCritical {
		return criticalTimeout
	}
	return defaultTimeout
}

func minReplies(c config.Criticality) int {
	if c == config.CriticalityCritical {
		return criticalMinReplies
	}
	return defaultMinReplies
}

// Probe sends ICMP echoes to the device and returns a classified result.
// Invalid IPv4 targets produce a synthetic down result without opening a
// socket. The returned result's timestamp is the probe completion time.
func (p *Pinger) Probe(ctx context.Context, dev config.Device, thresholds config.Thresholds) model.ProbeResult {
	host := dev.Host()
	if !ipv4Re.MatchString(host) {
		p.log.Error("probe: invalid ipv4 target", "device", dev.ID, "ip", dev.IP)
		return model.ProbeResult{DeviceID: dev.ID, Status: model.StatusDown, Timestamp: p.nowFunc()}
	}

	count := max(3, minReplies(dev.Criticality))
	timeout := Timeout(dev.Criticality)

	ctx, cancel := context.WithTimeout(ctx, timeout*time.Duration(count+1))
	defer cancel()

	pinger, err := probing.NewPinger(host)
	if err != nil {
		p.log.Error("probe: failed to create pinger", "device", dev.ID, "ip", host, "error", err)
		return model.ProbeResult{DeviceID: dev.ID, Status: model.StatusDown, Timestamp: p.nowFunc()}
	}
	defer pinger.Stop()

	pinger.SetPrivileged(p.privileged)
	pinger.Count = count
	pinger.Interval = icmpInterval
	pinger.Timeout = timeout
	pinger.Size = icmpSize

	if err := pinger.RunWithContext(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		p.log.Debug("probe: run failed", "device", dev.ID, "ip", host, "error", err)
		return model.ProbeResult{DeviceID: dev.ID, Status: model.StatusDown, Timestamp: p.nowFunc()}
	}

	stats := pinger.Statistics()
	now := p.nowFunc()
	if stats == nil || stats.PacketsRecv == 0 {
		return model.ProbeResult{DeviceID: dev.ID, Status: model.StatusDown, Timestamp: now}
	}

	latency := RoundLatency(float64(stats.AvgRtt) / float64(time.Millisecond))
	loss := 100 * (1 - float64(stats.PacketsRecv)/float64(stats.PacketsSent))
	loss = math.Round(loss*100) / 100

	return model.ProbeResult{
		DeviceID:   dev.ID,
		Status:     Classify(latency, loss, thresholds),
		LatencyMs:  &latency,
		PacketLoss: &loss,
		Timestamp:  now,
	}
}

// Classify maps a completed probe's latency (ms) and loss (percent) onto
// up/degraded/down using the supplied thresholds.
func Classify(latencyMs, lossPct float64, t config.Thresholds) model.Status {
	switch {
	case latencyMs <= t.Latency.Good && lossPct <= t.PacketLoss.Good:
		return model.StatusUp
	case latencyMs <= t.Latency.Degraded && lossPct <= t.PacketLoss.Degraded:
		return model.StatusDegraded
	default:
		return model.StatusDown
	}
}

// RoundLatency keeps three decimal places so sub-millisecond RTTs survive
// storage and display.
func RoundLatency(ms float64) float64 {
	return math.Round(ms*1000) / 1000
}

// ValidIPv4 reports whether host (ports already stripped) is a strict
// dotted-quad IPv4 address.
func ValidIPv4(host string) bool { return ipv4Re.MatchString(host) }
