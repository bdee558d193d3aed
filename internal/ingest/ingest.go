// Package ingest accepts push-mode metrics from an external collector
// (Telegraf or equivalent): ping samples and SNMP interface/wireless
// samples. Hosts are resolved against the current topology; unknown hosts
// are dropped and counted, never surfaced to the collector.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/uplinklabs/netmon/internal/config"
	"github.com/uplinklabs/netmon/internal/metrics"
	"github.com/uplinklabs/netmon/internal/model"
	"github.com/uplinklabs/netmon/internal/probe"
)

// Metric is one collector sample in the Telegraf JSON shape.
type Metric struct {
	Name      string            `json:"name"`
	Tags      map[string]string `json:"tags"`
	Fields    map[string]any    `json:"fields"`
	Timestamp int64             `json:"timestamp"`
}

// Config for the Ingestor.
type Config struct {
	Logger   *slog.Logger
	Snapshot func() *config.Snapshot

	OnPing      func(model.ProbeResult)
	OnInterface func(model.InterfaceReading)
	OnWireless  func(model.WirelessSample)

	PoolSize int
	NowFunc  func() time.Time
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Snapshot == nil {
		return errors.New("snapshot func is required")
	}
	if c.OnPing == nil || c.OnInterface == nil || c.OnWireless == nil {
		return errors.New("sample callbacks are required")
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 8
	}
	if c.NowFunc == nil {
		c.NowFunc = func() time.Time { return time.Now().UTC() }
	}
	return nil
}

// Ingestor translates collector samples into engine records.
type Ingestor struct {
	log  *slog.Logger
	cfg  *Config
	pool pond.Pool

	pingAccepted   atomic.Uint64
	snmpAccepted   atomic.Uint64
	unknownHosts   atomic.Uint64
	malformedDrops atomic.Uint64
}

// New constructs an Ingestor.
func New(cfg *Config) (*Ingestor, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: error validating config: %w", err)
	}
	return &Ingestor{log: cfg.Logger, cfg: cfg, pool: pond.NewPool(cfg.PoolSize)}, nil
}

// Close stops the worker pool, waiting for queued samples.
func (i *Ingestor) Close() { i.pool.StopAndWait() }

// HandlePing ingests collector ping samples. Each resolved sample is
// classified with the same thresholds as a native probe.
func (i *Ingestor) HandlePing(metrics []Metric) {
	snap := i.cfg.Snapshot()
	group := i.pool.NewGroup()
	for _, m := range metrics {
		group.Submit(func() { i.ingestPing(snap, m) })
	}
	_ = group.Wait()
}

func (i *Ingestor) ingestPing(snap *config.Snapshot, m Metric) {
	if m.Name != "ping" {
		i.dropMalformed()
		return
	}
	host := m.Tags["host"]
	dev, ok := snap.DeviceByHost(host)
	if !ok {
		i.dropUnknownHost(host, m.Name)
		return
	}

	ts := i.sampleTime(m.Timestamp)
	res := model.ProbeResult{DeviceID: dev.ID, Status: model.StatusDown, Timestamp: ts}

	latency, hasLatency := numField(m.Fields, "average_response_ms")
	loss, hasLoss := numField(m.Fields, "percent_packet_loss")
	if !hasLoss {
		loss = 0
	}
	if hasLatency {
		latency = probe.RoundLatency(latency)
		res.Status = probe.Classify(latency, loss, snap.EffectiveThresholds(*dev))
		res.LatencyMs = &latency
		res.PacketLoss = &loss
	}

	i.pingAccepted.Add(1)
	metrics.IngestSamplesTotal.WithLabelValues("ping").Inc()
	i.cfg.OnPing(res)
}

// HandleSNMP ingests collector SNMP samples: "interface" rows feed the
// interface path (cache, history, flapping), "ubiquiti_wireless" rows feed
// the wireless path.
func (i *Ingestor) HandleSNMP(metrics []Metric) {
	snap := i.cfg.Snapshot()
	group := i.pool.NewGroup()
	for _, m := range metrics {
		group.Submit(func() { i.ingestSNMP(snap, m) })
	}
	_ = group.Wait()
}

func (i *Ingestor) ingestSNMP(snap *config.Snapshot, m Metric) {
	host := m.Tags["hostname"]
	if host == "" {
		host = m.Tags["host"]
	}
	dev, ok := snap.DeviceByHost(host)
	if !ok {
		i.dropUnknownHost(host, m.Name)
		return
	}
	ts := i.sampleTime(m.Timestamp)

	switch m.Name {
	case "interface":
		reading, err := i.interfaceReading(dev.ID, m, ts)
		if err != nil {
			i.dropMalformed()
			i.log.Debug("ingest: malformed interface sample", "host", host, "error", err)
			return
		}
		i.snmpAccepted.Add(1)
		metrics.IngestSamplesTotal.WithLabelValues("interface").Inc()
		i.cfg.OnInterface(reading)

	case "ubiquiti_wireless":
		fields := make(map[string]float64, len(m.Fields))
		for k, v := range m.Fields {
			if f, ok := toFloat(v); ok {
				fields[k] = f
			}
		}
		i.snmpAccepted.Add(1)
		metrics.IngestSamplesTotal.WithLabelValues("wireless").Inc()
		i.cfg.OnWireless(model.WirelessSample{
			DeviceID:  dev.ID,
			SSID:      m.Tags["ssid"],
			Fields:    fields,
			Timestamp: ts,
		})

	default:
		i.dropMalformed()
	}
}

func (i *Ingestor) dropMalformed() {
	i.malformedDrops.Add(1)
	metrics.IngestDropsTotal.WithLabelValues("malformed").Inc()
}

func (i *Ingestor) dropUnknownHost(host, metric string) {
	i.unknownHosts.Add(1)
	metrics.IngestDropsTotal.WithLabelValues("unknown_host").Inc()
	i.log.Debug("ingest: unknown host", "host", host, "metric", metric)
}

func (i *Ingestor) interfaceReading(deviceID string, m Metric, ts time.Time) (model.InterfaceReading, error) {
	r := model.InterfaceReading{DeviceID: deviceID, IfName: m.Tags["ifName"], Timestamp: ts}

	ifIndex, ok := ifIndexOf(m)
	if !ok {
		return r, errors.New("missing ifIndex")
	}
	r.IfIndex = ifIndex

	oper, ok := numField(m.Fields, "ifOperStatus", "oper_status")
	if !ok {
		return r, errors.New("missing operStatus")
	}
	r.OperStatus = int(oper)

	// ifHighSpeed reports Mbps directly; ifSpeed reports bits/s.
	if mbps, ok := numField(m.Fields, "ifHighSpeed"); ok {
		r.SpeedMbps = mbps
	} else if bps, ok := numField(m.Fields, "ifSpeed", "speed"); ok {
		if bps >= 1_000_000 {
			bps /= 1_000_000
		}
		r.SpeedMbps = bps
	}

	r.InOctets = uintField(m.Fields, "ifHCInOctets", "ifInOctets")
	r.OutOctets = uintField(m.Fields, "ifHCOutOctets", "ifOutOctets")
	r.InErrors = uintField(m.Fields, "ifInErrors")
	r.OutErrors = uintField(m.Fields, "ifOutErrors")
	r.InDiscards = uintField(m.Fields, "ifInDiscards")
	r.OutDiscards = uintField(m.Fields, "ifOutDiscards")
	return r, nil
}

func ifIndexOf(m Metric) (int, bool) {
	if s, ok := m.Tags["ifIndex"]; ok {
		if n, err := strconv.Atoi(s); err == nil {
			return n, true
		}
	}
	if f, ok := numField(m.Fields, "ifIndex"); ok {
		return int(f), true
	}
	return 0, false
}

// sampleTime normalizes collector timestamps: seconds unless the value is
// already in milliseconds. Zero means "now".
func (i *Ingestor) sampleTime(ts int64) time.Time {
	switch {
	case ts <= 0:
		return i.cfg.NowFunc()
	case ts < 1_000_000_000_000:
		return time.Unix(ts, 0).UTC()
	default:
		return model.FromEpochMs(ts)
	}
}

// Stats is the diagnostic blob for /api/system/stats.
func (i *Ingestor) Stats() map[string]any {
	return map[string]any{
		"pingAccepted": i.pingAccepted.Load(),
		"snmpAccepted": i.snmpAccepted.Load(),
		"unknownHosts": i.unknownHosts.Load(),
		"malformed":    i.malformedDrops.Load(),
	}
}

// UnknownHosts returns the dropped-sample counter.
func (i *Ingestor) UnknownHosts() uint64 { return i.unknownHosts.Load() }

func numField(fields map[string]any, names ...string) (float64, bool) {
	for _, n := range names {
		if v, ok := fields[n]; ok {
			if f, ok := toFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func uintField(fields map[string]any, names ...string) uint64 {
	if f, ok := numField(fields, names...); ok && f > 0 {
		return uint64(f)
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
