package ingest

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uplinklabs/netmon/internal/config"
	"github.com/uplinklabs/netmon/internal/model"
)

type sink struct {
	mu       sync.Mutex
	pings    []model.ProbeResult
	ifaces   []model.InterfaceReading
	wireless []model.WirelessSample
}

func (s *sink) onPing(r model.ProbeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings = append(s.pings, r)
}

func (s *sink) onInterface(r model.InterfaceReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ifaces = append(s.ifaces, r)
}

func (s *sink) onWireless(r model.WirelessSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wireless = append(s.wireless, r)
}

var testNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func newTestIngestor(t *testing.T) (*Ingestor, *sink) {
	t.Helper()
	snap := &config.Snapshot{
		Devices: []config.Device{
			{ID: "dev-1", Name: "core-router", IP: "10.0.0.1"},
			{ID: "dev-2", Name: "edge-ap", IP: "10.0.0.2"},
		},
	}
	snap.Normalize()

	s := &sink{}
	ing, err := New(&Config{
		Logger:      slog.Default(),
		Snapshot:    func() *config.Snapshot { return snap },
		OnPing:      s.onPing,
		OnInterface: s.onInterface,
		OnWireless:  s.onWireless,
		NowFunc:     func() time.Time { return testNow },
	})
	require.NoError(t, err)
	t.Cleanup(ing.Close)
	return ing, s
}

func TestPingSampleClassified(t *testing.T) {
	t.Parallel()
	ing, s := newTestIngestor(t)

	ing.HandlePing([]Metric{{
		Name:      "ping",
		Tags:      map[string]string{"host": "10.0.0.1"},
		Fields:    map[string]any{"average_response_ms": 12.345678, "percent_packet_loss": 0.0},
		Timestamp: testNow.Unix(),
	}})

	require.Len(t, s.pings, 1)
	p := s.pings[0]
	require.Equal(t, "dev-1", p.DeviceID)
	require.Equal(t, model.StatusUp, p.Status)
	require.Equal(t, 12.346, *p.LatencyMs)
	require.Equal(t, 0.0, *p.PacketLoss)
	require.Equal(t, testNow, p.Timestamp)
}

func TestPingSampleResolvesByName(t *testing.T) {
	t.Parallel()
	ing, s := newTestIngestor(t)

	ing.HandlePing([]Metric{{
		Name:   "ping",
		Tags:   map[string]string{"host": "CORE-ROUTER"},
		Fields: map[string]any{"average_response_ms": 90.0, "percent_packet_loss": 2.0},
	}})

	require.Len(t, s.pings, 1)
	require.Equal(t, "dev-1", s.pings[0].DeviceID)
	require.Equal(t, model.StatusDegraded, s.pings[0].Status)
}

func TestPingSampleWithoutLatencyIsDown(t *testing.T) {
	t.Parallel()
	ing, s := newTestIngestor(t)

	ing.HandlePing([]Metric{{
		Name:   "ping",
		Tags:   map[string]string{"host": "10.0.0.1"},
		Fields: map[string]any{"percent_packet_loss": 100.0},
	}})

	require.Len(t, s.pings, 1)
	require.Equal(t, model.StatusDown, s.pings[0].Status)
	require.Nil(t, s.pings[0].LatencyMs)
}

func TestUnknownHostCountedAndDropped(t *testing.T) {
	t.Parallel()
	ing, s := newTestIngestor(t)

	ing.HandlePing([]Metric{{
		Name:   "ping",
		Tags:   map[string]string{"host": "198.51.100.7"},
		Fields: map[string]any{"average_response_ms": 1.0},
	}})

	require.Empty(t, s.pings)
	require.Equal(t, uint64(1), ing.UnknownHosts())
}

func TestInterfaceSampleMapped(t *testing.T) {
	t.Parallel()
	ing, s := newTestIngestor(t)

	ing.HandleSNMP([]Metric{{
		Name: "interface",
		Tags: map[string]string{"hostname": "core-router", "ifName": "eth0", "ifIndex": "3"},
		Fields: map[string]any{
			"ifOperStatus":  1.0,
			"ifHighSpeed":   1000.0,
			"ifHCInOctets":  123456.0,
			"ifHCOutOctets": 654321.0,
			"ifInErrors":    2.0,
		},
		Timestamp: testNow.Unix(),
	}})

	require.Len(t, s.ifaces, 1)
	r := s.ifaces[0]
	require.Equal(t, "dev-1", r.DeviceID)
	require.Equal(t, 3, r.IfIndex)
	require.Equal(t, "eth0", r.IfName)
	require.Equal(t, 1, r.OperStatus)
	require.Equal(t, 1000.0, r.SpeedMbps)
	require.Equal(t, uint64(123456), r.InOctets)
	require.Equal(t, uint64(654321), r.OutOctets)
	require.Equal(t, uint64(2), r.InErrors)
}

func TestInterfaceSpeedFromBits(t *testing.T) {
	t.Parallel()
	ing, s := newTestIngestor(t)

	ing.HandleSNMP([]Metric{{
		Name:   "interface",
		Tags:   map[string]string{"host": "10.0.0.1"},
		Fields: map[string]any{"ifIndex": 1.0, "ifOperStatus": 1.0, "ifSpeed": 100_000_000.0},
	}})

	require.Len(t, s.ifaces, 1)
	require.Equal(t, 100.0, s.ifaces[0].SpeedMbps)
}

func TestInterfaceMissingIfIndexDropped(t *testing.T) {
	t.Parallel()
	ing, s := newTestIngestor(t)

	ing.HandleSNMP([]Metric{{
		Name:   "interface",
		Tags:   map[string]string{"host": "10.0.0.1"},
		Fields: map[string]any{"ifOperStatus": 1.0},
	}})

	require.Empty(t, s.ifaces)
	require.Equal(t, uint64(1), ing.Stats()["malformed"])
}

func TestWirelessSampleMapped(t *testing.T) {
	t.Parallel()
	ing, s := newTestIngestor(t)

	ing.HandleSNMP([]Metric{{
		Name:   "ubiquiti_wireless",
		Tags:   map[string]string{"host": "edge-ap", "ssid": "backbone"},
		Fields: map[string]any{"clients": 14.0, "signal": -61.0, "noise_floor": "-96"},
	}})

	require.Len(t, s.wireless, 1)
	w := s.wireless[0]
	require.Equal(t, "dev-2", w.DeviceID)
	require.Equal(t, "backbone", w.SSID)
	require.Equal(t, 14.0, w.Fields["clients"])
	require.Equal(t, -96.0, w.Fields["noise_floor"])
}

func TestMillisecondTimestampsNormalized(t *testing.T) {
	t.Parallel()
	ing, s := newTestIngestor(t)

	ing.HandlePing([]Metric{{
		Name:      "ping",
		Tags:      map[string]string{"host": "10.0.0.1"},
		Fields:    map[string]any{"average_response_ms": 1.0},
		Timestamp: testNow.UnixMilli(),
	}})

	require.Len(t, s.pings, 1)
	require.Equal(t, testNow, s.pings[0].Timestamp)
}

func TestUnknownMetricNameDropped(t *testing.T) {
	t.Parallel()
	ing, s := newTestIngestor(t)

	ing.HandleSNMP([]Metric{{
		Name: "cpu",
		Tags: map[string]string{"host": "10.0.0.1"},
	}})
	ing.HandlePing([]Metric{{
		Name: "snmp",
		Tags: map[string]string{"host": "10.0.0.1"},
	}})

	require.Empty(t, s.pings)
	require.Empty(t, s.ifaces)
	require.Equal(t, uint64(2), ing.Stats()["malformed"])
}
