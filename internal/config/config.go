// Package config owns the durable monitoring topology: areas, devices,
// links, and global settings. Snapshots are immutable once loaded; Save is
// the only mutator and fans out to watchers.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

// Criticality selects a device's probe cadence.
type Criticality string

const (
	CriticalityCritical Criticality = "critical"
	CriticalityHigh     Criticality = "high"
	CriticalityNormal   Criticality = "normal"
	CriticalityLow      Criticality = "low"
)

// Interval returns the probe interval for the criticality.
func (c Criticality) Interval() time.Duration {
	switch c {
	case CriticalityCritical:
		return 30 * time.Second
	case CriticalityHigh:
		return 60 * time.Second
	case CriticalityLow:
		return 300 * time.Second
	default:
		return 120 * time.Second
	}
}

// Priority ranks criticalities for dispatch ordering, highest first.
func (c Criticality) Priority() int {
	switch c {
	case CriticalityCritical:
		return 4
	case CriticalityHigh:
		return 3
	case CriticalityLow:
		return 1
	default:
		return 2
	}
}

// ThresholdBand holds the good/degraded boundary pair for one metric.
type ThresholdBand struct {
	Good     float64 `json:"good"`
	Degraded float64 `json:"degraded"`
}

// Thresholds classify a completed probe into up/degraded/down.
type Thresholds struct {
	Latency    ThresholdBand `json:"latency"`
	PacketLoss ThresholdBand `json:"packetLoss"`
}

// DefaultThresholds are applied when neither the device nor the settings
// specify an override.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Latency:    ThresholdBand{Good: 50, Degraded: 150},
		PacketLoss: ThresholdBand{Good: 1, Degraded: 5},
	}
}

// Device is one monitored target.
type Device struct {
	ID              string      `json:"id"`
	AreaID          string      `json:"areaId"`
	Name            string      `json:"name"`
	Type            string      `json:"type"`
	IP              string      `json:"ip"`
	Criticality     Criticality `json:"criticality"`
	Thresholds      *Thresholds `json:"thresholds,omitempty"`
	IntervalSeconds int         `json:"intervalSeconds,omitempty"`
	SNMPEnabled     bool        `json:"snmpEnabled,omitempty"`
	SNMPCommunity   string      `json:"snmpCommunity,omitempty"`
	SNMPVersion     int         `json:"snmpVersion,omitempty"`
}

// ProbeInterval returns the device's probe interval, honoring a per-device
// override before falling back to the criticality mapping.
func (d Device) ProbeInterval() time.Duration {
	if d.IntervalSeconds > 0 {
		return time.Duration(d.IntervalSeconds) * time.Second
	}
	return d.Criticality.Interval()
}

// Host returns the probe target with any :port suffix stripped.
func (d Device) Host() string { return StripPort(d.IP) }

// Area is a logical site grouping; it carries no probe state of its own.
type Area struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Type string  `json:"type"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// Endpoint is one side of a link. It may reference an area alone or pin to
// a specific device and interface.
type Endpoint struct {
	AreaID        string `json:"areaId,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
	Interface     string `json:"interface,omitempty"`
	InterfaceType string `json:"interfaceType,omitempty"`
	Label         string `json:"label,omitempty"`
}

// Link connects two endpoints. The legacy {from,to} area-only shape is
// accepted on load and upgraded into Endpoints by Normalize.
type Link struct {
	ID        string         `json:"id"`
	Endpoints []Endpoint     `json:"endpoints,omitempty"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Type      string         `json:"type,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Settings holds global tunables.
type Settings struct {
	Thresholds Thresholds `json:"thresholds"`
}

// Snapshot is one immutable view of the configured topology.
type Snapshot struct {
	Areas    []Area    `json:"areas"`
	Devices  []Device  `json:"devices"`
	Links    []Link    `json:"links"`
	Settings Settings  `json:"settings"`

	areasByID   map[string]*Area
	devicesByID map[string]*Device
	hostIndex   map[string]*Device
}

// Normalize fills defaults, upgrades legacy link shapes, and builds the
// lookup indexes. It must be called after decoding and before use.
func (s *Snapshot) Normalize() {
	if s.Settings.Thresholds == (Thresholds{}) {
		s.Settings.Thresholds = DefaultThresholds()
	}
	for i := range s.Devices {
		if s.Devices[i].Criticality == "" {
			s.Devices[i].Criticality = CriticalityNormal
		}
	}
	for i := range s.Links {
		l := &s.Links[i]
		if len(l.Endpoints) == 0 && (l.From != "" || l.To != "") {
			l.Endpoints = []Endpoint{{AreaID: l.From}, {AreaID: l.To}}
		}
		l.From, l.To = "", ""
		// Pad or trim to exactly two endpoints.
		for len(l.Endpoints) < 2 {
			l.Endpoints = append(l.Endpoints, Endpoint{})
		}
		l.Endpoints = l.Endpoints[:2]
	}

	s.areasByID = make(map[string]*Area, len(s.Areas))
	for i := range s.Areas {
		s.areasByID[s.Areas[i].ID] = &s.Areas[i]
	}
	s.devicesByID = make(map[string]*Device, len(s.Devices))
	s.hostIndex = make(map[string]*Device, len(s.Devices)*3)
	for i := range s.Devices {
		d := &s.Devices[i]
		s.devicesByID[d.ID] = d
		s.hostIndex[strings.ToLower(d.ID)] = d
		if d.Name != "" {
			s.hostIndex[strings.ToLower(d.Name)] = d
		}
		if ip := d.Host(); ip != "" {
			s.hostIndex[ip] = d
		}
	}
}

// Validate rejects structurally broken snapshots. A device's area reference
// must resolve; dangling link endpoints are tolerated and filtered during
// derivation.
func (s *Snapshot) Validate() error {
	seenAreas := make(map[string]bool, len(s.Areas))
	for _, a := range s.Areas {
		if a.ID == "" {
			return fmt.Errorf("area with empty id")
		}
		if seenAreas[a.ID] {
			return fmt.Errorf("duplicate area id %q", a.ID)
		}
		seenAreas[a.ID] = true
	}
	seen := make(map[string]bool, len(s.Devices))
	for _, d := range s.Devices {
		if d.ID == "" {
			return fmt.Errorf("device with empty id")
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate device id %q", d.ID)
		}
		seen[d.ID] = true
		if d.IP == "" {
			return fmt.Errorf("device %q has no ip", d.ID)
		}
		if d.AreaID != "" && !seenAreas[d.AreaID] {
			return fmt.Errorf("device %q references unknown area %q", d.ID, d.AreaID)
		}
	}
	for _, l := range s.Links {
		if l.ID == "" {
			return fmt.Errorf("link with empty id")
		}
	}
	return nil
}

// Area returns the area with the given id, if present.
func (s *Snapshot) Area(id string) (*Area, bool) {
	a, ok := s.areasByID[id]
	return a, ok
}

// Device returns the device with the given id, if present.
func (s *Snapshot) Device(id string) (*Device, bool) {
	d, ok := s.devicesByID[id]
	return d, ok
}

// DevicesInArea returns the devices belonging to an area.
func (s *Snapshot) DevicesInArea(areaID string) []Device {
	var out []Device
	for _, d := range s.Devices {
		if d.AreaID == areaID {
			out = append(out, d)
		}
	}
	return out
}

// DeviceByHost resolves a collector-supplied host string (device id, name,
// or IP, case-insensitive, ports stripped) to a device.
func (s *Snapshot) DeviceByHost(host string) (*Device, bool) {
	host = strings.ToLower(StripPort(strings.TrimSpace(host)))
	d, ok := s.hostIndex[host]
	return d, ok
}

// EffectiveThresholds returns the device override or the global default.
func (s *Snapshot) EffectiveThresholds(d Device) Thresholds {
	if d.Thresholds != nil {
		return *d.Thresholds
	}
	return s.Settings.Thresholds
}

// Clone deep-copies the snapshot so callers can mutate it before Save.
func (s *Snapshot) Clone() *Snapshot {
	raw, err := json.Marshal(s)
	if err != nil {
		// Snapshots are plain data; marshal cannot fail on a valid one.
		panic(fmt.Sprintf("config: clone: %v", err))
	}
	var out Snapshot
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("config: clone: %v", err))
	}
	out.Normalize()
	return &out
}

// StripPort removes a trailing :port from a host string, if present.
func StripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// DefaultSnapshot is the compiled-in topology used when no config file
// exists yet: two public resolvers in two areas joined by one link.
func DefaultSnapshot() *Snapshot {
	s := &Snapshot{
		Areas: []Area{
			{ID: "area-core", Name: "Core Site", Type: "Server/Relay", Lat: 14.5995, Lng: 120.9842},
			{ID: "area-edge", Name: "Edge Site", Type: "Homes", Lat: 14.6042, Lng: 120.9822},
		},
		Devices: []Device{
			{ID: "dev-gw-1", AreaID: "area-core", Name: "google-dns", Type: "router", IP: "8.8.8.8", Criticality: CriticalityNormal},
			{ID: "dev-gw-2", AreaID: "area-edge", Name: "cloudflare-dns", Type: "router", IP: "1.1.1.1", Criticality: CriticalityNormal},
		},
		Links: []Link{
			{ID: "link-core-edge", Endpoints: []Endpoint{{AreaID: "area-core"}, {AreaID: "area-edge"}}, Type: "wireless"},
		},
		Settings: Settings{Thresholds: DefaultThresholds()},
	}
	s.Normalize()
	return s
}
