// Package status derives the composed device→area→link view served by the
// API. Derivation is stateless: every call resolves names against the
// current topology so deletions and renames take effect immediately.
package status

import (
	"math"
	"time"

	"github.com/uplinklabs/netmon/internal/config"
	"github.com/uplinklabs/netmon/internal/model"
)

// DeviceView is one device in the composed tree.
type DeviceView struct {
	ID                string       `json:"id"`
	AreaID            string       `json:"areaId"`
	Name              string       `json:"name"`
	Type              string       `json:"type"`
	IP                string       `json:"ip"`
	Criticality       string       `json:"criticality"`
	Status            model.Status `json:"status"`
	LatencyMs         *float64     `json:"latencyMs,omitempty"`
	PacketLoss        *float64     `json:"packetLoss,omitempty"`
	LastChecked       *time.Time   `json:"lastChecked,omitempty"`
	OfflineDurationMs *int64       `json:"offlineDuration,omitempty"`
}

// AreaStatus is one area with its devices and composed status.
type AreaStatus struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Type    string       `json:"type"`
	Lat     float64      `json:"lat"`
	Lng     float64      `json:"lng"`
	Status  model.Status `json:"status"`
	Devices []DeviceView `json:"devices"`
}

// EndpointView is one resolved link endpoint.
type EndpointView struct {
	AreaID    string       `json:"areaId,omitempty"`
	DeviceID  string       `json:"deviceId,omitempty"`
	Interface string       `json:"interface,omitempty"`
	Label     string       `json:"label,omitempty"`
	Status    model.Status `json:"status"`
}

// LinkStatus is one link with its composed status.
type LinkStatus struct {
	ID        string         `json:"id"`
	Type      string         `json:"type,omitempty"`
	Status    model.Status   `json:"status"`
	LatencyMs *float64       `json:"latencyMs,omitempty"`
	Endpoints []EndpointView `json:"endpoints"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Tree is the full composed view.
type Tree struct {
	Areas       []AreaStatus `json:"areas"`
	Links       []LinkStatus `json:"links"`
	GeneratedAt time.Time    `json:"generatedAt"`
}

// Derive composes the tree from a topology snapshot, the live per-device
// statuses, and the most recent down timestamps from history.
func Derive(snap *config.Snapshot, statuses map[string]model.DeviceStatus, lastDown map[string]time.Time, now time.Time) *Tree {
	tree := &Tree{GeneratedAt: now}

	deviceViews := make(map[string]DeviceView, len(snap.Devices))
	for _, d := range snap.Devices {
		deviceViews[d.ID] = deriveDevice(d, statuses, lastDown, now)
	}

	for _, a := range snap.Areas {
		area := AreaStatus{ID: a.ID, Name: a.Name, Type: a.Type, Lat: a.Lat, Lng: a.Lng}
		for _, d := range snap.DevicesInArea(a.ID) {
			area.Devices = append(area.Devices, deviceViews[d.ID])
		}
		area.Status = composeArea(area.Devices)
		tree.Areas = append(tree.Areas, area)
	}

	areaStatuses := make(map[string]model.Status, len(tree.Areas))
	for _, a := range tree.Areas {
		areaStatuses[a.ID] = a.Status
	}

	for _, l := range snap.Links {
		if link, ok := deriveLink(l, snap, deviceViews, areaStatuses); ok {
			tree.Links = append(tree.Links, link)
		}
	}
	return tree
}

func deriveDevice(d config.Device, statuses map[string]model.DeviceStatus, lastDown map[string]time.Time, now time.Time) DeviceView {
	v := DeviceView{
		ID:          d.ID,
		AreaID:      d.AreaID,
		Name:        d.Name,
		Type:        d.Type,
		IP:          d.IP,
		Criticality: string(d.Criticality),
		Status:      model.StatusUnknown,
	}
	st, ok := statuses[d.ID]
	if !ok {
		return v
	}
	v.Status = st.Status
	v.LatencyMs = st.LatencyMs
	v.PacketLoss = st.PacketLoss
	checked := st.LastChecked
	v.LastChecked = &checked

	if st.Status == model.StatusDown {
		if t, ok := lastDown[d.ID]; ok {
			ms := now.Sub(t).Milliseconds()
			if ms < 0 {
				ms = 0
			}
			v.OfflineDurationMs = &ms
		}
	}
	return v
}

// composeArea: down dominates, then degraded, else up. Devices with no
// status yet are unknown and do not degrade the area.
func composeArea(devices []DeviceView) model.Status {
	status := model.StatusUp
	for _, d := range devices {
		if d.Status.Worse(status) {
			status = d.Status
		}
	}
	return status
}

// deriveLink resolves both endpoints and composes the link status. Links
// referencing unknown areas or devices are filtered out entirely, which
// tolerates partial topology deletions.
func deriveLink(l config.Link, snap *config.Snapshot, devices map[string]DeviceView, areas map[string]model.Status) (LinkStatus, bool) {
	link := LinkStatus{ID: l.ID, Type: l.Type, Metadata: l.Metadata}

	var latencies []float64
	seenDevices := make(map[string]bool, 2)

	for _, ep := range l.Endpoints {
		view := EndpointView{
			AreaID:    ep.AreaID,
			DeviceID:  ep.DeviceID,
			Interface: ep.Interface,
			Label:     ep.Label,
			Status:    model.StatusUnknown,
		}
		if ep.DeviceID != "" {
			dv, ok := devices[ep.DeviceID]
			if !ok {
				return LinkStatus{}, false
			}
			view.Status = dv.Status
			// Average distinct devices only; a link pinned to the same
			// device on both ends contributes its latency once.
			if dv.LatencyMs != nil && !seenDevices[ep.DeviceID] {
				seenDevices[ep.DeviceID] = true
				latencies = append(latencies, *dv.LatencyMs)
			}
		} else if ep.AreaID != "" {
			st, ok := areas[ep.AreaID]
			if !ok {
				return LinkStatus{}, false
			}
			view.Status = st
		}
		link.Endpoints = append(link.Endpoints, view)
	}

	link.Status = composeLink(link.Endpoints)
	if len(latencies) > 0 {
		sum := 0.0
		for _, v := range latencies {
			sum += v
		}
		mean := math.Round(sum/float64(len(latencies))*100) / 100
		link.LatencyMs = &mean
	}
	return link, true
}

// composeLink: down beats degraded beats up; all-unknown stays unknown.
func composeLink(endpoints []EndpointView) model.Status {
	status := model.StatusUnknown
	for _, ep := range endpoints {
		if ep.Status.Worse(status) {
			status = ep.Status
		}
	}
	return status
}
