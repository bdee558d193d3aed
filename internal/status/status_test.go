package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uplinklabs/netmon/internal/config"
	"github.com/uplinklabs/netmon/internal/model"
)

var now = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func floatp(v float64) *float64 { return &v }

func topology() *config.Snapshot {
	snap := &config.Snapshot{
		Areas: []config.Area{
			{ID: "a1", Name: "Core"},
			{ID: "a2", Name: "Edge"},
		},
		Devices: []config.Device{
			{ID: "d1", AreaID: "a1", IP: "10.0.0.1"},
			{ID: "d2", AreaID: "a1", IP: "10.0.0.2"},
			{ID: "d3", AreaID: "a2", IP: "10.0.0.3"},
		},
		Links: []config.Link{
			{ID: "l1", Endpoints: []config.Endpoint{{AreaID: "a1"}, {AreaID: "a2"}}},
		},
	}
	snap.Normalize()
	return snap
}

func up(id string, latency float64) model.DeviceStatus {
	return model.DeviceStatus{DeviceID: id, Status: model.StatusUp, LatencyMs: floatp(latency), LastChecked: now}
}

func TestAreaComposition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		statuses map[string]model.DeviceStatus
		a1, a2   model.Status
	}{
		{
			name:     "all up",
			statuses: map[string]model.DeviceStatus{"d1": up("d1", 5), "d2": up("d2", 5), "d3": up("d3", 5)},
			a1:       model.StatusUp, a2: model.StatusUp,
		},
		{
			name: "down dominates degraded",
			statuses: map[string]model.DeviceStatus{
				"d1": {DeviceID: "d1", Status: model.StatusDown, LastChecked: now},
				"d2": {DeviceID: "d2", Status: model.StatusDegraded, LastChecked: now},
				"d3": up("d3", 5),
			},
			a1: model.StatusDown, a2: model.StatusUp,
		},
		{
			name: "unknown devices do not degrade",
			statuses: map[string]model.DeviceStatus{
				"d1": up("d1", 5),
			},
			a1: model.StatusUp, a2: model.StatusUp,
		},
		{
			name:     "all unknown reads as up",
			statuses: map[string]model.DeviceStatus{},
			a1:       model.StatusUp, a2: model.StatusUp,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tree := Derive(topology(), tc.statuses, nil, now)
			require.Len(t, tree.Areas, 2)
			require.Equal(t, tc.a1, tree.Areas[0].Status)
			require.Equal(t, tc.a2, tree.Areas[1].Status)
		})
	}
}

func TestLinkComposition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		statuses map[string]model.DeviceStatus
		want     model.Status
	}{
		{
			name: "up and down is down",
			statuses: map[string]model.DeviceStatus{
				"d1": up("d1", 5),
				"d3": {DeviceID: "d3", Status: model.StatusDown, LastChecked: now},
			},
			want: model.StatusDown,
		},
		{
			name: "degraded and up is degraded",
			statuses: map[string]model.DeviceStatus{
				"d1": {DeviceID: "d1", Status: model.StatusDegraded, LastChecked: now},
				"d3": up("d3", 5),
			},
			want: model.StatusDegraded,
		},
		{
			name:     "up and up is up",
			statuses: map[string]model.DeviceStatus{"d1": up("d1", 5), "d3": up("d3", 5)},
			want:     model.StatusUp,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tree := Derive(topology(), tc.statuses, nil, now)
			require.Len(t, tree.Links, 1)
			require.Equal(t, tc.want, tree.Links[0].Status)
		})
	}
}

func TestLinkWithDeletedAreaIsFiltered(t *testing.T) {
	t.Parallel()

	snap := topology()
	snap.Areas = snap.Areas[:1] // drop a2
	snap.Normalize()

	tree := Derive(snap, map[string]model.DeviceStatus{"d1": up("d1", 5)}, nil, now)
	require.Empty(t, tree.Links)
	require.Len(t, tree.Areas, 1)
}

func TestLinkWithDeletedDeviceIsFiltered(t *testing.T) {
	t.Parallel()

	snap := topology()
	snap.Links = []config.Link{
		{ID: "l1", Endpoints: []config.Endpoint{{AreaID: "a1", DeviceID: "gone"}, {AreaID: "a2"}}},
	}
	snap.Normalize()

	tree := Derive(snap, nil, nil, now)
	require.Empty(t, tree.Links)
}

func TestLinkLatencyAveragesDistinctDevices(t *testing.T) {
	t.Parallel()

	snap := topology()
	snap.Links = []config.Link{
		{ID: "l1", Endpoints: []config.Endpoint{{AreaID: "a1", DeviceID: "d1"}, {AreaID: "a2", DeviceID: "d3"}}},
		{ID: "l2", Endpoints: []config.Endpoint{{AreaID: "a1", DeviceID: "d1"}, {AreaID: "a1", DeviceID: "d1"}}},
	}
	snap.Normalize()

	statuses := map[string]model.DeviceStatus{
		"d1": up("d1", 10.333),
		"d3": up("d3", 20.666),
	}
	tree := Derive(snap, statuses, nil, now)
	require.Len(t, tree.Links, 2)

	// Mean of both endpoint devices, two decimals.
	require.Equal(t, 15.5, *tree.Links[0].LatencyMs)
	// The same device on both ends contributes once.
	require.Equal(t, 10.33, *tree.Links[1].LatencyMs)
}

func TestLinkEndpointFallsBackToArea(t *testing.T) {
	t.Parallel()

	statuses := map[string]model.DeviceStatus{
		"d3": {DeviceID: "d3", Status: model.StatusDown, LastChecked: now},
	}
	tree := Derive(topology(), statuses, nil, now)
	require.Len(t, tree.Links, 1)
	// a2 composes to down from d3, dragging the link down.
	require.Equal(t, model.StatusDown, tree.Links[0].Status)
	require.Equal(t, model.StatusDown, tree.Links[0].Endpoints[1].Status)
}

func TestOfflineDuration(t *testing.T) {
	t.Parallel()

	statuses := map[string]model.DeviceStatus{
		"d1": {DeviceID: "d1", Status: model.StatusDown, LastChecked: now},
		"d2": up("d2", 5),
	}
	lastDown := map[string]time.Time{
		"d1": now.Add(-90 * time.Second),
		"d2": now.Add(-time.Hour), // recovered; must not be reported
	}

	tree := Derive(topology(), statuses, lastDown, now)
	devices := tree.Areas[0].Devices
	require.Equal(t, "d1", devices[0].ID)
	require.NotNil(t, devices[0].OfflineDurationMs)
	require.Equal(t, int64(90_000), *devices[0].OfflineDurationMs)
	require.Nil(t, devices[1].OfflineDurationMs)
}

func TestUnknownDeviceView(t *testing.T) {
	t.Parallel()

	tree := Derive(topology(), nil, nil, now)
	d := tree.Areas[0].Devices[0]
	require.Equal(t, model.StatusUnknown, d.Status)
	require.Nil(t, d.LastChecked)
	require.Nil(t, d.LatencyMs)
}
