package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/uplinklabs/netmon/internal/cache"
	"github.com/uplinklabs/netmon/internal/config"
	"github.com/uplinklabs/netmon/internal/history"
	"github.com/uplinklabs/netmon/internal/ingest"
	"github.com/uplinklabs/netmon/internal/model"
)

type fakeScheduler struct {
	mu           sync.Mutex
	reconfigured int
	paused       int
	resumed      int
	lastSnap     *config.Snapshot
}

func (f *fakeScheduler) Reconfigure(_ context.Context, snap *config.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconfigured++
	f.lastSnap = snap
	return nil
}

func (f *fakeScheduler) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused++
}

func (f *fakeScheduler) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
}

func (f *fakeScheduler) Stats() map[string]any {
	return map[string]any{"devices": 0, "circuitBreakersOpen": 0}
}

type testEnv struct {
	srv       *Server
	ts        *httptest.Server
	cache     *cache.Cache
	store     *history.Store
	configSt  *config.Store
	scheduler *fakeScheduler
	clock     *clockwork.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithLogger(t, slog.Default())
}

func newTestEnvWithLogger(t *testing.T, log *slog.Logger) *testEnv {
	t.Helper()
	dir := t.TempDir()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)

	configSt, err := config.NewStore(log, filepath.Join(dir, "config.json"))
	require.NoError(t, err)

	hotCache, err := cache.New(context.Background(), &cache.Config{Logger: log})
	require.NoError(t, err)

	store, err := history.New(&history.Config{
		Logger:  log,
		Path:    filepath.Join(dir, "history.db"),
		Clock:   clock,
		OnReset: func() { hotCache.Invalidate(context.Background()) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	batch, err := history.NewBatchWriter(&history.BatchConfig{Logger: log, Store: store, Clock: clock})
	require.NoError(t, err)

	onPing := func(r model.ProbeResult) {
		hotCache.SetDeviceStatus(context.Background(), model.FromProbe(r))
	}
	ing, err := ingest.New(&ingest.Config{
		Logger:      log,
		Snapshot:    configSt.Load,
		OnPing:      onPing,
		OnInterface: func(r model.InterfaceReading) { hotCache.SetInterface(context.Background(), r) },
		OnWireless:  func(model.WirelessSample) {},
	})
	require.NoError(t, err)
	t.Cleanup(ing.Close)

	scheduler := &fakeScheduler{}
	srv, err := New(&Config{
		Logger:      log,
		Version:     "test",
		DataDir:     dir,
		ConfigStore: configSt,
		Cache:       hotCache,
		History:     store,
		Batch:       batch,
		Scheduler:   scheduler,
		Ingestor:    ing,
		Clock:       clock,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		srv: srv, ts: ts,
		cache: hotCache, store: store, configSt: configSt,
		scheduler: scheduler, clock: clock,
	}
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	res, err := http.Get(e.ts.URL + path)
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	res.Body.Close()
	return res, body
}

func (e *testEnv) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	res, err := http.Post(e.ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	res.Body.Close()
	return res, body
}

func TestRequestsAreLogged(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	e := newTestEnvWithLogger(t, slog.New(slog.NewTextHandler(&buf, nil)))

	res, _ := e.get(t, "/api/health")
	require.Equal(t, http.StatusOK, res.StatusCode)

	out := buf.String()
	require.Contains(t, out, "server: request")
	require.Contains(t, out, "method=GET")
	require.Contains(t, out, "path=/api/health")
	require.Contains(t, out, "status=200")
	require.Contains(t, out, "remote=")
}

func TestHealth(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	res, body := e.get(t, "/api/health")
	require.Equal(t, http.StatusOK, res.StatusCode)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, "ok", got["status"])
	require.Equal(t, "test", got["version"])
	require.Equal(t, "local", got["cacheMode"])
}

func TestStatusComposesTreeWithETag(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()

	now := e.clock.Now()
	lat := 12.5
	e.cache.SetDeviceStatus(ctx, model.DeviceStatus{
		DeviceID: "dev-gw-1", Status: model.StatusUp, LatencyMs: &lat, LastChecked: now,
	})

	res, body := e.get(t, "/api/status")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "max-age=5", res.Header.Get("Cache-Control"))
	etag := res.Header.Get("ETag")
	require.NotEmpty(t, etag)

	var tree struct {
		Areas []struct {
			ID      string `json:"id"`
			Status  string `json:"status"`
			Devices []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"devices"`
		} `json:"areas"`
		Links []struct {
			Status string `json:"status"`
		} `json:"links"`
	}
	require.NoError(t, json.Unmarshal(body, &tree))
	require.Len(t, tree.Areas, 2)
	require.Equal(t, "up", tree.Areas[0].Status)
	require.Equal(t, "up", tree.Areas[0].Devices[0].Status)
	require.Len(t, tree.Links, 1)

	req, err := http.NewRequest(http.MethodGet, e.ts.URL+"/api/status", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	res2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res2.Body.Close()
	require.Equal(t, http.StatusNotModified, res2.StatusCode)
}

func TestStatusFallsBackToHistory(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()

	// Nothing in the cache, one persisted down row.
	require.NoError(t, e.store.InsertBatch(ctx, []model.ProbeResult{
		{DeviceID: "dev-gw-1", Status: model.StatusDown, Timestamp: e.clock.Now().Add(-2 * time.Minute)},
	}, nil))

	_, body := e.get(t, "/api/status")
	var tree struct {
		Areas []struct {
			Devices []struct {
				ID              string `json:"id"`
				Status          string `json:"status"`
				OfflineDuration *int64 `json:"offlineDuration"`
			} `json:"devices"`
		} `json:"areas"`
	}
	require.NoError(t, json.Unmarshal(body, &tree))
	require.Equal(t, "down", tree.Areas[0].Devices[0].Status)
	require.NotNil(t, tree.Areas[0].Devices[0].OfflineDuration)
	require.Equal(t, int64(120_000), *tree.Areas[0].Devices[0].OfflineDuration)
}

func TestConfigRoundtripTriggersReconfigure(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	snap := e.configSt.Load().Clone()
	snap.Devices = append(snap.Devices, config.Device{
		ID: "dev-new", AreaID: "area-core", Name: "new-device", IP: "10.9.9.9",
	})

	res, _ := e.postJSON(t, "/api/config", snap)
	require.Equal(t, http.StatusOK, res.StatusCode)

	e.scheduler.mu.Lock()
	require.Equal(t, 1, e.scheduler.reconfigured)
	require.NotNil(t, e.scheduler.lastSnap)
	_, ok := e.scheduler.lastSnap.Device("dev-new")
	e.scheduler.mu.Unlock()
	require.True(t, ok)

	res, body := e.get(t, "/api/config")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var got config.Snapshot
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Devices, 3)
}

func TestConfigPostRejectsBrokenPayload(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	res, err := http.Post(e.ts.URL+"/api/config", "application/json", bytes.NewReader([]byte(`{"devices": [{"id": "x"}]}`)))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusInternalServerError, res.StatusCode)

	e.scheduler.mu.Lock()
	defer e.scheduler.mu.Unlock()
	require.Zero(t, e.scheduler.reconfigured)
}

func TestMetricsPingIngestion(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	res, _ := e.postJSON(t, "/api/metrics/ping", map[string]any{
		"metrics": []map[string]any{{
			"name":   "ping",
			"tags":   map[string]string{"host": "8.8.8.8"},
			"fields": map[string]any{"average_response_ms": 10.0, "percent_packet_loss": 0.0},
		}},
	})
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	st, ok := e.cache.DeviceStatus(context.Background(), "dev-gw-1")
	require.True(t, ok)
	require.Equal(t, model.StatusUp, st.Status)
}

func TestMetricsSNMPAndInterfacesEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	res, _ := e.postJSON(t, "/api/metrics/snmp", []map[string]any{{
		"name":   "interface",
		"tags":   map[string]string{"hostname": "8.8.8.8", "ifName": "eth0", "ifIndex": "1"},
		"fields": map[string]any{"ifOperStatus": 1.0, "ifHighSpeed": 1000.0},
	}})
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res, body := e.get(t, "/api/snmp/interfaces/dev-gw-1")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var got struct {
		Interfaces []model.InterfaceReading `json:"interfaces"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Interfaces, 1)
	require.Equal(t, "eth0", got.Interfaces[0].IfName)
}

func TestHistoryEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()

	lat := 10.0
	require.NoError(t, e.store.InsertBatch(ctx, []model.ProbeResult{
		{DeviceID: "dev-gw-1", Status: model.StatusUp, LatencyMs: &lat, Timestamp: e.clock.Now().Add(-time.Minute)},
	}, nil))

	res, body := e.get(t, "/api/history/dev-gw-1?period=24h")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var got history.DeviceHistoryResult
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, "raw", got.Source)
	require.Len(t, got.Rows, 1)

	res, _ = e.get(t, "/api/history/dev-gw-1?period=bogus")
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestFlappingReportEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, e.store.InsertFlappingEvent(ctx, model.FlappingEvent{
		DeviceID: "dev-gw-1", IfIndex: 1, IfName: "eth0",
		EventType: model.FlapEventStatusChange, Severity: model.SeverityWarning,
		Changes: 6, Timestamp: e.clock.Now().Add(-time.Hour),
	}))

	res, body := e.get(t, "/api/snmp/flapping-report?hours=24")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var got struct {
		Hours      int                                `json:"hours"`
		Interfaces []history.FlappingInterfaceSummary `json:"interfaces"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, 24, got.Hours)
	require.Len(t, got.Interfaces, 1)

	res, _ = e.get(t, "/api/snmp/flapping-report?hours=-1")
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestSystemStats(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	res, body := e.get(t, "/api/system/stats")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	require.Contains(t, got, "scheduler")
	require.Contains(t, got, "cache")
	require.Contains(t, got, "batch")
	require.Contains(t, got, "ingestor")
}

func TestDashboardCombinesStatusAndConfig(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	res, body := e.get(t, "/api/dashboard")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NotEmpty(t, res.Header.Get("ETag"))

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &got))
	require.Contains(t, got, "status")
	require.Contains(t, got, "config")
}

func TestExportImportRoundtrip(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()

	lat := 10.0
	require.NoError(t, e.store.InsertBatch(ctx, []model.ProbeResult{
		{DeviceID: "dev-gw-1", Status: model.StatusUp, LatencyMs: &lat, Timestamp: e.clock.Now().Add(-time.Minute)},
	}, nil))

	res, body := e.get(t, "/api/export")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "application/zip", res.Header.Get("Content-Type"))

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	require.True(t, names["database"])
	require.True(t, names["config.json"])

	// Import the export back.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "backup.zip")
	require.NoError(t, err)
	_, err = fw.Write(body)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	res, err = http.Post(e.ts.URL+"/api/import", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	importBody, _ := io.ReadAll(res.Body)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode, string(importBody))

	e.scheduler.mu.Lock()
	require.Equal(t, 1, e.scheduler.paused)
	require.Equal(t, 1, e.scheduler.resumed)
	require.Equal(t, 1, e.scheduler.reconfigured)
	e.scheduler.mu.Unlock()

	latest, err := e.store.LatestPerDevice(ctx, 0)
	require.NoError(t, err)
	require.Contains(t, latest, "dev-gw-1")
}

func TestImportRejectsArchiveWithoutEntries(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	var zbuf bytes.Buffer
	zw := zip.NewWriter(&zbuf)
	fw, err := zw.Create("unrelated.txt")
	require.NoError(t, err)
	fw.Write([]byte("nope"))
	require.NoError(t, zw.Close())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "bad.zip")
	require.NoError(t, err)
	part.Write(zbuf.Bytes())
	require.NoError(t, mw.Close())

	res, err := http.Post(e.ts.URL+"/api/import", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	e.scheduler.mu.Lock()
	defer e.scheduler.mu.Unlock()
	require.Zero(t, e.scheduler.paused)
}

func TestResetEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, e.store.InsertBatch(ctx, []model.ProbeResult{
		{DeviceID: "dev-gw-1", Status: model.StatusDown, Timestamp: e.clock.Now()},
	}, nil))

	res, err := http.Post(e.ts.URL+"/api/system/reset", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	latest, err := e.store.LatestPerDevice(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, latest)
}
