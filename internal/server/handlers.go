package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/uplinklabs/netmon/internal/config"
	"github.com/uplinklabs/netmon/internal/history"
	"github.com/uplinklabs/netmon/internal/ingest"
	"github.com/uplinklabs/netmon/internal/model"
	"github.com/uplinklabs/netmon/internal/status"
)

const statusMaxAge = 5 * time.Second

func (s *Server) respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, code int, msg string) {
	s.respondJSON(w, code, map[string]string{"error": msg})
}

// respondCached writes body with a content-hash ETag and a short max-age,
// answering 304 when the client already holds the current representation.
func (s *Server) respondCached(w http.ResponseWriter, r *http.Request, body []byte) {
	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "max-age="+strconv.Itoa(int(statusMaxAge.Seconds())))
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.cfg.Version,
		"uptimeSec": int64(s.cfg.Clock.Now().Sub(s.started).Seconds()),
		"cacheMode": s.cfg.Cache.Mode(),
	})
}

// deriveTree composes the current status view: cache first, history filling
// in devices the cache has not seen since startup.
func (s *Server) deriveTree(r *http.Request) (*status.Tree, error) {
	ctx := r.Context()
	snap := s.cfg.ConfigStore.Load()
	now := s.cfg.Clock.Now()

	statuses := s.cfg.Cache.AllDeviceStatuses(ctx)

	missing := false
	for _, d := range snap.Devices {
		if _, ok := statuses[d.ID]; !ok {
			missing = true
			break
		}
	}
	if missing {
		persisted, err := s.cfg.History.LatestPerDevice(ctx, 0)
		if err != nil {
			s.log.Error("server: history fallback failed", "error", err)
		} else {
			for id, st := range persisted {
				if _, ok := statuses[id]; !ok {
					statuses[id] = st
				}
			}
		}
	}

	lastDown, err := s.cfg.History.LastDownTimes(ctx)
	if err != nil {
		return nil, err
	}
	return status.Derive(snap, statuses, lastDown, now), nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tree, err := s.deriveTree(r)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	body, err := json.Marshal(tree)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondCached(w, r, body)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	period := r.URL.Query().Get("period")

	res, err := s.cfg.History.DeviceHistory(r.Context(), deviceID, period)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.cfg.ConfigStore.Load())
}

// handlePostConfig replaces the topology. The response is sent only after
// the scheduler has observed the new device set.
func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	snap, err := config.Parse(raw)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.cfg.ConfigStore.Save(snap); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.cfg.Scheduler.Reconfigure(r.Context(), snap); err != nil {
		s.respondError(w, http.StatusInternalServerError, "reconfigure: "+err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	tree, err := s.deriveTree(r)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	body, err := json.Marshal(map[string]any{
		"status": tree,
		"config": s.cfg.ConfigStore.Load(),
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondCached(w, r, body)
}

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"scheduler": s.cfg.Scheduler.Stats(),
		"cache":     s.cfg.Cache.Stats(),
		"ingestor":  s.cfg.Ingestor.Stats(),
	}
	if s.cfg.Batch != nil {
		stats["batch"] = s.cfg.Batch.Stats()
	}
	if s.cfg.Flap != nil {
		stats["flapping"] = s.cfg.Flap.Stats()
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.History.Reset(r.Context()); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// decodeMetrics accepts both the Telegraf batch envelope {"metrics": [...]}
// and a bare array.
func decodeMetrics(r *http.Request) ([]ingest.Metric, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Metrics []ingest.Metric `json:"metrics"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Metrics != nil {
		return envelope.Metrics, nil
	}
	var list []ingest.Metric
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Server) handleMetricsPing(w http.ResponseWriter, r *http.Request) {
	metrics, err := decodeMetrics(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "decode metrics: "+err.Error())
		return
	}
	s.cfg.Ingestor.HandlePing(metrics)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetricsSNMP(w http.ResponseWriter, r *http.Request) {
	metrics, err := decodeMetrics(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "decode metrics: "+err.Error())
		return
	}
	s.cfg.Ingestor.HandleSNMP(metrics)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInterfaces(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	readings := s.cfg.Cache.InterfacesForDevice(r.Context(), deviceID)
	if readings == nil {
		readings = []model.InterfaceReading{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"deviceId":   deviceID,
		"interfaces": readings,
	})
}

func (s *Server) handleFlappingReport(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, "invalid hours")
			return
		}
		hours = n
	}
	report, err := s.cfg.History.FlappingReport(r.Context(), hours)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if report == nil {
		report = []history.FlappingInterfaceSummary{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"hours":      hours,
		"interfaces": report,
	})
}
