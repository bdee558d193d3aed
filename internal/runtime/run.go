// Package runtime assembles the monitoring engine: it constructs every
// component, wires the probe and ingest pipelines into the cache and
// history, and supervises the long-running loops.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/uplinklabs/netmon/internal/cache"
	"github.com/uplinklabs/netmon/internal/config"
	"github.com/uplinklabs/netmon/internal/flap"
	"github.com/uplinklabs/netmon/internal/history"
	"github.com/uplinklabs/netmon/internal/ingest"
	"github.com/uplinklabs/netmon/internal/metrics"
	"github.com/uplinklabs/netmon/internal/model"
	"github.com/uplinklabs/netmon/internal/probe"
	"github.com/uplinklabs/netmon/internal/sched"
	"github.com/uplinklabs/netmon/internal/server"
)

const heartbeatInterval = 30 * time.Second

// Config for the engine.
type Config struct {
	Logger  *slog.Logger
	Version string

	DataDir  string
	HTTPAddr string

	RedisAddr     string
	RedisPassword string

	PrivilegedICMP bool

	Clock clockwork.Clock
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":5000"
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Run builds and supervises the engine until ctx is done.
func Run(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("runtime: error validating config: %w", err)
	}
	log := cfg.Logger

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("runtime: create data dir: %w", err)
	}

	configStore, err := config.NewStore(log, filepath.Join(cfg.DataDir, "config.json"))
	if err != nil {
		return err
	}

	hotCache, err := cache.New(ctx, &cache.Config{
		Logger:        log,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
	})
	if err != nil {
		return err
	}

	store, err := history.New(&history.Config{
		Logger: log,
		Path:   filepath.Join(cfg.DataDir, "history.db"),
		Clock:  cfg.Clock,
		OnReset: func() {
			hotCache.Invalidate(context.Background())
		},
	})
	if err != nil {
		return err
	}
	defer store.Close()

	batch, err := history.NewBatchWriter(&history.BatchConfig{
		Logger: log,
		Store:  store,
		Clock:  cfg.Clock,
	})
	if err != nil {
		return err
	}

	detector, err := flap.New(&flap.Config{Logger: log, Clock: cfg.Clock})
	if err != nil {
		return err
	}

	pinger, err := probe.New(&probe.Config{Logger: log, Privileged: cfg.PrivilegedICMP})
	if err != nil {
		return err
	}

	// Probe results from the scheduler and pushed ping samples share one
	// sink: hot cache (which publishes device:update) and history batch.
	onPing := func(res model.ProbeResult) {
		hotCache.SetDeviceStatus(ctx, model.FromProbe(res))
		batch.AddPing(res)
	}

	onInterface := func(r model.InterfaceReading) {
		hotCache.SetInterface(ctx, r)
		batch.AddInterface(r)
		if ev := detector.Observe(r); ev != nil {
			if err := store.InsertFlappingEvent(ctx, *ev); err != nil {
				log.Error("runtime: persist flapping event", "device", ev.DeviceID, "error", err)
			}
			if payload, err := json.Marshal(ev); err == nil {
				hotCache.Publish(ctx, cache.ChannelAlertFlapping, payload)
			}
		}
	}

	onWireless := func(s model.WirelessSample) {
		hotCache.SetWireless(ctx, s)
	}

	ingestor, err := ingest.New(&ingest.Config{
		Logger:      log,
		Snapshot:    configStore.Load,
		OnPing:      onPing,
		OnInterface: onInterface,
		OnWireless:  onWireless,
	})
	if err != nil {
		return err
	}
	defer ingestor.Close()

	scheduler, err := sched.New(&sched.Config{
		Logger:   log,
		Clock:    cfg.Clock,
		Prober:   pinger,
		Snapshot: configStore.Load(),
		OnResult: onPing,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(&server.Config{
		Logger:      log,
		Addr:        cfg.HTTPAddr,
		Version:     cfg.Version,
		DataDir:     cfg.DataDir,
		ConfigStore: configStore,
		Cache:       hotCache,
		History:     store,
		Batch:       batch,
		Scheduler:   scheduler,
		Ingestor:    ingestor,
		Flap:        detector,
		Clock:       cfg.Clock,
	})
	if err != nil {
		return err
	}

	jobs := cron.New()
	if _, err := jobs.AddFunc("@every 10m", func() {
		jobCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := store.UpsertAggregates(jobCtx); err != nil {
			log.Error("runtime: aggregate job failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("runtime: schedule aggregate job: %w", err)
	}
	if _, err := jobs.AddFunc("@every 1h", func() {
		jobCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := store.Expire(jobCtx); err != nil {
			log.Error("runtime: retention job failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("runtime: schedule retention job: %w", err)
	}

	log.Info("runtime: starting",
		"version", cfg.Version,
		"dataDir", cfg.DataDir,
		"httpAddr", cfg.HTTPAddr,
		"cacheMode", hotCache.Mode())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error {
		batch.Run(ctx)
		return nil
	})
	g.Go(func() error {
		hotCache.Run(ctx)
		return nil
	})
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		jobs.Start()
		<-ctx.Done()
		<-jobs.Stop().Done()
		return nil
	})
	g.Go(func() error {
		heartbeat(ctx, cfg.Clock, hotCache, scheduler)
		return nil
	})
	g.Go(func() error {
		watchConfig(ctx, log, configStore, hotCache)
		return nil
	})

	err = g.Wait()
	log.Info("runtime: stopped")
	return err
}

// heartbeat publishes a system:status event every 30 seconds so clients and
// external cache subscribers can tell the engine is alive.
func heartbeat(ctx context.Context, clock clockwork.Clock, c *cache.Cache, s *sched.Scheduler) {
	ticker := clock.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			mode := c.Mode()
			for _, m := range []string{"redis", "local"} {
				v := 0.0
				if m == mode {
					v = 1
				}
				metrics.CacheMode.WithLabelValues(m).Set(v)
			}
			stats := s.Stats()
			payload, err := json.Marshal(map[string]any{
				"event":     "heartbeat",
				"time":      clock.Now().UTC(),
				"cacheMode": mode,
				"scheduler": map[string]any{
					"devices":             stats["devices"],
					"inFlight":            stats["inFlight"],
					"circuitBreakersOpen": stats["circuitBreakersOpen"],
				},
			})
			if err != nil {
				continue
			}
			c.Publish(ctx, cache.ChannelSystemStatus, payload)
		}
	}
}

// watchConfig announces saved topologies on system:status. The scheduler is
// reconfigured synchronously by the save paths themselves; this stream only
// tells connected clients to refetch.
func watchConfig(ctx context.Context, log *slog.Logger, store *config.Store, c *cache.Cache) {
	updates := store.Watch()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			payload, err := json.Marshal(map[string]any{
				"event":   "config:saved",
				"areas":   len(snap.Areas),
				"devices": len(snap.Devices),
				"links":   len(snap.Links),
			})
			if err != nil {
				continue
			}
			c.Publish(ctx, cache.ChannelSystemStatus, payload)
			log.Debug("runtime: config change announced", "devices", len(snap.Devices))
		}
	}
}
