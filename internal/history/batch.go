package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/uplinklabs/netmon/internal/metrics"
	"github.com/uplinklabs/netmon/internal/model"
)

const (
	defaultMaxBatch      = 100
	defaultFlushInterval = 30 * time.Second
	// retainFactor bounds the queue after repeated flush failures; beyond
	// maxBatch*retainFactor the oldest samples are dropped.
	retainFactor = 4
)

// sample is one queued history row of either kind.
type sample struct {
	ping  *model.ProbeResult
	iface *model.InterfaceReading
}

// BatchWriter buffers probe results and interface readings and flushes them
// to the store in bounded transactions: whichever fires first of maxBatch
// samples or the flush interval. Failed batches are retained and merged
// with later samples up to maxBatch*4 before the oldest are dropped.
type BatchWriter struct {
	log   *slog.Logger
	store *Store
	clock clockwork.Clock

	maxBatch      int
	flushInterval time.Duration

	mu      sync.Mutex
	queue   []sample
	kick    chan struct{}
	dropped uint64
	flushes uint64
	failures uint64
}

// BatchConfig for the writer.
type BatchConfig struct {
	Logger        *slog.Logger
	Store         *Store
	Clock         clockwork.Clock
	MaxBatch      int
	FlushInterval time.Duration
}

// Validate checks required fields and fills defaults.
func (c *BatchConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = defaultMaxBatch
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	return nil
}

// NewBatchWriter constructs a writer; call Run to start the flush loop.
func NewBatchWriter(cfg *BatchConfig) (*BatchWriter, error) {
	if cfg == nil {
		cfg = &BatchConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("batch: error validating config: %w", err)
	}
	return &BatchWriter{
		log:           cfg.Logger,
		store:         cfg.Store,
		clock:         cfg.Clock,
		maxBatch:      cfg.MaxBatch,
		flushInterval: cfg.FlushInterval,
		kick:          make(chan struct{}, 1),
	}, nil
}

// AddPing queues one probe result.
func (w *BatchWriter) AddPing(r model.ProbeResult) {
	w.add(sample{ping: &r})
}

// AddInterface queues one interface reading.
func (w *BatchWriter) AddInterface(r model.InterfaceReading) {
	w.add(sample{iface: &r})
}

func (w *BatchWriter) add(s sample) {
	w.mu.Lock()
	w.queue = append(w.queue, s)
	full := len(w.queue) >= w.maxBatch
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

// Run flushes on the interval or when the queue reaches maxBatch, until ctx
// is done. A final synchronous flush drains remaining samples on shutdown.
func (w *BatchWriter) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.flushInterval)
	defer ticker.Stop()

	w.log.Info("batch: writer started", "maxBatch", w.maxBatch, "flushInterval", w.flushInterval)
	for {
		select {
		case <-ctx.Done():
			// Shutdown flush uses a fresh context; the loop's is done.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.drain(flushCtx)
			cancel()
			w.log.Info("batch: writer stopped")
			return
		case <-ticker.Chan():
			w.drain(ctx)
		case <-w.kick:
			w.Flush(ctx)
		}
	}
}

// Flush writes at most one maxBatch-sized batch. On failure samples are
// retained for the next cycle, dropping the oldest beyond maxBatch*4.
func (w *BatchWriter) Flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return
	}
	n := min(len(w.queue), w.maxBatch)
	batch := make([]sample, n)
	copy(batch, w.queue[:n])
	w.mu.Unlock()

	pings := make([]model.ProbeResult, 0, len(batch))
	var ifaces []model.InterfaceReading
	for _, s := range batch {
		if s.ping != nil {
			pings = append(pings, *s.ping)
		}
		if s.iface != nil {
			ifaces = append(ifaces, *s.iface)
		}
	}

	if err := w.store.InsertBatch(ctx, pings, ifaces); err != nil {
		metrics.BatchFlushesTotal.WithLabelValues("error").Inc()
		w.mu.Lock()
		w.failures++
		// The failed batch is still at the front of the queue (Flush only
		// removes samples after a successful insert); just bound the queue.
		overflow := len(w.queue) - w.maxBatch*retainFactor
		if overflow > 0 {
			w.queue = w.queue[overflow:]
			w.dropped += uint64(overflow)
			w.log.Warn("batch: queue overflow, dropping oldest samples", "dropped", overflow)
		}
		w.mu.Unlock()
		w.log.Error("batch: flush failed, batch retained", "samples", len(batch), "error", err)
		return
	}

	metrics.BatchFlushesTotal.WithLabelValues("ok").Inc()
	w.mu.Lock()
	w.flushes++
	// Remove exactly the flushed samples; anything appended since stays.
	w.queue = w.queue[n:]
	w.mu.Unlock()
}

// drain flushes until the queue is below maxBatch or a flush fails.
func (w *BatchWriter) drain(ctx context.Context) {
	for {
		w.mu.Lock()
		pending := len(w.queue)
		failures := w.failures
		w.mu.Unlock()
		if pending == 0 {
			return
		}
		w.Flush(ctx)
		w.mu.Lock()
		newPending := len(w.queue)
		failed := w.failures > failures
		w.mu.Unlock()
		if failed || newPending >= pending {
			return
		}
	}
}

// Stats is the diagnostic blob for /api/system/stats.
func (w *BatchWriter) Stats() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return map[string]any{
		"pending":  len(w.queue),
		"flushes":  w.flushes,
		"failures": w.failures,
		"dropped":  w.dropped,
		"maxBatch": w.maxBatch,
	}
}
