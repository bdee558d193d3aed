// Package cache is the hot state tier: latest per-device status, SNMP
// interface readings, and wireless samples, each with a one hour TTL, plus
// the pub/sub channels that drive WebSocket push.
//
// When Redis is configured and reachable it is the primary tier so multiple
// readers can share state; otherwise an in-process tier with identical
// semantics serves alone. Writes always land in the in-process tier too, so
// a Redis outage degrades silently instead of erroring.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/uplinklabs/netmon/internal/model"
)

// Pub/sub channels. Payloads are JSON. Delivery is at-most-once and
// unordered across channels.
const (
	ChannelDeviceUpdate    = "device:update"
	ChannelInterfaceUpdate = "interface:update"
	ChannelWirelessUpdate  = "wireless:update"
	ChannelAlertFlapping   = "alert:flapping"
	ChannelSystemStatus    = "system:status"
)

// Event is one published pub/sub message.
type Event struct {
	Channel string
	Payload []byte
}

const defaultTTL = time.Hour

// Config for the cache facade.
type Config struct {
	Logger        *slog.Logger
	RedisAddr     string // empty disables the Redis tier
	RedisPassword string
	TTL           time.Duration
	RetryInterval time.Duration // cadence of Redis recovery pings
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	return nil
}

// Cache fronts the two tiers. All methods are safe for concurrent use.
type Cache struct {
	log *slog.Logger
	cfg *Config

	local *localStore
	redis *redisStore // nil when no Redis address is configured

	degraded atomic.Bool // Redis configured but currently unreachable

	// lastApplied gates device status writes so a late-arriving older probe
	// result never overwrites a newer one.
	mu          sync.Mutex
	lastApplied map[string]time.Time
}

// New builds the cache. A configured but unreachable Redis is not an error;
// the cache starts in local mode and recovers in the background once Run
// is started.
func New(ctx context.Context, cfg *Config) (*Cache, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		log:         cfg.Logger,
		cfg:         cfg,
		local:       newLocalStore(cfg.TTL),
		lastApplied: make(map[string]time.Time),
	}
	if cfg.RedisAddr != "" {
		c.redis = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.TTL)
		if err := c.redis.Ping(ctx); err != nil {
			c.degraded.Store(true)
			c.log.Warn("cache: redis unreachable, falling back to local tier", "addr", cfg.RedisAddr, "error", err)
		} else {
			c.log.Info("cache: redis tier active", "addr", cfg.RedisAddr)
		}
	}
	return c, nil
}

// Run keeps probing a degraded Redis tier until it recovers or ctx ends.
func (c *Cache) Run(ctx context.Context) {
	if c.redis == nil {
		return
	}
	ticker := time.NewTicker(c.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.degraded.Load() {
				continue
			}
			op := func() (struct{}, error) { return struct{}{}, c.redis.Ping(ctx) }
			if _, err := backoff.Retry(ctx, op,
				backoff.WithBackOff(backoff.NewExponentialBackOff()),
				backoff.WithMaxElapsedTime(c.cfg.RetryInterval/2)); err == nil {
				c.degraded.Store(false)
				c.log.Info("cache: redis tier recovered", "addr", c.cfg.RedisAddr)
			}
		}
	}
}

// Mode reports the active tier: "redis" or "local".
func (c *Cache) Mode() string {
	if c.redisHealthy() {
		return "redis"
	}
	return "local"
}

func (c *Cache) redisHealthy() bool {
	return c.redis != nil && !c.degraded.Load()
}

// redisDo runs op against the Redis tier; on failure it flips to local mode
// and logs once per transition. Callers never see the error.
func (c *Cache) redisDo(op func() error) {
	if !c.redisHealthy() {
		return
	}
	if err := op(); err != nil {
		if c.degraded.CompareAndSwap(false, true) {
			c.log.Warn("cache: redis error, falling back to local tier", "error", err)
		}
	}
}

// SetDeviceStatus stores the latest status for a device, refreshes its TTL,
// and publishes a device:update event. Writes older than the currently
// applied status for the device are dropped.
func (c *Cache) SetDeviceStatus(ctx context.Context, st model.DeviceStatus) {
	c.mu.Lock()
	if prev, ok := c.lastApplied[st.DeviceID]; ok && st.LastChecked.Before(prev) {
		c.mu.Unlock()
		return
	}
	c.lastApplied[st.DeviceID] = st.LastChecked
	c.mu.Unlock()

	c.local.setDeviceStatus(st)
	c.redisDo(func() error { return c.redis.SetDeviceStatus(ctx, st) })

	payload, err := json.Marshal(st)
	if err != nil {
		c.log.Error("cache: encode device status", "device", st.DeviceID, "error", err)
		return
	}
	c.Publish(ctx, ChannelDeviceUpdate, payload)
}

// DeviceStatus returns the cached status for a device, if fresh.
func (c *Cache) DeviceStatus(ctx context.Context, deviceID string) (model.DeviceStatus, bool) {
	if c.redisHealthy() {
		if st, ok, err := c.redis.DeviceStatus(ctx, deviceID); err == nil {
			return st, ok
		}
	}
	return c.local.deviceStatus(deviceID)
}

// AllDeviceStatuses returns every fresh cached device status keyed by id.
func (c *Cache) AllDeviceStatuses(ctx context.Context) map[string]model.DeviceStatus {
	if c.redisHealthy() {
		if out, err := c.redis.AllDeviceStatuses(ctx); err == nil {
			return out
		}
	}
	return c.local.allDeviceStatuses()
}

// SetInterface stores an SNMP interface reading and publishes
// interface:update.
func (c *Cache) SetInterface(ctx context.Context, r model.InterfaceReading) {
	c.local.setInterface(r)
	c.redisDo(func() error { return c.redis.SetInterface(ctx, r) })

	payload, err := json.Marshal(r)
	if err != nil {
		c.log.Error("cache: encode interface reading", "device", r.DeviceID, "error", err)
		return
	}
	c.Publish(ctx, ChannelInterfaceUpdate, payload)
}

// InterfacesForDevice returns the fresh interface readings for a device.
func (c *Cache) InterfacesForDevice(ctx context.Context, deviceID string) []model.InterfaceReading {
	if c.redisHealthy() {
		if out, err := c.redis.InterfacesForDevice(ctx, deviceID); err == nil {
			return out
		}
	}
	return c.local.interfacesForDevice(deviceID)
}

// SetWireless stores a wireless sample and publishes wireless:update.
func (c *Cache) SetWireless(ctx context.Context, s model.WirelessSample) {
	c.local.setWireless(s)
	c.redisDo(func() error { return c.redis.SetWireless(ctx, s) })

	payload, err := json.Marshal(s)
	if err != nil {
		c.log.Error("cache: encode wireless sample", "device", s.DeviceID, "error", err)
		return
	}
	c.Publish(ctx, ChannelWirelessUpdate, payload)
}

// Publish sends a payload on a channel. In-process subscribers always
// receive it (at-most-once, lossy when their buffer is full); the Redis
// tier is mirrored for external consumers when healthy.
func (c *Cache) Publish(ctx context.Context, channel string, payload []byte) {
	c.local.broker.publish(Event{Channel: channel, Payload: payload})
	c.redisDo(func() error { return c.redis.Publish(ctx, channel, payload) })
}

// Subscribe returns a channel receiving events published on the given
// channels until ctx is done. No replay, no ordering across channels.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) <-chan Event {
	return c.local.broker.subscribe(ctx, channels...)
}

// Invalidate drops all cached entries in both tiers. Called after a history
// reset so stale state is not served.
func (c *Cache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.lastApplied = make(map[string]time.Time)
	c.mu.Unlock()
	c.local.invalidate()
	c.redisDo(func() error { return c.redis.Invalidate(ctx) })
	c.log.Info("cache: invalidated")
}

// Stats is the diagnostic blob for /api/system/stats.
func (c *Cache) Stats() map[string]any {
	return map[string]any{
		"mode":        c.Mode(),
		"devices":     c.local.deviceCount(),
		"subscribers": c.local.broker.subscriberCount(),
	}
}
