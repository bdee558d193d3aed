package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/uplinklabs/netmon/internal/model"
)

// localStore is the in-process tier: ttlcache-backed maps with the same
// keys and TTL semantics as the Redis tier, plus a process-local broker.
type localStore struct {
	ttl time.Duration

	devices    *ttlcache.Cache[string, model.DeviceStatus]
	interfaces *ttlcache.Cache[string, model.InterfaceReading]
	wireless   *ttlcache.Cache[string, model.WirelessSample]

	broker *broker
}

func newLocalStore(ttl time.Duration) *localStore {
	s := &localStore{
		ttl:        ttl,
		devices:    ttlcache.New(ttlcache.WithTTL[string, model.DeviceStatus](ttl)),
		interfaces: ttlcache.New(ttlcache.WithTTL[string, model.InterfaceReading](ttl)),
		wireless:   ttlcache.New(ttlcache.WithTTL[string, model.WirelessSample](ttl)),
		broker:     newBroker(),
	}
	go s.devices.Start()
	go s.interfaces.Start()
	go s.wireless.Start()
	return s
}

func (s *localStore) setDeviceStatus(st model.DeviceStatus) {
	s.devices.Set(st.DeviceID, st, s.ttl)
}

func (s *localStore) deviceStatus(deviceID string) (model.DeviceStatus, bool) {
	item := s.devices.Get(deviceID)
	if item == nil {
		return model.DeviceStatus{}, false
	}
	return item.Value(), true
}

func (s *localStore) allDeviceStatuses() map[string]model.DeviceStatus {
	out := make(map[string]model.DeviceStatus)
	s.devices.Range(func(item *ttlcache.Item[string, model.DeviceStatus]) bool {
		out[item.Key()] = item.Value()
		return true
	})
	return out
}

func (s *localStore) setInterface(r model.InterfaceReading) {
	s.interfaces.Set(interfaceKey(r.DeviceID, r.IfIndex), r, s.ttl)
}

func (s *localStore) interfacesForDevice(deviceID string) []model.InterfaceReading {
	var out []model.InterfaceReading
	s.interfaces.Range(func(item *ttlcache.Item[string, model.InterfaceReading]) bool {
		if item.Value().DeviceID == deviceID {
			out = append(out, item.Value())
		}
		return true
	})
	return out
}

func (s *localStore) setWireless(w model.WirelessSample) {
	s.wireless.Set(w.DeviceID, w, s.ttl)
}

func (s *localStore) invalidate() {
	s.devices.DeleteAll()
	s.interfaces.DeleteAll()
	s.wireless.DeleteAll()
}

func (s *localStore) deviceCount() int { return s.devices.Len() }

func interfaceKey(deviceID string, ifIndex int) string {
	return fmt.Sprintf("%s:%d", deviceID, ifIndex)
}

// broker is the process-local pub/sub fan-out. Subscribers get a buffered
// channel; events are dropped (at-most-once) when a subscriber is full.
type broker struct {
	mu   sync.Mutex
	next int
	subs map[int]*subscriber
}

type subscriber struct {
	ch       chan Event
	channels map[string]bool // empty means all channels
}

const subscriberBuffer = 64

func newBroker() *broker {
	return &broker{subs: make(map[int]*subscriber)}
}

func (b *broker) subscribe(ctx context.Context, channels ...string) <-chan Event {
	sub := &subscriber{
		ch:       make(chan Event, subscriberBuffer),
		channels: make(map[string]bool, len(channels)),
	}
	for _, c := range channels {
		sub.channels[c] = true
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch
}

func (b *broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if len(sub.channels) > 0 && !sub.channels[ev.Channel] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Subscriber is falling behind; drop rather than block the
			// publishing path.
		}
	}
}

func (b *broker) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
