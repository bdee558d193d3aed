package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uplinklabs/netmon/internal/model"
)

// Key prefixes in the Redis tier.
const (
	keyDeviceStatus    = "device:status:"
	keyInterfaceStatus = "interface:status:"
	keyWirelessStatus  = "wireless:status:"
)

// redisStore is the external tier. All errors bubble up to the facade,
// which handles fallback; nothing here retries.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisStore(addr, password string, ttl time.Duration) *redisStore {
	return &redisStore{
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		}),
		ttl: ttl,
	}
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) SetDeviceStatus(ctx context.Context, st model.DeviceStatus) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode device status: %w", err)
	}
	return s.client.Set(ctx, keyDeviceStatus+st.DeviceID, raw, s.ttl).Err()
}

func (s *redisStore) DeviceStatus(ctx context.Context, deviceID string) (model.DeviceStatus, bool, error) {
	raw, err := s.client.Get(ctx, keyDeviceStatus+deviceID).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.DeviceStatus{}, false, nil
	}
	if err != nil {
		return model.DeviceStatus{}, false, err
	}
	var st model.DeviceStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return model.DeviceStatus{}, false, fmt.Errorf("decode device status: %w", err)
	}
	return st, true, nil
}

func (s *redisStore) AllDeviceStatuses(ctx context.Context) (map[string]model.DeviceStatus, error) {
	out := make(map[string]model.DeviceStatus)
	iter := s.client.Scan(ctx, 0, keyDeviceStatus+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, err
		}
		var st model.DeviceStatus
		if err := json.Unmarshal(raw, &st); err != nil {
			continue
		}
		out[st.DeviceID] = st
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *redisStore) SetInterface(ctx context.Context, r model.InterfaceReading) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode interface reading: %w", err)
	}
	key := fmt.Sprintf("%s%s:%d", keyInterfaceStatus, r.DeviceID, r.IfIndex)
	return s.client.Set(ctx, key, raw, s.ttl).Err()
}

func (s *redisStore) InterfacesForDevice(ctx context.Context, deviceID string) ([]model.InterfaceReading, error) {
	var out []model.InterfaceReading
	iter := s.client.Scan(ctx, 0, keyInterfaceStatus+deviceID+":*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var r model.InterfaceReading
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *redisStore) SetWireless(ctx context.Context, w model.WirelessSample) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode wireless sample: %w", err)
	}
	return s.client.Set(ctx, keyWirelessStatus+w.DeviceID, raw, s.ttl).Err()
}

func (s *redisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

func (s *redisStore) Invalidate(ctx context.Context) error {
	for _, prefix := range []string{keyDeviceStatus, keyInterfaceStatus, keyWirelessStatus} {
		iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
				return err
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
	}
	return nil
}
