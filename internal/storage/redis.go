package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-device-stack/internal/lorawan"
)

const (
	deviceSessionKeyTempl = "lora:dev:session:%s"
	devNonceKeyTempl      = "lora:dev:nonce:%s"
)

// RedisStore implements Store on Redis, the same way the network-server side
// keeps its device-sessions: one gob encoded record per DevEUI.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore wraps an existing Redis client. A zero TTL keeps records
// forever.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// SaveDeviceSession implements Store.
func (r *RedisStore) SaveDeviceSession(ctx context.Context, s DeviceSession) error {
	b, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	key := fmt.Sprintf(deviceSessionKeyTempl, s.DevEUI)
	if err := r.client.Set(ctx, key, b, r.ttl).Err(); err != nil {
		return errors.Wrap(err, "save device-session error")
	}
	return nil
}

// GetDeviceSession implements Store.
func (r *RedisStore) GetDeviceSession(ctx context.Context, devEUI lorawan.EUI64) (DeviceSession, error) {
	var s DeviceSession

	key := fmt.Sprintf(deviceSessionKeyTempl, devEUI)
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return s, ErrDoesNotExist
		}
		return s, errors.Wrap(err, "get device-session error")
	}
	if err := s.UnmarshalBinary(val); err != nil {
		return s, err
	}
	return s, nil
}

// DeleteDeviceSession implements Store.
func (r *RedisStore) DeleteDeviceSession(ctx context.Context, devEUI lorawan.EUI64) error {
	key := fmt.Sprintf(deviceSessionKeyTempl, devEUI)
	count, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return errors.Wrap(err, "delete device-session error")
	}
	if count == 0 {
		return ErrDoesNotExist
	}
	return nil
}

// SaveDevNonce implements Store.
func (r *RedisStore) SaveDevNonce(ctx context.Context, devEUI lorawan.EUI64, devNonce lorawan.DevNonce) error {
	key := fmt.Sprintf(devNonceKeyTempl, devEUI)
	if err := r.client.Set(ctx, key, uint16(devNonce), 0).Err(); err != nil {
		return errors.Wrap(err, "save dev-nonce error")
	}
	return nil
}

// GetDevNonce implements Store.
func (r *RedisStore) GetDevNonce(ctx context.Context, devEUI lorawan.EUI64) (lorawan.DevNonce, error) {
	key := fmt.Sprintf(devNonceKeyTempl, devEUI)
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, ErrDoesNotExist
		}
		return 0, errors.Wrap(err, "get dev-nonce error")
	}
	nonce, err := strconv.ParseUint(val, 10, 16)
	if err != nil {
		return 0, errors.Wrap(err, "parse dev-nonce error")
	}
	return lorawan.DevNonce(nonce), nil
}
