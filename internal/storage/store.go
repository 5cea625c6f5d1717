package storage

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-device-stack/internal/lorawan"
)

// ErrDoesNotExist is returned when the requested record is not stored.
var ErrDoesNotExist = errors.New("storage: object does not exist")

// Store persists device-sessions and the per-device DevNonce counter.
type Store interface {
	SaveDeviceSession(ctx context.Context, s DeviceSession) error
	GetDeviceSession(ctx context.Context, devEUI lorawan.EUI64) (DeviceSession, error)
	DeleteDeviceSession(ctx context.Context, devEUI lorawan.EUI64) error

	SaveDevNonce(ctx context.Context, devEUI lorawan.EUI64, devNonce lorawan.DevNonce) error
	GetDevNonce(ctx context.Context, devEUI lorawan.EUI64) (lorawan.DevNonce, error)
}

// MemoryStore implements Store in memory, for tests and volatile setups.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[lorawan.EUI64][]byte
	nonces   map[lorawan.EUI64]lorawan.DevNonce
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[lorawan.EUI64][]byte),
		nonces:   make(map[lorawan.EUI64]lorawan.DevNonce),
	}
}

// SaveDeviceSession implements Store.
func (m *MemoryStore) SaveDeviceSession(_ context.Context, s DeviceSession) error {
	b, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sessions[s.DevEUI] = b
	m.mu.Unlock()
	return nil
}

// GetDeviceSession implements Store.
func (m *MemoryStore) GetDeviceSession(_ context.Context, devEUI lorawan.EUI64) (DeviceSession, error) {
	m.mu.Lock()
	b, ok := m.sessions[devEUI]
	m.mu.Unlock()

	var s DeviceSession
	if !ok {
		return s, ErrDoesNotExist
	}
	if err := s.UnmarshalBinary(b); err != nil {
		return s, err
	}
	return s, nil
}

// DeleteDeviceSession implements Store.
func (m *MemoryStore) DeleteDeviceSession(_ context.Context, devEUI lorawan.EUI64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[devEUI]; !ok {
		return ErrDoesNotExist
	}
	delete(m.sessions, devEUI)
	return nil
}

// SaveDevNonce implements Store.
func (m *MemoryStore) SaveDevNonce(_ context.Context, devEUI lorawan.EUI64, devNonce lorawan.DevNonce) error {
	m.mu.Lock()
	m.nonces[devEUI] = devNonce
	m.mu.Unlock()
	return nil
}

// GetDevNonce implements Store.
func (m *MemoryStore) GetDevNonce(_ context.Context, devEUI lorawan.EUI64) (lorawan.DevNonce, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nonces[devEUI]
	if !ok {
		return 0, ErrDoesNotExist
	}
	return n, nil
}
