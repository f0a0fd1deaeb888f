package store

import (
	"sync"
	"time"
)

// Memory is an in-memory Store, used in tests and as a stand-in when no
// database path is configured.
type Memory struct {
	mu     sync.RWMutex
	rooms  map[string][]byte
	shares map[string]shareEntry
}

type shareEntry struct {
	content   string
	createdAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		rooms:  make(map[string][]byte),
		shares: make(map[string]shareEntry),
	}
}

func (m *Memory) SaveRoom(key string, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob := make([]byte, len(snapshot))
	copy(blob, snapshot)
	m.rooms[key] = blob
	return nil
}

func (m *Memory) LoadRoom(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.rooms[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func (m *Memory) DeleteRoom(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, key)
	return nil
}

func (m *Memory) ListRoomKeys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.rooms))
	for key := range m.rooms {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m *Memory) SaveShare(id, content string, createdAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares[id] = shareEntry{content: content, createdAt: createdAt}
	return nil
}

func (m *Memory) LoadShare(id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.shares[id]
	if !ok {
		return "", ErrNotFound
	}
	return entry.content, nil
}

func (m *Memory) PurgeShares(olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for id, entry := range m.shares {
		if entry.createdAt.Before(olderThan) {
			delete(m.shares, id)
			purged++
		}
	}
	return purged, nil
}

func (m *Memory) Stats() (map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"room_count":  len(m.rooms),
		"share_count": len(m.shares),
	}, nil
}

func (m *Memory) Close() error {
	return nil
}
