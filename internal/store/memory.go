package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory keeps encoded records in process memory.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory { return &Memory{data: make(map[string][]byte)} }

func (m *Memory) Load(_ context.Context, gameID string) (*Record, error) {
	m.mu.RLock()
	raw, ok := m.data[strings.TrimSpace(gameID)]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return Decode(raw)
}

func (m *Memory) Save(_ context.Context, rec *Record) error {
	raw, err := Encode(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[strings.TrimSpace(rec.GameID)] = raw
	m.mu.Unlock()
	return nil
}

// Put stores raw bytes without encoding. Intended for migration tests and tooling.
func (m *Memory) Put(gameID string, raw []byte) {
	m.mu.Lock()
	m.data[strings.TrimSpace(gameID)] = append([]byte(nil), raw...)
	m.mu.Unlock()
}

func (m *Memory) Delete(_ context.Context, gameID string) error {
	m.mu.Lock()
	delete(m.data, strings.TrimSpace(gameID))
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.data))
	for id := range m.data {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Close() error { return nil }
