// Package session tracks the live connections of one game and fans events out
// to them.
package session

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/park285/cheese-sync/internal/domain"
)

// Handle is the transport side of one connection. Implementations must be
// comparable (pointer types) and Close must be idempotent.
type Handle interface {
	Send(ctx context.Context, payload []byte) error
	Close(reason string)
}

type entry struct {
	rec    domain.ConnectionRecord
	handle Handle
	seq    uint64
}

// Registry maps connection id to its record and transport handle.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*entry
	seq  uint64
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*entry)}
}

// Join registers rec under its connection id. A second join with the same id
// replaces the prior record and returns its handle.
func (r *Registry) Join(rec domain.ConnectionRecord, h Handle) (prior Handle, replaced bool) {
	id := strings.TrimSpace(rec.ConnectionID)
	rec.ConnectionID = id
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byID[id]; ok {
		prior, replaced = old.handle, true
	}
	r.seq++
	r.byID[id] = &entry{rec: rec, handle: h, seq: r.seq}
	return prior, replaced
}

// Leave removes the record owned by h. A handle that was replaced by a later
// join owns nothing and Leave reports false.
func (r *Registry) Leave(h Handle) (domain.ConnectionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.byID {
		if e.handle == h {
			delete(r.byID, id)
			return e.rec, true
		}
	}
	return domain.ConnectionRecord{}, false
}

// Lookup returns the record registered under id.
func (r *Registry) Lookup(id string) (domain.ConnectionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[strings.TrimSpace(id)]
	if !ok {
		return domain.ConnectionRecord{}, false
	}
	return e.rec, true
}

// ListActive returns all records ordered by join.
func (r *Registry) ListActive() []domain.ConnectionRecord {
	entries := r.ordered()
	out := make([]domain.ConnectionRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.rec)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) ordered() []entry {
	r.mu.RLock()
	out := make([]entry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, *e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
