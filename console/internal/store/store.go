package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/devwatch/devwatch/pkg/types"
)

// Entry is the merged status of one device and when it last changed.
type Entry struct {
	Status    types.DeviceStatusUpdate
	UpdatedAt time.Time
}

// Store is a thread-safe in-memory device status store keyed by device id.
// Updates are partial: a field missing from a new update keeps its previous
// value. A background goroutine (Run) evicts devices that have gone quiet for
// longer than the TTL.
type Store struct {
	mu   sync.RWMutex
	data map[int]*Entry
	ttl  time.Duration
	now  func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given TTL.
func New(ttl time.Duration) *Store {
	return &Store{
		data: make(map[int]*Entry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Put merges u into the device's entry and returns the merged status.
// Updates without a device id are dropped and returned unchanged.
func (s *Store) Put(u types.DeviceStatusUpdate) types.DeviceStatusUpdate {
	if u.DeviceID == 0 {
		return u
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := u
	if prev, ok := s.data[u.DeviceID]; ok {
		merged = u.Merge(prev.Status)
	}
	s.data[u.DeviceID] = &Entry{Status: merged, UpdatedAt: s.now()}
	return merged
}

// SetOnline records an explicit online transition for id.
func (s *Store) SetOnline(id int, online bool) types.DeviceStatusUpdate {
	return s.Put(types.DeviceStatusUpdate{DeviceID: id, IsOnline: types.Bool(online)})
}

// Get returns a copy of the entry for id. The entry may be stale if the TTL
// has elapsed but Run has not evicted it yet.
func (s *Store) Get(id int) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns the live entries ordered by device id.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-s.ttl)
	out := make([]Entry, 0, len(s.data))
	for _, e := range s.data {
		if e.UpdatedAt.After(cutoff) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status.DeviceID < out[j].Status.DeviceID })
	return out
}

// TTL returns the eviction window.
func (s *Store) TTL() time.Duration { return s.ttl }

// Count returns the number of entries held, stale ones included.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes entries not updated since now minus TTL and returns how many
// were removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for id, e := range s.data {
		if !e.UpdatedAt.After(cutoff) {
			delete(s.data, id)
			removed++
		}
	}
	return removed
}

// Run evicts stale entries every TTL/2 (at least once a second) until ctx is
// cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted quiet devices", "count", n)
			}
		}
	}
}
