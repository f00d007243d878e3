// In-memory sharded trace state store
// Each shard owns a map behind its own RWMutex so unrelated traces never contend on one lock
package tracestate

import (
	"context"
	"hash/maphash"
	"sync"
	"time"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 64

// MemoryStore is a Store backed by sharded in-process maps.
// Writers hold their shard's lock across read-compare-write, which makes
// updates to a single key linearizable. Readers share the lock.
type MemoryStore struct {
	seed   maphash.Seed
	shards []memoryShard
	now    func() time.Time
}

type memoryShard struct {
	mu      sync.RWMutex
	entries map[Key]*memoryEntry
	// retain holds keys that Sweep must keep until the given time, whether or
	// not the trace has been written yet.
	retain map[Key]time.Time
}

type memoryEntry struct {
	state State
	// touched is the wall-clock time of the last applied write, used by Sweep.
	touched time.Time
}

// NewMemoryStore creates a store with the given number of shards.
// A shard count below one selects DefaultShards.
func NewMemoryStore(shards int) *MemoryStore {
	if shards < 1 {
		shards = DefaultShards
	}
	s := &MemoryStore{
		seed:   maphash.MakeSeed(),
		shards: make([]memoryShard, shards),
		now:    time.Now,
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[Key]*memoryEntry)
		s.shards[i].retain = make(map[Key]time.Time)
	}
	return s
}

func (s *MemoryStore) shard(key Key) *memoryShard {
	var h maphash.Hash
	h.SetSeed(s.seed)
	_, _ = h.WriteString(key.ProjectID)
	_ = h.WriteByte(0)
	_, _ = h.WriteString(key.TraceID)
	return &s.shards[h.Sum64()%uint64(len(s.shards))]
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(ctx context.Context, key Key, attrs Attributes, eventTime time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		sh.entries[key] = &memoryEntry{state: newState(key, attrs, eventTime), touched: s.now()}
		return true, nil
	}
	if !e.state.apply(attrs, eventTime) {
		return false, nil
	}
	e.touched = s.now()
	return true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key Key) (State, bool, error) {
	if err := ctx.Err(); err != nil {
		return State{}, false, err
	}
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.entries[key]
	if !ok {
		return State{}, false, nil
	}
	return e.state.Clone(), true, nil
}

// Retain implements Retainer. A later until extends an earlier one; an
// earlier until never shortens it.
func (s *MemoryStore) Retain(key Key, until time.Time) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.retain[key]; !ok || until.After(cur) {
		sh.retain[key] = until
	}
}

// Len returns the number of traces held.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Sweep evicts traces with no applied write in the last ttl and returns how
// many were removed. A trace retained past now is kept regardless of ttl,
// and expired retain marks are dropped.
func (s *MemoryStore) Sweep(ttl time.Duration) int {
	now := s.now()
	cutoff := now.Add(-ttl)
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, until := range sh.retain {
			if !until.After(now) {
				delete(sh.retain, k)
			}
		}
		for k, e := range sh.entries {
			if _, held := sh.retain[k]; held {
				continue
			}
			if e.touched.Before(cutoff) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval, ttl time.Duration, onSweep func(removed int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := s.Sweep(ttl)
			if onSweep != nil {
				onSweep(n)
			}
		}
	}
}
