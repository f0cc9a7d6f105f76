// Package store provides a minimal in-memory key-value dataset implementing
// the persistence.Store contract. Its internal representation — a single
// mutex-guarded map — is intentionally simple: the persistence core only
// cares about the snapshot/restore/change-tracking contract
// persistence.Manager depends on, not how keys are stored in memory.
package store

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/redikv/redikv/persistence"
)

// record is the in-memory representation of one key: its current value and
// an optional absolute expiry in milliseconds since the Unix epoch.
type record struct {
	value    persistence.Value
	expireAt int64 // persistence.NoExpiry if none
}

// Store is a mutex-guarded in-memory key-value dataset. It satisfies
// persistence.Store and persistence.WriteHookable.
type Store struct {
	mu   sync.RWMutex
	data map[string]record

	writeHook func()
	logger    *log.Logger
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		data:   make(map[string]record),
		logger: log.Default(),
	}
}

// SetWriteHook registers fn to be called after every mutation. Used by
// persistence.NewManager to wire NoteWrite in without this package needing
// to import persistence's Manager type.
func (s *Store) SetWriteHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeHook = fn
}

func (s *Store) noteWrite() {
	if s.writeHook != nil {
		s.writeHook()
	}
}

// Snapshot returns a point-in-time copy of every live (non-expired) entry.
// The copy is taken under a read lock held only for the duration of the
// map walk; no lock is held during encoding or I/O.
func (s *Store) Snapshot() ([]persistence.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UnixMilli()
	entries := make([]persistence.Entry, 0, len(s.data))
	for key, rec := range s.data {
		if rec.expireAt != persistence.NoExpiry && rec.expireAt <= now {
			continue
		}
		entries = append(entries, persistence.Entry{
			Key:      []byte(key),
			Value:    cloneValue(rec.value),
			ExpiryAt: rec.expireAt,
		})
	}
	return entries, nil
}

// Restore atomically replaces the store's contents with entries. It builds
// the new map fully before swapping it in, so a caller that aborts midway
// (by simply not calling Restore again) never observes a partial dataset.
func (s *Store) Restore(entries []persistence.Entry) error {
	data := make(map[string]record, len(entries))
	for _, e := range entries {
		data[string(e.Key)] = record{value: e.Value, expireAt: e.ExpiryAt}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.logger.Debug("store restored", "keys", len(data))
	return nil
}

// Get returns the value stored at key and whether it exists and is live.
func (s *Store) Get(key string) (persistence.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[key]
	if !ok {
		return persistence.Value{}, false
	}
	if rec.expireAt != persistence.NoExpiry && rec.expireAt <= time.Now().UnixMilli() {
		return persistence.Value{}, false
	}
	return rec.value, true
}

// SetString stores a string value at key with an optional absolute expiry
// in milliseconds since the epoch (persistence.NoExpiry for none).
func (s *Store) SetString(key string, val []byte, expireAt int64) {
	s.set(key, persistence.Value{Kind: persistence.KindString, Str: val}, expireAt)
}

// SetInt stores an integer value at key.
func (s *Store) SetInt(key string, val int64, expireAt int64) {
	s.set(key, persistence.Value{Kind: persistence.KindInt, Int: val}, expireAt)
}

// SetList stores a list value at key.
func (s *Store) SetList(key string, val [][]byte, expireAt int64) {
	s.set(key, persistence.Value{Kind: persistence.KindList, List: val}, expireAt)
}

// SetSet stores a set value at key.
func (s *Store) SetSet(key string, val [][]byte, expireAt int64) {
	s.set(key, persistence.Value{Kind: persistence.KindSet, Set: val}, expireAt)
}

// SetHash stores a hash value at key.
func (s *Store) SetHash(key string, val map[string][]byte, expireAt int64) {
	s.set(key, persistence.Value{Kind: persistence.KindHash, Hash: val}, expireAt)
}

// SetZSet stores a sorted-set value at key.
func (s *Store) SetZSet(key string, val map[string]float64, expireAt int64) {
	s.set(key, persistence.Value{Kind: persistence.KindZSet, ZSet: val}, expireAt)
}

func (s *Store) set(key string, val persistence.Value, expireAt int64) {
	s.mu.Lock()
	s.data[key] = record{value: val, expireAt: expireAt}
	s.mu.Unlock()
	s.noteWrite()
}

// Del removes key. It reports whether the key existed.
func (s *Store) Del(key string) bool {
	s.mu.Lock()
	_, existed := s.data[key]
	delete(s.data, key)
	s.mu.Unlock()
	s.noteWrite()
	return existed
}

// Len returns the number of keys currently stored, including expired keys:
// they stay in the map until overwritten, deleted or replaced by Restore.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func cloneValue(v persistence.Value) persistence.Value {
	out := persistence.Value{Kind: v.Kind, Int: v.Int}
	if v.Str != nil {
		out.Str = append([]byte(nil), v.Str...)
	}
	if v.List != nil {
		out.List = make([][]byte, len(v.List))
		for i, item := range v.List {
			out.List[i] = append([]byte(nil), item...)
		}
	}
	if v.Set != nil {
		out.Set = make([][]byte, len(v.Set))
		for i, item := range v.Set {
			out.Set[i] = append([]byte(nil), item...)
		}
	}
	if v.Hash != nil {
		out.Hash = make(map[string][]byte, len(v.Hash))
		for k, val := range v.Hash {
			out.Hash[k] = append([]byte(nil), val...)
		}
	}
	if v.ZSet != nil {
		out.ZSet = make(map[string]float64, len(v.ZSet))
		for k, val := range v.ZSet {
			out.ZSet[k] = val
		}
	}
	return out
}
