package kv

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is the in-process Store adapter. TTLs are enforced lazily:
// expired entries are discarded when next touched.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	closed  bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// live returns the entry under key, discarding it when expired.
// Caller must hold mu.
func (s *MemoryStore) live(key string, now time.Time) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func expiryAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	e, ok := s.live(key, time.Now())
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	now := time.Now()
	s.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: expiryAt(now, ttl),
	}
	return nil
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	now := time.Now()
	if _, ok := s.live(key, now); ok {
		return false, nil
	}
	s.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: expiryAt(now, ttl),
	}
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	now := time.Now()
	e, ok := s.live(key, now)
	var cur int64
	if ok {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		cur = parsed
	}
	cur++
	// INCR preserves any existing expiry, matching Redis.
	s.entries[key] = memoryEntry{
		value:     []byte(strconv.FormatInt(cur, 10)),
		expiresAt: e.expiresAt,
	}
	return cur, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, expected, next []byte, ttl time.Duration) (CASOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	now := time.Now()
	e, ok := s.live(key, now)
	if !ok {
		return CASMissing, nil
	}
	if !bytes.Equal(e.value, expected) {
		return CASConflict, nil
	}
	s.entries[key] = memoryEntry{
		value:     append([]byte(nil), next...),
		expiresAt: expiryAt(now, ttl),
	}
	return CASApplied, nil
}

func (s *MemoryStore) Health(_ context.Context) (time.Duration, error) {
	start := time.Now()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	return time.Since(start), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.entries = nil
	return nil
}
