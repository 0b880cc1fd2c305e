package kv

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same observable semantics as
// the Redis implementation. Used by tests and standalone (no-Redis) runs.
// Expiry is checked lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]memoryValue
	sets    map[string]map[string]bool
	lists   map[string][]string
	clock   func() time.Time
}

type memoryValue struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]memoryValue),
		sets:    make(map[string]map[string]bool),
		lists:   make(map[string][]string),
		clock:   time.Now,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.strings[key]
	if !ok {
		return "", ErrNotFound
	}
	if !v.expiresAt.IsZero() && s.clock().After(v.expiresAt) {
		delete(s.strings, key)
		return "", ErrNotFound
	}
	return v.value, nil
}

// SetEx implements Store.
func (s *MemoryStore) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := memoryValue{value: value}
	if ttl > 0 {
		v.expiresAt = s.clock().Add(ttl)
	}
	s.strings[key] = v
	return nil
}

// SAdd implements Store.
func (s *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]bool)
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = true
	}
	return nil
}

// SMembers implements Store.
func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out, nil
}

// SRem implements Store.
func (s *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

// RPush implements Store.
func (s *MemoryStore) RPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append(s.lists[key], values...)
	return nil
}

// LRange implements Store.
func (s *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return nil, nil
	}

	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

// Del implements Store.
func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.strings, key)
		delete(s.sets, key)
		delete(s.lists, key)
	}
	return nil
}

// Scan implements Store. The in-memory store returns all matches in a
// single batch with a zero next-cursor; callers already loop until the
// cursor is zero, so the degenerate single-page scan is transparent.
func (s *MemoryStore) Scan(_ context.Context, cursor uint64, pattern string, _ int64) (uint64, []string, error) {
	if cursor != 0 {
		return 0, nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var keys []string
	for key, v := range s.strings {
		if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
			delete(s.strings, key)
			continue
		}
		if matched, _ := path.Match(pattern, key); matched {
			keys = append(keys, key)
		}
	}
	for key := range s.sets {
		if matched, _ := path.Match(pattern, key); matched {
			keys = append(keys, key)
		}
	}
	for key := range s.lists {
		if matched, _ := path.Match(pattern, key); matched {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return 0, keys, nil
}

// Expire implements Expirer.
func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.strings[key]; ok {
		v.expiresAt = s.clock().Add(ttl)
		s.strings[key] = v
	}
	return nil
}
