// Package memory provides single-instance implementations of the narrow storage contracts.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/turtacn/paygate/internal/domain/service"
)

var _ service.AtomicStore = (*AtomicStore)(nil)

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e entry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// AtomicStore is a mutex-guarded map with TTLs read from an injected Clock.
type AtomicStore struct {
	mu    sync.Mutex
	data  map[string]entry
	clock service.Clock
}

// NewAtomicStore creates an empty store.
func NewAtomicStore(clock service.Clock) *AtomicStore {
	if clock == nil {
		clock = service.SystemClock{}
	}
	return &AtomicStore{data: make(map[string]entry), clock: clock}
}

func (s *AtomicStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

// lookup returns the live entry under key, dropping it if expired. Callers hold mu.
func (s *AtomicStore) lookup(key string) (entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.live(s.clock.Now()) {
		delete(s.data, key)
		return entry{}, false
	}
	return e, true
}

func (s *AtomicStore) PutIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.data[key] = entry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *AtomicStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	return e.value, ok, nil
}

func (s *AtomicStore) CompareAndSwap(_ context.Context, key, old, new string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok || e.value != old {
		return false, nil
	}
	s.data[key] = entry{value: new, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *AtomicStore) Take(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if ok {
		delete(s.data, key)
	}
	return e.value, ok, nil
}

func (s *AtomicStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Sweep removes expired entries and returns how many it dropped.
func (s *AtomicStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for k, e := range s.data {
		if !e.live(now) {
			delete(s.data, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, including not yet swept expired ones.
func (s *AtomicStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
