// Package snapshot implements the persisted snapshot store: a string-valued
// key/value surface the sync engine writes conversation, canvas, and
// identity snapshots through. Keys are disjoint per conversation/canvas, and
// within one key the last writer wins.
//
// Backends may be unavailable or fail mid-session; callers treat every error
// as degradation to in-memory-only operation, never as fatal.
package snapshot

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by Get when the key has no stored value.
var ErrNotFound = errors.New("snapshot: key not found")

// Store is the synchronous key/value contract.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Remove(key string) error
}

// Memory is the in-process fallback Store. The zero value is not usable;
// construct with NewMemory.
type Memory struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{m: make(map[string]string)}
}

// Get returns the stored value or ErrNotFound.
func (s *Memory) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set stores value under key, overwriting any prior value.
func (s *Memory) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Memory) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}
