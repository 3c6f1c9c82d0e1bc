// Package threadstore tracks the persisted collaboration mode per thread,
// used by package policy as the fallback when a request carries no valid
// explicit mode.
package threadstore

import (
	"strings"
	"sync"

	"github.com/lattice-run/enginehost"
)

// Store is a thread-safe map from thread id to a normalized collaboration
// mode. All operations run under a single exclusive lock; each is O(1).
type Store struct {
	mu    sync.Mutex
	modes map[enginehost.ThreadID]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{modes: make(map[enginehost.ThreadID]string)}
}

// Set normalizes mode (case-insensitive, trimmed) and stores it for
// thread. If the normalized value is not one of the accepted tokens
// ("plan", "code"), any existing entry for thread is removed instead.
func (s *Store) Set(thread enginehost.ThreadID, mode string) {
	norm := normalize(mode)

	s.mu.Lock()
	defer s.mu.Unlock()
	if norm == "" {
		delete(s.modes, thread)
		return
	}
	s.modes[thread] = norm
}

// Get returns the stored mode for thread and whether one is present.
func (s *Store) Get(thread enginehost.ThreadID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modes[thread]
	return m, ok
}

// Inherit copies parent's mode to child if present; otherwise it is a
// no-op. Any prior mode recorded for child is overwritten. The read and
// the write are not atomic as a pair, but each individually uses the
// store's normal locking, matching §4.8's "compound, not atomic" note.
func (s *Store) Inherit(parent, child enginehost.ThreadID) {
	mode, ok := s.Get(parent)
	if !ok {
		return
	}
	s.Set(child, mode)
}

func normalize(mode string) string {
	m := strings.ToLower(strings.TrimSpace(mode))
	if m != string(enginehost.ModePlan) && m != string(enginehost.ModeCode) {
		return ""
	}
	return m
}
