package config

import (
	"sync/atomic"
)

// Store holds the current configuration snapshot. Readers get an immutable
// snapshot; Reload swaps the pointer atomically so jobs that already captured
// a snapshot are unaffected.
type Store struct {
	current atomic.Pointer[Snapshot]
	loader  func() *Snapshot
}

// NewStore creates a store around a loader function and performs the initial load.
func NewStore(loader func() *Snapshot) *Store {
	if loader == nil {
		loader = Load
	}
	s := &Store{loader: loader}
	s.current.Store(loader())
	return s
}

// Snapshot returns the current configuration snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Reload loads a fresh snapshot and swaps it in. Returns the new snapshot.
func (s *Store) Reload() *Snapshot {
	snap := s.loader()
	s.current.Store(snap)
	return snap
}
