// Package cancel holds the per-job cooperative cancellation flags.
package cancel

import (
	"sync"
	"sync/atomic"
)

// Flag is a one-way cancellation signal. The zero value is ready to use.
type Flag struct {
	set  atomic.Bool
	once sync.Once
	mu   sync.Mutex
	ch   chan struct{}
}

// Set raises the flag. Safe to call more than once.
func (f *Flag) Set() {
	f.set.Store(true)
	f.once.Do(func() {
		close(f.done())
	})
}

// Cancelled reports whether the flag has been raised.
func (f *Flag) Cancelled() bool {
	return f.set.Load()
}

// Done returns a channel that is closed once the flag is raised.
func (f *Flag) Done() <-chan struct{} {
	return f.done()
}

func (f *Flag) done() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch == nil {
		f.ch = make(chan struct{})
	}
	return f.ch
}

// Store maps job IDs to flags.
type Store struct {
	mu    sync.RWMutex
	flags map[string]*Flag
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{flags: make(map[string]*Flag)}
}

// Create registers a fresh flag for jobID, replacing any previous one.
func (s *Store) Create(jobID string) *Flag {
	f := &Flag{}
	s.mu.Lock()
	s.flags[jobID] = f
	s.mu.Unlock()
	return f
}

// Get returns the flag for jobID.
func (s *Store) Get(jobID string) (*Flag, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flags[jobID]
	return f, ok
}

// Set raises the flag for jobID. It returns false if no flag exists.
func (s *Store) Set(jobID string) bool {
	f, ok := s.Get(jobID)
	if !ok {
		return false
	}
	f.Set()
	return true
}

// Discard forgets the flag for jobID.
func (s *Store) Discard(jobID string) {
	s.mu.Lock()
	delete(s.flags, jobID)
	s.mu.Unlock()
}

// Len returns the number of live flags.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flags)
}
