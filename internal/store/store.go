// Package store holds the in-memory fingerprint -> completions map.
package store

import (
	"sync"

	recall "github.com/recall-proxy/recall/internal"
)

// Store maps fingerprints to ordered completion lists. Entries grow only;
// they are never reordered, deduplicated, or trimmed except by Clear.
// All operations are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[recall.Fingerprint][]recall.Completion
	total   int
}

// New creates an empty Store.
func New() *Store {
	return &Store{entries: make(map[recall.Fingerprint][]recall.Completion)}
}

// List returns a snapshot copy of the entry for f, or nil. Callers must
// never observe later appends through the returned slice; a previous
// revision returned the internal slice and a concurrent append became
// visible in a response that had already been assembled.
func (s *Store) List(f recall.Fingerprint) []recall.Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[f]
	if len(entry) == 0 {
		return nil
	}
	out := make([]recall.Completion, len(entry))
	copy(out, entry)
	return out
}

// Append adds completions to the entry for f, creating it if absent.
func (s *Store) Append(f recall.Fingerprint, completions []recall.Completion) {
	if len(completions) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[f] = append(s.entries[f], completions...)
	s.total += len(completions)
}

// Clear empties the map.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[recall.Fingerprint][]recall.Completion)
	s.total = 0
}

// Keys returns the number of distinct fingerprints.
func (s *Store) Keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Total returns the number of completions across all entries.
func (s *Store) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
