// Package store implements the namespaced key-value coordination substrate.
// Every component of the pipeline communicates through a Store rather than
// through direct calls: units write their outputs here, the scheduler reads
// readiness from here, and gate verdicts and retry records land here.
//
// The store is pure coordination state. Keys are write-many (last write
// wins), every read exposes the version it observed, and nothing is deleted
// except at run teardown.
package store

import (
	"errors"
	"sync"
	"time"
)

// ErrUnavailable indicates the backing medium cannot be reached. This is
// fatal for the current run; no component proceeds with a partial read.
var ErrUnavailable = errors.New("store unavailable")

// Entry is one (namespace, key) record.
type Entry struct {
	Value     string    `json:"value"`
	Version   int64     `json:"version"`
	WrittenAt time.Time `json:"written_at"`
}

// Store is the coordination substrate contract.
//
// Reading a missing key returns found=false, never a default value, so a
// unit can never silently operate on empty state.
type Store interface {
	// Put writes an entry and returns the store-wide version it was
	// assigned. Every Put advances the dirty counter and wakes
	// subscribers.
	Put(namespace, key, value string) (int64, error)

	// Get reads an entry along with the version observed.
	Get(namespace, key string) (Entry, bool, error)

	// Delete removes an entry. Used only at run teardown.
	Delete(namespace, key string) error

	// Dirty returns the current value of the store-wide dirty counter.
	Dirty() int64

	// Subscribe returns a coalesced signal channel that fires after every
	// Put. The returned cancel func must be called when done.
	Subscribe() (<-chan struct{}, func())

	Close() error
}

// subscribers is the shared edge-triggered notification fan-out used by
// both backends. Signals are coalesced: a subscriber that has not drained
// its channel yet does not queue further wakeups.
type subscribers struct {
	mu   sync.Mutex
	next int
	subs map[int]chan struct{}
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[int]chan struct{})}
}

func (s *subscribers) subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *subscribers) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
