// Package tagstore provides the key-locked in-memory tag cache.
//
// Every read returns a copy, every write stores a copy, and read-modify-write
// cycles run under the tag's own lock through Compute. Change listeners are
// notified after the lock is released.
package tagstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"tagflow/keylock"
	"tagflow/logging"
	"tagflow/tag"
)

// ErrNotFound is returned when a tag id is not present in a store.
var ErrNotFound = errors.New("tag not found")

// ListenerID identifies a registered change listener.
type ListenerID uint64

// Listener receives a copy of a tag after it has been written.
type Listener func(t *tag.Tag)

// Store is a map of tag id to tag guarded by per-key locks.
type Store struct {
	name  string
	mu    sync.RWMutex
	tags  map[int64]*tag.Tag
	locks *keylock.Table

	listenersMu sync.RWMutex
	listeners   map[ListenerID]Listener
	counter     uint64
}

// New creates an empty store. The name shows up in errors and debug logs.
func New(name string) *Store {
	return &Store{
		name:      name,
		tags:      make(map[int64]*tag.Tag),
		locks:     keylock.New(),
		listeners: make(map[ListenerID]Listener),
	}
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.name
}

// Get returns a copy of the tag.
func (s *Store) Get(id int64) (*tag.Tag, error) {
	s.mu.RLock()
	t, ok := s.tags[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s store: tag %d: %w", s.name, id, ErrNotFound)
	}
	return t.Clone(), nil
}

// Contains reports whether the id is present.
func (s *Store) Contains(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tags[id]
	return ok
}

// IDs returns all tag ids in ascending order.
func (s *Store) IDs() []int64 {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.tags))
	for id := range s.tags {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of tags.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tags)
}

// Load stores a tag without notifying listeners. Used while building the
// cache from configuration.
func (s *Store) Load(t *tag.Tag) {
	cp := t.Clone()
	s.locks.With(cp.ID, func() {
		s.mu.Lock()
		s.tags[cp.ID] = cp
		s.mu.Unlock()
	})
}

// Put stores a copy of the tag and notifies listeners.
func (s *Store) Put(t *tag.Tag) {
	cp := t.Clone()
	s.locks.With(cp.ID, func() {
		s.mu.Lock()
		s.tags[cp.ID] = cp
		s.mu.Unlock()
	})
	s.notify(cp)
}

// Remove deletes a tag. Returns false if the id was not present.
func (s *Store) Remove(id int64) bool {
	removed := false
	s.locks.With(id, func() {
		s.mu.Lock()
		if _, ok := s.tags[id]; ok {
			delete(s.tags, id)
			removed = true
		}
		s.mu.Unlock()
	})
	return removed
}

// ComputeFunc mutates a working copy of a tag. Returning changed=false leaves
// the store untouched and suppresses notification.
type ComputeFunc func(t *tag.Tag) (changed bool, err error)

// Compute runs fn against a copy of the tag while holding the tag's lock and
// stores the copy if fn reports a change. The returned tag is the stored state
// after fn ran, or the unchanged state when fn made no change.
func (s *Store) Compute(id int64, fn ComputeFunc) (*tag.Tag, bool, error) {
	s.locks.Lock(id)

	s.mu.RLock()
	current, ok := s.tags[id]
	s.mu.RUnlock()
	if !ok {
		s.locks.Unlock(id)
		return nil, false, fmt.Errorf("%s store: tag %d: %w", s.name, id, ErrNotFound)
	}

	work := current.Clone()
	changed, err := fn(work)
	if err != nil || !changed {
		s.locks.Unlock(id)
		return current.Clone(), false, err
	}

	s.mu.Lock()
	s.tags[id] = work
	s.mu.Unlock()
	s.locks.Unlock(id)

	out := work.Clone()
	s.notify(work)
	return out, true, nil
}

// Amend edits a tag's configuration (rule links, expression, name) under its
// lock without notifying listeners.
func (s *Store) Amend(id int64, fn func(t *tag.Tag)) error {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	s.mu.RLock()
	current, ok := s.tags[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s store: tag %d: %w", s.name, id, ErrNotFound)
	}

	work := current.Clone()
	fn(work)
	s.mu.Lock()
	s.tags[id] = work
	s.mu.Unlock()
	return nil
}

// AddListener registers a change listener.
func (s *Store) AddListener(fn Listener) ListenerID {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	id := ListenerID(atomic.AddUint64(&s.counter, 1))
	s.listeners[id] = fn
	return id
}

// RemoveListener unregisters a change listener.
func (s *Store) RemoveListener(id ListenerID) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	delete(s.listeners, id)
}

func (s *Store) notify(t *tag.Tag) {
	s.listenersMu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		s.safeNotify(fn, t.Clone())
	}
}

func (s *Store) safeNotify(fn Listener, t *tag.Tag) {
	defer func() {
		if r := recover(); r != nil {
			logging.DebugLog("tagstore", "%s store: listener panic for tag %d: %v", s.name, t.ID, r)
		}
	}()
	fn(t)
}
