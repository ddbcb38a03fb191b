package tagstore

import (
	"fmt"

	"tagflow/tag"
)

// Locator resolves a tag id across several stores. Stores are searched in the
// order given; ids are expected to be unique across them.
type Locator struct {
	stores []*Store
}

// NewLocator creates a locator over the given stores.
func NewLocator(stores ...*Store) *Locator {
	return &Locator{stores: stores}
}

// Get returns a copy of the tag from whichever store holds it.
func (l *Locator) Get(id int64) (*tag.Tag, error) {
	if s, ok := l.StoreFor(id); ok {
		return s.Get(id)
	}
	return nil, fmt.Errorf("tag %d: %w", id, ErrNotFound)
}

// StoreFor returns the store holding id.
func (l *Locator) StoreFor(id int64) (*Store, bool) {
	for _, s := range l.stores {
		if s.Contains(id) {
			return s, true
		}
	}
	return nil, false
}

// Contains reports whether any store holds id.
func (l *Locator) Contains(id int64) bool {
	_, ok := l.StoreFor(id)
	return ok
}
