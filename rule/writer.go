package rule

import (
	"time"

	"tagflow/tag"
	"tagflow/tagstore"
)

// StoreWriter publishes buffered results into the rule tag store. Each write
// notifies the store listeners, which is how dependent rules of the next
// layer get evaluated.
type StoreWriter struct {
	rules *tagstore.Store
}

// NewStoreWriter creates a writer over the rule store.
func NewStoreWriter(rules *tagstore.Store) *StoreWriter {
	return &StoreWriter{rules: rules}
}

// UpdateAndValidate sets the rule value and clears its quality.
func (w *StoreWriter) UpdateAndValidate(ruleID int64, value any, description string, ts time.Time) error {
	_, _, err := w.rules.Compute(ruleID, func(t *tag.Tag) (bool, error) {
		if ts.Before(t.ServerTimestamp) {
			return false, nil
		}
		if t.IsValid() && ts.Equal(t.ServerTimestamp) && tag.ValuesEqual(t.Value, value) {
			return false, nil
		}
		t.Value = value
		t.ValueDescription = description
		t.Quality = tag.Quality{}
		t.ServerTimestamp = ts
		t.SourceTimestamp = ts
		return true, nil
	})
	return err
}

// Invalidate replaces the rule quality with the accumulated reasons. The last
// valid value is kept.
func (w *StoreWriter) Invalidate(ruleID int64, quality tag.Quality, ts time.Time) error {
	_, _, err := w.rules.Compute(ruleID, func(t *tag.Tag) (bool, error) {
		if ts.Before(t.ServerTimestamp) {
			return false, nil
		}
		t.Quality = quality.Clone()
		t.ServerTimestamp = ts
		t.SourceTimestamp = ts
		return true, nil
	})
	return err
}
