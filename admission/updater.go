package admission

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"tagflow/logging"
	"tagflow/metrics"
	"tagflow/tag"
	"tagflow/tagstore"
)

// ErrTagNotFound is returned when an update targets an unknown tag id.
var ErrTagNotFound = errors.New("tag not found")

// NullValueDescription is attached when a source delivers no value.
const NullValueDescription = "Null value received from DAQ"

// Outcome reports what happened to a source update.
type Outcome struct {
	Accepted  bool
	AppliedAt time.Time
}

// Updater applies source values and quality changes to tags held in the
// data and control stores.
type Updater struct {
	locator *tagstore.Locator
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	logFn func(format string, args ...interface{})
}

// NewUpdater creates an updater over the stores reachable through locator.
func NewUpdater(locator *tagstore.Locator, m *metrics.Metrics) *Updater {
	return &Updater{
		locator: locator,
		metrics: m,
		now:     time.Now,
	}
}

// SetLogFunc sets the logging callback.
func (u *Updater) SetLogFunc(fn func(format string, args ...interface{})) {
	u.mu.Lock()
	u.logFn = fn
	u.mu.Unlock()
}

// SetClock replaces the server clock. Intended for tests.
func (u *Updater) SetClock(now func() time.Time) {
	u.now = now
}

func (u *Updater) log(format string, args ...interface{}) {
	u.mu.RLock()
	fn := u.logFn
	u.mu.RUnlock()
	if fn != nil {
		fn("[Admission] "+format, args...)
	}
	logging.DebugLog("admission", format, args...)
}

// UpdateFromSource admits and applies a source value under the tag's lock.
func (u *Updater) UpdateFromSource(tagID int64, v tag.SourceValue) (Outcome, error) {
	store, ok := u.locator.StoreFor(tagID)
	if !ok {
		u.metrics.Admission(metrics.OutcomeNotFound)
		return Outcome{}, fmt.Errorf("source update for tag %d: %w", tagID, ErrTagNotFound)
	}

	var applied time.Time
	_, changed, err := store.Compute(tagID, func(t *tag.Tag) (bool, error) {
		if !AllowUpdate(t, v) {
			return false, nil
		}
		applied = u.now()
		u.apply(t, v, applied)
		return true, nil
	})
	if err != nil {
		if errors.Is(err, tagstore.ErrNotFound) {
			u.metrics.Admission(metrics.OutcomeNotFound)
			return Outcome{}, fmt.Errorf("source update for tag %d: %w", tagID, ErrTagNotFound)
		}
		return Outcome{}, err
	}

	if !changed {
		u.metrics.Admission(metrics.OutcomeRejected)
		logging.DebugLog("admission", "tag %d: update at %s filtered out", tagID, v.Timestamp.Format(time.RFC3339Nano))
		return Outcome{Accepted: false}, nil
	}

	u.metrics.Admission(metrics.OutcomeAccepted)
	return Outcome{Accepted: true, AppliedAt: applied}, nil
}

// apply writes an admitted value into the working copy of the tag.
//
// A missing value with valid quality only adds UNKNOWN_REASON to the existing
// reasons and moves the server timestamp; the source timestamps keep
// describing the last value actually received.
func (u *Updater) apply(t *tag.Tag, v tag.SourceValue, now time.Time) {
	t.ServerTimestamp = now
	if v.IsValid() && v.Value == nil {
		t.Quality = t.Quality.With(tag.UnknownReason, NullValueDescription)
		return
	}

	t.SourceTimestamp = v.Timestamp
	t.DAQTimestamp = v.DAQTimestamp

	switch {
	case !v.IsValid():
		if v.Value != nil {
			t.Value = castFor(t, v.Value)
		}
		t.ValueDescription = v.ValueDescription
		t.Quality = v.Quality.Clone()

	default:
		value := v.Value
		if tag.DataTypeMatches(t.DataType, value) {
			cast, err := tag.Cast(value, t.DataType)
			if err != nil {
				u.log("tag %d: %v", t.ID, err)
				t.Quality = tag.Quality{tag.UnknownReason: fmt.Sprintf("Value could not be converted to %s", t.DataType)}
				return
			}
			value = cast
		}
		t.Value = value
		t.ValueDescription = v.ValueDescription
		t.Quality = tag.Quality{}
	}
}


// UpdateAndValidate sets a server-generated value, such as a supervision state
// or comm-fault value, and clears the tag's quality. Timestamps are not
// compared: the write is skipped only when value and description are unchanged
// and the tag is already valid.
func (u *Updater) UpdateAndValidate(tagID int64, value any, description string, ts time.Time) (Outcome, error) {
	store, ok := u.locator.StoreFor(tagID)
	if !ok {
		return Outcome{}, fmt.Errorf("update of tag %d: %w", tagID, ErrTagNotFound)
	}

	var applied time.Time
	_, changed, err := store.Compute(tagID, func(t *tag.Tag) (bool, error) {
		next := castFor(t, value)
		if t.IsValid() && t.ValueDescription == description && tag.ValuesEqual(t.Value, next) {
			return false, nil
		}
		applied = u.now()
		t.Value = next
		t.ValueDescription = description
		t.Quality = tag.Quality{}
		t.SourceTimestamp = ts
		t.DAQTimestamp = time.Time{}
		t.ServerTimestamp = applied
		return true, nil
	})
	if err != nil {
		if errors.Is(err, tagstore.ErrNotFound) {
			return Outcome{}, fmt.Errorf("update of tag %d: %w", tagID, ErrTagNotFound)
		}
		return Outcome{}, err
	}
	if !changed {
		return Outcome{}, nil
	}
	return Outcome{Accepted: true, AppliedAt: applied}, nil
}

// Invalidate adds status to the tag's quality. Invalidations older than the
// last server update of the tag are ignored.
func (u *Updater) Invalidate(tagID int64, status tag.QualityStatus, description string, ts time.Time) (Outcome, error) {
	return u.changeQuality(tagID, ts, func(q tag.Quality) tag.Quality {
		return q.With(status, description)
	})
}

// Revalidate removes the given statuses from the tag's quality. Other reasons
// are left in place.
func (u *Updater) Revalidate(tagID int64, ts time.Time, statuses ...tag.QualityStatus) (Outcome, error) {
	return u.changeQuality(tagID, ts, func(q tag.Quality) tag.Quality {
		return q.Without(statuses...)
	})
}

func (u *Updater) changeQuality(tagID int64, ts time.Time, fn func(tag.Quality) tag.Quality) (Outcome, error) {
	store, ok := u.locator.StoreFor(tagID)
	if !ok {
		return Outcome{}, fmt.Errorf("quality change for tag %d: %w", tagID, ErrTagNotFound)
	}

	_, changed, err := store.Compute(tagID, func(t *tag.Tag) (bool, error) {
		if ts.Before(t.ServerTimestamp) {
			return false, nil
		}
		next := fn(t.Quality)
		if next.Equal(t.Quality) {
			return false, nil
		}
		t.Quality = next
		t.ServerTimestamp = ts
		return true, nil
	})
	if err != nil {
		if errors.Is(err, tagstore.ErrNotFound) {
			return Outcome{}, fmt.Errorf("quality change for tag %d: %w", tagID, ErrTagNotFound)
		}
		return Outcome{}, err
	}
	if !changed {
		return Outcome{}, nil
	}
	return Outcome{Accepted: true, AppliedAt: ts}, nil
}
