// Package admission decides whether an incoming source value supersedes the
// cached state of a tag and applies accepted values atomically.
package admission

import (
	"time"

	"tagflow/tag"
)

// AllowUpdate reports whether newer should replace the cached state of older.
//
// Timestamps are compared on the DAQ clock when both sides carry one.
// Otherwise the cached source timestamp is compared with the timestamp the
// source attached to the new value. When neither pair is available the update
// is always allowed.
//
// A value older than the cached one is rejected unless the cached tag is
// currently inaccessible, in which case any value is better than none. A value
// with the same timestamp and the same value as a valid cached tag is a
// duplicate and is rejected when the new value is also valid.
func AllowUpdate(older *tag.Tag, newer tag.SourceValue) bool {
	oldTS, newTS, ok := comparableTimestamps(older, newer)
	if !ok {
		return true
	}

	if newTS.Before(oldTS) {
		return !older.Quality.IsAccessible()
	}

	if newTS.Equal(oldTS) &&
		tag.ValuesEqual(older.Value, castFor(older, newer.Value)) &&
		older.IsValid() && newer.IsValid() {
		return false
	}

	return true
}

// castFor converts value to the data type of t so that duplicates are judged
// on the value that would be stored. Values that cannot be cast are returned
// unchanged.
func castFor(t *tag.Tag, value any) any {
	if !tag.DataTypeMatches(t.DataType, value) {
		return value
	}
	if cast, err := tag.Cast(value, t.DataType); err == nil {
		return cast
	}
	return value
}

// comparableTimestamps picks the timestamp pair used for ordering.
//
// The fallback pair is asymmetric: the cached side uses SourceTimestamp while
// the incoming side uses the source-supplied Timestamp. Deployments rely on
// this ordering for sources that do not report DAQ time, so it is kept as is.
func comparableTimestamps(older *tag.Tag, newer tag.SourceValue) (time.Time, time.Time, bool) {
	if !older.DAQTimestamp.IsZero() && !newer.DAQTimestamp.IsZero() {
		return older.DAQTimestamp, newer.DAQTimestamp, true
	}
	if !older.SourceTimestamp.IsZero() && !newer.Timestamp.IsZero() {
		return older.SourceTimestamp, newer.Timestamp, true
	}
	return time.Time{}, time.Time{}, false
}
