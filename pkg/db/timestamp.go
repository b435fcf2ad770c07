package db

import "time"

// Timestamp normalizes a time before it is written or compared in SQL: UTC,
// whole seconds. SQLite compares timestamps as text, so every value that
// takes part in a range or equality predicate must share this shape.
func Timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Second)
}

// TimestampPtr is Timestamp for nullable columns.
func TimestampPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := Timestamp(*t)
	return &v
}
