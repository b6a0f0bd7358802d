// Package counter provides shared rate-limit and throttle counters with
// atomic increment-and-compare reservation semantics. Reading a counter
// without a matching atomic reservation is exactly the bug class this
// interface exists to prevent.
package counter

import (
	"context"
	"time"
)

// Service reserves one slot in the counter identified by key within the
// bucket starting at bucket. The reservation either fits under limit and is
// granted, or leaves the counter untouched and is denied. ttl bounds how
// long an implementation must retain the bucket.
type Service interface {
	Reserve(ctx context.Context, key string, bucket time.Time, ttl time.Duration, limit int) (bool, error)
}

// BucketKey renders the canonical storage key for a (key, bucket) pair.
func BucketKey(key string, bucket time.Time) string {
	return key + ":" + bucket.UTC().Format("20060102T150405")
}

// HourBucket truncates t to the start of its hour.
func HourBucket(t time.Time) time.Time {
	return t.Truncate(time.Hour)
}

// DayBucket truncates t to local midnight in loc.
func DayBucket(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)

	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// WeekBucket truncates t to the most recent Monday midnight in loc.
func WeekBucket(t time.Time, loc *time.Location) time.Time {
	day := DayBucket(t, loc)

	offset := (int(day.Weekday()) + 6) % 7

	return day.AddDate(0, 0, -offset)
}
