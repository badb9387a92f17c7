// Package clock quantizes wall-clock time into the hour buckets used as the
// weather cache's time partition.
package clock

import "time"

// BucketLayout is the canonical text form of an hour bucket. Buckets are
// always written and compared in this form: UTC, second precision.
const BucketLayout = "2006-01-02T15:04:05Z"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// System is the process wall clock.
type System struct{}

// Now returns time.Now.
func (System) Now() time.Time { return time.Now() }

// Func adapts a function to Clock. Tests use it to pin the hour.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time { return f() }

// HourBucket returns t in UTC with minutes, seconds and sub-seconds zeroed.
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// BucketEnd returns the first instant of the bucket after the one starting at bucket.
func BucketEnd(bucket time.Time) time.Time {
	return bucket.Add(time.Hour)
}

// FormatBucket renders t in BucketLayout. It does not round to the hour;
// callers pass a value already produced by HourBucket.
func FormatBucket(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(BucketLayout)
}

// ParseBucket parses a value written by FormatBucket.
func ParseBucket(s string) (time.Time, error) {
	return time.Parse(BucketLayout, s)
}
