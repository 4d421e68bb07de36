// Package timebucket maps a receive timestamp to the fixed-width window
// used to partition columnar output files.
package timebucket

import (
	"fmt"
	"time"
)

// Bucket is a (date, hour, minute_bucket) window, all derived from a
// single epoch-ms timestamp and a configured width in minutes.
type Bucket struct {
	Date          string // "2006-01-02"
	Hour          int    // 0-23
	MinuteBucket  int    // floor(minute/bucketMinutes) * bucketMinutes
	BucketMinutes int
}

// FromTimestamp derives the bucket containing ts (epoch-ms, any timezone
// offset resolved to UTC) for the given bucket width.
func FromTimestamp(tsMs int64, bucketMinutes int) Bucket {
	if bucketMinutes <= 0 {
		bucketMinutes = 5
	}
	t := time.UnixMilli(tsMs).UTC()
	minuteBucket := (t.Minute() / bucketMinutes) * bucketMinutes
	return Bucket{
		Date:          t.Format("2006-01-02"),
		Hour:          t.Hour(),
		MinuteBucket:  minuteBucket,
		BucketMinutes: bucketMinutes,
	}
}

// NextBucket returns the bucket immediately following b, advancing by
// BucketMinutes and rolling over hour/date as needed.
func (b Bucket) NextBucket() Bucket {
	date, err := time.Parse("2006-01-02", b.Date)
	if err != nil {
		date = time.Now().UTC()
	}
	current := time.Date(date.Year(), date.Month(), date.Day(), b.Hour, b.MinuteBucket, 0, 0, time.UTC)
	next := current.Add(time.Duration(b.BucketMinutes) * time.Minute)
	return Bucket{
		Date:          next.Format("2006-01-02"),
		Hour:          next.Hour(),
		MinuteBucket:  (next.Minute() / b.BucketMinutes) * b.BucketMinutes,
		BucketMinutes: b.BucketMinutes,
	}
}

// Equal reports whether two buckets describe the same window.
func (b Bucket) Equal(other Bucket) bool {
	return b.Date == other.Date && b.Hour == other.Hour &&
		b.MinuteBucket == other.MinuteBucket && b.BucketMinutes == other.BucketMinutes
}

// PathSegments returns the "date=YYYY-MM-DD/hour=HH" partition prefix.
func (b Bucket) PathSegments() string {
	return fmt.Sprintf("date=%s/hour=%02d", b.Date, b.Hour)
}

// FilePrefix returns "snapshots_YYYY-MM-DDTHH-MM".
func (b Bucket) FilePrefix() string {
	return fmt.Sprintf("snapshots_%sT%02d-%02d", b.Date, b.Hour, b.MinuteBucket)
}
