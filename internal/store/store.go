// Package store provides the date-partitioned append log behind daybook.
// It supports both the local filesystem (for development and self-hosting)
// and S3-compatible object storage (for production).
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnknownBackend is returned when the configured backend name is not recognized.
var ErrUnknownBackend = errors.New("unknown storage backend")

// Record is one ingested event, stored as one NDJSON line. The store only
// inspects the optional "timestamp" field (ISO-8601); every other field
// passes through untouched.
type Record map[string]any

// Time returns the record's "timestamp" field parsed as ISO-8601.
// The second return value is false when the field is absent or unparseable.
func (r Record) Time() (time.Time, bool) {
	s, ok := r["timestamp"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// AppendResult reports the outcome of a single-record append.
// Failures are carried as data, never raised.
type AppendResult struct {
	Location string `json:"location,omitempty"`
	OK       bool   `json:"ok"`
	Err      string `json:"error,omitempty"`
}

// BatchResult reports the outcome of a batch append. Records are grouped by
// calendar date; one group failing does not block the others, so a batch can
// partially succeed.
type BatchResult struct {
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// ShardStat describes one shard of a date partition.
type ShardStat struct {
	Location  string `json:"location"`
	SizeBytes int64  `json:"size_bytes"`
}

// DateStats summarizes a date partition. An absent partition yields a zero
// value, not an error.
type DateStats struct {
	Shards         []ShardStat `json:"shards"`
	TotalSizeBytes int64       `json:"total_size_bytes"`
}

// Store is the backend contract. Exactly one implementation is active per
// process, chosen at startup; callers never switch backends per call.
type Store interface {
	// AppendOne appends a single record. The date is taken from when if
	// non-zero, else from the record's timestamp field, else the current
	// time. All dates are resolved in UTC.
	AppendOne(ctx context.Context, rec Record, when time.Time) AppendResult

	// AppendBatch groups records by UTC calendar date and performs one
	// combined append per group.
	AppendBatch(ctx context.Context, recs []Record) BatchResult

	// ScanRange returns a cursor over all records whose shards fall in the
	// inclusive day range [start, end], in day-then-shard-then-line order.
	ScanRange(ctx context.Context, start, end time.Time) *Scanner

	// DateStats lists the shards of one date partition with byte sizes.
	DateStats(ctx context.Context, date time.Time) (DateStats, error)

	Close() error
}

// Options configures a backend. Exactly one of the backend sections applies.
type Options struct {
	Backend string // "local" or "s3"

	// Local
	BaseDir           string
	MaxShardSizeBytes int64

	// S3
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // optional, for R2/minio-style S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string

	// Shared
	Extension string // shard filename extension, e.g. ".ndjson"
}

// Open constructs the backend named in opts.
func Open(ctx context.Context, opts Options, log *slog.Logger) (Store, error) {
	switch opts.Backend {
	case "local":
		return NewLocal(opts, log)
	case "s3":
		return NewS3(ctx, opts, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}

// recordDay resolves the UTC calendar day a record belongs to.
func recordDay(rec Record, when time.Time) time.Time {
	if when.IsZero() {
		if ts, ok := rec.Time(); ok {
			when = ts
		} else {
			when = time.Now()
		}
	}
	return day(when)
}

// day truncates t to midnight UTC.
func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// groupByDay partitions records into per-day groups, preserving arrival
// order within each group and returning the days in first-seen order.
func groupByDay(recs []Record) ([]time.Time, map[time.Time][]Record) {
	var days []time.Time
	groups := make(map[time.Time][]Record)
	for _, rec := range recs {
		d := recordDay(rec, time.Time{})
		if _, ok := groups[d]; !ok {
			days = append(days, d)
		}
		groups[d] = append(groups[d], rec)
	}
	return days, groups
}
