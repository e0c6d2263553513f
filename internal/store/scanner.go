package store

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// shardSource is the per-backend listing/reading surface the Scanner walks.
// listDay must return shards in write-arrival order; readShard must return
// (nil, nil) for a missing shard.
type shardSource interface {
	listShards(ctx context.Context, d time.Time) ([]string, error)
	readShard(ctx context.Context, location string) ([]byte, error)
}

// Scanner is a single-pass cursor over a day range. It visits each calendar
// day in ascending order, each day's shards in write-arrival order, and each
// shard's lines in file order. A fresh ScanRange call restarts from the top.
//
// Usage follows the familiar Rows pattern:
//
//	sc := st.ScanRange(ctx, start, end)
//	for sc.Next() {
//		rec := sc.Record()
//		...
//	}
//	if err := sc.Err(); err != nil { ... }
type Scanner struct {
	ctx context.Context
	src shardSource

	start, end time.Time // normalized filter bounds
	nextDay    time.Time
	lastDay    time.Time

	shards  []string
	data    []byte // unread remainder of the current shard
	rec     Record
	dropped int
	err     error
}

// newScanner normalizes start to 00:00:00 and end to the last nanosecond of
// its day, both UTC, before any filtering.
func newScanner(ctx context.Context, src shardSource, start, end time.Time) *Scanner {
	startDay := day(start)
	endDay := day(end)
	return &Scanner{
		ctx:     ctx,
		src:     src,
		start:   startDay,
		end:     endDay.Add(24*time.Hour - time.Nanosecond),
		nextDay: startDay,
		lastDay: endDay,
	}
}

// Next advances to the next record in range. It returns false at the end of
// the range or on the first backend error; check Err afterwards.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}
	for {
		// Drain lines from the current shard.
		for len(s.data) > 0 {
			line := s.nextLine()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				// Lossy tolerance: unparseable lines are dropped, but
				// counted so callers can surface the loss.
				s.dropped++
				continue
			}
			// Records without a timestamp cannot be range-filtered and pass
			// through; day iteration already bounds which shards we visit.
			if ts, ok := rec.Time(); ok {
				if ts.Before(s.start) || ts.After(s.end) {
					continue
				}
			}
			s.rec = rec
			return true
		}

		// Next shard of the current day.
		if len(s.shards) > 0 {
			loc := s.shards[0]
			s.shards = s.shards[1:]
			data, err := s.src.readShard(s.ctx, loc)
			if err != nil {
				s.err = err
				return false
			}
			s.data = data
			continue
		}

		// Next day.
		if s.nextDay.After(s.lastDay) {
			return false
		}
		shards, err := s.src.listShards(s.ctx, s.nextDay)
		if err != nil {
			s.err = err
			return false
		}
		s.nextDay = s.nextDay.AddDate(0, 0, 1)
		s.shards = shards
	}
}

func (s *Scanner) nextLine() []byte {
	i := bytes.IndexByte(s.data, '\n')
	if i < 0 {
		line := s.data
		s.data = nil
		return line
	}
	line := s.data[:i]
	s.data = s.data[i+1:]
	return line
}

// Record returns the record produced by the last successful Next.
func (s *Scanner) Record() Record { return s.rec }

// Err returns the first backend error encountered, if any.
func (s *Scanner) Err() error { return s.err }

// Dropped returns how many unparseable lines were skipped so far.
func (s *Scanner) Dropped() int { return s.dropped }
