package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// DefaultMaxShardSize is the rotation threshold used when none is configured.
const DefaultMaxShardSize = 8 * 1024 * 1024

// Local stores records as NDJSON files on the filesystem, one file per
// (date, rotation index). Appends to the same shard are serialized by a
// per-path lock; a shard may overshoot the rotation threshold by at most one
// write because rotation is decided before the write, never mid-write.
type Local struct {
	paths    pathResolver
	maxShard int64
	locks    *pathLock
	log      *slog.Logger
}

// NewLocal creates a filesystem-backed store rooted at opts.BaseDir.
func NewLocal(opts Options, log *slog.Logger) (*Local, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.BaseDir == "" {
		return nil, fmt.Errorf("local backend: base dir is required")
	}
	ext := opts.Extension
	if ext == "" {
		ext = ".ndjson"
	}
	maxShard := opts.MaxShardSizeBytes
	if maxShard <= 0 {
		maxShard = DefaultMaxShardSize
	}
	if err := os.MkdirAll(opts.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &Local{
		paths:    pathResolver{baseDir: opts.BaseDir, ext: ext},
		maxShard: maxShard,
		locks:    newPathLock(),
		log:      log,
	}, nil
}

// writeTarget resolves the shard an append for d should land in, rotating to
// the next index when the active shard has reached the size threshold.
// Concurrent callers may race this check; both outcomes (shared overshoot or
// a split across N and N+1) are accepted, since the per-path lock still keeps
// any single shard free of interleaved writes.
func (s *Local) writeTarget(d time.Time) string {
	idx := s.paths.currentIndex(d)
	path := s.paths.shardPath(d, idx)
	if fi, err := os.Stat(path); err == nil && fi.Size() >= s.maxShard {
		path = s.paths.shardPath(d, idx+1)
	}
	return path
}

// AppendOne appends a single record and reports the outcome as data.
func (s *Local) AppendOne(ctx context.Context, rec Record, when time.Time) AppendResult {
	line, err := json.Marshal(rec)
	if err != nil {
		return AppendResult{Err: fmt.Sprintf("encode record: %v", err)}
	}
	loc, err := s.appendLines(recordDay(rec, when), append(line, '\n'))
	if err != nil {
		s.log.Warn("append failed", "location", loc, "error", err)
		return AppendResult{Location: loc, Err: err.Error()}
	}
	return AppendResult{Location: loc, OK: true}
}

// AppendBatch groups records by UTC date and writes each group as one
// combined append under a single lock acquisition. Groups fail independently.
func (s *Local) AppendBatch(ctx context.Context, recs []Record) BatchResult {
	res := BatchResult{Total: len(recs)}
	days, groups := groupByDay(recs)
	for _, d := range days {
		group := groups[d]
		var buf bytes.Buffer
		ok := true
		for _, rec := range group {
			line, err := json.Marshal(rec)
			if err != nil {
				res.Failed += len(group)
				res.Errors = append(res.Errors, fmt.Sprintf("%s: encode record: %v", d.Format("2006-01-02"), err))
				ok = false
				break
			}
			buf.Write(line)
			buf.WriteByte('\n')
		}
		if !ok {
			continue
		}
		loc, err := s.appendLines(d, buf.Bytes())
		if err != nil {
			s.log.Warn("batch group append failed", "date", d.Format("2006-01-02"), "location", loc, "error", err)
			res.Failed += len(group)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", d.Format("2006-01-02"), err))
			continue
		}
		res.Succeeded += len(group)
	}
	return res
}

// appendLines appends a pre-serialized payload to d's active shard under the
// shard's lock. The lock is released on every exit path.
func (s *Local) appendLines(d time.Time, payload []byte) (string, error) {
	target := s.writeTarget(d)
	s.locks.acquire(target)
	defer s.locks.release(target)

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return target, fmt.Errorf("create shard directory: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return target, fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(payload); err != nil {
		return target, fmt.Errorf("write shard: %w", err)
	}
	return target, nil
}

// ScanRange returns a cursor over [start, end] in chronological shard order.
func (s *Local) ScanRange(ctx context.Context, start, end time.Time) *Scanner {
	return newScanner(ctx, s, start, end)
}

// DateStats reports the shard inventory and total size for one date.
func (s *Local) DateStats(ctx context.Context, date time.Time) (DateStats, error) {
	var stats DateStats
	for _, path := range s.paths.listDay(day(date)) {
		fi, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return DateStats{}, fmt.Errorf("stat shard: %w", err)
		}
		stats.Shards = append(stats.Shards, ShardStat{Location: path, SizeBytes: fi.Size()})
		stats.TotalSizeBytes += fi.Size()
	}
	return stats, nil
}

func (s *Local) Close() error { return nil }

// listShards implements shardSource.
func (s *Local) listShards(ctx context.Context, d time.Time) ([]string, error) {
	return s.paths.listDay(d), nil
}

// readShard implements shardSource. A missing shard reads as empty.
func (s *Local) readShard(ctx context.Context, location string) ([]byte, error) {
	data, err := os.ReadFile(location)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read shard: %w", err)
	}
	return data, nil
}
