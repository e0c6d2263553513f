package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestLocal(t *testing.T, maxShard int64) *Local {
	t.Helper()
	s, err := NewLocal(Options{
		BaseDir:           t.TempDir(),
		MaxShardSizeBytes: maxShard,
		Extension:         ".ndjson",
	}, nil)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	return s
}

func rec(id string, ts string) Record {
	r := Record{"id": id, "actor": "alice", "verb": "did", "object": "thing"}
	if ts != "" {
		r["timestamp"] = ts
	}
	return r
}

func collect(t *testing.T, sc *Scanner) []Record {
	t.Helper()
	var recs []Record
	for sc.Next() {
		recs = append(recs, sc.Record())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	return recs
}

func TestAppendOneSingleShard(t *testing.T) {
	s := newTestLocal(t, 0) // default threshold, never rotates here
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res := s.AppendOne(ctx, rec(fmt.Sprintf("r%d", i), fmt.Sprintf("2024-05-01T10:0%d:00Z", i)), time.Time{})
		if !res.OK {
			t.Fatalf("append %d failed: %s", i, res.Err)
		}
		if !strings.HasSuffix(res.Location, filepath.Join("2024", "05", "01.ndjson")) {
			t.Errorf("unexpected location %q", res.Location)
		}
	}

	data, err := os.ReadFile(filepath.Join(s.paths.baseDir, "2024", "05", "01.ndjson"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	// Line order is append order.
	for i, line := range lines {
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if want := fmt.Sprintf("r%d", i+1); r["id"] != want {
			t.Errorf("line %d: got id %v, want %s", i, r["id"], want)
		}
	}
}

func TestRotationOnThreshold(t *testing.T) {
	s := newTestLocal(t, 50)
	ctx := context.Background()

	// Each serialized record is comfortably over the 50-byte threshold, so
	// every append after the first lands in a fresh shard.
	pad := strings.Repeat("x", 60)
	for i := 1; i <= 3; i++ {
		r := Record{"id": fmt.Sprintf("r%d", i), "actor": "a", "verb": "v", "object": pad,
			"timestamp": "2024-05-01T12:00:00Z"}
		res := s.AppendOne(ctx, r, time.Time{})
		if !res.OK {
			t.Fatalf("append %d failed: %s", i, res.Err)
		}
	}

	d := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	shards := s.paths.listDay(d)
	if len(shards) < 2 {
		t.Fatalf("expected rotation to produce multiple shards, got %v", shards)
	}
	// Rotation indexes are contiguous from 0.
	for i, path := range shards {
		want := s.paths.shardPath(d, i)
		if path != want {
			t.Errorf("shard %d: got %q, want %q", i, path, want)
		}
	}
	// No record lost across rotation.
	recs := collect(t, s.ScanRange(context.Background(), d, d))
	if len(recs) != 3 {
		t.Errorf("expected 3 records across shards, got %d", len(recs))
	}
}

func TestWriteTargetRotatesPastThreshold(t *testing.T) {
	s := newTestLocal(t, 10)
	d := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	if got, want := s.writeTarget(d), s.paths.shardPath(d, 0); got != want {
		t.Errorf("fresh date: got %q, want %q", got, want)
	}

	if _, err := s.appendLines(d, []byte(strings.Repeat("x", 11)+"\n")); err != nil {
		t.Fatal(err)
	}
	if got, want := s.writeTarget(d), s.paths.shardPath(d, 1); got != want {
		t.Errorf("past threshold: got %q, want %q", got, want)
	}
}

func TestAppendBatchGroupsByDate(t *testing.T) {
	s := newTestLocal(t, 0)
	ctx := context.Background()

	res := s.AppendBatch(ctx, []Record{
		rec("a", "2024-05-01T08:00:00Z"),
		rec("b", "2024-05-02T08:00:00Z"),
		rec("c", "2024-05-01T09:00:00Z"),
	})
	if res.Total != 3 || res.Succeeded != 3 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	// One shard per date, each holding its group as one combined append.
	for day, want := range map[string]int{"01": 2, "02": 1} {
		data, err := os.ReadFile(filepath.Join(s.paths.baseDir, "2024", "05", day+".ndjson"))
		if err != nil {
			t.Fatalf("read %s: %v", day, err)
		}
		got := strings.Count(string(data), "\n")
		if got != want {
			t.Errorf("day %s: expected %d lines, got %d", day, want, got)
		}
	}
}

func TestAppendBatchPartialFailure(t *testing.T) {
	s := newTestLocal(t, 0)
	ctx := context.Background()

	// Block the second date's shard path with a directory so its group's
	// open fails while the first date still succeeds.
	blocked := s.paths.shardPath(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), 0)
	if err := os.MkdirAll(blocked, 0755); err != nil {
		t.Fatal(err)
	}

	res := s.AppendBatch(ctx, []Record{
		rec("a", "2024-05-01T08:00:00Z"),
		rec("b", "2024-05-01T09:00:00Z"),
		rec("c", "2024-05-02T08:00:00Z"),
	})
	if res.Total != 3 {
		t.Errorf("total: got %d, want 3", res.Total)
	}
	if res.Succeeded != 2 {
		t.Errorf("succeeded: got %d, want 2", res.Succeeded)
	}
	if res.Failed != 1 {
		t.Errorf("failed: got %d, want 1", res.Failed)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "2024-05-02") {
		t.Errorf("expected one error naming the failing date group, got %v", res.Errors)
	}
}

func TestScanRangeFiltersDays(t *testing.T) {
	s := newTestLocal(t, 0)
	ctx := context.Background()

	res := s.AppendBatch(ctx, []Record{
		rec("old", "2024-04-30T23:00:00Z"),
		rec("a", "2024-05-01T08:00:00Z"),
		rec("b", "2024-05-02T08:00:00Z"),
		rec("late", "2024-05-04T01:00:00Z"),
	})
	if res.Failed != 0 {
		t.Fatalf("setup append failed: %+v", res)
	}

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) // intra-day time: normalized to day start
	end := time.Date(2024, 5, 3, 6, 0, 0, 0, time.UTC)
	recs := collect(t, s.ScanRange(ctx, start, end))

	var ids []string
	for _, r := range recs {
		ids = append(ids, r["id"].(string))
	}
	if !reflect.DeepEqual(ids, []string{"a", "b"}) {
		t.Errorf("expected [a b], got %v", ids)
	}
}

func TestScanRangeStrayTimestampExcluded(t *testing.T) {
	s := newTestLocal(t, 0)
	ctx := context.Background()

	// A record whose timestamp is in range but which was written to an
	// out-of-range day's shard must not be returned: day iteration decides
	// which shards are visited.
	stray := rec("stray", "2024-05-02T08:00:00Z")
	res := s.AppendOne(ctx, stray, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC))
	if !res.OK {
		t.Fatalf("append failed: %s", res.Err)
	}

	d1 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	d3 := time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)
	if recs := collect(t, s.ScanRange(ctx, d1, d3)); len(recs) != 0 {
		t.Errorf("expected no records, got %v", recs)
	}
}

func TestScanRangeNoTimestampPassesThrough(t *testing.T) {
	s := newTestLocal(t, 0)
	ctx := context.Background()

	res := s.AppendOne(ctx, rec("untimed", ""), time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	if !res.OK {
		t.Fatalf("append failed: %s", res.Err)
	}

	d := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	recs := collect(t, s.ScanRange(ctx, d, d))
	if len(recs) != 1 || recs[0]["id"] != "untimed" {
		t.Errorf("expected the untimed record to pass range filtering, got %v", recs)
	}
}

func TestScanRangeMissingDaysYieldNothing(t *testing.T) {
	s := newTestLocal(t, 0)
	d1 := time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2031, 1, 5, 0, 0, 0, 0, time.UTC)
	if recs := collect(t, s.ScanRange(context.Background(), d1, d2)); len(recs) != 0 {
		t.Errorf("expected empty scan over absent partitions, got %v", recs)
	}
}

func TestScanToleratesMalformedLines(t *testing.T) {
	s := newTestLocal(t, 0)
	ctx := context.Background()
	d := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	payload := `{"id":"a","timestamp":"2024-05-01T08:00:00Z"}` + "\n" +
		`{"id":"b","timestamp":"2024-05-01T09:00:` + "\n" + // truncated mid-line
		`{"id":"c","timestamp":"2024-05-01T10:00:00Z"}` + "\n"
	if _, err := s.appendLines(d, []byte(payload)); err != nil {
		t.Fatal(err)
	}

	sc := s.ScanRange(ctx, d, d)
	recs := collect(t, sc)
	if len(recs) != 2 {
		t.Fatalf("expected 2 valid records, got %d", len(recs))
	}
	if recs[0]["id"] != "a" || recs[1]["id"] != "c" {
		t.Errorf("unexpected records: %v", recs)
	}
	if sc.Dropped() != 1 {
		t.Errorf("expected 1 dropped line, got %d", sc.Dropped())
	}
}

func TestRoundTripVerbatim(t *testing.T) {
	s := newTestLocal(t, 0)
	ctx := context.Background()

	orig := Record{
		"id": "evt-1", "actor": "alice", "verb": "completed",
		"object":    map[string]any{"name": "course-7", "score": 98.5},
		"timestamp": "2024-05-01T08:30:00Z",
	}
	if res := s.AppendOne(ctx, orig, time.Time{}); !res.OK {
		t.Fatalf("append failed: %s", res.Err)
	}

	d := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	recs := collect(t, s.ScanRange(ctx, d, d))
	if len(recs) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(recs))
	}
	if !reflect.DeepEqual(recs[0], orig) {
		t.Errorf("round trip mismatch:\n got %#v\nwant %#v", recs[0], orig)
	}
}

func TestConcurrentAppendsDoNotInterleave(t *testing.T) {
	s := newTestLocal(t, 0)
	ctx := context.Background()
	d := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := rec(fmt.Sprintf("w%d", i), "2024-05-01T08:00:00Z")
			r["payload"] = strings.Repeat("p", 512)
			if res := s.AppendOne(ctx, r, time.Time{}); !res.OK {
				t.Errorf("writer %d failed: %s", i, res.Err)
			}
		}(i)
	}
	wg.Wait()

	// Every line must be complete valid JSON and every writer's record must
	// appear exactly once, in some order.
	recs := collect(t, s.ScanRange(ctx, d, d))
	if len(recs) != writers {
		t.Fatalf("expected %d records, got %d", writers, len(recs))
	}
	seen := make(map[string]bool)
	for _, r := range recs {
		id := r["id"].(string)
		if seen[id] {
			t.Errorf("record %s appeared twice", id)
		}
		seen[id] = true
	}
}

func TestDateStats(t *testing.T) {
	s := newTestLocal(t, 0)
	ctx := context.Background()

	res := s.AppendBatch(ctx, []Record{
		rec("a", "2024-05-01T08:00:00Z"),
		rec("b", "2024-05-01T09:00:00Z"),
	})
	if res.Failed != 0 {
		t.Fatalf("setup append failed: %+v", res)
	}

	d := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	stats, err := s.DateStats(ctx, d)
	if err != nil {
		t.Fatalf("DateStats failed: %v", err)
	}
	if len(stats.Shards) != 1 {
		t.Fatalf("expected 1 shard, got %d", len(stats.Shards))
	}
	if stats.TotalSizeBytes != stats.Shards[0].SizeBytes || stats.TotalSizeBytes == 0 {
		t.Errorf("inconsistent sizes: %+v", stats)
	}

	// Reads are idempotent.
	again, err := s.DateStats(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(stats, again) {
		t.Errorf("stats changed without writes:\n first %+v\n again %+v", stats, again)
	}
}

func TestDateStatsAbsentPartition(t *testing.T) {
	s := newTestLocal(t, 0)
	stats, err := s.DateStats(context.Background(), time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("DateStats failed: %v", err)
	}
	if len(stats.Shards) != 0 || stats.TotalSizeBytes != 0 {
		t.Errorf("expected empty stats, got %+v", stats)
	}
}

func TestRecordTime(t *testing.T) {
	if _, ok := (Record{}).Time(); ok {
		t.Error("expected no timestamp on empty record")
	}
	if _, ok := (Record{"timestamp": 42}).Time(); ok {
		t.Error("expected non-string timestamp to be ignored")
	}
	ts, ok := (Record{"timestamp": "2024-05-01T08:00:00.123Z"}).Time()
	if !ok || !ts.Equal(time.Date(2024, 5, 1, 8, 0, 0, 123000000, time.UTC)) {
		t.Errorf("unexpected parse result: %v %v", ts, ok)
	}
}
