package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestShardPath(t *testing.T) {
	p := pathResolver{baseDir: "/data", ext: ".ndjson"}
	d := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	got := p.shardPath(d, 0)
	want := filepath.Join("/data", "2024", "05", "01.ndjson")
	if got != want {
		t.Errorf("index 0: got %q, want %q", got, want)
	}

	got = p.shardPath(d, 7)
	want = filepath.Join("/data", "2024", "05", "01-007.ndjson")
	if got != want {
		t.Errorf("index 7: got %q, want %q", got, want)
	}
}

func TestCurrentIndexMissingDir(t *testing.T) {
	p := pathResolver{baseDir: filepath.Join(t.TempDir(), "nope"), ext: ".ndjson"}
	d := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if idx := p.currentIndex(d); idx != 0 {
		t.Errorf("expected 0 for missing directory, got %d", idx)
	}
}

func TestCurrentIndexAndListDay(t *testing.T) {
	base := t.TempDir()
	p := pathResolver{baseDir: base, ext: ".ndjson"}
	d := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	dir := p.dayDir(d)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	// Deliberately out of creation order, plus files that must not match.
	for _, name := range []string{"01-002.ndjson", "01.ndjson", "01-001.ndjson", "02.ndjson", "01.ndjson.bak", "01-12.ndjson"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if idx := p.currentIndex(d); idx != 2 {
		t.Errorf("expected current index 2, got %d", idx)
	}

	paths := p.listDay(d)
	want := []string{
		filepath.Join(dir, "01.ndjson"),
		filepath.Join(dir, "01-001.ndjson"),
		filepath.Join(dir, "01-002.ndjson"),
	}
	if len(paths) != len(want) {
		t.Fatalf("expected %d shards, got %d: %v", len(want), len(paths), paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("shard %d: got %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestListDayMissingDir(t *testing.T) {
	p := pathResolver{baseDir: filepath.Join(t.TempDir(), "nope"), ext: ".ndjson"}
	if paths := p.listDay(time.Now()); len(paths) != 0 {
		t.Errorf("expected no shards, got %v", paths)
	}
}
