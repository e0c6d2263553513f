package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// pathResolver maps dates and rotation indexes to local shard paths.
// Layout: {base}/{YYYY}/{MM}/{DD}{ext}, rotated shards {DD}-{NNN}{ext}.
type pathResolver struct {
	baseDir string
	ext     string
}

// dayDir returns the directory holding a date's shards.
func (p pathResolver) dayDir(d time.Time) string {
	return filepath.Join(p.baseDir, fmt.Sprintf("%04d", d.Year()), fmt.Sprintf("%02d", int(d.Month())))
}

// shardPath returns the canonical path of shard (date, idx). Index 0 is
// unsuffixed; higher indexes carry a zero-padded 3-digit suffix.
func (p pathResolver) shardPath(d time.Time, idx int) string {
	name := fmt.Sprintf("%02d", d.Day())
	if idx > 0 {
		name = fmt.Sprintf("%s-%03d", name, idx)
	}
	return filepath.Join(p.dayDir(d), name+p.ext)
}

// shardPattern matches a date's shard filenames and captures the rotation
// suffix.
func (p pathResolver) shardPattern(d time.Time) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`^%02d(-(\d{3}))?%s$`, d.Day(), regexp.QuoteMeta(p.ext)))
}

// currentIndex scans the date's directory and returns the highest rotation
// index present, or 0 when the directory or shard does not exist yet.
func (p pathResolver) currentIndex(d time.Time) int {
	entries, err := os.ReadDir(p.dayDir(d))
	if err != nil {
		return 0
	}
	pat := p.shardPattern(d)
	max := 0
	for _, e := range entries {
		m := pat.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		idx := 0
		if m[2] != "" {
			fmt.Sscanf(m[2], "%d", &idx)
		}
		if idx > max {
			max = idx
		}
	}
	return max
}

// listDay returns the date's shard paths in rotation-index order, which is
// write-arrival order. A missing directory yields an empty list.
func (p pathResolver) listDay(d time.Time) []string {
	entries, err := os.ReadDir(p.dayDir(d))
	if err != nil {
		return nil
	}
	pat := p.shardPattern(d)
	var names []string
	for _, e := range entries {
		if pat.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	// "DD.ext" sorts before "DD-001.ext" lexicographically only by luck of
	// the extension; sort on the parsed index instead.
	sort.Slice(names, func(i, j int) bool {
		return p.indexOf(d, names[i]) < p.indexOf(d, names[j])
	})
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(p.dayDir(d), n)
	}
	return paths
}

func (p pathResolver) indexOf(d time.Time, name string) int {
	m := p.shardPattern(d).FindStringSubmatch(name)
	if m == nil || m[2] == "" {
		return 0
	}
	idx := 0
	fmt.Sscanf(m[2], "%d", &idx)
	return idx
}
