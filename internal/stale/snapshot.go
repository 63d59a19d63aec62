// Package stale decides whether pipeline targets must be rebuilt.
//
// Staleness is evaluated against an explicit Snapshot of the filesystem taken
// once per driver run, not against ambient stat calls, so the evaluators stay
// pure functions of (snapshot, ledger) and the two strategies (modification
// time, content hash) are interchangeable behind one interface.
package stale

import (
	"os"
	"path/filepath"
	"time"
)

// Entry is the captured state of a single path.
type Entry struct {
	Exists  bool
	ModTime time.Time
}

// Snapshot is a point-in-time capture of every path the graph references.
type Snapshot struct {
	root    string
	entries map[string]Entry
}

// Capture stats each path relative to root. A path that cannot be stat'ed is
// recorded as absent.
func Capture(root string, paths []string) *Snapshot {
	entries := make(map[string]Entry, len(paths))
	for _, p := range paths {
		full := p
		if !filepath.IsAbs(full) {
			full = filepath.Join(root, p)
		}
		info, err := os.Stat(full)
		if err != nil {
			entries[p] = Entry{}
			continue
		}
		entries[p] = Entry{Exists: true, ModTime: info.ModTime()}
	}
	return &Snapshot{root: root, entries: entries}
}

// Root returns the directory paths were captured relative to.
func (s *Snapshot) Root() string { return s.root }

// Lookup returns the captured entry for a path. Paths that were never
// captured are reported as absent.
func (s *Snapshot) Lookup(path string) Entry {
	if s == nil {
		return Entry{}
	}
	return s.entries[path]
}
