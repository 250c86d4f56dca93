package monitor

import (
	"io/fs"
	"os"
	"path/filepath"
)

// snapshot is the last-seen content of one file. Binary and oversized files
// are tracked without content and never produce line deltas.
type snapshot struct {
	lines []string
	skip  bool
}

// snapshotCache holds last-seen contents for one session. It is owned by the
// correlator loop goroutine.
type snapshotCache struct {
	root      string
	maxBytes  int64
	sessionID string
	files     map[string]snapshot
}

func newSnapshotCache(root string, maxBytes int64) *snapshotCache {
	return &snapshotCache{root: root, maxBytes: maxBytes, files: make(map[string]snapshot)}
}

// reset drops every snapshot and binds the cache to sessionID ("" = none).
func (c *snapshotCache) reset(sessionID string) {
	c.sessionID = sessionID
	c.files = make(map[string]snapshot)
}

// prime records the current content of every non-ignored file in the tree.
func (c *snapshotCache) prime(ignore *IgnoreMatcher) int {
	n := 0
	_ = filepath.WalkDir(c.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		rel, _ := filepath.Rel(c.root, p)
		if d.IsDir() {
			if ignore.MatchDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || ignore.Match(rel) {
			return nil
		}
		if snap, ok := c.load(filepath.ToSlash(rel)); ok {
			c.files[filepath.ToSlash(rel)] = snap
			n++
		}
		return nil
	})
	return n
}

// load reads the file at rel from disk. ok is false when it cannot be read.
func (c *snapshotCache) load(rel string) (snapshot, bool) {
	p := filepath.Join(c.root, filepath.FromSlash(rel))
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return snapshot{}, false
	}
	if c.maxBytes > 0 && info.Size() > c.maxBytes {
		return snapshot{skip: true}, true
	}
	data, err := os.ReadFile(p) //nolint:gosec // path is inside the watch root
	if err != nil {
		return snapshot{}, false
	}
	if isBinary(data) {
		return snapshot{skip: true}, true
	}
	return snapshot{lines: splitLines(data)}, true
}

func (c *snapshotCache) get(rel string) (snapshot, bool) {
	s, ok := c.files[rel]
	return s, ok
}

func (c *snapshotCache) put(rel string, s snapshot) { c.files[rel] = s }

func (c *snapshotCache) remove(rel string) { delete(c.files, rel) }

// sameContent reports whether two snapshots hold identical text.
func sameContent(a, b snapshot) bool {
	if a.skip || b.skip || len(a.lines) != len(b.lines) {
		return false
	}
	for i := range a.lines {
		if a.lines[i] != b.lines[i] {
			return false
		}
	}
	return true
}
