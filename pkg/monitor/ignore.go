package monitor

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"aieval/pkg/protocol"
)

// IgnoreMatcher decides which paths under the watch root are not monitored.
// Patterns are doublestar globs matched against slash-separated paths
// relative to the root.
type IgnoreMatcher struct {
	patterns []string
}

// NewIgnoreMatcher validates patterns and returns a matcher.
func NewIgnoreMatcher(patterns []string) (*IgnoreMatcher, error) {
	m := &IgnoreMatcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, protocol.NewValidation("ignore pattern", p, "invalid glob")
		}
		m.patterns = append(m.patterns, p)
	}
	return m, nil
}

// Match reports whether the file at rel is ignored.
func (m *IgnoreMatcher) Match(rel string) bool {
	if m == nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, p := range m.patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// MatchDir reports whether the directory at rel is ignored, which is the
// case when the directory itself or everything inside it matches.
func (m *IgnoreMatcher) MatchDir(rel string) bool {
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == "" {
		return false
	}
	return m.Match(rel) || m.Match(path.Join(rel, "-"))
}
