package monitor

import (
	"bytes"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"aieval/pkg/protocol"
)

// binarySniffLen is how much of a file is checked for NUL bytes.
const binarySniffLen = 8 << 10

// isBinary reports whether data looks like a binary file.
func isBinary(data []byte) bool {
	if len(data) > binarySniffLen {
		data = data[:binarySniffLen]
	}
	return bytes.IndexByte(data, 0) >= 0
}

// lineDelta counts the lines added, deleted and modified between old and
// new. A replaced block counts its overlap as modified and the remainder as
// added or deleted.
func lineDelta(oldLines, newLines []string) protocol.LineDelta {
	var d protocol.LineDelta
	m := difflib.NewMatcher(oldLines, newLines)
	for _, op := range m.GetOpCodes() {
		before, after := op.I2-op.I1, op.J2-op.J1
		switch op.Tag {
		case 'r':
			common := min(before, after)
			d.Modified += common
			d.Added += after - common
			d.Deleted += before - common
		case 'd':
			d.Deleted += before
		case 'i':
			d.Added += after
		}
	}
	return d
}

// unifiedDiff renders a unified diff of a single path.
func unifiedDiff(fromPath, toPath string, oldLines, newLines []string) string {
	out, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        oldLines,
		B:        newLines,
		FromFile: "a/" + fromPath,
		ToFile:   "b/" + toPath,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return out
}

// splitLines splits content into lines keeping line endings, the form
// difflib expects.
func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	lines := strings.SplitAfter(string(content), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
