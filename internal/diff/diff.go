// Package diff renders unified diffs between code snapshots.
package diff

import (
	"github.com/pmezard/go-difflib/difflib"
)

// NoChanges is returned instead of an empty diff so consumers can tell
// "patch applied, nothing changed" apart from "no diff computed".
const NoChanges = "no changes"

const contextLines = 3

// Unified returns a unified diff between two code snapshots, labeled
// original.py and fixed.py. Identical inputs yield the NoChanges sentinel.
func Unified(before, after string) string {
	if before == after {
		return NoChanges
	}

	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "original.py",
		ToFile:   "fixed.py",
		Context:  contextLines,
	}

	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil || text == "" {
		return NoChanges
	}
	return text
}
