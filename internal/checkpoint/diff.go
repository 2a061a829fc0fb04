// internal/checkpoint/diff.go
package checkpoint

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffLineStats counts added and removed lines between two file versions
// using a line-granularity diff.
func diffLineStats(before, after string) (added, removed int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		// A trailing fragment without a newline still counts as a line
		if !strings.HasSuffix(d.Text, "\n") && len(d.Text) > 0 {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}

	return added, removed
}
