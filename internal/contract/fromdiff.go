package contract

import (
	"context"
	"fmt"
	"strings"

	"blastradius/internal/change"
)

// SourceReader returns the current (post-change) content of a file path as
// it appears in the diff.
type SourceReader func(path string) ([]byte, error)

// InDiff is the set of endpoints a diff actually touches.
type InDiff struct {
	Before []Endpoint
	After  []Endpoint
	// Keys holds the key of every touched endpoint from either side.
	Keys map[string]bool
	// Partial is set when a file had to be reconstructed from hunk
	// fragments because its source could not be read.
	Partial bool
}

// FromDiff reconstructs the before and after version of every
// endpoint-bearing file in a diff and keeps only the endpoints whose
// declaration, handler or bound model contains a changed line. Removed
// lines are checked against the before version, added lines against the
// after version. read may be nil, in which case both versions are rebuilt
// from the hunks alone.
func FromDiff(ctx context.Context, c change.Change, read SourceReader) (InDiff, error) {
	res := InDiff{Keys: make(map[string]bool)}
	for _, f := range c.Files {
		p := f.Path()
		if ExtractorFor(p, nil) == nil {
			continue
		}
		before, after, partial := fileVersions(f, read)
		res.Partial = res.Partial || partial

		oldEps, err := extractAny(ctx, p, before)
		if err != nil {
			return InDiff{}, fmt.Errorf("extract %s (before): %w", p, err)
		}
		newEps, err := extractAny(ctx, p, after)
		if err != nil {
			return InDiff{}, fmt.Errorf("extract %s (after): %w", p, err)
		}

		removedLines, addedLines := f.RemovedLines(), f.AddedLines()
		for _, ep := range oldEps {
			if ep.Touches(removedLines) {
				res.Keys[ep.Key()] = true
			}
		}
		for _, ep := range newEps {
			if ep.Touches(addedLines) {
				res.Keys[ep.Key()] = true
			}
		}
		for _, ep := range oldEps {
			if res.Keys[ep.Key()] {
				res.Before = append(res.Before, ep)
			}
		}
		for _, ep := range newEps {
			if res.Keys[ep.Key()] {
				res.After = append(res.After, ep)
			}
		}
	}
	return res, nil
}

// extractAny sniffs with the content first and falls back to the
// extension, so fragments without imports are still read.
func extractAny(ctx context.Context, path string, src []byte) ([]Endpoint, error) {
	if len(src) == 0 {
		return nil, nil
	}
	ex := ExtractorFor(path, src)
	if ex == nil {
		ex = ExtractorFor(path, nil)
	}
	return ex.Extract(ctx, path, src)
}

func fileVersions(f change.ChangedFile, read SourceReader) (before, after []byte, partial bool) {
	if read != nil && !f.Deleted {
		if src, err := read(f.NewPath); err == nil {
			if f.IsNew {
				return nil, src, false
			}
			lines := strings.Split(string(src), "\n")
			return []byte(strings.Join(reverseApply(lines, f.Hunks), "\n")), src, false
		}
	}
	var oldLines, newLines []string
	for _, h := range f.Hunks {
		oldLines = place(oldLines, h.OldStart, h.OldSide())
		newLines = place(newLines, h.NewStart, h.NewSide())
	}
	if f.IsNew {
		oldLines = nil
	}
	if f.Deleted {
		newLines = nil
	}
	return []byte(strings.Join(oldLines, "\n")), []byte(strings.Join(newLines, "\n")), true
}

// place writes a hunk side at its 1-based start line, padding the gap with
// blank lines so line numbers stay aligned.
func place(dst []string, start int, side []string) []string {
	if start < 1 {
		start = 1
	}
	for len(dst) < start-1 {
		dst = append(dst, "")
	}
	dst = dst[:start-1]
	return append(dst, side...)
}

// reverseApply rebuilds the pre-image of a file from its post-image and
// the diff hunks.
func reverseApply(after []string, hunks []change.Hunk) []string {
	var (
		out    []string
		cursor int
	)
	for _, h := range hunks {
		newSide := h.NewSide()
		start := h.NewStart - 1
		if len(newSide) == 0 && h.NewLines == 0 {
			// pure deletion: the hunk header points at the line before
			start = h.NewStart
		}
		if start < cursor {
			start = cursor
		}
		if start > len(after) {
			start = len(after)
		}
		out = append(out, after[cursor:start]...)
		out = append(out, h.OldSide()...)
		cursor = min(start+len(newSide), len(after))
	}
	return append(out, after[cursor:]...)
}
