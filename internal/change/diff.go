package change

import (
	"fmt"
	"regexp"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"

	brerrors "blastradius/internal/errors"
)

var diffMarker = regexp.MustCompile(`(?m)^(diff --git |--- \S|\+\+\+ \S|@@ -\d)`)

// LooksLikeDiff reports whether text carries unified diff markers.
func LooksLikeDiff(text string) bool {
	return diffMarker.MatchString(text)
}

// ParseDiff parses a unified (git) diff into changed files.
func ParseDiff(text string) ([]ChangedFile, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	fileDiffs, err := godiff.ParseMultiFileDiff([]byte(text))
	if err != nil {
		return nil, brerrors.New(brerrors.ParseFailure, "parse diff", err)
	}

	files := make([]ChangedFile, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		if fd.OrigName == "" && fd.NewName == "" {
			continue
		}
		files = append(files, convertFileDiff(fd))
	}
	return files, nil
}

func convertFileDiff(fd *godiff.FileDiff) ChangedFile {
	cf := ChangedFile{
		OldPath: cleanPath(fd.OrigName),
		NewPath: cleanPath(fd.NewName),
		Hunks:   make([]Hunk, 0, len(fd.Hunks)),
	}
	if fd.OrigName == "/dev/null" || fd.OrigName == "" {
		cf.IsNew = true
		cf.OldPath = ""
	}
	if fd.NewName == "/dev/null" || fd.NewName == "" {
		cf.Deleted = true
		cf.NewPath = ""
	}
	if cf.OldPath != "" && cf.NewPath != "" && cf.OldPath != cf.NewPath {
		cf.Renamed = true
	}
	for _, h := range fd.Hunks {
		cf.Hunks = append(cf.Hunks, convertHunk(h))
	}
	return cf
}

func convertHunk(h *godiff.Hunk) Hunk {
	out := Hunk{
		OldStart: int(h.OrigStartLine),
		OldLines: int(h.OrigLines),
		NewStart: int(h.NewStartLine),
		NewLines: int(h.NewLines),
	}
	oldLine, newLine := out.OldStart, out.NewStart
	body := strings.TrimSuffix(string(h.Body), "\n")
	for _, line := range strings.Split(body, "\n") {
		if line == "" {
			out.Body = append(out.Body, "")
			oldLine++
			newLine++
			continue
		}
		if line[0] != '\\' {
			out.Body = append(out.Body, line)
		}
		switch line[0] {
		case '+':
			out.Added = append(out.Added, Line{Number: newLine, Text: line[1:]})
			newLine++
		case '-':
			out.Removed = append(out.Removed, Line{Number: oldLine, Text: line[1:]})
			oldLine++
		case ' ':
			oldLine++
			newLine++
		case '\\':
			// "\ No newline at end of file"
		}
	}
	return out
}

// scanLines is the degraded path for diffs go-diff rejects: every +/- line
// is attributed to a single file with sequential line numbers.
func scanLines(text, path string) ChangedFile {
	cf := ChangedFile{OldPath: path, NewPath: path}
	h := Hunk{OldStart: 1, NewStart: 1}
	oldLine, newLine := 1, 1
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			if p := headerPath(line); p != "" && path == "" {
				cf.OldPath, cf.NewPath, path = p, p, p
			}
		case strings.HasPrefix(line, "@@"):
			if o, n, ok := parseHunkHeader(line); ok {
				oldLine, newLine = o, n
			}
		case strings.HasPrefix(line, "+"):
			h.Added = append(h.Added, Line{Number: newLine, Text: line[1:]})
			h.Body = append(h.Body, line)
			newLine++
		case strings.HasPrefix(line, "-"):
			h.Removed = append(h.Removed, Line{Number: oldLine, Text: line[1:]})
			h.Body = append(h.Body, line)
			oldLine++
		default:
			oldLine++
			newLine++
		}
	}
	h.OldLines = len(h.Removed)
	h.NewLines = len(h.Added)
	if len(h.Added)+len(h.Removed) > 0 {
		cf.Hunks = []Hunk{h}
	}
	return cf
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,\d+)? \+(\d+)(?:,\d+)? @@`)

func parseHunkHeader(line string) (int, int, bool) {
	m := hunkHeader.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	var o, n int
	fmt.Sscanf(m[1], "%d", &o)
	fmt.Sscanf(m[2], "%d", &n)
	return o, n, true
}

func headerPath(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[1] == "/dev/null" {
		return ""
	}
	return cleanPath(fields[1])
}

// cleanPath removes the a/ or b/ prefix from git diff paths
func cleanPath(path string) string {
	if path == "" || path == "/dev/null" {
		return path
	}
	if strings.HasPrefix(path, "a/") || strings.HasPrefix(path, "b/") {
		return path[2:]
	}
	return path
}
