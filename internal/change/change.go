// Package change turns raw diff text, SQL statements and before/after file
// pairs into the canonical Change record consumed by the classifiers.
package change

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Kind is the broad category of a change.
type Kind string

const (
	KindCode   Kind = "CODE"
	KindSchema Kind = "SCHEMA"
	KindAPI    Kind = "API"
)

// Tags attached to changes whose raw input could not be parsed.
const (
	TagUnknown      = "UNKNOWN"
	TagGenericAlter = "ALTER_TABLE_GENERIC"
)

// Line is one added or removed line of a hunk.
type Line struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Hunk is a contiguous changed region of a file. Body keeps the raw hunk
// lines with their ' ', '+' or '-' prefix.
type Hunk struct {
	OldStart int      `json:"oldStart"`
	OldLines int      `json:"oldLines"`
	NewStart int      `json:"newStart"`
	NewLines int      `json:"newLines"`
	Added    []Line   `json:"added,omitempty"`
	Removed  []Line   `json:"removed,omitempty"`
	Body     []string `json:"-"`
}

// OldSide returns the hunk's pre-image: context plus removed lines.
func (h Hunk) OldSide() []string {
	return h.side('-')
}

// NewSide returns the hunk's post-image: context plus added lines.
func (h Hunk) NewSide() []string {
	return h.side('+')
}

func (h Hunk) side(keep byte) []string {
	var out []string
	for _, line := range h.Body {
		switch {
		case line == "":
			out = append(out, "")
		case line[0] == ' ' || line[0] == keep:
			out = append(out, line[1:])
		}
	}
	return out
}

// ChangedFile is one file touched by a diff.
type ChangedFile struct {
	OldPath string `json:"oldPath,omitempty"`
	NewPath string `json:"newPath,omitempty"`
	IsNew   bool   `json:"isNew,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Renamed bool   `json:"renamed,omitempty"`
	Hunks   []Hunk `json:"hunks"`
}

// Path returns the most relevant path for the file.
func (f ChangedFile) Path() string {
	if f.Deleted || f.NewPath == "" {
		return f.OldPath
	}
	return f.NewPath
}

// LinesChanged counts added plus removed lines.
func (f ChangedFile) LinesChanged() int {
	n := 0
	for _, h := range f.Hunks {
		n += len(h.Added) + len(h.Removed)
	}
	return n
}

// AddedLines returns the new-side line numbers that were added.
func (f ChangedFile) AddedLines() []int {
	var out []int
	for _, h := range f.Hunks {
		for _, l := range h.Added {
			out = append(out, l.Number)
		}
	}
	return out
}

// RemovedLines returns the old-side line numbers that were removed.
func (f ChangedFile) RemovedLines() []int {
	var out []int
	for _, h := range f.Hunks {
		for _, l := range h.Removed {
			out = append(out, l.Number)
		}
	}
	return out
}

// Texts returns the text of every added and removed line.
func (f ChangedFile) Texts() []string {
	var out []string
	for _, h := range f.Hunks {
		for _, l := range h.Removed {
			out = append(out, l.Text)
		}
		for _, l := range h.Added {
			out = append(out, l.Text)
		}
	}
	return out
}

// Change is the canonical, immutable representation of one analysis input.
type Change struct {
	Kind       Kind          `json:"kind"`
	TargetID   string        `json:"target_id"`
	RawInput   string        `json:"raw_input"`
	DiffText   string        `json:"diff_text,omitempty"`
	Tag        string        `json:"tag,omitempty"`
	Database   string        `json:"database,omitempty"`
	Repository string        `json:"repository,omitempty"`
	FilePath   string        `json:"file_path,omitempty"`
	Before     string        `json:"-"`
	After      string        `json:"-"`
	Files      []ChangedFile `json:"files,omitempty"`
	Notes      []string      `json:"notes,omitempty"`
}

// LocalTarget is TargetID without the database prefix that schema targets
// carry when a database context was given.
func (c Change) LocalTarget() string {
	if c.Kind == KindSchema && c.Database != "" {
		return strings.TrimPrefix(c.TargetID, c.Database+".")
	}
	return c.TargetID
}

// LinesChanged counts added plus removed lines across all files. Before/after
// pairs without a diff count the line delta of the two sources.
func (c Change) LinesChanged() int {
	n := 0
	for _, f := range c.Files {
		n += f.LinesChanged()
	}
	if n == 0 && len(c.Files) == 0 && (c.Before != "" || c.After != "") {
		n = lineDelta(c.Before, c.After)
	}
	return n
}

// Paths returns the effective path of every changed file, in diff order.
func (c Change) Paths() []string {
	out := make([]string, 0, len(c.Files))
	for _, f := range c.Files {
		if p := f.Path(); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 && c.FilePath != "" {
		out = append(out, c.FilePath)
	}
	return out
}

// ChangedText joins every added and removed line, or the raw input when the
// change has no parsed files.
func (c Change) ChangedText() string {
	if len(c.Files) == 0 {
		if c.After != "" || c.Before != "" {
			return c.Before + "\n" + c.After
		}
		return c.RawInput
	}
	var b strings.Builder
	for _, f := range c.Files {
		for _, t := range f.Texts() {
			b.WriteString(t)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Fingerprint is a stable hash of the normalized change, used to recognise
// repeated analyses of identical input.
func (c Change) Fingerprint() string {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{string(c.Kind), c.TargetID, c.Database, c.RawInput, c.Before, c.After} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// lineDelta is a cheap line-multiset difference between two sources.
func lineDelta(before, after string) int {
	counts := make(map[string]int)
	for _, l := range strings.Split(before, "\n") {
		counts[strings.TrimSpace(l)]++
	}
	added := 0
	for _, l := range strings.Split(after, "\n") {
		k := strings.TrimSpace(l)
		if counts[k] > 0 {
			counts[k]--
			continue
		}
		added++
	}
	removed := 0
	for _, n := range counts {
		removed += n
	}
	return added + removed
}
