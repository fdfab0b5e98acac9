package contract

import (
	"path/filepath"
	"strings"
)

// grammar names the tree-sitter grammar used to outline a brace-language
// source file.
type grammar int

const (
	grammarJava grammar = iota
	grammarKotlin
	grammarJavaScript
	grammarTypeScript
	grammarTSX
	grammarGo
)

func grammarFor(path string) grammar {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".kt", ".kts":
		return grammarKotlin
	case ".js", ".mjs", ".cjs", ".jsx":
		return grammarJavaScript
	case ".ts", ".mts", ".cts":
		return grammarTypeScript
	case ".tsx":
		return grammarTSX
	case ".go":
		return grammarGo
	default:
		return grammarJava
	}
}

// outline is the structural view the brace-language extractors scan:
// source lines with comments blanked out, plus the closing line of every
// brace block and the row ranges of class bodies.
type outline struct {
	lines []string

	// blocks maps the 0-based row of an opening brace to the 1-based line
	// of its closing brace. Nil when the source did not parse cleanly.
	blocks map[int]int
	// bodies holds class, interface and object bodies as 0-based rows.
	bodies []rowSpan
}

type rowSpan struct{ start, end int }

// blockEnd returns the 1-based line on which the first block opened at or
// after row start closes.
func (o *outline) blockEnd(start int) int {
	if o.blocks == nil {
		return blockEnd(o.lines, start)
	}
	for i := start; i < len(o.lines); i++ {
		if end, ok := o.blocks[i]; ok {
			return end
		}
	}
	return len(o.lines)
}

// insideClass reports whether row i sits after the opening brace of a
// class body.
func (o *outline) insideClass(i int) bool {
	if o.blocks == nil {
		depth := 0
		for _, l := range o.lines[:i] {
			l = stripStrings(l)
			depth += strings.Count(l, "{") - strings.Count(l, "}")
		}
		return depth > 0
	}
	for _, b := range o.bodies {
		if b.start < i && i <= b.end {
			return true
		}
	}
	return false
}

// stripStrings drops quoted literals from a line of already comment-free
// source.
func stripStrings(s string) string {
	for _, lit := range stringLiterals(s) {
		s = strings.Replace(s, lit, "", 1)
	}
	return s
}

// blankRange overwrites src[from:to] with spaces, keeping newlines so rows
// stay aligned.
func blankRange(src []byte, from, to int) {
	for i := from; i < to && i < len(src); i++ {
		if src[i] != '\n' && src[i] != '\r' {
			src[i] = ' '
		}
	}
}

// lexComments finds // and /* */ comments outside string literals. It is
// the comment scanner used when no parse tree is available.
func lexComments(src []byte) [][2]int {
	var out [][2]int
	var quote byte
	for i := 0; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			switch {
			case c == '\\':
				i++
			case c == quote:
				quote = 0
			case c == '\n' && quote != '`':
				quote = 0
			}
			continue
		}
		switch {
		case c == '"' || c == '\'' || c == '`':
			quote = c
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			end := i
			for end < len(src) && src[end] != '\n' {
				end++
			}
			out = append(out, [2]int{i, end})
			i = end
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := i + 2
			for end+1 < len(src) && !(src[end] == '*' && src[end+1] == '/') {
				end++
			}
			end = min(end+2, len(src))
			out = append(out, [2]int{i, end})
			i = end - 1
		}
	}
	return out
}

// lexOutline builds an outline without a parser: comments are blanked by
// lexing and block ends fall back to brace counting.
func lexOutline(src []byte) *outline {
	masked := append([]byte(nil), src...)
	for _, r := range lexComments(masked) {
		blankRange(masked, r[0], r[1])
	}
	return &outline{lines: strings.Split(string(masked), "\n")}
}
