package contract

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
)

// EndpointExtractor reads the routes declared by one web framework family.
type EndpointExtractor interface {
	// Name identifies the framework family.
	Name() string
	// Sniff reports whether the file looks like it declares routes for this
	// family. src may be nil, in which case only the path is considered.
	Sniff(path string, src []byte) bool
	// Extract returns the endpoints declared in src.
	Extract(ctx context.Context, path string, src []byte) ([]Endpoint, error)
	// RouteHint reports whether a single line looks like part of a route
	// declaration or a bound request/response model.
	RouteHint(line string) bool
}

var extractors = []EndpointExtractor{
	springExtractor{},
	pythonExtractor{},
	expressExtractor{},
	goHTTPExtractor{},
}

// Extractors returns the registered extractors in selection order.
func Extractors() []EndpointExtractor {
	return append([]EndpointExtractor(nil), extractors...)
}

// ExtractorFor selects the extractor for a file by extension and, when src
// is given, import-signature sniffing. It returns nil for files that do not
// declare routes.
func ExtractorFor(path string, src []byte) EndpointExtractor {
	for _, ex := range extractors {
		if ex.Sniff(path, src) {
			return ex
		}
	}
	return nil
}

// ExtractFile runs the matching extractor; files no extractor accepts yield
// no endpoints.
func ExtractFile(ctx context.Context, path string, src []byte) ([]Endpoint, error) {
	ex := ExtractorFor(path, src)
	if ex == nil {
		return nil, nil
	}
	eps, err := ex.Extract(ctx, path, src)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Line < eps[j].Line })
	return eps, nil
}

// TouchesRoute reports whether changed lines of a file look like they edit a
// route or a model bound to one. It matches the change.RouteDetector shape.
func TouchesRoute(path string, changedLines []string) bool {
	for _, ex := range extractors {
		if !ex.Sniff(path, nil) {
			continue
		}
		for _, line := range changedLines {
			if ex.RouteHint(line) {
				return true
			}
		}
	}
	return false
}

func hasExt(path string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// model is a request or response type declared in the same file.
type model struct {
	Name   string
	Fields []modelField
	Span   Span
}

// modelField carries both request semantics (Required: validated as
// present) and response semantics (Optional: may be absent or null).
type modelField struct {
	Name     string
	Type     string
	Required bool
	Optional bool
}

func bodyParams(m model) []Param {
	out := make([]Param, 0, len(m.Fields))
	for _, f := range m.Fields {
		out = append(out, Param{Name: f.Name, In: "body", Type: f.Type, Required: f.Required})
	}
	return out
}

func responseFields(m model) []Field {
	out := make([]Field, 0, len(m.Fields))
	for _, f := range m.Fields {
		out = append(out, Field{Name: f.Name, Type: f.Type, Optional: f.Optional})
	}
	return out
}

// stringLiterals returns the contents of the quoted strings in s, in order.
func stringLiterals(s string) []string {
	var (
		out   []string
		quote byte
		start int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote == 0 && (c == '"' || c == '\'' || c == '`'):
			quote, start = c, i+1
		case quote != 0 && c == '\\':
			i++
		case quote != 0 && c == quote:
			out = append(out, s[start:i])
			quote = 0
		}
	}
	return out
}

func firstString(s string) string {
	if lits := stringLiterals(s); len(lits) > 0 {
		return lits[0]
	}
	return ""
}

// blockEnd returns the 1-based line on which the brace block opened at or
// after line start (0-based) closes. Braces inside string literals and //
// comments are ignored. It returns the last line when the block never
// closes, as in a truncated fragment.
func blockEnd(lines []string, start int) int {
	depth := 0
	opened := false
	for i := start; i < len(lines); i++ {
		var quote byte
		line := lines[i]
		for j := 0; j < len(line); j++ {
			c := line[j]
			if quote != 0 {
				if c == '\\' {
					j++
				} else if c == quote {
					quote = 0
				}
				continue
			}
			switch c {
			case '"', '\'', '`':
				quote = c
			case '/':
				if j+1 < len(line) && line[j+1] == '/' {
					j = len(line)
				}
			case '{':
				depth++
				opened = true
			case '}':
				depth--
				if opened && depth == 0 {
					return i + 1
				}
			}
		}
	}
	return len(lines)
}

// balancedUntil joins lines from start (0-based) until parentheses balance
// and stop reports true for the joined text. It returns the text and the
// index of the last line consumed.
func balancedUntil(lines []string, start int, stop func(string) bool) (string, int) {
	var b strings.Builder
	depth := 0
	for i := start; i < len(lines); i++ {
		if i > start {
			b.WriteByte(' ')
		}
		line := strings.TrimSpace(lines[i])
		b.WriteString(line)
		depth += strings.Count(line, "(") - strings.Count(line, ")")
		if depth <= 0 && stop(b.String()) {
			return b.String(), i
		}
	}
	return b.String(), len(lines) - 1
}

// splitArgs splits an argument list at top-level commas.
func splitArgs(s string) []string {
	var (
		out   []string
		depth int
		quote byte
		start int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '(', '[', '{', '<':
			depth++
		case ')', ']', '}', '>':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// innerArgs returns the text between the first '(' and its matching ')'.
func innerArgs(s string) string {
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return ""
	}
	if close := closingParen(s); close > open {
		return s[open+1 : close]
	}
	return s[open+1:]
}

// closingParen returns the index of the ')' matching the first '(' in s,
// or -1.
func closingParen(s string) int {
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return -1
	}
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func joinPath(prefix, path string) string {
	if prefix == "" {
		return path
	}
	if path == "" || path == "/" {
		return prefix
	}
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(path, "/")
}

// withPathParams adds path parameters declared in the route that the
// extractor did not already bind.
func withPathParams(ep Endpoint) Endpoint {
	have := make(map[string]bool, len(ep.Params))
	for _, p := range ep.Params {
		have[p.Name] = true
	}
	for _, name := range PathParams(ep.Path) {
		if !have[name] {
			ep.Params = append(ep.Params, Param{Name: name, In: "path", Required: true})
			have[name] = true
		}
	}
	return ep
}
