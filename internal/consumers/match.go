package consumers

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"blastradius/internal/contract"
)

// Consumer is one call site of an endpoint in an external repository.
// Remote search is file-level and leaves LineNumber at zero.
type Consumer struct {
	FilePath         string `json:"file_path"`
	LineNumber       int    `json:"line_number,omitempty"`
	CodeSnippet      string `json:"code_snippet,omitempty"`
	SourceRepository string `json:"source_repository"`
	Method           string `json:"method,omitempty"`
}

// Target is an endpoint key compiled for searching.
type Target struct {
	Key     string
	Method  string
	Path    string
	Literal string // longest parameter-free prefix, used for pre-filtering
	pattern *regexp.Regexp
}

// Match attributes a consumer to exactly one endpoint key.
type Match struct {
	Key      string
	Consumer Consumer
}

const quotes = "'\"`"

var (
	paramSegment = `(?:[^/?#\s` + quotes + `]+|[` + quotes + `]\s*\+\s*[\w.$()\[\]]+(?:\s*\+\s*[` + quotes + `])?)`
	pathEnd      = `(?:[?#` + quotes + `),;]|\s*[),;]|\s*$)`
)

// NewTarget compiles an endpoint key ("POST /payments/{}"). Path parameters
// match any single segment, including string concatenation and template
// interpolation, and the match must end where the path ends.
func NewTarget(key string) (Target, error) {
	method, path, err := contract.SplitKey(key)
	if err != nil {
		return Target{}, err
	}
	path = contract.NormalizePath(path)

	var (
		b       strings.Builder
		literal []string
		inParam bool
	)
	for _, seg := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		b.WriteString("/")
		if seg == "{}" {
			b.WriteString(paramSegment)
			inParam = true
			continue
		}
		b.WriteString(regexp.QuoteMeta(seg))
		if !inParam {
			literal = append(literal, seg)
		}
	}
	b.WriteString(pathEnd)

	re, err := regexp.Compile(b.String())
	if err != nil {
		return Target{}, fmt.Errorf("compile pattern for %s: %w", key, err)
	}
	return Target{
		Key:     key,
		Method:  method,
		Path:    path,
		Literal: "/" + strings.Join(literal, "/"),
		pattern: re,
	}, nil
}

// Targets compiles every key of an allow-list, sorted by key.
func Targets(allow map[string]bool) ([]Target, error) {
	keys := make([]string, 0, len(allow))
	for k, ok := range allow {
		if ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]Target, 0, len(keys))
	for _, k := range keys {
		t, err := NewTarget(k)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// idiom is an HTTP client call shape. A fixed method wins; otherwise the
// first capture group names the method; otherwise the method comes from an
// explicit option near the call, defaulting to GET.
type idiom struct {
	rx     *regexp.Regexp
	method string
}

var idioms = []idiom{
	{rx: regexp.MustCompile(`\bhttp\.NewRequest(?:WithContext)?\(\s*(?:\w+\s*,\s*)?(?:"(\w+)"|http\.Method(\w+))`)},
	{rx: regexp.MustCompile(`\bHttpMethod\.(GET|POST|PUT|DELETE|PATCH)\b`)},
	{rx: regexp.MustCompile(`(?i:restTemplate|template)\.(get|post|put|delete|patch)(?:ForObject|ForEntity|ForLocation)?\s*\(`)},
	{rx: regexp.MustCompile(`\b(Get|Post|Put|Delete|Patch)(?:AsJson|FromJson)?Async\s*\(`)},
	{rx: regexp.MustCompile(`\bhttp\.Post(?:Form)?\(`), method: "POST"},
	{rx: regexp.MustCompile(`\bhttp\.Get\(`), method: "GET"},
	{rx: regexp.MustCompile(`(?i:axios|requests|httpx|session|client|http|api|request|agent|superagent|got|ky|webclient|\$)\.(get|post|put|delete|patch)(?:<[^>]*>)?\s*\(`)},
	{rx: regexp.MustCompile(`\.(get|post|put|delete|patch)\(\s*\)\s*\.uri\(`)},
	{rx: regexp.MustCompile(`\bHttpRequest\.newBuilder\b`)},
	{rx: regexp.MustCompile(`(?:\b(?:fetch|axios|got|ky|useFetch|request)|\$\.ajax)\s*\(`)},
}

var (
	explicitMethod = regexp.MustCompile(`(?i)\b(?:method|type)\s*[:=]\s*['"](get|post|put|delete|patch)['"]`)
	builderMethod  = regexp.MustCompile(`\.(GET|POST|PUT|DELETE|PATCH)\(`)
)

// clientMethod finds the HTTP client idiom bound to the path on line i and
// returns the method it sends. ok is false when no client call is nearby.
func clientMethod(lines []string, i int) (method string, ok bool) {
	for back := 0; back <= 2 && i-back >= 0; back++ {
		line := lines[i-back]
		for _, id := range idioms {
			m := id.rx.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			if id.method != "" {
				return id.method, true
			}
			for _, g := range m[1:] {
				if g != "" {
					return strings.ToUpper(g), true
				}
			}
			return optionMethod(lines, i-back), true
		}
	}
	return "", false
}

// optionMethod reads a method: 'POST' option or a builder call in the few
// lines following a call, defaulting to GET.
func optionMethod(lines []string, from int) string {
	for j := from; j < len(lines) && j <= from+4; j++ {
		if m := explicitMethod.FindStringSubmatch(lines[j]); m != nil {
			return strings.ToUpper(m[1])
		}
		if m := builderMethod.FindStringSubmatch(lines[j]); m != nil {
			return m[1]
		}
	}
	return "GET"
}

// MatchLines scans a file's lines for calls of any target. Results are in
// line order, then target order.
func MatchLines(repo, file string, lines []string, targets []Target, withLines bool) []Match {
	var out []Match
	for i, line := range lines {
		for _, t := range targets {
			if !strings.Contains(line, t.Literal) || !t.pattern.MatchString(line) {
				continue
			}
			method, ok := clientMethod(lines, i)
			if !ok || (t.Method != "ANY" && method != t.Method) {
				continue
			}
			c := Consumer{
				FilePath:         file,
				CodeSnippet:      snippet(line),
				SourceRepository: repo,
				Method:           method,
			}
			if withLines {
				c.LineNumber = i + 1
			}
			out = append(out, Match{Key: t.Key, Consumer: c})
		}
	}
	return out
}

const snippetRunes = 200

// snippet trims line and cuts it after snippetRunes characters.
func snippet(line string) string {
	s := strings.TrimSpace(line)
	if utf8.RuneCountInString(s) <= snippetRunes {
		return s
	}
	n := 0
	for i := range s {
		if n == snippetRunes {
			return s[:i] + "..."
		}
		n++
	}
	return s
}
