// Package contract extracts HTTP endpoint signatures from source files and
// classifies the differences between two versions of them.
package contract

import (
	"fmt"
	"regexp"
	"strings"
)

// ChangeType is what happened to an endpoint.
type ChangeType string

const (
	Added    ChangeType = "ADDED"
	Removed  ChangeType = "REMOVED"
	Modified ChangeType = "MODIFIED"
)

// Compatibility tells whether existing consumers keep working.
type Compatibility string

const (
	Breaking    Compatibility = "BREAKING"
	NonBreaking Compatibility = "NON_BREAKING"
)

// Param is one request parameter. In is path, query, header or body.
type Param struct {
	Name     string `json:"name"`
	In       string `json:"in"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required"`
}

// Field is one field of a response model.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Optional bool   `json:"optional"`
}

// Span is an inclusive 1-based line range.
type Span struct {
	Start int
	End   int
}

// Contains reports whether line falls inside the span.
func (s Span) Contains(line int) bool {
	return line >= s.Start && line <= s.End
}

// Endpoint is one route declared in a source file.
type Endpoint struct {
	Method         string  `json:"method"`
	Path           string  `json:"path"`
	Params         []Param `json:"params,omitempty"`
	ResponseType   string  `json:"response_type,omitempty"`
	ResponseFields []Field `json:"response_fields,omitempty"`
	Handler        string  `json:"handler,omitempty"`
	Line           int     `json:"line"`
	EndLine        int     `json:"end_line"`

	// Spans covers the declaration, the handler body and every model the
	// endpoint binds; a change inside any of them changes the endpoint.
	Spans []Span `json:"-"`
}

// Key identifies the endpoint across versions.
func (e Endpoint) Key() string {
	return Key(e.Method, e.Path)
}

// Touches reports whether any of lines falls inside the endpoint.
func (e Endpoint) Touches(lines []int) bool {
	spans := e.Spans
	if len(spans) == 0 {
		spans = []Span{{e.Line, e.EndLine}}
	}
	for _, l := range lines {
		for _, s := range spans {
			if s.Contains(l) {
				return true
			}
		}
	}
	return false
}

// Signature renders the endpoint compactly, e.g.
// "POST /payments(amount:number!, note:string?) -> Payment".
func (e Endpoint) Signature() string {
	var b strings.Builder
	b.WriteString(e.Method)
	b.WriteByte(' ')
	b.WriteString(e.Path)
	b.WriteByte('(')
	for i, p := range e.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.Name)
		if p.Type != "" {
			b.WriteByte(':')
			b.WriteString(p.Type)
		}
		if p.Required {
			b.WriteByte('!')
		} else {
			b.WriteByte('?')
		}
	}
	b.WriteByte(')')
	if e.ResponseType != "" {
		b.WriteString(" -> ")
		b.WriteString(e.ResponseType)
	}
	if len(e.ResponseFields) > 0 {
		names := make([]string, len(e.ResponseFields))
		for i, f := range e.ResponseFields {
			names[i] = f.Name
			if f.Optional {
				names[i] += "?"
			}
		}
		b.WriteString(" {" + strings.Join(names, ", ") + "}")
	}
	return b.String()
}

// EndpointChange is the classified difference for one endpoint key.
type EndpointChange struct {
	Method        string        `json:"method"`
	Path          string        `json:"path"`
	ChangeType    ChangeType    `json:"change_type"`
	Compatibility Compatibility `json:"compatibility"`
	OldSignature  string        `json:"old_signature,omitempty"`
	NewSignature  string        `json:"new_signature,omitempty"`
	IsBreaking    bool          `json:"is_breaking"`
	Reasons       []string      `json:"reasons,omitempty"`
	RenamedFrom   string        `json:"renamed_from,omitempty"`
	Narrowed      bool          `json:"narrowed,omitempty"`
}

// Key identifies the endpoint this change is about.
func (c EndpointChange) Key() string {
	return Key(c.Method, c.Path)
}

func (c *EndpointChange) mark(compat Compatibility, reason string) {
	if compat == Breaking {
		c.Compatibility = Breaking
		c.IsBreaking = true
	} else if c.Compatibility == "" {
		c.Compatibility = NonBreaking
	}
	c.Reasons = append(c.Reasons, reason)
}

var (
	braceParam = regexp.MustCompile(`\{[^}/]*\}`)
	colonParam = regexp.MustCompile(`:[A-Za-z_][\w]*\??`)
	angleParam = regexp.MustCompile(`<(?:[\w]+:)?[\w]+>`)
	multiSlash = regexp.MustCompile(`/{2,}`)
)

// NormalizePath collapses path parameters of every supported syntax into
// {} and strips query strings and trailing slashes, so "/users/:id",
// "/users/<int:id>" and "/users/{userId}/" compare equal.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = angleParam.ReplaceAllString(path, "{}")
	path = braceParam.ReplaceAllString(path, "{}")
	path = colonParam.ReplaceAllString(path, "{}")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = multiSlash.ReplaceAllString(path, "/")
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

// Key builds the "METHOD /normalized/path" identifier.
func Key(method, path string) string {
	return strings.ToUpper(strings.TrimSpace(method)) + " " + NormalizePath(path)
}

// SplitKey is the inverse of Key.
func SplitKey(key string) (method, path string, err error) {
	method, path, ok := strings.Cut(key, " ")
	if !ok || method == "" || path == "" {
		return "", "", fmt.Errorf("malformed endpoint key %q", key)
	}
	return method, path, nil
}

// PathParams returns the parameter names declared in a route path.
func PathParams(path string) []string {
	var out []string
	path = angleParam.ReplaceAllStringFunc(path, func(m string) string {
		name := strings.Trim(m, "<>")
		if i := strings.Index(name, ":"); i >= 0 {
			name = name[i+1:]
		}
		out = append(out, name)
		return ""
	})
	path = braceParam.ReplaceAllStringFunc(path, func(m string) string {
		name := strings.Trim(m, "{}")
		if i := strings.Index(name, ":"); i >= 0 {
			name = name[:i]
		}
		out = append(out, name)
		return ""
	})
	for _, m := range colonParam.FindAllString(path, -1) {
		out = append(out, strings.TrimSuffix(strings.TrimPrefix(m, ":"), "?"))
	}
	return out
}

// genericTypes are response types that carry no concrete shape.
var genericTypes = map[string]bool{
	"": true, "?": true, "object": true, "any": true, "unknown": true, "dict": true,
	"map": true, "jsonnode": true, "objectnode": true, "jsonobject": true,
	"response": true, "responseentity": true, "jsonresponse": true,
	"interface{}": true, "gin.h": true, "echo.map": true, "void": true,
	"record<string, any>": true, "record<string, unknown>": true,
}

// IsGeneric reports whether a response type is an untyped or generic wrapper
// such as Object, Map<String, Object>, dict or ResponseEntity<?>.
func IsGeneric(typ string) bool {
	t := strings.ToLower(strings.TrimSpace(typ))
	t = strings.TrimPrefix(t, "*")
	if genericTypes[t] {
		return true
	}
	for _, prefix := range []string{"map<", "map[", "dict[", "typing.dict", "hashmap<", "record<", "list[any", "list<object"} {
		if strings.HasPrefix(t, prefix) {
			return true
		}
	}
	return t == "typing.any" || t == "optional[any]"
}
