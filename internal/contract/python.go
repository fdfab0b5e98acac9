package contract

import (
	"context"
	"regexp"
	"strings"
)

// pythonExtractor reads Flask and FastAPI routes.
type pythonExtractor struct{}

func (pythonExtractor) Name() string { return "python" }

func (pythonExtractor) Sniff(path string, src []byte) bool {
	if !hasExt(path, ".py") {
		return false
	}
	if src == nil {
		return true
	}
	s := string(src)
	return strings.Contains(s, "flask") || strings.Contains(s, "fastapi") ||
		strings.Contains(s, "Blueprint") || strings.Contains(s, "APIRouter")
}

// pyBlock is a def or class statement with its decorators.
type pyBlock struct {
	Kind    string // "def" or "class"
	Name    string
	Start   int // first decorator line, or DefLine
	DefLine int
	End     int
}

var (
	pyDecorator  = regexp.MustCompile(`^@(\w+)\.(route|get|post|put|delete|patch|api_route)\s*\(`)
	pyRouterVar  = regexp.MustCompile(`^(\w+)\s*=\s*(?:APIRouter|Blueprint|FastAPI|Flask)\s*\(`)
	pyPrefixKw   = regexp.MustCompile(`\b(?:url_)?prefix\s*=\s*["']([^"']*)["']`)
	pyMethodsKw  = regexp.MustCompile(`\bmethods\s*=\s*[\[(]([^\])]*)[\])]`)
	pyPathKw     = regexp.MustCompile(`\bpath\s*=\s*["']([^"']*)["']`)
	pyResponseKw = regexp.MustCompile(`\bresponse_model\s*=\s*([\w.\[\], |]+?)\s*(?:,|\)\s*$|$)`)
	pyField      = regexp.MustCompile(`^(\w+)\s*:\s*([^=]+?)\s*(?:=\s*(.+))?$`)
	pyJSONKey    = regexp.MustCompile(`request\.(?:json|get_json\(\)|form)\s*\[\s*["'](\w+)["']\s*\]`)
	pyJSONGet    = regexp.MustCompile(`request\.(?:json|get_json\(\)|form)\.get\(\s*["'](\w+)["']`)
	pyArgsGet    = regexp.MustCompile(`request\.args(?:\.get\(\s*["'](\w+)["']|\s*\[\s*["'](\w+)["']\s*\])`)
	pyHint       = regexp.MustCompile(`^\s*@\w+\.(?:route|get|post|put|delete|patch|api_route)\b|response_model|BaseModel|request\.(?:json|args|get_json|form)|Optional\[|Field\(|^\s+\w+\s*:\s*[\w\[\], |.]+(?:\s*=.*)?$`)
)

func (pythonExtractor) RouteHint(line string) bool {
	return pyHint.MatchString(line)
}

func (pythonExtractor) Extract(ctx context.Context, _ string, src []byte) ([]Endpoint, error) {
	lines := strings.Split(string(src), "\n")
	blocks := pyBlocks(ctx, src, lines)

	prefixes := make(map[string]string)
	for _, line := range lines {
		t := strings.TrimSpace(line)
		if m := pyRouterVar.FindStringSubmatch(t); m != nil {
			if p := pyPrefixKw.FindStringSubmatch(t); p != nil {
				prefixes[m[1]] = p[1]
			}
		}
	}

	models := make(map[string]model)
	for _, b := range blocks {
		if b.Kind == "class" {
			if m, ok := pyModel(lines, b); ok {
				models[m.Name] = m
			}
		}
	}

	var out []Endpoint
	for _, b := range blocks {
		if b.Kind != "def" || b.Start == b.DefLine {
			continue
		}
		header, _ := balancedUntil(lines, b.DefLine-1, func(s string) bool {
			return strings.HasSuffix(strings.TrimSpace(s), ":")
		})
		for _, dec := range pyDecorators(lines, b) {
			m := pyDecorator.FindStringSubmatch(dec)
			if m == nil {
				continue
			}
			for _, method := range pyMethods(m[2], dec) {
				ep := Endpoint{
					Method:  method,
					Path:    joinPath(prefixes[m[1]], pyRoutePath(dec)),
					Handler: b.Name,
					Line:    b.Start,
					EndLine: b.End,
					Spans:   []Span{{b.Start, b.End}},
				}
				pyBindParams(&ep, header, models)
				pyBindBody(&ep, lines[b.DefLine:min(b.End, len(lines))])
				ep = withPathParams(ep)

				if r := pyResponseKw.FindStringSubmatch(dec); r != nil {
					ep.ResponseType = strings.TrimSpace(r[1])
				} else if i := strings.LastIndex(header, "->"); i >= 0 {
					ep.ResponseType = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(header[i+2:]), ":"))
				}
				if rm, ok := models[modelName(ep.ResponseType)]; ok {
					ep.ResponseFields = responseFields(rm)
					ep.Spans = append(ep.Spans, rm.Span)
				}
				out = append(out, ep)
			}
		}
	}
	return out, nil
}

// pyDecorators returns each decorator of a block joined onto one line.
func pyDecorators(lines []string, b pyBlock) []string {
	var out []string
	for i := b.Start - 1; i < b.DefLine-1 && i < len(lines); i++ {
		if !strings.HasPrefix(strings.TrimSpace(lines[i]), "@") {
			continue
		}
		text, last := balancedUntil(lines, i, func(string) bool { return true })
		out = append(out, text)
		i = last
	}
	return out
}

func pyRoutePath(dec string) string {
	if m := pyPathKw.FindStringSubmatch(dec); m != nil {
		return m[1]
	}
	args := splitArgs(innerArgs(dec))
	if len(args) == 0 || strings.Contains(args[0], "=") {
		return "/"
	}
	return firstString(args[0])
}

func pyMethods(verb, dec string) []string {
	if verb != "route" && verb != "api_route" {
		return []string{strings.ToUpper(verb)}
	}
	m := pyMethodsKw.FindStringSubmatch(dec)
	if m == nil {
		return []string{"GET"}
	}
	var out []string
	for _, s := range stringLiterals(m[1]) {
		out = append(out, strings.ToUpper(s))
	}
	if len(out) == 0 {
		return []string{"GET"}
	}
	return out
}

var pyIgnoredParams = map[string]bool{"self": true, "cls": true, "request": true, "response": true, "db": true, "session": true, "background_tasks": true}

func pyBindParams(ep *Endpoint, header string, models map[string]model) {
	pathParams := make(map[string]bool)
	for _, p := range PathParams(ep.Path) {
		pathParams[p] = true
	}
	for _, arg := range splitArgs(innerArgs(header)) {
		if strings.HasPrefix(arg, "*") || arg == "/" {
			continue
		}
		name, typ, dflt := arg, "", ""
		if i := strings.Index(name, "="); i >= 0 {
			name, dflt = strings.TrimSpace(name[:i]), strings.TrimSpace(name[i+1:])
		}
		if i := strings.Index(name, ":"); i >= 0 {
			name, typ = strings.TrimSpace(name[:i]), strings.TrimSpace(name[i+1:])
		}
		if pyIgnoredParams[name] || strings.Contains(dflt, "Depends(") || strings.Contains(typ, "Depends") {
			continue
		}
		switch {
		case pathParams[name]:
			ep.Params = append(ep.Params, Param{Name: name, In: "path", Type: typ, Required: true})
		case models[modelName(typ)].Name != "":
			m := models[modelName(typ)]
			ep.Params = append(ep.Params, bodyParams(m)...)
			ep.Spans = append(ep.Spans, m.Span)
		default:
			in := "query"
			if strings.HasPrefix(dflt, "Header(") {
				in = "header"
			} else if strings.HasPrefix(dflt, "Body(") {
				in = "body"
			}
			ep.Params = append(ep.Params, Param{Name: name, In: in, Type: pyBaseType(typ), Required: pyRequired(typ, dflt)})
		}
	}
}

// pyBindBody reads Flask-style request access inside the handler body.
func pyBindBody(ep *Endpoint, body []string) {
	seen := make(map[string]bool)
	add := func(p Param) {
		if seen[p.In+p.Name] {
			return
		}
		seen[p.In+p.Name] = true
		ep.Params = append(ep.Params, p)
	}
	for _, line := range body {
		for _, m := range pyJSONKey.FindAllStringSubmatch(line, -1) {
			add(Param{Name: m[1], In: "body", Required: true})
		}
		for _, m := range pyJSONGet.FindAllStringSubmatch(line, -1) {
			add(Param{Name: m[1], In: "body"})
		}
		for _, m := range pyArgsGet.FindAllStringSubmatch(line, -1) {
			name := m[1]
			if name == "" {
				name = m[2]
			}
			add(Param{Name: name, In: "query", Required: m[2] != ""})
		}
	}
}

func pyOptionalType(typ string) bool {
	t := strings.ReplaceAll(typ, " ", "")
	return strings.HasPrefix(t, "Optional[") || strings.HasSuffix(t, "|None") || strings.HasPrefix(t, "None|") ||
		strings.HasPrefix(t, "typing.Optional[")
}

func pyBaseType(typ string) string {
	t := strings.TrimSpace(typ)
	for _, p := range []string{"typing.Optional[", "Optional["} {
		if strings.HasPrefix(t, p) && strings.HasSuffix(t, "]") {
			return strings.TrimSpace(t[len(p) : len(t)-1])
		}
	}
	t = strings.TrimSuffix(strings.ReplaceAll(t, " ", ""), "|None")
	return strings.TrimPrefix(t, "None|")
}

// pyRequired applies FastAPI semantics: no default and a non-Optional type
// means required; Query(...) and Field(...) with an ellipsis are required.
func pyRequired(typ, dflt string) bool {
	if dflt == "" {
		return !pyOptionalType(typ)
	}
	args := splitArgs(innerArgs(dflt))
	return strings.Contains(dflt, "(") && len(args) > 0 && args[0] == "..."
}

// pyModel reads a pydantic model, dataclass or TypedDict. Other classes are
// ignored.
func pyModel(lines []string, b pyBlock) (model, bool) {
	header, hdrEnd := balancedUntil(lines, b.DefLine-1, func(s string) bool {
		return strings.HasSuffix(strings.TrimSpace(s), ":")
	})
	decorated := false
	for _, dec := range pyDecorators(lines, b) {
		if strings.Contains(dec, "dataclass") {
			decorated = true
		}
	}
	bases := innerArgs(header)
	if !decorated && !strings.Contains(bases, "BaseModel") && !strings.Contains(bases, "TypedDict") &&
		!strings.Contains(bases, "Schema") {
		return model{}, false
	}

	m := model{Name: b.Name, Span: Span{b.Start, b.End}}
	bodyIndent := -1
	for i := hdrEnd + 1; i < b.End && i < len(lines); i++ {
		line := lines[i]
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if bodyIndent < 0 {
			bodyIndent = indent
		}
		if indent != bodyIndent {
			continue
		}
		f := pyField.FindStringSubmatch(stripPyComment(t))
		if f == nil || strings.HasPrefix(f[2], "ClassVar") {
			continue
		}
		typ, dflt := strings.TrimSpace(f[2]), strings.TrimSpace(f[3])
		optional := pyOptionalType(typ) || dflt == "None" || strings.HasPrefix(dflt, "Field(None") ||
			strings.Contains(typ, "NotRequired[")
		m.Fields = append(m.Fields, modelField{
			Name:     f[1],
			Type:     pyBaseType(typ),
			Required: pyRequired(typ, dflt),
			Optional: optional,
		})
	}
	return m, true
}

func stripPyComment(s string) string {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0 && c == quote:
			quote = 0
		case quote == 0 && (c == '"' || c == '\''):
			quote = c
		case quote == 0 && c == '#':
			return strings.TrimSpace(s[:i])
		}
	}
	return s
}

var pyDefLine = regexp.MustCompile(`^(?:async\s+)?(def|class)\s+(\w+)`)

// indentBlocks finds def and class blocks by indentation. It is the fallback
// when the source does not parse cleanly, such as a diff fragment.
func indentBlocks(lines []string) []pyBlock {
	var (
		out     []pyBlock
		decFrom = -1
	)
	for i := 0; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		if t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		if strings.HasPrefix(t, "@") {
			if decFrom < 0 {
				decFrom = i
			}
			_, last := balancedUntil(lines, i, func(string) bool { return true })
			i = last
			continue
		}
		m := pyDefLine.FindStringSubmatch(t)
		if m == nil {
			decFrom = -1
			continue
		}
		indent := len(lines[i]) - len(strings.TrimLeft(lines[i], " \t"))
		_, hdrEnd := balancedUntil(lines, i, func(s string) bool {
			return strings.HasSuffix(stripPyComment(strings.TrimSpace(s)), ":")
		})
		end := hdrEnd
		for j := hdrEnd + 1; j < len(lines); j++ {
			tj := strings.TrimSpace(lines[j])
			if tj == "" || strings.HasPrefix(tj, "#") {
				continue
			}
			if len(lines[j])-len(strings.TrimLeft(lines[j], " \t")) <= indent {
				break
			}
			end = j
		}
		start := i
		if decFrom >= 0 {
			start = decFrom
		}
		out = append(out, pyBlock{Kind: m[1], Name: m[2], Start: start + 1, DefLine: i + 1, End: end + 1})
		decFrom = -1
	}
	return out
}
