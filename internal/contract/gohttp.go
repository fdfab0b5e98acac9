package contract

import (
	"context"
	"reflect"
	"regexp"
	"strings"
)

// goHTTPExtractor reads routes registered with net/http, gin, echo, chi or
// gorilla/mux.
type goHTTPExtractor struct{}

func (goHTTPExtractor) Name() string { return "go-http" }

func (goHTTPExtractor) Sniff(path string, src []byte) bool {
	if !hasExt(path, ".go") || strings.HasSuffix(path, "_test.go") {
		return false
	}
	if src == nil {
		return true
	}
	s := string(src)
	for _, imp := range []string{`"net/http"`, "gin-gonic/gin", "labstack/echo", "go-chi/chi", "gorilla/mux"} {
		if strings.Contains(s, imp) {
			return true
		}
	}
	return false
}

var (
	goVerbRoute  = regexp.MustCompile(`\b(\w+)\.(GET|POST|PUT|DELETE|PATCH|Any|Get|Post|Put|Delete|Patch)\(\s*"([^"]*)"\s*,`)
	goHandleFunc = regexp.MustCompile(`\b(\w+)\.(?:HandleFunc|Handle)\(\s*"([^"]*)"\s*,`)
	goMethods    = regexp.MustCompile(`\.Methods\(\s*"(\w+)"`)
	goGroup      = regexp.MustCompile(`\b(\w+)\s*:?=\s*(\w+)\.(?:Group|PathPrefix)\(\s*"([^"]*)"`)
	goFuncDecl   = regexp.MustCompile(`^func\s+(?:\([^)]*\)\s*)?(\w+)\s*\(`)
	goStructDecl = regexp.MustCompile(`^type\s+(\w+)\s+struct\s*\{`)
	goStructLine = regexp.MustCompile("^(\\w+)\\s+([\\w.*\\[\\]]+)\\s*(?:`([^`]*)`)?")
	goParam      = regexp.MustCompile(`\bc\.Param\(\s*"(\w+)"\)|\bPathValue\(\s*"(\w+)"\)|mux\.Vars\(\w+\)\[\s*"(\w+)"\s*\]`)
	goQuery      = regexp.MustCompile(`\.(?:Query|DefaultQuery|QueryParam)\(\s*"(\w+)"|URL\.Query\(\)\.Get\(\s*"(\w+)"\)`)
	goHeader     = regexp.MustCompile(`\.(?:GetHeader|Header\.Get)\(\s*"([\w-]+)"\)`)
	goBind       = regexp.MustCompile(`\.(?:ShouldBindJSON|BindJSON|ShouldBind|Bind|Decode)\(\s*&(\w+)\s*\)`)
	goRespond    = regexp.MustCompile(`\.(?:JSON|IndentedJSON|Encode)\(\s*(?:([\w.]+)\s*,\s*)?(&?[\w.]+)(\{)?`)
	goErrStatus  = regexp.MustCompile(`(?i)bad|error|notfound|unauthorized|forbidden|conflict|unprocessable|^[45]\d\d$`)
	goHint       = regexp.MustCompile(`\.(?:GET|POST|PUT|DELETE|PATCH|Get|Post|Put|Delete|Patch|HandleFunc|Handle|Group)\(\s*"|binding:"|validate:"|json:"|c\.(?:Param|Query|JSON|ShouldBind)|\.Decode\(|\.Encode\(`)
)

func (goHTTPExtractor) RouteHint(line string) bool {
	return goHint.MatchString(line)
}

func (goHTTPExtractor) Extract(ctx context.Context, path string, src []byte) ([]Endpoint, error) {
	o := parseOutline(ctx, grammarFor(path), src)
	lines := o.lines
	structs := goStructs(o)
	funcs := goFuncs(o)

	prefixes := make(map[string]string)
	for _, line := range lines {
		if m := goGroup.FindStringSubmatch(line); m != nil {
			prefixes[m[1]] = joinPath(prefixes[m[2]], m[3])
		}
	}

	var out []Endpoint
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		var recv, method, path string
		if m := goVerbRoute.FindStringSubmatch(line); m != nil {
			recv, method, path = m[1], strings.ToUpper(m[2]), m[3]
		} else if m := goHandleFunc.FindStringSubmatch(line); m != nil {
			recv, method, path = m[1], "ANY", m[2]
			if verb, rest, ok := strings.Cut(path, " "); ok && strings.HasPrefix(strings.TrimSpace(rest), "/") {
				method, path = verb, strings.TrimSpace(rest)
			}
		} else {
			continue
		}
		if !strings.HasPrefix(path, "/") {
			continue
		}

		call, last := balancedUntil(lines, i, func(string) bool { return true })
		if mm := goMethods.FindStringSubmatch(call); mm != nil {
			method = strings.ToUpper(mm[1])
		}
		ep := Endpoint{
			Method:  method,
			Path:    joinPath(prefixes[recv], path),
			Line:    i + 1,
			EndLine: last + 1,
			Spans:   []Span{{i + 1, last + 1}},
		}
		body := lines[i : last+1]
		args := splitArgs(innerArgs(call))
		if len(args) > 1 {
			handler := args[1]
			if k := strings.LastIndexByte(handler, '.'); k >= 0 {
				handler = handler[k+1:]
			}
			if isIdent(handler) {
				ep.Handler = handler
				if span, ok := funcs[handler]; ok {
					ep.Spans = append(ep.Spans, span)
					body = lines[span.Start-1 : min(span.End, len(lines))]
				}
			}
		}

		goBindHandler(&ep, strings.Join(body, "\n"), structs)
		ep = withPathParams(ep)
		out = append(out, ep)
		i = last
	}
	return out, nil
}

func goBindHandler(ep *Endpoint, body string, structs map[string]model) {
	seen := make(map[string]bool)
	add := func(p Param) {
		if seen[p.In+p.Name] {
			return
		}
		seen[p.In+p.Name] = true
		ep.Params = append(ep.Params, p)
	}
	for _, m := range goParam.FindAllStringSubmatch(body, -1) {
		add(Param{Name: m[1] + m[2] + m[3], In: "path", Required: true})
	}
	for _, m := range goQuery.FindAllStringSubmatch(body, -1) {
		add(Param{Name: m[1] + m[2], In: "query"})
	}
	for _, m := range goHeader.FindAllStringSubmatch(body, -1) {
		add(Param{Name: m[1], In: "header"})
	}
	for _, m := range goBind.FindAllStringSubmatch(body, -1) {
		if sm, ok := structs[goVarType(body, m[1])]; ok {
			for _, p := range bodyParams(sm) {
				add(p)
			}
			ep.Spans = append(ep.Spans, sm.Span)
		}
	}

	var m []string
	for _, r := range goRespond.FindAllStringSubmatch(body, -1) {
		if !goErrStatus.MatchString(r[1]) {
			m = r
			break
		}
	}
	if m == nil {
		return
	}
	arg := strings.TrimPrefix(m[2], "&")
	switch {
	case arg == "gin.H" || arg == "echo.Map" || strings.HasPrefix(arg, "map"):
		ep.ResponseType = arg
	case m[3] == "{":
		ep.ResponseType = arg
	default:
		ep.ResponseType = goVarType(body, arg)
	}
	if sm, ok := structs[modelName(ep.ResponseType)]; ok {
		ep.ResponseFields = responseFields(sm)
		ep.Spans = append(ep.Spans, sm.Span)
	}
}

// goVarType resolves the declared type of a local variable from the usual
// declaration forms. It returns "" when the type is inferred from a call.
func goVarType(body, name string) string {
	q := regexp.QuoteMeta(name)
	decl := regexp.MustCompile(`\bvar\s+` + q + `\s+([\w.*\[\]]+)|\b` + q + `\s*:=\s*&?([\w.]+)\{`)
	m := decl.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return strings.TrimPrefix(m[1]+m[2], "*")
}

func goFuncs(o *outline) map[string]Span {
	out := make(map[string]Span)
	for i, line := range o.lines {
		if m := goFuncDecl.FindStringSubmatch(line); m != nil {
			out[m[1]] = Span{i + 1, o.blockEnd(i)}
		}
	}
	return out
}

// goStructs reads struct declarations. The json tag names the field;
// binding:"required" or validate:"required" makes a request field required,
// and omitempty or a pointer makes a response field optional.
func goStructs(o *outline) map[string]model {
	lines := o.lines
	out := make(map[string]model)
	for i, line := range lines {
		m := goStructDecl.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		end := o.blockEnd(i)
		mod := model{Name: m[1], Span: Span{i + 1, end}}
		for _, fl := range lines[i+1 : max(i+1, end-1)] {
			f := goStructLine.FindStringSubmatch(strings.TrimSpace(fl))
			if f == nil || f[1] == "" || f[1][0] < 'A' || f[1][0] > 'Z' {
				continue
			}
			tag := reflect.StructTag(f[3])
			name := f[1]
			jsonTag := tag.Get("json")
			if jsonTag == "-" {
				continue
			}
			if n, _, _ := strings.Cut(jsonTag, ","); n != "" {
				name = n
			}
			mod.Fields = append(mod.Fields, modelField{
				Name:     name,
				Type:     f[2],
				Required: strings.Contains(tag.Get("binding"), "required") || strings.Contains(tag.Get("validate"), "required"),
				Optional: strings.Contains(jsonTag, "omitempty") || strings.HasPrefix(f[2], "*"),
			})
		}
		out[mod.Name] = mod
	}
	return out
}
