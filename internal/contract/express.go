package contract

import (
	"context"
	"regexp"
	"strings"
)

// expressExtractor reads Express (and Express-compatible router) routes in
// JavaScript or TypeScript.
type expressExtractor struct{}

func (expressExtractor) Name() string { return "express" }

func (expressExtractor) Sniff(path string, src []byte) bool {
	if !hasExt(path, ".js", ".ts", ".mjs", ".cjs", ".jsx", ".tsx") {
		return false
	}
	if src == nil {
		return true
	}
	s := string(src)
	return strings.Contains(s, "express") || strings.Contains(s, "Router(") || expressRoute.MatchString(s)
}

var (
	expressRoute   = regexp.MustCompile(`\b(\w+)\.(get|post|put|delete|patch|all)\s*\(\s*(?:'([^']*)'|"([^"]*)"|` + "`([^`]*)`" + `)`)
	expressUse     = regexp.MustCompile(`\b\w+\.use\s*\(\s*['"` + "`" + `]([^'"` + "`" + `]+)['"` + "`" + `]\s*,\s*(\w+)\s*\)`)
	expressQuery   = regexp.MustCompile(`\breq\.query\.(\w+)`)
	expressBody    = regexp.MustCompile(`\breq\.body\.(\w+)`)
	expressDestr   = regexp.MustCompile(`\{([^{}]+)\}\s*=\s*req\.(query|body)\b`)
	expressJSON    = regexp.MustCompile(`\bres(?:\.status\(\s*2\d\d\s*\))?\.(?:json|send)\(\s*\{([^{}]*)\}`)
	expressResType = regexp.MustCompile(`\bres\s*:\s*Response\s*<\s*([\w.\[\]]+)`)
	expressReqType = regexp.MustCompile(`\breq\s*:\s*Request\s*<([^>]*)>`)
	tsInterface    = regexp.MustCompile(`^(?:export\s+)?(?:interface\s+(\w+)|type\s+(\w+)\s*=\s*\{)`)
	tsField        = regexp.MustCompile(`^(?:readonly\s+)?(\w+)(\??)\s*:\s*([^;,]+)[;,]?$`)
	jsFunction     = regexp.MustCompile(`^(?:export\s+)?(?:async\s+)?function\s+(\w+)|^(?:export\s+)?(?:const|let|var)\s+(\w+)\s*=\s*(?:async\s*)?(?:function\b|\()|^(?:module\.)?exports\.(\w+)\s*=`)
	expressHint    = regexp.MustCompile(`\.(?:get|post|put|delete|patch|all)\s*\(\s*['"` + "`" + `]/|req\.(?:body|query|params)|res(?:\.status\(\d+\))?\.json\(|\.required\(\)|\.(?:exists|notEmpty)\(|^\s*(?:readonly\s+)?\w+\??\s*:\s*[\w\[\]|<> ]+;?\s*$`)
)

func (expressExtractor) RouteHint(line string) bool {
	return expressHint.MatchString(line)
}

func (expressExtractor) Extract(ctx context.Context, path string, src []byte) ([]Endpoint, error) {
	o := parseOutline(ctx, grammarFor(path), src)
	lines := o.lines
	text := strings.Join(lines, "\n")

	prefixes := make(map[string]string)
	for _, m := range expressUse.FindAllStringSubmatch(text, -1) {
		prefixes[m[2]] = m[1]
	}
	models := tsModels(o)
	functions := jsFunctions(o)

	var out []Endpoint
	for i := 0; i < len(lines); i++ {
		m := expressRoute.FindStringSubmatch(lines[i])
		if m == nil || m[1] == "req" || m[1] == "res" || m[1] == "axios" || m[1] == "http" {
			continue
		}
		path := m[3] + m[4] + m[5]
		if !strings.HasPrefix(path, "/") {
			continue
		}
		call, last := balancedUntil(lines, i, func(string) bool { return true })
		ep := Endpoint{
			Method:  strings.ToUpper(m[2]),
			Path:    joinPath(prefixes[m[1]], path),
			Line:    i + 1,
			EndLine: last + 1,
			Spans:   []Span{{i + 1, last + 1}},
		}
		if ep.Method == "ALL" {
			ep.Method = "ANY"
		}

		body := lines[i : last+1]
		args := splitArgs(innerArgs(call))
		if len(args) > 1 {
			handler := args[len(args)-1]
			if k := strings.LastIndexByte(handler, '.'); k >= 0 {
				handler = handler[k+1:]
			}
			if isIdent(handler) {
				ep.Handler = handler
				if span, ok := functions[handler]; ok {
					ep.Spans = append(ep.Spans, span)
					body = lines[span.Start-1 : min(span.End, len(lines))]
				}
			}
		}

		expressBind(&ep, body, text, models)
		ep = withPathParams(ep)
		out = append(out, ep)
		i = last
	}
	return out, nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if !(r == '_' || r == '$' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || i > 0 && r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func expressBind(ep *Endpoint, body []string, file string, models map[string]model) {
	joined := strings.Join(body, "\n")
	seen := make(map[string]bool)
	add := func(name, in string) {
		if seen[in+name] {
			return
		}
		seen[in+name] = true
		required := in == "body" && jsRequired(name, joined, file)
		ep.Params = append(ep.Params, Param{Name: name, In: in, Required: required})
	}

	if m := expressReqType.FindStringSubmatch(joined); m != nil {
		generics := splitArgs(m[1])
		if len(generics) >= 3 {
			if bm, ok := models[modelName(generics[2])]; ok {
				for _, p := range bodyParams(bm) {
					seen["body"+p.Name] = true
					ep.Params = append(ep.Params, p)
				}
				ep.Spans = append(ep.Spans, bm.Span)
			}
		}
	}
	for _, m := range expressDestr.FindAllStringSubmatch(joined, -1) {
		for _, part := range splitArgs(m[1]) {
			name := strings.TrimSpace(part)
			if k := strings.IndexAny(name, ":="); k >= 0 {
				name = strings.TrimSpace(name[:k])
			}
			if isIdent(name) {
				add(name, m[2])
			}
		}
	}
	for _, m := range expressBody.FindAllStringSubmatch(joined, -1) {
		add(m[1], "body")
	}
	for _, m := range expressQuery.FindAllStringSubmatch(joined, -1) {
		add(m[1], "query")
	}

	if m := expressResType.FindStringSubmatch(joined); m != nil {
		ep.ResponseType = m[1]
		if rm, ok := models[modelName(m[1])]; ok {
			ep.ResponseFields = responseFields(rm)
			ep.Spans = append(ep.Spans, rm.Span)
		}
		return
	}
	if m := expressJSON.FindStringSubmatch(joined); m != nil {
		for _, part := range splitArgs(m[1]) {
			name := strings.TrimSpace(part)
			if k := strings.Index(name, ":"); k >= 0 {
				name = strings.TrimSpace(name[:k])
			}
			name = strings.Trim(name, `'"`)
			if strings.HasPrefix(name, "...") || name == "" {
				continue
			}
			ep.ResponseFields = append(ep.ResponseFields, Field{Name: name})
		}
	}
}

// jsRequired looks for the validation idioms that make a body field
// mandatory: a falsy guard in the handler, or an express-validator / Joi
// rule anywhere in the file.
func jsRequired(name, handler, file string) bool {
	q := regexp.QuoteMeta(name)
	guard := regexp.MustCompile(`!\s*(?:req\.body\.)?` + q + `\b|` + q + `\s*===?\s*undefined`)
	if guard.MatchString(handler) {
		return true
	}
	rule := regexp.MustCompile(`(?:body|check)\(\s*['"]` + q + `['"]\s*\)[^;\n]*\.(?:exists|notEmpty)\(|\b` + q + `\s*:\s*Joi\.[^,\n]*\.required\(\)|\b` + q + `\s*:\s*z\.[^,\n]*\.(?:min|nonempty)\(`)
	return rule.MatchString(file)
}

// jsFunctions maps named functions to their spans.
func jsFunctions(o *outline) map[string]Span {
	lines := o.lines
	out := make(map[string]Span)
	for i, line := range lines {
		m := jsFunction.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		name := m[1] + m[2] + m[3]
		if !strings.Contains(strings.Join(lines[i:min(i+3, len(lines))], " "), "{") {
			out[name] = Span{i + 1, i + 1}
			continue
		}
		out[name] = Span{i + 1, o.blockEnd(i)}
	}
	return out
}

// tsModels reads TypeScript interfaces and object type aliases.
func tsModels(o *outline) map[string]model {
	lines := o.lines
	models := make(map[string]model)
	for i, line := range lines {
		m := tsInterface.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		end := o.blockEnd(i)
		mod := model{Name: m[1] + m[2], Span: Span{i + 1, end}}
		for _, fl := range lines[i+1 : max(i+1, end-1)] {
			f := tsField.FindStringSubmatch(strings.TrimSpace(fl))
			if f == nil {
				continue
			}
			typ := strings.TrimSpace(f[3])
			optional := f[2] == "?" || strings.Contains(typ, "| undefined") || strings.Contains(typ, "| null")
			mod.Fields = append(mod.Fields, modelField{
				Name:     f[1],
				Type:     typ,
				Required: !optional,
				Optional: optional,
			})
		}
		models[mod.Name] = mod
	}
	return models
}
