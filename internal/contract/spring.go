package contract

import (
	"context"
	"regexp"
	"strings"
)

// springExtractor reads Spring MVC / WebFlux controllers in Java or Kotlin.
type springExtractor struct{}

func (springExtractor) Name() string { return "spring" }

func (springExtractor) Sniff(path string, src []byte) bool {
	if !hasExt(path, ".java", ".kt") {
		return false
	}
	if src == nil {
		return true
	}
	s := string(src)
	return strings.Contains(s, "Mapping") &&
		(strings.Contains(s, "@RestController") || strings.Contains(s, "@Controller") ||
			strings.Contains(s, "springframework"))
}

var (
	springMapping   = regexp.MustCompile(`@(Get|Post|Put|Delete|Patch|Request)Mapping\b`)
	springMethod    = regexp.MustCompile(`RequestMethod\.(\w+)`)
	springNamedPath = regexp.MustCompile(`\b(?:value|path)\s*=\s*\{?\s*"([^"]*)"`)
	springParamName = regexp.MustCompile(`\b(?:value|name)\s*=\s*"([^"]*)"`)
	springClass     = regexp.MustCompile(`(?:^|\s)(?:class|interface|record|object)\s+(\w+)`)
	springHint      = regexp.MustCompile(`@(?:Get|Post|Put|Delete|Patch|Request)Mapping|@RequestBody|@PathVariable|@RequestParam|@RequestHeader|@Valid\b|@NotNull|@NotBlank|@NotEmpty|@Nullable|@JsonProperty|@RestController`)
	annotationRx    = regexp.MustCompile(`@[\w.]+(?:\s*\([^()]*(?:\([^()]*\)[^()]*)*\))?`)
	javaField       = regexp.MustCompile(`^(?:(?:private|protected|public|final|static|transient|volatile)\s+)*([\w.]+(?:<[^;=]*>)?(?:\[\])?)\s+(\w+)\s*(?:=[^;]*)?;`)
	kotlinProperty  = regexp.MustCompile(`^(?:(?:private|protected|public|override|open|lateinit)\s+)*va[lr]\s+(\w+)\s*:\s*([^=,)]+?)\s*(=.*)?$`)
	requiredMarkers = []string{"@NotNull", "@NotBlank", "@NotEmpty", "@JsonProperty(required = true)", "@JsonProperty(required=true)"}
)

func (springExtractor) RouteHint(line string) bool {
	return springHint.MatchString(line)
}

func (springExtractor) Extract(ctx context.Context, path string, src []byte) ([]Endpoint, error) {
	o := parseOutline(ctx, grammarFor(path), src)
	lines := o.lines
	models := javaModels(o)

	var (
		out         []Endpoint
		prefix      string
		pendingPath string
		pending     bool
	)
	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}

		if m := springMapping.FindStringSubmatchIndex(trimmed); m != nil && !springClass.MatchString(trimmed[:m[0]]) {
			annotation, last := balancedUntil(lines, i, func(string) bool { return true })
			annotation = annotation[strings.Index(annotation, "@"):]
			kind := trimmed[m[2]:m[3]]

			if !o.insideClass(i) {
				// Class-level mapping: remember it for the class that follows.
				pendingPath, pending = mappingPath(annotation), true
				i = last
				continue
			}

			ep, end := springEndpoint(o, i, last, kind, annotation, prefix, models)
			if ep.Method != "" {
				out = append(out, ep)
			}
			i = end
			continue
		}

		if springClass.MatchString(trimmed) && !o.insideClass(i) {
			prefix = ""
			if pending {
				prefix, pending = pendingPath, false
			}
		}
	}
	return out, nil
}

func mappingPath(annotation string) string {
	if m := springNamedPath.FindStringSubmatch(annotation); m != nil {
		return m[1]
	}
	args := splitArgs(innerArgs(annotation))
	if len(args) == 0 || strings.Contains(args[0], "=") {
		return ""
	}
	return firstString(args[0])
}

func springEndpoint(o *outline, start, annEnd int, kind, annotation, prefix string, models map[string]model) (Endpoint, int) {
	lines := o.lines
	method := strings.ToUpper(kind)
	if kind == "Request" {
		method = "GET"
		if m := springMethod.FindStringSubmatch(annotation); m != nil {
			method = strings.ToUpper(m[1])
		}
	}

	// Skip further annotations up to the method declaration.
	sigStart := annEnd + 1
	for sigStart < len(lines) {
		t := strings.TrimSpace(lines[sigStart])
		if t == "" || (strings.HasPrefix(t, "@") && !strings.Contains(annotationRx.ReplaceAllString(t, ""), "(")) {
			_, last := balancedUntil(lines, sigStart, func(string) bool { return true })
			sigStart = last + 1
			continue
		}
		break
	}
	if sigStart >= len(lines) {
		return Endpoint{}, annEnd
	}
	sig, sigEnd := balancedUntil(lines, sigStart, func(s string) bool {
		return strings.Contains(s, "(") && (strings.Contains(s, "{") || strings.HasSuffix(s, ";") || strings.Contains(s, "="))
	})

	head := sig
	if open := strings.IndexByte(sig, '('); open >= 0 {
		head = sig[:open]
	}
	fields := strings.Fields(head)
	if len(fields) == 0 {
		return Endpoint{}, sigEnd
	}
	ep := Endpoint{
		Method:  method,
		Path:    joinPath(prefix, mappingPath(annotation)),
		Handler: fields[len(fields)-1],
		Line:    start + 1,
	}
	if ep.Path == "" {
		ep.Path = "/"
	}

	returnType := javaReturnType(sig, fields)
	ep.ResponseType = unwrapResponse(returnType)

	for _, arg := range splitArgs(innerArgs(sig)) {
		ep.Params = append(ep.Params, springParam(arg, models, &ep)...)
	}
	ep = withPathParams(ep)

	if m, ok := models[modelName(ep.ResponseType)]; ok {
		ep.ResponseFields = responseFields(m)
		ep.Spans = append(ep.Spans, m.Span)
	}

	end := sigEnd + 1
	if strings.Contains(sig, "{") {
		end = o.blockEnd(sigStart)
	}
	ep.EndLine = end
	ep.Spans = append(ep.Spans, Span{ep.Line, ep.EndLine})
	return ep, end - 1
}

// javaReturnType finds the declared return type in a Java method head or a
// Kotlin ": Type" suffix.
func javaReturnType(sig string, head []string) string {
	if strings.Contains(" "+strings.Join(head, " ")+" ", " fun ") {
		close := closingParen(sig)
		if close < 0 {
			return ""
		}
		rest := strings.TrimSpace(sig[close+1:])
		if !strings.HasPrefix(rest, ":") {
			return ""
		}
		rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
		if i := strings.IndexAny(rest, "{="); i >= 0 {
			rest = rest[:i]
		}
		return strings.TrimSpace(rest)
	}
	if len(head) < 2 {
		return ""
	}
	// Generic return types may contain spaces: rejoin everything between
	// the modifiers and the method name.
	var parts []string
	for _, tok := range head[:len(head)-1] {
		switch tok {
		case "public", "private", "protected", "static", "final", "synchronized", "abstract", "default":
			continue
		}
		if strings.HasPrefix(tok, "@") {
			continue
		}
		parts = append(parts, tok)
	}
	return strings.Join(parts, " ")
}

var wrapperTypes = []string{"ResponseEntity", "Mono", "Flux", "CompletableFuture", "Optional", "HttpEntity", "Callable", "DeferredResult"}

// unwrapResponse strips transport wrappers such as ResponseEntity<T>.
func unwrapResponse(t string) string {
	t = strings.TrimSpace(t)
	for changed := true; changed; {
		changed = false
		for _, w := range wrapperTypes {
			if strings.HasPrefix(t, w+"<") && strings.HasSuffix(t, ">") {
				t = strings.TrimSpace(t[len(w)+1 : len(t)-1])
				changed = true
			}
		}
	}
	return t
}

// modelName extracts the element type of a response type, so List<Payment>
// and Payment[] both resolve to Payment.
func modelName(t string) string {
	t = strings.TrimSpace(t)
	for {
		open, close := strings.IndexByte(t, '<'), strings.LastIndexByte(t, '>')
		if open < 0 || close < open {
			break
		}
		t = strings.TrimSpace(t[open+1 : close])
	}
	if open := strings.IndexByte(t, '['); open > 0 && strings.HasSuffix(t, "]") {
		inner := t[open+1 : len(t)-1]
		if inner != "" {
			t = inner
		} else {
			t = t[:open]
		}
	}
	t = strings.TrimPrefix(strings.TrimPrefix(t, "[]"), "*")
	t = strings.TrimSuffix(t, "?")
	if i := strings.LastIndexByte(t, '.'); i >= 0 {
		t = t[i+1:]
	}
	return t
}

func springParam(arg string, models map[string]model, ep *Endpoint) []Param {
	annotations := annotationRx.FindAllString(arg, -1)
	rest := strings.TrimSpace(annotationRx.ReplaceAllString(arg, ""))
	rest = strings.TrimPrefix(rest, "final ")

	name, typ := "", ""
	if strings.Contains(rest, ":") {
		k := strings.SplitN(rest, ":", 2)
		name, typ = strings.TrimSpace(k[0]), strings.TrimSpace(k[1])
		if i := strings.Index(typ, "="); i >= 0 {
			typ = strings.TrimSpace(typ[:i])
		}
	} else if f := strings.Fields(rest); len(f) >= 2 {
		typ, name = strings.Join(f[:len(f)-1], " "), f[len(f)-1]
	}

	var (
		in       string
		required = true
		explicit string
	)
	for _, a := range annotations {
		switch {
		case strings.HasPrefix(a, "@PathVariable"):
			in = "path"
		case strings.HasPrefix(a, "@RequestParam"):
			in = "query"
		case strings.HasPrefix(a, "@RequestHeader"):
			in = "header"
		case strings.HasPrefix(a, "@RequestBody"):
			in = "body"
		default:
			continue
		}
		compact := strings.ReplaceAll(a, " ", "")
		if strings.Contains(compact, "required=false") || strings.Contains(compact, "defaultValue=") {
			required = false
		}
		if m := springParamName.FindStringSubmatch(a); m != nil {
			explicit = m[1]
		} else if s := firstString(a); s != "" && !strings.Contains(a, "=") {
			explicit = s
		}
	}
	if in == "" {
		return nil
	}
	if strings.HasSuffix(typ, "?") {
		required = false
	}
	if explicit != "" {
		name = explicit
	}
	if in == "body" {
		if m, ok := models[modelName(typ)]; ok {
			ep.Spans = append(ep.Spans, m.Span)
			return bodyParams(m)
		}
	}
	return []Param{{Name: name, In: in, Type: strings.TrimSuffix(typ, "?"), Required: required}}
}

// javaModels collects classes, records and Kotlin data classes with their
// fields. Field annotations may sit on the preceding lines.
func javaModels(o *outline) map[string]model {
	lines := o.lines
	models := make(map[string]model)
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		m := springClass.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		name := m[1]
		end := i + 1
		mod := model{Name: name}

		if strings.Contains(trimmed, "(") {
			// record or Kotlin primary constructor
			text, last := balancedUntil(lines, i, func(s string) bool { return strings.Contains(s, ")") })
			for _, arg := range splitArgs(innerArgs(text)) {
				if f, ok := constructorField(arg); ok {
					mod.Fields = append(mod.Fields, f)
				}
			}
			end = last + 1
			if strings.Contains(text, "{") {
				end = o.blockEnd(i)
			}
		} else {
			end = o.blockEnd(i)
			mod.Fields = classFields(lines[i+1 : min(end, len(lines))])
		}
		mod.Span = Span{i + 1, end}
		models[name] = mod
	}
	return models
}

func constructorField(arg string) (modelField, bool) {
	annotations := strings.Join(annotationRx.FindAllString(arg, -1), " ")
	rest := strings.TrimSpace(annotationRx.ReplaceAllString(arg, ""))
	if m := kotlinProperty.FindStringSubmatch(rest); m != nil {
		typ := strings.TrimSpace(m[2])
		f := modelField{Name: m[1], Type: strings.TrimSuffix(typ, "?")}
		f.Optional = strings.HasSuffix(typ, "?")
		f.Required = !f.Optional && m[3] == ""
		applyMarkers(&f, annotations)
		return f, true
	}
	if parts := strings.Fields(rest); len(parts) >= 2 {
		f := modelField{Name: parts[len(parts)-1], Type: strings.Join(parts[:len(parts)-1], " ")}
		applyMarkers(&f, annotations)
		return f, true
	}
	return modelField{}, false
}

func classFields(body []string) []modelField {
	var (
		out     []modelField
		pending []string
		depth   int
	)
	for _, line := range body {
		trimmed := strings.TrimSpace(line)
		clean := stripStrings(trimmed)
		if depth == 0 {
			switch {
			case strings.HasPrefix(trimmed, "@") && !strings.HasSuffix(trimmed, ";"):
				pending = append(pending, trimmed)
			case trimmed == "":
			default:
				decl := strings.TrimSpace(annotationRx.ReplaceAllString(trimmed, ""))
				annotations := strings.Join(append(pending, annotationRx.FindAllString(trimmed, -1)...), " ")
				pending = nil
				if strings.Contains(decl, " static ") || strings.HasPrefix(decl, "static ") {
					break
				}
				if m := javaField.FindStringSubmatch(decl); m != nil {
					f := modelField{Name: m[2], Type: m[1]}
					f.Optional = strings.HasPrefix(m[1], "Optional<")
					applyMarkers(&f, annotations)
					out = append(out, f)
				} else if m := kotlinProperty.FindStringSubmatch(decl); m != nil {
					typ := strings.TrimSpace(m[2])
					f := modelField{Name: m[1], Type: strings.TrimSuffix(typ, "?"), Optional: strings.HasSuffix(typ, "?")}
					applyMarkers(&f, annotations)
					out = append(out, f)
				}
			}
		}
		depth += strings.Count(clean, "{") - strings.Count(clean, "}")
		if depth < 0 {
			depth = 0
		}
	}
	return out
}

func applyMarkers(f *modelField, annotations string) {
	compact := strings.ReplaceAll(annotations, " ", "")
	for _, marker := range requiredMarkers {
		if strings.Contains(compact, strings.ReplaceAll(marker, " ", "")) {
			f.Required = true
		}
	}
	if strings.Contains(annotations, "@Nullable") {
		f.Optional = true
		f.Required = false
	}
}
