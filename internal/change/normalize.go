package change

import (
	"regexp"
	"strings"

	brerrors "blastradius/internal/errors"
)

// Request is the raw input of one analysis.
type Request struct {
	Kind       Kind   // optional hint; detected when empty
	Raw        string // diff text or SQL statement
	Before     string // API file pair
	After      string
	FilePath   string
	TargetID   string // explicit target, wins over anything derived
	Database   string
	Repository string

	// TargetHint names the table when the statement text alone cannot, as
	// with a truncated statement captured by an event trigger.
	TargetHint string
}

// RouteDetector reports whether changed lines of a file touch a route
// declaration. It is used to promote code diffs to API changes.
type RouteDetector func(path string, changedLines []string) bool

// Normalizer converts requests into Changes. It has no side effects.
type Normalizer struct {
	detectRoute RouteDetector
}

// NewNormalizer creates a Normalizer. detect may be nil.
func NewNormalizer(detect RouteDetector) *Normalizer {
	return &Normalizer{detectRoute: detect}
}

var (
	sqlComment  = regexp.MustCompile(`(?s)/\*.*?\*/|--[^\n]*`)
	sqlKeywords = map[string]bool{"ALTER": true, "DROP": true, "CREATE": true, "RENAME": true, "TRUNCATE": true, "COMMENT": true}

	tableTarget = regexp.MustCompile(`(?i)\b(?:ALTER|DROP|TRUNCATE|RENAME)\s+TABLE\s+(?:IF\s+EXISTS\s+)?(?:ONLY\s+)?((?:"[^"]+"|[\w$]+)(?:\.(?:"[^"]+"|[\w$]+))?)`)
	indexOn     = regexp.MustCompile(`(?i)\bCREATE\s+(?:UNIQUE\s+)?INDEX\b.*?\bON\s+(?:ONLY\s+)?((?:"[^"]+"|[\w$]+)(?:\.(?:"[^"]+"|[\w$]+))?)`)
	dropIndex   = regexp.MustCompile(`(?i)\bDROP\s+INDEX\s+(?:CONCURRENTLY\s+)?(?:IF\s+EXISTS\s+)?((?:"[^"]+"|[\w$]+)(?:\.(?:"[^"]+"|[\w$]+))?)`)
	createTable = regexp.MustCompile(`(?i)\bCREATE\s+(?:TEMP(?:ORARY)?\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?((?:"[^"]+"|[\w$]+)(?:\.(?:"[^"]+"|[\w$]+))?)`)
)

// StripSQLComments removes -- and /* */ comments.
func StripSQLComments(sql string) string {
	return sqlComment.ReplaceAllString(sql, " ")
}

// LooksLikeSQL reports whether the first keyword of text is a DDL verb.
func LooksLikeSQL(text string) bool {
	fields := strings.Fields(StripSQLComments(text))
	if len(fields) == 0 {
		return false
	}
	return sqlKeywords[strings.ToUpper(fields[0])]
}

// SQLTarget extracts the table (or index, for DROP INDEX) a DDL statement
// operates on, with identifier quotes removed.
func SQLTarget(sql string) string {
	sql = StripSQLComments(sql)
	for _, re := range []*regexp.Regexp{tableTarget, indexOn, createTable, dropIndex} {
		if m := re.FindStringSubmatch(sql); m != nil {
			return strings.ReplaceAll(m[1], `"`, "")
		}
	}
	return ""
}

// Normalize builds the Change for req. Only empty input and an unresolvable
// target are errors; anything else degrades to a tagged Change.
func (n *Normalizer) Normalize(req Request) (Change, error) {
	raw := strings.TrimSpace(req.Raw)
	if raw == "" && strings.TrimSpace(req.Before) == "" && strings.TrimSpace(req.After) == "" &&
		(req.Kind != KindSchema || strings.TrimSpace(req.TargetHint) == "") {
		return Change{}, brerrors.New(brerrors.EmptyInput, "change has no content", nil)
	}

	c := Change{
		Kind:       req.Kind,
		RawInput:   req.Raw,
		Database:   req.Database,
		Repository: req.Repository,
		FilePath:   req.FilePath,
		Before:     req.Before,
		After:      req.After,
	}

	switch {
	case c.Kind == KindSchema || (c.Kind == "" && raw != "" && LooksLikeSQL(raw)):
		n.normalizeSQL(&c, raw)
	case raw == "" || (c.Kind == KindAPI && !LooksLikeDiff(raw)):
		c.Kind = KindAPI
		if raw == "" {
			c.RawInput = req.After
		}
	case LooksLikeDiff(raw):
		n.normalizeDiff(&c, raw)
	default:
		if c.Kind == "" {
			c.Kind = KindCode
		}
		c.Tag = TagUnknown
		c.Notes = append(c.Notes, "input is neither SQL nor a unified diff")
	}

	c.TargetID = resolveTarget(req, c)
	if c.TargetID == "" {
		return Change{}, brerrors.Newf(brerrors.TargetUnresolved, "cannot resolve a target for %s change", c.Kind)
	}
	return c, nil
}

func (n *Normalizer) normalizeSQL(c *Change, raw string) {
	c.Kind = KindSchema
	if !LooksLikeSQL(raw) || SQLTarget(raw) == "" {
		c.Tag = TagGenericAlter
		c.Notes = append(c.Notes, "statement could not be parsed as DDL")
	}
}

func (n *Normalizer) normalizeDiff(c *Change, raw string) {
	if c.Kind == "" {
		c.Kind = KindCode
	}
	c.DiffText = raw

	files, err := ParseDiff(raw)
	if err != nil || len(files) == 0 {
		fallback := scanLines(raw, c.FilePath)
		if len(fallback.Hunks) == 0 {
			c.Tag = TagUnknown
			c.Notes = append(c.Notes, "diff contained no changed lines")
			return
		}
		files = []ChangedFile{fallback}
		c.Notes = append(c.Notes, "diff parsed by line scan")
	}
	c.Files = files

	if c.Kind == KindCode && n.detectRoute != nil {
		for _, f := range files {
			if n.detectRoute(f.Path(), f.Texts()) {
				c.Kind = KindAPI
				break
			}
		}
	}
}

func resolveTarget(req Request, c Change) string {
	if t := strings.TrimSpace(req.TargetID); t != "" {
		return t
	}
	if c.Kind == KindSchema {
		table := SQLTarget(c.RawInput)
		if table == "" {
			table = strings.TrimSpace(req.TargetHint)
		}
		if table == "" || c.Database == "" {
			return table
		}
		return c.Database + "." + table
	}
	if paths := c.Paths(); len(paths) > 0 {
		return paths[0]
	}
	return strings.TrimSpace(req.FilePath)
}
