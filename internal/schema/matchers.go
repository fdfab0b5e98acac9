package schema

import (
	"regexp"
	"strings"
)

// statement is one DDL statement prepared for matching. For ALTER TABLE
// statements Table is set and Body holds a single clause.
type statement struct {
	Text  string
	Table string
	Body  string
}

// matcher is a pure classification rule.
type matcher struct {
	op    Operation
	match func(statement) (SchemaChange, bool)
}

const (
	ident     = `(?:"[^"]+"|` + "`[^`]+`" + `|[\w$]+)`
	qualified = ident + `(?:\.` + ident + `)?`
)

func re(pattern string) *regexp.Regexp {
	return regexp.MustCompile(`(?is)` + pattern)
}

var (
	reDropTable      = re(`^DROP\s+TABLE\s+(?:IF\s+EXISTS\s+)?(` + qualified + `)`)
	reDropIndex      = re(`^DROP\s+INDEX\s+(?:CONCURRENTLY\s+)?(?:IF\s+EXISTS\s+)?(` + qualified + `)`)
	reDropIndexBody  = re(`^DROP\s+(?:INDEX|KEY)\s+(` + ident + `)`)
	reDropConstraint = re(`^DROP\s+CONSTRAINT\s+(?:IF\s+EXISTS\s+)?(` + ident + `)`)
	reDropForeignKey = re(`^DROP\s+(FOREIGN\s+KEY\s+(` + ident + `)|PRIMARY\s+KEY)`)
	reDropDefault    = re(`^ALTER\s+(?:COLUMN\s+)?(` + ident + `)\s+DROP\s+DEFAULT\b`)
	reDropNotNull    = re(`^ALTER\s+(?:COLUMN\s+)?(` + ident + `)\s+DROP\s+NOT\s+NULL\b`)
	reDropColumn     = re(`^DROP\s+(?:COLUMN\s+)?(?:IF\s+EXISTS\s+)?(` + ident + `)`)
	reRenameTo       = re(`^RENAME\s+TO\s+(` + qualified + `)`)
	reRenameTable    = re(`^RENAME\s+TABLE\s+(` + qualified + `)\s+TO\s+(` + qualified + `)`)
	reRenameColumn   = re(`^RENAME\s+(?:COLUMN\s+)?(` + ident + `)\s+TO\s+(` + ident + `)`)
	reChangeColumn   = re(`^CHANGE\s+(?:COLUMN\s+)?(` + ident + `)\s+(` + ident + `)\s+(.+)$`)
	reSetDefault     = re(`^ALTER\s+(?:COLUMN\s+)?(` + ident + `)\s+SET\s+DEFAULT\s+(.+)$`)
	reSetNotNull     = re(`^ALTER\s+(?:COLUMN\s+)?(` + ident + `)\s+SET\s+NOT\s+NULL\b`)
	reAlterType      = re(`^ALTER\s+(?:COLUMN\s+)?(` + ident + `)\s+(?:SET\s+DATA\s+)?TYPE\s+(.+?)(?:\s+USING\s+.*)?$`)
	reModifyColumn   = re(`^MODIFY\s+(?:COLUMN\s+)?(` + ident + `)\s+(.+)$`)
	reAddConstraint  = re(`^ADD\s+(?:CONSTRAINT\s+(` + ident + `)\s+)?((?:PRIMARY\s+KEY|FOREIGN\s+KEY|UNIQUE|CHECK|EXCLUDE)\b.*)$`)
	reCreateIndex    = re(`^CREATE\s+(?:UNIQUE\s+)?INDEX\s+(?:CONCURRENTLY\s+)?(?:IF\s+NOT\s+EXISTS\s+)?(?:(` + qualified + `)\s+)?ON\s+(?:ONLY\s+)?(` + qualified + `)\s*(?:USING\s+\w+\s*)?(\(.*\))`)
	reAddIndexBody   = re(`^ADD\s+(?:UNIQUE\s+)?(?:INDEX|KEY)\s+(?:(` + ident + `)\s*)?(\(.*\))`)
	reAddColumn      = re(`^ADD\s+(?:COLUMN\s+)?(?:IF\s+NOT\s+EXISTS\s+)?(` + ident + `)\s+(.+)$`)
)

// reserved words that can follow DROP/ADD but are never column names.
var reserved = map[string]bool{
	"CONSTRAINT": true, "INDEX": true, "KEY": true, "PRIMARY": true, "FOREIGN": true,
	"UNIQUE": true, "CHECK": true, "EXCLUDE": true, "DEFAULT": true, "NOT": true,
	"COLUMN": true, "TABLE": true, "IF": true,
}

func isReserved(name string) bool {
	return reserved[strings.ToUpper(name)]
}

// matchers is evaluated in order: every DROP pattern precedes every ADD
// pattern and specific patterns precede general ones.
var matchers = []matcher{
	{DropTable, matchDropTable},
	{DropIndex, matchDropIndex},
	{DropConstraint, matchDropConstraint},
	{DropDefault, matchDropDefault},
	{DropNotNull, matchDropNotNull},
	{DropColumn, matchDropColumn},
	{RenameTable, matchRenameTable},
	{RenameColumn, matchRenameColumn},
	{SetDefault, matchSetDefault},
	{SetNotNull, matchSetNotNull},
	{ModifyColumn, matchModifyColumn},
	{AddConstraint, matchAddConstraint},
	{AddIndex, matchAddIndex},
	{AddColumn, matchAddColumn},
}

// Order returns the operation order of the direct matchers.
func Order() []Operation {
	out := make([]Operation, len(matchers))
	for i, m := range matchers {
		out[i] = m.op
	}
	return out
}

func onTable(st statement, op Operation) SchemaChange {
	schemaName, table := splitQualified(st.Table)
	return SchemaChange{Operation: op, Schema: schemaName, Table: table}
}

func matchDropTable(st statement) (SchemaChange, bool) {
	if st.Table != "" {
		return SchemaChange{}, false
	}
	m := reDropTable.FindStringSubmatch(st.Text)
	if m == nil {
		return SchemaChange{}, false
	}
	sc := onTable(statement{Table: m[1]}, DropTable)
	return sc, true
}

func matchDropIndex(st statement) (SchemaChange, bool) {
	if st.Table != "" {
		m := reDropIndexBody.FindStringSubmatch(st.Body)
		if m == nil {
			return SchemaChange{}, false
		}
		sc := onTable(st, DropIndex)
		sc.IndexName = unquote(m[1])
		return sc, true
	}
	m := reDropIndex.FindStringSubmatch(st.Text)
	if m == nil {
		return SchemaChange{}, false
	}
	schemaName, index := splitQualified(m[1])
	return SchemaChange{Operation: DropIndex, Schema: schemaName, IndexName: index}, true
}

func matchDropConstraint(st statement) (SchemaChange, bool) {
	if st.Table == "" {
		return SchemaChange{}, false
	}
	if m := reDropConstraint.FindStringSubmatch(st.Body); m != nil {
		sc := onTable(st, DropConstraint)
		sc.ConstraintName = unquote(m[1])
		return sc, true
	}
	if m := reDropForeignKey.FindStringSubmatch(st.Body); m != nil {
		sc := onTable(st, DropConstraint)
		if m[2] != "" {
			sc.ConstraintName = unquote(m[2])
		} else {
			sc.ConstraintName = "PRIMARY KEY"
		}
		return sc, true
	}
	return SchemaChange{}, false
}

func matchColumnClause(rx *regexp.Regexp, op Operation) func(statement) (SchemaChange, bool) {
	return func(st statement) (SchemaChange, bool) {
		if st.Table == "" {
			return SchemaChange{}, false
		}
		m := rx.FindStringSubmatch(st.Body)
		if m == nil {
			return SchemaChange{}, false
		}
		sc := onTable(st, op)
		sc.Column = unquote(m[1])
		return sc, true
	}
}

var (
	matchDropDefault = matchColumnClause(reDropDefault, DropDefault)
	matchDropNotNull = matchColumnClause(reDropNotNull, DropNotNull)
	matchSetNotNull  = matchColumnClause(reSetNotNull, SetNotNull)
)

func matchDropColumn(st statement) (SchemaChange, bool) {
	if st.Table == "" {
		return SchemaChange{}, false
	}
	m := reDropColumn.FindStringSubmatch(st.Body)
	if m == nil || isReserved(m[1]) {
		return SchemaChange{}, false
	}
	sc := onTable(st, DropColumn)
	sc.Column = unquote(m[1])
	return sc, true
}

func matchRenameTable(st statement) (SchemaChange, bool) {
	if st.Table == "" {
		m := reRenameTable.FindStringSubmatch(st.Text)
		if m == nil {
			return SchemaChange{}, false
		}
		sc := onTable(statement{Table: m[1]}, RenameTable)
		sc.OldValue = sc.Table
		_, sc.NewValue = splitQualified(m[2])
		return sc, true
	}
	m := reRenameTo.FindStringSubmatch(st.Body)
	if m == nil {
		return SchemaChange{}, false
	}
	sc := onTable(st, RenameTable)
	sc.OldValue = sc.Table
	_, sc.NewValue = splitQualified(m[1])
	return sc, true
}

func matchRenameColumn(st statement) (SchemaChange, bool) {
	if st.Table == "" {
		return SchemaChange{}, false
	}
	if m := reRenameColumn.FindStringSubmatch(st.Body); m != nil && !isReserved(m[1]) {
		sc := onTable(st, RenameColumn)
		sc.Column = unquote(m[1])
		sc.OldValue = sc.Column
		sc.NewValue = unquote(m[2])
		return sc, true
	}
	if m := reChangeColumn.FindStringSubmatch(st.Body); m != nil && !strings.EqualFold(unquote(m[1]), unquote(m[2])) {
		sc := onTable(st, RenameColumn)
		sc.Column = unquote(m[1])
		sc.OldValue = sc.Column
		sc.NewValue = unquote(m[2])
		return sc, true
	}
	return SchemaChange{}, false
}

func matchSetDefault(st statement) (SchemaChange, bool) {
	if st.Table == "" {
		return SchemaChange{}, false
	}
	m := reSetDefault.FindStringSubmatch(st.Body)
	if m == nil {
		return SchemaChange{}, false
	}
	sc := onTable(st, SetDefault)
	sc.Column = unquote(m[1])
	sc.NewValue = strings.TrimSpace(m[2])
	sc.DefaultValue = sc.NewValue
	return sc, true
}

func matchModifyColumn(st statement) (SchemaChange, bool) {
	if st.Table == "" {
		return SchemaChange{}, false
	}
	if m := reAlterType.FindStringSubmatch(st.Body); m != nil {
		sc := onTable(st, ModifyColumn)
		sc.Column = unquote(m[1])
		sc.NewValue = strings.TrimSpace(m[2])
		return sc, true
	}
	if m := reModifyColumn.FindStringSubmatch(st.Body); m != nil {
		sc := onTable(st, ModifyColumn)
		sc.Column = unquote(m[1])
		sc.NewValue, sc.DefaultValue = splitColumnDefinition(m[2])
		return sc, true
	}
	if m := reChangeColumn.FindStringSubmatch(st.Body); m != nil {
		sc := onTable(st, ModifyColumn)
		sc.Column = unquote(m[2])
		sc.NewValue, sc.DefaultValue = splitColumnDefinition(m[3])
		return sc, true
	}
	return SchemaChange{}, false
}

func matchAddConstraint(st statement) (SchemaChange, bool) {
	if st.Table == "" {
		return SchemaChange{}, false
	}
	m := reAddConstraint.FindStringSubmatch(st.Body)
	if m == nil {
		return SchemaChange{}, false
	}
	sc := onTable(st, AddConstraint)
	sc.ConstraintName = unquote(m[1])
	sc.NewValue = strings.TrimSpace(m[2])
	return sc, true
}

func matchAddIndex(st statement) (SchemaChange, bool) {
	if st.Table != "" {
		m := reAddIndexBody.FindStringSubmatch(st.Body)
		if m == nil {
			return SchemaChange{}, false
		}
		sc := onTable(st, AddIndex)
		sc.IndexName = unquote(m[1])
		sc.NewValue = m[2]
		return sc, true
	}
	m := reCreateIndex.FindStringSubmatch(st.Text)
	if m == nil {
		return SchemaChange{}, false
	}
	sc := onTable(statement{Table: m[2]}, AddIndex)
	_, sc.IndexName = splitQualified(m[1])
	sc.NewValue = m[3]
	return sc, true
}

func matchAddColumn(st statement) (SchemaChange, bool) {
	if st.Table == "" {
		return SchemaChange{}, false
	}
	m := reAddColumn.FindStringSubmatch(st.Body)
	if m == nil || isReserved(m[1]) {
		return SchemaChange{}, false
	}
	sc := onTable(st, AddColumn)
	sc.Column = unquote(m[1])
	sc.NewValue, sc.DefaultValue = splitColumnDefinition(m[2])
	return sc, true
}

// constraint keywords that end the type literal of a column definition.
var definitionStops = map[string]bool{
	"DEFAULT": true, "NOT": true, "NULL": true, "PRIMARY": true, "REFERENCES": true,
	"UNIQUE": true, "CHECK": true, "CONSTRAINT": true, "GENERATED": true, "COLLATE": true,
	"AUTO_INCREMENT": true, "COMMENT": true, "IDENTITY": true, "AFTER": true, "FIRST": true,
}

// splitColumnDefinition separates the type literal and the DEFAULT
// expression of a column definition, both exactly as written.
func splitColumnDefinition(def string) (typ, dflt string) {
	tokens := tokenize(def)
	i := 0
	var typeParts []string
	for ; i < len(tokens); i++ {
		if definitionStops[strings.ToUpper(tokens[i])] {
			break
		}
		typeParts = append(typeParts, tokens[i])
	}
	typ = joinTokens(typeParts)

	for ; i < len(tokens); i++ {
		if !strings.EqualFold(tokens[i], "DEFAULT") {
			continue
		}
		var parts []string
		for j := i + 1; j < len(tokens); j++ {
			if definitionStops[strings.ToUpper(tokens[j])] {
				break
			}
			parts = append(parts, tokens[j])
		}
		dflt = joinTokens(parts)
		break
	}
	return typ, dflt
}

// tokenize splits on whitespace outside quotes and parentheses.
func tokenize(s string) []string {
	var (
		out   []string
		cur   strings.Builder
		depth int
		quote rune
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == '(':
			depth++
			cur.WriteRune(r)
		case r == ')':
			depth--
			cur.WriteRune(r)
		case (r == ' ' || r == '\t' || r == '\n' || r == '\r') && depth == 0:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

func joinTokens(parts []string) string {
	return strings.Join(parts, " ")
}

// splitTopLevel splits s at sep outside quotes and parentheses.
func splitTopLevel(s string, sep rune) []string {
	var (
		out   []string
		start int
		depth int
		quote rune
	)
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"' || r == '`':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			depth--
		case r == sep && depth == 0:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
