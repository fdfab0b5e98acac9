package schema

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"blastradius/internal/change"
	brerrors "blastradius/internal/errors"
	"blastradius/internal/signal"
)

// Result is the outcome of classifying one schema change.
type Result struct {
	Change        SchemaChange  `json:"change"`
	CatalogStatus signal.Status `json:"catalog_status"`
	Notes         []string      `json:"notes,omitempty"`
}

// Classifier resolves DDL through four tiers: direct parse, trigger
// metadata, catalog introspection and a generic fallback. Each tier runs
// only when the previous one failed.
type Classifier struct {
	catalog   Catalog
	snapshots SnapshotStore
	timeout   time.Duration
	logger    *slog.Logger
}

// NewClassifier creates a classifier. catalog and snapshots may be nil.
func NewClassifier(catalog Catalog, snapshots SnapshotStore, timeout time.Duration, logger *slog.Logger) *Classifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Classifier{catalog: catalog, snapshots: snapshots, timeout: timeout, logger: logger}
}

var (
	reAlterTable = regexp.MustCompile(`(?is)^ALTER\s+TABLE\s+(?:IF\s+EXISTS\s+)?(?:ONLY\s+)?(` + qualified + `)\s*(.*)$`)
	reHasDrop    = regexp.MustCompile(`(?i)\bDROP\b`)
)

// Classify resolves the exact operation of c. ev carries trigger metadata
// when the statement was captured by an event trigger; it may be nil.
func (cl *Classifier) Classify(ctx context.Context, c change.Change, ev *TriggerEvent) Result {
	sql := c.RawInput
	if strings.TrimSpace(sql) == "" && ev != nil {
		sql = ev.Statement
	}
	stmts := prepare(sql)
	res := Result{CatalogStatus: signal.Skipped}

	if sc, ok := classifyDirect(stmts); ok {
		sc.Statement = strings.TrimSpace(sql)
		res.Change = finish(sc)
		return res
	}

	if sc, ok := fromTrigger(ev); ok {
		res.Change = finish(sc)
		res.Notes = append(res.Notes, "resolved from dropped-objects metadata")
		return res
	}

	schemaName, table := targetTable(stmts, c.LocalTarget())

	if !reHasDrop.MatchString(sql) && table != "" {
		if cl.catalog == nil {
			res.CatalogStatus = signal.Disabled
		} else {
			sc, ok, err := cl.introspect(ctx, schemaName, table)
			switch {
			case err != nil:
				err = brerrors.Collaborator("catalog introspection", err)
				res.CatalogStatus = signal.Unavailable
				res.Notes = append(res.Notes, err.Error())
				cl.logger.Warn("Catalog introspection failed", "table", table, "code", brerrors.CodeOf(err), "error", err)
			case ok:
				res.CatalogStatus = signal.OK
				sc.Statement = strings.TrimSpace(sql)
				res.Change = finish(sc)
				return res
			default:
				res.CatalogStatus = signal.OK
			}
		}
	}

	res.Change = finish(SchemaChange{
		Operation:  GenericAlter,
		Schema:     schemaName,
		Table:      table,
		Confidence: GenericFallback,
		Statement:  strings.TrimSpace(sql),
	})
	res.Notes = append(res.Notes, "operation unresolved; table-level analysis only")
	return res
}

func (cl *Classifier) introspect(ctx context.Context, schemaName, table string) (SchemaChange, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, cl.timeout)
	defer cancel()

	cur, err := cl.catalog.Columns(ctx, schemaName, table)
	if err != nil {
		return SchemaChange{}, false, err
	}

	key := qualify(schemaName, table)
	var prev []Column
	havePrev := false
	if cl.snapshots != nil {
		prev, havePrev, err = cl.snapshots.LastColumns(ctx, key)
		if err != nil {
			cl.logger.Warn("Column snapshot lookup failed", "table", key, "error", err)
			havePrev = false
		}
		if len(cur) > 0 {
			if err := cl.snapshots.SaveColumns(ctx, key, cur); err != nil {
				cl.logger.Warn("Column snapshot save failed", "table", key, "error", err)
			}
		}
	}

	sc, ok := inferFromColumns(schemaName, table, prev, havePrev, cur)
	return sc, ok, nil
}

// finish attaches base weights, including to every clause.
func finish(sc SchemaChange) SchemaChange {
	sc.BaseWeight = BaseWeight(sc.Operation)
	for i := range sc.Clauses {
		sc.Clauses[i].BaseWeight = BaseWeight(sc.Clauses[i].Operation)
	}
	return sc
}

// classifyDirect runs the ordered matchers over every statement and clause.
// The primary operation is the clause with the highest base weight.
func classifyDirect(stmts []statement) (SchemaChange, bool) {
	var hits []SchemaChange
	for _, st := range stmts {
		for _, m := range matchers {
			if sc, ok := m.match(st); ok {
				sc.Confidence = DirectSQL
				sc.BaseWeight = BaseWeight(sc.Operation)
				hits = append(hits, sc)
				break
			}
		}
	}
	if len(hits) == 0 {
		return SchemaChange{}, false
	}
	primary := hits[0]
	for _, h := range hits[1:] {
		if h.BaseWeight > primary.BaseWeight {
			primary = h
		}
	}
	if len(hits) > 1 {
		primary.Clauses = hits
	}
	return primary, true
}

// prepare strips comments, splits statements and ALTER TABLE clauses.
func prepare(sql string) []statement {
	var out []statement
	for _, raw := range splitTopLevel(change.StripSQLComments(sql), ';') {
		text := collapseSpace(raw)
		if text == "" {
			continue
		}
		m := reAlterTable.FindStringSubmatch(text)
		if m == nil {
			out = append(out, statement{Text: text})
			continue
		}
		table, body := m[1], strings.TrimSpace(m[2])
		if body == "" {
			out = append(out, statement{Text: text, Table: table})
			continue
		}
		for _, clause := range splitTopLevel(body, ',') {
			out = append(out, statement{Text: text, Table: table, Body: strings.TrimSpace(clause)})
		}
	}
	return out
}

// targetTable picks the table of the first ALTER statement, falling back to
// the change target.
func targetTable(stmts []statement, target string) (string, string) {
	for _, st := range stmts {
		if st.Table != "" {
			return splitQualified(st.Table)
		}
	}
	return splitQualified(target)
}

// collapseSpace folds whitespace runs outside quotes into single spaces.
func collapseSpace(s string) string {
	var b strings.Builder
	var quote rune
	space := false
	for _, r := range strings.TrimSpace(s) {
		if quote != 0 {
			b.WriteRune(r)
			if r == quote {
				quote = 0
			}
			continue
		}
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		if r == '\'' || r == '"' {
			quote = r
		}
		b.WriteRune(r)
	}
	return b.String()
}
