// Package pgmeta reads column, foreign key, view and trigger metadata from a
// live PostgreSQL database. Every query is a read-only catalog lookup.
package pgmeta

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"blastradius/internal/graph"
	"blastradius/internal/schema"
)

// Source implements schema.Catalog and graph.RelationalSource.
type Source struct {
	pool   *pgxpool.Pool
	schema string // default schema for unqualified names, "public" when empty
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn, defaultSchema string, maxConns int32) (*Source, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	// Introspection only; refuse writes at the session level.
	poolCfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging PostgreSQL: %w", err)
	}
	return New(pool, defaultSchema), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, defaultSchema string) *Source {
	if defaultSchema == "" {
		defaultSchema = "public"
	}
	return &Source{pool: pool, schema: defaultSchema}
}

// Close releases the pool.
func (s *Source) Close() {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

func (s *Source) resolve(name string) (string, string) {
	name = strings.ReplaceAll(name, `"`, "")
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return s.schema, name
}

// Columns lists the table's columns in ordinal order.
func (s *Source) Columns(ctx context.Context, schemaName, table string) ([]schema.Column, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("not connected")
	}
	if schemaName == "" {
		schemaName, table = s.resolve(table)
	}
	query := `
		SELECT
			column_name,
			data_type,
			COALESCE(column_default, ''),
			is_nullable,
			ordinal_position
		FROM information_schema.columns
		WHERE table_schema = $1
		  AND table_name = $2
		ORDER BY ordinal_position`

	rows, err := s.pool.Query(ctx, query, schemaName, table)
	if err != nil {
		return nil, fmt.Errorf("querying columns of %s.%s: %w", schemaName, table, err)
	}
	defer rows.Close()

	var cols []schema.Column
	for rows.Next() {
		var (
			c        schema.Column
			nullable string
		)
		if err := rows.Scan(&c.Name, &c.DataType, &c.Default, &nullable, &c.Ordinal); err != nil {
			return nil, err
		}
		c.Nullable = nullable == "YES"
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

const foreignKeyQuery = `
	SELECT
		tc.constraint_name,
		tc.table_name,
		kcu.column_name,
		ccu.table_name AS referenced_table,
		ccu.column_name AS referenced_column
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
	  ON tc.constraint_name = kcu.constraint_name
	  AND tc.table_schema = kcu.table_schema
	JOIN information_schema.constraint_column_usage ccu
	  ON tc.constraint_name = ccu.constraint_name
	  AND tc.table_schema = ccu.table_schema
	WHERE tc.constraint_type = 'FOREIGN KEY'
	  AND tc.table_schema = $1
	  AND %s = $2
	ORDER BY tc.table_name, tc.constraint_name, kcu.ordinal_position`

// ForeignKeysFrom lists the foreign keys declared on table.
func (s *Source) ForeignKeysFrom(ctx context.Context, table string) ([]graph.ForeignKeyRef, error) {
	return s.foreignKeys(ctx, table, "tc.table_name")
}

// ForeignKeysTo lists the foreign keys of other tables that reference table.
func (s *Source) ForeignKeysTo(ctx context.Context, table string) ([]graph.ForeignKeyRef, error) {
	refs, err := s.foreignKeys(ctx, table, "ccu.table_name")
	if err != nil {
		return nil, err
	}
	// A self-reference is not a dependent.
	out := refs[:0]
	for _, r := range refs {
		if r.FromTable != r.ToTable {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Source) foreignKeys(ctx context.Context, table, column string) ([]graph.ForeignKeyRef, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("not connected")
	}
	schemaName, name := s.resolve(table)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(foreignKeyQuery, column), schemaName, name)
	if err != nil {
		return nil, fmt.Errorf("querying foreign keys of %s: %w", table, err)
	}

	fkRows, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (fkRow, error) {
		var r fkRow
		err := row.Scan(&r.constraint, &r.table, &r.column, &r.refTable, &r.refColumn)
		return r, err
	})
	if err != nil {
		return nil, err
	}
	return groupForeignKeys(fkRows), nil
}

// fkRow is one column of a foreign key; composite keys span several rows.
type fkRow struct {
	constraint, table, column, refTable, refColumn string
}

// groupForeignKeys folds rows into one ref per constraint, keeping
// first-seen order.
func groupForeignKeys(rows []fkRow) []graph.ForeignKeyRef {
	type key struct{ table, constraint string }
	grouped := make(map[key]*graph.ForeignKeyRef)
	var order []key
	for _, r := range rows {
		k := key{r.table, r.constraint}
		fk, ok := grouped[k]
		if !ok {
			fk = &graph.ForeignKeyRef{Constraint: r.constraint, FromTable: r.table, ToTable: r.refTable}
			grouped[k] = fk
			order = append(order, k)
		}
		fk.FromColumns = appendUnique(fk.FromColumns, r.column)
		fk.ToColumns = appendUnique(fk.ToColumns, r.refColumn)
	}
	out := make([]graph.ForeignKeyRef, 0, len(order))
	for _, k := range order {
		out = append(out, *grouped[k])
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// DependentViews lists views whose definition references table. The ILIKE
// prefilter is re-checked on word boundaries so "orders" does not match
// "orders_archive".
func (s *Source) DependentViews(ctx context.Context, table string) ([]graph.ViewRef, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("not connected")
	}
	schemaName, name := s.resolve(table)
	query := `
		SELECT viewname, definition
		FROM pg_views
		WHERE schemaname = $1
		  AND definition ILIKE '%' || $2 || '%'
		ORDER BY viewname`

	rows, err := s.pool.Query(ctx, query, schemaName, name)
	if err != nil {
		return nil, fmt.Errorf("querying views referencing %s: %w", table, err)
	}
	defer rows.Close()

	var views []graph.ViewRef
	for rows.Next() {
		var viewName, definition string
		if err := rows.Scan(&viewName, &definition); err != nil {
			return nil, err
		}
		if snippet, ok := ReferencesTable(definition, name); ok {
			views = append(views, graph.ViewRef{Name: viewName, Snippet: snippet})
		}
	}
	return views, rows.Err()
}

// ReferencesTable reports whether a view definition mentions table as a
// whole identifier, returning the line that mentions it.
func ReferencesTable(definition, table string) (string, bool) {
	rx := regexp.MustCompile(`(?i)(^|[^\w$])` + regexp.QuoteMeta(table) + `($|[^\w$])`)
	for _, line := range strings.Split(definition, "\n") {
		if rx.MatchString(line) {
			return strings.TrimSpace(line), true
		}
	}
	return "", false
}

// Triggers lists the triggers attached to table, one per trigger name with
// their events merged.
func (s *Source) Triggers(ctx context.Context, table string) ([]graph.TriggerRef, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("not connected")
	}
	schemaName, name := s.resolve(table)
	query := `
		SELECT
			trigger_name,
			action_timing,
			event_manipulation,
			action_statement
		FROM information_schema.triggers
		WHERE event_object_schema = $1
		  AND event_object_table = $2
		ORDER BY trigger_name, event_manipulation`

	rows, err := s.pool.Query(ctx, query, schemaName, name)
	if err != nil {
		return nil, fmt.Errorf("querying triggers on %s: %w", table, err)
	}
	defer rows.Close()

	var (
		out   []graph.TriggerRef
		index = make(map[string]int)
	)
	for rows.Next() {
		var trgName, timing, event, action string
		if err := rows.Scan(&trgName, &timing, &event, &action); err != nil {
			return nil, err
		}
		if i, ok := index[trgName]; ok {
			out[i].Event += " OR " + event
			continue
		}
		index[trgName] = len(out)
		out = append(out, graph.TriggerRef{
			Name:     trgName,
			Table:    name,
			Timing:   timing,
			Event:    event,
			Function: strings.TrimPrefix(action, "EXECUTE FUNCTION "),
		})
	}
	return out, rows.Err()
}
