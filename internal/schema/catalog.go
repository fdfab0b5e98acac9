package schema

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Column is one column as reported by the live catalog.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Default  string `json:"default,omitempty"`
	Nullable bool   `json:"nullable"`
	Ordinal  int    `json:"ordinal"`
}

// Catalog reads the current column set of a table. Implementations must be
// read-only.
type Catalog interface {
	Columns(ctx context.Context, schemaName, table string) ([]Column, error)
}

// SnapshotStore remembers the last observed column set per table.
type SnapshotStore interface {
	LastColumns(ctx context.Context, table string) ([]Column, bool, error)
	SaveColumns(ctx context.Context, table string, cols []Column) error
}

// MemorySnapshots is an in-process SnapshotStore.
type MemorySnapshots struct {
	mu     sync.Mutex
	tables map[string][]Column
}

// NewMemorySnapshots creates an empty snapshot store.
func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{tables: make(map[string][]Column)}
}

func (m *MemorySnapshots) LastColumns(_ context.Context, table string) ([]Column, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cols, ok := m.tables[strings.ToLower(table)]
	return append([]Column(nil), cols...), ok, nil
}

func (m *MemorySnapshots) SaveColumns(_ context.Context, table string, cols []Column) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[strings.ToLower(table)] = append([]Column(nil), cols...)
	return nil
}

// inferFromColumns derives the operation from the difference between the
// previous and current column sets. Without a previous set the column with
// the highest ordinal is taken as the newest.
func inferFromColumns(schemaName, table string, prev []Column, havePrev bool, cur []Column) (SchemaChange, bool) {
	base := SchemaChange{Schema: schemaName, Table: table, Confidence: CatalogIntrospection}
	if len(cur) == 0 {
		return SchemaChange{}, false
	}

	if !havePrev {
		newest := cur[0]
		for _, c := range cur[1:] {
			if c.Ordinal > newest.Ordinal {
				newest = c
			}
		}
		return addColumn(base, newest), true
	}

	prevByName := indexColumns(prev)
	curByName := indexColumns(cur)

	var added, removed []Column
	for _, c := range cur {
		if _, ok := prevByName[strings.ToLower(c.Name)]; !ok {
			added = append(added, c)
		}
	}
	for _, c := range prev {
		if _, ok := curByName[strings.ToLower(c.Name)]; !ok {
			removed = append(removed, c)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i].Ordinal > added[j].Ordinal })

	switch {
	case len(added) == 1 && len(removed) == 1:
		sc := base
		sc.Operation = RenameColumn
		sc.Column = removed[0].Name
		sc.OldValue = removed[0].Name
		sc.NewValue = added[0].Name
		return sc, true
	case len(added) > 0:
		primary := addColumn(base, added[0])
		if len(added) > 1 {
			for _, c := range added {
				primary.Clauses = append(primary.Clauses, addColumn(base, c))
			}
		}
		return primary, true
	case len(removed) > 0:
		sc := base
		sc.Operation = DropColumn
		sc.Column = removed[0].Name
		return sc, true
	}

	var best SchemaChange
	found := false
	for _, c := range cur {
		p := prevByName[strings.ToLower(c.Name)]
		for _, sc := range columnDiffs(base, p, c) {
			if !found || BaseWeight(sc.Operation) > BaseWeight(best.Operation) {
				best, found = sc, true
			}
		}
	}
	return best, found
}

func addColumn(base SchemaChange, c Column) SchemaChange {
	sc := base
	sc.Operation = AddColumn
	sc.Column = c.Name
	sc.NewValue = c.DataType
	sc.DefaultValue = c.Default
	return sc
}

func columnDiffs(base SchemaChange, prev, cur Column) []SchemaChange {
	var out []SchemaChange
	mk := func(op Operation, oldV, newV string) {
		sc := base
		sc.Operation = op
		sc.Column = cur.Name
		sc.OldValue = oldV
		sc.NewValue = newV
		out = append(out, sc)
	}
	if !strings.EqualFold(prev.DataType, cur.DataType) {
		mk(ModifyColumn, prev.DataType, cur.DataType)
	}
	switch {
	case prev.Default == "" && cur.Default != "":
		mk(SetDefault, "", cur.Default)
	case prev.Default != "" && cur.Default == "":
		mk(DropDefault, prev.Default, "")
	case prev.Default != cur.Default:
		mk(SetDefault, prev.Default, cur.Default)
	}
	if prev.Nullable && !cur.Nullable {
		mk(SetNotNull, "NULL", "NOT NULL")
	}
	if !prev.Nullable && cur.Nullable {
		mk(DropNotNull, "NOT NULL", "NULL")
	}
	return out
}

func indexColumns(cols []Column) map[string]Column {
	out := make(map[string]Column, len(cols))
	for _, c := range cols {
		out[strings.ToLower(c.Name)] = c
	}
	return out
}
