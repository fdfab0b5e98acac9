// Package schema classifies DDL statements into exact schema operations,
// falling back through trigger metadata and catalog introspection when the
// statement text is incomplete.
package schema

import "strings"

// Operation is the exact kind of a schema change.
type Operation string

const (
	AddColumn      Operation = "ADD_COLUMN"
	DropColumn     Operation = "DROP_COLUMN"
	ModifyColumn   Operation = "MODIFY_COLUMN"
	RenameColumn   Operation = "RENAME_COLUMN"
	SetDefault     Operation = "SET_DEFAULT"
	DropDefault    Operation = "DROP_DEFAULT"
	SetNotNull     Operation = "SET_NOT_NULL"
	DropNotNull    Operation = "DROP_NOT_NULL"
	AddConstraint  Operation = "ADD_CONSTRAINT"
	DropConstraint Operation = "DROP_CONSTRAINT"
	RenameTable    Operation = "RENAME_TABLE"
	DropTable      Operation = "DROP_TABLE"
	AddIndex       Operation = "ADD_INDEX"
	DropIndex      Operation = "DROP_INDEX"
	GenericAlter   Operation = "ALTER_TABLE_GENERIC"
)

// Confidence records which tier resolved the operation.
type Confidence string

const (
	DirectSQL            Confidence = "DIRECT_SQL"
	TriggerMetadata      Confidence = "TRIGGER_METADATA"
	CatalogIntrospection Confidence = "CATALOG_INTROSPECTION"
	GenericFallback      Confidence = "GENERIC_FALLBACK"
)

// baseWeights are fixed per operation and feed the risk scorer.
var baseWeights = map[Operation]float64{
	DropTable:      3.0,
	DropColumn:     3.0,
	RenameTable:    2.8,
	DropConstraint: 2.8,
	ModifyColumn:   2.5,
	RenameColumn:   2.5,
	SetNotNull:     2.2,
	AddConstraint:  2.0,
	GenericAlter:   2.0,
	DropNotNull:    1.8,
	DropIndex:      1.5,
	DropDefault:    1.5,
	SetDefault:     1.2,
	AddColumn:      1.0,
	AddIndex:       0.8,
}

// BaseWeight returns the fixed risk weight of op. Unknown operations weigh
// the same as a generic alter.
func BaseWeight(op Operation) float64 {
	if w, ok := baseWeights[op]; ok {
		return w
	}
	return baseWeights[GenericAlter]
}

// IsDestructive reports whether op removes or renames something consumers
// may depend on.
func (op Operation) IsDestructive() bool {
	switch op {
	case DropTable, DropColumn, DropConstraint, RenameTable, RenameColumn, ModifyColumn, SetNotNull:
		return true
	}
	return false
}

// SchemaChange is the classified form of a DDL statement.
type SchemaChange struct {
	Operation      Operation      `json:"operation"`
	Schema         string         `json:"schema,omitempty"`
	Table          string         `json:"table"`
	Column         string         `json:"column,omitempty"`
	ConstraintName string         `json:"constraint_name,omitempty"`
	IndexName      string         `json:"index_name,omitempty"`
	OldValue       string         `json:"old_value,omitempty"`
	NewValue       string         `json:"new_value,omitempty"`
	DefaultValue   string         `json:"default_value,omitempty"`
	Confidence     Confidence     `json:"confidence"`
	Statement      string         `json:"statement,omitempty"`
	BaseWeight     float64        `json:"base_weight"`
	Clauses        []SchemaChange `json:"clauses,omitempty"`
}

// QualifiedTable returns schema.table, or table when no schema is known.
func (s SchemaChange) QualifiedTable() string {
	if s.Schema == "" {
		return s.Table
	}
	return s.Schema + "." + s.Table
}

// splitQualified splits "schema.table" and strips identifier quotes.
func splitQualified(name string) (string, string) {
	name = unquote(name)
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, `"`, "")
	return strings.ReplaceAll(s, "`", "")
}
