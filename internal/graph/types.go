// Package graph builds the dependency graph around a changed node and
// computes its forward and reverse closures.
package graph

import "context"

// NodeKind classifies graph nodes.
type NodeKind string

const (
	KindFile     NodeKind = "FILE"
	KindTable    NodeKind = "TABLE"
	KindView     NodeKind = "VIEW"
	KindTrigger  NodeKind = "TRIGGER"
	KindEndpoint NodeKind = "ENDPOINT"
)

// EdgeType is the relationship an edge records.
type EdgeType string

const (
	Calls        EdgeType = "CALLS"
	Imports      EdgeType = "IMPORTS"
	Reads        EdgeType = "READS"
	Writes       EdgeType = "WRITES"
	ForeignKey   EdgeType = "FOREIGN_KEY"
	ReferencedBy EdgeType = "REFERENCED_BY"
	ViewOf       EdgeType = "VIEW"
	TriggerOn    EdgeType = "TRIGGER"
	UsesTable    EdgeType = "USES_TABLE"
)

// Direction is the query direction an edge was discovered in.
type Direction string

const (
	Forward Direction = "FORWARD"
	Reverse Direction = "REVERSE"
)

// Node is a file, table, view, trigger or endpoint.
type Node struct {
	ID      string   `json:"id"`
	Kind    NodeKind `json:"kind"`
	RiskTag string   `json:"risk_tag,omitempty"`
}

// Edge points from the node being expanded to the node discovered from it.
// Forward edges lead to what the source uses; reverse edges lead to what
// uses the source.
type Edge struct {
	SourceID    string    `json:"source_id"`
	TargetID    string    `json:"target_id"`
	Type        EdgeType  `json:"edge_type"`
	LineNumber  int       `json:"line_number,omitempty"`
	CodeSnippet string    `json:"code_snippet,omitempty"`
	Direction   Direction `json:"direction"`
}

func (e Edge) key() string {
	return string(e.Direction) + "|" + e.SourceID + "|" + e.TargetID + "|" + string(e.Type)
}

// StaticEdge is what a dependency analyzer reports: SourceID uses TargetID.
// Kind is the kind of the far endpoint (the one that is not the queried
// node); it defaults to FILE.
type StaticEdge struct {
	SourceID   string   `json:"source_id"`
	TargetID   string   `json:"target_id"`
	Type       EdgeType `json:"edge_type"`
	LineNumber int      `json:"line_number,omitempty"`
	Snippet    string   `json:"snippet,omitempty"`
	Kind       NodeKind `json:"kind,omitempty"`
}

// DependencyAnalyzer supplies static code-dependency edges.
type DependencyAnalyzer interface {
	// Dependencies returns edges whose SourceID is n.
	Dependencies(ctx context.Context, n Node) ([]StaticEdge, error)
	// Dependents returns edges whose TargetID is n.
	Dependents(ctx context.Context, n Node) ([]StaticEdge, error)
}

// ForeignKeyRef is one foreign key between two tables.
type ForeignKeyRef struct {
	Constraint  string   `json:"constraint"`
	FromTable   string   `json:"from_table"`
	FromColumns []string `json:"from_columns"`
	ToTable     string   `json:"to_table"`
	ToColumns   []string `json:"to_columns"`
}

// ViewRef is a view whose definition text references a table.
type ViewRef struct {
	Name    string `json:"name"`
	Snippet string `json:"snippet,omitempty"`
}

// TriggerRef is a trigger attached to a table.
type TriggerRef struct {
	Name     string `json:"name"`
	Table    string `json:"table"`
	Timing   string `json:"timing,omitempty"`
	Event    string `json:"event,omitempty"`
	Function string `json:"function,omitempty"`
}

// RelationalSource reads relational metadata for a table.
type RelationalSource interface {
	ForeignKeysFrom(ctx context.Context, table string) ([]ForeignKeyRef, error)
	ForeignKeysTo(ctx context.Context, table string) ([]ForeignKeyRef, error)
	DependentViews(ctx context.Context, table string) ([]ViewRef, error)
	Triggers(ctx context.Context, table string) ([]TriggerRef, error)
}

// Tagger assigns a risk tag to a node; "" means untagged.
type Tagger func(id string, kind NodeKind) string
