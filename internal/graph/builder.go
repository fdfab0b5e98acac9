package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	brerrors "blastradius/internal/errors"
	"blastradius/internal/signal"
)

// Signal names reported by Build.
const (
	SignalAnalyzer   = "dependency_analyzer"
	SignalRelational = "relational_metadata"
)

// DefaultMaxDepth bounds indirect closures when no depth is configured.
const DefaultMaxDepth = 3

// Options configures a Builder.
type Options struct {
	Analyzer   DependencyAnalyzer
	Relational RelationalSource
	Tagger     Tagger
	MaxDepth   int
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Builder assembles the graph around changed nodes from static code edges
// and relational metadata, then walks it in both directions.
type Builder struct {
	analyzer   DependencyAnalyzer
	relational RelationalSource
	tagger     Tagger
	maxDepth   int
	timeout    time.Duration
	logger     *slog.Logger
}

// NewBuilder creates a Builder. Analyzer and Relational may be nil.
func NewBuilder(opts Options) *Builder {
	b := &Builder{
		analyzer:   opts.Analyzer,
		relational: opts.Relational,
		tagger:     opts.Tagger,
		maxDepth:   opts.MaxDepth,
		timeout:    opts.Timeout,
		logger:     opts.Logger,
	}
	if b.maxDepth <= 0 {
		b.maxDepth = DefaultMaxDepth
	}
	if b.timeout <= 0 {
		b.timeout = 5 * time.Second
	}
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}
	return b
}

type neighbor struct {
	node Node
	edge Edge
}

// Build expands the graph from roots and returns the traversal sets.
// Collaborator failures are reported in the signal set and never abort.
func (b *Builder) Build(ctx context.Context, roots []Node) (*Graph, Traversal, signal.Set) {
	g := New()
	signals := signal.Set{}
	if b.analyzer == nil {
		signals.Mark(SignalAnalyzer, signal.Disabled)
	}
	if b.relational == nil {
		signals.Mark(SignalRelational, signal.Disabled)
	}

	stored := make([]Node, len(roots))
	for i, r := range roots {
		stored[i] = g.AddNode(b.tag(r))
	}
	roots = stored

	var t Traversal
	t.Direct, t.Indirect = b.walk(ctx, g, roots, Forward, signals)
	t.ReverseDirect, t.ReverseIndirect = b.walk(ctx, g, roots, Reverse, signals)

	if _, ok := signals[SignalRelational]; !ok {
		signals.Mark(SignalRelational, signal.Skipped)
	}
	if _, ok := signals[SignalAnalyzer]; !ok {
		signals.Mark(SignalAnalyzer, signal.Skipped)
	}

	b.logger.Debug("Graph traversal complete",
		"roots", len(roots),
		"direct", len(t.Direct),
		"indirect", len(t.Indirect),
		"reverse_direct", len(t.ReverseDirect),
		"reverse_indirect", len(t.ReverseIndirect),
	)
	return g, t, signals
}

// walk is a breadth-first traversal bounded by maxDepth. A visited node is
// not expanded again, but every edge leading to it is still recorded.
func (b *Builder) walk(ctx context.Context, g *Graph, roots []Node, dir Direction, signals signal.Set) ([]Dependency, []Dependency) {
	visited := make(map[string]bool, len(roots))
	for _, r := range roots {
		visited[r.ID] = true
	}

	var direct, indirect []Dependency
	frontier := roots
	for depth := 1; depth <= b.maxDepth && len(frontier) > 0; depth++ {
		var next []Node
		for _, n := range frontier {
			if ctx.Err() != nil {
				return direct, indirect
			}
			for _, nb := range b.expand(ctx, n, dir, signals) {
				stored := g.AddNode(b.tag(nb.node))
				g.AddEdge(nb.edge)
				if visited[stored.ID] {
					continue
				}
				visited[stored.ID] = true

				dep := Dependency{
					NodeID:      stored.ID,
					Kind:        stored.Kind,
					EdgeType:    nb.edge.Type,
					Depth:       depth,
					Via:         n.ID,
					LineNumber:  nb.edge.LineNumber,
					CodeSnippet: nb.edge.CodeSnippet,
					RiskTag:     stored.RiskTag,
				}
				if depth == 1 {
					direct = append(direct, dep)
				} else {
					indirect = append(indirect, dep)
				}
				next = append(next, stored)
			}
		}
		frontier = next
	}

	sortDependencies(direct)
	sortDependencies(indirect)
	return direct, indirect
}

func (b *Builder) expand(ctx context.Context, n Node, dir Direction, signals signal.Set) []neighbor {
	var out []neighbor
	if b.analyzer != nil {
		out = append(out, b.staticNeighbors(ctx, n, dir, signals)...)
	}
	if b.relational != nil && (n.Kind == KindTable || n.Kind == KindView) {
		out = append(out, b.relationalNeighbors(ctx, n, dir, signals)...)
	}
	return out
}

func (b *Builder) staticNeighbors(ctx context.Context, n Node, dir Direction, signals signal.Set) []neighbor {
	var (
		edges []StaticEdge
		err   error
	)
	if dir == Forward {
		edges, err = b.analyzer.Dependencies(ctx, n)
	} else {
		edges, err = b.analyzer.Dependents(ctx, n)
	}
	if err != nil {
		signals.Mark(SignalAnalyzer, signal.Unavailable)
		err = brerrors.Collaborator("dependency analyzer", err)
		b.logger.Warn("Dependency analyzer failed", "node", n.ID, "direction", dir, "code", brerrors.CodeOf(err), "error", err)
		return nil
	}
	signals.Mark(SignalAnalyzer, signal.OK)

	out := make([]neighbor, 0, len(edges))
	for _, se := range edges {
		kind := se.Kind
		if kind == "" {
			kind = KindFile
		}
		far := se.TargetID
		if dir == Reverse {
			far = se.SourceID
		}
		if far == "" || far == n.ID {
			continue
		}
		out = append(out, neighbor{
			node: Node{ID: far, Kind: kind},
			edge: Edge{
				SourceID:    n.ID,
				TargetID:    far,
				Type:        se.Type,
				LineNumber:  se.LineNumber,
				CodeSnippet: se.Snippet,
				Direction:   dir,
			},
		})
	}
	return out
}

func (b *Builder) relationalNeighbors(ctx context.Context, n Node, dir Direction, signals signal.Set) []neighbor {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var out []neighbor
	fail := func(what string, err error) {
		signals.Mark(SignalRelational, signal.Unavailable)
		err = brerrors.Collaborator("relational metadata", err)
		b.logger.Warn("Relational metadata lookup failed", "node", n.ID, "lookup", what, "code", brerrors.CodeOf(err), "error", err)
	}
	add := func(id string, kind NodeKind, typ EdgeType, snippet string) {
		out = append(out, neighbor{
			node: Node{ID: id, Kind: kind},
			edge: Edge{SourceID: n.ID, TargetID: id, Type: typ, CodeSnippet: snippet, Direction: dir},
		})
	}

	if dir == Forward {
		if n.Kind != KindTable {
			return nil
		}
		fks, err := b.relational.ForeignKeysFrom(ctx, n.ID)
		if err != nil {
			fail("foreign_keys_from", err)
			return nil
		}
		signals.Mark(SignalRelational, signal.OK)
		for _, fk := range fks {
			add(fk.ToTable, KindTable, ForeignKey, describeFK(fk))
		}
		return out
	}

	if n.Kind == KindTable {
		if fks, err := b.relational.ForeignKeysTo(ctx, n.ID); err != nil {
			fail("foreign_keys_to", err)
		} else {
			signals.Mark(SignalRelational, signal.OK)
			for _, fk := range fks {
				add(fk.FromTable, KindTable, ReferencedBy, describeFK(fk))
			}
		}
		if trgs, err := b.relational.Triggers(ctx, n.ID); err != nil {
			fail("triggers", err)
		} else {
			for _, tr := range trgs {
				add(TriggerID(tr), KindTrigger, TriggerOn, strings.TrimSpace(tr.Timing+" "+tr.Event+" "+tr.Function))
			}
		}
	}
	if views, err := b.relational.DependentViews(ctx, n.ID); err != nil {
		fail("dependent_views", err)
	} else {
		signals.Mark(SignalRelational, signal.OK)
		for _, v := range views {
			if v.Name != n.ID {
				add(v.Name, KindView, ViewOf, v.Snippet)
			}
		}
	}
	return out
}

// TriggerID is the node ID of a trigger; trigger names are only unique per table.
func TriggerID(t TriggerRef) string {
	return t.Name + " ON " + t.Table
}

func describeFK(fk ForeignKeyRef) string {
	return fmt.Sprintf("%s: %s(%s) -> %s(%s)", fk.Constraint,
		fk.FromTable, strings.Join(fk.FromColumns, ", "),
		fk.ToTable, strings.Join(fk.ToColumns, ", "))
}

func (b *Builder) tag(n Node) Node {
	if n.RiskTag == "" && b.tagger != nil {
		n.RiskTag = b.tagger(n.ID, n.Kind)
	}
	return n
}

// Link records an edge outside traversal, such as an endpoint's external
// consumers. It does not change any traversal set.
func (g *Graph) Link(from, to Node, typ EdgeType, line int, snippet string) {
	g.AddNode(from)
	g.AddNode(to)
	g.AddEdge(Edge{
		SourceID:    from.ID,
		TargetID:    to.ID,
		Type:        typ,
		LineNumber:  line,
		CodeSnippet: snippet,
		Direction:   Reverse,
	})
}
