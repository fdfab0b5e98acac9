package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// StaticAnalyzer serves a fixed edge list, such as one exported by an
// external indexer.
type StaticAnalyzer struct {
	bySource map[string][]StaticEdge
	byTarget map[string][]StaticEdge
}

// NewStaticAnalyzer indexes edges by both endpoints.
func NewStaticAnalyzer(edges []StaticEdge) *StaticAnalyzer {
	a := &StaticAnalyzer{
		bySource: make(map[string][]StaticEdge),
		byTarget: make(map[string][]StaticEdge),
	}
	for _, e := range edges {
		a.bySource[e.SourceID] = append(a.bySource[e.SourceID], e)
		a.byTarget[e.TargetID] = append(a.byTarget[e.TargetID], e)
	}
	return a
}

// LoadEdgesFile reads a JSON array of static edges.
func LoadEdgesFile(path string) (*StaticAnalyzer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read edges file: %w", err)
	}
	var edges []StaticEdge
	if err := json.Unmarshal(data, &edges); err != nil {
		return nil, fmt.Errorf("decode edges file %s: %w", path, err)
	}
	return NewStaticAnalyzer(edges), nil
}

func (a *StaticAnalyzer) Dependencies(_ context.Context, n Node) ([]StaticEdge, error) {
	return a.bySource[n.ID], nil
}

// Dependents returns edges pointing at n. The far endpoint of such an edge
// is its source, which is a file unless stated otherwise.
func (a *StaticAnalyzer) Dependents(_ context.Context, n Node) ([]StaticEdge, error) {
	in := a.byTarget[n.ID]
	out := make([]StaticEdge, len(in))
	for i, e := range in {
		e.Kind = sourceKind(e)
		out[i] = e
	}
	return out, nil
}

// sourceKind infers the kind of an edge's source from its type.
func sourceKind(e StaticEdge) NodeKind {
	switch e.Type {
	case ForeignKey:
		return KindTable
	default:
		return KindFile
	}
}

// MultiAnalyzer concatenates the answers of several analyzers. A failing
// analyzer does not hide the others' edges; its error is returned only when
// every analyzer failed.
type MultiAnalyzer []DependencyAnalyzer

func (m MultiAnalyzer) Dependencies(ctx context.Context, n Node) ([]StaticEdge, error) {
	return m.collect(func(a DependencyAnalyzer) ([]StaticEdge, error) { return a.Dependencies(ctx, n) })
}

func (m MultiAnalyzer) Dependents(ctx context.Context, n Node) ([]StaticEdge, error) {
	return m.collect(func(a DependencyAnalyzer) ([]StaticEdge, error) { return a.Dependents(ctx, n) })
}

func (m MultiAnalyzer) collect(fn func(DependencyAnalyzer) ([]StaticEdge, error)) ([]StaticEdge, error) {
	var (
		out  []StaticEdge
		errs []error
	)
	for _, a := range m {
		edges, err := fn(a)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, edges...)
	}
	if len(errs) > 0 && len(errs) == len(m) {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// trimSnippet shortens a source line for display.
func trimSnippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 160 {
		return s[:157] + "..."
	}
	return s
}
