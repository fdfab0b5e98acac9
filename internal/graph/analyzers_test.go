package graph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	scippb "github.com/sourcegraph/scip/bindings/go/scip"
	"google.golang.org/protobuf/proto"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadEdgesFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "edges.json", `[
		{"source_id": "svc/pay.go", "target_id": "lib/money.go", "edge_type": "IMPORTS", "line_number": 4},
		{"source_id": "orders", "target_id": "customers", "edge_type": "FOREIGN_KEY"}
	]`)

	a, err := LoadEdgesFile(filepath.Join(dir, "edges.json"))
	if err != nil {
		t.Fatalf("LoadEdgesFile: %v", err)
	}
	deps, _ := a.Dependencies(context.Background(), Node{ID: "svc/pay.go"})
	if len(deps) != 1 || deps[0].TargetID != "lib/money.go" {
		t.Errorf("Dependencies = %+v", deps)
	}
	dependents, _ := a.Dependents(context.Background(), Node{ID: "customers"})
	if len(dependents) != 1 || dependents[0].Kind != KindTable {
		t.Errorf("Dependents = %+v", dependents)
	}

	if _, err := LoadEdgesFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMultiAnalyzer(t *testing.T) {
	good := NewStaticAnalyzer([]StaticEdge{{SourceID: "b.go", TargetID: "a.go", Type: Calls}})

	edges, err := MultiAnalyzer{failingAnalyzer{}, good}.Dependents(context.Background(), Node{ID: "a.go"})
	if err != nil {
		t.Fatalf("partial failure surfaced: %v", err)
	}
	if len(edges) != 1 {
		t.Errorf("edges = %d, want 1", len(edges))
	}

	_, err = MultiAnalyzer{failingAnalyzer{}, failingAnalyzer{}}.Dependents(context.Background(), Node{ID: "a.go"})
	if err == nil {
		t.Error("expected error when every analyzer fails")
	}
}

func TestTableUsageAnalyzer(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "app/report.py", "def totals(db):\n    return db.execute(\"SELECT sum(amount) FROM transactions\")\n")
	writeFile(t, root, "app/ledger.go", "package app\n\nconst q = `INSERT INTO transactions (id) VALUES ($1)`\n")
	writeFile(t, root, "app/models.py", "class Tx(Base):\n    __tablename__ = \"transactions\"\n")
	writeFile(t, root, "app/other.py", "SELECT * FROM transactions_archive\n")
	writeFile(t, root, "node_modules/lib/index.js", "db.query('SELECT * FROM transactions')\n")
	writeFile(t, root, "README.md", "FROM transactions\n")

	a := NewTableUsageAnalyzer(root, []string{"node_modules"}, 0)
	edges, err := a.Dependents(context.Background(), Node{ID: "public.transactions", Kind: KindTable})
	if err != nil {
		t.Fatalf("Dependents: %v", err)
	}

	want := map[string]struct {
		typ  EdgeType
		line int
	}{
		"app/ledger.go": {Writes, 3},
		"app/models.py": {UsesTable, 2},
		"app/report.py": {Reads, 2},
	}
	if len(edges) != len(want) {
		t.Fatalf("edges = %+v, want %d", edges, len(want))
	}
	for _, e := range edges {
		w, ok := want[e.SourceID]
		if !ok {
			t.Errorf("unexpected edge from %s", e.SourceID)
			continue
		}
		if e.Type != w.typ || e.LineNumber != w.line {
			t.Errorf("%s: got %s@%d, want %s@%d", e.SourceID, e.Type, e.LineNumber, w.typ, w.line)
		}
		if e.TargetID != "public.transactions" || e.Snippet == "" {
			t.Errorf("%s: target %q snippet %q", e.SourceID, e.TargetID, e.Snippet)
		}
	}

	if edges, _ := a.Dependents(context.Background(), Node{ID: "a.go", Kind: KindFile}); edges != nil {
		t.Errorf("file node should have no table dependents, got %+v", edges)
	}
}

func TestClassifyUsage(t *testing.T) {
	a := NewTableUsageAnalyzer("", nil, 0)
	p := a.compile("orders")
	tests := []struct {
		line string
		want EdgeType
		ok   bool
	}{
		{"SELECT * FROM orders WHERE id = 1", Reads, true},
		{"LEFT JOIN public.orders o ON o.id = x.order_id", Reads, true},
		{"UPDATE orders SET status = 'paid'", Writes, true},
		{`DELETE FROM "orders" WHERE id = $1`, Writes, true},
		{"TRUNCATE TABLE orders", UsesTable, true},
		{`@Table(name = "orders")`, UsesTable, true},
		{"knex('orders').where({ id })", UsesTable, true},
		{"SELECT * FROM orders_archive", "", false},
		{"orders := loadOrders()", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := classifyUsage(tt.line, p)
			if ok != tt.ok || got != tt.want {
				t.Errorf("classifyUsage = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestScipEdges(t *testing.T) {
	def := int32(scippb.SymbolRole_Definition)
	imp := int32(scippb.SymbolRole_Import)
	index := &scippb.Index{
		Documents: []*scippb.Document{
			{
				RelativePath: "lib/money.go",
				Text:         "package lib\n\nfunc Round() {}\n",
				Occurrences: []*scippb.Occurrence{
					{Symbol: "go . lib/Round().", SymbolRoles: def, Range: []int32{2, 5, 10}},
				},
			},
			{
				RelativePath: "svc/pay.go",
				Text:         "package svc\n\nimport \"lib\"\n\nfunc Pay() { lib.Round() }\n",
				Occurrences: []*scippb.Occurrence{
					{Symbol: "go . lib/Round().", SymbolRoles: imp, Range: []int32{2, 7, 12}},
					{Symbol: "go . lib/Round().", Range: []int32{4, 17, 22}},
					{Symbol: "go . lib/Round().", Range: []int32{4, 30, 35}},
					{Symbol: "local 1", Range: []int32{4, 1, 2}},
				},
			},
		},
	}

	edges := ScipEdges(index, "")
	if len(edges) != 2 {
		t.Fatalf("edges = %+v, want 2", edges)
	}
	if edges[0].Type != Imports || edges[0].LineNumber != 3 || edges[0].Snippet != `import "lib"` {
		t.Errorf("import edge = %+v", edges[0])
	}
	if edges[1].Type != Calls || edges[1].LineNumber != 5 {
		t.Errorf("call edge = %+v", edges[1])
	}
	for _, e := range edges {
		if e.SourceID != "svc/pay.go" || e.TargetID != "lib/money.go" {
			t.Errorf("edge endpoints = %s -> %s", e.SourceID, e.TargetID)
		}
	}
}

func TestLoadScipIndex(t *testing.T) {
	index := &scippb.Index{
		Documents: []*scippb.Document{
			{RelativePath: "a.go", Occurrences: []*scippb.Occurrence{{Symbol: "go . a/A().", SymbolRoles: int32(scippb.SymbolRole_Definition), Range: []int32{0, 0, 1}}}},
			{RelativePath: "b.go", Occurrences: []*scippb.Occurrence{{Symbol: "go . a/A().", Range: []int32{0, 0, 1}}}},
		},
	}
	data, err := proto.Marshal(index)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "index.scip")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := LoadScipIndex(path, dir)
	if err != nil {
		t.Fatalf("LoadScipIndex: %v", err)
	}
	deps, _ := a.Dependents(context.Background(), Node{ID: "a.go"})
	if len(deps) != 1 || deps[0].SourceID != "b.go" {
		t.Errorf("Dependents = %+v", deps)
	}

	if err := os.WriteFile(path, []byte("not a protobuf"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadScipIndex(path, dir); err == nil || errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected parse error, got %v", err)
	}
}
