package graph

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	scippb "github.com/sourcegraph/scip/bindings/go/scip"
	"google.golang.org/protobuf/proto"
)

// LoadScipIndex reads a SCIP index and derives file-level edges from it: a
// document that references a symbol defined in another document depends on
// that document. sourceRoot is used to attach source lines as snippets.
func LoadScipIndex(path, sourceRoot string) (*StaticAnalyzer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scip index: %w", err)
	}
	var index scippb.Index
	if err := proto.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse scip index %s: %w", path, err)
	}
	return NewStaticAnalyzer(ScipEdges(&index, sourceRoot)), nil
}

// ScipEdges converts an index into one edge per (document, defining
// document, type), located at the first referencing occurrence.
func ScipEdges(index *scippb.Index, sourceRoot string) []StaticEdge {
	definedIn := make(map[string]string)
	for _, doc := range index.Documents {
		for _, occ := range doc.Occurrences {
			if occ.SymbolRoles&int32(scippb.SymbolRole_Definition) != 0 && !isLocalSymbol(occ.Symbol) {
				if _, ok := definedIn[occ.Symbol]; !ok {
					definedIn[occ.Symbol] = doc.RelativePath
				}
			}
		}
	}

	lines := newLineCache(sourceRoot)
	seen := make(map[string]bool)
	var edges []StaticEdge
	for _, doc := range index.Documents {
		for _, occ := range doc.Occurrences {
			if occ.SymbolRoles&int32(scippb.SymbolRole_Definition) != 0 || isLocalSymbol(occ.Symbol) {
				continue
			}
			target, ok := definedIn[occ.Symbol]
			if !ok || target == doc.RelativePath {
				continue
			}
			typ := Calls
			if occ.SymbolRoles&int32(scippb.SymbolRole_Import) != 0 {
				typ = Imports
			}
			key := doc.RelativePath + "|" + target + "|" + string(typ)
			if seen[key] {
				continue
			}
			seen[key] = true

			line := 0
			if len(occ.Range) > 0 {
				line = int(occ.Range[0]) + 1
			}
			edges = append(edges, StaticEdge{
				SourceID:   doc.RelativePath,
				TargetID:   target,
				Type:       typ,
				LineNumber: line,
				Snippet:    lines.line(doc, line),
				Kind:       KindFile,
			})
		}
	}
	return edges
}

func isLocalSymbol(symbol string) bool {
	return symbol == "" || strings.HasPrefix(symbol, "local ")
}

// lineCache reads source lines from the document text or from disk.
type lineCache struct {
	root  string
	files map[string][]string
}

func newLineCache(root string) *lineCache {
	return &lineCache{root: root, files: make(map[string][]string)}
}

func (c *lineCache) line(doc *scippb.Document, n int) string {
	if n <= 0 {
		return ""
	}
	lines, ok := c.files[doc.RelativePath]
	if !ok {
		switch {
		case doc.Text != "":
			lines = strings.Split(doc.Text, "\n")
		case c.root != "":
			lines = readLines(filepath.Join(c.root, doc.RelativePath))
		}
		c.files[doc.RelativePath] = lines
	}
	if n > len(lines) {
		return ""
	}
	return trimSnippet(lines[n-1])
}

func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}
