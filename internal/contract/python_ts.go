//go:build cgo

package contract

import (
	"context"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// pyBlocks locates def and class statements with tree-sitter. Sources that
// do not parse cleanly fall back to indentation scanning.
func pyBlocks(ctx context.Context, src []byte, lines []string) []pyBlock {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return indentBlocks(lines)
	}
	root := tree.RootNode()
	if root.HasError() {
		return indentBlocks(lines)
	}

	var out []pyBlock
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		kind := ""
		switch n.Type() {
		case "function_definition":
			kind = "def"
		case "class_definition":
			kind = "class"
		}
		if kind != "" {
			start := n
			if p := n.Parent(); p != nil && p.Type() == "decorated_definition" {
				start = p
			}
			name := ""
			if nameNode := n.ChildByFieldName("name"); nameNode != nil {
				name = nameNode.Content(src)
			}
			out = append(out, pyBlock{
				Kind:    kind,
				Name:    name,
				Start:   int(start.StartPoint().Row) + 1,
				DefLine: int(n.StartPoint().Row) + 1,
				End:     endLine(n),
			})
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)
	return out
}

// endLine is the 1-based last line of n; a node ending at column 0 ends on
// the previous line.
func endLine(n *sitter.Node) int {
	end := n.EndPoint()
	if end.Column == 0 && end.Row > n.StartPoint().Row {
		return int(end.Row)
	}
	return int(end.Row) + 1
}
