//go:build cgo

package contract

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/kotlin"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

func (g grammar) language() *sitter.Language {
	switch g {
	case grammarKotlin:
		return kotlin.GetLanguage()
	case grammarJavaScript:
		return javascript.GetLanguage()
	case grammarTypeScript:
		return typescript.GetLanguage()
	case grammarTSX:
		return tsx.GetLanguage()
	case grammarGo:
		return golang.GetLanguage()
	default:
		return java.GetLanguage()
	}
}

// classBodies are the node types that hold members of a class-like
// declaration across the supported grammars.
var classBodies = map[string]bool{
	"class_body":     true,
	"interface_body": true,
	"enum_body":      true,
}

// parseOutline outlines src with tree-sitter. Comment nodes are blanked
// even when the tree has errors; block ends and class bodies are taken from
// the tree only when it parsed cleanly, as a diff fragment rarely does.
func parseOutline(ctx context.Context, g grammar, src []byte) *outline {
	parser := sitter.NewParser()
	parser.SetLanguage(g.language())
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return lexOutline(src)
	}
	root := tree.RootNode()
	clean := !root.HasError()

	masked := append([]byte(nil), src...)
	o := &outline{}
	if clean {
		o.blocks = make(map[int]int)
	}

	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if strings.Contains(n.Type(), "comment") {
			blankRange(masked, int(n.StartByte()), int(n.EndByte()))
			return
		}
		if clean {
			if classBodies[n.Type()] {
				o.bodies = append(o.bodies, rowSpan{int(n.StartPoint().Row), endLine(n) - 1})
			}
			recordBraces(n, o.blocks)
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(root)

	o.lines = strings.Split(string(masked), "\n")
	return o
}

// recordBraces pairs each "{" token among n's children with the next "}"
// sibling. The first block seen on a row wins, which in pre-order is the
// outermost.
func recordBraces(n *sitter.Node, blocks map[int]int) {
	count := int(n.ChildCount())
	for i := 0; i < count; i++ {
		open := n.Child(i)
		if open.IsNamed() || open.Type() != "{" {
			continue
		}
		for j := i + 1; j < count; j++ {
			closing := n.Child(j)
			if closing.IsNamed() || closing.Type() != "}" {
				continue
			}
			row := int(open.StartPoint().Row)
			if _, seen := blocks[row]; !seen {
				blocks[row] = int(closing.StartPoint().Row) + 1
			}
			break
		}
	}
}
