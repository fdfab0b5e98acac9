//go:build !cgo

package contract

import "context"

// pyBlocks locates def and class statements by indentation when tree-sitter
// is not available.
func pyBlocks(_ context.Context, _ []byte, lines []string) []pyBlock {
	return indentBlocks(lines)
}
