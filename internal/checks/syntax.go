// Package checks runs automated diagnostics on generated test code: a
// tree-sitter syntax pass and, for pytest code, an optional coverage run.
// Findings are advisory. They feed the validator stage and never abort a
// generation run.
package checks

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// SyntaxResult describes the outcome of a syntax pass.
type SyntaxResult struct {
	Checked bool   `json:"checked"`
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// grammarFor maps request languages to tree-sitter grammars.
func grammarFor(language string) *sitter.Language {
	switch language {
	case "python":
		return python.GetLanguage()
	case "javascript":
		return javascript.GetLanguage()
	case "typescript":
		return typescript.GetLanguage()
	default:
		return nil
	}
}

// CheckSyntax parses code with the grammar for language. Languages without
// a grammar are reported as unchecked and valid.
func CheckSyntax(ctx context.Context, code, language string) SyntaxResult {
	lang := grammarFor(language)
	if lang == nil {
		return SyntaxResult{Checked: false, Valid: true}
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, []byte(code))
	if err != nil {
		return SyntaxResult{Checked: true, Valid: false, Error: fmt.Sprintf("parsing %s: %v", language, err)}
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return SyntaxResult{Checked: true, Valid: true}
	}

	line := firstErrorLine(root)
	return SyntaxResult{
		Checked: true,
		Valid:   false,
		Error:   fmt.Sprintf("invalid %s syntax near line %d", language, line),
		Line:    line,
	}
}

// firstErrorLine walks the tree for the first ERROR or missing node and
// returns its 1-indexed line.
func firstErrorLine(node *sitter.Node) int {
	if node == nil {
		return 1
	}
	if node.Type() == "ERROR" || node.IsMissing() {
		return int(node.StartPoint().Row) + 1
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child == nil || !child.HasError() {
			continue
		}
		if line := firstErrorLine(child); line > 0 {
			return line
		}
	}
	return int(node.StartPoint().Row) + 1
}
