// Package matcher finds the occurrences of corpus pattern rules in a parsed
// file. Matching is structural: a call node is compared by the dotted path its
// callee resolves to, a name or attribute node by its own resolved path. Import
// aliases are resolved by the Unit before comparison, so `o.system(x)` after
// `import os as o` matches `os.system(...)`.
package matcher

import (
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
	"github.com/xkilldash9x/rulescope/internal/rules"
)

// Match returns one MatchSite per rule matching node. Nodes that are neither
// calls nor references in a reading position match nothing.
func Match(node *sitter.Node, unit core.Unit, corpus *rules.Corpus) []core.MatchSite {
	if node == nil || corpus == nil {
		return nil
	}

	switch node.Type() {
	case "call":
		path, ok := unit.ResolveCallee(node)
		if !ok {
			return nil
		}
		candidates := corpus.CallRules(path)
		if len(candidates) == 0 {
			return nil
		}
		sites := make([]core.MatchSite, 0, len(candidates))
		for _, rule := range candidates {
			if !rule.Matches(path, true) {
				continue
			}
			sites = append(sites, core.MatchSite{
				RuleID:   rule.Key,
				Location: unit.Location(node),
				Args:     captureArgs(unit, node, rule),
				Node:     node,
			})
		}
		return sites

	case "identifier", "attribute":
		if !referencePosition(node) {
			return nil
		}
		path, ok := unit.ResolveCallee(node)
		if !ok {
			return nil
		}
		candidates := corpus.RefRules(path)
		sites := make([]core.MatchSite, 0, len(candidates))
		for _, rule := range candidates {
			if !rule.Matches(path, false) {
				continue
			}
			sites = append(sites, core.MatchSite{
				RuleID:   rule.Key,
				Location: unit.Location(node),
				Node:     node,
			})
		}
		return sites
	}
	return nil
}

// MatchAll walks the whole tree in source order and returns every site.
// Children of ERROR nodes are visited like any other.
func MatchAll(unit core.Unit, corpus *rules.Corpus) []core.MatchSite {
	var sites []core.MatchSite
	stack := []*sitter.Node{unit.Root()}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		sites = append(sites, Match(n, unit, corpus)...)

		for i := int(n.NamedChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, n.NamedChild(i))
		}
	}
	return sites
}

// Index groups sites by the node they were found on.
type Index map[core.NodeKey][]core.MatchSite

// NewIndex builds an Index over sites.
func NewIndex(sites []core.MatchSite) Index {
	idx := make(Index, len(sites))
	for _, s := range sites {
		k := core.KeyOf(s.Node)
		idx[k] = append(idx[k], s)
	}
	return idx
}

// At returns the sites found on node.
func (idx Index) At(node *sitter.Node) []core.MatchSite {
	if node == nil {
		return nil
	}
	return idx[core.KeyOf(node)]
}

func captureArgs(unit core.Unit, call *sitter.Node, rule *rules.Rule) []core.Argument {
	var signature []string
	if rule.Taint != nil {
		signature = rule.Taint.Signature
	}
	binding := unit.BindArguments(call, signature)
	if len(binding.Args) == 0 {
		return nil
	}
	args := make([]core.Argument, 0, len(binding.Args))
	for _, b := range binding.Args {
		name := b.Param
		if b.Splat {
			name = ""
		}
		args = append(args, core.Argument{Name: name, Text: unit.Text(b.Node), Node: b.Node})
	}
	return args
}

// referencePosition reports whether node is read as a value. Binding
// positions (import names, parameter names, assignment targets), the callee of
// a call and the member name of an attribute access are not references.
func referencePosition(node *sitter.Node) bool {
	parent := node.Parent()
	if parent == nil {
		return true
	}
	field := func(name string) bool {
		return core.SameNode(parent.ChildByFieldName(name), node)
	}

	switch parent.Type() {
	case "import_statement", "import_from_statement", "future_import_statement",
		"aliased_import", "dotted_name", "relative_import":
		return false
	case "attribute":
		return !field("attribute")
	case "call":
		return !field("function")
	case "keyword_argument", "function_definition", "class_definition":
		return !field("name")
	case "default_parameter", "typed_default_parameter":
		return field("value")
	case "parameters", "lambda_parameters", "typed_parameter",
		"list_splat_pattern", "dictionary_splat_pattern":
		return false
	case "assignment", "augmented_assignment", "for_statement", "for_in_clause":
		return !field("left")
	case "as_pattern_target", "global_statement", "nonlocal_statement":
		return false
	}
	return true
}
