package python

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
)

// builtins that may be rebound to a local name (`e = eval`) and still resolve.
var aliasableBuiltins = map[string]bool{
	"eval": true, "exec": true, "compile": true, "input": true,
	"open": true, "getattr": true, "__import__": true,
}

type paramKind int

const (
	paramPositional paramKind = iota
	paramVarArgs
	paramKeywordOnly
	paramVarKeywords
)

type param struct {
	name string
	kind paramKind
}

// Unit is a parsed Python file.
type Unit struct {
	path string
	src  []byte
	tree *sitter.Tree
	root *sitter.Node

	// aliases maps a local name to the dotted path it stands for: imports,
	// rebound module attributes and instances of capitalised constructors.
	aliases map[string]string
	// defs holds the signatures of functions defined in the file, by name.
	defs map[string][]param
	// modules holds the names bound by `import` statements.
	modules map[string]bool

	literals []core.StringLiteral
	scanned  bool
}

var _ core.Unit = (*Unit)(nil)

func newUnit(path string, src []byte, tree *sitter.Tree) *Unit {
	return &Unit{
		path:    path,
		src:     src,
		tree:    tree,
		root:    tree.RootNode(),
		aliases: make(map[string]string),
		defs:    make(map[string][]param),
		modules: make(map[string]bool),
	}
}

func (u *Unit) Path() string          { return u.path }
func (u *Unit) Source() []byte        { return u.src }
func (u *Unit) Root() *sitter.Node    { return u.root }
func (u *Unit) HasSyntaxErrors() bool { return u.root.HasError() }

// Close releases the tree-sitter tree.
func (u *Unit) Close() {
	if u.tree != nil {
		u.tree.Close()
		u.tree = nil
	}
}

// Text returns the source text of node.
func (u *Unit) Text(node *sitter.Node) string {
	if node == nil {
		return ""
	}
	return node.Content(u.src)
}

// Location converts a node span to a 1-based Location with the trimmed source
// line as snippet.
func (u *Unit) Location(node *sitter.Node) core.Location {
	if node == nil {
		return core.Location{File: u.path}
	}
	start, end := node.StartPoint(), node.EndPoint()
	return core.Location{
		File:      u.path,
		Line:      int(start.Row) + 1,
		Column:    int(start.Column) + 1,
		EndLine:   int(end.Row) + 1,
		EndColumn: int(end.Column) + 1,
		Snippet:   lineText(u.src, int(node.StartByte())),
	}
}

// index walks the tree once in source order and records imports, aliases and
// function signatures. Resolution is flow-insensitive: the table built here
// applies to the whole file.
func (u *Unit) index() {
	stack := []*sitter.Node{u.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch n.Type() {
		case "import_statement":
			u.indexImport(n)
		case "import_from_statement":
			u.indexFromImport(n)
		case "assignment":
			u.indexAssignment(n)
		case "function_definition":
			if name := n.ChildByFieldName("name"); name != nil {
				u.defs[u.Text(name)] = u.params(n)
			}
		}

		// Push children in reverse so they pop in source order.
		for i := int(n.NamedChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, n.NamedChild(i))
		}
	}
}

func (u *Unit) indexImport(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		switch child.Type() {
		case "dotted_name":
			// `import a.b.c` binds `a`; attribute access reaches the rest.
			module := u.Text(child)
			head := strings.SplitN(module, ".", 2)[0]
			u.aliases[head] = head
			u.modules[head] = true
		case "aliased_import":
			name, alias := child.ChildByFieldName("name"), child.ChildByFieldName("alias")
			if name != nil && alias != nil {
				u.aliases[u.Text(alias)] = u.Text(name)
				u.modules[u.Text(alias)] = true
			}
		}
	}
}

func (u *Unit) indexFromImport(n *sitter.Node) {
	moduleNode := n.ChildByFieldName("module_name")
	if moduleNode == nil {
		return
	}
	module := u.Text(moduleNode)
	qualify := func(name string) string {
		if strings.HasSuffix(module, ".") {
			return module + name
		}
		return module + "." + name
	}

	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if core.SameNode(child, moduleNode) {
			continue
		}
		switch child.Type() {
		case "dotted_name":
			name := u.Text(child)
			u.aliases[name] = qualify(name)
		case "aliased_import":
			name, alias := child.ChildByFieldName("name"), child.ChildByFieldName("alias")
			if name != nil && alias != nil {
				u.aliases[u.Text(alias)] = qualify(u.Text(name))
			}
		}
		// wildcard_import binds nothing we can name statically.
	}
}

// indexAssignment records `s = os.system` and `app = flask.Flask(...)`.
func (u *Unit) indexAssignment(n *sitter.Node) {
	left, right := n.ChildByFieldName("left"), n.ChildByFieldName("right")
	if left == nil || right == nil || left.Type() != "identifier" {
		return
	}
	name := u.Text(left)

	switch right.Type() {
	case "identifier", "attribute":
		segs, ok := u.flatten(right)
		if !ok {
			return
		}
		if _, imported := u.aliases[segs[0]]; imported || (len(segs) == 1 && aliasableBuiltins[segs[0]]) {
			if path, ok := u.ResolveCallee(right); ok && path != name {
				u.aliases[name] = path
			}
		}
	case "call":
		fn := right.ChildByFieldName("function")
		segs, ok := u.flatten(fn)
		if !ok || !isConstructor(segs[len(segs)-1]) {
			return
		}
		if path, ok := u.ResolveCallee(fn); ok && path != name {
			u.aliases[name] = path
		}
	}
}

// IsModule reports whether node is a name bound by an `import` statement.
// Names from `from m import x` are not modules: x may be data.
func (u *Unit) IsModule(node *sitter.Node) bool {
	return node != nil && node.Type() == "identifier" && u.modules[u.Text(node)]
}

// ResolveCallee resolves a name, attribute chain or call to a dotted path.
func (u *Unit) ResolveCallee(node *sitter.Node) (string, bool) {
	if node == nil {
		return "", false
	}
	if node.Type() == "call" {
		node = node.ChildByFieldName("function")
	}
	segs, ok := u.flatten(node)
	if !ok {
		return "", false
	}
	if target, ok := u.aliases[segs[0]]; ok {
		resolved := strings.Split(target, ".")
		segs = append(resolved, segs[1:]...)
	}
	return strings.Join(segs, "."), true
}

// flatten turns `a.b.c` into [a b c]. A constructor call in object position
// (`Flask(__name__).route`) flattens to its class path; anything else dynamic
// (subscripts, calls on lowercase callables, literals) fails.
func (u *Unit) flatten(node *sitter.Node) ([]string, bool) {
	var segs []string
	current := node
	for current != nil {
		switch current.Type() {
		case "identifier":
			return append([]string{u.Text(current)}, segs...), true
		case "attribute":
			attr := current.ChildByFieldName("attribute")
			if attr == nil {
				return nil, false
			}
			segs = append([]string{u.Text(attr)}, segs...)
			current = current.ChildByFieldName("object")
		case "call":
			if len(segs) == 0 {
				return nil, false
			}
			inner, ok := u.flatten(current.ChildByFieldName("function"))
			if !ok || !isConstructor(inner[len(inner)-1]) {
				return nil, false
			}
			return append(inner, segs...), true
		case "parenthesized_expression":
			if current.NamedChildCount() != 1 {
				return nil, false
			}
			current = current.NamedChild(0)
		default:
			return nil, false
		}
	}
	return nil, false
}

// Parameters returns the formal parameter names of a function definition.
func (u *Unit) Parameters(def *sitter.Node) []string {
	ps := u.params(def)
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		names = append(names, p.name)
	}
	return names
}

func (u *Unit) params(def *sitter.Node) []param {
	if def == nil {
		return nil
	}
	list := def.ChildByFieldName("parameters")
	if list == nil {
		return nil
	}

	var out []param
	keywordOnly := false
	kind := func() paramKind {
		if keywordOnly {
			return paramKeywordOnly
		}
		return paramPositional
	}
	for i := 0; i < int(list.NamedChildCount()); i++ {
		p := list.NamedChild(i)
		switch p.Type() {
		case "identifier":
			out = append(out, param{name: u.Text(p), kind: kind()})
		case "default_parameter", "typed_default_parameter":
			if name := p.ChildByFieldName("name"); name != nil {
				out = append(out, param{name: u.Text(name), kind: kind()})
			}
		case "typed_parameter":
			if p.NamedChildCount() == 0 {
				continue
			}
			inner := p.NamedChild(0)
			switch inner.Type() {
			case "identifier":
				out = append(out, param{name: u.Text(inner), kind: kind()})
			case "list_splat_pattern":
				out = append(out, param{name: splatName(u, inner), kind: paramVarArgs})
				keywordOnly = true
			case "dictionary_splat_pattern":
				out = append(out, param{name: splatName(u, inner), kind: paramVarKeywords})
			}
		case "list_splat_pattern":
			out = append(out, param{name: splatName(u, p), kind: paramVarArgs})
			keywordOnly = true
		case "dictionary_splat_pattern":
			out = append(out, param{name: splatName(u, p), kind: paramVarKeywords})
		case "keyword_separator":
			keywordOnly = true
		}
	}
	return out
}

func splatName(u *Unit, n *sitter.Node) string {
	if n.NamedChildCount() > 0 {
		return u.Text(n.NamedChild(0))
	}
	return strings.TrimLeft(u.Text(n), "*")
}

func isConstructor(name string) bool {
	return name != "" && name[0] >= 'A' && name[0] <= 'Z'
}

// lineText returns the trimmed source line containing offset.
func lineText(src []byte, offset int) string {
	if offset < 0 || offset > len(src) {
		return ""
	}
	start := offset
	for start > 0 && src[start-1] != '\n' {
		start--
	}
	end := offset
	for end < len(src) && src[end] != '\n' {
		end++
	}
	return strings.TrimSpace(string(src[start:end]))
}
