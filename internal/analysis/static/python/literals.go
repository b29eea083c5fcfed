package python

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
)

// StringLiterals returns every string literal in source order. Implicitly
// concatenated literals ("a" "b") are reported per piece. Escape sequences are
// left as written.
func (u *Unit) StringLiterals() []core.StringLiteral {
	if u.scanned {
		return u.literals
	}
	u.scanned = true

	stack := []*sitter.Node{u.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if n.Type() == "string" {
			u.literals = append(u.literals, core.StringLiteral{
				Value:    u.stringValue(n),
				Location: u.Location(n),
			})
		}
		for i := int(n.NamedChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, n.NamedChild(i))
		}
	}
	return u.literals
}

// stringValue strips prefix and quotes. Newer grammars expose string_start and
// string_end children; older ones only give the raw token.
func (u *Unit) stringValue(n *sitter.Node) string {
	var start, end *sitter.Node
	for i := 0; i < int(n.ChildCount()); i++ {
		switch c := n.Child(i); c.Type() {
		case "string_start":
			start = c
		case "string_end":
			end = c
		}
	}
	if start != nil && end != nil && start.EndByte() <= end.StartByte() {
		return string(u.src[start.EndByte():end.StartByte()])
	}
	return unquote(u.Text(n))
}

func unquote(raw string) string {
	s := strings.TrimLeft(raw, "rRbBuUfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if len(s) >= 2*len(q) && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			return s[len(q) : len(s)-len(q)]
		}
	}
	return s
}
