package core

import sitter "github.com/smacker/go-tree-sitter"

// NodeKey identifies a syntax node within one tree. go-tree-sitter hands out a
// fresh *Node per lookup, so pointer identity cannot be used.
type NodeKey struct {
	Start, End uint32
	Type       string
}

// KeyOf returns the key of n.
func KeyOf(n *sitter.Node) NodeKey {
	if n == nil {
		return NodeKey{}
	}
	return NodeKey{Start: n.StartByte(), End: n.EndByte(), Type: n.Type()}
}

// SameNode reports whether a and b are the same node.
func SameNode(a, b *sitter.Node) bool {
	return a != nil && b != nil && KeyOf(a) == KeyOf(b)
}
