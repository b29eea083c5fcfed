package core

import (
	"context"
	"errors"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
)

// Parse failure causes wrapped by ParseError.
var (
	ErrFileTooLarge   = errors.New("file exceeds size limit")
	ErrInvalidContent = errors.New("content is not valid UTF-8")
	ErrSyntax         = errors.New("source contains syntax errors")
)

// ParseError means a file could not be turned into a syntax tree. The file is
// skipped; the run continues.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Frontend turns source bytes of one language into a Unit.
type Frontend interface {
	Language() string
	// Accepts reports whether the frontend handles the given path.
	Accepts(path string) bool
	Parse(ctx context.Context, path string, src []byte) (Unit, error)
}

// Unit is a parsed file plus the file-local name resolution built from it.
// A Unit is used by a single goroutine and must be closed.
type Unit interface {
	Path() string
	Source() []byte
	Root() *sitter.Node
	HasSyntaxErrors() bool

	// ResolveCallee maps a name, attribute or call node to the fully qualified
	// dotted path it refers to after import alias resolution. ok is false for
	// dynamic expressions (subscripts, calls on calls).
	ResolveCallee(node *sitter.Node) (path string, ok bool)
	// IsModule reports whether node is a name bound to a module by an import.
	IsModule(node *sitter.Node) bool
	// BindArguments binds the arguments of a call to formal parameter names.
	// signature is used when the callee is not defined in the file.
	BindArguments(call *sitter.Node, signature []string) Binding
	// Parameters returns the formal parameter names of a function definition.
	Parameters(def *sitter.Node) []string
	StringLiterals() []StringLiteral

	Text(node *sitter.Node) string
	Location(node *sitter.Node) Location
	Close()
}

// BoundArg is one call argument after binding.
type BoundArg struct {
	// Param is the formal (or keyword) name; empty when unresolved.
	Param string
	Node  *sitter.Node
	// Splat marks *args / **kwargs expansions, which bind to no single name.
	Splat bool
}

// Binding is the ordered argument list of a call.
type Binding struct {
	Args []BoundArg
}

// Lookup returns the argument bound to param.
func (b Binding) Lookup(param string) (BoundArg, bool) {
	for _, a := range b.Args {
		if a.Param == param && !a.Splat {
			return a, true
		}
	}
	return BoundArg{}, false
}

// Unresolved returns the arguments that could not be bound to a name.
func (b Binding) Unresolved() []BoundArg {
	var out []BoundArg
	for _, a := range b.Args {
		if a.Param == "" || a.Splat {
			out = append(out, a)
		}
	}
	return out
}
