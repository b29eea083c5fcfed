package python

import (
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
)

// BindArguments binds call arguments to formal parameter names. A function
// defined in the same file wins over signature; keyword arguments always bind
// by name; positional arguments past the known parameters stay unresolved.
func (u *Unit) BindArguments(call *sitter.Node, signature []string) core.Binding {
	var binding core.Binding
	if call == nil || call.Type() != "call" {
		return binding
	}
	args := call.ChildByFieldName("arguments")
	if args == nil {
		return binding
	}

	formals := u.localSignature(call)
	if formals == nil {
		for _, name := range signature {
			formals = append(formals, param{name: name, kind: paramPositional})
		}
	}

	// A generator argument, f(x for x in y), is the only positional argument.
	if args.Type() == "generator_expression" {
		binding.Args = append(binding.Args, core.BoundArg{Param: positionalName(formals, 0), Node: args})
		return binding
	}

	position := 0
	for i := 0; i < int(args.NamedChildCount()); i++ {
		arg := args.NamedChild(i)
		switch arg.Type() {
		case "comment":
			continue
		case "keyword_argument":
			name := arg.ChildByFieldName("name")
			binding.Args = append(binding.Args, core.BoundArg{Param: u.Text(name), Node: arg.ChildByFieldName("value")})
		case "list_splat", "dictionary_splat":
			binding.Args = append(binding.Args, core.BoundArg{Node: arg, Splat: true})
		default:
			binding.Args = append(binding.Args, core.BoundArg{Param: positionalName(formals, position), Node: arg})
			position++
		}
	}
	return binding
}

// localSignature returns the parameters of a same-file function the call
// targets directly by name.
func (u *Unit) localSignature(call *sitter.Node) []param {
	fn := call.ChildByFieldName("function")
	if fn == nil || fn.Type() != "identifier" {
		return nil
	}
	name := u.Text(fn)
	if _, imported := u.aliases[name]; imported {
		return nil
	}
	return u.defs[name]
}

func positionalName(formals []param, position int) string {
	for i, p := range formals {
		switch p.kind {
		case paramVarArgs:
			// *args absorbs every remaining positional argument.
			return p.name
		case paramKeywordOnly, paramVarKeywords:
			return ""
		}
		if i == position {
			return p.name
		}
	}
	return ""
}
