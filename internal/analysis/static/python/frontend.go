// Package python is the tree-sitter based frontend for Python sources. It parses
// a file once and builds the file-local name resolution (imports, aliases and
// function signatures) the matcher and the propagator query.
package python

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rulescope/internal/analysis/core"
)

// DefaultMaxFileSize bounds the input accepted by Parse.
const DefaultMaxFileSize = 10 * 1024 * 1024

var extensions = map[string]bool{".py": true, ".pyw": true, ".pyi": true}

// Frontend parses Python files. It holds no per-file state and is safe for
// concurrent use; each Parse call builds its own tree-sitter parser.
type Frontend struct {
	maxFileSize  int64
	strictSyntax bool
	logger       *zap.Logger
}

// Option configures a Frontend.
type Option func(*Frontend)

// WithMaxFileSize sets the size limit in bytes.
func WithMaxFileSize(n int64) Option {
	return func(f *Frontend) {
		if n > 0 {
			f.maxFileSize = n
		}
	}
}

// WithStrictSyntax rejects files that contain syntax errors instead of
// analysing the recoverable parts of the tree.
func WithStrictSyntax(strict bool) Option {
	return func(f *Frontend) { f.strictSyntax = strict }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Frontend) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New creates a Frontend.
func New(opts ...Option) *Frontend {
	f := &Frontend{maxFileSize: DefaultMaxFileSize, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("python")
	return f
}

func (f *Frontend) Language() string { return "python" }

// Accepts reports whether path has a Python extension.
func (f *Frontend) Accepts(path string) bool {
	return extensions[strings.ToLower(filepath.Ext(path))]
}

// Parse builds a Unit. The caller must Close it.
func (f *Frontend) Parse(ctx context.Context, path string, src []byte) (core.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, &core.ParseError{Path: path, Err: err}
	}
	if int64(len(src)) > f.maxFileSize {
		return nil, &core.ParseError{Path: path, Err: fmt.Errorf("%w: %d bytes, limit %d", core.ErrFileTooLarge, len(src), f.maxFileSize)}
	}
	if !utf8.Valid(src) {
		return nil, &core.ParseError{Path: path, Err: core.ErrInvalidContent}
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, &core.ParseError{Path: path, Err: fmt.Errorf("tree-sitter parse failed: %w", err)}
	}
	root := tree.RootNode()
	if root == nil {
		tree.Close()
		return nil, &core.ParseError{Path: path, Err: fmt.Errorf("tree-sitter returned no root node")}
	}

	if root.HasError() {
		if f.strictSyntax {
			tree.Close()
			return nil, &core.ParseError{Path: path, Err: core.ErrSyntax}
		}
		// Error nodes evaluate to Unknown; the rest of the file is still analysed.
		f.logger.Warn("Source contains syntax errors, analysing recoverable parts.", zap.String("file", path))
	}

	u := newUnit(path, src, tree)
	u.index()
	return u, nil
}
