package rules

import (
	"errors"
	"fmt"
	"strings"
)

// Corpus error kinds. A CorpusError always wraps exactly one of these so
// callers can branch with errors.Is.
var (
	ErrMalformedSyntax      = errors.New("malformed corpus syntax")
	ErrDuplicateID          = errors.New("duplicate rule id")
	ErrInvalidPatternSyntax = errors.New("invalid pattern syntax")
)

// CorpusError is fatal: the corpus is rejected as a whole.
type CorpusError struct {
	Kind      error
	Namespace string
	// Index is the position of the offending rule within its namespace, or -1
	// when the error concerns the whole document.
	Index  int
	RuleID string
	Err    error
}

func (e *CorpusError) Error() string {
	var b strings.Builder
	b.WriteString("corpus: ")
	b.WriteString(e.Kind.Error())
	if e.Namespace != "" && e.Index >= 0 {
		fmt.Fprintf(&b, " at %s[%d]", e.Namespace, e.Index)
	}
	if e.RuleID != "" {
		fmt.Fprintf(&b, " (id %q)", e.RuleID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CorpusError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// PatternSyntaxError reports a pattern (or regex) that cannot be tokenized.
// Offset is the byte offset of the failure, -1 when unknown.
type PatternSyntaxError struct {
	Pattern string
	Offset  int
	Reason  string
}

func (e *PatternSyntaxError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("invalid pattern %q: %s", e.Pattern, e.Reason)
	}
	return fmt.Sprintf("invalid pattern %q at offset %d: %s", e.Pattern, e.Offset, e.Reason)
}
