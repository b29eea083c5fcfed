package rules

import (
	"strings"
)

// Pattern is one parsed alternative of a rule's `pattern` field.
//
// Grammar:
//
//	pattern := ident ("." ident)* [ "(" "..." ")" ]
//
// With the argument marker the pattern matches calls whose callee resolves to
// Path; without it, it matches references (names and attribute accesses).
type Pattern struct {
	Raw      string
	Path     string
	Segments []string
	Call     bool
}

// String renders the canonical form.
func (p Pattern) String() string {
	if p.Call {
		return p.Path + "(...)"
	}
	return p.Path
}

// Matches reports whether a node of the given shape, whose resolved dotted
// path is path, is matched by p.
func (p Pattern) Matches(path string, call bool) bool {
	return p.Call == call && p.Path == path
}

// ParsePattern tokenizes a pattern string.
func ParsePattern(raw string) (Pattern, error) {
	s := strings.TrimSpace(raw)
	lead := strings.Index(raw, s)
	fail := func(off int, reason string) (Pattern, error) {
		return Pattern{}, &PatternSyntaxError{Pattern: raw, Offset: lead + off, Reason: reason}
	}
	if s == "" {
		return fail(0, "empty pattern")
	}

	var segments []string
	i := 0
	for {
		start := i
		for i < len(s) && isIdentByte(s[i], i == start) {
			i++
		}
		if i == start {
			if i < len(s) {
				return fail(i, "expected identifier, found "+quoteByte(s[i]))
			}
			return fail(i, "expected identifier at end of pattern")
		}
		segments = append(segments, s[start:i])

		if i < len(s) && s[i] == '.' {
			i++
			continue
		}
		break
	}

	p := Pattern{Raw: raw, Path: strings.Join(segments, "."), Segments: segments}
	if i == len(s) {
		return p, nil
	}

	if s[i] != '(' {
		return fail(i, "unexpected "+quoteByte(s[i]))
	}
	inner := s[i+1:]
	closing := strings.IndexByte(inner, ')')
	if closing < 0 {
		return fail(i, "unterminated argument marker")
	}
	if strings.TrimSpace(inner[:closing]) != "..." {
		return fail(i+1, "argument marker must be (...)")
	}
	if rest := inner[closing+1:]; strings.TrimSpace(rest) != "" {
		return fail(i+2+closing, "trailing input after argument marker")
	}
	p.Call = true
	return p, nil
}

func isIdentByte(c byte, first bool) bool {
	switch {
	case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return !first
	}
	return false
}

func quoteByte(c byte) string {
	return "'" + string(c) + "'"
}
