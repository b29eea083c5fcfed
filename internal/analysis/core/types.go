package core

import (
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Location is a 1-based span within a file. File-level findings carry a zero
// Line and Column.
type Location struct {
	File      string `json:"file" yaml:"file"`
	Line      int    `json:"line" yaml:"line"`
	Column    int    `json:"column" yaml:"column"`
	EndLine   int    `json:"end_line,omitempty" yaml:"end_line,omitempty"`
	EndColumn int    `json:"end_column,omitempty" yaml:"end_column,omitempty"`
	Snippet   string `json:"snippet,omitempty" yaml:"snippet,omitempty"`
}

func (l Location) String() string {
	if l.Line == 0 {
		return l.File
	}
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// Argument is one call-site argument captured by the matcher.
type Argument struct {
	// Name is the keyword, or the bound formal parameter for a positional
	// argument. Empty when the binding could not be resolved.
	Name string       `json:"name,omitempty" yaml:"name,omitempty"`
	Text string       `json:"text" yaml:"text"`
	Node *sitter.Node `json:"-" yaml:"-"`
}

// MatchSite is one (rule, occurrence) pair. It is read-only once produced.
type MatchSite struct {
	RuleID   string       `json:"rule_id" yaml:"rule_id"`
	Location Location     `json:"location" yaml:"location"`
	Args     []Argument   `json:"args,omitempty" yaml:"args,omitempty"`
	Node     *sitter.Node `json:"-" yaml:"-"`
}

// TaintLevel is an element of the flat taint lattice.
type TaintLevel uint8

const (
	Unknown TaintLevel = iota
	Safe
	Tainted
)

func (l TaintLevel) String() string {
	switch l {
	case Safe:
		return "safe"
	case Tainted:
		return "tainted"
	default:
		return "unknown"
	}
}

func (l TaintLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *TaintLevel) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "safe":
		*l = Safe
	case "tainted":
		*l = Tainted
	case "unknown", "":
		*l = Unknown
	default:
		return fmt.Errorf("unknown taint level %q", text)
	}
	return nil
}

// Flow is a sink check that observed Tainted or Unknown data.
type Flow struct {
	Sink     MatchSite  `json:"sink"`
	Argument string     `json:"argument,omitempty"`
	Level    TaintLevel `json:"level"`
	// Provenance runs from the originating source to the sink, inclusive.
	Provenance []MatchSite `json:"provenance,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// FindingKind says which analysis produced a finding.
type FindingKind string

const (
	KindPattern       FindingKind = "pattern"
	KindTaint         FindingKind = "taint"
	KindFile          FindingKind = "file"
	KindString        FindingKind = "string"
	KindTyposquatting FindingKind = "typosquatting"
)

// Severity is a coarse bucket over score and confidence.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Finding is the externally visible result unit.
type Finding struct {
	RuleID     string      `json:"rule_id" yaml:"rule_id"`
	Kind       FindingKind `json:"kind" yaml:"kind"`
	Message    string      `json:"message" yaml:"message"`
	Score      int         `json:"score" yaml:"score"`
	Confidence float64     `json:"confidence" yaml:"confidence"`
	Severity   Severity    `json:"severity" yaml:"severity"`
	Tags       []string    `json:"tags" yaml:"tags"`
	Location   Location    `json:"location" yaml:"location"`
	Taint      *TaintLevel `json:"taint,omitempty" yaml:"taint,omitempty"`
	Provenance []MatchSite `json:"provenance,omitempty" yaml:"provenance,omitempty"`
	// Signature identifies the finding across runs: rule and location.
	Signature string `json:"signature" yaml:"signature"`
}

// StringLiteral is a decoded string constant from the source.
type StringLiteral struct {
	Value    string
	Location Location
}
