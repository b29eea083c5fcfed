// Package taint propagates taint through a single Python file. The abstract
// domain is the flat lattice {Unknown, Safe, Tainted}; every value carries the
// rule that introduced its level and the chain of match sites it flowed
// through.
package taint

import (
	"github.com/xkilldash9x/rulescope/internal/analysis/core"
	"github.com/xkilldash9x/rulescope/internal/config"
)

// State is the abstract value of an expression or variable.
type State struct {
	Level core.TaintLevel
	// Origin is the key of the rule that set Level, empty for literals and
	// unresolved values.
	Origin string
	// Provenance starts at the source site and grows by one entry per rule
	// site the value passes through.
	Provenance []core.MatchSite
}

var (
	unknownState = State{Level: core.Unknown}
	safeState    = State{Level: core.Safe}
)

// Join is the lattice join used where control flow merges. Unknown is the
// bottom element and Safe joined with Tainted is Tainted. The operation is
// commutative on levels; on equal levels the left operand's provenance wins so
// earlier branches stay the explanation.
func Join(a, b State) State {
	switch {
	case a.Level == b.Level:
		return a
	case a.Level == core.Unknown:
		return b
	case b.Level == core.Unknown:
		return a
	case a.Level == core.Tainted:
		return a
	default:
		return b
	}
}

// JoinCall combines the inputs of an operation (call arguments, operands,
// container elements). It orders Safe < Unknown < Tainted so that combining a
// Safe value with an unresolved one never yields Safe.
func JoinCall(a, b State) State {
	if callRank(b.Level) > callRank(a.Level) {
		return b
	}
	return a
}

func callRank(l core.TaintLevel) int {
	switch l {
	case core.Safe:
		return 0
	case core.Unknown:
		return 1
	default:
		return 2
	}
}

// Policy holds the configurable parts of the propagation semantics.
type Policy struct {
	// TrustSanitizers makes a `safe` rule reset its result to Safe. When
	// false a sanitizer is an ordinary call and only appears in provenance.
	TrustSanitizers bool
	// UnknownAsTainted reports Unknown values reaching a sink.
	UnknownAsTainted bool
	// MaxProvenance bounds the provenance chain; 0 means unbounded.
	MaxProvenance int
}

// DefaultPolicy trusts sanitizers and treats Unknown at sinks as tainted.
func DefaultPolicy() Policy {
	return Policy{TrustSanitizers: true, UnknownAsTainted: true, MaxProvenance: 16}
}

// PolicyFromConfig maps the analysis section onto a Policy.
func PolicyFromConfig(cfg config.AnalysisConfig) Policy {
	return Policy{
		TrustSanitizers:  cfg.SanitizerPolicy != config.SanitizerDistrust,
		UnknownAsTainted: cfg.UnknownAtSink != config.UnknownIgnored,
		MaxProvenance:    cfg.MaxProvenance,
	}
}

// reportable says whether a level observed at a sink becomes a Flow.
func (p Policy) reportable(l core.TaintLevel) bool {
	return l == core.Tainted || (l == core.Unknown && p.UnknownAsTainted)
}

// extend returns a new chain with site appended. When the bound is hit the
// head (the source) and the newest entries are kept.
func (p Policy) extend(chain []core.MatchSite, site core.MatchSite) []core.MatchSite {
	out := make([]core.MatchSite, 0, len(chain)+1)
	out = append(out, chain...)
	out = append(out, site)
	if p.MaxProvenance > 1 && len(out) > p.MaxProvenance {
		trimmed := make([]core.MatchSite, 0, p.MaxProvenance)
		trimmed = append(trimmed, out[0])
		trimmed = append(trimmed, out[len(out)-p.MaxProvenance+1:]...)
		out = trimmed
	}
	return out
}
