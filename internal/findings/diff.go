package findings

import (
	"github.com/xkilldash9x/rulescope/internal/analysis/core"
)

// RunDiff compares the findings of two runs by signature.
type RunDiff struct {
	Base      string         `json:"base" yaml:"base"`
	Head      string         `json:"head" yaml:"head"`
	Added     []core.Finding `json:"added" yaml:"added"`
	Removed   []core.Finding `json:"removed" yaml:"removed"`
	Unchanged int            `json:"unchanged" yaml:"unchanged"`
}

// Diff reports the findings present only in head (added) or only in base
// (removed). Findings without a signature get one computed from rule and
// location, so stored and fresh results compare alike.
func Diff(baseID string, base []core.Finding, headID string, head []core.Finding) *RunDiff {
	d := &RunDiff{Base: baseID, Head: headID, Added: []core.Finding{}, Removed: []core.Finding{}}

	inBase := signatures(base)
	inHead := signatures(head)
	for sig, f := range inHead {
		if _, ok := inBase[sig]; ok {
			d.Unchanged++
			continue
		}
		d.Added = append(d.Added, f)
	}
	for sig, f := range inBase {
		if _, ok := inHead[sig]; !ok {
			d.Removed = append(d.Removed, f)
		}
	}
	Sort(d.Added)
	Sort(d.Removed)
	return d
}

func signatures(fs []core.Finding) map[string]core.Finding {
	out := make(map[string]core.Finding, len(fs))
	for _, f := range fs {
		if f.Signature == "" {
			f.Signature = Signature(f)
		}
		if _, dup := out[f.Signature]; !dup {
			out[f.Signature] = f
		}
	}
	return out
}
