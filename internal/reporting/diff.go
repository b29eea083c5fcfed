package reporting

import (
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/rulescope/internal/findings"
)

// DiffFormats lists the formats WriteDiff accepts.
var DiffFormats = []string{"json", "yaml", "text"}

// WriteDiff renders the difference between two runs.
func WriteDiff(w io.Writer, d *findings.RunDiff, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("failed to encode JSON diff: %w", err)
		}
		return nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("failed to encode YAML diff: %w", err)
		}
		return enc.Close()
	case "text":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, f := range d.Added {
			fmt.Fprintf(tw, "+\t%s\t%s\t%d\t%s\n", f.Location, f.RuleID, f.Score, f.Message)
		}
		for _, f := range d.Removed {
			fmt.Fprintf(tw, "-\t%s\t%s\t%d\t%s\n", f.Location, f.RuleID, f.Score, f.Message)
		}
		if err := tw.Flush(); err != nil {
			return fmt.Errorf("failed to write diff: %w", err)
		}
		fmt.Fprintf(w, "%s..%s: %d added, %d removed, %d unchanged\n", d.Base, d.Head, len(d.Added), len(d.Removed), d.Unchanged)
		return nil
	default:
		return fmt.Errorf("unsupported diff format: %s", format)
	}
}
