package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/rulescope/internal/observability"
	"github.com/xkilldash9x/rulescope/internal/rules"
)

func newRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate rule corpora",
	}
	rulesCmd.AddCommand(newRulesValidateCmd(), newRulesListCmd())
	return rulesCmd
}

// corpusFromArgs loads the corpus named on the command line, the configured
// one, or the built-in corpus.
func corpusFromArgs(cmd *cobra.Command, args []string, strict bool) (*rules.Corpus, string, error) {
	cfg, err := getConfigFromContext(cmd.Context())
	if err != nil {
		return nil, "", err
	}
	opts := rules.Options{Strict: strict || cfg.Corpus().Strict, Logger: observability.GetLogger()}
	path := cfg.Corpus().Path
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		c, err := rules.LoadDefault(opts)
		return c, "built-in corpus", err
	}
	c, err := rules.LoadFile(path, opts)
	return c, path, err
}

func newRulesValidateCmd() *cobra.Command {
	var strict bool
	validateCmd := &cobra.Command{
		Use:   "validate [corpus.yaml]",
		Short: "Load a corpus and report disabled rules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			corpus, name, err := corpusFromArgs(cmd, args, strict)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d pattern, %d file and %d string rules (digest %s)\n",
				name, len(corpus.Patterns()), len(corpus.Files()), len(corpus.Strings()), corpus.Digest())
			for _, d := range corpus.Disabled() {
				fmt.Fprintf(out, "disabled %s#%d %s: %s\n", d.Namespace, d.Index, d.ID, d.Reason)
			}
			return nil
		},
	}
	validateCmd.Flags().BoolVar(&strict, "strict", false, "Fail on the first uncompilable pattern instead of disabling the rule")
	return validateCmd
}

func newRulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [corpus.yaml]",
		Short: "List the enabled rules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			corpus, _, err := corpusFromArgs(cmd, args, false)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tKIND\tROLE\tSCORE\tTAGS")
			for _, r := range corpus.Patterns() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.Key, rules.NamespacePatterns, role(r), r.Score(), strings.Join(r.Tags, ","))
			}
			for _, r := range corpus.Files() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.Key, rules.NamespaceFiles, r.Target, r.Score, strings.Join(r.Tags, ","))
			}
			for _, r := range corpus.Strings() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.Key, rules.NamespaceStrings, r.Type, r.Score, strings.Join(r.Tags, ","))
			}
			return tw.Flush()
		},
	}
}

func role(r *rules.Rule) string {
	switch {
	case r.IsSource():
		return "source"
	case r.IsSanitizer():
		return "sanitizer"
	case r.IsSink() && r.Conditional:
		return "conditional-sink"
	case r.IsSink():
		return "sink"
	case r.Taint != nil && len(r.Taint.Args) > 0:
		return "seeds-args"
	case r.Detection != nil:
		return "detection"
	default:
		return "-"
	}
}
