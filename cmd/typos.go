package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/rulescope/internal/typos"
)

func newTyposCmd() *cobra.Command {
	var popularFile string

	typosCmd := &cobra.Command{
		Use:   "typos NAME...",
		Short: "Check package names for typosquatting",
		Long: `Compares each package name with the popular package list. Exits with
status 2 when any name is a likely typosquat.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			tc := cfg.Scanners().Typos
			if popularFile == "" {
				popularFile = tc.PopularFile
			}
			checker, err := typos.Load(popularFile, tc.MaxDistance)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			suspicious := 0
			for _, name := range args {
				switch {
				case !typos.Valid(name):
					fmt.Fprintf(out, "%s: not a valid package name\n", name)
				case checker.Popular(name):
					fmt.Fprintf(out, "%s: popular\n", name)
				default:
					matches := checker.Check(name)
					if len(matches) == 0 {
						fmt.Fprintf(out, "%s: ok\n", name)
						continue
					}
					suspicious++
					for _, m := range matches {
						fmt.Fprintf(out, "%s: resembles %s (distance %d)\n", name, m.Popular, m.Distance)
					}
				}
			}
			if suspicious > 0 {
				return &ExitCodeError{Code: ExitFindings, Err: fmt.Errorf("%d suspicious package names", suspicious)}
			}
			return nil
		},
	}
	typosCmd.Flags().StringVar(&popularFile, "popular-file", "", "Popular package list, one name per line (default built-in)")
	return typosCmd
}
