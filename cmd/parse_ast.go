package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/rulescope/internal/analysis/static/python"
	"github.com/xkilldash9x/rulescope/internal/observability"
)

// newParseASTCmd creates the `parse-ast` command, which prints the syntax
// tree of one file as an S-expression. Useful when writing pattern rules.
func newParseASTCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse-ast FILE",
		Short: "Print the parsed syntax tree of a Python file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			path := args[0]
			src, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}

			frontend := python.New(
				python.WithMaxFileSize(cfg.Engine().MaxFileSize),
				python.WithStrictSyntax(cfg.Analysis().StrictSyntax),
				python.WithLogger(observability.GetLogger()),
			)
			unit, err := frontend.Parse(cmd.Context(), path, src)
			if err != nil {
				return err
			}
			defer unit.Close()

			fmt.Fprintln(cmd.OutOrStdout(), unit.Root().String())
			return nil
		},
	}
}
