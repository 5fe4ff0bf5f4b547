package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	runerrors "schemarun/internal/errors"
	"schemarun/internal/logging"
	"schemarun/internal/version"
)

// Status-line colors, disabled automatically when stdout is not a terminal.
var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// NewRootCommand assembles the CLI: run (one-shot execution), runx
// (self-executing template), version.
func NewRootCommand() *cobra.Command {
	var (
		debug      bool
		verbose    bool
		configPath string
	)

	rootCmd := &cobra.Command{
		Use:   "schemarun",
		Short: "Structured JSON from an LLM, with attached files and tools",
		Long: fmt.Sprintf(`%s renders a prompt template over attached files, sends it to the
model with a strict JSON schema, and writes the schema-valid result.

Attachments route to one or more destinations with a target prefix:
  schemarun run report.tmpl report.schema.json --file data.txt
  schemarun run report.tmpl report.schema.json --file ci:table=sales.csv
  schemarun run report.tmpl report.schema.json --dir fs:docs ./manuals

Targets: template (prompt), code (ci), search (fs), user (ud).`, bold("schemarun")),
		SilenceUsage:  true,
		SilenceErrors: true,
		// Unknown subcommands fall through to RunE so they carry the
		// usage exit code instead of cobra's untyped error.
		Args: cobra.ArbitraryArgs,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if !isTTY() || os.Getenv("NO_COLOR") != "" {
				color.NoColor = true
			}
			if debug || verbose {
				logging.SetLevel(logging.DEBUG)
			}
			if debug {
				// Debug runs mirror the log to a file; losing that mirror
				// is not worth failing the run over.
				if err := logging.EnableDebugFile("schemarun-debug.log"); err != nil {
					fmt.Fprintln(os.Stderr, yellow("warning:"), err)
				}
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runerrors.Newf(runerrors.KindUsage, "unknown command %q", args[0]).
				WithHint("Use schemarun run or schemarun runx.")
		},
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: schemarun.yaml in $HOME or .)")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return runerrors.Wrap(runerrors.KindUsage, err, "bad invocation").
			WithHint(fmt.Sprintf("See %s --help.", cmd.CommandPath()))
	})

	rootCmd.AddCommand(newRunCommand(&configPath))
	rootCmd.AddCommand(newRunxCommand(&configPath))
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the schemarun version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "schemarun", version.String())
		},
	}
}
