package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	envFiles   []string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "verdict",
		Short: "verdict - concept proposal review pipeline",
		Long: `verdict parses a concept proposal deck, fans it out to a pool of
evaluators, consolidates their analyses into a report and waits for a human
decision before writing an approved-concept report or a rejection notice.

Commands:
  serve       Run the HTTP host (upload, start, approve, stream events)
  run         Review one document locally with a terminal observer
  validate    Check the configuration and stage graph
  history     List archived decisions

Quick Start:
  1. verdict validate --config verdict.yaml
  2. verdict run --config verdict.yaml deck.pptx`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to verdict.yaml or verdict.json (defaults apply when omitted)")
	root.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, "Environment files to load before reading the config")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Log engine diagnostics to stderr")

	root.AddCommand(
		newServeCmd(flags),
		newRunCmd(flags),
		newValidateCmd(flags),
		newHistoryCmd(flags),
	)
	return root
}
