package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danshapiro/verdict/internal/document"
	"github.com/danshapiro/verdict/internal/pipeline/graph"
)

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [document]",
		Short: "Check the configuration and stage graph",
		Long: `Load and validate the configuration, build every evaluator, and check
the stage graph. With a document argument, also check that it is accepted
and parses.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			g, err := graph.New(graph.DefaultDescriptors()...)
			if err != nil {
				return fmt.Errorf("stage graph: %w", err)
			}
			pool, err := cfg.Pool()
			if err != nil {
				return err
			}
			if _, err := cfg.Summarizer(); err != nil {
				return err
			}
			matcher, err := cfg.Matcher()
			if err != nil {
				return err
			}

			ids := make([]string, 0, len(pool))
			for _, ev := range pool {
				ids = append(ids, ev.ID())
			}
			fmt.Fprintf(out, "config ok: %d evaluators [%s]\n", len(pool), strings.Join(ids, ", "))
			fmt.Fprintf(out, "stage graph ok: %d stages starting at %s\n", len(g.Stages()), g.Start().ID)
			fmt.Fprintf(out, "accepting: %s\n", strings.Join(matcher.Patterns(), " "))
			if len(pool) == 0 {
				fmt.Fprintln(out, "warning: no evaluators configured; runs will be rejected")
			}

			if len(args) == 1 {
				if err := matcher.Check(args[0]); err != nil {
					return err
				}
				parser, err := document.NewParser()
				if err != nil {
					return err
				}
				content, err := parser.Parse(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "document ok: %s, %d slides, %d concept elements\n",
					content.FileName, len(content.Slides), content.ElementCount())
			}
			return nil
		},
	}
}
