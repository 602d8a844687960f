package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/danshapiro/verdict/internal/archive"
)

func newHistoryCmd(flags *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			store, err := archive.Open(cfg.Archive.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "no archived runs")
				return nil
			}
			fmt.Fprintln(out, renderHistory(entries))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show (0 = all)")
	return cmd
}

func renderHistory(entries []archive.Entry) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("RUN", "FINISHED", "STATUS", "OUTCOME", "FEEDBACK", "ARTIFACT / ERROR")
	for _, e := range entries {
		finished := "-"
		if e.FinishedAt != nil {
			finished = e.FinishedAt.Local().Format(time.DateTime)
		}
		outcome := string(e.Outcome)
		if e.TimedOut {
			outcome += " (timeout)"
		}
		detail := e.ArtifactPath
		if e.Error != "" {
			detail = e.Error
		}
		t.Row(e.RunID, finished, string(e.Status), outcome, truncate(e.Feedback, 40), detail)
	}
	return t.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
