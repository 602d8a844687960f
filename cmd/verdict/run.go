package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danshapiro/verdict/internal/archive"
	"github.com/danshapiro/verdict/internal/config"
	"github.com/danshapiro/verdict/internal/display"
	"github.com/danshapiro/verdict/internal/pipeline/approval"
	"github.com/danshapiro/verdict/internal/pipeline/engine"
	"github.com/danshapiro/verdict/internal/pipeline/events"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var noArchive bool
	cmd := &cobra.Command{
		Use:   "run <document>",
		Short: "Review one document locally",
		Long: `Run the pipeline once for a document, rendering progress in the terminal
and reading the approval decision from stdin.

At the approval prompt answer yes/y/approve to approve; anything else
rejects. The next line is recorded as feedback.

Examples:
  verdict run deck.pptx
  verdict run --config verdict.yaml decks/spring.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			var recorder engine.Recorder
			if !noArchive {
				store, err := archive.Open(cfg.Archive.Path)
				if err != nil {
					return err
				}
				defer store.Close()
				recorder = store
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, cfg, recorder, args[0], cmd.InOrStdin(), cmd.OutOrStdout(), flags.verbose)
		},
	}
	cmd.Flags().BoolVar(&noArchive, "no-archive", false, "Do not record the run in the decision archive")
	return cmd
}

// runOnce drives a single run to a terminal state. It returns an error when
// the run fails or is interrupted.
func runOnce(ctx context.Context, cfg *config.File, recorder engine.Recorder, doc string, in io.Reader, out io.Writer, verbose bool) error {
	ctl, err := buildController(cfg, recorder, engineLogger(verbose))
	if err != nil {
		return err
	}
	bus := ctl.Events()
	observer := display.NewObserver(out)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	runID, err := ctl.StartRun(doc)
	if err != nil {
		return err
	}
	observer.Notice(fmt.Sprintf("run %s started for %s", runID, doc))

	lines := readLines(in)
	for {
		select {
		case <-ctx.Done():
			ctl.Cancel("interrupted")
			_ = ctl.Wait(context.Background())
			return errors.New("interrupted")
		case ev, ok := <-sub.C:
			if !ok {
				return errors.New("event stream closed before the run finished")
			}
			// Rendered here rather than as a sink so the prompt follows the
			// approval box.
			if err := observer.Handle(ev); err != nil {
				return err
			}
			switch ev.Type {
			case events.TypeApprovalRequested:
				go answer(ctx, ctl, *ev.Approval, lines, observer)
			case events.TypeCompleted:
				_ = ctl.Wait(ctx)
				return nil
			case events.TypeError:
				_ = ctl.Wait(ctx)
				return fmt.Errorf("run %s failed: %s", runID, ev.Error.Message)
			}
		}
	}
}

// readLines feeds in line by line. The channel closes at EOF.
func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

// answer prompts for a decision and feedback and submits them. If the request
// times out first the submission is reported and dropped.
func answer(ctx context.Context, ctl *engine.Controller, req approval.Request, lines <-chan string, observer *display.Observer) {
	next := func(prompt string) (string, bool) {
		observer.Prompt(prompt)
		select {
		case <-ctx.Done():
			return "", false
		case line, ok := <-lines:
			return strings.TrimSpace(line), ok
		}
	}
	decision, ok := next("Decision [yes/no]: ")
	if !ok {
		return
	}
	feedback, _ := next("Feedback (optional): ")
	raw := decision
	if feedback != "" {
		raw += "\n" + feedback
	}
	if _, err := ctl.SubmitDecision(req.ID, raw); err != nil {
		if errors.Is(err, approval.ErrUnknownRequest) {
			observer.Notice("decision not recorded: the request is no longer pending")
			return
		}
		observer.Notice(fmt.Sprintf("decision not recorded: %v", err))
	}
}

