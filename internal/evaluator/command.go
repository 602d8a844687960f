package evaluator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

type CommandConfig struct {
	ID      string
	Command string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
}

// CommandEvaluator runs a local CLI with the input on stdin and returns its
// stdout. A non-zero exit is an error carrying stderr, so rate-limit text
// printed by the tool is visible to the retry policy.
type CommandEvaluator struct {
	cfg CommandConfig
}

func NewCommand(cfg CommandConfig) *CommandEvaluator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	return &CommandEvaluator{cfg: cfg}
}

func (c *CommandEvaluator) ID() string { return c.cfg.ID }

func (c *CommandEvaluator) Evaluate(ctx context.Context, input string) (string, error) {
	if strings.TrimSpace(c.cfg.Command) == "" {
		return "", errors.New(c.cfg.ID + ": no command configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	cmd.Stdin = strings.NewReader(input)
	cmd.Dir = c.cfg.Dir
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%s: timed out after %s", c.cfg.ID, c.cfg.Timeout)
		}
		if cerr := context.Cause(ctx); cerr != nil {
			return "", cerr
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("%s: %w: %s", c.cfg.ID, err, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}
