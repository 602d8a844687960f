package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/danshapiro/verdict/internal/config"
	"github.com/danshapiro/verdict/internal/document"
	"github.com/danshapiro/verdict/internal/pipeline/engine"
	"github.com/danshapiro/verdict/internal/pipeline/events"
)

func loadConfig(flags *rootFlags) (*config.File, error) {
	if err := config.LoadEnv(flags.envFiles...); err != nil {
		return nil, err
	}
	if flags.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(flags.configPath)
}

func engineLogger(verbose bool) *log.Logger {
	if !verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(os.Stderr, "[verdict-engine] ", log.LstdFlags)
}

// buildController wires every configured collaborator into a controller.
// recorder may be nil.
func buildController(cfg *config.File, recorder engine.Recorder, logger *log.Logger) (*engine.Controller, error) {
	pool, err := cfg.Pool()
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("no evaluators configured; add at least one under evaluators")
	}
	summarizer, err := cfg.Summarizer()
	if err != nil {
		return nil, err
	}
	parser, err := document.NewParser()
	if err != nil {
		return nil, err
	}
	matcher, err := cfg.Matcher()
	if err != nil {
		return nil, err
	}
	reporter, err := cfg.Reporter()
	if err != nil {
		return nil, err
	}
	tk := engine.Toolkit{
		Parser:          parser,
		Coordinator:     cfg.Coordinator(pool),
		Summarizer:      summarizer,
		Retry:           cfg.RetryPolicy(),
		Reporter:        reporter,
		Company:         cfg.Reports.Company,
		Question:        cfg.Approval.Question,
		ApprovalTimeout: cfg.ApprovalTimeout(),
	}
	opts := engine.Options{
		Stages:          engine.DefaultStages(tk),
		Pool:            pool,
		ApprovalTimeout: cfg.ApprovalTimeout(),
		Broadcaster:     events.NewBroadcaster(events.DefaultBuffer),
		Recorder:        recorder,
		Accept:          matcher.Check,
		Logger:          logger,
	}
	return engine.New(opts)
}
