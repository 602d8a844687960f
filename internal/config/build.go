package config

import (
	"fmt"
	"os"
	"time"

	"github.com/danshapiro/verdict/internal/document"
	"github.com/danshapiro/verdict/internal/evaluator"
	"github.com/danshapiro/verdict/internal/pipeline/fanout"
	"github.com/danshapiro/verdict/internal/pipeline/retry"
	"github.com/danshapiro/verdict/internal/report"
)

func knownPersona(name string) bool {
	_, ok := evaluator.Personas[name]
	return ok
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (cfg *File) ApprovalTimeout() time.Duration {
	return ms(cfg.Approval.TimeoutMS)
}

func (cfg *File) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = cfg.Retry.MaxAttempts
	if cfg.Retry.DefaultWaitMS != nil {
		p.DefaultWait = ms(*cfg.Retry.DefaultWaitMS)
	}
	if cfg.Retry.MarginMS != nil {
		p.Margin = ms(*cfg.Retry.MarginMS)
	}
	return p
}

// BuildEvaluator constructs the evaluator ec describes. API keys are read
// from the environment variable named by api_key_env.
func BuildEvaluator(ec EvaluatorConfig) (fanout.Evaluator, error) {
	switch ec.Kind {
	case KindHTTP:
		var key string
		if ec.APIKeyEnv != "" {
			key = os.Getenv(ec.APIKeyEnv)
			if key == "" {
				return nil, fmt.Errorf("evaluator %s: environment variable %s is not set", ec.ID, ec.APIKeyEnv)
			}
		}
		return evaluator.NewChat(evaluator.ChatConfig{
			ID:           ec.ID,
			BaseURL:      ec.BaseURL,
			Path:         ec.Path,
			APIKey:       key,
			Model:        ec.Model,
			SystemPrompt: evaluator.SystemPrompt(ec.Persona, ec.SystemPrompt),
			Temperature:  ec.Temperature,
			Timeout:      ms(ec.TimeoutMS),
			ExtraHeaders: ec.Headers,
		}), nil
	case KindCommand:
		return evaluator.NewCommand(evaluator.CommandConfig{
			ID:      ec.ID,
			Command: ec.Command,
			Args:    append([]string{}, ec.Args...),
			Env:     append([]string{}, ec.Env...),
			Dir:     ec.Dir,
			Timeout: ms(ec.TimeoutMS),
		}), nil
	default:
		return nil, fmt.Errorf("evaluator %s: invalid kind %q", ec.ID, ec.Kind)
	}
}

// Pool builds every configured evaluator in declaration order.
func (cfg *File) Pool() ([]fanout.Evaluator, error) {
	pool := make([]fanout.Evaluator, 0, len(cfg.Evaluators))
	for _, ec := range cfg.Evaluators {
		ev, err := BuildEvaluator(ec)
		if err != nil {
			return nil, err
		}
		pool = append(pool, ev)
	}
	return pool, nil
}

// Summarizer returns nil when no summarizer is configured.
func (cfg *File) Summarizer() (fanout.Evaluator, error) {
	if cfg.Summarizer == nil {
		return nil, nil
	}
	return BuildEvaluator(*cfg.Summarizer)
}

func (cfg *File) Coordinator(pool []fanout.Evaluator) *fanout.Coordinator {
	return &fanout.Coordinator{
		Evaluators:  pool,
		Categories:  append([]fanout.Category{}, cfg.Categories...),
		MaxParallel: cfg.Fanout.MaxParallel,
		Retry:       cfg.RetryPolicy(),
	}
}

func (cfg *File) Matcher() (*document.Matcher, error) {
	return document.NewMatcher(cfg.Documents.Accept)
}

func (cfg *File) Reporter() (*report.Writer, error) {
	return report.NewWriter(cfg.Reports.Dir, cfg.Reports.Company)
}
