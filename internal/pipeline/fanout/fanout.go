// Package fanout dispatches one input to every evaluator in a pool and folds
// the answers into a labeled ConsolidatedResult.
package fanout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danshapiro/verdict/internal/pipeline/retry"
)

// DefaultMaxParallel bounds concurrent evaluator calls when unset.
const DefaultMaxParallel = 4

// Evaluator is one independently invocable analysis capability.
type Evaluator interface {
	ID() string
	Evaluate(ctx context.Context, input string) (string, error)
}

// Result is the normalized outcome of one evaluator call. Position is the
// 1-based dispatch order.
type Result struct {
	EvaluatorID string
	Position    int
	Text        string
	Err         error
}

func (r Result) OK() bool { return r.Err == nil }

// Coordinator runs the fan-out/fan-in for a fixed evaluator pool.
type Coordinator struct {
	Evaluators  []Evaluator
	Categories  []Category
	MaxParallel int
	Retry       retry.Policy
	// OnRetry, when set, is told about every backoff with the evaluator
	// that hit it. Called from evaluator goroutines.
	OnRetry func(evaluatorID string, attempt int, wait time.Duration, err error)
}

// policyFor returns the retry policy for one evaluator, reporting backoffs
// to OnRetry after any hook already on the policy.
func (c *Coordinator) policyFor(id string) retry.Policy {
	p := c.Retry
	if c.OnRetry == nil {
		return p
	}
	prev := p.OnRetry
	p.OnRetry = func(attempt int, wait time.Duration, err error) {
		if prev != nil {
			prev(attempt, wait, err)
		}
		c.OnRetry(id, attempt, wait, err)
	}
	return p
}

// Dispatch calls every evaluator concurrently, each wrapped in the retry
// policy, and waits for all of them. Results keep dispatch order. A failing
// evaluator never cancels its siblings.
func (c *Coordinator) Dispatch(ctx context.Context, input string) []Result {
	results := make([]Result, len(c.Evaluators))
	if len(c.Evaluators) == 0 {
		return results
	}
	limit := c.MaxParallel
	if limit <= 0 {
		limit = DefaultMaxParallel
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, ev := range c.Evaluators {
		g.Go(func() error {
			res := Result{EvaluatorID: ev.ID(), Position: i + 1}
			text, err := retry.Do(ctx, c.policyFor(ev.ID()), func(ctx context.Context) (string, error) {
				return callEvaluator(ctx, ev, input)
			})
			if err != nil {
				res.Err = err
			} else {
				res.Text = strings.TrimSpace(text)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// callEvaluator converts an evaluator panic into an error result.
func callEvaluator(ctx context.Context, ev Evaluator, input string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluator %s panicked: %v", ev.ID(), r)
		}
	}()
	return ev.Evaluate(ctx, input)
}

// Run dispatches and consolidates. The only error is the run context ending
// while evaluators were in flight.
func (c *Coordinator) Run(ctx context.Context, input string) (ConsolidatedResult, error) {
	results := c.Dispatch(ctx, input)
	if err := context.Cause(ctx); err != nil {
		return ConsolidatedResult{}, err
	}
	return Consolidate(results, c.categories()), nil
}

func (c *Coordinator) categories() []Category {
	if c.Categories == nil {
		return DefaultCategories()
	}
	return c.Categories
}
