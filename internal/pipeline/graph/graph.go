// Package graph holds the static stage layout of the review pipeline.
package graph

import (
	"fmt"
	"strings"
)

type Kind string

const (
	KindTask     Kind = "task"
	KindApproval Kind = "approval"
	KindTerminal Kind = "terminal"
)

// StageDescriptor declares one stage. Descriptors are immutable once a Graph
// is built.
type StageDescriptor struct {
	ID            string
	Label         string
	Weight        int
	Prerequisites []string
	Kind          Kind
	// Next is the following stage for task stages.
	Next string
	// OnApproved and OnRejected replace Next for approval stages.
	OnApproved string
	OnRejected string
}

// Graph is a validated, ordered set of stage descriptors.
type Graph struct {
	order  []string
	stages map[string]StageDescriptor
}

// New validates descriptors and returns the graph. The first descriptor is the
// start stage.
func New(descs ...StageDescriptor) (*Graph, error) {
	g := &Graph{stages: make(map[string]StageDescriptor, len(descs))}
	for _, d := range descs {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return nil, fmt.Errorf("stage graph: empty stage id")
		}
		if _, dup := g.stages[d.ID]; dup {
			return nil, fmt.Errorf("stage graph: duplicate stage id %q", d.ID)
		}
		d.Prerequisites = append([]string{}, d.Prerequisites...)
		g.stages[d.ID] = d
		g.order = append(g.order, d.ID)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate checks references, kinds, weights and reachability.
func (g *Graph) Validate() error {
	if len(g.order) == 0 {
		return fmt.Errorf("stage graph: no stages")
	}
	labels := map[string]bool{}
	terminals := 0
	for _, id := range g.order {
		d := g.stages[id]
		if strings.TrimSpace(d.Label) == "" {
			return fmt.Errorf("stage %q: empty label", id)
		}
		if d.Weight < 0 || d.Weight > 100 {
			return fmt.Errorf("stage %q: weight %d out of range 0..100", id, d.Weight)
		}
		labels[d.Label] = true
		switch d.Kind {
		case KindTask:
			if err := g.checkEdge(d, d.Next); err != nil {
				return err
			}
		case KindApproval:
			if d.OnApproved == "" || d.OnRejected == "" {
				return fmt.Errorf("stage %q: approval stage needs both branches", id)
			}
			if err := g.checkEdge(d, d.OnApproved); err != nil {
				return err
			}
			if err := g.checkEdge(d, d.OnRejected); err != nil {
				return err
			}
		case KindTerminal:
			terminals++
			if d.Next != "" || d.OnApproved != "" || d.OnRejected != "" {
				return fmt.Errorf("stage %q: terminal stage cannot have successors", id)
			}
		default:
			return fmt.Errorf("stage %q: unknown kind %q", id, d.Kind)
		}
	}
	if terminals == 0 {
		return fmt.Errorf("stage graph: no terminal stage")
	}
	for _, id := range g.order {
		for _, p := range g.stages[id].Prerequisites {
			if !labels[p] {
				return fmt.Errorf("stage %q: unknown prerequisite %q", id, p)
			}
		}
	}
	return g.checkReachable()
}

func (g *Graph) checkEdge(from StageDescriptor, to string) error {
	if to == "" {
		return fmt.Errorf("stage %q: missing successor", from.ID)
	}
	next, ok := g.stages[to]
	if !ok {
		return fmt.Errorf("stage %q: unknown successor %q", from.ID, to)
	}
	if next.Weight < from.Weight {
		return fmt.Errorf("stage %q: successor %q has lower weight (%d < %d)", from.ID, to, next.Weight, from.Weight)
	}
	return nil
}

// checkReachable walks from the start stage and requires every stage to be
// visited and every path to end at a terminal stage without cycles.
func (g *Graph) checkReachable() error {
	const (
		unseen = iota
		visiting
		done
	)
	state := map[string]int{}
	var walk func(id string) error
	walk = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("stage graph: cycle through %q", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, n := range g.Successors(id) {
			if err := walk(n); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	if err := walk(g.order[0]); err != nil {
		return err
	}
	for _, id := range g.order {
		if state[id] != done {
			return fmt.Errorf("stage graph: stage %q is unreachable", id)
		}
	}
	return nil
}

func (g *Graph) Start() StageDescriptor { return g.stages[g.order[0]] }

func (g *Graph) Stage(id string) (StageDescriptor, bool) {
	d, ok := g.stages[id]
	return d, ok
}

// Stages returns descriptors in declaration order.
func (g *Graph) Stages() []StageDescriptor {
	out := make([]StageDescriptor, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.stages[id])
	}
	return out
}

func (g *Graph) Successors(id string) []string {
	d := g.stages[id]
	switch d.Kind {
	case KindTask:
		return []string{d.Next}
	case KindApproval:
		return []string{d.OnApproved, d.OnRejected}
	default:
		return nil
	}
}

// NextAfter picks the successor of id. approved only matters for approval
// stages. The boolean is false at a terminal stage.
func (g *Graph) NextAfter(id string, approved bool) (StageDescriptor, bool) {
	d, ok := g.stages[id]
	if !ok {
		return StageDescriptor{}, false
	}
	var next string
	switch d.Kind {
	case KindTask:
		next = d.Next
	case KindApproval:
		if approved {
			next = d.OnApproved
		} else {
			next = d.OnRejected
		}
	default:
		return StageDescriptor{}, false
	}
	n, ok := g.stages[next]
	return n, ok
}
