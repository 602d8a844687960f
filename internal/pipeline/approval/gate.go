package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultTimeout is how long Await waits before rejecting on the human's behalf.
const DefaultTimeout = 300 * time.Second

var (
	ErrAlreadyPending = errors.New("approval: a request is already pending")
	ErrUnknownRequest = errors.New("approval: no pending request with that id")
)

// Gate parks the pipeline on a single outstanding human question. At most one
// request is pending at a time; the pending slot is cleared when the request
// is resolved, times out, or is discarded.
//
// A resolved request stays parked until Await consumes it, so an answer that
// lands between Open and Await is not lost.
type Gate struct {
	mu      sync.Mutex
	pending *pendingRequest // accepting answers
	parked  *pendingRequest // opened and not yet consumed by Await
	timeout time.Duration
}

type pendingRequest struct {
	req      Request
	answerCh chan Decision
	done     chan struct{}
}

// NewGate returns a gate whose Await defaults to timeout. If timeout <= 0,
// DefaultTimeout is used.
func NewGate(timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{timeout: timeout}
}

func (g *Gate) Timeout() time.Duration { return g.timeout }

func newRequestID() string {
	return ulid.Make().String()
}

// Open registers a new pending request.
func (g *Gate) Open(question, context string) (Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		return Request{}, ErrAlreadyPending
	}
	req := Request{
		ID:        newRequestID(),
		Question:  question,
		Context:   TruncateContext(context),
		CreatedAt: time.Now().UTC(),
	}
	p := &pendingRequest{
		req:      req,
		answerCh: make(chan Decision, 1),
		done:     make(chan struct{}),
	}
	g.pending = p
	g.parked = p
	return req, nil
}

// Resolve delivers raw human input to the pending request with the given id.
// The first successful Resolve wins; later calls see ErrUnknownRequest.
func (g *Gate) Resolve(id, raw string) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.pending
	if p == nil || p.req.ID != id {
		return Decision{}, ErrUnknownRequest
	}
	d := ParseDecision(id, raw)
	select {
	case p.answerCh <- d:
		g.pending = nil
		return d, nil
	default:
		return Decision{}, ErrUnknownRequest
	}
}

// Await blocks until the request with id is resolved, the timeout elapses, or
// ctx is done. A timeout yields a rejection. If timeout <= 0 the gate default
// applies. An answer delivered before Await is called is returned at once.
func (g *Gate) Await(ctx context.Context, id string, timeout time.Duration) (Decision, error) {
	if timeout <= 0 {
		timeout = g.timeout
	}
	g.mu.Lock()
	p := g.parked
	g.mu.Unlock()
	if p == nil || p.req.ID != id {
		return Decision{}, ErrUnknownRequest
	}
	defer g.release(p)

	select {
	case d := <-p.answerCh:
		return d, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-p.answerCh:
		return d, nil
	case <-timer.C:
		return g.expire(p, timeout)
	case <-p.done:
		return Decision{}, context.Canceled
	case <-ctx.Done():
		return Decision{}, context.Cause(ctx)
	}
}

// expire closes the request to answers unless one raced in first, in which
// case the answer wins.
func (g *Gate) expire(p *pendingRequest, timeout time.Duration) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case d := <-p.answerCh:
		return d, nil
	default:
	}
	if g.pending == p {
		g.pending = nil
	}
	return timeoutDecision(p.req.ID, timeout), nil
}

// release drops p from both slots once its waiter is done.
func (g *Gate) release(p *pendingRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == p {
		g.pending = nil
	}
	if g.parked == p {
		g.parked = nil
	}
}

// Pending returns the outstanding request, if any.
func (g *Gate) Pending() (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return Request{}, false
	}
	return g.pending.req, true
}

// Discard drops the pending request and unblocks its waiter. Safe to call
// when nothing is pending.
func (g *Gate) Discard() {
	g.mu.Lock()
	defer g.mu.Unlock()
	// pending is always nil or the parked request.
	if g.parked != nil {
		close(g.parked.done)
	}
	g.pending = nil
	g.parked = nil
}
