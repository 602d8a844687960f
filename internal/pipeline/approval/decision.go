package approval

import (
	"strings"
	"time"
)

// MaxContextChars caps the analysis excerpt attached to a request.
const MaxContextChars = 2000

const truncationMarker = "\n\n... [truncated]"

var approveTokens = map[string]bool{
	"yes":      true,
	"y":        true,
	"approve":  true,
	"approved": true,
}

// Request is the question a human is asked to answer.
type Request struct {
	ID        string    `json:"request_id"`
	Question  string    `json:"question"`
	Context   string    `json:"context"`
	CreatedAt time.Time `json:"created_at"`
}

// Decision is the normalized answer to a Request.
type Decision struct {
	RequestID string    `json:"request_id"`
	Approved  bool      `json:"approved"`
	Token     string    `json:"decision"`
	Feedback  string    `json:"feedback"`
	TimedOut  bool      `json:"timed_out,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Label renders the decision the way it is written to the output log.
func (d Decision) Label() string {
	if d.Approved {
		return "APPROVED"
	}
	return "REJECTED"
}

// ParseDecision normalizes raw human input. The first line is the decision
// token and everything after it is feedback. It never fails: anything that is
// not an approve token is a rejection.
func ParseDecision(requestID, raw string) Decision {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	first, rest, _ := strings.Cut(raw, "\n")
	token := strings.ToLower(strings.TrimSpace(first))
	return Decision{
		RequestID: requestID,
		Approved:  approveTokens[token],
		Token:     token,
		Feedback:  strings.TrimSpace(rest),
		DecidedAt: time.Now().UTC(),
	}
}

// TruncateContext caps s at MaxContextChars runes and appends a marker when
// anything was cut.
func TruncateContext(s string) string {
	r := []rune(s)
	if len(r) <= MaxContextChars {
		return s
	}
	return string(r[:MaxContextChars]) + truncationMarker
}

func timeoutDecision(requestID string, timeout time.Duration) Decision {
	return Decision{
		RequestID: requestID,
		Approved:  false,
		Token:     "no",
		Feedback:  "No decision received within " + timeout.String() + "; rejected automatically.",
		TimedOut:  true,
		DecidedAt: time.Now().UTC(),
	}
}
