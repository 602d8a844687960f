package server

import (
	"time"

	"github.com/danshapiro/verdict/internal/pipeline/runtime"
)

// UploadPathRequest is the JSON form of POST /documents, for documents that
// already exist on the server's filesystem.
type UploadPathRequest struct {
	Path string `json:"path"`
}

// UploadResponse is returned by POST /documents.
type UploadResponse struct {
	Document string            `json:"document"`
	Status   runtime.RunStatus `json:"status"`
}

// StartRunRequest is the POST /runs body. An empty Document starts the
// previously uploaded document.
type StartRunRequest struct {
	Document string `json:"document,omitempty"`
}

// StartRunResponse is returned by POST /runs.
type StartRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// CancelRequest is the optional POST /runs/current/cancel body.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// DecisionRequest is the POST /approvals/{id} body. Decision is the first
// line of the reviewer's answer (yes/approve or anything else); Feedback is
// free text.
type DecisionRequest struct {
	Decision string `json:"decision"`
	Feedback string `json:"feedback,omitempty"`
}

// HistoryEntry is one row of GET /runs/history.
type HistoryEntry struct {
	RunID      string            `json:"run_id"`
	Document   string            `json:"document"`
	Status     runtime.RunStatus `json:"status"`
	Outcome    runtime.Outcome   `json:"outcome,omitempty"`
	Decision   string            `json:"decision,omitempty"`
	Feedback   string            `json:"feedback,omitempty"`
	Artifact   string            `json:"artifact,omitempty"`
	Error      string            `json:"error,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
