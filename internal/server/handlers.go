package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/verdict/internal/document"
	"github.com/danshapiro/verdict/internal/pipeline/approval"
	"github.com/danshapiro/verdict/internal/pipeline/engine"
	"github.com/danshapiro/verdict/internal/pipeline/events"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.ctl.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"run_status":  snap.Status,
		"subscribers": s.ctl.Events().Len(),
	})
}

// handleUploadDocument accepts either a multipart "file" upload, which is
// stored under the upload dir, or a JSON {"path": ...} naming a local file.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	var path string
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		saved, status, err := s.saveUpload(w, r)
		if err != nil {
			writeError(w, status, err.Error())
			return
		}
		path = saved
	default:
		var req UploadPathRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if strings.TrimSpace(req.Path) == "" {
			writeError(w, http.StatusBadRequest, "path is required")
			return
		}
		path = strings.TrimSpace(req.Path)
	}

	if err := s.ctl.Upload(path); err != nil {
		if mediaType == "multipart/form-data" {
			_ = os.Remove(path)
		}
		writeControllerError(w, err)
		return
	}
	s.logger.Printf("document uploaded: %s", path)
	writeJSON(w, http.StatusCreated, UploadResponse{Document: path, Status: s.ctl.Snapshot().Status})
}

func (s *Server) saveUpload(w http.ResponseWriter, r *http.Request) (string, int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, document.MaxDocumentBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return "", http.StatusBadRequest, fmt.Errorf("invalid multipart body: %v", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", http.StatusBadRequest, fmt.Errorf("file field is required: %v", err)
	}
	defer file.Close()

	name := filepath.Base(strings.ReplaceAll(header.Filename, "\\", "/"))
	if name == "." || name == "/" || strings.TrimSpace(name) == "" {
		return "", http.StatusBadRequest, errors.New("file name is required")
	}
	if err := os.MkdirAll(s.config.UploadDir, 0o755); err != nil {
		return "", http.StatusInternalServerError, fmt.Errorf("create upload dir: %v", err)
	}
	// Prefix with a ULID so repeated uploads of the same name never collide.
	dst := filepath.Join(s.config.UploadDir, ulid.Make().String()+"_"+name)
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", http.StatusInternalServerError, fmt.Errorf("store upload: %v", err)
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(dst)
		return "", http.StatusInternalServerError, fmt.Errorf("store upload: %v", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", http.StatusInternalServerError, fmt.Errorf("store upload: %v", err)
	}
	return dst, 0, nil
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}
	runID, err := s.ctl.StartRun(req.Document)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartRunResponse{RunID: runID, Status: "accepted"})
}

func (s *Server) handleCurrentRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "canceled via HTTP API"
	}
	if !s.ctl.Cancel(reason) {
		writeError(w, http.StatusConflict, "no active run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.config.History == nil {
		writeError(w, http.StatusNotFound, "run history is not enabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := s.config.History.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryEntry{
			RunID:      e.RunID,
			Document:   e.Document,
			Status:     e.Status,
			Outcome:    e.Outcome,
			Decision:   e.Decision,
			Feedback:   e.Feedback,
			Artifact:   e.ArtifactPath,
			Error:      e.Error,
			FinishedAt: e.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePendingApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := s.ctl.PendingApproval()
	if !ok {
		writeError(w, http.StatusNotFound, "no approval pending")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleSubmitDecision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "request id is required")
		return
	}
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	raw := strings.TrimSpace(req.Decision)
	if fb := strings.TrimSpace(req.Feedback); fb != "" {
		raw += "\n" + fb
	}
	d, err := s.ctl.SubmitDecision(id, raw)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	s.logger.Printf("approval %s decided: %s", id, d.Label())
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	WriteSSE(w, r, s.ctl.Events(), func() events.Event {
		return events.NewStatus(s.ctl.Snapshot())
	}, s.logger)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeControllerError maps controller errors onto HTTP statuses.
func writeControllerError(w http.ResponseWriter, err error) {
	var (
		ve *engine.ValidationError
		ce *engine.ConcurrencyError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Details: ve.Field})
	case errors.As(err, &ce):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Details: string(ce.Status)})
	case errors.Is(err, approval.ErrUnknownRequest):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, approval.ErrAlreadyPending):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
