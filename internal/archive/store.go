// Package archive keeps one row per finished run in a local SQLite file.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danshapiro/verdict/internal/pipeline/runtime"
)

// ErrNotFound is returned by Get when no row matches.
var ErrNotFound = errors.New("archive: run not found")

// Entry is one archived run.
type Entry struct {
	RunID        string
	Document     string
	Status       runtime.RunStatus
	Outcome      runtime.Outcome
	Decision     string
	Feedback     string
	TimedOut     bool
	ArtifactPath string
	ArtifactKind string
	Error        string
	Progress     int
	StartedAt    *time.Time
	FinishedAt   *time.Time
	// Run is the full snapshot as recorded.
	Run runtime.Run
}

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive at path. ":memory:" keeps the
// archive in process.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("archive: empty path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		status TEXT NOT NULL,
		outcome TEXT,
		decision TEXT,
		feedback TEXT,
		timed_out INTEGER NOT NULL DEFAULT 0,
		artifact_path TEXT,
		artifact_kind TEXT,
		error TEXT,
		progress INTEGER NOT NULL DEFAULT 0,
		started_at TEXT,
		finished_at TEXT,
		snapshot TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record stores run, replacing any earlier row with the same id.
func (s *Store) Record(ctx context.Context, run runtime.Run) error {
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("archive: run has no id")
	}
	snapshot, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("archive: encode run %s: %w", run.ID, err)
	}
	var decision, feedback sql.NullString
	timedOut := 0
	if run.Decision != nil {
		decision = nullString(run.Decision.Label())
		feedback = nullString(run.Decision.Feedback)
		if run.Decision.TimedOut {
			timedOut = 1
		}
	}
	var artifactPath, artifactKind sql.NullString
	if run.Artifact != nil {
		artifactPath = nullString(run.Artifact.Path)
		artifactKind = nullString(run.Artifact.Kind)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (run_id, document, status, outcome, decision, feedback, timed_out,
		 artifact_path, artifact_kind, error, progress, started_at, finished_at, snapshot)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Document, string(run.Status), nullString(string(run.Outcome)), decision, feedback, timedOut,
		artifactPath, artifactKind, nullString(run.Error), run.Progress,
		formatTime(run.StartedAt), formatTime(run.FinishedAt), string(snapshot),
	)
	if err != nil {
		return fmt.Errorf("archive: record run %s: %w", run.ID, err)
	}
	return nil
}

const selectColumns = `run_id, document, status, outcome, decision, feedback, timed_out,
	artifact_path, artifact_kind, error, progress, started_at, finished_at, snapshot`

// List returns the most recently finished runs first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM runs ORDER BY finished_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, runID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM runs WHERE run_id = ?`, runID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var e Entry
	var status, snapshot string
	var outcome, decision, feedback sql.NullString
	var artifactPath, artifactKind, errText sql.NullString
	var startedAt, finishedAt sql.NullString
	var timedOut int
	err := sc.Scan(&e.RunID, &e.Document, &status, &outcome, &decision, &feedback, &timedOut,
		&artifactPath, &artifactKind, &errText, &e.Progress, &startedAt, &finishedAt, &snapshot)
	if err != nil {
		return Entry{}, err
	}
	e.Status = runtime.RunStatus(status)
	e.Outcome = runtime.Outcome(outcome.String)
	e.Decision = decision.String
	e.Feedback = feedback.String
	e.TimedOut = timedOut != 0
	e.ArtifactPath = artifactPath.String
	e.ArtifactKind = artifactKind.String
	e.Error = errText.String
	e.StartedAt = parseTime(startedAt)
	e.FinishedAt = parseTime(finishedAt)
	if err := json.Unmarshal([]byte(snapshot), &e.Run); err != nil {
		return Entry{}, fmt.Errorf("archive: decode run %s: %w", e.RunID, err)
	}
	return e, nil
}

// timeLayout is fixed width so finished_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
