// Package trajectory implements the append-only run record: chapters for
// planning, parallel tracks, convergence points, and the final retrospective,
// plus per-step intent/started/completed/failed/skipped/retry entries.
package trajectory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EntryKind identifies the shape of a single trajectory record.
type EntryKind string

const (
	EntryChapter       EntryKind = "chapter"
	EntryIntent        EntryKind = "intent"
	EntryStarted       EntryKind = "started"
	EntryCompleted     EntryKind = "completed"
	EntryFailed        EntryKind = "failed"
	EntrySkipped       EntryKind = "skipped"
	EntryRetry         EntryKind = "retry"
	EntryRetrospective EntryKind = "retrospective"
)

// Chapter labels identify which phase of a run a chapter entry opens. Kept
// as plain strings (rather than a defined type) so that workflow.Trajectory
// — implemented by *Recorder without internal/workflow importing this
// package — can declare Chapter(kind, label string) without a type cycle.
const (
	ChapterPlanning    = "planning"
	ChapterTrack       = "track"
	ChapterConvergence = "convergence"
	ChapterRetrospect  = "retrospective"
)

// RootCause categorizes why a step failed, per spec.md §4.10.
type RootCause string

const (
	CauseTimeout         RootCause = "timeout"
	CauseVerifyMismatch  RootCause = "verification_mismatch"
	CauseSpawnFailed     RootCause = "spawn_failed"
	CauseExitNonzero     RootCause = "exit_nonzero"
	CauseAborted         RootCause = "aborted"
	CauseUnknown         RootCause = "unknown"
)

// Entry is a single line of the trajectory journal. Only the fields
// meaningful to Kind are populated; the rest are left at their zero value
// and omitted from the encoded JSON.
type Entry struct {
	Kind      EntryKind `json:"kind"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Chapter   string    `json:"chapter,omitempty"`
	Label     string    `json:"label,omitempty"`
	Step      string    `json:"step,omitempty"`
	Message   string    `json:"message,omitempty"`
	RootCause RootCause `json:"root_cause,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Score     *Score    `json:"score,omitempty"`
}

// Recorder appends Entry rows to a run's trajectory file, one JSON object per
// line, never rewriting earlier lines. The file is written in place, with no
// temporary file or rename, since a trajectory is a log, not a row-keyed
// table.
type Recorder struct {
	mu    sync.Mutex
	runID string
	f     *os.File
	w     *bufio.Writer
}

// Open creates (or truncates) the trajectory file at path and returns a
// Recorder that appends to it for the given run.
func Open(path, runID string) (*Recorder, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("trajectory: creating directory %q: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("trajectory: opening %q: %w", path, err)
	}
	return &Recorder{runID: runID, f: f, w: bufio.NewWriter(f)}, nil
}

// Close flushes buffered writes and closes the underlying file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.Flush(); err != nil {
		r.f.Close() //nolint:errcheck
		return fmt.Errorf("trajectory: flushing: %w", err)
	}
	return r.f.Close()
}

// write appends one Entry as a JSON line, filling in RunID and Timestamp.
func (r *Recorder) write(e Entry) {
	e.RunID = r.runID
	e.Timestamp = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	r.w.Write(b)     //nolint:errcheck
	r.w.WriteByte('\n') //nolint:errcheck
	r.w.Flush()          //nolint:errcheck
}

// Chapter opens a new chapter — planning, a parallel track, a convergence
// point (wave boundary), or the final retrospective. kind is conventionally
// one of the Chapter* constants, but any label is accepted.
func (r *Recorder) Chapter(kind, label string) {
	r.write(Entry{Kind: EntryChapter, Chapter: kind, Label: label})
}

// Intent records a step's resolved task text before execution begins.
func (r *Recorder) Intent(step, task string) {
	r.write(Entry{Kind: EntryIntent, Step: step, Message: task})
}

// Started records a step transitioning to running.
func (r *Recorder) Started(step string) {
	r.write(Entry{Kind: EntryStarted, Step: step})
}

// Completed records a step's success, with the last meaningful line of its
// output as a compact summary.
func (r *Recorder) Completed(step, lastLine string) {
	r.write(Entry{Kind: EntryCompleted, Step: step, Message: lastLine})
}

// Failed records a step's failure with a categorized root cause derived from
// err's text.
func (r *Recorder) Failed(step string, err error) {
	r.write(Entry{Kind: EntryFailed, Step: step, Message: err.Error(), RootCause: Categorize(err)})
}

// Skipped records a step skipped with a reason — typically cascade-skip from
// a failed dependency.
func (r *Recorder) Skipped(step, reason string) {
	r.write(Entry{Kind: EntrySkipped, Step: step, Message: reason})
}

// Retry records a retry attempt before it runs.
func (r *Recorder) Retry(step string, attempt int) {
	r.write(Entry{Kind: EntryRetry, Step: step, Attempt: attempt})
}

// RecordRetrospective appends the computed Score as the run's closing entry.
func (r *Recorder) RecordRetrospective(score Score) {
	r.write(Entry{Kind: EntryRetrospective, Chapter: ChapterRetrospect, Score: &score})
}

var _ interface {
	Chapter(kind, label string)
	Intent(step, task string)
	Started(step string)
	Completed(step, lastLine string)
	Failed(step string, err error)
	Skipped(step, reason string)
	Retry(step string, attempt int)
} = (*Recorder)(nil)
