package runs

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

var (
	// ErrNotFound is returned for unknown or evicted runs.
	ErrNotFound = errors.New("run not found")
	// ErrNotAwaitingReview is returned when feedback targets a run that is
	// not paused for review.
	ErrNotAwaitingReview = errors.New("run is not awaiting review")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("run service is closed")
)

// Status is the lifecycle position of a run.
type Status string

const (
	StatusRunning        Status = "running"
	StatusAwaitingReview Status = "awaiting_review"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// Finished reports whether s is terminal.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StartRequest describes a new run.
type StartRequest struct {
	ProjectID       string                 `json:"project_id"`
	Documents       []pipeline.DocumentRef `json:"documents"`
	GenerateScripts *bool                  `json:"generate_scripts,omitempty"`
	ScriptLanguage  string                 `json:"script_language,omitempty"`
}

// Validate checks required fields.
func (r StartRequest) Validate() error {
	if r.ProjectID == "" {
		return errors.New("project_id is required")
	}
	if len(r.Documents) == 0 {
		return errors.New("at least one document is required")
	}
	for i, d := range r.Documents {
		if d.ID == "" {
			return fmt.Errorf("documents[%d].id is required", i)
		}
	}
	if _, err := pipeline.ParseScriptLanguage(r.ScriptLanguage); err != nil {
		return err
	}
	return nil
}

// Handle identifies a started run.
type Handle struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id"`
	Status    Status `json:"status"`
}

// Snapshot is the externally visible state of a run.
type Snapshot struct {
	RunID     string          `json:"run_id"`
	ProjectID string          `json:"project_id"`
	Status    Status          `json:"status"`
	Stage     pipeline.Node   `json:"stage"`
	Error     string          `json:"error,omitempty"`
	State     *pipeline.State `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
