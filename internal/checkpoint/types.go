// Package checkpoint stores the snapshot a run takes before it waits for
// review, so the run can be resumed with the reviewer's feedback.
//
// Each run has at most one live checkpoint; saving again overwrites it.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// ErrNotFound is returned when a run has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// ErrClosed is returned by a closed store.
var ErrClosed = errors.New("checkpoint store is closed")

// Checkpoint is a resumable snapshot of a run.
type Checkpoint struct {
	RunID       string          `json:"run_id"`
	ProjectID   string          `json:"project_id"`
	PendingNode pipeline.Node   `json:"pending_node"`
	State       *pipeline.State `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
}

// New snapshots state as pending at node. The state is cloned.
func New(state *pipeline.State, node pipeline.Node) *Checkpoint {
	return &Checkpoint{
		RunID:       state.RunID,
		ProjectID:   state.ProjectID,
		PendingNode: node,
		State:       state.Clone(),
		CreatedAt:   time.Now().UTC(),
	}
}

// Store persists checkpoints keyed by run ID.
type Store interface {
	// Save writes cp, replacing any checkpoint of the same run.
	Save(ctx context.Context, cp *Checkpoint) error
	// Load returns the run's checkpoint or ErrNotFound.
	Load(ctx context.Context, runID string) (*Checkpoint, error)
	// Delete removes the run's checkpoint. Deleting a missing one is not an
	// error.
	Delete(ctx context.Context, runID string) error
	// List returns the checkpoints of a project, newest first.
	List(ctx context.Context, projectID string) ([]*Checkpoint, error)
	Close() error
}

func validate(cp *Checkpoint) error {
	switch {
	case cp == nil:
		return errors.New("checkpoint is nil")
	case cp.RunID == "":
		return errors.New("checkpoint run id is required")
	case cp.State == nil:
		return errors.New("checkpoint state is required")
	case cp.PendingNode == "":
		return errors.New("checkpoint pending node is required")
	}
	return nil
}
