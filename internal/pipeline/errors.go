package pipeline

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/testgen/internal/vectorstore"
)

// ErrRetrievalMiss reports an empty context. Callers fall back to raw text;
// it is informational and never aborts a run.
var ErrRetrievalMiss = errors.New("retrieval miss")

// ErrMaxSteps is wrapped when a run exceeds its step budget.
var ErrMaxSteps = errors.New("maximum steps exceeded")

// LoadFailure marks a document that could not be read. The document is
// skipped and the run continues.
type LoadFailure struct {
	DocumentID string
	Name       string
	Err        error
}

func (e *LoadFailure) Error() string {
	return fmt.Sprintf("load %s (%s): %v", e.Name, e.DocumentID, e.Err)
}

func (e *LoadFailure) Unwrap() error { return e.Err }

// GenerationFailure marks generator output that was empty or unparsable.
type GenerationFailure struct {
	Kind string
	Err  error
	// Raw holds the offending output, truncated, when there was any.
	Raw string
}

func (e *GenerationFailure) Error() string {
	return fmt.Sprintf("generate %s: %v", e.Kind, e.Err)
}

func (e *GenerationFailure) Unwrap() error { return e.Err }

// IndexDimensionMismatch wraps a vector width conflict in a project index.
// It is fatal: the index is corrupt or built with another model.
type IndexDimensionMismatch struct {
	ProjectID string
	Err       error
}

func (e *IndexDimensionMismatch) Error() string {
	return fmt.Sprintf("project %s index: %v", e.ProjectID, e.Err)
}

func (e *IndexDimensionMismatch) Unwrap() error { return e.Err }

// OrchestratorError is an unrecovered stage failure. It ends the run with a
// single error event naming Stage.
type OrchestratorError struct {
	Stage Node
	Err   error
}

func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *OrchestratorError) Unwrap() error { return e.Err }

// AsDimensionMismatch converts a vector store width error into the taxonomy
// and passes other errors through.
func AsDimensionMismatch(projectID string, err error) error {
	if err == nil || !errors.Is(err, vectorstore.ErrDimensionMismatch) {
		return err
	}
	var already *IndexDimensionMismatch
	if errors.As(err, &already) {
		return err
	}
	return &IndexDimensionMismatch{ProjectID: projectID, Err: err}
}

// IsFatal reports whether err must abort a run.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var (
		dim  *IndexDimensionMismatch
		orch *OrchestratorError
	)
	return errors.As(err, &dim) || errors.As(err, &orch) || errors.Is(err, vectorstore.ErrDimensionMismatch)
}

// StageOf returns the stage named by an OrchestratorError in err's chain.
func StageOf(err error) (Node, bool) {
	var orch *OrchestratorError
	if errors.As(err, &orch) {
		return orch.Stage, true
	}
	return "", false
}
