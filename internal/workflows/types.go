// Package workflows runs the stage graph as a Temporal workflow.
//
// The workflow walks the same transition table as the in-process
// orchestrator, executing each stage as an activity. Before user_review it
// writes a checkpoint and, when review is required, blocks on the feedback
// signal. The status query reports where a run is.
package workflows

import (
	"time"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

const (
	// PipelineWorkflowName is the registered workflow type.
	PipelineWorkflowName = "testgen.pipeline"
	// DefaultTaskQueue is used when none is configured.
	DefaultTaskQueue = "testgen-pipeline"
	// FeedbackSignal carries a feedback verdict as a string.
	FeedbackSignal = "feedback"
	// StatusQuery returns a PipelineStatus.
	StatusQuery = "status"
)

// WorkflowID is the workflow ID of a run.
func WorkflowID(runID string) string {
	return "testgen-run-" + runID
}

// PipelineInput starts a pipeline workflow.
type PipelineInput struct {
	State                 *pipeline.State
	InterruptBeforeReview bool
	// MaxSteps bounds executed stages; 0 uses the orchestrator default.
	MaxSteps int
	// ReviewTimeout fails a run left waiting for feedback; 0 waits forever.
	ReviewTimeout time.Duration
}

// PipelineResult is the outcome of a finished workflow.
type PipelineResult struct {
	State   *pipeline.State
	Steps   int
	Reviews int
}

// PipelineStatus is the answer to StatusQuery.
type PipelineStatus struct {
	RunID          string        `json:"run_id"`
	Stage          pipeline.Node `json:"stage"`
	AwaitingReview bool          `json:"awaiting_review"`
	Steps          int           `json:"steps"`
	FunctionPoints int           `json:"function_points"`
	TestCases      int           `json:"test_cases"`
	Errors         []string      `json:"errors,omitempty"`
}

// StageInput is the argument of the ExecuteStage activity.
type StageInput struct {
	Node  pipeline.Node
	State *pipeline.State
}

// StageOutput is the state after a stage ran, with what it changed.
type StageOutput struct {
	State  *pipeline.State
	Fields []string
	Errors []string
}
