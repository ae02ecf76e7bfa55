package workflows

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// Register adds the pipeline workflow and its activities to a worker.
func Register(w worker.Registry, a *Activities) {
	w.RegisterWorkflowWithOptions(PipelineWorkflow, workflow.RegisterOptions{Name: PipelineWorkflowName})
	w.RegisterActivity(a)
}

// Starter drives pipeline workflows through a Temporal client.
type Starter struct {
	client    client.Client
	taskQueue string
}

// NewStarter returns a Starter for taskQueue, or DefaultTaskQueue when empty.
func NewStarter(c client.Client, taskQueue string) (*Starter, error) {
	if c == nil {
		return nil, errors.New("temporal client is required")
	}
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Starter{client: c, taskQueue: taskQueue}, nil
}

// Start launches the workflow of in.State.RunID.
func (s *Starter) Start(ctx context.Context, in PipelineInput) (client.WorkflowRun, error) {
	if in.State == nil || in.State.RunID == "" {
		return nil, errors.New("state with a run id is required")
	}
	run, err := s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(in.State.RunID),
		TaskQueue: s.taskQueue,
	}, PipelineWorkflowName, in)
	if err != nil {
		return nil, fmt.Errorf("starting workflow for run %s: %w", in.State.RunID, err)
	}
	return run, nil
}

// Feedback signals a verdict to a run waiting for review.
func (s *Starter) Feedback(ctx context.Context, runID string, fb pipeline.Feedback) error {
	if fb == pipeline.FeedbackNone || fb == "" {
		return errors.New("feedback must be approved, rejected or modified")
	}
	if err := s.client.SignalWorkflow(ctx, WorkflowID(runID), "", FeedbackSignal, string(fb)); err != nil {
		return fmt.Errorf("signaling run %s: %w", runID, err)
	}
	return nil
}

// Status queries where a run is.
func (s *Starter) Status(ctx context.Context, runID string) (*PipelineStatus, error) {
	v, err := s.client.QueryWorkflow(ctx, WorkflowID(runID), "", StatusQuery)
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", runID, err)
	}
	var st PipelineStatus
	if err := v.Get(&st); err != nil {
		return nil, fmt.Errorf("decoding status of run %s: %w", runID, err)
	}
	return &st, nil
}

// Result waits for a run to finish.
func (s *Starter) Result(ctx context.Context, runID string) (*PipelineResult, error) {
	var res PipelineResult
	if err := s.client.GetWorkflow(ctx, WorkflowID(runID), "").Get(ctx, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
