package workflows

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/testgen/internal/events"
	"github.com/fyrsmithlabs/testgen/internal/orchestrator"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// Activity references for ExecuteActivity. Methods on a nil receiver are
// only used for their names.
var acts *Activities

// PipelineWorkflow executes a run from in.State.CurrentStage to done.
//
// Stage failures end the workflow with a *pipeline.OrchestratorError naming
// the stage; generation failures are retried by the activity policy first.
func PipelineWorkflow(ctx workflow.Context, in PipelineInput) (*PipelineResult, error) {
	if in.State == nil {
		return nil, errors.New("state is required")
	}
	state := in.State
	if state.CurrentStage == "" {
		state.CurrentStage = pipeline.NodeDocumentParser
	}
	if !in.InterruptBeforeReview && state.UserFeedback == pipeline.FeedbackNone {
		state.UserFeedback = pipeline.FeedbackApproved
	}
	maxSteps := in.MaxSteps
	if maxSteps <= 0 {
		maxSteps = orchestrator.DefaultMaxSteps
	}

	logger := workflow.GetLogger(ctx)
	logger.Info("Starting pipeline", "run_id", state.RunID, "project_id", state.ProjectID)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrorTypeFatal, ErrorTypeInvalid},
		},
	})

	status := PipelineStatus{RunID: state.RunID, Stage: state.CurrentStage}
	if err := workflow.SetQueryHandler(ctx, StatusQuery, func() (PipelineStatus, error) {
		return status, nil
	}); err != nil {
		return nil, fmt.Errorf("registering status query: %w", err)
	}

	publish := func(e *events.Event) {
		if err := workflow.ExecuteActivity(ctx, acts.Publish, state.RunID, e).Get(ctx, nil); err != nil {
			logger.Warn("Publishing event failed", "error", err)
		}
	}
	fail := func(node pipeline.Node, err error) (*PipelineResult, error) {
		if stage, ok := stageOf(err); ok {
			node = stage
		}
		orchErr := &pipeline.OrchestratorError{Stage: node, Err: err}
		publish(&events.Event{Type: events.TypeError, Stage: string(node), Message: orchErr.Error()})
		logger.Error("Pipeline failed", "stage", node, "error", err)
		return &PipelineResult{State: state, Steps: status.Steps}, orchErr
	}

	feedback := workflow.GetSignalChannel(ctx, FeedbackSignal)
	table := orchestrator.DefaultTable()
	reviews := 0

	publish(&events.Event{Type: events.TypeStart, Stage: events.StageInit, Message: "Generation started",
		Data: map[string]any{"run_id": state.RunID, "project_id": state.ProjectID}})

	node := state.CurrentStage
	for node != pipeline.NodeDone {
		if status.Steps >= maxSteps {
			return fail(node, fmt.Errorf("%w (%d)", pipeline.ErrMaxSteps, maxSteps))
		}
		tr, ok := table[node]
		if !ok {
			return fail(node, fmt.Errorf("no transition from node %s", node))
		}

		if node == pipeline.NodeUserReview && in.InterruptBeforeReview {
			status.AwaitingReview = true
			fb, err := awaitFeedback(ctx, feedback, in.ReviewTimeout)
			status.AwaitingReview = false
			if err != nil {
				return fail(node, err)
			}
			state.UserFeedback = fb
			reviews++
			logger.Info("Feedback received", "feedback", fb, "review", reviews)
		}

		var out StageOutput
		if err := workflow.ExecuteActivity(ctx, acts.ExecuteStage, StageInput{Node: node, State: state}).Get(ctx, &out); err != nil {
			return fail(node, err)
		}
		state = out.State
		status.Steps++

		next := tr.Target(state)
		state.CurrentStage = next
		status.Stage = next
		status.FunctionPoints = len(state.FunctionPoints)
		status.TestCases = len(state.TestCases)
		status.Errors = state.Errors

		if next == pipeline.NodeUserReview {
			if err := workflow.ExecuteActivity(ctx, acts.SaveCheckpoint, state).Get(ctx, nil); err != nil {
				return fail(node, err)
			}
			if in.InterruptBeforeReview {
				publish(&events.Event{Type: events.TypeProgress, Stage: string(pipeline.NodeUserReview),
					Message: "Waiting for user review", Data: map[string]any{"function_points": state.FunctionPoints}})
			}
		}
		node = next
	}

	if err := workflow.ExecuteActivity(ctx, acts.DeleteCheckpoint, state.RunID).Get(ctx, nil); err != nil {
		logger.Warn("Deleting checkpoint failed", "error", err)
	}
	publish(&events.Event{Type: events.TypeComplete, Stage: events.StageDone,
		Message: "Generation completed successfully", Data: state.Summary()})
	logger.Info("Pipeline completed", "steps", status.Steps, "reviews", reviews)
	return &PipelineResult{State: state, Steps: status.Steps, Reviews: reviews}, nil
}

// awaitFeedback blocks until a valid verdict arrives on ch. Unknown or
// empty verdicts are logged and ignored.
func awaitFeedback(ctx workflow.Context, ch workflow.ReceiveChannel, timeout time.Duration) (pipeline.Feedback, error) {
	logger := workflow.GetLogger(ctx)
	timedOut := false
	var timer workflow.Future
	if timeout > 0 {
		timer = workflow.NewTimer(ctx, timeout)
	}

	for {
		var raw string
		sel := workflow.NewSelector(ctx)
		sel.AddReceive(ch, func(c workflow.ReceiveChannel, _ bool) {
			c.Receive(ctx, &raw)
		})
		if timer != nil {
			sel.AddFuture(timer, func(workflow.Future) { timedOut = true })
		}
		sel.Select(ctx)

		if timedOut {
			return "", ErrReviewTimeout
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		fb, err := pipeline.ParseFeedback(raw)
		if err != nil || fb == pipeline.FeedbackNone {
			logger.Warn("Ignoring feedback signal", "value", raw)
			continue
		}
		return fb, nil
	}
}
