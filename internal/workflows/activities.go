package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/checkpoint"
	"github.com/fyrsmithlabs/testgen/internal/events"
	"github.com/fyrsmithlabs/testgen/internal/logging"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// Activities executes stages for the pipeline workflow. Relay, when set,
// receives a progress event per stage.
type Activities struct {
	stages      map[pipeline.Node]pipeline.Stage
	checkpoints checkpoint.Store
	relay       events.Relay
	logger      *zap.Logger
}

// NewActivities indexes stages by node.
func NewActivities(stages []pipeline.Stage, checkpoints checkpoint.Store, relay events.Relay, logger *zap.Logger) (*Activities, error) {
	if checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	byNode := make(map[pipeline.Node]pipeline.Stage, len(stages))
	for _, s := range stages {
		byNode[s.Node()] = s
	}
	for _, node := range pipeline.Nodes {
		if _, ok := byNode[node]; !ok {
			return nil, fmt.Errorf("no stage registered for node %s", node)
		}
	}
	return &Activities{stages: byNode, checkpoints: checkpoints, relay: relay, logger: logger}, nil
}

// ExecuteStage runs one stage on the state and returns the updated state.
func (a *Activities) ExecuteStage(ctx context.Context, in StageInput) (*StageOutput, error) {
	if in.State == nil {
		return nil, temporalInvalid("state is required")
	}
	stage, ok := a.stages[in.Node]
	if !ok {
		return nil, temporalInvalid(fmt.Sprintf("no stage for node %s", in.Node))
	}
	attempt := activity.GetInfo(ctx).Attempt
	logger := a.logger.With(
		zap.String("run_id", in.State.RunID),
		zap.String("stage", string(in.Node)),
		zap.Int32("attempt", attempt),
	)
	ctx = logging.WithStage(logging.WithRun(ctx, in.State.RunID, in.State.ProjectID), string(in.Node))

	start := time.Now()
	res, err := stage.Execute(ctx, in.State.Clone())
	elapsed := time.Since(start)
	attrs := metric.WithAttributes(attribute.String("stage", string(in.Node)))
	activityDuration.Record(ctx, elapsed.Seconds(), attrs)
	if err != nil {
		activityErrorCounter.Add(ctx, 1, attrs)
		logger.Warn("stage failed", zap.Error(err))
		return nil, activityError(in.Node, err)
	}

	state := in.State.Clone()
	state.Apply(res)
	logger.Info("stage completed",
		zap.Strings("fields", res.Update.Fields()),
		zap.Int("errors", len(res.Errors)),
		zap.Duration("duration", elapsed))

	if a.relay != nil {
		e := &events.Event{
			Type:    events.TypeProgress,
			Stage:   string(in.Node),
			Message: fmt.Sprintf("%s completed", in.Node),
			Data:    map[string]any{"fields": res.Update.Fields(), "errors": res.Errors},
		}
		if err := a.relay.Publish(ctx, state.RunID, e); err != nil {
			logger.Warn("relaying progress failed", zap.Error(err))
		}
	}

	return &StageOutput{State: state, Fields: res.Update.Fields(), Errors: res.Errors}, nil
}

// SaveCheckpoint snapshots a state pending at user_review.
func (a *Activities) SaveCheckpoint(ctx context.Context, state *pipeline.State) error {
	if state == nil {
		return temporalInvalid("state is required")
	}
	if err := a.checkpoints.Save(ctx, checkpoint.New(state, pipeline.NodeUserReview)); err != nil {
		return fmt.Errorf("saving checkpoint of %s: %w", state.RunID, err)
	}
	checkpointCounter.Add(ctx, 1)
	return nil
}

// DeleteCheckpoint drops the checkpoint of a finished run.
func (a *Activities) DeleteCheckpoint(ctx context.Context, runID string) error {
	return a.checkpoints.Delete(ctx, runID)
}

// Publish relays a lifecycle event; it is a no-op without a relay.
func (a *Activities) Publish(ctx context.Context, runID string, e *events.Event) error {
	if a.relay == nil || e == nil {
		return nil
	}
	if err := a.relay.Publish(ctx, runID, e); err != nil {
		a.logger.Warn("relaying event failed", zap.String("run_id", runID), zap.Error(err))
	}
	return nil
}
