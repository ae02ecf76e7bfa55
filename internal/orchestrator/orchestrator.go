package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/checkpoint"
	"github.com/fyrsmithlabs/testgen/internal/logging"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// DefaultMaxSteps bounds the stage executions of one Run or Resume call.
const DefaultMaxSteps = 64

var tracer = otel.Tracer("testgen.orchestrator")

var (
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "testgen",
		Subsystem: "orchestrator",
		Name:      "stage_duration_seconds",
		Help:      "Stage execution time",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
	}, []string{"stage"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testgen",
		Subsystem: "orchestrator",
		Name:      "runs_total",
		Help:      "Run segments by outcome (completed, paused, failed)",
	}, []string{"outcome"})
)

// Progress reports one executed stage.
type Progress struct {
	RunID string
	Stage pipeline.Node
	// Next is the node the run moves to, already stored in CurrentStage.
	Next pipeline.Node
	Step int
	// Fields names the state fields the stage set.
	Fields   []string
	Errors   []string
	Duration time.Duration
	// State is a snapshot taken after the merge.
	State *pipeline.State
}

// Observer receives progress synchronously on the run's goroutine, in
// execution order.
type Observer func(ctx context.Context, p Progress)

// Outcome is the result of a Run or Resume call.
type Outcome struct {
	State *pipeline.State
	// Paused is set when the run stopped before user_review to wait for
	// feedback.
	Paused bool
	Steps  int
}

// Options tunes an Orchestrator.
type Options struct {
	InterruptBeforeReview bool
	MaxSteps              int
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Stages      []pipeline.Stage
	Checkpoints checkpoint.Store
	// Table overrides DefaultTable.
	Table  Table
	Logger *zap.Logger
}

// Orchestrator executes the stage graph. It holds no per-run state, so one
// instance serves concurrent runs.
type Orchestrator struct {
	stages      map[pipeline.Node]pipeline.Stage
	table       Table
	checkpoints checkpoint.Store
	opts        Options
	logger      *zap.Logger
}

// New validates that deps cover the transition table.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Table == nil {
		deps.Table = DefaultTable()
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}

	stages := make(map[pipeline.Node]pipeline.Stage, len(deps.Stages))
	for _, s := range deps.Stages {
		if _, dup := stages[s.Node()]; dup {
			return nil, fmt.Errorf("stage %s registered twice", s.Node())
		}
		stages[s.Node()] = s
	}
	if err := deps.Table.validate(stages); err != nil {
		return nil, err
	}

	return &Orchestrator{
		stages:      stages,
		table:       deps.Table,
		checkpoints: deps.Checkpoints,
		opts:        opts,
		logger:      deps.Logger,
	}, nil
}

// Run executes state from its CurrentStage until done, a pause before
// review, or an error. The state is owned by the call until it returns.
func (o *Orchestrator) Run(ctx context.Context, state *pipeline.State, obs Observer) (*Outcome, error) {
	if state == nil {
		return nil, errors.New("state is required")
	}
	if state.CurrentStage == "" {
		state.CurrentStage = pipeline.NodeDocumentParser
	}
	return o.loop(ctx, state, obs, false)
}

// Resume reloads the run's checkpoint, sets feedback and continues at the
// checkpointed node.
func (o *Orchestrator) Resume(ctx context.Context, runID string, feedback pipeline.Feedback, obs Observer) (*Outcome, error) {
	cp, err := o.checkpoints.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("resuming %s: %w", runID, err)
	}
	state := cp.State
	state.UserFeedback = feedback
	state.CurrentStage = cp.PendingNode
	o.logger.Info("resuming run",
		zap.String("run_id", runID),
		zap.String("pending_node", string(cp.PendingNode)),
		zap.String("feedback", string(feedback)))
	return o.loop(ctx, state, obs, true)
}

// loop is the state machine. A completed run's checkpoint is deleted.
func (o *Orchestrator) loop(ctx context.Context, state *pipeline.State, obs Observer, resumed bool) (*Outcome, error) {
	ctx = logging.WithRun(ctx, state.RunID, state.ProjectID)
	ctx, span := tracer.Start(ctx, "orchestrator.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", state.RunID),
		attribute.String("run.entry", string(state.CurrentStage)),
		attribute.Bool("run.resumed", resumed),
	)
	logger := o.logger.With(zap.String("run_id", state.RunID), zap.String("project_id", state.ProjectID))

	fail := func(node pipeline.Node, err error) (*Outcome, error) {
		runsTotal.WithLabelValues("failed").Inc()
		var orch *pipeline.OrchestratorError
		if !errors.As(err, &orch) {
			err = &pipeline.OrchestratorError{Stage: node, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		logger.Error("run failed", zap.String("stage", string(node)), zap.Error(err))
		return &Outcome{State: state}, err
	}

	node := state.CurrentStage
	steps := 0
	for node != pipeline.NodeDone {
		if steps >= o.opts.MaxSteps {
			return fail(node, fmt.Errorf("%w (%d)", pipeline.ErrMaxSteps, o.opts.MaxSteps))
		}
		if err := ctx.Err(); err != nil {
			return fail(node, err)
		}
		stage, ok := o.stages[node]
		if !ok {
			return fail(node, fmt.Errorf("no stage for node %s", node))
		}
		tr, ok := o.table[node]
		if !ok {
			return fail(node, fmt.Errorf("no transition from node %s", node))
		}

		start := time.Now()
		res, err := stage.Execute(logging.WithStage(ctx, string(node)), state.Clone())
		elapsed := time.Since(start)
		stageDuration.WithLabelValues(string(node)).Observe(elapsed.Seconds())
		steps++
		if err != nil {
			return fail(node, err)
		}

		state.Apply(res)
		next := tr.Target(state)
		state.CurrentStage = next

		logger.Info("stage completed",
			zap.String("stage", string(node)),
			zap.String("next", string(next)),
			zap.Strings("fields", res.Update.Fields()),
			zap.Int("errors", len(res.Errors)),
			zap.Duration("duration", elapsed))
		if obs != nil {
			obs(ctx, Progress{
				RunID:    state.RunID,
				Stage:    node,
				Next:     next,
				Step:     steps,
				Fields:   res.Update.Fields(),
				Errors:   res.Errors,
				Duration: elapsed,
				State:    state.Clone(),
			})
		}

		if next == pipeline.NodeUserReview {
			if err := o.checkpoints.Save(ctx, checkpoint.New(state, pipeline.NodeUserReview)); err != nil {
				return fail(node, fmt.Errorf("saving checkpoint: %w", err))
			}
			if o.opts.InterruptBeforeReview {
				runsTotal.WithLabelValues("paused").Inc()
				logger.Info("run paused for review", zap.Int("function_points", len(state.FunctionPoints)))
				return &Outcome{State: state, Paused: true, Steps: steps}, nil
			}
		}
		node = next
	}

	if err := o.checkpoints.Delete(ctx, state.RunID); err != nil {
		logger.Warn("deleting checkpoint failed", zap.Error(err))
	}
	runsTotal.WithLabelValues("completed").Inc()
	logger.Info("run completed", zap.Int("steps", steps), zap.Int("errors", len(state.Errors)))
	return &Outcome{State: state, Steps: steps}, nil
}
