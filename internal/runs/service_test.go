package runs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/testgen/internal/checkpoint"
	"github.com/fyrsmithlabs/testgen/internal/events"
	"github.com/fyrsmithlabs/testgen/internal/generator"
	"github.com/fyrsmithlabs/testgen/internal/orchestrator"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/pipeline/pipelinetest"
	"github.com/fyrsmithlabs/testgen/internal/stages"
)

type fixture struct {
	gen         *pipelinetest.Generator
	checkpoints checkpoint.Store
	orch        *orchestrator.Orchestrator
	svc         *Service
}

func newFixture(t *testing.T, interrupt bool, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{gen: pipelinetest.NewGenerator(), checkpoints: checkpoint.NewMemoryStore(nil)}
	f.orch = f.orchestrator(t, interrupt)
	f.svc = f.service(t, interrupt, mutate...)
	return f
}

func (f *fixture) orchestrator(t *testing.T, interrupt bool) *orchestrator.Orchestrator {
	t.Helper()
	list, err := stages.New(stages.Deps{
		Loader:    pipelinetest.NewLoader(map[string]string{"d1": pipelinetest.Requirements}),
		Generator: f.gen,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	o, err := orchestrator.New(orchestrator.Deps{Stages: list, Checkpoints: f.checkpoints}, orchestrator.Options{InterruptBeforeReview: interrupt})
	require.NoError(t, err)
	return o
}

func (f *fixture) service(t *testing.T, interrupt bool, mutate ...func(*Options)) *Service {
	t.Helper()
	opts := Options{
		InterruptBeforeReview: interrupt,
		GenerateScripts:       true,
		Checkpoints:           f.checkpoints,
		Logger:                zaptest.NewLogger(t),
	}
	for _, m := range mutate {
		m(&opts)
	}
	svc, err := NewService(f.orch, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func request() StartRequest {
	return StartRequest{ProjectID: "proj-1", Documents: []pipeline.DocumentRef{pipelinetest.Doc("d1")}}
}

// until reads events until pred matches, returning everything read.
func until(t *testing.T, ch <-chan *events.Event, pred func(*events.Event) bool) []*events.Event {
	t.Helper()
	var got []*events.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, e)
			if pred(e) {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out after %d events", len(got))
		}
	}
}

func terminal(e *events.Event) bool { return e.Terminal() }

func awaitingReview(e *events.Event) bool {
	return e.Type == events.TypeProgress && e.Stage == string(pipeline.NodeUserReview) && e.Message == "Waiting for user review"
}

func stagesOf(evs []*events.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = string(e.Type) + ":" + e.Stage
	}
	return out
}

func TestService_RunToCompletion(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	h, err := f.svc.StartRun(ctx, request())
	require.NoError(t, err)
	assert.NotEmpty(t, h.RunID)
	assert.Equal(t, StatusRunning, h.Status)

	ch, err := f.svc.Subscribe(ctx, h.RunID)
	require.NoError(t, err)
	got := until(t, ch, terminal)

	assert.Equal(t, []string{
		"start:init",
		"progress:document_parser",
		"progress:requirement_parser",
		"progress:function_point_generator",
		"progress:user_review",
		"progress:testcase_generator",
		"progress:script_generator",
		"progress:mindmap_generator",
		"complete:done",
	}, stagesOf(got))
	summary := got[len(got)-1].Data.(map[string]any)
	assert.Equal(t, 2, summary["function_points"])

	snap, err := f.svc.Get(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, pipeline.NodeDone, snap.Stage)
	assert.Len(t, snap.State.TestScripts, len(snap.State.TestCases))
	assert.Equal(t, pipeline.FeedbackApproved, snap.State.UserFeedback)
}

func TestService_ReviewCycle(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	h, err := f.svc.StartRun(ctx, request())
	require.NoError(t, err)
	ch, err := f.svc.Subscribe(ctx, h.RunID)
	require.NoError(t, err)

	first := until(t, ch, awaitingReview)
	fps := first[len(first)-1].Data.(map[string]any)["function_points"]
	assert.Len(t, fps, 2)

	snap, err := f.svc.Get(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingReview, snap.Status)
	assert.Equal(t, pipeline.NodeUserReview, snap.Stage)
	assert.Empty(t, snap.State.TestCases)

	require.NoError(t, f.svc.SubmitFeedback(ctx, h.RunID, pipeline.FeedbackRejected))
	second := until(t, ch, awaitingReview)
	assert.Equal(t, []string{
		"progress:user_review",
		"progress:function_point_generator",
		"progress:user_review",
	}, stagesOf(second))
	assert.Equal(t, 2, f.gen.Count(generator.KindFunctionPoints))
	assert.Zero(t, f.gen.Count(generator.KindTestCase))

	require.NoError(t, f.svc.SubmitFeedback(ctx, h.RunID, "APPROVED"))
	rest := until(t, ch, terminal)
	assert.Equal(t, events.TypeComplete, rest[len(rest)-1].Type)

	_, open := <-ch
	assert.False(t, open, "stream closes after the terminal event")

	snap, err = f.svc.Get(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.NotEmpty(t, snap.State.TestCases)
}

func TestService_FailureStream(t *testing.T) {
	f := newFixture(t, false)
	f.gen.Fail(generator.KindFunctionPoints)
	ctx := context.Background()

	h, err := f.svc.StartRun(ctx, request())
	require.NoError(t, err)
	ch, err := f.svc.Subscribe(ctx, h.RunID)
	require.NoError(t, err)

	got := until(t, ch, func(*events.Event) bool { return false })
	assert.Equal(t, []string{
		"start:init",
		"progress:document_parser",
		"progress:requirement_parser",
		"error:function_point_generator",
	}, stagesOf(got))
	assert.Contains(t, got[3].Message, "function_points")

	snap, err := f.svc.Get(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.NotEmpty(t, snap.Error)

	err = f.svc.SubmitFeedback(ctx, h.RunID, pipeline.FeedbackApproved)
	assert.ErrorIs(t, err, ErrNotAwaitingReview)
}

func TestService_FeedbackErrors(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.SubmitFeedback(ctx, "missing", pipeline.FeedbackApproved), ErrNotFound)
	assert.Error(t, f.svc.SubmitFeedback(ctx, "missing", pipeline.FeedbackNone))
	assert.Error(t, f.svc.SubmitFeedback(ctx, "missing", "maybe"))

	_, err := f.svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Subscribe(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_StartValidation(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	tests := map[string]StartRequest{
		"no project":   {Documents: []pipeline.DocumentRef{{ID: "d"}}},
		"no documents": {ProjectID: "p"},
		"no doc id":    {ProjectID: "p", Documents: []pipeline.DocumentRef{{Name: "a.md"}}},
		"bad language": {ProjectID: "p", Documents: []pipeline.DocumentRef{{ID: "d"}}, ScriptLanguage: "cobol"},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.StartRun(ctx, req)
			assert.Error(t, err)
		})
	}
}

func TestService_ResumesRunFromAnotherProcess(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	h, err := f.svc.StartRun(ctx, request())
	require.NoError(t, err)
	ch, err := f.svc.Subscribe(ctx, h.RunID)
	require.NoError(t, err)
	until(t, ch, awaitingReview)

	// A second service shares only the checkpoint store.
	other := f.service(t, true)
	require.NoError(t, other.SubmitFeedback(ctx, h.RunID, pipeline.FeedbackApproved))

	stream, err := other.Subscribe(ctx, h.RunID)
	require.NoError(t, err)
	got := until(t, stream, terminal)
	require.NotEmpty(t, got)
	assert.Equal(t, events.TypeStart, got[0].Type)
	assert.Equal(t, events.StageInit, got[0].Stage)
	data, ok := got[0].Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, data["resumed"])
	assert.Equal(t, string(pipeline.NodeUserReview), data["pending_node"])
	assert.Equal(t, "proj-1", data["project_id"])
	for _, e := range got[1:] {
		assert.NotEqual(t, events.TypeStart, e.Type)
	}
	assert.Equal(t, events.TypeComplete, got[len(got)-1].Type)

	snap, err := other.Get(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, "proj-1", snap.ProjectID)
	assert.Equal(t, StatusCompleted, snap.Status)
}

func TestService_RetainsBoundedFinishedRuns(t *testing.T) {
	f := newFixture(t, false, func(o *Options) { o.RetainRuns = 1 })
	ctx := context.Background()

	var ids []string
	for i := 0; i < 2; i++ {
		h, err := f.svc.StartRun(ctx, request())
		require.NoError(t, err)
		ch, err := f.svc.Subscribe(ctx, h.RunID)
		require.NoError(t, err)
		until(t, ch, terminal)
		ids = append(ids, h.RunID)
	}

	require.Eventually(t, func() bool {
		_, err := f.svc.Get(ctx, ids[0])
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
	_, err := f.svc.Get(ctx, ids[1])
	assert.NoError(t, err)
	assert.Len(t, f.svc.List(ctx, "proj-1"), 1)
}

// blockingRunner waits for its context, simulating a stuck stage.
type blockingRunner struct{}

func (blockingRunner) Run(ctx context.Context, state *pipeline.State, _ orchestrator.Observer) (*orchestrator.Outcome, error) {
	<-ctx.Done()
	return &orchestrator.Outcome{State: state}, &pipeline.OrchestratorError{Stage: pipeline.NodeDocumentParser, Err: ctx.Err()}
}

func (blockingRunner) Resume(ctx context.Context, _ string, _ pipeline.Feedback, _ orchestrator.Observer) (*orchestrator.Outcome, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestService_RunTimeout(t *testing.T) {
	svc, err := NewService(blockingRunner{}, Options{RunTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer svc.Close(context.Background())
	ctx := context.Background()

	h, err := svc.StartRun(ctx, request())
	require.NoError(t, err)
	ch, err := svc.Subscribe(ctx, h.RunID)
	require.NoError(t, err)
	got := until(t, ch, terminal)

	last := got[len(got)-1]
	assert.Equal(t, events.TypeError, last.Type)
	assert.Equal(t, string(pipeline.NodeDocumentParser), last.Stage)
	assert.Contains(t, last.Message, "deadline exceeded")
}

func TestService_CloseStopsRuns(t *testing.T) {
	svc, err := NewService(blockingRunner{}, Options{})
	require.NoError(t, err)
	ctx := context.Background()

	h, err := svc.StartRun(ctx, request())
	require.NoError(t, err)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Close(closeCtx))

	snap, err := svc.Get(ctx, h.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)

	_, err = svc.StartRun(ctx, request())
	assert.ErrorIs(t, err, ErrClosed)
}
