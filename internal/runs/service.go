package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/checkpoint"
	"github.com/fyrsmithlabs/testgen/internal/events"
	"github.com/fyrsmithlabs/testgen/internal/orchestrator"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// DefaultRetainRuns is the number of finished runs kept for Get and
// Subscribe.
const DefaultRetainRuns = 256

var activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "testgen",
	Subsystem: "runs",
	Name:      "active",
	Help:      "Runs that are executing or awaiting review",
})

// Runner executes and resumes runs. *orchestrator.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, state *pipeline.State, obs orchestrator.Observer) (*orchestrator.Outcome, error)
	Resume(ctx context.Context, runID string, feedback pipeline.Feedback, obs orchestrator.Observer) (*orchestrator.Outcome, error)
}

// Options configures a Service.
type Options struct {
	// InterruptBeforeReview must match the runner's setting. Without it runs
	// start pre-approved and never wait for feedback.
	InterruptBeforeReview bool
	GenerateScripts       bool
	ScriptLanguage        pipeline.ScriptLanguage
	// RunTimeout bounds each Run or Resume segment. Zero means no bound.
	RunTimeout time.Duration
	RetainRuns int
	QueueSize  int
	Relay      events.Relay
	// Checkpoints lets SubmitFeedback resume runs this process has never
	// seen, such as runs paused before a restart.
	Checkpoints checkpoint.Store
	Logger      *zap.Logger
}

// Service tracks runs in memory. Active runs are never evicted; finished
// runs are kept in an LRU of RetainRuns entries.
type Service struct {
	runner Runner
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	active   map[string]*record
	finished *lru.Cache[string, *record]
	closed   bool
}

// NewService returns a service executing runs with runner.
func NewService(runner Runner, opts Options) (*Service, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RetainRuns <= 0 {
		opts.RetainRuns = DefaultRetainRuns
	}
	if opts.ScriptLanguage == "" {
		opts.ScriptLanguage = pipeline.LanguagePython
	}
	finished, err := lru.New[string, *record](opts.RetainRuns)
	if err != nil {
		return nil, fmt.Errorf("creating run cache: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		runner:   runner,
		opts:     opts,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*record),
		finished: finished,
	}, nil
}

// StartRun registers a run and starts executing it. The run outlives ctx;
// ctx only bounds the registration.
func (s *Service) StartRun(ctx context.Context, req StartRequest) (Handle, error) {
	if err := req.Validate(); err != nil {
		return Handle{}, err
	}
	lang, _ := pipeline.ParseScriptLanguage(req.ScriptLanguage)
	if req.ScriptLanguage == "" {
		lang = s.opts.ScriptLanguage
	}
	generate := s.opts.GenerateScripts
	if req.GenerateScripts != nil {
		generate = *req.GenerateScripts
	}

	state := pipeline.NewState(uuid.NewString(), req.ProjectID, req.Documents, generate, lang)
	if !s.opts.InterruptBeforeReview {
		state.UserFeedback = pipeline.FeedbackApproved
	}

	rec := s.newRecord(state)
	if err := s.register(rec); err != nil {
		return Handle{}, err
	}

	_ = rec.pub.Start(ctx, "Starting generation process", startData(state))
	s.logger.Info("run started",
		zap.String("run_id", state.RunID),
		zap.String("project_id", state.ProjectID),
		zap.Int("documents", len(state.Documents)))

	s.launch(rec, func(ctx context.Context, obs orchestrator.Observer) (*orchestrator.Outcome, error) {
		return s.runner.Run(ctx, state, obs)
	})
	return rec.handle(), nil
}

// SubmitFeedback resumes a run paused for review.
func (s *Service) SubmitFeedback(ctx context.Context, runID string, feedback pipeline.Feedback) error {
	feedback, err := pipeline.ParseFeedback(string(feedback))
	if err != nil {
		return err
	}
	if feedback == pipeline.FeedbackNone {
		return errors.New("feedback must be approved, rejected or modified")
	}

	rec, err := s.lookup(runID)
	if errors.Is(err, ErrNotFound) {
		rec, err = s.adopt(ctx, runID)
	}
	if err != nil {
		return err
	}
	if !rec.beginResume() {
		return fmt.Errorf("run %s: %w", runID, ErrNotAwaitingReview)
	}

	s.logger.Info("feedback submitted", zap.String("run_id", runID), zap.String("feedback", string(feedback)))
	s.launch(rec, func(ctx context.Context, obs orchestrator.Observer) (*orchestrator.Outcome, error) {
		return s.runner.Resume(ctx, runID, feedback, obs)
	})
	return nil
}

// Subscribe returns the run's event stream, history first.
func (s *Service) Subscribe(ctx context.Context, runID string) (<-chan *events.Event, error) {
	rec, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}
	return rec.pub.Subscribe(ctx), nil
}

// Get returns a snapshot of the run.
func (s *Service) Get(_ context.Context, runID string) (*Snapshot, error) {
	rec, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}
	return rec.snapshot(), nil
}

// List returns snapshots of the known runs of a project, newest first.
func (s *Service) List(_ context.Context, projectID string) []*Snapshot {
	s.mu.Lock()
	recs := make([]*record, 0, len(s.active)+s.finished.Len())
	for _, r := range s.active {
		recs = append(recs, r)
	}
	for _, id := range s.finished.Keys() {
		if r, ok := s.finished.Peek(id); ok {
			recs = append(recs, r)
		}
	}
	s.mu.Unlock()

	out := []*Snapshot{}
	for _, r := range recs {
		if snap := r.snapshot(); projectID == "" || snap.ProjectID == projectID {
			out = append(out, snap)
		}
	}
	sortNewestFirst(out)
	return out
}

// Close cancels executing runs and waits for them to stop or ctx to end.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) newRecord(state *pipeline.State) *record {
	now := time.Now().UTC()
	return &record{
		pub: events.NewPublisher(state.RunID, events.Options{
			QueueSize: s.opts.QueueSize,
			Relay:     s.opts.Relay,
			Logger:    s.logger,
		}),
		snap: Snapshot{
			RunID:     state.RunID,
			ProjectID: state.ProjectID,
			Status:    StatusRunning,
			Stage:     state.CurrentStage,
			State:     state.Clone(),
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

func (s *Service) register(rec *record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.active[rec.snap.RunID] = rec
	activeRuns.Inc()
	return nil
}

func (s *Service) lookup(runID string) (*record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.active[runID]; ok {
		return rec, nil
	}
	if rec, ok := s.finished.Get(runID); ok {
		return rec, nil
	}
	return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
}

// adopt registers a run known only through its checkpoint.
func (s *Service) adopt(ctx context.Context, runID string) (*record, error) {
	if s.opts.Checkpoints == nil {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	cp, err := s.opts.Checkpoints.Load(ctx, runID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rec := s.newRecord(cp.State)
	rec.snap.Status = StatusAwaitingReview
	rec.snap.Stage = cp.PendingNode
	rec.snap.CreatedAt = cp.CreatedAt

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if existing, ok := s.active[runID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.active[runID] = rec
	activeRuns.Inc()
	s.mu.Unlock()

	// The stream of an adopted run still opens with start.
	data := startData(cp.State)
	data["resumed"] = true
	data["pending_node"] = string(cp.PendingNode)
	_ = rec.pub.Start(ctx, "Resuming generation process", data)
	s.logger.Info("adopted checkpointed run", zap.String("run_id", runID))
	return rec, nil
}

func startData(state *pipeline.State) map[string]any {
	return map[string]any{
		"run_id":           state.RunID,
		"project_id":       state.ProjectID,
		"documents":        len(state.Documents),
		"generate_scripts": state.GenerateScripts,
		"script_language":  string(state.ScriptLanguage),
	}
}

type segment func(ctx context.Context, obs orchestrator.Observer) (*orchestrator.Outcome, error)

func (s *Service) launch(rec *record, run segment) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := s.ctx
		if s.opts.RunTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
			defer cancel()
		}
		out, err := run(ctx, s.observe(rec))
		s.settle(rec, out, err)
	}()
}

func (s *Service) observe(rec *record) orchestrator.Observer {
	return func(ctx context.Context, p orchestrator.Progress) {
		rec.progress(p.State, p.Next)
		_ = rec.pub.Progress(ctx, string(p.Stage), stageMessage(p), map[string]any{
			"step":        p.Step,
			"next":        string(p.Next),
			"fields":      p.Fields,
			"errors":      p.Errors,
			"duration_ms": p.Duration.Milliseconds(),
		})
	}
}

// settle records the outcome of a segment and emits the matching event.
func (s *Service) settle(rec *record, out *orchestrator.Outcome, err error) {
	ctx := context.Background()
	runID := rec.handle().RunID

	switch {
	case err != nil:
		stage, ok := pipeline.StageOf(err)
		if !ok {
			stage = rec.snapshot().Stage
		}
		var state *pipeline.State
		if out != nil {
			state = out.State
		}
		rec.finish(StatusFailed, state, err)
		s.retire(runID)
		_ = rec.pub.Fail(ctx, string(stage), err)
		s.logger.Warn("run failed", zap.String("run_id", runID), zap.String("stage", string(stage)), zap.Error(err))

	case out.Paused:
		rec.pause(out.State)
		_ = rec.pub.Progress(ctx, string(pipeline.NodeUserReview), "Waiting for user review", map[string]any{
			"function_points": out.State.FunctionPoints,
		})

	default:
		rec.finish(StatusCompleted, out.State, nil)
		s.retire(runID)
		_ = rec.pub.Complete(ctx, "Generation completed successfully", out.State.Summary())
		s.logger.Info("run completed", zap.String("run_id", runID), zap.Int("test_cases", len(out.State.TestCases)))
	}
}

func (s *Service) retire(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.active[runID]; ok {
		delete(s.active, runID)
		activeRuns.Dec()
		s.finished.Add(runID, rec)
	}
}

func stageMessage(p orchestrator.Progress) string {
	st := p.State
	switch p.Stage {
	case pipeline.NodeDocumentParser:
		return fmt.Sprintf("Processed %d documents", len(st.ParsedContent))
	case pipeline.NodeRequirementParser:
		return "Analyzed requirements"
	case pipeline.NodeFunctionPointGenerator:
		return fmt.Sprintf("Generated %d function points", len(st.FunctionPoints))
	case pipeline.NodeUserReview:
		return fmt.Sprintf("Review feedback: %s", st.UserFeedback)
	case pipeline.NodeTestcaseGenerator:
		return fmt.Sprintf("Generated %d test cases", len(st.TestCases))
	case pipeline.NodeScriptGenerator:
		if !st.GenerateScripts {
			return "Script generation skipped"
		}
		return fmt.Sprintf("Generated %d %s test scripts", len(st.TestScripts), st.ScriptLanguage)
	case pipeline.NodeMindmapGenerator:
		return "Built mind map"
	}
	return string(p.Stage) + " completed"
}
