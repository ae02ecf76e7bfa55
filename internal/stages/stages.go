package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/generator"
	"github.com/fyrsmithlabs/testgen/internal/loader"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/repository"
	"github.com/fyrsmithlabs/testgen/internal/retriever"
	"github.com/fyrsmithlabs/testgen/internal/secrets"
	"github.com/fyrsmithlabs/testgen/internal/segmenter"
)

var tracer = otel.Tracer("testgen.stages")

var itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "testgen",
	Subsystem: "stage",
	Name:      "items_total",
	Help:      "Per-item work inside stages by result (ok, failed)",
}, []string{"stage", "result"})

// RequirementQuery is the retrieval query used for requirement analysis.
const RequirementQuery = "提取所有功能需求、业务流程、数据实体和模块关系"

const (
	defaultRequirementTopK   = 10
	defaultFunctionPointTopK = 5
	maxScriptNameRunes       = 30
)

// Retriever is the part of *retriever.Retriever the stages use.
type Retriever interface {
	Index(ctx context.Context, projectID string, doc retriever.DocumentMeta, chunks []segmenter.Chunk) (int, error)
	Retrieve(ctx context.Context, projectID, query string, topK int, documentIDs ...string) (retriever.Context, error)
}

// Options tunes the stages.
type Options struct {
	Segmenter         segmenter.Options
	RequirementTopK   int
	FunctionPointTopK int
	// FallbackChars bounds the raw-text context used on a retrieval miss.
	FallbackChars int
	// FanoutLimit caps concurrent generations inside one stage; 0 is no cap.
	FanoutLimit int
}

func (o *Options) applyDefaults() {
	if o.RequirementTopK <= 0 {
		o.RequirementTopK = defaultRequirementTopK
	}
	if o.FunctionPointTopK <= 0 {
		o.FunctionPointTopK = defaultFunctionPointTopK
	}
	if o.FallbackChars <= 0 {
		o.FallbackChars = retriever.DefaultFallbackBudget
	}
}

// Deps are the collaborators of a stage set. Retriever, Redactor and
// Repository may be nil: retrieval then always falls back to raw text,
// documents are not redacted and artifacts are not persisted.
type Deps struct {
	Loader     loader.Loader
	Generator  generator.Generator
	Retriever  Retriever
	Redactor   secrets.Redactor
	Repository repository.Repository
	Options    Options
	Logger     *zap.Logger
}

// New returns every stage wired to deps, in graph order.
func New(deps Deps) ([]pipeline.Stage, error) {
	if deps.Loader == nil {
		return nil, errors.New("stages: loader is required")
	}
	if deps.Generator == nil {
		return nil, errors.New("stages: generator is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Redactor == nil {
		deps.Redactor = secrets.Noop{}
	}
	deps.Options.applyDefaults()

	b := &base{deps: deps}
	return []pipeline.Stage{
		&DocumentParser{b},
		&RequirementParser{b},
		&FunctionPointGenerator{b},
		UserReview{},
		&TestcaseGenerator{b},
		&ScriptGenerator{b},
		&MindmapGenerator{b},
	}, nil
}

type base struct {
	deps Deps
}

func (b *base) log(node pipeline.Node, state *pipeline.State) *zap.Logger {
	return b.deps.Logger.With(
		zap.String("stage", string(node)),
		zap.String("run_id", state.RunID),
		zap.String("project_id", state.ProjectID),
	)
}

// contextFor retrieves grounding text for query and falls back to the raw
// parsed documents on a miss or a recoverable retrieval error. The second
// return value is an Errors line, empty when there is nothing to report.
func (b *base) contextFor(ctx context.Context, state *pipeline.State, query string, topK int, logger *zap.Logger) (string, string, error) {
	fallback := func() string {
		return retriever.Fallback(state.ParsedContent, b.deps.Options.FallbackChars)
	}
	if b.deps.Retriever == nil {
		return fallback(), "", nil
	}

	docIDs := make([]string, 0, len(state.ParsedContent))
	for _, d := range state.ParsedContent {
		if d.DocumentID != "" {
			docIDs = append(docIDs, d.DocumentID)
		}
	}

	rc, err := b.deps.Retriever.Retrieve(ctx, state.ProjectID, query, topK, docIDs...)
	switch {
	case err != nil && (pipeline.IsFatal(err) || ctx.Err() != nil):
		return "", "", err
	case err != nil:
		logger.Warn("retrieval failed, using raw document text", zap.Error(err))
		return fallback(), fmt.Sprintf("retrieval: %v", err), nil
	case rc.Miss:
		logger.Debug("retrieval miss, using raw document text", zap.Error(pipeline.ErrRetrievalMiss))
		return fallback(), "", nil
	}
	return rc.Text, "", nil
}

// persist stores records when a repository is configured. A failure is
// reported as an Errors line and never aborts the stage.
func (b *base) persist(ctx context.Context, state *pipeline.State, kind repository.ArtifactKind, records []any, logger *zap.Logger) []string {
	if b.deps.Repository == nil || len(records) == 0 {
		return nil
	}
	if _, err := b.deps.Repository.Save(ctx, kind, state.RunID, state.ProjectID, records); err != nil {
		logger.Warn("saving artifacts failed", zap.String("kind", string(kind)), zap.Error(err))
		return []string{fmt.Sprintf("save %s: %v", kind, err)}
	}
	return nil
}

func asRecords[T any](items []T) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}
