package stages

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/generator"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/repository"
)

// FunctionPointGenerator derives the function point list from the
// requirement analysis in one generation call. It runs again, replacing the
// list, whenever review does not approve.
//
// Reads RequirementAnalysis, ParsedContent and ProjectID. Writes
// FunctionPoints.
type FunctionPointGenerator struct{ *base }

// Node implements pipeline.Stage.
func (s *FunctionPointGenerator) Node() pipeline.Node { return pipeline.NodeFunctionPointGenerator }

// Execute implements pipeline.Stage.
func (s *FunctionPointGenerator) Execute(ctx context.Context, state *pipeline.State) (pipeline.StageResult, error) {
	ctx, span := tracer.Start(ctx, "stage.function_point_generator")
	defer span.End()
	logger := s.log(s.Node(), state)

	if state.RequirementAnalysis == nil {
		return pipeline.StageResult{}, errors.New("no requirement analysis to derive function points from")
	}

	raw, err := s.deps.Generator.Generate(ctx, generator.Request{
		Kind:  generator.KindFunctionPoints,
		Input: state.RequirementAnalysis,
	})
	if err != nil {
		return pipeline.StageResult{}, err
	}
	var errs []string
	items, err := decodeObjects(raw)
	if err != nil {
		// Review then sees an empty list and can reject to regenerate.
		gf := &pipeline.GenerationFailure{Kind: string(generator.KindFunctionPoints), Err: err, Raw: string(raw)}
		logger.Warn("function point output not decodable", zap.Error(gf))
		errs = append(errs, gf.Error())
	}

	// With a single source document every point can be traced to it.
	var documentID string
	if len(state.ParsedContent) == 1 {
		documentID = state.ParsedContent[0].DocumentID
	}

	fps := make([]pipeline.FunctionPoint, 0, len(items))
	for _, m := range items {
		fp := toFunctionPoint(m, state.ProjectID, documentID)
		if fp.Name == "" && fp.Description == "" {
			continue
		}
		fps = append(fps, fp)
	}

	errs = append(errs, s.persist(ctx, state, repository.KindFunctionPoint, asRecords(fps), logger)...)
	logger.Info("function points generated", zap.Int("count", len(fps)))
	return pipeline.StageResult{
		Update: pipeline.Update{FunctionPoints: &fps},
		Errors: errs,
	}, nil
}
