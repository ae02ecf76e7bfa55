package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/generator"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/repository"
)

// RequirementParser produces the structured requirement analysis from the
// indexed documents, or from their raw text when retrieval misses.
//
// Reads ParsedContent and ProjectID. Writes RequirementAnalysis.
type RequirementParser struct{ *base }

// Node implements pipeline.Stage.
func (s *RequirementParser) Node() pipeline.Node { return pipeline.NodeRequirementParser }

// Execute implements pipeline.Stage.
func (s *RequirementParser) Execute(ctx context.Context, state *pipeline.State) (pipeline.StageResult, error) {
	ctx, span := tracer.Start(ctx, "stage.requirement_parser")
	defer span.End()
	logger := s.log(s.Node(), state)

	text, note, err := s.contextFor(ctx, state, RequirementQuery, s.deps.Options.RequirementTopK, logger)
	if err != nil {
		return pipeline.StageResult{}, err
	}
	var errs []string
	if note != "" {
		errs = append(errs, note)
	}

	raw, err := s.deps.Generator.Generate(ctx, generator.Request{
		Kind:    generator.KindRequirementAnalysis,
		Context: text,
	})
	if err != nil {
		return pipeline.StageResult{}, err
	}

	var ra pipeline.RequirementAnalysis
	if err := json.Unmarshal(raw, &ra); err != nil {
		// Continue with an empty analysis.
		gf := &pipeline.GenerationFailure{
			Kind: string(generator.KindRequirementAnalysis),
			Err:  fmt.Errorf("decoding analysis: %w", err),
			Raw:  string(raw),
		}
		logger.Warn("requirement analysis not decodable", zap.Error(gf))
		errs = append(errs, gf.Error())
		ra = pipeline.RequirementAnalysis{}
	}

	errs = append(errs, s.persist(ctx, state, repository.KindRequirementAnalysis, []any{ra}, logger)...)
	logger.Info("requirements analysed",
		zap.Int("core_modules", len(ra.CoreModules)),
		zap.Int("context_chars", len(text)))
	return pipeline.StageResult{
		Update: pipeline.Update{RequirementAnalysis: &ra},
		Errors: errs,
	}, nil
}
