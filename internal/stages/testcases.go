package stages

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/fanout"
	"github.com/fyrsmithlabs/testgen/internal/generator"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/repository"
)

// TestcaseGenerator generates test cases for every function point
// concurrently. A failed point contributes no cases and one Errors line.
//
// Reads FunctionPoints, ParsedContent and ProjectID. Writes TestCases.
type TestcaseGenerator struct{ *base }

// Node implements pipeline.Stage.
func (s *TestcaseGenerator) Node() pipeline.Node { return pipeline.NodeTestcaseGenerator }

type caseBatch struct {
	cases []pipeline.TestCase
	note  string
}

// Execute implements pipeline.Stage.
func (s *TestcaseGenerator) Execute(ctx context.Context, state *pipeline.State) (pipeline.StageResult, error) {
	ctx, span := tracer.Start(ctx, "stage.testcase_generator")
	defer span.End()
	logger := s.log(s.Node(), state)

	outcomes := fanout.RunMany(ctx, state.FunctionPoints, func(ctx context.Context, _ int, fp pipeline.FunctionPoint) (caseBatch, error) {
		return s.generate(ctx, state, fp, logger)
	}, fanout.WithLimit(s.deps.Options.FanoutLimit))

	cases := []pipeline.TestCase{}
	var errs []string
	for i, o := range outcomes {
		fp := state.FunctionPoints[i]
		if o.Err != nil {
			if pipeline.IsFatal(o.Err) {
				return pipeline.StageResult{}, o.Err
			}
			itemsTotal.WithLabelValues(string(s.Node()), "failed").Inc()
			logger.Warn("test case generation failed", zap.String("function_point", fp.Name), zap.Error(o.Err))
			errs = append(errs, fmt.Sprintf("test cases for %q: %v", fp.Name, o.Err))
			continue
		}
		itemsTotal.WithLabelValues(string(s.Node()), "ok").Inc()
		if o.Value.note != "" {
			errs = append(errs, o.Value.note)
		}
		cases = append(cases, o.Value.cases...)
	}
	if err := ctx.Err(); err != nil {
		return pipeline.StageResult{}, err
	}

	errs = append(errs, s.persist(ctx, state, repository.KindTestCase, asRecords(cases), logger)...)
	span.SetAttributes(attribute.Int("function_points", len(state.FunctionPoints)), attribute.Int("test_cases", len(cases)))
	logger.Info("test cases generated",
		zap.Int("function_points", len(state.FunctionPoints)),
		zap.Int("test_cases", len(cases)),
		zap.Int("failed", len(fanout.Errors(outcomes))))
	return pipeline.StageResult{
		Update: pipeline.Update{TestCases: &cases},
		Errors: errs,
	}, nil
}

func (s *TestcaseGenerator) generate(ctx context.Context, state *pipeline.State, fp pipeline.FunctionPoint, logger *zap.Logger) (caseBatch, error) {
	query := strings.TrimSpace(strings.Join([]string{fp.Name, fp.Description, fp.AcceptanceCriteria}, " "))
	text, note, err := s.contextFor(ctx, state, query, s.deps.Options.FunctionPointTopK, logger)
	if err != nil {
		return caseBatch{}, err
	}

	raw, err := s.deps.Generator.Generate(ctx, generator.Request{
		Kind:    generator.KindTestCase,
		Input:   fp,
		Context: text,
	})
	if err != nil {
		return caseBatch{}, err
	}
	items, err := decodeObjects(raw)
	if err != nil {
		return caseBatch{}, &pipeline.GenerationFailure{Kind: string(generator.KindTestCase), Err: err, Raw: string(raw)}
	}

	cases := make([]pipeline.TestCase, 0, len(items))
	for _, m := range items {
		tc := toTestCase(m, state.ProjectID, fp.ID)
		if tc.Title == "" {
			tc.Title = fp.Name
		}
		cases = append(cases, tc)
	}
	return caseBatch{cases: cases, note: note}, nil
}
