package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/fanout"
	"github.com/fyrsmithlabs/testgen/internal/generator"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/repository"
)

// ScriptGenerator writes one script per test case in the run's language.
// A failed generation leaves a placeholder with Error set, so there is
// always exactly one script per test case. With GenerateScripts off it
// returns an empty list.
//
// Reads TestCases, ScriptLanguage, GenerateScripts and ProjectID. Writes
// TestScripts.
type ScriptGenerator struct{ *base }

// Node implements pipeline.Stage.
func (s *ScriptGenerator) Node() pipeline.Node { return pipeline.NodeScriptGenerator }

// Execute implements pipeline.Stage.
func (s *ScriptGenerator) Execute(ctx context.Context, state *pipeline.State) (pipeline.StageResult, error) {
	ctx, span := tracer.Start(ctx, "stage.script_generator")
	defer span.End()
	logger := s.log(s.Node(), state)

	scripts := []pipeline.TestScript{}
	if !state.GenerateScripts {
		logger.Debug("script generation disabled")
		return pipeline.StageResult{Update: pipeline.Update{TestScripts: &scripts}}, nil
	}

	lang := state.ScriptLanguage
	if lang == "" {
		lang = pipeline.LanguagePython
	}

	outcomes := fanout.RunMany(ctx, state.TestCases, func(ctx context.Context, _ int, tc pipeline.TestCase) (string, error) {
		raw, err := s.deps.Generator.Generate(ctx, generator.Request{
			Kind:     generator.KindTestScript,
			Input:    tc,
			Language: lang,
		})
		if err != nil {
			return "", err
		}
		var out struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", &pipeline.GenerationFailure{Kind: string(generator.KindTestScript), Err: err, Raw: string(raw)}
		}
		return strings.TrimSpace(out.Content), nil
	}, fanout.WithLimit(s.deps.Options.FanoutLimit))
	if err := ctx.Err(); err != nil {
		return pipeline.StageResult{}, err
	}

	var errs []string
	for i, o := range outcomes {
		tc := state.TestCases[i]
		script := pipeline.TestScript{
			ID:         uuid.NewString(),
			ProjectID:  state.ProjectID,
			TestCaseID: tc.ID,
			Name:       ScriptName(lang, tc.Title),
			Language:   string(lang),
			Framework:  lang.Framework(),
			Content:    o.Value,
		}
		if o.Err != nil {
			itemsTotal.WithLabelValues(string(s.Node()), "failed").Inc()
			logger.Warn("script generation failed", zap.String("test_case", tc.Title), zap.Error(o.Err))
			script.Content = ""
			script.Error = o.Err.Error()
			errs = append(errs, fmt.Sprintf("script for %q: %v", tc.Title, o.Err))
		} else {
			itemsTotal.WithLabelValues(string(s.Node()), "ok").Inc()
		}
		scripts = append(scripts, script)
	}

	errs = append(errs, s.persist(ctx, state, repository.KindTestScript, asRecords(scripts), logger)...)
	logger.Info("scripts generated",
		zap.String("language", string(lang)),
		zap.Int("scripts", len(scripts)),
		zap.Int("failed", len(fanout.Errors(outcomes))))
	return pipeline.StageResult{
		Update: pipeline.Update{TestScripts: &scripts},
		Errors: errs,
	}, nil
}

// ScriptName derives a script name from a test case title: python gets
// "test_" and the lowercased title with spaces as underscores, java gets
// "Test" and the title without spaces. The title part is cut to 30
// characters.
func ScriptName(lang pipeline.ScriptLanguage, title string) string {
	if lang == pipeline.LanguageJava {
		if title == "" {
			title = "Case"
		}
		return "Test" + cut(strings.ReplaceAll(title, " ", ""), maxScriptNameRunes)
	}
	if title == "" {
		title = "case"
	}
	return "test_" + cut(strings.ReplaceAll(strings.ToLower(title), " ", "_"), maxScriptNameRunes)
}

func cut(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
