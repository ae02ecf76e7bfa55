package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/testgen/internal/vectorstore"
)

func TestNewState(t *testing.T) {
	s := NewState("run-1", "proj-1", []DocumentRef{{ID: "d1", Name: "需求.md"}}, true, "")

	assert.Equal(t, NodeDocumentParser, s.CurrentStage)
	assert.Equal(t, FeedbackNone, s.UserFeedback)
	assert.Equal(t, LanguagePython, s.ScriptLanguage)
	assert.NotNil(t, s.TestScripts)
	assert.NotNil(t, s.Errors)

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"test_cases":[]`)
	assert.Contains(t, string(raw), `"current_stage":"document_parser"`)
}

func TestApply_SetsOnlyGivenFields(t *testing.T) {
	s := NewState("run-1", "proj-1", nil, false, LanguageJava)
	s.FunctionPoints = []FunctionPoint{{Name: "login"}}

	s.Apply(StageResult{
		Update: Update{TestCases: Set([]TestCase{{Title: "valid login"}})},
		Errors: []string{"one item failed"},
	})

	assert.Equal(t, []FunctionPoint{{Name: "login"}}, s.FunctionPoints)
	require.Len(t, s.TestCases, 1)
	assert.Equal(t, []string{"one item failed"}, s.Errors)

	s.Apply(StageResult{Errors: []string{"second"}})
	assert.Equal(t, []string{"one item failed", "second"}, s.Errors, "errors are append-only")
}

func TestApply_NilListBecomesEmpty(t *testing.T) {
	s := NewState("run-1", "proj-1", nil, false, "")
	var none []TestScript
	s.Apply(StageResult{Update: Update{TestScripts: &none}})
	assert.NotNil(t, s.TestScripts)
	assert.Empty(t, s.TestScripts)
}

func TestUpdateFields(t *testing.T) {
	u := Update{MindMap: &MindMap{}, CurrentStage: Set(NodeDone)}
	assert.Equal(t, []string{"mind_map", "current_stage"}, u.Fields())
	assert.Empty(t, Update{}.Fields())
}

func TestClone_Independent(t *testing.T) {
	s := NewState("run-1", "proj-1", nil, false, "")
	s.FunctionPoints = []FunctionPoint{{Name: "a"}}
	s.RequirementAnalysis = &RequirementAnalysis{BusinessGoal: "goal"}

	c := s.Clone()
	c.FunctionPoints = append(c.FunctionPoints, FunctionPoint{Name: "b"})
	c.RequirementAnalysis.BusinessGoal = "changed"
	c.Errors = append(c.Errors, "x")

	assert.Len(t, s.FunctionPoints, 1)
	assert.Equal(t, "goal", s.RequirementAnalysis.BusinessGoal)
	assert.Empty(t, s.Errors)
}

func TestParseFeedback(t *testing.T) {
	for in, want := range map[string]Feedback{
		"":          FeedbackNone,
		"APPROVED":  FeedbackApproved,
		" rejected": FeedbackRejected,
		"modified":  FeedbackModified,
	} {
		got, err := ParseFeedback(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFeedback("maybe")
	assert.Error(t, err)
}

func TestScriptLanguage(t *testing.T) {
	l, err := ParseScriptLanguage("Java")
	require.NoError(t, err)
	assert.Equal(t, "testng", l.Framework())
	assert.Equal(t, "pytest", LanguagePython.Framework())

	_, err = ParseScriptLanguage("cobol")
	assert.Error(t, err)
}

func TestIsFatal(t *testing.T) {
	dim := &vectorstore.DimensionMismatchError{Collection: "c", Want: 3, Got: 2}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"load failure", &LoadFailure{Name: "a.pdf", Err: errors.New("eof")}, false},
		{"generation failure", &GenerationFailure{Kind: "test_case", Err: errors.New("bad json")}, false},
		{"retrieval miss", ErrRetrievalMiss, false},
		{"raw dimension mismatch", fmt.Errorf("index: %w", dim), true},
		{"converted dimension mismatch", AsDimensionMismatch("p", dim), true},
		{"orchestrator error", &OrchestratorError{Stage: NodeRequirementParser, Err: errors.New("x")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestAsDimensionMismatch(t *testing.T) {
	plain := errors.New("network")
	assert.Same(t, plain, AsDimensionMismatch("p", plain))
	assert.Nil(t, AsDimensionMismatch("p", nil))

	err := AsDimensionMismatch("p", &vectorstore.DimensionMismatchError{Want: 3, Got: 2})
	var dim *IndexDimensionMismatch
	require.ErrorAs(t, err, &dim)
	assert.Equal(t, "p", dim.ProjectID)
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
	assert.Same(t, err, AsDimensionMismatch("p", err))
}

func TestStageOf(t *testing.T) {
	err := fmt.Errorf("run: %w", &OrchestratorError{Stage: NodeScriptGenerator, Err: errors.New("x")})
	stage, ok := StageOf(err)
	assert.True(t, ok)
	assert.Equal(t, NodeScriptGenerator, stage)

	_, ok = StageOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestSummary(t *testing.T) {
	s := NewState("run-1", "proj-1", nil, true, "")
	s.TestCases = []TestCase{{}, {}}
	s.MindMap = &MindMap{Root: MindMapNode{Children: []MindMapNode{{}, {}}}}

	sum := s.Summary()
	assert.Equal(t, 2, sum["test_cases"])
	assert.Equal(t, 2, sum["mind_map_nodes"])
	assert.Equal(t, true, sum["generate_scripts"])
}
