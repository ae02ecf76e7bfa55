// Package pipeline defines the run state threaded through the stage graph,
// the partial updates stages return, and the error taxonomy shared by the
// orchestrator and its stages.
package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// Node names a position in the stage graph.
type Node string

const (
	NodeDocumentParser         Node = "document_parser"
	NodeRequirementParser      Node = "requirement_parser"
	NodeFunctionPointGenerator Node = "function_point_generator"
	NodeUserReview             Node = "user_review"
	NodeTestcaseGenerator      Node = "testcase_generator"
	NodeScriptGenerator        Node = "script_generator"
	NodeMindmapGenerator       Node = "mindmap_generator"
	NodeDone                   Node = "done"
)

// Nodes lists every stage node in forward order.
var Nodes = []Node{
	NodeDocumentParser,
	NodeRequirementParser,
	NodeFunctionPointGenerator,
	NodeUserReview,
	NodeTestcaseGenerator,
	NodeScriptGenerator,
	NodeMindmapGenerator,
}

// Feedback is the reviewer's verdict on generated function points.
type Feedback string

const (
	FeedbackNone     Feedback = "none"
	FeedbackApproved Feedback = "approved"
	FeedbackRejected Feedback = "rejected"
	FeedbackModified Feedback = "modified"
)

// ParseFeedback accepts the four verdicts case-insensitively; empty means none.
func ParseFeedback(s string) (Feedback, error) {
	switch f := Feedback(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FeedbackNone, nil
	case FeedbackNone, FeedbackApproved, FeedbackRejected, FeedbackModified:
		return f, nil
	default:
		return "", fmt.Errorf("unknown feedback %q", s)
	}
}

// ScriptLanguage selects the target of script generation.
type ScriptLanguage string

const (
	LanguagePython ScriptLanguage = "python"
	LanguageJava   ScriptLanguage = "java"
)

// ParseScriptLanguage defaults empty input to python.
func ParseScriptLanguage(s string) (ScriptLanguage, error) {
	switch l := ScriptLanguage(strings.ToLower(strings.TrimSpace(s))); l {
	case "":
		return LanguagePython, nil
	case LanguagePython, LanguageJava:
		return l, nil
	default:
		return "", fmt.Errorf("unsupported script language %q", s)
	}
}

// Framework returns the test framework generated scripts target.
func (l ScriptLanguage) Framework() string {
	if l == LanguageJava {
		return "testng"
	}
	return "pytest"
}

// DocumentRef points at an uploaded document.
type DocumentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Type is the lowercased extension: pdf, docx, md, txt, xlsx or pptx.
	Type string `json:"type"`
	// Bucket and Key locate the object; Key alone is a local path.
	Bucket string `json:"bucket,omitempty"`
	Key    string `json:"key"`
	Size   int64  `json:"size,omitempty"`
}

// ParsedDocument is the extraction result for one document.
type ParsedDocument struct {
	DocumentID  string `json:"document_id"`
	Name        string `json:"doc_name"`
	Type        string `json:"doc_type"`
	Content     string `json:"content"`
	ChunksCount int    `json:"chunks_count"`
	Indexed     int    `json:"indexed"`
}

// RequirementAnalysis is the structured reading of the documents.
type RequirementAnalysis struct {
	BusinessGoal       string           `json:"business_goal"`
	CoreModules        []string         `json:"core_modules"`
	BusinessFlows      []map[string]any `json:"business_flows"`
	DataEntities       []string         `json:"data_entities"`
	Dependencies       []map[string]any `json:"dependencies"`
	BoundaryConditions []string         `json:"boundary_conditions"`
	ExceptionScenarios []string         `json:"exception_scenarios"`
}

// FunctionPoint is a unit of required test coverage.
type FunctionPoint struct {
	ID                 string `json:"id"`
	ProjectID          string `json:"project_id"`
	DocumentID         string `json:"document_id,omitempty"`
	Name               string `json:"name"`
	Description        string `json:"description"`
	TestType           string `json:"test_type"`
	Priority           string `json:"priority"`
	Module             string `json:"module"`
	AcceptanceCriteria string `json:"acceptance_criteria"`
}

// TestStep is one action of a test case.
type TestStep struct {
	StepNum        int            `json:"step_num"`
	Action         string         `json:"action"`
	ExpectedResult string         `json:"expected_result"`
	TestData       map[string]any `json:"test_data,omitempty"`
}

// TestCase realizes a function point as a concrete scenario.
type TestCase struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id"`
	FunctionPointID string         `json:"function_point_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	TestType        string         `json:"test_type"`
	TestCategory    string         `json:"test_category"`
	Priority        string         `json:"priority"`
	Preconditions   string         `json:"preconditions"`
	TestSteps       []TestStep     `json:"test_steps"`
	ExpectedResults string         `json:"expected_results"`
	TestData        map[string]any `json:"test_data,omitempty"`
	Tags            []string       `json:"tags"`
}

// TestScript is executable code for one test case.
type TestScript struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	TestCaseID   string   `json:"test_case_id"`
	Name         string   `json:"name"`
	Language     string   `json:"language"`
	Framework    string   `json:"framework"`
	Content      string   `json:"content"`
	Dependencies []string `json:"dependencies,omitempty"`
	// Error marks a placeholder left by a failed generation.
	Error string `json:"error,omitempty"`
}

// MindMapNode is a node of the summary tree.
type MindMapNode struct {
	ID       string        `json:"id"`
	Text     string        `json:"text"`
	NodeType string        `json:"node_type"`
	Children []MindMapNode `json:"children,omitempty"`
}

// MindMap summarizes test cases and their steps.
type MindMap struct {
	Root MindMapNode `json:"root"`
}

// State is the record threaded through a run. Only the orchestrator loop
// that owns a run mutates its State.
type State struct {
	RunID               string               `json:"run_id"`
	ProjectID           string               `json:"project_id"`
	Documents           []DocumentRef        `json:"documents"`
	ParsedContent       []ParsedDocument     `json:"parsed_content"`
	RequirementAnalysis *RequirementAnalysis `json:"requirement_analysis"`
	FunctionPoints      []FunctionPoint      `json:"function_points"`
	TestCases           []TestCase           `json:"test_cases"`
	TestScripts         []TestScript         `json:"test_scripts"`
	MindMap             *MindMap             `json:"mind_map"`
	CurrentStage        Node                 `json:"current_stage"`
	Errors              []string             `json:"errors"`
	UserFeedback        Feedback             `json:"user_feedback"`
	GenerateScripts     bool                 `json:"generate_scripts"`
	ScriptLanguage      ScriptLanguage       `json:"script_language"`
}

// NewState returns the initial state of a run.
func NewState(runID, projectID string, docs []DocumentRef, generateScripts bool, lang ScriptLanguage) *State {
	if lang == "" {
		lang = LanguagePython
	}
	return &State{
		RunID:           runID,
		ProjectID:       projectID,
		Documents:       append([]DocumentRef(nil), docs...),
		ParsedContent:   []ParsedDocument{},
		FunctionPoints:  []FunctionPoint{},
		TestCases:       []TestCase{},
		TestScripts:     []TestScript{},
		Errors:          []string{},
		CurrentStage:    NodeDocumentParser,
		UserFeedback:    FeedbackNone,
		GenerateScripts: generateScripts,
		ScriptLanguage:  lang,
	}
}

// Clone copies the state. List entries are shared, which is safe because
// stages replace lists wholesale.
func (s *State) Clone() *State {
	c := *s
	c.Documents = append([]DocumentRef(nil), s.Documents...)
	c.ParsedContent = append([]ParsedDocument(nil), s.ParsedContent...)
	c.FunctionPoints = append([]FunctionPoint(nil), s.FunctionPoints...)
	c.TestCases = append([]TestCase(nil), s.TestCases...)
	c.TestScripts = append([]TestScript(nil), s.TestScripts...)
	c.Errors = append([]string(nil), s.Errors...)
	if s.RequirementAnalysis != nil {
		ra := *s.RequirementAnalysis
		c.RequirementAnalysis = &ra
	}
	if s.MindMap != nil {
		mm := *s.MindMap
		c.MindMap = &mm
	}
	return &c
}

// Summary is the payload of a run's complete event.
func (s *State) Summary() map[string]any {
	children := 0
	if s.MindMap != nil {
		children = len(s.MindMap.Root.Children)
	}
	return map[string]any{
		"run_id":           s.RunID,
		"project_id":       s.ProjectID,
		"documents":        len(s.ParsedContent),
		"function_points":  len(s.FunctionPoints),
		"test_cases":       len(s.TestCases),
		"test_scripts":     len(s.TestScripts),
		"mind_map_nodes":   children,
		"errors":           len(s.Errors),
		"user_feedback":    string(s.UserFeedback),
		"generate_scripts": s.GenerateScripts,
	}
}

// Stage is one node of the graph. Execute must only read the fields of
// state the stage consumes and return only the fields it owns.
type Stage interface {
	Node() Node
	Execute(ctx context.Context, state *State) (StageResult, error)
}
