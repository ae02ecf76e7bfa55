package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/repository"
	"github.com/fyrsmithlabs/testgen/internal/runs"
)

func (s *Server) registerTools() error {
	for _, register := range []func() error{
		s.registerPipelineTools,
		s.registerDocumentTools,
		s.registerSearchTools,
	} {
		if err := register(); err != nil {
			return err
		}
	}
	return nil
}

// ===== PIPELINE TOOLS =====

type pipelineStartInput struct {
	ProjectID       string   `json:"project_id" jsonschema:"Project the documents were uploaded to"`
	DocumentIDs     []string `json:"document_ids" jsonschema:"IDs of uploaded documents to generate tests from"`
	GenerateScripts *bool    `json:"generate_scripts,omitempty" jsonschema:"Generate executable scripts (default: server setting)"`
	ScriptLanguage  string   `json:"script_language,omitempty" jsonschema:"python or java (default: python)"`
	Wait            bool     `json:"wait,omitempty" jsonschema:"Block until the run waits for review or finishes"`
}

type pipelineFeedbackInput struct {
	RunID    string `json:"run_id" jsonschema:"Run awaiting review"`
	Feedback string `json:"feedback" jsonschema:"approved, rejected or modified"`
	Wait     bool   `json:"wait,omitempty" jsonschema:"Block until the run waits for review again or finishes"`
}

type pipelineStatusInput struct {
	RunID string `json:"run_id" jsonschema:"Run to report on"`
}

// runStatus is the tool view of a run snapshot.
type runStatus struct {
	RunID          string                   `json:"run_id"`
	ProjectID      string                   `json:"project_id"`
	Status         string                   `json:"status"`
	Stage          string                   `json:"stage"`
	Error          string                   `json:"error,omitempty"`
	FunctionPoints []pipeline.FunctionPoint `json:"function_points,omitempty"`
	TestCases      int                      `json:"test_cases"`
	TestScripts    int                      `json:"test_scripts"`
	MindMapNodes   int                      `json:"mind_map_nodes"`
	Errors         []string                 `json:"errors,omitempty"`
}

func (s *Server) registerPipelineTools() error {
	err := addTool(s, &ToolMetadata{
		Name:        "pipeline_start",
		Description: "Start a test generation run over uploaded documents. The run pauses with function points for review unless the server auto-approves.",
		Category:    CategoryPipeline,
		Keywords:    []string{"run", "generate", "test cases"},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args pipelineStartInput) (*mcp.CallToolResult, runStatus, error) {
		if args.ProjectID == "" {
			return nil, runStatus{}, errors.New("project_id is required")
		}
		docs, err := s.deps.Documents.Resolve(ctx, args.ProjectID, args.DocumentIDs)
		if err != nil {
			return nil, runStatus{}, err
		}
		h, err := s.deps.Runs.StartRun(ctx, runs.StartRequest{
			ProjectID:       args.ProjectID,
			Documents:       docs,
			GenerateScripts: args.GenerateScripts,
			ScriptLanguage:  args.ScriptLanguage,
		})
		if err != nil {
			return nil, runStatus{}, err
		}
		if args.Wait {
			if err := s.waitSettled(ctx, h.RunID); err != nil {
				return nil, runStatus{}, err
			}
		}
		return s.statusResult(ctx, h.RunID, "Run started: %s (%s)")
	})
	if err != nil {
		return err
	}

	err = addTool(s, &ToolMetadata{
		Name:        "pipeline_feedback",
		Description: "Submit review feedback for a run awaiting review. approved continues to test case generation; rejected or modified regenerates the function points.",
		Category:    CategoryPipeline,
		Keywords:    []string{"review", "approve", "reject", "resume"},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args pipelineFeedbackInput) (*mcp.CallToolResult, runStatus, error) {
		fb, err := pipeline.ParseFeedback(args.Feedback)
		if err != nil {
			return nil, runStatus{}, err
		}
		if fb == pipeline.FeedbackNone {
			return nil, runStatus{}, errors.New("feedback is required")
		}
		if err := s.deps.Runs.SubmitFeedback(ctx, args.RunID, fb); err != nil {
			return nil, runStatus{}, err
		}
		if args.Wait {
			if err := s.waitSettled(ctx, args.RunID); err != nil {
				return nil, runStatus{}, err
			}
		}
		return s.statusResult(ctx, args.RunID, "Feedback accepted for %s (%s)")
	})
	if err != nil {
		return err
	}

	return addTool(s, &ToolMetadata{
		Name:        "pipeline_status",
		Description: "Report the status of a run, with its function points while it awaits review.",
		Category:    CategoryPipeline,
		Keywords:    []string{"state", "progress", "function points"},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args pipelineStatusInput) (*mcp.CallToolResult, runStatus, error) {
		return s.statusResult(ctx, args.RunID, "Run %s is %s")
	})
}

// waitSettled follows the run's events until it leaves the running state.
func (s *Server) waitSettled(ctx context.Context, runID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := s.deps.Runs.Subscribe(ctx, runID)
	if err != nil {
		return err
	}
	for {
		select {
		case e, ok := <-ch:
			if !ok || e.Terminal() {
				return nil
			}
			snap, err := s.deps.Runs.Get(ctx, runID)
			if err != nil {
				return err
			}
			if snap.Status != runs.StatusRunning {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) statusResult(ctx context.Context, runID, format string) (*mcp.CallToolResult, runStatus, error) {
	snap, err := s.deps.Runs.Get(ctx, runID)
	if err != nil {
		return nil, runStatus{}, err
	}
	out := s.toStatus(snap)
	text := fmt.Sprintf(format, out.RunID, out.Status)
	if snap.Status == runs.StatusAwaitingReview {
		text += fmt.Sprintf("; %d function points await review", len(out.FunctionPoints))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, out, nil
}

func (s *Server) toStatus(snap *runs.Snapshot) runStatus {
	out := runStatus{
		RunID:     snap.RunID,
		ProjectID: snap.ProjectID,
		Status:    string(snap.Status),
		Stage:     string(snap.Stage),
		Error:     s.redact("error", snap.Error),
	}
	st := snap.State
	if st == nil {
		return out
	}
	out.FunctionPoints = make([]pipeline.FunctionPoint, len(st.FunctionPoints))
	for i, fp := range st.FunctionPoints {
		fp.Description = s.redact(fp.Name, fp.Description)
		fp.AcceptanceCriteria = s.redact(fp.Name, fp.AcceptanceCriteria)
		out.FunctionPoints[i] = fp
	}
	out.TestCases = len(st.TestCases)
	out.TestScripts = len(st.TestScripts)
	if st.MindMap != nil {
		out.MindMapNodes = len(st.MindMap.Root.Children)
	}
	out.Errors = st.Errors
	return out
}

// ===== DOCUMENT TOOLS =====

type documentUploadInput struct {
	ProjectID string `json:"project_id" jsonschema:"Project to upload into"`
	Name      string `json:"name" jsonschema:"File name; the extension selects the document type (md or txt)"`
	Content   string `json:"content" jsonschema:"Document text"`
	Index     bool   `json:"index,omitempty" jsonschema:"Parse and index the document right away"`
}

type documentUploadOutput struct {
	Document pipeline.DocumentRef `json:"document"`
	Chunks   int                  `json:"chunks,omitempty"`
	Indexed  int                  `json:"indexed,omitempty"`
	Errors   []string             `json:"errors,omitempty"`
}

type documentListInput struct {
	ProjectID string `json:"project_id" jsonschema:"Project to list"`
}

type documentListOutput struct {
	Documents []pipeline.DocumentRef `json:"documents"`
	Count     int                    `json:"count"`
}

type artifactListInput struct {
	ProjectID string `json:"project_id" jsonschema:"Project to list"`
	Kind      string `json:"kind,omitempty" jsonschema:"requirement_analysis, function_point, test_case, test_script or mind_map"`
}

type artifactListOutput struct {
	Artifacts []artifactView `json:"artifacts"`
	Count     int            `json:"count"`
}

// artifactView is repository.Artifact with the payload decoded, so the
// inferred output schema describes it as an object.
type artifactView struct {
	ID         string                  `json:"id"`
	Kind       repository.ArtifactKind `json:"kind"`
	RunID      string                  `json:"run_id"`
	ProjectID  string                  `json:"project_id"`
	DocumentID string                  `json:"document_id,omitempty"`
	ParentID   string                  `json:"parent_id,omitempty"`
	Payload    map[string]any          `json:"payload"`
	CreatedAt  time.Time               `json:"created_at"`
}

func viewArtifacts(arts []repository.Artifact) ([]artifactView, error) {
	out := make([]artifactView, len(arts))
	for i, a := range arts {
		out[i] = artifactView{
			ID:         a.ID,
			Kind:       a.Kind,
			RunID:      a.RunID,
			ProjectID:  a.ProjectID,
			DocumentID: a.DocumentID,
			ParentID:   a.ParentID,
			CreatedAt:  a.CreatedAt,
		}
		if len(a.Payload) == 0 {
			continue
		}
		if err := json.Unmarshal(a.Payload, &out[i].Payload); err != nil {
			return nil, fmt.Errorf("decoding artifact %s: %w", a.ID, err)
		}
	}
	return out, nil
}

type redactInput struct {
	Name    string `json:"name,omitempty" jsonschema:"Source name used for allowlist matching"`
	Content string `json:"content" jsonschema:"Text to redact"`
}

type redactOutput struct {
	Content  string   `json:"content"`
	Findings int      `json:"findings"`
	Rules    []string `json:"rules,omitempty"`
}

func (s *Server) registerDocumentTools() error {
	err := addTool(s, &ToolMetadata{
		Name:         "document_upload",
		Description:  "Upload a text or markdown requirements document to a project.",
		Category:     CategoryDocuments,
		DeferLoading: true,
		Keywords:     []string{"requirements", "ingest", "index"},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args documentUploadInput) (*mcp.CallToolResult, documentUploadOutput, error) {
		if args.ProjectID == "" || args.Name == "" {
			return nil, documentUploadOutput{}, errors.New("project_id and name are required")
		}
		ref, err := s.deps.Documents.Upload(ctx, args.ProjectID, args.Name, strings.NewReader(args.Content), int64(len(args.Content)))
		if err != nil {
			return nil, documentUploadOutput{}, err
		}
		out := documentUploadOutput{Document: ref}
		if args.Index {
			parsed, msgs, err := s.deps.Documents.IndexDocument(ctx, args.ProjectID, ref)
			out.Errors = msgs
			if err != nil && len(msgs) == 0 {
				out.Errors = []string{err.Error()}
			}
			if parsed != nil {
				out.Chunks = parsed.ChunksCount
				out.Indexed = parsed.Indexed
			}
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Uploaded %s as %s", ref.Name, ref.ID)}},
		}, out, nil
	})
	if err != nil {
		return err
	}

	err = addTool(s, &ToolMetadata{
		Name:         "document_list",
		Description:  "List the documents uploaded to a project.",
		Category:     CategoryDocuments,
		DeferLoading: true,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args documentListInput) (*mcp.CallToolResult, documentListOutput, error) {
		docs, err := s.deps.Documents.Documents(ctx, args.ProjectID)
		if err != nil {
			return nil, documentListOutput{}, err
		}
		if docs == nil {
			docs = []pipeline.DocumentRef{}
		}
		return nil, documentListOutput{Documents: docs, Count: len(docs)}, nil
	})
	if err != nil {
		return err
	}

	err = addTool(s, &ToolMetadata{
		Name:         "artifact_list",
		Description:  "List stored artifacts of a project: analyses, function points, test cases, scripts and mind maps.",
		Category:     CategoryArtifacts,
		DeferLoading: true,
		Keywords:     []string{"test cases", "scripts", "mindmap"},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args artifactListInput) (*mcp.CallToolResult, artifactListOutput, error) {
		if s.deps.Artifacts == nil {
			return nil, artifactListOutput{}, errors.New("artifact storage is not configured")
		}
		var kind repository.ArtifactKind
		if args.Kind != "" {
			k, err := repository.ParseKind(args.Kind)
			if err != nil {
				return nil, artifactListOutput{}, err
			}
			kind = k
		}
		arts, err := s.deps.Artifacts.List(ctx, args.ProjectID, kind)
		if err != nil {
			return nil, artifactListOutput{}, err
		}
		views, err := viewArtifacts(arts)
		if err != nil {
			return nil, artifactListOutput{}, err
		}
		return nil, artifactListOutput{Artifacts: views, Count: len(views)}, nil
	})
	if err != nil {
		return err
	}

	return addTool(s, &ToolMetadata{
		Name:         "redact",
		Description:  "Replace secrets in text with rule markers.",
		Category:     CategoryDocuments,
		DeferLoading: true,
		Keywords:     []string{"secrets", "scrub", "gitleaks"},
	}, func(_ context.Context, _ *mcp.CallToolRequest, args redactInput) (*mcp.CallToolResult, redactOutput, error) {
		if args.Content == "" {
			return nil, redactOutput{}, errors.New("content is required")
		}
		res, err := s.deps.Redactor.Redact(args.Name, args.Content)
		if err != nil {
			return nil, redactOutput{}, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: res.Content}},
		}, redactOutput{Content: res.Content, Findings: len(res.Findings), Rules: res.RuleIDs()}, nil
	})
}
