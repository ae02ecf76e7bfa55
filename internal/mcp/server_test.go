package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/testgen/internal/checkpoint"
	"github.com/fyrsmithlabs/testgen/internal/docstore"
	"github.com/fyrsmithlabs/testgen/internal/ingest"
	"github.com/fyrsmithlabs/testgen/internal/loader"
	"github.com/fyrsmithlabs/testgen/internal/orchestrator"
	"github.com/fyrsmithlabs/testgen/internal/pipeline/pipelinetest"
	"github.com/fyrsmithlabs/testgen/internal/repository"
	"github.com/fyrsmithlabs/testgen/internal/retriever"
	"github.com/fyrsmithlabs/testgen/internal/runs"
	"github.com/fyrsmithlabs/testgen/internal/secrets"
	"github.com/fyrsmithlabs/testgen/internal/stages"
	"github.com/fyrsmithlabs/testgen/internal/vectorstore"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := docstore.NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	vectors, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, logger)
	require.NoError(t, err)
	index := retriever.New(vectors, pipelinetest.Embedder{}, retriever.Options{}, logger)
	repo := repository.NewMemory()

	list, err := stages.New(stages.Deps{
		Loader:     loader.New(store, 0, logger),
		Generator:  pipelinetest.NewGenerator(),
		Retriever:  index,
		Repository: repo,
		Logger:     logger,
	})
	require.NoError(t, err)

	checkpoints := checkpoint.NewMemoryStore(logger)
	orch, err := orchestrator.New(orchestrator.Deps{Stages: list, Checkpoints: checkpoints, Logger: logger},
		orchestrator.Options{InterruptBeforeReview: true})
	require.NoError(t, err)
	svc, err := runs.NewService(orch, runs.Options{
		InterruptBeforeReview: true,
		GenerateScripts:       true,
		Checkpoints:           checkpoints,
		Logger:                logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	docs, err := ingest.New(ingest.Deps{
		Store:     store,
		Registry:  repo,
		Artifacts: repo,
		Index:     index,
		Parser:    list[0],
		Logger:    logger,
	})
	require.NoError(t, err)

	redactor := secrets.NewWithDetector(func(content string) ([]secrets.RawFinding, error) {
		if strings.Contains(content, "AKIAEXAMPLEKEY000000") {
			return []secrets.RawFinding{{RuleID: "aws-access-token", Secret: "AKIAEXAMPLEKEY000000", Line: 1}}, nil
		}
		return nil, nil
	}, nil, logger)

	s, err := NewServer(&Config{Name: "testgen-test", Version: "test", Logger: logger}, Deps{
		Runs:      svc,
		Documents: docs,
		Artifacts: repo,
		Redactor:  redactor,
	})
	require.NoError(t, err)
	return s
}

func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ss, err := s.Connect(ctx, serverTransport)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

// call invokes a tool and decodes its structured output into out.
func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	if out != nil && !res.IsError {
		raw, err := json.Marshal(res.StructuredContent)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, out))
	}
	return res
}

func text(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil, Deps{})
	assert.ErrorContains(t, err, "run service is required")

	_, err = NewServer(nil, Deps{Runs: &runs.Service{}})
	assert.ErrorContains(t, err, "document service is required")
}

func TestServer_RegistersTools(t *testing.T) {
	s := newTestServer(t)
	cs := connect(t, s)

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"pipeline_start", "pipeline_feedback", "pipeline_status",
		"document_upload", "document_list", "artifact_list", "redact",
		"tool_search", "tool_list",
	}, names)
	assert.Equal(t, len(names), s.Registry().Count())
}

func TestPipelineTools_ReviewCycle(t *testing.T) {
	s := newTestServer(t)
	cs := connect(t, s)

	var up documentUploadOutput
	res := call(t, cs, "document_upload", map[string]any{
		"project_id": "proj-1",
		"name":       "shop.md",
		"content":    pipelinetest.Requirements,
		"index":      true,
	}, &up)
	require.False(t, res.IsError, text(res))
	assert.Greater(t, up.Indexed, 0)

	var docs documentListOutput
	call(t, cs, "document_list", map[string]any{"project_id": "proj-1"}, &docs)
	require.Equal(t, 1, docs.Count)

	var started runStatus
	res = call(t, cs, "pipeline_start", map[string]any{
		"project_id":   "proj-1",
		"document_ids": []string{up.Document.ID},
		"wait":         true,
	}, &started)
	require.False(t, res.IsError, text(res))
	assert.Equal(t, string(runs.StatusAwaitingReview), started.Status)
	assert.NotEmpty(t, started.FunctionPoints)
	assert.Contains(t, text(res), "await review")

	var bad runStatus
	res = call(t, cs, "pipeline_feedback", map[string]any{"run_id": started.RunID, "feedback": "maybe"}, &bad)
	assert.True(t, res.IsError)

	var done runStatus
	res = call(t, cs, "pipeline_feedback", map[string]any{"run_id": started.RunID, "feedback": "approved", "wait": true}, &done)
	require.False(t, res.IsError, text(res))
	assert.Equal(t, string(runs.StatusCompleted), done.Status)
	assert.Equal(t, len(done.FunctionPoints), done.TestCases)
	assert.Equal(t, done.TestCases, done.TestScripts)
	assert.Equal(t, done.TestCases, done.MindMapNodes)

	var status runStatus
	call(t, cs, "pipeline_status", map[string]any{"run_id": started.RunID}, &status)
	assert.Equal(t, done, status)

	res = call(t, cs, "pipeline_feedback", map[string]any{"run_id": started.RunID, "feedback": "approved"}, nil)
	assert.True(t, res.IsError)

	var arts artifactListOutput
	res = call(t, cs, "artifact_list", map[string]any{"project_id": "proj-1", "kind": "test_case"}, &arts)
	require.False(t, res.IsError, text(res))
	assert.Equal(t, done.TestCases, arts.Count)
	require.NotEmpty(t, arts.Artifacts)
	for _, a := range arts.Artifacts {
		assert.Equal(t, repository.KindTestCase, a.Kind)
		assert.NotEmpty(t, a.Payload["title"])
	}

	res = call(t, cs, "artifact_list", map[string]any{"project_id": "proj-1", "kind": "bogus"}, nil)
	assert.True(t, res.IsError)
}

func TestPipelineTools_Errors(t *testing.T) {
	cs := connect(t, newTestServer(t))

	res := call(t, cs, "pipeline_status", map[string]any{"run_id": "missing"}, nil)
	assert.True(t, res.IsError)

	res = call(t, cs, "pipeline_start", map[string]any{"project_id": "proj-1", "document_ids": []string{"nope"}}, nil)
	assert.True(t, res.IsError)

	res = call(t, cs, "pipeline_start", map[string]any{"project_id": "", "document_ids": []string{"x"}}, nil)
	assert.True(t, res.IsError)
}

func TestRedactTool(t *testing.T) {
	cs := connect(t, newTestServer(t))

	var out redactOutput
	res := call(t, cs, "redact", map[string]any{"content": "key=AKIAEXAMPLEKEY000000"}, &out)
	require.False(t, res.IsError, text(res))
	assert.Equal(t, "key="+secrets.Marker("aws-access-token"), out.Content)
	assert.Equal(t, 1, out.Findings)
	assert.Equal(t, []string{"aws-access-token"}, out.Rules)
}

func TestSearchTools(t *testing.T) {
	cs := connect(t, newTestServer(t))

	var found toolSearchOutput
	res := call(t, cs, "tool_search", map[string]any{"query": "pipeline", "limit": 2}, &found)
	require.False(t, res.IsError, text(res))
	assert.Equal(t, 2, found.Count)
	assert.Equal(t, 9, found.TotalTools)
	require.Len(t, found.Tools, 2)
	for i, r := range found.Results {
		assert.Equal(t, found.Tools[i], r.Tool.Name)
		assert.True(t, strings.HasPrefix(r.Tool.Name, "pipeline_"))
	}
	require.Len(t, res.Content, 1)
	_, ok := res.Content[0].(*mcp.TextContent)
	assert.True(t, ok)
	assert.Contains(t, text(res), found.Tools[0])

	var listed toolListOutput
	call(t, cs, "tool_list", map[string]any{"deferred_only": true}, &listed)
	assert.Equal(t, 4, listed.Count)
}
