package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/testgen/internal/checkpoint"
	"github.com/fyrsmithlabs/testgen/internal/docstore"
	"github.com/fyrsmithlabs/testgen/internal/events"
	"github.com/fyrsmithlabs/testgen/internal/ingest"
	"github.com/fyrsmithlabs/testgen/internal/loader"
	"github.com/fyrsmithlabs/testgen/internal/orchestrator"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/pipeline/pipelinetest"
	"github.com/fyrsmithlabs/testgen/internal/repository"
	"github.com/fyrsmithlabs/testgen/internal/retriever"
	"github.com/fyrsmithlabs/testgen/internal/runs"
	"github.com/fyrsmithlabs/testgen/internal/secrets"
	"github.com/fyrsmithlabs/testgen/internal/stages"
	"github.com/fyrsmithlabs/testgen/internal/vectorstore"
)

func setupTestServer(t *testing.T, interrupt bool) *Server {
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
		orchestrator.Options{InterruptBeforeReview: interrupt})
	require.NoError(t, err)
	svc, err := runs.NewService(orch, runs.Options{
		InterruptBeforeReview: interrupt,
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
		if strings.Contains(content, "hunter2hunter2") {
			return []secrets.RawFinding{{RuleID: "generic-api-key", Secret: "hunter2hunter2", Line: 1}}, nil
		}
		return nil, nil
	}, nil, logger)

	server, err := NewServer(Deps{
		Runs:      svc,
		Documents: docs,
		Artifacts: repo,
		Redactor:  redactor,
		Logger:    logger,
	}, &Config{Heartbeat: 50 * time.Millisecond})
	require.NoError(t, err)
	return server
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func upload(t *testing.T, s *Server, projectID, name, content, query string) UploadResponse {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+projectID+query, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func startRun(t *testing.T, s *Server, docIDs ...string) runs.Handle {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/v1/runs", StartRunRequest{ProjectID: "proj-1", DocumentIDs: docIDs})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var h runs.Handle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	return h
}

// readSSE collects data frames until the stream ends or stop matches.
func readSSE(t *testing.T, sc *bufio.Scanner, stop func(*events.Event) bool) []*events.Event {
	t.Helper()
	var got []*events.Event
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		e, err := events.Decode([]byte(strings.TrimPrefix(line, "data: ")))
		require.NoError(t, err)
		got = append(got, e)
		if stop != nil && stop(e) {
			break
		}
	}
	return got
}

func TestNewServer(t *testing.T) {
	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(Deps{Runs: &runs.Service{}, Documents: &ingest.Service{}}, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("returns error when run service is nil", func(t *testing.T) {
		_, err := NewServer(Deps{Logger: zap.NewNop()}, nil)
		assert.ErrorContains(t, err, "run service cannot be nil")
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(Deps{Runs: &runs.Service{}, Documents: &ingest.Service{}, Logger: zap.NewNop()}, nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 8080, server.config.Port)
		assert.Equal(t, defaultHeartbeat, server.config.Heartbeat)
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t, false)
	rec := do(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleMetrics(t *testing.T) {
	server := setupTestServer(t, false)
	rec := do(t, server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHandleRedact(t *testing.T) {
	server := setupTestServer(t, false)

	t.Run("redacts secrets", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/redact", RedactRequest{Content: "password=hunter2hunter2"})
		require.Equal(t, http.StatusOK, rec.Code)
		var resp RedactResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "password="+secrets.Marker("generic-api-key"), resp.Content)
		assert.Equal(t, 1, resp.FindingsCount)
		assert.Equal(t, []string{"generic-api-key"}, resp.Rules)
	})

	t.Run("rejects empty content", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/redact", RedactRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDocuments(t *testing.T) {
	server := setupTestServer(t, false)

	up := upload(t, server, "proj-1", "shop.md", pipelinetest.Requirements, "?index=true")
	assert.Equal(t, "shop.md", up.Document.Name)
	require.NotNil(t, up.Parsed)
	assert.Greater(t, up.Parsed.Indexed, 0)

	rec := do(t, server, http.MethodGet, "/api/v1/projects/proj-1/documents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var docs []pipeline.DocumentRef
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	require.Len(t, docs, 1)

	rec = do(t, server, http.MethodGet, "/api/v1/projects/proj-1/index", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info vectorstore.CollectionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, up.Parsed.Indexed, info.PointCount)

	rec = do(t, server, http.MethodDelete, "/api/v1/projects/proj-1/documents/"+up.Document.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, server, http.MethodDelete, "/api/v1/projects/proj-1/documents/"+up.Document.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/v1/projects/proj-1/index", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Zero(t, info.PointCount)
}

func TestUpload_MissingFile(t *testing.T) {
	server := setupTestServer(t, false)
	rec := do(t, server, http.MethodPost, "/api/v1/documents/proj-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartRun_Validation(t *testing.T) {
	server := setupTestServer(t, false)
	tests := []struct {
		name string
		body any
		code int
	}{
		{"invalid json", "not an object", http.StatusBadRequest},
		{"missing project", StartRunRequest{DocumentIDs: []string{"x"}}, http.StatusBadRequest},
		{"missing documents", StartRunRequest{ProjectID: "proj-1"}, http.StatusBadRequest},
		{"unknown document", StartRunRequest{ProjectID: "proj-1", DocumentIDs: []string{"nope"}}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, server, http.MethodPost, "/api/v1/runs", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestRun_SSEToCompletion(t *testing.T) {
	server := setupTestServer(t, false)
	up := upload(t, server, "proj-1", "shop.md", pipelinetest.Requirements, "")
	h := startRun(t, server, up.Document.ID)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/api/v1/runs/" + h.RunID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	got := readSSE(t, bufio.NewScanner(resp.Body), nil)
	require.NotEmpty(t, got)
	assert.Equal(t, events.TypeStart, got[0].Type)
	assert.Equal(t, events.TypeComplete, got[len(got)-1].Type)

	rec := do(t, server, http.MethodGet, "/api/v1/runs/"+h.RunID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap runs.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, runs.StatusCompleted, snap.Status)
	assert.Len(t, snap.State.TestScripts, len(snap.State.TestCases))

	rec = do(t, server, http.MethodGet, "/api/v1/projects/proj-1/artifacts?kind=test_case", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var arts ArtifactsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &arts))
	assert.Len(t, arts.Artifacts, len(snap.State.TestCases))

	rec = do(t, server, http.MethodGet, "/api/v1/projects/proj-1/artifacts?kind=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRun_FeedbackOverHTTP(t *testing.T) {
	server := setupTestServer(t, true)
	up := upload(t, server, "proj-1", "shop.md", pipelinetest.Requirements, "")
	h := startRun(t, server, up.Document.ID)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/api/v1/runs/" + h.RunID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	waiting := func(e *events.Event) bool {
		return e.Stage == string(pipeline.NodeUserReview) && e.Message == "Waiting for user review"
	}
	sc := bufio.NewScanner(resp.Body)
	readSSE(t, sc, waiting)

	rec := do(t, server, http.MethodPost, "/api/v1/runs/"+h.RunID+"/feedback", FeedbackRequest{Feedback: "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/v1/runs/"+h.RunID+"/feedback", FeedbackRequest{Feedback: "approved"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rest := readSSE(t, sc, nil)
	require.NotEmpty(t, rest)
	assert.Equal(t, events.TypeComplete, rest[len(rest)-1].Type)

	rec = do(t, server, http.MethodPost, "/api/v1/runs/"+h.RunID+"/feedback", FeedbackRequest{Feedback: "approved"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, server, http.MethodPost, "/api/v1/runs/unknown/feedback", FeedbackRequest{Feedback: "approved"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRun_WebSocket(t *testing.T) {
	server := setupTestServer(t, true)
	up := upload(t, server, "proj-1", "shop.md", pipelinetest.Requirements, "")
	h := startRun(t, server, up.Document.ID)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/runs/" + h.RunID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	var (
		sawAck   bool
		terminal *events.Event
	)
	for terminal == nil {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)

		var peek map[string]any
		require.NoError(t, json.Unmarshal(raw, &peek))
		if peek["type"] == "feedback_ack" {
			sawAck = true
			continue
		}
		e, err := events.Decode(raw)
		require.NoError(t, err)
		if e.Message == "Waiting for user review" {
			require.NoError(t, conn.WriteJSON(WSMessage{Type: "feedback", Feedback: "approved"}))
		}
		if e.Terminal() {
			terminal = e
		}
	}
	assert.True(t, sawAck)
	assert.Equal(t, events.TypeComplete, terminal.Type)

	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
}

func TestRun_WebSocketUnknownRun(t *testing.T) {
	server := setupTestServer(t, false)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/runs/nope/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
