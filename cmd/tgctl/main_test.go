package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/testgen/internal/events"
	tghttp "github.com/fyrsmithlabs/testgen/internal/http"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/runs"
)

// fakeGateway serves the subset of the gateway the CLI calls.
func fakeGateway(t *testing.T) *httptest.Server {
	t.Helper()
	e := echo.New()
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, tghttp.HealthResponse{Status: "ok"})
	})
	e.POST("/api/v1/documents/:project_id", func(c echo.Context) error {
		fh, err := c.FormFile("file")
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "file is required")
		}
		resp := tghttp.UploadResponse{Document: pipeline.DocumentRef{ID: "doc-1", Name: fh.Filename, Type: "md"}}
		if c.QueryParam("index") == "true" {
			resp.Parsed = &pipeline.ParsedDocument{DocumentID: "doc-1", ChunksCount: 3, Indexed: 3}
		}
		return c.JSON(http.StatusCreated, resp)
	})
	e.POST("/api/v1/runs", func(c echo.Context) error {
		var req tghttp.StartRunRequest
		if err := c.Bind(&req); err != nil {
			return err
		}
		if len(req.DocumentIDs) == 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "document_ids is required")
		}
		return c.JSON(http.StatusAccepted, runs.Handle{RunID: "run-1", ProjectID: req.ProjectID, Status: runs.StatusRunning})
	})
	e.POST("/api/v1/runs/:run_id/feedback", func(c echo.Context) error {
		if c.Param("run_id") != "run-1" {
			return echo.NewHTTPError(http.StatusConflict, "run is not awaiting review")
		}
		var req tghttp.FeedbackRequest
		if err := c.Bind(&req); err != nil {
			return err
		}
		return c.JSON(http.StatusAccepted, tghttp.FeedbackResponse{RunID: "run-1", Feedback: req.Feedback, Status: runs.StatusRunning})
	})
	e.GET("/api/v1/runs/:run_id", func(c echo.Context) error {
		st := pipeline.NewState("run-1", "shop-1", nil, true, pipeline.LanguagePython)
		st.FunctionPoints = []pipeline.FunctionPoint{{Name: "用户登录", Priority: "p1"}}
		return c.JSON(http.StatusOK, runs.Snapshot{RunID: "run-1", ProjectID: "shop-1",
			Status: runs.StatusAwaitingReview, Stage: pipeline.NodeUserReview, State: st})
	})
	upgrader := websocket.Upgrader{}
	e.GET("/api/v1/runs/:run_id/ws", func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		defer conn.Close()
		_ = conn.WriteJSON(&events.Event{Type: events.TypeStart, Stage: events.StageInit, Message: "Generation started"})
		_ = conn.WriteJSON(map[string]any{"type": "feedback_ack", "run_id": "run-1"})
		_ = conn.WriteJSON(&events.Event{Type: events.TypeComplete, Stage: events.StageDone, Message: "Generation completed successfully"})
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return nil
	})

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--server", srv.URL))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestHealthCommand(t *testing.T) {
	out, err := execute(t, fakeGateway(t), "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
}

func TestUploadCommand(t *testing.T) {
	file := t.TempDir() + "/prd.md"
	require.NoError(t, writeFile(file, "# 登录"))

	out, err := execute(t, fakeGateway(t), "upload", "shop-1", "--index", file)
	require.NoError(t, err)
	assert.Contains(t, out, "uploaded doc-1 prd.md")
	assert.Contains(t, out, "3 chunks, 3 indexed")
}

func TestRunAndFeedbackCommands(t *testing.T) {
	srv := fakeGateway(t)

	out, err := execute(t, srv, "run", "shop-1", "--doc", "doc-1")
	require.NoError(t, err)
	assert.Contains(t, out, "started run-1 running")

	out, err = execute(t, srv, "feedback", "run-1", "APPROVED")
	require.NoError(t, err)
	assert.Contains(t, out, "approved run-1")

	_, err = execute(t, srv, "feedback", "run-2", "approved")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 409: run is not awaiting review")
}

func TestStatusCommand(t *testing.T) {
	out, err := execute(t, fakeGateway(t), "status", "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "awaiting_review")
	assert.Contains(t, out, "function points for review:")
	assert.Contains(t, out, "用户登录")
}

func TestWatchPlain(t *testing.T) {
	var out bytes.Buffer
	serverURL = fakeGateway(t).URL
	require.NoError(t, watchPlain(t.Context(), &out, "run-1"))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "Generation started")
	assert.Contains(t, lines[1], "Generation completed successfully")
}

func TestClient_WSURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8090", "ws://localhost:8090/api/v1/runs/r/ws"},
		{"https://gw.example.com/", "wss://gw.example.com/api/v1/runs/r/ws"},
	}
	for _, tt := range tests {
		got, err := newGatewayClient(tt.base, time.Second).wsURL("/api/v1/runs/r/ws")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestClient_PlainErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	var v json.RawMessage
	err := newGatewayClient(srv.URL, time.Second).getJSON(t.Context(), "/health", &v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502: upstream down")
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
