package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/runs"
)

// handleStartRun resolves the requested documents and starts a run. The
// response is sent before the run makes progress; clients follow it through
// the events or ws routes.
func (s *Server) handleStartRun(c echo.Context) error {
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id is required")
	}
	if len(req.DocumentIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "document_ids is required")
	}

	ctx := c.Request().Context()
	docs, err := s.deps.Documents.Resolve(ctx, req.ProjectID, req.DocumentIDs)
	if err != nil {
		return err
	}
	start := runs.StartRequest{
		ProjectID:       req.ProjectID,
		Documents:       docs,
		GenerateScripts: req.GenerateScripts,
		ScriptLanguage:  req.ScriptLanguage,
	}
	if err := start.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	h, err := s.deps.Runs.StartRun(ctx, start)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, h)
}

func (s *Server) handleListRuns(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Runs.List(c.Request().Context(), c.QueryParam("project_id")))
}

func (s *Server) handleGetRun(c echo.Context) error {
	snap, err := s.deps.Runs.Get(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

// handleFeedback resumes a run paused for review.
func (s *Server) handleFeedback(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	fb, err := pipeline.ParseFeedback(req.Feedback)
	if err != nil || fb == pipeline.FeedbackNone {
		return echo.NewHTTPError(http.StatusBadRequest, "feedback must be approved, rejected or modified")
	}

	runID := c.Param("run_id")
	if err := s.deps.Runs.SubmitFeedback(c.Request().Context(), runID, fb); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, FeedbackResponse{RunID: runID, Feedback: string(fb), Status: runs.StatusRunning})
}
