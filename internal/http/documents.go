package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/repository"
)

// handleUpload stores a multipart "file" in the project's bucket. With
// ?index=true the document is parsed and indexed before the response.
func (s *Server) handleUpload(c echo.Context) error {
	projectID := c.Param("project_id")
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable upload")
	}
	defer src.Close()

	ctx := c.Request().Context()
	ref, err := s.deps.Documents.Upload(ctx, projectID, fh.Filename, src, fh.Size)
	if err != nil {
		return err
	}
	resp := UploadResponse{Document: ref}

	if index, _ := strconv.ParseBool(c.QueryParam("index")); index {
		parsed, msgs, err := s.deps.Documents.IndexDocument(ctx, projectID, ref)
		resp.Parsed = parsed
		resp.Errors = msgs
		if err != nil {
			s.logger.Warn("indexing upload failed", zap.String("document_id", ref.ID), zap.Error(err))
			if len(msgs) == 0 {
				resp.Errors = []string{err.Error()}
			}
		}
	}
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleListDocuments(c echo.Context) error {
	docs, err := s.deps.Documents.Documents(c.Request().Context(), c.Param("project_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, docs)
}

// handleDeleteDocument removes a document with its vectors and artifacts.
func (s *Server) handleDeleteDocument(c echo.Context) error {
	if err := s.deps.Documents.Delete(c.Request().Context(), c.Param("project_id"), c.Param("document_id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleIndexStats(c echo.Context) error {
	info, err := s.deps.Documents.Stats(c.Request().Context(), c.Param("project_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, info)
}

// handleListArtifacts lists stored artifacts, optionally of one ?kind=.
func (s *Server) handleListArtifacts(c echo.Context) error {
	if s.deps.Artifacts == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "artifact storage is not configured")
	}
	var kind repository.ArtifactKind
	if k := c.QueryParam("kind"); k != "" {
		parsed, err := repository.ParseKind(k)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		kind = parsed
	}
	projectID := c.Param("project_id")
	arts, err := s.deps.Artifacts.List(c.Request().Context(), projectID, kind)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ArtifactsResponse{ProjectID: projectID, Artifacts: arts})
}
