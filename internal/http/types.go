package http

import (
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/repository"
	"github.com/fyrsmithlabs/testgen/internal/runs"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// RedactRequest is the request body for POST /api/v1/redact.
type RedactRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// RedactResponse is the response body for POST /api/v1/redact.
type RedactResponse struct {
	Content       string   `json:"content"`
	FindingsCount int      `json:"findings_count"`
	Rules         []string `json:"rules"`
}

// UploadResponse is the response body for POST /api/v1/documents/:project_id.
type UploadResponse struct {
	Document pipeline.DocumentRef     `json:"document"`
	Parsed   *pipeline.ParsedDocument `json:"parsed,omitempty"`
	Errors   []string                 `json:"errors,omitempty"`
}

// StartRunRequest is the request body for POST /api/v1/runs.
type StartRunRequest struct {
	ProjectID       string   `json:"project_id"`
	DocumentIDs     []string `json:"document_ids"`
	GenerateScripts *bool    `json:"generate_scripts,omitempty"`
	ScriptLanguage  string   `json:"script_language,omitempty"`
}

// FeedbackRequest is the request body for POST /api/v1/runs/:run_id/feedback.
type FeedbackRequest struct {
	Feedback string `json:"feedback"`
}

// FeedbackResponse acknowledges accepted feedback.
type FeedbackResponse struct {
	RunID    string      `json:"run_id"`
	Feedback string      `json:"feedback"`
	Status   runs.Status `json:"status"`
}

// ArtifactsResponse lists stored artifacts.
type ArtifactsResponse struct {
	ProjectID string                `json:"project_id"`
	Artifacts []repository.Artifact `json:"artifacts"`
}

// WSMessage is an inbound WebSocket frame. Only feedback is accepted.
type WSMessage struct {
	Type     string `json:"type"`
	Feedback string `json:"feedback,omitempty"`
}
