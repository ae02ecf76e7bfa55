package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// ErrNotFound is returned for unknown documents.
var ErrNotFound = errors.New("not found")

// ArtifactKind tags a stored artifact.
type ArtifactKind string

const (
	KindRequirementAnalysis ArtifactKind = "requirement_analysis"
	KindFunctionPoint       ArtifactKind = "function_point"
	KindTestCase            ArtifactKind = "test_case"
	KindTestScript          ArtifactKind = "test_script"
	KindMindMap             ArtifactKind = "mind_map"
)

// ParseKind validates a kind name.
func ParseKind(s string) (ArtifactKind, error) {
	switch k := ArtifactKind(s); k {
	case KindRequirementAnalysis, KindFunctionPoint, KindTestCase, KindTestScript, KindMindMap:
		return k, nil
	}
	return "", errors.New("unknown artifact kind " + s)
}

// Artifact is a stored record.
type Artifact struct {
	ID         string          `json:"id"`
	Kind       ArtifactKind    `json:"kind"`
	RunID      string          `json:"run_id"`
	ProjectID  string          `json:"project_id"`
	DocumentID string          `json:"document_id,omitempty"`
	ParentID   string          `json:"parent_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Repository stores artifacts.
type Repository interface {
	// Save stores records of one kind and returns their IDs in order. A
	// record without an ID gets a new one.
	Save(ctx context.Context, kind ArtifactKind, runID, projectID string, records []any) ([]string, error)
	// DeleteBy removes every artifact derived from documentID.
	DeleteBy(ctx context.Context, documentID string) error
	// List returns a project's artifacts of kind, oldest first. An empty
	// kind lists all kinds.
	List(ctx context.Context, projectID string, kind ArtifactKind) ([]Artifact, error)
}

// Documents registers uploaded documents.
type Documents interface {
	PutDocument(ctx context.Context, projectID string, ref pipeline.DocumentRef) error
	GetDocument(ctx context.Context, projectID, documentID string) (pipeline.DocumentRef, error)
	ListDocuments(ctx context.Context, projectID string) ([]pipeline.DocumentRef, error)
	DeleteDocument(ctx context.Context, projectID, documentID string) error
}

// lineage extracts the identity and parentage of a record.
func lineage(rec any) (id, documentID, parentID string) {
	switch r := rec.(type) {
	case pipeline.FunctionPoint:
		return r.ID, r.DocumentID, ""
	case *pipeline.FunctionPoint:
		return r.ID, r.DocumentID, ""
	case pipeline.TestCase:
		return r.ID, "", r.FunctionPointID
	case *pipeline.TestCase:
		return r.ID, "", r.FunctionPointID
	case pipeline.TestScript:
		return r.ID, "", r.TestCaseID
	case *pipeline.TestScript:
		return r.ID, "", r.TestCaseID
	}
	return "", "", ""
}

func prepare(kind ArtifactKind, runID, projectID string, records []any, now time.Time) ([]Artifact, []string, error) {
	rows := make([]Artifact, len(records))
	ids := make([]string, len(records))
	for i, rec := range records {
		id, docID, parentID := lineage(rec)
		if id == "" {
			id = uuid.NewString()
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return nil, nil, err
		}
		rows[i] = Artifact{
			ID:         id,
			Kind:       kind,
			RunID:      runID,
			ProjectID:  projectID,
			DocumentID: docID,
			ParentID:   parentID,
			Payload:    payload,
			CreatedAt:  now.Add(time.Duration(i)),
		}
		ids[i] = id
	}
	return rows, ids, nil
}
