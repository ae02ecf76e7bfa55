// Package ingest manages a project's documents outside of runs: upload to
// the document store, eager indexing, statistics and deletion together with
// everything derived from a document.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/docstore"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/repository"
	"github.com/fyrsmithlabs/testgen/internal/vectorstore"
)

// ErrNotFound is returned for documents the registry does not know.
var ErrNotFound = errors.New("document not found")

// Index is the part of *retriever.Retriever used for statistics and
// deletion.
type Index interface {
	DeleteDocument(ctx context.Context, projectID, documentID string) error
	Stats(ctx context.Context, projectID string) (*vectorstore.CollectionInfo, error)
}

// Deps are the collaborators of a Service. Artifacts, Index and Parser are
// optional.
type Deps struct {
	Store     docstore.Store
	Registry  repository.Documents
	Artifacts repository.Repository
	Index     Index
	// Parser is the document_parser stage; it indexes uploaded documents
	// eagerly with the same load, redact and segment path as a run.
	Parser pipeline.Stage
	Logger *zap.Logger
}

// Service implements document ingestion.
type Service struct {
	deps   Deps
	logger *zap.Logger
}

// New validates deps.
func New(deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("ingest: document store is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("ingest: document registry is required")
	}
	if deps.Parser != nil && deps.Parser.Node() != pipeline.NodeDocumentParser {
		return nil, fmt.Errorf("ingest: parser must be the %s stage, got %s", pipeline.NodeDocumentParser, deps.Parser.Node())
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{deps: deps, logger: deps.Logger}, nil
}

// Upload stores r and registers the document.
func (s *Service) Upload(ctx context.Context, projectID, name string, r io.Reader, size int64) (pipeline.DocumentRef, error) {
	ref, err := s.deps.Store.Put(ctx, projectID, name, r, size)
	if err != nil {
		return pipeline.DocumentRef{}, fmt.Errorf("storing %s: %w", name, err)
	}
	if err := s.deps.Registry.PutDocument(ctx, projectID, ref); err != nil {
		_ = s.deps.Store.Delete(ctx, ref)
		return pipeline.DocumentRef{}, fmt.Errorf("registering %s: %w", name, err)
	}
	s.logger.Info("document uploaded",
		zap.String("project_id", projectID),
		zap.String("document_id", ref.ID),
		zap.String("name", name),
		zap.Int64("size", ref.Size))
	return ref, nil
}

// IndexDocument parses and indexes one registered document. Errors lines
// from parsing are returned alongside the parsed document; a document that
// could not be loaded is reported as an error.
func (s *Service) IndexDocument(ctx context.Context, projectID string, ref pipeline.DocumentRef) (*pipeline.ParsedDocument, []string, error) {
	if s.deps.Parser == nil {
		return nil, nil, errors.New("ingest: indexing is not configured")
	}
	state := pipeline.NewState("", projectID, []pipeline.DocumentRef{ref}, false, pipeline.LanguagePython)
	res, err := s.deps.Parser.Execute(ctx, state)
	if err != nil {
		return nil, nil, err
	}
	if res.Update.ParsedContent == nil || len(*res.Update.ParsedContent) == 0 {
		msg := "document was not parsed"
		if len(res.Errors) > 0 {
			msg = res.Errors[0]
		}
		return nil, res.Errors, &pipeline.LoadFailure{DocumentID: ref.ID, Name: ref.Name, Err: errors.New(msg)}
	}
	doc := (*res.Update.ParsedContent)[0]
	s.logger.Info("document indexed",
		zap.String("project_id", projectID),
		zap.String("document_id", ref.ID),
		zap.Int("chunks", doc.ChunksCount),
		zap.Int("indexed", doc.Indexed))
	return &doc, res.Errors, nil
}

// Documents lists a project's registered documents.
func (s *Service) Documents(ctx context.Context, projectID string) ([]pipeline.DocumentRef, error) {
	return s.deps.Registry.ListDocuments(ctx, projectID)
}

// Resolve maps document IDs to registered refs, failing on the first
// unknown ID.
func (s *Service) Resolve(ctx context.Context, projectID string, ids []string) ([]pipeline.DocumentRef, error) {
	out := make([]pipeline.DocumentRef, 0, len(ids))
	for _, id := range ids {
		ref, err := s.deps.Registry.GetDocument(ctx, projectID, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

// Delete removes the document's vectors, derived artifacts, stored object
// and registration. Every step is attempted; failures are joined.
func (s *Service) Delete(ctx context.Context, projectID, documentID string) error {
	ref, err := s.deps.Registry.GetDocument(ctx, projectID, documentID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return err
	}

	var errs []error
	if s.deps.Index != nil {
		if err := s.deps.Index.DeleteDocument(ctx, projectID, documentID); err != nil && !errors.Is(err, vectorstore.ErrCollectionNotFound) {
			errs = append(errs, err)
		}
	}
	if s.deps.Artifacts != nil {
		if err := s.deps.Artifacts.DeleteBy(ctx, documentID); err != nil {
			errs = append(errs, fmt.Errorf("deleting artifacts: %w", err))
		}
	}
	if err := s.deps.Store.Delete(ctx, ref); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		errs = append(errs, fmt.Errorf("deleting object: %w", err))
	}
	if err := s.deps.Registry.DeleteDocument(ctx, projectID, documentID); err != nil {
		errs = append(errs, fmt.Errorf("unregistering: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("document deletion incomplete", zap.String("document_id", documentID), zap.Error(err))
		return err
	}
	s.logger.Info("document deleted", zap.String("project_id", projectID), zap.String("document_id", documentID))
	return nil
}

// Stats describes the project's index.
func (s *Service) Stats(ctx context.Context, projectID string) (*vectorstore.CollectionInfo, error) {
	if s.deps.Index == nil {
		return nil, errors.New("ingest: index is not configured")
	}
	return s.deps.Index.Stats(ctx, projectID)
}
