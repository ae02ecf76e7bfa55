package stages

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/docstore"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/retriever"
	"github.com/fyrsmithlabs/testgen/internal/segmenter"
)

// DocumentParser loads, redacts, segments and indexes every input
// document. Documents are processed one at a time so that the project index
// is created by a single writer.
//
// Reads Documents and ProjectID. Writes ParsedContent.
type DocumentParser struct{ *base }

// Node implements pipeline.Stage.
func (s *DocumentParser) Node() pipeline.Node { return pipeline.NodeDocumentParser }

// Execute implements pipeline.Stage.
func (s *DocumentParser) Execute(ctx context.Context, state *pipeline.State) (pipeline.StageResult, error) {
	ctx, span := tracer.Start(ctx, "stage.document_parser")
	defer span.End()
	logger := s.log(s.Node(), state)

	parsed := make([]pipeline.ParsedDocument, 0, len(state.Documents))
	var errs []string
	for _, ref := range state.Documents {
		doc, msgs, err := s.parse(ctx, state.ProjectID, ref, logger)
		errs = append(errs, msgs...)
		if err != nil {
			var lf *pipeline.LoadFailure
			if errors.As(err, &lf) && ctx.Err() == nil {
				itemsTotal.WithLabelValues(string(s.Node()), "failed").Inc()
				logger.Warn("document skipped", zap.String("document", ref.Name), zap.Error(err))
				errs = append(errs, lf.Error())
				continue
			}
			return pipeline.StageResult{}, err
		}
		itemsTotal.WithLabelValues(string(s.Node()), "ok").Inc()
		parsed = append(parsed, doc)
	}

	span.SetAttributes(attribute.Int("documents", len(state.Documents)), attribute.Int("parsed", len(parsed)))
	logger.Info("documents parsed", zap.Int("documents", len(state.Documents)), zap.Int("parsed", len(parsed)))
	return pipeline.StageResult{
		Update: pipeline.Update{ParsedContent: &parsed},
		Errors: errs,
	}, nil
}

func (s *DocumentParser) parse(ctx context.Context, projectID string, ref pipeline.DocumentRef, logger *zap.Logger) (pipeline.ParsedDocument, []string, error) {
	docType := ref.Type
	if docType == "" {
		docType = docstore.DetectType(ref.Name)
	}

	text, err := s.deps.Loader.Load(ctx, ref)
	if err != nil {
		var lf *pipeline.LoadFailure
		if !errors.As(err, &lf) {
			err = &pipeline.LoadFailure{DocumentID: ref.ID, Name: ref.Name, Err: err}
		}
		return pipeline.ParsedDocument{}, nil, err
	}

	red, err := s.deps.Redactor.Redact(ref.Name, text)
	if err != nil {
		return pipeline.ParsedDocument{}, nil, &pipeline.LoadFailure{DocumentID: ref.ID, Name: ref.Name, Err: err}
	}
	text = red.Content

	opts := s.deps.Options.Segmenter
	opts.Source = ref.ID
	chunks := segmenter.Segment(text, opts)

	doc := pipeline.ParsedDocument{
		DocumentID:  ref.ID,
		Name:        ref.Name,
		Type:        docType,
		Content:     text,
		ChunksCount: len(chunks),
	}
	if s.deps.Retriever == nil || len(chunks) == 0 {
		return doc, nil, nil
	}

	n, err := s.deps.Retriever.Index(ctx, projectID, retriever.DocumentMeta{
		ID:          ref.ID,
		Name:        ref.Name,
		ContentType: docType,
	}, chunks)
	if err != nil {
		if pipeline.IsFatal(err) || ctx.Err() != nil {
			return pipeline.ParsedDocument{}, nil, err
		}
		// The text is still usable through the raw fallback.
		logger.Warn("indexing failed", zap.String("document", ref.Name), zap.Error(err))
		return doc, []string{fmt.Sprintf("index %s (%s): %v", ref.Name, ref.ID, err)}, nil
	}
	doc.Indexed = n
	return doc, nil, nil
}
