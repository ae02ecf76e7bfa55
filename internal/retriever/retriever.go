// Package retriever indexes document chunks per project and assembles
// bounded generation contexts from them.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/embeddings"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/segmenter"
	"github.com/fyrsmithlabs/testgen/internal/vectorstore"
)

var tracer = otel.Tracer("testgen.retriever")

var (
	retrievals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testgen",
		Subsystem: "retriever",
		Name:      "retrievals_total",
		Help:      "Context retrievals by result (hit, miss, error)",
	}, []string{"result"})

	chunksIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "testgen",
		Subsystem: "retriever",
		Name:      "chunks_indexed_total",
		Help:      "Chunks embedded and written to project indexes",
	})
)

const (
	// DefaultFallbackBudget bounds the raw-text fallback, in characters.
	DefaultFallbackBudget = 12000
	// DefaultMaxContentChars bounds the text stored per chunk.
	DefaultMaxContentChars = 65500
	// DefaultCollectionPrefix prefixes every project collection.
	DefaultCollectionPrefix = "doc_vectors"
)

// DocumentMeta describes the document a batch of chunks came from.
type DocumentMeta struct {
	ID          string
	Name        string
	ContentType string
}

// Context is the result of a retrieval.
type Context struct {
	Text string
	Hits []vectorstore.Hit
	// Miss is set when the project has no index or nothing matched.
	// Callers substitute Fallback text.
	Miss bool
}

// Options configures a Retriever.
type Options struct {
	CollectionPrefix string
	MaxContentChars  int
}

// Retriever reads and writes project indexes.
type Retriever struct {
	store    vectorstore.Store
	embedder embeddings.Embedder
	opts     Options
	logger   *zap.Logger
}

// New creates a Retriever over store, embedding with embedder.
func New(store vectorstore.Store, embedder embeddings.Embedder, opts Options, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CollectionPrefix == "" {
		opts.CollectionPrefix = DefaultCollectionPrefix
	}
	if opts.MaxContentChars <= 0 {
		opts.MaxContentChars = DefaultMaxContentChars
	}
	return &Retriever{store: store, embedder: embedder, opts: opts, logger: logger}
}

// Collection returns the collection name for projectID.
func (r *Retriever) Collection(projectID string) string {
	return vectorstore.CollectionName(r.opts.CollectionPrefix, projectID)
}

// Index embeds all chunks in one batch and writes them to the project's
// collection, creating it with the batch width on first use. Record IDs are
// "<document_id>_<chunk_index>", so re-indexing a chunk replaces it. A width
// conflict returns a *pipeline.IndexDimensionMismatch.
func (r *Retriever) Index(ctx context.Context, projectID string, doc DocumentMeta, chunks []segmenter.Chunk) (int, error) {
	ctx, span := tracer.Start(ctx, "Retriever.Index")
	defer span.End()
	span.SetAttributes(
		attribute.String("project.id", projectID),
		attribute.String("document.id", doc.ID),
		attribute.Int("chunks", len(chunks)),
	)

	if len(chunks) == 0 {
		return 0, nil
	}

	vectors, err := r.embedder.EmbedDocuments(ctx, segmenter.Texts(chunks))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return 0, fmt.Errorf("embedding %d chunks of %s: %w", len(chunks), doc.Name, err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embedding %s: got %d vectors for %d chunks", doc.Name, len(vectors), len(chunks))
	}

	now := time.Now().UTC()
	records := make([]vectorstore.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vectorstore.Record{
			ID:           fmt.Sprintf("%s_%d", doc.ID, c.Sequence),
			DocumentID:   doc.ID,
			DocumentName: doc.Name,
			ChunkIndex:   c.Sequence,
			Content:      truncateRunes(c.Text, r.opts.MaxContentChars),
			ContentType:  doc.ContentType,
			Embedding:    vectors[i],
			CreatedAt:    now,
		}
	}

	if err := r.store.Upsert(ctx, r.Collection(projectID), records); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return 0, pipeline.AsDimensionMismatch(projectID, fmt.Errorf("indexing %s: %w", doc.Name, err))
	}

	chunksIndexed.Add(float64(len(records)))
	r.logger.Debug("document indexed",
		zap.String("project_id", projectID),
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(records)),
	)
	return len(records), nil
}

// Retrieve returns up to topK chunks most similar to query, restricted to
// documentIDs when given. A project without an index, or a search without
// hits, yields a Context with Miss set and a nil error.
func (r *Retriever) Retrieve(ctx context.Context, projectID, query string, topK int, documentIDs ...string) (Context, error) {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("project.id", projectID),
		attribute.Int("top_k", topK),
		attribute.Int("document_filter", len(documentIDs)),
	)

	if topK <= 0 {
		return Context{}, fmt.Errorf("top_k must be positive, got %d", topK)
	}

	collection := r.Collection(projectID)
	if _, err := r.store.Info(ctx, collection); errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return r.miss(span, "no index"), nil
	}

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		retrievals.WithLabelValues("error").Inc()
		span.RecordError(err)
		return Context{}, fmt.Errorf("embedding query: %w", err)
	}

	hits, err := r.store.Search(ctx, collection, vectorstore.Query{Vector: vector, TopK: topK, DocumentIDs: documentIDs})
	switch {
	case errors.Is(err, vectorstore.ErrCollectionNotFound):
		return r.miss(span, "no index"), nil
	case err != nil:
		retrievals.WithLabelValues("error").Inc()
		span.RecordError(err)
		return Context{}, pipeline.AsDimensionMismatch(projectID, fmt.Errorf("searching %s: %w", collection, err))
	case len(hits) == 0:
		return r.miss(span, "no hits"), nil
	}

	retrievals.WithLabelValues("hit").Inc()
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return Context{Text: FormatHits(hits), Hits: hits}, nil
}

func (r *Retriever) miss(span trace.Span, reason string) Context {
	retrievals.WithLabelValues("miss").Inc()
	span.AddEvent("retrieval miss: " + reason)
	return Context{Miss: true}
}

// DeleteDocument removes every vector of documentID from the project index.
func (r *Retriever) DeleteDocument(ctx context.Context, projectID, documentID string) error {
	if err := r.store.DeleteByDocument(ctx, r.Collection(projectID), documentID); err != nil {
		return fmt.Errorf("deleting vectors of %s: %w", documentID, err)
	}
	return nil
}

// Stats describes the project index. A project without one reports zero
// points.
func (r *Retriever) Stats(ctx context.Context, projectID string) (*vectorstore.CollectionInfo, error) {
	collection := r.Collection(projectID)
	info, err := r.store.Info(ctx, collection)
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return &vectorstore.CollectionInfo{Name: collection}, nil
	}
	return info, err
}

// FormatHits renders hits in order as "[文档: <name>]\n<content>\n" joined by
// newlines.
func FormatHits(hits []vectorstore.Hit) string {
	parts := make([]string, len(hits))
	for i, h := range hits {
		parts[i] = fmt.Sprintf("[文档: %s]\n%s\n", h.DocumentName, h.Content)
	}
	return strings.Join(parts, "\n")
}

// Fallback concatenates parsed documents as "=== 文档: <name> ===\n<content>"
// separated by blank lines, cut to budget characters. A non-positive budget
// uses DefaultFallbackBudget.
func Fallback(docs []pipeline.ParsedDocument, budget int) string {
	if budget <= 0 {
		budget = DefaultFallbackBudget
	}
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, fmt.Sprintf("=== 文档: %s ===\n%s", d.Name, d.Content))
	}
	return truncateRunes(strings.Join(parts, "\n\n"), budget)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
