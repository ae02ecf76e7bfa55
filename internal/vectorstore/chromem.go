package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("testgen.vectorstore.chromem")

const (
	backendChromem = "chromem"

	// dimensionMarkerID names a hidden record holding the collection's
	// vector width, so the width survives restarts of a persistent DB.
	dimensionMarkerID = "__dimension__"
	markerDocumentID  = "__marker__"
	metaDimension     = "dimension"
)

var errPrecomputedOnly = errors.New("chromem store only accepts precomputed embeddings")

// ChromemConfig configures the embedded store.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path     string
	Compress bool
}

// ChromemStore implements Store on the embedded chromem-go database.
type ChromemStore struct {
	db     *chromem.DB
	logger *zap.Logger

	mu   sync.Mutex
	dims map[string]int
}

// NewChromemStore opens or creates the database at cfg.Path.
func NewChromemStore(cfg ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		logger.Info("chromem store opened", zap.String("path", path), zap.Bool("compress", cfg.Compress))
	}

	return &ChromemStore{db: db, logger: logger, dims: make(map[string]int)}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func noEmbed(context.Context, string) ([]float32, error) {
	return nil, errPrecomputedOnly
}

// dimension returns the collection's width, or 0 for a new collection.
// Callers hold s.mu.
func (s *ChromemStore) dimension(ctx context.Context, name string, col *chromem.Collection) int {
	if d, ok := s.dims[name]; ok {
		return d
	}
	marker, err := col.GetByID(ctx, dimensionMarkerID)
	if err != nil {
		return 0
	}
	d, err := strconv.Atoi(marker.Metadata[metaDimension])
	if err != nil {
		d = len(marker.Embedding)
	}
	s.dims[name] = d
	return d
}

// Upsert implements Store.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, records []Record) (err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	defer func(start time.Time) { observe(backendChromem, "upsert", start, err) }(time.Now())

	span.SetAttributes(attribute.String("collection", collection), attribute.Int("record_count", len(records)))

	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	width, err := batchWidth(collection, records)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.db.GetOrCreateCollection(collection, nil, noEmbed)
	if err != nil {
		return fmt.Errorf("getting/creating collection %s: %w", collection, err)
	}

	switch dim := s.dimension(ctx, collection, col); {
	case dim == 0:
		if err := col.AddDocument(ctx, chromem.Document{
			ID:        dimensionMarkerID,
			Embedding: records[0].Embedding,
			Metadata: map[string]string{
				MetaDocumentID: markerDocumentID,
				metaDimension:  strconv.Itoa(width),
			},
		}); err != nil {
			return fmt.Errorf("recording dimension for %s: %w", collection, err)
		}
		s.dims[collection] = width
		s.logger.Info("collection created",
			zap.String("collection", collection),
			zap.Int("vector_size", width),
		)
	case dim != width:
		DimensionMismatches.WithLabelValues(backendChromem).Inc()
		err := &DimensionMismatchError{Collection: collection, Want: dim, Got: width}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		docs[i] = chromem.Document{
			ID:        r.ID,
			Content:   r.Content,
			Embedding: r.Embedding,
			Metadata:  recordMetadata(r),
		}
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding records to %s: %w", collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search implements Store.
func (s *ChromemStore) Search(ctx context.Context, collection string, q Query) (hits []Hit, err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	defer func(start time.Time) { observe(backendChromem, "search", start, err) }(time.Now())

	span.SetAttributes(attribute.String("collection", collection), attribute.Int("k", q.TopK))

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if q.TopK <= 0 {
		return nil, fmt.Errorf("top_k must be positive, got %d", q.TopK)
	}

	col := s.db.GetCollection(collection, noEmbed)
	if col == nil {
		return nil, ErrCollectionNotFound
	}

	s.mu.Lock()
	dim := s.dimension(ctx, collection, col)
	s.mu.Unlock()
	if dim != 0 && len(q.Vector) != dim {
		return nil, &DimensionMismatchError{Collection: collection, Want: dim, Got: len(q.Vector)}
	}

	total := col.Count()
	if total <= 1 {
		return nil, nil
	}

	var results []chromem.Result
	if len(q.DocumentIDs) == 0 {
		// One extra slot for the dimension marker.
		res, err := col.QueryEmbedding(ctx, q.Vector, min(q.TopK+1, total), nil, nil)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("querying collection %s: %w", collection, err)
		}
		results = res
	} else {
		// chromem filters by equality only, so query per document and merge.
		for _, docID := range q.DocumentIDs {
			res, err := col.QueryEmbedding(ctx, q.Vector, min(q.TopK, total), map[string]string{MetaDocumentID: docID}, nil)
			if err != nil {
				span.RecordError(err)
				return nil, fmt.Errorf("querying collection %s: %w", collection, err)
			}
			results = append(results, res...)
		}
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Similarity > results[j].Similarity
		})
	}

	hits = make([]Hit, 0, q.TopK)
	for _, r := range results {
		if r.ID == dimensionMarkerID {
			continue
		}
		if len(hits) == q.TopK {
			break
		}
		hits = append(hits, Hit{Record: recordFromMetadata(r.ID, r.Content, r.Metadata), Score: r.Similarity})
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("searched chromem collection",
		zap.String("collection", collection),
		zap.Int("k", q.TopK),
		zap.Int("results", len(hits)),
	)
	return hits, nil
}

// DeleteByDocument implements Store.
func (s *ChromemStore) DeleteByDocument(ctx context.Context, collection, documentID string) (err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.DeleteByDocument")
	defer span.End()
	defer func(start time.Time) { observe(backendChromem, "delete", start, err) }(time.Now())

	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if documentID == "" {
		return errors.New("document id is required")
	}
	col := s.db.GetCollection(collection, noEmbed)
	if col == nil {
		return nil
	}
	if err := col.Delete(ctx, map[string]string{MetaDocumentID: documentID}, nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting document %s from %s: %w", documentID, collection, err)
	}
	return nil
}

// Info implements Store.
func (s *ChromemStore) Info(ctx context.Context, collection string) (*CollectionInfo, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	col := s.db.GetCollection(collection, noEmbed)
	if col == nil {
		return nil, ErrCollectionNotFound
	}

	s.mu.Lock()
	dim := s.dimension(ctx, collection, col)
	s.mu.Unlock()

	count := col.Count()
	if dim != 0 {
		count--
	}
	return &CollectionInfo{Name: collection, PointCount: count, VectorSize: dim}, nil
}

// DeleteCollection implements Store.
func (s *ChromemStore) DeleteCollection(_ context.Context, collection string) error {
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("deleting collection %s: %w", collection, err)
	}
	delete(s.dims, collection)
	return nil
}

// Close implements Store. Persistent writes are synchronous.
func (s *ChromemStore) Close() error {
	return nil
}

func recordMetadata(r Record) map[string]string {
	m := make(map[string]string, len(r.Metadata)+5)
	for k, v := range r.Metadata {
		m[k] = v
	}
	m[MetaDocumentID] = r.DocumentID
	m[MetaDocumentName] = r.DocumentName
	m[MetaChunkIndex] = strconv.Itoa(r.ChunkIndex)
	m[MetaContentType] = r.ContentType
	m[MetaCreatedAt] = r.CreatedAt.UTC().Format(time.RFC3339)
	return m
}

func recordFromMetadata(id, content string, meta map[string]string) Record {
	r := Record{
		ID:           id,
		Content:      content,
		DocumentID:   meta[MetaDocumentID],
		DocumentName: meta[MetaDocumentName],
		ContentType:  meta[MetaContentType],
		Metadata:     make(map[string]string),
	}
	r.ChunkIndex, _ = strconv.Atoi(meta[MetaChunkIndex])
	r.CreatedAt, _ = time.Parse(time.RFC3339, meta[MetaCreatedAt])
	for k, v := range meta {
		switch k {
		case MetaDocumentID, MetaDocumentName, MetaChunkIndex, MetaContentType, MetaCreatedAt:
		default:
			r.Metadata[k] = v
		}
	}
	return r
}
