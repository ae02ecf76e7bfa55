// Package vectorstore stores precomputed chunk embeddings, one collection per
// project, and answers nearest-neighbour queries over them.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrDimensionMismatch marks an insert whose vector width differs from
	// the width the collection was created with. It is not recoverable.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrEmptyRecords indicates an empty insert batch.
	ErrEmptyRecords = errors.New("empty or nil records")

	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// DimensionMismatchError reports the widths involved in a mismatch.
type DimensionMismatchError struct {
	Collection string
	Want       int
	Got        int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("collection %s holds %d-dimensional vectors, got %d", e.Collection, e.Want, e.Got)
}

// Is matches ErrDimensionMismatch.
func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// Record is one indexed chunk.
type Record struct {
	ID           string
	DocumentID   string
	DocumentName string
	ChunkIndex   int
	Content      string
	ContentType  string
	Embedding    []float32
	CreatedAt    time.Time
	Metadata     map[string]string
}

// Hit is a search result. Embedding is not populated.
type Hit struct {
	Record
	Score float32
}

// Query describes a similarity search.
type Query struct {
	Vector []float32
	TopK   int
	// DocumentIDs restricts hits to these documents when non-empty.
	DocumentIDs []string
}

// CollectionInfo describes a collection.
type CollectionInfo struct {
	Name       string `json:"name"`
	PointCount int    `json:"point_count"`
	VectorSize int    `json:"vector_size"`
}

// Store is implemented by ChromemStore and QdrantStore.
type Store interface {
	// Upsert inserts or replaces records, creating the collection on first
	// use with the width of the batch. All records in a batch must share one
	// width; a width differing from the collection's fails with an error
	// matching ErrDimensionMismatch.
	Upsert(ctx context.Context, collection string, records []Record) error

	// Search returns up to q.TopK hits ordered by descending score. A
	// missing collection returns ErrCollectionNotFound.
	Search(ctx context.Context, collection string, q Query) ([]Hit, error)

	// DeleteByDocument removes every record of documentID. A missing
	// collection is not an error.
	DeleteByDocument(ctx context.Context, collection, documentID string) error

	// Info describes a collection or returns ErrCollectionNotFound.
	Info(ctx context.Context, collection string) (*CollectionInfo, error)

	// DeleteCollection drops a collection and its records.
	DeleteCollection(ctx context.Context, collection string) error

	Close() error
}

// Metadata keys written alongside every record.
const (
	MetaDocumentID   = "document_id"
	MetaDocumentName = "document_name"
	MetaChunkIndex   = "chunk_index"
	MetaContentType  = "content_type"
	MetaCreatedAt    = "created_at"
)

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName checks name against ^[a-z0-9_]{1,64}$.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

var unsafeNameChars = regexp.MustCompile(`[^a-z0-9_]`)

// CollectionName derives the collection for a project: prefix, an
// underscore, then the project ID lowercased with dashes turned into
// underscores, cut to 20 characters.
func CollectionName(prefix, projectID string) string {
	p := strings.ToLower(strings.ReplaceAll(projectID, "-", "_"))
	p = unsafeNameChars.ReplaceAllString(p, "")
	if len(p) > 20 {
		p = p[:20]
	}
	return prefix + "_" + p
}

// batchWidth returns the shared width of records or an error.
func batchWidth(collection string, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, ErrEmptyRecords
	}
	width := len(records[0].Embedding)
	if width == 0 {
		return 0, fmt.Errorf("record %s has no embedding", records[0].ID)
	}
	for _, r := range records[1:] {
		if len(r.Embedding) != width {
			return 0, &DimensionMismatchError{Collection: collection, Want: width, Got: len(r.Embedding)}
		}
	}
	return width, nil
}
