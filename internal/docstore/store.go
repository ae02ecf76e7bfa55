// Package docstore keeps uploaded source documents, one bucket per project.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// ErrNotFound is returned when a document object does not exist.
var ErrNotFound = errors.New("document not found")

// DefaultBucketPrefix prefixes every project bucket.
const DefaultBucketPrefix = "testgen-"

// Store persists document bytes.
type Store interface {
	// Put stores r under a timestamped object name in the project's bucket.
	// size may be -1 when unknown.
	Put(ctx context.Context, projectID, name string, r io.Reader, size int64) (pipeline.DocumentRef, error)
	Get(ctx context.Context, ref pipeline.DocumentRef) (io.ReadCloser, error)
	Delete(ctx context.Context, ref pipeline.DocumentRef) error
}

// BucketName is prefix followed by the project ID without dashes,
// lowercased and cut to 20 characters.
func BucketName(prefix, projectID string) string {
	safe := strings.ToLower(strings.ReplaceAll(projectID, "-", ""))
	if len(safe) > 20 {
		safe = safe[:20]
	}
	return prefix + safe
}

// ObjectName prefixes name with a UTC timestamp so repeated uploads of one
// file do not collide.
func ObjectName(now time.Time, name string) string {
	return now.UTC().Format("20060102_150405") + "_" + filepath.Base(name)
}

// DetectType returns the lowercased extension of name without the dot.
func DetectType(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}

var contentTypes = map[string]string{
	"pdf":  "application/pdf",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"doc":  "application/msword",
	"md":   "text/markdown",
	"txt":  "text/plain",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"xls":  "application/vnd.ms-excel",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"ppt":  "application/vnd.ms-powerpoint",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
}

// ContentType maps a file name to its MIME type.
func ContentType(name string) string {
	if ct, ok := contentTypes[DetectType(name)]; ok {
		return ct
	}
	return "application/octet-stream"
}

func validate(projectID, name string) error {
	if strings.TrimSpace(projectID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(name) == "" {
		return errors.New("document name is required")
	}
	return nil
}

func wrapNotFound(ref pipeline.DocumentRef) error {
	return fmt.Errorf("%w: %s/%s", ErrNotFound, ref.Bucket, ref.Key)
}
