package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// LocalStore keeps documents under a directory, one subdirectory per
// project bucket. It serves single-node deployments and tests.
type LocalStore struct {
	root   string
	prefix string
	now    func() time.Time
}

// NewLocalStore creates root if needed.
func NewLocalStore(root, bucketPrefix string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("local document directory is required")
	}
	if bucketPrefix == "" {
		bucketPrefix = DefaultBucketPrefix
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating document directory: %w", err)
	}
	return &LocalStore{root: root, prefix: bucketPrefix, now: time.Now}, nil
}

// Put implements Store.
func (s *LocalStore) Put(ctx context.Context, projectID, name string, r io.Reader, _ int64) (pipeline.DocumentRef, error) {
	if err := validate(projectID, name); err != nil {
		return pipeline.DocumentRef{}, err
	}
	if err := ctx.Err(); err != nil {
		return pipeline.DocumentRef{}, err
	}

	bucket := BucketName(s.prefix, projectID)
	dir := filepath.Join(s.root, bucket)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return pipeline.DocumentRef{}, fmt.Errorf("creating bucket %s: %w", bucket, err)
	}

	key := ObjectName(s.now(), name)
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return pipeline.DocumentRef{}, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return pipeline.DocumentRef{}, fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, key)); err != nil {
		_ = os.Remove(tmp.Name())
		return pipeline.DocumentRef{}, err
	}

	return pipeline.DocumentRef{
		ID:     uuid.NewString(),
		Name:   name,
		Type:   DetectType(name),
		Bucket: bucket,
		Key:    key,
		Size:   n,
	}, nil
}

// Get implements Store. A ref without a bucket is read as a plain path.
func (s *LocalStore) Get(_ context.Context, ref pipeline.DocumentRef) (io.ReadCloser, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, wrapNotFound(ref)
	}
	return f, err
}

// Delete implements Store.
func (s *LocalStore) Delete(_ context.Context, ref pipeline.DocumentRef) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); errors.Is(err, fs.ErrNotExist) {
		return wrapNotFound(ref)
	} else if err != nil {
		return err
	}
	return nil
}

func (s *LocalStore) path(ref pipeline.DocumentRef) (string, error) {
	if ref.Bucket == "" {
		return ref.Key, nil
	}
	p := filepath.Join(s.root, ref.Bucket, ref.Key)
	rel, err := filepath.Rel(s.root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("object %s/%s escapes the document directory", ref.Bucket, ref.Key)
	}
	return p, nil
}
