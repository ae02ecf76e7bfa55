package docstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// MinioConfig configures a MinioStore.
type MinioConfig struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UseSSL       bool
	Region       string
	BucketPrefix string
}

// MinioStore keeps documents in S3-compatible object storage.
type MinioStore struct {
	client  *minio.Client
	prefix  string
	region  string
	logger  *zap.Logger
	buckets sync.Map // bucket name -> struct{}
	now     func() time.Time
}

// NewMinioStore creates a client for cfg. Buckets are created on first use.
func NewMinioStore(cfg MinioConfig, logger *zap.Logger) (*MinioStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("object storage endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("object storage access key and secret key are required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.BucketPrefix == "" {
		cfg.BucketPrefix = DefaultBucketPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init object storage client: %w", err)
	}
	return &MinioStore{
		client: client,
		prefix: cfg.BucketPrefix,
		region: cfg.Region,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context, bucket string) error {
	if _, ok := s.buckets.Load(bucket); ok {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			// Lost a creation race with another uploader.
			if minio.ToErrorResponse(err).Code != "BucketAlreadyOwnedByYou" {
				return err
			}
		}
		s.logger.Info("created bucket", zap.String("bucket", bucket))
	}
	s.buckets.Store(bucket, struct{}{})
	return nil
}

// Put implements Store.
func (s *MinioStore) Put(ctx context.Context, projectID, name string, r io.Reader, size int64) (pipeline.DocumentRef, error) {
	if err := validate(projectID, name); err != nil {
		return pipeline.DocumentRef{}, err
	}
	bucket := BucketName(s.prefix, projectID)
	if err := s.ensureBucket(ctx, bucket); err != nil {
		return pipeline.DocumentRef{}, fmt.Errorf("ensure bucket %s: %w", bucket, err)
	}

	key := ObjectName(s.now(), name)
	info, err := s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType: ContentType(name),
	})
	if err != nil {
		return pipeline.DocumentRef{}, fmt.Errorf("upload %s: %w", name, err)
	}

	s.logger.Debug("document uploaded",
		zap.String("bucket", bucket),
		zap.String("key", key),
		zap.Int64("size", info.Size),
	)
	return pipeline.DocumentRef{
		ID:     uuid.NewString(),
		Name:   name,
		Type:   DetectType(name),
		Bucket: bucket,
		Key:    key,
		Size:   info.Size,
	}, nil
}

// Get implements Store.
func (s *MinioStore) Get(ctx context.Context, ref pipeline.DocumentRef) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, ref.Bucket, ref.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapErr(ref, err)
	}
	// GetObject is lazy; Stat surfaces a missing object before reading.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, s.mapErr(ref, err)
	}
	return obj, nil
}

// Delete implements Store.
func (s *MinioStore) Delete(ctx context.Context, ref pipeline.DocumentRef) error {
	if err := s.client.RemoveObject(ctx, ref.Bucket, ref.Key, minio.RemoveObjectOptions{}); err != nil {
		return s.mapErr(ref, err)
	}
	return nil
}

func (s *MinioStore) mapErr(ref pipeline.DocumentRef, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return wrapNotFound(ref)
	}
	return fmt.Errorf("object %s/%s: %w", ref.Bucket, ref.Key, err)
}
