package docstore

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

func TestBucketName(t *testing.T) {
	assert.Equal(t, "testgen-6f1c2d3eaaaabbbbcccc", BucketName("testgen-", "6F1C2D3E-AAAA-BBBB-CCCC-DDDDEEEEFFFF"))
	assert.Equal(t, "docs-p1", BucketName("docs-", "p-1"))
}

func TestObjectName(t *testing.T) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 0, time.FixedZone("X", 3600))
	assert.Equal(t, "20250304_040607_需求.md", ObjectName(ts, "/tmp/uploads/需求.md"))
}

func TestDetectTypeAndContentType(t *testing.T) {
	assert.Equal(t, "pdf", DetectType("Requirements.PDF"))
	assert.Equal(t, "", DetectType("README"))
	assert.Equal(t, "text/markdown", ContentType("a.md"))
	assert.Equal(t, "application/octet-stream", ContentType("a.bin"))
}

func TestLocalStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }

	ref, err := s.Put(ctx, "proj-1", "login.md", strings.NewReader("# 登录"), -1)
	require.NoError(t, err)
	assert.NotEmpty(t, ref.ID)
	assert.Equal(t, "md", ref.Type)
	assert.Equal(t, "testgen-proj1", ref.Bucket)
	assert.Equal(t, "20250102_030405_login.md", ref.Key)
	assert.Equal(t, int64(len("# 登录")), ref.Size)

	rc, err := s.Get(ctx, ref)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "# 登录", string(data))

	require.NoError(t, s.Delete(ctx, ref))
	_, err = s.Get(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, ref), ErrNotFound)
}

func TestLocalStore_RejectsEscapes(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	_, err = s.Get(context.Background(), pipeline.DocumentRef{Bucket: "b", Key: "../../etc/passwd"})
	assert.Error(t, err)
}

func TestLocalStore_Validation(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	_, err = s.Put(context.Background(), "", "a.md", strings.NewReader("x"), 1)
	assert.Error(t, err)
	_, err = s.Put(context.Background(), "p", " ", strings.NewReader("x"), 1)
	assert.Error(t, err)
}

func TestNewMinioStore_Validation(t *testing.T) {
	_, err := NewMinioStore(MinioConfig{}, nil)
	assert.Error(t, err)
	_, err = NewMinioStore(MinioConfig{Endpoint: "localhost:9000"}, nil)
	assert.Error(t, err)

	s, err := NewMinioStore(MinioConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultBucketPrefix, s.prefix)
}
