package inbox

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

type upload struct {
	projectID string
	name      string
	body      string
}

type fakeIngester struct {
	mu       sync.Mutex
	uploads  []upload
	indexed  []string
	failName string
}

func (f *fakeIngester) Upload(_ context.Context, projectID, name string, r io.Reader, _ int64) (pipeline.DocumentRef, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return pipeline.DocumentRef{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == f.failName {
		return pipeline.DocumentRef{}, errors.New("unsupported document")
	}
	f.uploads = append(f.uploads, upload{projectID: projectID, name: name, body: string(body)})
	return pipeline.DocumentRef{ID: "doc-" + name, Name: name}, nil
}

func (f *fakeIngester) IndexDocument(_ context.Context, _ string, ref pipeline.DocumentRef) (*pipeline.ParsedDocument, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, ref.ID)
	return &pipeline.ParsedDocument{DocumentID: ref.ID}, nil, nil
}

func startWatcher(t *testing.T, dir string, ing Ingester, opts Options) *Watcher {
	t.Helper()
	if opts.Settle == 0 {
		opts.Settle = 20 * time.Millisecond
	}
	w, err := New(dir, ing, opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		w.Stop()
	})
	require.NoError(t, w.Start(ctx))
	return w
}

func next(t *testing.T, w *Watcher) Result {
	t.Helper()
	select {
	case r := <-w.Results():
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for inbox result")
		return Result{}
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New("", &fakeIngester{}, Options{}, nil)
	assert.Error(t, err)
	_, err = New(t.TempDir(), nil, Options{}, nil)
	assert.Error(t, err)
}

func TestWatcher_IngestsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "proj-1")
	require.NoError(t, os.MkdirAll(project, 0o755))
	path := filepath.Join(project, "req.md")
	require.NoError(t, os.WriteFile(path, []byte("# 登录\n用户登录"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(project, ".hidden"), []byte("x"), 0o644))

	ing := &fakeIngester{}
	w := startWatcher(t, dir, ing, Options{Index: true})

	res := next(t, w)
	require.NoError(t, res.Err)
	assert.Equal(t, "proj-1", res.ProjectID)
	assert.Equal(t, "doc-req.md", res.Ref.ID)
	assert.NoFileExists(t, path)

	ing.mu.Lock()
	defer ing.mu.Unlock()
	require.Len(t, ing.uploads, 1)
	assert.Equal(t, "# 登录\n用户登录", ing.uploads[0].body)
	assert.Equal(t, []string{"doc-req.md"}, ing.indexed)
}

func TestWatcher_IngestsNewProjectFiles(t *testing.T) {
	dir := t.TempDir()
	ing := &fakeIngester{}
	w := startWatcher(t, dir, ing, Options{})

	project := filepath.Join(dir, "proj-2")
	require.NoError(t, os.MkdirAll(project, 0o755))
	// Give the watcher time to add the new directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(project, "requirements.txt"), []byte("orders"), 0o644))

	res := next(t, w)
	require.NoError(t, res.Err)
	assert.Equal(t, "proj-2", res.ProjectID)

	ing.mu.Lock()
	defer ing.mu.Unlock()
	assert.Empty(t, ing.indexed)
}

func TestWatcher_MarksFailedFiles(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "proj-3")
	require.NoError(t, os.MkdirAll(project, 0o755))
	path := filepath.Join(project, "broken.bin")
	require.NoError(t, os.WriteFile(path, []byte{0, 1}, 0o644))

	w := startWatcher(t, dir, &fakeIngester{failName: "broken.bin"}, Options{})

	res := next(t, w)
	assert.ErrorContains(t, res.Err, "unsupported document")
	assert.NoFileExists(t, path)
	assert.FileExists(t, path+failedSuffix)
}
