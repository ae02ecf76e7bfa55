// Package inbox uploads documents dropped into a watched directory.
//
// The layout is <dir>/<project_id>/<file>. A file is ingested once it has
// not been written to for the settle delay; it is removed after a
// successful upload and renamed with a .failed suffix otherwise.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// DefaultSettle is how long a file must be quiet before it is ingested.
const DefaultSettle = 500 * time.Millisecond

const failedSuffix = ".failed"

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Ingester is the part of *ingest.Service the inbox uses.
type Ingester interface {
	Upload(ctx context.Context, projectID, name string, r io.Reader, size int64) (pipeline.DocumentRef, error)
	IndexDocument(ctx context.Context, projectID string, ref pipeline.DocumentRef) (*pipeline.ParsedDocument, []string, error)
}

// Options configures a Watcher.
type Options struct {
	// Index parses and indexes each document after upload.
	Index  bool
	Settle time.Duration
}

// Result reports one ingested file.
type Result struct {
	ProjectID string
	Path      string
	Ref       pipeline.DocumentRef
	Err       error
}

// Watcher watches an inbox directory.
type Watcher struct {
	dir      string
	ingester Ingester
	opts     Options
	logger   *zap.Logger
	watcher  *fsnotify.Watcher

	results chan Result
	ready   chan string
	stop    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New creates a Watcher for dir. Call Start to begin watching.
func New(dir string, ingester Ingester, opts Options, logger *zap.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, errors.New("inbox directory is required")
	}
	if ingester == nil {
		return nil, errors.New("ingester is required")
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &Watcher{
		dir:      dir,
		ingester: ingester,
		opts:     opts,
		logger:   logger.With(zap.String("inbox", dir)),
		watcher:  fw,
		results:  make(chan Result, 16),
		ready:    make(chan string, 64),
		stop:     make(chan struct{}),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Start watches the inbox and every project directory in it. Files already
// present are queued.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating inbox: %w", err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching inbox: %w", err)
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading inbox: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && !hidden(e.Name()) {
			w.addProject(filepath.Join(w.dir, e.Name()))
		}
	}
	go w.run(ctx)
	w.logger.Info("inbox watcher started")
	return nil
}

// Stop stops watching. Pending files are left in place.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
		w.mu.Lock()
		for path, t := range w.pending {
			t.Stop()
			delete(w.pending, path)
		}
		w.mu.Unlock()
	})
}

// Results returns ingested files. Results are dropped when nobody reads.
func (w *Watcher) Results() <-chan Result {
	return w.results
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			w.Stop()
			return
		case path := <-w.ready:
			w.ingest(ctx, path)
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("inbox watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if hidden(filepath.Base(event.Name)) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	parent := filepath.Dir(event.Name)
	switch {
	case info.IsDir() && filepath.Clean(parent) == filepath.Clean(w.dir):
		w.addProject(event.Name)
	case info.Mode().IsRegular() && filepath.Dir(parent) == filepath.Clean(w.dir):
		w.schedule(event.Name)
	}
}

// addProject watches a project directory and queues its files.
func (w *Watcher) addProject(dir string) {
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn("watching project directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Warn("reading project directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.Type().IsRegular() && !hidden(e.Name()) {
			w.schedule(filepath.Join(dir, e.Name()))
		}
	}
}

// schedule (re)arms the settle timer of path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.opts.Settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.opts.Settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		case <-w.stop:
		}
	})
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	projectID := filepath.Base(filepath.Dir(path))
	res := Result{ProjectID: projectID, Path: path}
	res.Ref, res.Err = w.upload(ctx, projectID, path)

	logger := w.logger.With(zap.String("project_id", projectID), zap.String("file", filepath.Base(path)))
	if res.Err != nil {
		logger.Warn("inbox file rejected", zap.Error(res.Err))
		if err := os.Rename(path, path+failedSuffix); err != nil && !os.IsNotExist(err) {
			logger.Warn("marking inbox file failed", zap.Error(err))
		}
	} else {
		logger.Info("inbox file ingested", zap.String("document_id", res.Ref.ID))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("removing inbox file", zap.Error(err))
		}
	}

	select {
	case w.results <- res:
	default:
	}
}

func (w *Watcher) upload(ctx context.Context, projectID, path string) (pipeline.DocumentRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return pipeline.DocumentRef{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return pipeline.DocumentRef{}, err
	}

	ref, err := w.ingester.Upload(ctx, projectID, filepath.Base(path), f, info.Size())
	if err != nil {
		return pipeline.DocumentRef{}, err
	}
	if w.opts.Index {
		if _, _, err := w.ingester.IndexDocument(ctx, projectID, ref); err != nil {
			return ref, fmt.Errorf("indexing %s: %w", ref.ID, err)
		}
	}
	return ref, nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, failedSuffix)
}
