// Package loader extracts text from stored documents.
package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/docstore"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// ErrUnsupportedFormat is wrapped for document types without a text reader.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// ErrTooLarge is wrapped when a document exceeds the read limit.
var ErrTooLarge = errors.New("document exceeds size limit")

// DefaultMaxBytes bounds how much of one document is read.
const DefaultMaxBytes = 32 << 20

// Loader returns the text of a document. Every failure is a
// *pipeline.LoadFailure.
type Loader interface {
	Load(ctx context.Context, ref pipeline.DocumentRef) (string, error)
}

var textTypes = map[string]bool{
	"md":       true,
	"markdown": true,
	"txt":      true,
	"text":     true,
	"csv":      true,
	"json":     true,
	"yaml":     true,
	"yml":      true,
	"html":     true,
	"htm":      true,
}

// IsText reports whether docType is read as plain text.
func IsText(docType string) bool {
	return textTypes[strings.ToLower(docType)]
}

// StoreLoader reads documents from a docstore.Store.
type StoreLoader struct {
	store    docstore.Store
	maxBytes int64
	logger   *zap.Logger
}

// New creates a StoreLoader. maxBytes <= 0 uses DefaultMaxBytes.
func New(store docstore.Store, maxBytes int64, logger *zap.Logger) *StoreLoader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreLoader{store: store, maxBytes: maxBytes, logger: logger}
}

// Load implements Loader.
func (l *StoreLoader) Load(ctx context.Context, ref pipeline.DocumentRef) (string, error) {
	fail := func(err error) (string, error) {
		return "", &pipeline.LoadFailure{DocumentID: ref.ID, Name: ref.Name, Err: err}
	}

	docType := ref.Type
	if docType == "" {
		docType = docstore.DetectType(ref.Name)
	}
	if !IsText(docType) {
		return fail(fmt.Errorf("%w: %q", ErrUnsupportedFormat, docType))
	}

	rc, err := l.store.Get(ctx, ref)
	if err != nil {
		return fail(err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, l.maxBytes+1))
	if err != nil {
		return fail(fmt.Errorf("reading: %w", err))
	}
	if int64(len(data)) > l.maxBytes {
		return fail(fmt.Errorf("%w (%d bytes)", ErrTooLarge, l.maxBytes))
	}

	text := Decode(data)
	l.logger.Debug("document loaded",
		zap.String("document_id", ref.ID),
		zap.String("type", docType),
		zap.Int("chars", utf8.RuneCountInString(text)),
	)
	return text, nil
}

// Decode turns raw bytes into text: a UTF-8 byte order mark is dropped,
// invalid sequences are removed and line endings are normalized to "\n".
func Decode(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	text := strings.ToValidUTF8(string(data), "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}
