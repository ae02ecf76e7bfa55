package retriever

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/segmenter"
	"github.com/fyrsmithlabs/testgen/internal/vectorstore"
)

// bagEmbedder hashes words into a fixed number of buckets.
type bagEmbedder struct {
	width int
	err   error
}

func (b bagEmbedder) vec(text string) []float32 {
	v := make([]float32, b.width)
	for _, w := range strings.Fields(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[int(h.Sum32())%b.width]++
	}
	v[0] += 0.01
	return v
}

func (b bagEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = b.vec(t)
	}
	return out, nil
}

func (b bagEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.vec(text), nil
}

func newRetriever(t *testing.T, width int) (*Retriever, *vectorstore.ChromemStore) {
	t.Helper()
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return New(store, bagEmbedder{width: width}, Options{}, zaptest.NewLogger(t)), store
}

func chunksOf(doc string, texts ...string) []segmenter.Chunk {
	out := make([]segmenter.Chunk, len(texts))
	for i, text := range texts {
		out[i] = segmenter.Chunk{Sequence: i, Text: text, CharCount: utf8.RuneCountInString(text), SourceDocumentID: doc}
	}
	return out
}

func TestIndex_WritesOneRecordPerChunk(t *testing.T) {
	ctx := context.Background()
	r, store := newRetriever(t, 32)

	n, err := r.Index(ctx, "proj-1", DocumentMeta{ID: "doc1", Name: "login.md"},
		chunksOf("doc1", "user login with password", "password reset by email"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	info, err := store.Info(ctx, "doc_vectors_proj_1")
	require.NoError(t, err)
	assert.Equal(t, 2, info.PointCount)
	assert.Equal(t, 32, info.VectorSize)

	// Re-indexing the same chunk IDs replaces rather than duplicates.
	_, err = r.Index(ctx, "proj-1", DocumentMeta{ID: "doc1", Name: "login.md"},
		chunksOf("doc1", "user login with password", "password reset by email"))
	require.NoError(t, err)
	info, err = store.Info(ctx, "doc_vectors_proj_1")
	require.NoError(t, err)
	assert.Equal(t, 2, info.PointCount)
}

func TestIndex_EmptyChunks(t *testing.T) {
	r, _ := newRetriever(t, 8)
	n, err := r.Index(context.Background(), "p", DocumentMeta{ID: "d"}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIndex_DimensionMismatchIsFatal(t *testing.T) {
	ctx := context.Background()
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)

	first := New(store, bagEmbedder{width: 16}, Options{}, nil)
	_, err = first.Index(ctx, "p", DocumentMeta{ID: "a", Name: "a.md"}, chunksOf("a", "alpha"))
	require.NoError(t, err)

	second := New(store, bagEmbedder{width: 8}, Options{}, nil)
	_, err = second.Index(ctx, "p", DocumentMeta{ID: "b", Name: "b.md"}, chunksOf("b", "bravo"))
	require.Error(t, err)

	var dim *pipeline.IndexDimensionMismatch
	assert.ErrorAs(t, err, &dim)
	assert.True(t, pipeline.IsFatal(err))
}

func TestIndex_EmbeddingFailure(t *testing.T) {
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)
	boom := errors.New("endpoint down")
	r := New(store, bagEmbedder{width: 8, err: boom}, Options{}, nil)

	_, err = r.Index(context.Background(), "p", DocumentMeta{ID: "a"}, chunksOf("a", "x"))
	assert.ErrorIs(t, err, boom)
	assert.False(t, pipeline.IsFatal(err))
}

func TestRetrieve_FormatsHitsBySimilarity(t *testing.T) {
	ctx := context.Background()
	r, _ := newRetriever(t, 64)

	_, err := r.Index(ctx, "p", DocumentMeta{ID: "d1", Name: "登录需求.md"},
		chunksOf("d1", "login page password field", "shopping cart checkout"))
	require.NoError(t, err)

	got, err := r.Retrieve(ctx, "p", "login password", 1)
	require.NoError(t, err)
	assert.False(t, got.Miss)
	require.Len(t, got.Hits, 1)
	assert.Equal(t, "[文档: 登录需求.md]\nlogin page password field\n", got.Text)
}

func TestRetrieve_RestrictsToDocuments(t *testing.T) {
	ctx := context.Background()
	r, _ := newRetriever(t, 64)

	_, err := r.Index(ctx, "p", DocumentMeta{ID: "d1", Name: "one.md"}, chunksOf("d1", "login password"))
	require.NoError(t, err)
	_, err = r.Index(ctx, "p", DocumentMeta{ID: "d2", Name: "two.md"}, chunksOf("d2", "cart checkout"))
	require.NoError(t, err)

	got, err := r.Retrieve(ctx, "p", "login password", 5, "d2")
	require.NoError(t, err)
	require.Len(t, got.Hits, 1)
	assert.Equal(t, "d2", got.Hits[0].DocumentID)
}

// A project with nothing indexed yields an empty context, not an error.
func TestRetrieve_MissWithoutIndex(t *testing.T) {
	r, _ := newRetriever(t, 8)

	got, err := r.Retrieve(context.Background(), "never-indexed", "anything", 10)
	require.NoError(t, err)
	assert.True(t, got.Miss)
	assert.Empty(t, got.Text)
}

func TestRetrieve_MissAfterAllDocumentsDeleted(t *testing.T) {
	ctx := context.Background()
	r, _ := newRetriever(t, 8)
	_, err := r.Index(ctx, "p", DocumentMeta{ID: "d1", Name: "a.md"}, chunksOf("d1", "text"))
	require.NoError(t, err)

	require.NoError(t, r.DeleteDocument(ctx, "p", "d1"))

	got, err := r.Retrieve(ctx, "p", "text", 3)
	require.NoError(t, err)
	assert.True(t, got.Miss)
}

func TestRetrieve_InvalidTopK(t *testing.T) {
	r, _ := newRetriever(t, 8)
	_, err := r.Retrieve(context.Background(), "p", "q", 0)
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	r, _ := newRetriever(t, 8)

	info, err := r.Stats(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "doc_vectors_p", info.Name)
	assert.Zero(t, info.PointCount)

	_, err = r.Index(ctx, "p", DocumentMeta{ID: "d1"}, chunksOf("d1", "a", "b", "c"))
	require.NoError(t, err)
	info, err = r.Stats(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 3, info.PointCount)
}

func TestFallback(t *testing.T) {
	docs := []pipeline.ParsedDocument{
		{Name: "a.md", Content: "第一段"},
		{Name: "b.txt", Content: "second"},
	}
	assert.Equal(t, "=== 文档: a.md ===\n第一段\n\n=== 文档: b.txt ===\nsecond", Fallback(docs, 0))

	cut := Fallback(docs, 12)
	assert.Equal(t, 12, utf8.RuneCountInString(cut))
	assert.Equal(t, "=== 文档: a.md", cut)

	assert.Empty(t, Fallback(nil, 100))
}

func TestIndex_TruncatesStoredContent(t *testing.T) {
	ctx := context.Background()
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)
	r := New(store, bagEmbedder{width: 8}, Options{MaxContentChars: 5}, nil)

	_, err = r.Index(ctx, "p", DocumentMeta{ID: "d", Name: "d.md"}, chunksOf("d", "abcdefghij"))
	require.NoError(t, err)

	got, err := r.Retrieve(ctx, "p", "abcdefghij", 1)
	require.NoError(t, err)
	require.Len(t, got.Hits, 1)
	assert.Equal(t, "abcde", got.Hits[0].Content)
}
