package repository

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/testgen/internal/database"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

type backend interface {
	Repository
	Documents
}

func backends(t *testing.T) map[string]backend {
	t.Helper()
	db, err := database.Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return map[string]backend{
		"sql":    NewSQL(db, nil),
		"memory": NewMemory(),
	}
}

func TestSave_ReturnsIDsInOrder(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fps := []any{
				pipeline.FunctionPoint{ID: "fp-1", Name: "login"},
				pipeline.FunctionPoint{Name: "logout"},
			}
			ids, err := repo.Save(ctx, KindFunctionPoint, "run-1", "proj", fps)
			require.NoError(t, err)
			require.Len(t, ids, 2)
			assert.Equal(t, "fp-1", ids[0])
			assert.NotEmpty(t, ids[1])

			got, err := repo.List(ctx, "proj", KindFunctionPoint)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "fp-1", got[0].ID)
			assert.Equal(t, "run-1", got[0].RunID)

			var fp pipeline.FunctionPoint
			require.NoError(t, json.Unmarshal(got[0].Payload, &fp))
			assert.Equal(t, "login", fp.Name)

			empty, err := repo.Save(ctx, KindTestCase, "run-1", "proj", nil)
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestSave_OverwritesByID(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := repo.Save(ctx, KindTestCase, "r", "p", []any{pipeline.TestCase{ID: "tc", Title: "v1"}})
			require.NoError(t, err)
			_, err = repo.Save(ctx, KindTestCase, "r", "p", []any{pipeline.TestCase{ID: "tc", Title: "v2"}})
			require.NoError(t, err)

			got, err := repo.List(ctx, "p", KindTestCase)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Contains(t, string(got[0].Payload), "v2")
		})
	}
}

func TestDeleteBy_RemovesDescendants(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := repo.Save(ctx, KindFunctionPoint, "r", "p", []any{
				pipeline.FunctionPoint{ID: "fp-a", DocumentID: "doc-a"},
				pipeline.FunctionPoint{ID: "fp-b", DocumentID: "doc-b"},
			})
			require.NoError(t, err)
			_, err = repo.Save(ctx, KindTestCase, "r", "p", []any{
				pipeline.TestCase{ID: "tc-a", FunctionPointID: "fp-a"},
				pipeline.TestCase{ID: "tc-b", FunctionPointID: "fp-b"},
			})
			require.NoError(t, err)
			_, err = repo.Save(ctx, KindTestScript, "r", "p", []any{
				pipeline.TestScript{ID: "ts-a", TestCaseID: "tc-a"},
			})
			require.NoError(t, err)
			_, err = repo.Save(ctx, KindMindMap, "r", "p", []any{pipeline.MindMap{}})
			require.NoError(t, err)

			require.NoError(t, repo.DeleteBy(ctx, "doc-a"))

			all, err := repo.List(ctx, "p", "")
			require.NoError(t, err)
			var ids []string
			for _, a := range all {
				ids = append(ids, a.ID)
			}
			assert.NotContains(t, ids, "fp-a")
			assert.NotContains(t, ids, "tc-a")
			assert.NotContains(t, ids, "ts-a")
			assert.Contains(t, ids, "fp-b")
			assert.Contains(t, ids, "tc-b")
			assert.Len(t, all, 3)

			assert.NoError(t, repo.DeleteBy(ctx, "unknown"))
		})
	}
}

func TestDocuments(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := pipeline.DocumentRef{ID: "d1", Name: "a.md", Type: "md", Bucket: "b", Key: "k1", Size: 3}
			b := pipeline.DocumentRef{ID: "d2", Name: "b.txt", Type: "txt", Bucket: "b", Key: "k2"}
			require.NoError(t, repo.PutDocument(ctx, "p", a))
			require.NoError(t, repo.PutDocument(ctx, "p", b))

			got, err := repo.GetDocument(ctx, "p", "d1")
			require.NoError(t, err)
			assert.Equal(t, a, got)

			_, err = repo.GetDocument(ctx, "other", "d1")
			assert.ErrorIs(t, err, ErrNotFound)

			list, err := repo.ListDocuments(ctx, "p")
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "d1", list[0].ID)

			require.NoError(t, repo.DeleteDocument(ctx, "p", "d1"))
			assert.ErrorIs(t, repo.DeleteDocument(ctx, "p", "d1"), ErrNotFound)
		})
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("test_script")
	require.NoError(t, err)
	assert.Equal(t, KindTestScript, k)
	_, err = ParseKind("poem")
	assert.Error(t, err)
}
