package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_SQLiteMigrates(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	v, err := db.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion(), v)

	for _, table := range []string{"documents", "artifacts", "checkpoints"} {
		var n int
		err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
		assert.NoError(t, err, table)
	}
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "testgen.db")

	db, err := Open(ctx, "sqlite", path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, "sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var rows int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version").Scan(&rows))
	assert.Equal(t, len(migrations), rows)
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(context.Background(), "sqlite", "")
	assert.Error(t, err)
	_, err = Open(context.Background(), "oracle", "x")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = '?' AND c IN (?, ?)"
	assert.Equal(t, q, rebind(DriverSQLite, q))
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = '?' AND c IN ($2, $3)", rebind(DriverPostgres, q))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", Placeholders(0))
	assert.Equal(t, "?", Placeholders(1))
	assert.Equal(t, "?,?,?", Placeholders(3))
}
