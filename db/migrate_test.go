package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations_EmbeddedForBothDialects(t *testing.T) {
	for _, dialect := range []string{DialectPostgres, DialectSQLite} {
		migrations, err := Migrations(dialect)
		require.NoError(t, err, dialect)
		require.NotEmpty(t, migrations, dialect)
		assert.Equal(t, "001_init", migrations[0].Version)
		assert.Contains(t, migrations[0].SQL, "CREATE TABLE IF NOT EXISTS quotes")
	}

	_, err := Migrations("oracle")
	assert.Error(t, err)
}

func TestMigrateSQLite_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "quickcover.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	n, err := MigrateSQLite(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = MigrateSQLite(ctx, conn)
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, table := range []string{"users", "revoked_tokens", "quotes", "idempotency", "outbox"} {
		var name string
		err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		assert.NoError(t, err, table)
	}
}

func TestOpenSQLite_RejectsEmptyPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "")
	assert.Error(t, err)
}
