package migrate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"stageline/internal/db"
)

func TestMigrationsLoadForBothDialects(t *testing.T) {
	for _, d := range []db.Dialect{db.SQLite, db.Postgres} {
		ms, err := loadMigrations(d)
		require.NoError(t, err)
		require.NotEmpty(t, ms)
		require.Equal(t, 1, ms[0].Version)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(conn, dialect))
	require.NoError(t, Migrate(conn, dialect))

	var v int
	require.NoError(t, conn.QueryRow(`SELECT version FROM schema_version`).Scan(&v))
	require.Equal(t, 2, v)
}
