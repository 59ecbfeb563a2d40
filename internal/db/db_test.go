package db

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := `SELECT id FROM stages WHERE project_id=? AND status='?' AND stage_order>?`
	require.Equal(t, q, Rebind(SQLite, q))
	require.Equal(t, `SELECT id FROM stages WHERE project_id=$1 AND status='?' AND stage_order>$2`, Rebind(Postgres, q))
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("")
	require.NoError(t, err)
	require.Equal(t, SQLite, d)
	d, err = ParseDialect("PostgreSQL")
	require.NoError(t, err)
	require.Equal(t, Postgres, d)
	_, err = ParseDialect("mysql")
	require.Error(t, err)
}

func TestTxOptions(t *testing.T) {
	require.Nil(t, SQLite.TxOptions(false))
	opts := Postgres.TxOptions(false)
	require.NotNil(t, opts)
	require.Equal(t, sql.LevelSerializable, opts.Isolation)
	require.False(t, opts.ReadOnly)
	require.True(t, Postgres.TxOptions(true).ReadOnly)
}

func TestIsConflict(t *testing.T) {
	require.False(t, IsConflict(nil))
	require.True(t, IsConflict(errors.New("constraint failed: UNIQUE constraint failed: work_packages.project_id, work_packages.reference (2067)")))
	require.True(t, IsConflict(errors.New("database is locked (5) (SQLITE_BUSY)")))
	require.True(t, IsConflict(fmt.Errorf("update: %w", &pgconn.PgError{Code: "40001"})))
	require.False(t, IsConflict(&pgconn.PgError{Code: "23503"}))
	require.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsUniqueViolation(errors.New("SQLITE_BUSY")))
}
