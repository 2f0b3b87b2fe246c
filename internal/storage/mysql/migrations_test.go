package mysql

import (
	"context"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_memory.sql": {Data: []byte("CREATE TABLE b (id INT);\n\n")},
		"0001_tasks.sql":  {Data: []byte("CREATE TABLE a (id INT); CREATE INDEX i ON a (id);")},
		"README.md":       {Data: []byte("ignored")},
		"0003_empty.sql":  {Data: []byte("  ;  ")},
	}
	files, err := loadMigrationFiles(fsys)
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Equal(t, "0001", files[0].version)
	require.Len(t, files[0].statements, 2)
	require.Equal(t, "0002", files[1].version)
}

func TestEmbeddedMigrationsCoverTables(t *testing.T) {
	files, err := loadMigrationFiles(embeddedMigrations)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(files), 2)
	joined := ""
	for _, f := range files {
		for _, stmt := range f.statements {
			joined += stmt
		}
	}
	require.Contains(t, joined, "task_archive")
	require.Contains(t, joined, "memory_records")
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	original := embeddedMigrations
	embeddedMigrations = fstest.MapFS{
		"0001_a.sql": {Data: []byte("CREATE TABLE a (id INT)")},
		"0002_b.sql": {Data: []byte("CREATE TABLE b (id INT)")},
	}
	defer func() { embeddedMigrations = original }()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b (id INT)")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations")).
		WithArgs("0002", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, Migrate(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRejectsBadDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
	_, err = Open(context.Background(), Config{DSN: "not a dsn"})
	require.Error(t, err)
}
