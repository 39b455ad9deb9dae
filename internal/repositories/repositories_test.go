package repositories

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// Registers itself as "sqlite" in database/sql.
	_ "modernc.org/sqlite"

	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
)

// newTestDB opens an isolated in-memory SQLite database with the full schema
// migrated. Every test gets its own database, so tests can run in parallel.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A single connection keeps every statement on the same in-memory
	// database; a second connection would see an empty schema.
	sqlDB.SetMaxOpenConns(1)

	gdb, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, gdb.AutoMigrate(
		&db.Job{},
		&db.Submission{},
		&db.DefenseSource{},
		&db.AttackFile{},
		&db.EvaluationRun{},
		&db.EvaluationResult{},
	))

	t.Cleanup(func() { _ = sqlDB.Close() })
	return gdb
}
