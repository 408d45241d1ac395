// Package database provides shared database helpers for tests.
package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sessionworks/maestro/pkg/database"
)

// NewTestClient creates a sqlite-backed database client for tests.
// Each test gets its own database file under t.TempDir(); AutoMigrate
// builds the schema from the row models, mirroring the SQL migrations.
// The connection is closed automatically when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()

	path := filepath.Join(t.TempDir(), "maestro_test.db")
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, gdb.AutoMigrate(database.AllModels()...))

	client, err := database.NewClientFromGorm(gdb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}
