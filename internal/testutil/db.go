// Package testutil provides database setup and data builders for tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/memva/memva/internal/infrastructure/sqlite"
)

// NewTestDB creates a migrated store backed by a file in a per-test
// temp directory. A file is used rather than :memory: because the
// store opens separate writer and reader pools, which would each get
// their own private in-memory database. Closed via t.Cleanup.
func NewTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "memva-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
