package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDSN(t *testing.T) {
	assert.Equal(t,
		"weft.db?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL",
		DSN("weft.db"))
	assert.Equal(t, ":memory:?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", DSN(":memory:"))
	assert.Contains(t, DSN("file:weft.db?cache=shared"), "cache=shared&_txlock=immediate")
}

func TestOpen(t *testing.T) {
	t.Run("opens database successfully", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		require.NotNil(t, db)
		defer db.Close()

		var journalMode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)

		var foreignKeys int
		require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 1, foreignKeys)

		var busyTimeout int
		require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, 5000, busyTimeout)
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/db.sqlite", nil)
		assert.Error(t, err)
		assert.Nil(t, db)
	})

	t.Run("creates database file if it doesn't exist", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "new.db")

		_, err := os.Stat(dbPath)
		assert.True(t, os.IsNotExist(err))

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("in-memory database uses a single connection", func(t *testing.T) {
		db, err := Open(":memory:", nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec("CREATE TABLE probe (id INTEGER)")
		require.NoError(t, err)
		// A second pooled connection would see an empty database
		var n int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM probe").Scan(&n))
		assert.Equal(t, 1, db.Stats().MaxOpenConnections)
	})
}

func TestOpen_WithLogger(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	defer db.Close()
}

func TestIsDatabaseClosed(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	db.Close()

	_, err = db.Exec("SELECT 1")
	require.Error(t, err)
	assert.True(t, IsDatabaseClosed(err))
	assert.False(t, IsDatabaseClosed(nil))
}

func TestIsUniqueViolation(t *testing.T) {
	db, err := OpenWithMigrations(":memory:", nil)
	require.NoError(t, err)
	defer db.Close()

	insert := `INSERT INTO variables (id, revision, execution_id, process_instance_id, name, type)
		VALUES (?, 1, 'e-1', 'e-1', 'amount', 'long')`
	_, err = db.Exec(insert, "v-1")
	require.NoError(t, err)

	_, err = db.Exec(insert, "v-2")
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err), "second variable with the same name on one execution")
	assert.False(t, IsBusy(err))

	_, err = db.Exec(insert, "v-1")
	assert.True(t, IsUniqueViolation(err), "duplicate primary key")
}
