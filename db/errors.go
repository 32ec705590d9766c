package db

import (
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/weft/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database.
// This typically occurs during graceful shutdown when the database connection
// is closed before all goroutines have finished their work.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// This handles both:
// - Wrapped ErrDatabaseClosed errors from this package
// - Raw sql driver errors that contain "database is closed" in their message
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}

	// The database/sql package returns an unexported error value here
	return strings.Contains(err.Error(), "sql: database is closed")
}

func sqliteError(err error) (sqlite3.Error, bool) {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se, true
	}
	var sep *sqlite3.Error
	if errors.As(err, &sep) && sep != nil {
		return *sep, true
	}
	return sqlite3.Error{}, false
}

// IsUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure.
func IsUniqueViolation(err error) bool {
	se, ok := sqliteError(err)
	if !ok {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// IsBusy reports that the database stayed locked past busy_timeout.
func IsBusy(err error) bool {
	se, ok := sqliteError(err)
	if !ok {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}
