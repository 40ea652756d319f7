package persistence

import "database/sql"

// NewSQLiteStore initializes the record tables in db and returns a Store
// over them.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, dialect{name: "sqlite", blobType: "BLOB"})
}
