package persistence

import "database/sql"

// NewPostgresStore initializes the record tables in db and returns a Store
// over them. db is expected to use the pgx stdlib driver:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, err := sql.Open("pgx", dsn)
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, dialect{name: "postgres", blobType: "BYTEA", numbered: true})
}
