package store

import "github.com/jmoiron/sqlx"

// DB exposes the raw handle so tests can inspect table contents directly.
func DB(s *Store) *sqlx.DB {
	return s.db
}

// NewWithDB wires a Store around an injected handle for mock-driven tests.
func NewWithDB(db *sqlx.DB) *Store {
	return newWithDB(db)
}
