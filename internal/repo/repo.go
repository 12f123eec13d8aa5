// Package repo provides durable CRUD over workflows, runs, step executions
// and idempotency keys. All persistence goes through a Store; nothing else
// in the engine touches the database.
package repo

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Store wraps the shared connection pool.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an open pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = sql.ErrNoRows

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return raw, nil
}

func unmarshalJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
