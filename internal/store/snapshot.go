package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Snapshot mirrors a store's entries into a sqlite file so a restart reads
// back every surviving record's last observed state. Writes are
// write-through (at-least-once); readers only touch it at startup.
type Snapshot struct {
	db    *sql.DB
	table string
}

// OpenSnapshot opens (creating if needed) the snapshot file at path with a
// single entries table.
func OpenSnapshot(path, table string) (*Snapshot, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id         TEXT PRIMARY KEY,
		record     BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`, table)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot table %s: %w", table, err)
	}

	return &Snapshot{db: db, table: table}, nil
}

// Put upserts one entry, serialized as JSON.
func (s *Snapshot) Put(id string, record any, updatedAtUnix int64) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal snapshot record %s: %w", id, err)
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (id, record, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		s.table)
	_, err = s.db.Exec(query, id, data, updatedAtUnix)
	return err
}

// Delete removes one entry.
func (s *Snapshot) Delete(id string) error {
	_, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table), id)
	return err
}

// Clear removes all entries.
func (s *Snapshot) Clear() error {
	_, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s", s.table))
	return err
}

// LoadAll streams every stored entry to fn in insertion order.
func (s *Snapshot) LoadAll(fn func(id string, record []byte) error) error {
	rows, err := s.db.Query(fmt.Sprintf("SELECT id, record FROM %s ORDER BY updated_at", s.table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var record []byte
		if err := rows.Scan(&id, &record); err != nil {
			return err
		}
		if err := fn(id, record); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close releases the underlying database handle.
func (s *Snapshot) Close() error {
	return s.db.Close()
}
