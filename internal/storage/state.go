// Package storage persists resource state as versioned JSON rows.
package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store provides generic versioned state storage with JSON payloads.
// State is keyed by (kind, id) and stored as JSON blobs with version tracking.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore creates a new generic state store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get retrieves payload and version for a resource.
// Returns empty payload and version 0 if not found.
func (s *Store) Get(kind, id string) (payload []byte, version int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payloadStr string
	err = s.db.QueryRow(`
		SELECT payload, version FROM resource_state
		WHERE kind = ? AND id = ?
	`, kind, id).Scan(&payloadStr, &version)

	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	return []byte(payloadStr), version, nil
}

// Set stores payload. The version is bumped only when the payload changes.
func (s *Store) Set(kind, id string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(upsertSQL, kind, id, string(payload), time.Now().UTC().Unix())
	return err
}

const upsertSQL = `
	INSERT INTO resource_state (kind, id, payload, version, updated_at)
	VALUES (?, ?, ?, 1, ?)
	ON CONFLICT(kind, id) DO UPDATE SET
		payload = excluded.payload,
		version = version + 1,
		updated_at = excluded.updated_at
	WHERE payload != excluded.payload
`

// ReplaceAll makes payloads the complete set of rows for kind in one
// transaction. Rows whose payload did not change keep their version.
func (s *Store) ReplaceAll(kind string, payloads map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := idsLocked(tx, kind)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Unix()
	for id, payload := range payloads {
		if _, err := tx.Exec(upsertSQL, kind, id, string(payload), now); err != nil {
			return fmt.Errorf("failed to store %s/%s: %w", kind, id, err)
		}
		delete(existing, id)
	}

	for id := range existing {
		if _, err := tx.Exec(`DELETE FROM resource_state WHERE kind = ? AND id = ?`, kind, id); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", kind, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	log.Debug().Str("kind", kind).Int("rows", len(payloads)).Msg("Resource state replaced")
	return nil
}

func idsLocked(tx *sql.Tx, kind string) (map[string]struct{}, error) {
	rows, err := tx.Query(`SELECT id FROM resource_state WHERE kind = ?`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// Delete removes a resource state entry.
func (s *Store) Delete(kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM resource_state WHERE kind = ? AND id = ?
	`, kind, id)

	return err
}

// Clear removes all state for a kind. If kind is empty, clears all state.
func (s *Store) Clear(kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if kind == "" {
		_, err = s.db.Exec(`DELETE FROM resource_state`)
	} else {
		_, err = s.db.Exec(`DELETE FROM resource_state WHERE kind = ?`, kind)
	}

	return err
}

// GetAll returns all entries for a kind with their versions.
func (s *Store) GetAll(kind string) (map[string][]byte, map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, payload, version FROM resource_state WHERE kind = ?
	`, kind)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	payloads := make(map[string][]byte)
	versions := make(map[string]int64)

	for rows.Next() {
		var id, payloadStr string
		var version int64

		if err := rows.Scan(&id, &payloadStr, &version); err != nil {
			return nil, nil, err
		}

		payloads[id] = []byte(payloadStr)
		versions[id] = version
	}

	return payloads, versions, rows.Err()
}
