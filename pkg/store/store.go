package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/lonelyclick/agentkeeper/pkg/session"
)

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("store: record not found")

// SessionRecord is one persisted session binding.
type SessionRecord struct {
	Key       string
	SessionID string
	Mode      session.Mode
	Version   int64
	UpdatedAt time.Time
}

// ConflictError reports a Put whose expected version no longer matches.
// Current carries the authoritative record so callers can re-read and retry.
type ConflictError struct {
	Current SessionRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: version conflict on %q, current version %d", e.Current.Key, e.Current.Version)
}

// Store is a SQLite-backed session record store.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and creates if needed) the store at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps readers from blocking the supervisor's writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the record stored under key, or ErrNotFound.
func (s *Store) Get(key string) (SessionRecord, error) {
	row := s.db.QueryRow(
		"SELECT key, session_id, mode, version, updated_at FROM sessions WHERE key = ?", key)
	return scanRecord(row)
}

// Put writes rec under rec.Key. expectedVersion must match the stored
// version; pass 0 to create a record that does not exist yet. On a version
// mismatch Put returns a *ConflictError carrying the authoritative record.
func (s *Store) Put(rec SessionRecord, expectedVersion int64) (SessionRecord, error) {
	modeJSON, err := json.Marshal(rec.Mode)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("failed to encode mode: %w", err)
	}

	rec.Version = expectedVersion + 1
	rec.UpdatedAt = time.Now()

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.Exec(
			"INSERT INTO sessions (key, session_id, mode, version, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT(key) DO NOTHING",
			rec.Key, rec.SessionID, string(modeJSON), rec.Version, rec.UpdatedAt.Unix())
	} else {
		res, err = s.db.Exec(
			"UPDATE sessions SET session_id = ?, mode = ?, version = ?, updated_at = ? WHERE key = ? AND version = ?",
			rec.SessionID, string(modeJSON), rec.Version, rec.UpdatedAt.Unix(), rec.Key, expectedVersion)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("failed to write record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return SessionRecord{}, err
	}
	if affected == 0 {
		current, getErr := s.Get(rec.Key)
		if getErr != nil {
			if errors.Is(getErr, ErrNotFound) {
				// Updated against a record that was deleted under us.
				return SessionRecord{}, &ConflictError{Current: SessionRecord{Key: rec.Key}}
			}
			return SessionRecord{}, getErr
		}
		s.logger.Debug().
			Str("key", rec.Key).
			Int64("expected_version", expectedVersion).
			Int64("current_version", current.Version).
			Msg("Record version conflict")
		return SessionRecord{}, &ConflictError{Current: current}
	}
	return rec, nil
}

// Delete removes the record under key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// List returns every stored record ordered by key.
func (s *Store) List() ([]SessionRecord, error) {
	rows, err := s.db.Query(
		"SELECT key, session_id, mode, version, updated_at FROM sessions ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (SessionRecord, error) {
	var rec SessionRecord
	var modeJSON string
	var updatedAt int64
	err := row.Scan(&rec.Key, &rec.SessionID, &modeJSON, &rec.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("failed to scan record: %w", err)
	}
	if err := json.Unmarshal([]byte(modeJSON), &rec.Mode); err != nil {
		return SessionRecord{}, fmt.Errorf("failed to decode mode: %w", err)
	}
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return rec, nil
}
