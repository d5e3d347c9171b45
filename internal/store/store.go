// Package store provides persistent server state backed by an embedded
// SQLite database. It owns the database lifecycle and exposes the minimal
// API the chat room and DM rooms need.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	_ "modernc.org/sqlite"

	"chatforge/internal/protocol"
)

var migrations = []string{
	// v1 — shared room history snapshot (single row, replaced wholesale)
	`CREATE TABLE IF NOT EXISTS room_history (
		id          INTEGER PRIMARY KEY CHECK (id = 1),
		frames_json TEXT NOT NULL
	)`,
	// v2 — moderator-maintained room denylist
	`CREATE TABLE IF NOT EXISTS room_denylist (
		account_id TEXT PRIMARY KEY
	)`,
	// v3 — published DM public keys
	`CREATE TABLE IF NOT EXISTS dm_identities (
		account_id TEXT PRIMARY KEY,
		suite      TEXT NOT NULL,
		public_key TEXT NOT NULL
	)`,
	// v4 — per-pair ciphertext history snapshot
	`CREATE TABLE IF NOT EXISTS dm_history (
		pair_id     TEXT PRIMARY KEY,
		frames_json TEXT NOT NULL
	)`,
	// v5 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes chat persistence operations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		slog.Warn("store: enable WAL mode", "error", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("store: set busy_timeout", "error", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	slog.Info("sqlite store opened", "path", path)
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
	}
	return nil
}

// LoadRoomHistory returns the persisted shared-room history, or nil if none
// has been saved yet.
func (s *Store) LoadRoomHistory() ([]protocol.PlainFrame, error) {
	var raw string
	err := s.db.QueryRow(`SELECT frames_json FROM room_history WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load room history: %w", err)
	}
	var frames []protocol.PlainFrame
	if err := json.Unmarshal([]byte(raw), &frames); err != nil {
		return nil, fmt.Errorf("store: decode room history: %w", err)
	}
	return frames, nil
}

// SaveRoomHistory replaces the persisted shared-room history wholesale.
func (s *Store) SaveRoomHistory(frames []protocol.PlainFrame) error {
	raw, err := json.Marshal(frames)
	if err != nil {
		return fmt.Errorf("store: encode room history: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO room_history(id, frames_json) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET frames_json = excluded.frames_json`,
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("store: save room history: %w", err)
	}
	return nil
}

// LoadRoomDenylist returns the persisted denylist, sorted ascending.
func (s *Store) LoadRoomDenylist() ([]string, error) {
	rows, err := s.db.Query(`SELECT account_id FROM room_denylist ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("store: load room denylist: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan denylist row: %w", err)
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, rows.Err()
}

// AddToRoomDenylist persists accountId as denylisted. Idempotent.
func (s *Store) AddToRoomDenylist(accountID string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO room_denylist(account_id) VALUES (?)`, accountID)
	if err != nil {
		return fmt.Errorf("store: add to room denylist: %w", err)
	}
	return nil
}

// RemoveFromRoomDenylist un-persists accountId. Idempotent.
func (s *Store) RemoveFromRoomDenylist(accountID string) error {
	_, err := s.db.Exec(`DELETE FROM room_denylist WHERE account_id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("store: remove from room denylist: %w", err)
	}
	return nil
}

// LoadDMIdentities returns the published DM public key for every account
// that has published one.
func (s *Store) LoadDMIdentities() (map[string]protocol.PublicIdentity, error) {
	rows, err := s.db.Query(`SELECT account_id, suite, public_key FROM dm_identities`)
	if err != nil {
		return nil, fmt.Errorf("store: load dm identities: %w", err)
	}
	defer rows.Close()

	out := make(map[string]protocol.PublicIdentity)
	for rows.Next() {
		var accountID string
		var id protocol.PublicIdentity
		if err := rows.Scan(&accountID, &id.Suite, &id.PublicKey); err != nil {
			return nil, fmt.Errorf("store: scan dm identity row: %w", err)
		}
		out[accountID] = id
	}
	return out, rows.Err()
}

// SaveDMIdentity upserts accountId's published public key.
func (s *Store) SaveDMIdentity(accountID string, id protocol.PublicIdentity) error {
	_, err := s.db.Exec(
		`INSERT INTO dm_identities(account_id, suite, public_key) VALUES (?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET suite = excluded.suite, public_key = excluded.public_key`,
		accountID, id.Suite, id.PublicKey,
	)
	if err != nil {
		return fmt.Errorf("store: save dm identity: %w", err)
	}
	return nil
}

// LoadDMHistory returns the persisted ciphertext history for pairID, or nil
// if none has been saved yet.
func (s *Store) LoadDMHistory(pairID string) ([]protocol.CiphertextFrame, error) {
	var raw string
	err := s.db.QueryRow(`SELECT frames_json FROM dm_history WHERE pair_id = ?`, pairID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load dm history: %w", err)
	}
	var frames []protocol.CiphertextFrame
	if err := json.Unmarshal([]byte(raw), &frames); err != nil {
		return nil, fmt.Errorf("store: decode dm history: %w", err)
	}
	return frames, nil
}

// SaveDMHistory replaces the persisted ciphertext history for pairID wholesale.
func (s *Store) SaveDMHistory(pairID string, frames []protocol.CiphertextFrame) error {
	raw, err := json.Marshal(frames)
	if err != nil {
		return fmt.Errorf("store: encode dm history: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO dm_history(pair_id, frames_json) VALUES (?, ?)
		 ON CONFLICT(pair_id) DO UPDATE SET frames_json = excluded.frames_json`,
		pairID, string(raw),
	)
	if err != nil {
		return fmt.Errorf("store: save dm history: %w", err)
	}
	return nil
}
