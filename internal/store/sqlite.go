package store

import (
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite-backed Store. One row per room key holding the serialized snapshot;
// one row per share link.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(dbPath string) (*SQLite, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Printf("Store initialized at %s", dbPath)
	return &SQLite{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		key TEXT PRIMARY KEY,
		snapshot BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS shares (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_shares_created_at ON shares(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Room operations

func (s *SQLite) SaveRoom(key string, snapshot []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO rooms (key, snapshot, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			snapshot = excluded.snapshot,
			updated_at = CURRENT_TIMESTAMP
	`, key, snapshot)
	return err
}

func (s *SQLite) LoadRoom(key string) ([]byte, error) {
	var snapshot []byte
	err := s.db.QueryRow(
		"SELECT snapshot FROM rooms WHERE key = ?",
		key,
	).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *SQLite) DeleteRoom(key string) error {
	_, err := s.db.Exec("DELETE FROM rooms WHERE key = ?", key)
	return err
}

func (s *SQLite) ListRoomKeys() ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM rooms ORDER BY key ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Share operations

func (s *SQLite) SaveShare(id, content string, createdAt time.Time) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO shares (id, content, created_at) VALUES (?, ?, ?)",
		id, content, createdAt.Unix(),
	)
	return err
}

func (s *SQLite) LoadShare(id string) (string, error) {
	var content string
	err := s.db.QueryRow(
		"SELECT content FROM shares WHERE id = ?",
		id,
	).Scan(&content)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return content, nil
}

func (s *SQLite) PurgeShares(olderThan time.Time) (int, error) {
	result, err := s.db.Exec(
		"DELETE FROM shares WHERE created_at < ?",
		olderThan.Unix(),
	)
	if err != nil {
		return 0, err
	}
	purged, err := result.RowsAffected()
	return int(purged), err
}

// Stats

func (s *SQLite) Stats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var roomCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	var shareCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM shares").Scan(&shareCount); err != nil {
		return nil, err
	}
	stats["share_count"] = shareCount

	return stats, nil
}
