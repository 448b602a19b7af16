package identity

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// SQLiteStore keeps the record in a single-row SQLite table, for hosts that
// already keep their other state in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore creates or opens the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS identity (
		slot         INTEGER PRIMARY KEY CHECK (slot = 1),
		id           TEXT NOT NULL,
		display_name TEXT NOT NULL,
		public_key   BLOB NOT NULL,
		secret_key   BLOB NOT NULL,
		created_at   INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load implements Store.
func (s *SQLiteStore) Load() (*Record, error) {
	var (
		rec       Record
		pub, sec  []byte
		createdAt int64
	)
	err := s.db.QueryRow(
		`SELECT id, display_name, public_key, secret_key, created_at FROM identity WHERE slot = 1`,
	).Scan(&rec.ID, &rec.DisplayName, &pub, &sec, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(pub) != 32 || len(sec) != 32 {
		return nil, fmt.Errorf("identity row has malformed keys")
	}

	copy(rec.PublicKey[:], pub)
	copy(rec.SecretKey[:], sec)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return &rec, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(rec *Record) error {
	_, err := s.db.Exec(
		`INSERT INTO identity (slot, id, display_name, public_key, secret_key, created_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET
		   id = excluded.id,
		   display_name = excluded.display_name,
		   public_key = excluded.public_key,
		   secret_key = excluded.secret_key,
		   created_at = excluded.created_at`,
		string(rec.ID), rec.DisplayName, rec.PublicKey[:], rec.SecretKey[:], rec.CreatedAt.UnixNano(),
	)
	return err
}
