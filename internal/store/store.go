// Package store is the shared on-disk layer for replay stores: one SQLite
// file per session, self-describing via a metadata table, snapshots held as
// zstd-compressed JSON rows. The recorder writes it, the replay engine reads
// it; they are never open on the same path in one process.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dbpulse/dbpulse-agent/internal/model"
)

// ErrNoMetadata is returned when a store file has no metadata row yet.
var ErrNoMetadata = errors.New("store has no metadata")

const schema = `
CREATE TABLE IF NOT EXISTS metadata (
    session_id     TEXT NOT NULL,
    host           TEXT NOT NULL,
    port           INTEGER NOT NULL,
    kind           TEXT NOT NULL,
    version        TEXT NOT NULL,
    distro         TEXT NOT NULL DEFAULT '',
    format_version INTEGER NOT NULL,
    created_at     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS dictionary (
    id   INTEGER PRIMARY KEY CHECK (id = 1),
    data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
    id    INTEGER PRIMARY KEY AUTOINCREMENT,
    ts_ns INTEGER NOT NULL UNIQUE,
    dict  INTEGER NOT NULL DEFAULT 0,
    data  BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots(ts_ns);
`

// Open opens (or creates) the SQLite file and applies the schema.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_fk=1", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	// SQLite serializes writers; one connection avoids lock contention
	// between the append path and the purge task.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return db, nil
}

// ReadMetadata returns the session recorded in the store.
func ReadMetadata(db *sql.DB) (model.Session, error) {
	var (
		session   model.Session
		kind      string
		createdAt string
	)

	row := db.QueryRow(`SELECT session_id, host, port, kind, version, distro, format_version, created_at FROM metadata LIMIT 1`)
	err := row.Scan(&session.ID, &session.Source.Host, &session.Source.Port, &kind,
		&session.Source.Version, &session.Source.Distro, &session.FormatVersion, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session, ErrNoMetadata
	}
	if err != nil {
		return session, fmt.Errorf("read metadata: %w", err)
	}

	session.Source.Kind = model.ServerKind(kind)
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		session.CreatedAt = t
	}

	return session, nil
}

// WriteMetadata records the session. Call once, on a fresh store.
func WriteMetadata(db *sql.DB, session model.Session) error {
	_, err := db.Exec(
		`INSERT INTO metadata (session_id, host, port, kind, version, distro, format_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Source.Host, session.Source.Port, string(session.Source.Kind),
		session.Source.Version, session.Source.Distro, session.FormatVersion,
		session.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// LoadDictionary returns the trained compression dictionary, or nil when
// none has been stored yet.
func LoadDictionary(db *sql.DB) ([]byte, error) {
	var data []byte
	err := db.QueryRow(`SELECT data FROM dictionary WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load dictionary: %w", err)
	}
	return data, nil
}

// SaveDictionary persists the trained dictionary.
func SaveDictionary(db *sql.DB, dict []byte) error {
	if _, err := db.Exec(`INSERT OR REPLACE INTO dictionary (id, data) VALUES (1, ?)`, dict); err != nil {
		return fmt.Errorf("save dictionary: %w", err)
	}
	return nil
}
