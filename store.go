package orderwire

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// on-device durable store. holds the cached read-mostly collections and the
// outbound mutation queue so both survive process restart. the store is the
// single source of truth for pending writes; in-memory counts are always
// recomputed from here.

type LocalStore struct {
	db     *sql.DB
	dbPath string
}

func OpenLocalStore(dataDir string) (*LocalStore, error) {
	// expand ~ in path
	if 0 < len(dataDir) && dataDir[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, dataDir[1:])
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "orderwire.db")

	// WAL so that a drain and a cache write do not block each other
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;

		CREATE TABLE IF NOT EXISTS cache (
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			record TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (partition, key)
		);
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS mutations (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			data TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_cache_position ON cache(partition, position);
		CREATE INDEX IF NOT EXISTS idx_mutations_enqueued_at ON mutations(enqueued_at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database: %w", err)
	}

	return &LocalStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

func (self *LocalStore) Path() string {
	return self.dbPath
}

func (self *LocalStore) Close() error {
	return self.db.Close()
}

// replaces the entire partition in one transaction. cached collections are
// complete replacement snapshots, never partial patches.
func (self *LocalStore) replacePartition(partition string, keys []string, records []string) error {
	tx, err := self.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cache WHERE partition = ?`, partition); err != nil {
		return err
	}
	for i, key := range keys {
		_, err := tx.Exec(
			`INSERT INTO cache (partition, key, record, position) VALUES (?, ?, ?, ?)`,
			partition, key, records[i], i,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// records in insertion order
func (self *LocalStore) partitionRecords(partition string) ([]string, error) {
	rows, err := self.db.Query(
		`SELECT record FROM cache WHERE partition = ? ORDER BY position`,
		partition,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []string{}
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (self *LocalStore) setMeta(key string, value string) error {
	_, err := self.db.Exec(
		`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`,
		key, value,
	)
	return err
}

func (self *LocalStore) meta(key string) (string, bool, error) {
	var value string
	err := self.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
