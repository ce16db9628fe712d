package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite is the durable Store backend. Coordination state survives a
// process restart, which lets an operator inspect store contents after a
// halted run. All driver errors surface as ErrUnavailable.
type SQLite struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
	log    *zap.Logger

	notifier *subscribers
}

// OpenSQLite initializes the SQLite database at the given path.
func OpenSQLite(path string, log *zap.Logger) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory %s: %v", ErrUnavailable, dir, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		// synchronous=NORMAL is safe under WAL and much faster than FULL.
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &SQLite{db: db, dbPath: path, log: log, notifier: newSubscribers()}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug("sqlite store ready", zap.String("path", path))
	return s, nil
}

func (s *SQLite) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		version    INTEGER NOT NULL,
		written_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	CREATE TABLE IF NOT EXISTS version_seq (
		id      INTEGER PRIMARY KEY CHECK (id = 1),
		current INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO version_seq (id, current) VALUES (1, 0);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: failed to initialize schema: %v", ErrUnavailable, err)
	}
	return nil
}

// Put implements Store.
func (s *SQLite) Put(namespace, key, value string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE version_seq SET current = current + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var version int64
	if err := tx.QueryRow(`SELECT current FROM version_seq WHERE id = 1`).Scan(&version); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO entries (namespace, key, value, version, written_at) VALUES (?, ?, ?, ?, ?)`,
		namespace, key, value, version, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.notifier.notify()
	return version, nil
}

// Get implements Store.
func (s *SQLite) Get(namespace, key string) (Entry, bool, error) {
	var (
		entry Entry
		msec  int64
	)
	err := s.db.QueryRow(
		`SELECT value, version, written_at FROM entries WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&entry.Value, &entry.Version, &msec)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	entry.WrittenAt = time.UnixMilli(msec)
	return entry, true, nil
}

// Delete implements Store.
func (s *SQLite) Delete(namespace, key string) error {
	if _, err := s.db.Exec(`DELETE FROM entries WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Dirty implements Store.
func (s *SQLite) Dirty() int64 {
	var current int64
	if err := s.db.QueryRow(`SELECT current FROM version_seq WHERE id = 1`).Scan(&current); err != nil {
		return 0
	}
	return current
}

// Subscribe implements Store.
func (s *SQLite) Subscribe() (<-chan struct{}, func()) {
	return s.notifier.subscribe()
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}
