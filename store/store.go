// Package store records which messages have been fetched. The index
// maps each server-assigned unique-id (UIDL) to the BLAKE3 hash of the
// message it named; payloads live on disk under their content hash, so
// a message that reappears under a new unique-id is stored once.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/krdev/pop3sclient/helpers"
	"github.com/krdev/pop3sclient/pkg/metrics"
)

const DataDir = "data"
const IndexDB = "fetch_index.db"

// Store is the local fetch-state record: a SQLite index plus a
// content-addressed message directory. Safe for concurrent use.
type Store struct {
	basePath string
	db       *sql.DB
	mu       sync.Mutex
}

// Entry is one indexed fetch.
type Entry struct {
	UIDL        string
	ContentHash string
	Size        int64
	FetchedAt   time.Time
}

// Stats summarize the index.
type Stats struct {
	MessageCount int64
	TotalSize    int64
}

// Open creates or reopens a store rooted at basePath. The directory
// and index schema are created as needed.
func Open(basePath string) (*Store, error) {
	basePath = filepath.Clean(strings.TrimSpace(basePath))
	if basePath == "" || basePath == "." {
		return nil, fmt.Errorf("store base path cannot be empty")
	}

	dataDir := filepath.Join(basePath, DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store data path %s: %w", dataDir, err)
	}

	dbPath := filepath.Join(basePath, IndexDB)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open fetch index DB: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		// WAL is an optimization; keep going without it.
		log.Printf("[STORE] WARNING: failed to set PRAGMA journal_mode = WAL: %v", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS fetch_index (
		uidl TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		size INTEGER NOT NULL,
		fetched_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fetch_content_hash ON fetch_index(content_hash);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create fetch index schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("fetch index DB ping failed: %w", err)
	}
	return &Store{basePath: basePath, db: db}, nil
}

// Close closes the index database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Seen reports whether a unique-id has been fetched before. The index
// is authoritative; the payload file is not consulted.
func (s *Store) Seen(uidl string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM fetch_index WHERE uidl = ?`, uidl).Scan(&count)
	if err != nil {
		metrics.StoreOperations.WithLabelValues("seen", "failed").Inc()
		return false, fmt.Errorf("failed to query fetch index: %w", err)
	}
	metrics.StoreOperations.WithLabelValues("seen", "ok").Inc()
	return count > 0, nil
}

// MarkFetched stores a message payload and records its unique-id as
// fetched. Returns the content hash the payload was stored under.
// Marking the same unique-id again replaces its index row; a payload
// already present under the same hash is reused as is.
func (s *Store) MarkFetched(uidl string, data []byte) (string, error) {
	contentHash := helpers.HashContent(data)
	path := s.PathForContentHash(contentHash)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		metrics.StoreOperations.WithLabelValues("mark", "failed").Inc()
		return "", fmt.Errorf("failed to create store directory: %w", err)
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		// Write to a temporary file first so readers never observe a
		// partially written message.
		tempFile, err := os.CreateTemp(dir, "fetch-*.tmp")
		if err != nil {
			metrics.StoreOperations.WithLabelValues("mark", "failed").Inc()
			return "", fmt.Errorf("failed to create temporary store file: %w", err)
		}
		defer os.Remove(tempFile.Name())

		if _, err := tempFile.Write(data); err != nil {
			tempFile.Close()
			metrics.StoreOperations.WithLabelValues("mark", "failed").Inc()
			return "", fmt.Errorf("failed to write temporary store file: %w", err)
		}
		if err := tempFile.Close(); err != nil {
			metrics.StoreOperations.WithLabelValues("mark", "failed").Inc()
			return "", fmt.Errorf("failed to close temporary store file: %w", err)
		}

		if err := os.Rename(tempFile.Name(), path); err != nil && !os.IsExist(err) {
			metrics.StoreOperations.WithLabelValues("mark", "failed").Inc()
			return "", fmt.Errorf("failed to move message into store at %s: %w", path, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO fetch_index (uidl, content_hash, size, fetched_at) VALUES (?, ?, ?, ?)`,
		uidl, contentHash, int64(len(data)), time.Now().UTC(),
	)
	if err != nil {
		metrics.StoreOperations.WithLabelValues("mark", "failed").Inc()
		return "", fmt.Errorf("failed to index fetched message: %w", err)
	}
	metrics.StoreOperations.WithLabelValues("mark", "ok").Inc()
	return contentHash, nil
}

// Forget drops a unique-id from the index. The payload file is removed
// only when no other unique-id still references its content hash.
func (s *Store) Forget(uidl string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var contentHash string
	err := s.db.QueryRow(`SELECT content_hash FROM fetch_index WHERE uidl = ?`, uidl).Scan(&contentHash)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.StoreOperations.WithLabelValues("forget", "ok").Inc()
		return nil
	}
	if err != nil {
		metrics.StoreOperations.WithLabelValues("forget", "failed").Inc()
		return fmt.Errorf("failed to query fetch index: %w", err)
	}

	if _, err := s.db.Exec(`DELETE FROM fetch_index WHERE uidl = ?`, uidl); err != nil {
		metrics.StoreOperations.WithLabelValues("forget", "failed").Inc()
		return fmt.Errorf("failed to remove index entry for %s: %w", uidl, err)
	}

	var remaining int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM fetch_index WHERE content_hash = ?`, contentHash).Scan(&remaining); err != nil {
		metrics.StoreOperations.WithLabelValues("forget", "failed").Inc()
		return fmt.Errorf("failed to count content hash references: %w", err)
	}
	if remaining == 0 {
		path := s.PathForContentHash(contentHash)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("[STORE] failed to remove message file %s: %v", path, err)
			metrics.StoreOperations.WithLabelValues("forget", "failed").Inc()
			return fmt.Errorf("failed to remove message file %s: %w", path, err)
		}
		removeEmptyParents(path, filepath.Join(s.basePath, DataDir))
	}
	metrics.StoreOperations.WithLabelValues("forget", "ok").Inc()
	return nil
}

// Entry returns the index row for a unique-id, or nil when the
// unique-id was never fetched.
func (s *Store) Entry(uidl string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e Entry
	err := s.db.QueryRow(
		`SELECT uidl, content_hash, size, fetched_at FROM fetch_index WHERE uidl = ?`, uidl,
	).Scan(&e.UIDL, &e.ContentHash, &e.Size, &e.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query fetch index: %w", err)
	}
	return &e, nil
}

// Read returns the stored payload for a unique-id.
func (s *Store) Read(uidl string) ([]byte, error) {
	entry, err := s.Entry(uidl)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("unique-id %q not in store", uidl)
	}
	return os.ReadFile(s.PathForContentHash(entry.ContentHash))
}

// Stats returns the index totals.
func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM fetch_index`)
	if err := row.Scan(&st.MessageCount, &st.TotalSize); err != nil {
		return Stats{}, fmt.Errorf("failed to query store statistics: %w", err)
	}
	return st, nil
}

// PathForContentHash returns the payload location for a content hash,
// sharded two levels deep to keep directories small.
func (s *Store) PathForContentHash(contentHash string) string {
	if !helpers.ValidContentHash(contentHash) {
		// A safe path that will fail cleanly instead of traversing.
		return filepath.Join(s.basePath, DataDir, "invalid")
	}
	return filepath.Join(s.basePath, DataDir, contentHash[:2], contentHash[2:4], contentHash[4:]+".eml")
}

func removeEmptyParents(path string, stopAt string) {
	for {
		dir := filepath.Dir(path)
		if dir == stopAt || dir == "." || dir == "/" {
			break
		}
		if err := os.Remove(dir); err != nil {
			// Not empty or already gone, stop cleanup
			break
		}
		path = dir
	}
}
