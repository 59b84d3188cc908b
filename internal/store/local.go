package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"regdelta/internal/logging"
	"regdelta/internal/types"
)

// LocalStore implements Store using SQLite. One connection, WAL mode, and a
// mutex keep access serialized; each method is a single short transaction so
// the database is never held across a slow comparator call.
type LocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewLocalStore initializes the SQLite database at the given path.
func NewLocalStore(path string) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	logging.Store("Initializing LocalStore at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	store := &LocalStore{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("LocalStore initialization complete")
	return store, nil
}

// initialize creates the required tables.
func (s *LocalStore) initialize() error {
	regulationsTable := `
	CREATE TABLE IF NOT EXISTS regulations (
		regulation_id TEXT PRIMARY KEY,
		citation_code TEXT NOT NULL,
		country_code TEXT NOT NULL,
		title TEXT,
		effective_date TEXT,
		created_at DATETIME NOT NULL,
		document_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_regulations_citation ON regulations(citation_code, country_code, created_at);
	`

	intermediatesTable := `
	CREATE TABLE IF NOT EXISTS intermediates (
		regulation_id TEXT NOT NULL,
		node_name TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(regulation_id, node_name)
	);
	CREATE INDEX IF NOT EXISTS idx_intermediates_node ON intermediates(node_name);
	`

	for _, table := range []string{regulationsTable, intermediatesTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *LocalStore) Close() error {
	logging.Store("Closing LocalStore database connection")
	return s.db.Close()
}

// SaveRegulation stores or replaces a structured document.
func (s *LocalStore) SaveRegulation(ctx context.Context, doc *types.StructuredDocument) error {
	if doc == nil || doc.RegulationID == "" {
		return fmt.Errorf("regulation id required")
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	meta := doc.Metadata()
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO regulations (regulation_id, citation_code, country_code, title, effective_date, created_at, document_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(regulation_id) DO UPDATE SET
			citation_code = excluded.citation_code,
			country_code = excluded.country_code,
			title = excluded.title,
			effective_date = excluded.effective_date,
			created_at = excluded.created_at,
			document_json = excluded.document_json`,
		doc.RegulationID, meta.CitationCode, meta.CountryCode, meta.Title,
		meta.EffectiveDate, createdAt, string(payload))
	if err != nil {
		return fmt.Errorf("failed to save regulation: %w", err)
	}

	logging.StoreDebug("saved regulation %s (%s/%s)", doc.RegulationID, meta.CitationCode, meta.CountryCode)
	return nil
}

// GetRegulation fetches a document by regulation ID.
func (s *LocalStore) GetRegulation(ctx context.Context, regulationID string) (*types.StructuredDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT document_json FROM regulations WHERE regulation_id = ?`, regulationID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query regulation: %w", err)
	}
	return unmarshalDocument(payload)
}

// FindLatestLegacy returns the newest prior version sharing citation code and
// country code, created strictly before the cutoff.
func (s *LocalStore) FindLatestLegacy(ctx context.Context, citationCode, countryCode string, before time.Time) (*types.StructuredDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT document_json FROM regulations
		WHERE citation_code = ? AND country_code = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT 1`,
		citationCode, countryCode, before).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query legacy regulation: %w", err)
	}
	return unmarshalDocument(payload)
}

// SaveIntermediate upserts a named intermediate payload for a regulation.
func (s *LocalStore) SaveIntermediate(ctx context.Context, regulationID, nodeName string, data []byte) error {
	if regulationID == "" || nodeName == "" {
		return fmt.Errorf("regulation id and node name required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intermediates (regulation_id, node_name, data, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(regulation_id, node_name) DO UPDATE SET
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP`,
		regulationID, nodeName, string(data))
	if err != nil {
		return fmt.Errorf("failed to save intermediate: %w", err)
	}

	logging.StoreDebug("saved intermediate %s/%s (%d bytes)", regulationID, nodeName, len(data))
	return nil
}

// GetIntermediate fetches a named intermediate payload.
func (s *LocalStore) GetIntermediate(ctx context.Context, regulationID, nodeName string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM intermediates WHERE regulation_id = ? AND node_name = ?`,
		regulationID, nodeName).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query intermediate: %w", err)
	}
	return []byte(data), nil
}

func unmarshalDocument(payload string) (*types.StructuredDocument, error) {
	var doc types.StructuredDocument
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return &doc, nil
}
