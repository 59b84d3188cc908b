package store

import (
	"context"
	"sync"
	"time"

	"regdelta/internal/types"
)

// MemoryStore is an in-memory Store for tests and dev runs without a
// database file.
type MemoryStore struct {
	mu            sync.RWMutex
	regulations   map[string]*types.StructuredDocument
	intermediates map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		regulations:   make(map[string]*types.StructuredDocument),
		intermediates: make(map[string][]byte),
	}
}

// SaveRegulation stores or replaces a structured document.
func (s *MemoryStore) SaveRegulation(ctx context.Context, doc *types.StructuredDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regulations[doc.RegulationID] = doc
	return nil
}

// GetRegulation fetches a document by regulation ID.
func (s *MemoryStore) GetRegulation(ctx context.Context, regulationID string) (*types.StructuredDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.regulations[regulationID]
	if !ok {
		return nil, ErrNotFound
	}
	return doc, nil
}

// FindLatestLegacy scans for the newest prior version sharing citation and
// country codes.
func (s *MemoryStore) FindLatestLegacy(ctx context.Context, citationCode, countryCode string, before time.Time) (*types.StructuredDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *types.StructuredDocument
	for _, doc := range s.regulations {
		meta := doc.Metadata()
		if meta.CitationCode != citationCode || meta.CountryCode != countryCode {
			continue
		}
		if !doc.CreatedAt.Before(before) {
			continue
		}
		if best == nil || doc.CreatedAt.After(best.CreatedAt) {
			best = doc
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// SaveIntermediate upserts a named intermediate payload.
func (s *MemoryStore) SaveIntermediate(ctx context.Context, regulationID, nodeName string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.intermediates[regulationID+"/"+nodeName] = cp
	return nil
}

// GetIntermediate fetches a named intermediate payload.
func (s *MemoryStore) GetIntermediate(ctx context.Context, regulationID, nodeName string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.intermediates[regulationID+"/"+nodeName]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}
