// Package store persists regulations and per-run intermediate outputs. The
// engine talks to the two interfaces below; production uses the SQLite
// LocalStore, tests and dev use MemoryStore. Every operation acquires its
// session narrowly and releases it before returning - nothing here is held
// open across comparator calls.
package store

import (
	"context"
	"errors"
	"time"

	"regdelta/internal/types"
)

// ErrNotFound is returned when a lookup matches nothing. Callers treat it as
// a condition, not a failure.
var ErrNotFound = errors.New("store: not found")

// RegulationStore is the regulation lookup collaborator.
type RegulationStore interface {
	// SaveRegulation stores or replaces a structured document.
	SaveRegulation(ctx context.Context, doc *types.StructuredDocument) error

	// GetRegulation fetches a document by regulation ID.
	// Returns ErrNotFound when absent.
	GetRegulation(ctx context.Context, regulationID string) (*types.StructuredDocument, error)

	// FindLatestLegacy returns the most recent document sharing citation
	// code and country code with created_at strictly before the cutoff.
	// Returns ErrNotFound when no prior version exists.
	FindLatestLegacy(ctx context.Context, citationCode, countryCode string, before time.Time) (*types.StructuredDocument, error)
}

// IntermediateStore is the intermediate-output collaborator used for HITL
// persistence and idempotent replay.
type IntermediateStore interface {
	// SaveIntermediate upserts a named intermediate payload for a regulation.
	SaveIntermediate(ctx context.Context, regulationID, nodeName string, data []byte) error

	// GetIntermediate fetches a named intermediate payload.
	// Returns ErrNotFound when absent.
	GetIntermediate(ctx context.Context, regulationID, nodeName string) ([]byte, error)
}

// Store combines both collaborator roles; the SQLite and memory
// implementations satisfy it.
type Store interface {
	RegulationStore
	IntermediateStore
}
