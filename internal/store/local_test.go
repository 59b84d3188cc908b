package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regdelta/internal/types"
)

func testDoc(id, citation, country string, created time.Time) *types.StructuredDocument {
	return &types.StructuredDocument{
		RegulationID: id,
		CreatedAt:    created,
		Pages: []types.Page{{
			PageNum: 1,
			Structure: types.PageStructure{
				MarkdownContent: "## 1.1 Scope\nApplies to all products.",
				Metadata: types.DocumentMetadata{
					CitationCode: citation,
					CountryCode:  country,
					Title:        "Test Regulation",
				},
			},
		}},
	}
}

func openTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(filepath.Join(t.TempDir(), "regdelta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLocalStore_SaveAndGetRegulation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := testDoc("REG-A", "EU-2014-40", "DE", time.Now().UTC())
	require.NoError(t, s.SaveRegulation(ctx, doc))

	got, err := s.GetRegulation(ctx, "REG-A")
	require.NoError(t, err)
	assert.Equal(t, "REG-A", got.RegulationID)
	assert.Equal(t, "EU-2014-40", got.Metadata().CitationCode)

	_, err = s.GetRegulation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_FindLatestLegacy(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.SaveRegulation(ctx, testDoc("v1", "EU-2014-40", "DE", now.Add(-48*time.Hour))))
	require.NoError(t, s.SaveRegulation(ctx, testDoc("v2", "EU-2014-40", "DE", now.Add(-24*time.Hour))))
	require.NoError(t, s.SaveRegulation(ctx, testDoc("other", "EU-2014-40", "FR", now.Add(-24*time.Hour))))

	legacy, err := s.FindLatestLegacy(ctx, "EU-2014-40", "DE", now)
	require.NoError(t, err)
	assert.Equal(t, "v2", legacy.RegulationID)

	// Cutoff excludes both stored versions
	_, err = s.FindLatestLegacy(ctx, "EU-2014-40", "DE", now.Add(-72*time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.FindLatestLegacy(ctx, "EU-2014-40", "ES", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_IntermediateUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveIntermediate(ctx, "REG-A", "change_detection", []byte(`{"v":1}`)))
	require.NoError(t, s.SaveIntermediate(ctx, "REG-A", "change_detection", []byte(`{"v":2}`)))

	data, err := s.GetIntermediate(ctx, "REG-A", "change_detection")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(data))

	_, err = s.GetIntermediate(ctx, "REG-A", "other_node")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_MatchesLocalSemantics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.SaveRegulation(ctx, testDoc("v1", "C", "US", now.Add(-time.Hour))))
	require.NoError(t, s.SaveRegulation(ctx, testDoc("v2", "C", "US", now.Add(-time.Minute))))

	legacy, err := s.FindLatestLegacy(ctx, "C", "US", now)
	require.NoError(t, err)
	assert.Equal(t, "v2", legacy.RegulationID)

	_, err = s.GetIntermediate(ctx, "v1", "node")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveIntermediate(ctx, "v1", "node", []byte("x")))
	data, err := s.GetIntermediate(ctx, "v1", "node")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}
