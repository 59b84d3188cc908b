package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"regdelta/internal/classify"
	"regdelta/internal/config"
	"regdelta/internal/store"
	"regdelta/internal/types"
)

func TestMain(m *testing.M) {
	// go.opencensus.io (pulled in via google.golang.org/genai) starts a
	// worker goroutine in package init that never exits; ignore it so
	// goleak only flags goroutines leaked by the code under test.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// scriptedComparator routes by role: alignment, classification, and
// new-regulation analysis requests each get their own scripted reply.
type scriptedComparator struct {
	mu            sync.Mutex
	matchReply    string
	classifyReply string
	analysisReply string
	err           error
	calls         int
}

func (m *scriptedComparator) Complete(ctx context.Context, prompt string) (string, error) {
	return m.CompleteWithSystem(ctx, "", prompt)
}

func (m *scriptedComparator) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	switch {
	case strings.Contains(system, "align sections"):
		return m.matchReply, nil
	case strings.Contains(system, "newly published"):
		return m.analysisReply, nil
	default:
		return m.classifyReply, nil
	}
}

func (m *scriptedComparator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func twoSectionDoc(id, citation string, created time.Time) *types.StructuredDocument {
	return &types.StructuredDocument{
		RegulationID: id,
		CreatedAt:    created,
		Pages: []types.Page{{
			PageNum: 1,
			Structure: types.PageStructure{
				MarkdownContent: "## 3.1 Labelling\nWarnings cover 30% of the pack.\n## 3.2 Limits\nNicotine shall not exceed 20mg.",
				ReferenceBlocks: []types.BlockMeta{
					{SectionRef: "3.1", StartLine: 0, EndLine: 2, Keywords: []string{"Labelling", "30%"}},
					{SectionRef: "3.2", StartLine: 2, EndLine: 4, Keywords: []string{"Nicotine", "20mg"}},
				},
				Metadata: types.DocumentMetadata{
					CitationCode: citation,
					CountryCode:  "DE",
					Title:        "Tobacco Products Directive",
				},
			},
		}},
	}
}

func newTestDetector(comp *scriptedComparator, st store.Store) *Detector {
	return NewDetector(config.DefaultConfig(), comp, st)
}

func TestRun_SkippedWithoutInput(t *testing.T) {
	d := newTestDetector(&scriptedComparator{}, store.NewMemoryStore())

	res := d.Run(context.Background(), RunInput{})

	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, StateSkipped, res.State)
	assert.True(t, res.State.Terminal())
}

func TestRun_ErrorWhenUpstreamProducedNoPages(t *testing.T) {
	d := newTestDetector(&scriptedComparator{}, store.NewMemoryStore())

	res := d.Run(context.Background(), RunInput{New: &types.StructuredDocument{RegulationID: "REG-X"}})

	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, StateError, res.State)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, "REG-X", res.Summary.NewID)
}

func TestRun_NewRegulationPath(t *testing.T) {
	comp := &scriptedComparator{analysisReply: `{
		"summary": "Caps nicotine content and mandates warnings.",
		"key_requirements": ["20mg nicotine cap", "30% warning coverage"],
		"affected_areas": ["manufacturing", "packaging"]
	}`}
	st := store.NewMemoryStore()
	d := newTestDetector(comp, st)

	now := time.Now().UTC()
	res := d.Run(context.Background(), RunInput{New: twoSectionDoc("REG-NEW", "EU-2014-40", now)})

	assert.Equal(t, StatusNewRegulation, res.Status)
	assert.Equal(t, StateCompletedNew, res.State)
	assert.Empty(t, res.Records)
	assert.False(t, res.NeedsEmbedding)
	require.NotNil(t, res.NewRegulation)
	assert.Len(t, res.NewRegulation.KeyRequirements, 2)
	require.NotNil(t, res.Keynote)
	assert.Nil(t, res.Keynote.LegacyRegulation)
	assert.Equal(t, "EU-2014-40", res.Keynote.CitationCode)

	// Results were persisted for replay
	_, err := st.GetIntermediate(context.Background(), "REG-NEW", intermediateNode)
	assert.NoError(t, err)
}

func TestRun_NewRegulationAnalysisDegradesOnGarbage(t *testing.T) {
	comp := &scriptedComparator{analysisReply: `not json at all`}
	d := newTestDetector(comp, store.NewMemoryStore())

	res := d.Run(context.Background(), RunInput{New: twoSectionDoc("REG-NEW", "EU-2014-40", time.Now().UTC())})

	assert.Equal(t, StatusNewRegulation, res.Status)
	require.NotNil(t, res.NewRegulation)
	assert.Empty(t, res.NewRegulation.Summary)
	assert.NotNil(t, res.NewRegulation.KeyRequirements)
	assert.Empty(t, res.NewRegulation.KeyRequirements)
}

func TestRun_NewRegulationAnalysisRejectsWrongShape(t *testing.T) {
	// Parseable JSON that fails schema validation degrades the same way.
	comp := &scriptedComparator{analysisReply: `{"summary": 42}`}
	d := newTestDetector(comp, store.NewMemoryStore())

	res := d.Run(context.Background(), RunInput{New: twoSectionDoc("REG-NEW", "EU-2014-40", time.Now().UTC())})

	require.NotNil(t, res.NewRegulation)
	assert.Empty(t, res.NewRegulation.Summary)
	assert.Empty(t, res.NewRegulation.AffectedAreas)
}

func fullPathComparator() *scriptedComparator {
	return &scriptedComparator{
		matchReply: `[
			{"new_block_id": 0, "legacy_block_id": 0, "confidence": 1.0, "reason": "labelling"},
			{"new_block_id": 1, "legacy_block_id": 1, "confidence": 0.8, "reason": "limits"}
		]`,
		classifyReply: `{
			"change_detected": true,
			"change_type": "numeric",
			"confidence_score": 0.85,
			"reasoning": ["limit changed"],
			"numerical_changes": [{"field": "limit", "legacy_value": "20mg", "new_value": "18mg"}]
		}`,
	}
}

func TestRun_FullComparisonPath(t *testing.T) {
	comp := fullPathComparator()
	st := store.NewMemoryStore()
	d := newTestDetector(comp, st)

	now := time.Now().UTC()
	newDoc := twoSectionDoc("REG-v2", "EU-2014-40", now)
	legacy := twoSectionDoc("REG-v1", "EU-2014-40", now.Add(-24*time.Hour))
	require.NoError(t, st.SaveRegulation(context.Background(), legacy))

	res := d.Run(context.Background(), RunInput{New: newDoc})

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, StateCompleted, res.State)
	require.Len(t, res.Records, 2)
	assert.Equal(t, 2, res.Summary.TotalReferenceBlocks)
	assert.Equal(t, 2, res.Summary.TotalChanges)
	assert.Equal(t, 2, res.Summary.HighConfidenceChanges)
	assert.Equal(t, "REG-v1", res.Summary.LegacyID)
	assert.True(t, res.NeedsEmbedding)

	// Index is keyed by normalized ref and restricted to detected changes
	_, ok := res.Index["3.2"]
	assert.True(t, ok)

	require.NotNil(t, res.Keynote)
	require.NotNil(t, res.Keynote.LegacyRegulation)
	assert.Equal(t, "REG-v1", res.Keynote.LegacyRegulation.RegulationID)
	assert.Len(t, res.Keynote.SectionChanges, 2)
}

func TestRun_ExplicitLegacySkipsLookup(t *testing.T) {
	comp := fullPathComparator()
	d := newTestDetector(comp, store.NewMemoryStore())

	now := time.Now().UTC()
	res := d.Run(context.Background(), RunInput{
		New:    twoSectionDoc("REG-v2", "EU-2014-40", now),
		Legacy: twoSectionDoc("REG-v1", "EU-2014-40", now.Add(-time.Hour)),
	})

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "REG-v1", res.Summary.LegacyID)
}

func TestRun_SecondInvocationReplaysPersistedResults(t *testing.T) {
	comp := fullPathComparator()
	st := store.NewMemoryStore()
	d := newTestDetector(comp, st)

	now := time.Now().UTC()
	newDoc := twoSectionDoc("REG-v2", "EU-2014-40", now)
	require.NoError(t, st.SaveRegulation(context.Background(), twoSectionDoc("REG-v1", "EU-2014-40", now.Add(-time.Hour))))

	first := d.Run(context.Background(), RunInput{New: newDoc})
	callsAfterFirst := comp.callCount()

	second := d.Run(context.Background(), RunInput{New: newDoc})

	assert.Equal(t, callsAfterFirst, comp.callCount(), "replay must not call the comparator")
	if diff := cmp.Diff(first.Records, second.Records); diff != "" {
		t.Errorf("replayed records differ (-first +second):\n%s", diff)
	}
}

func TestRun_ForceRerunsDetection(t *testing.T) {
	comp := fullPathComparator()
	st := store.NewMemoryStore()
	d := newTestDetector(comp, st)

	now := time.Now().UTC()
	newDoc := twoSectionDoc("REG-v2", "EU-2014-40", now)
	require.NoError(t, st.SaveRegulation(context.Background(), twoSectionDoc("REG-v1", "EU-2014-40", now.Add(-time.Hour))))

	first := d.Run(context.Background(), RunInput{New: newDoc})
	callsAfterFirst := comp.callCount()

	second := d.Run(context.Background(), RunInput{New: newDoc, Force: true})

	assert.Greater(t, comp.callCount(), callsAfterFirst)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRun_LegacyLookupFailureDegradesToNewRegulation(t *testing.T) {
	comp := &scriptedComparator{analysisReply: `{"summary": "s", "key_requirements": [], "affected_areas": []}`}
	d := newTestDetector(comp, &failingLookupStore{MemoryStore: store.NewMemoryStore()})

	res := d.Run(context.Background(), RunInput{New: twoSectionDoc("REG-v2", "EU-2014-40", time.Now().UTC())})

	assert.Equal(t, StatusNewRegulation, res.Status)
	assert.Equal(t, StateCompletedNew, res.State)
}

type failingLookupStore struct {
	*store.MemoryStore
}

func (s *failingLookupStore) FindLatestLegacy(ctx context.Context, citationCode, countryCode string, before time.Time) (*types.StructuredDocument, error) {
	return nil, fmt.Errorf("database locked")
}

// panickyClassifier fails on chosen section refs and tracks peak concurrency.
type panickyClassifier struct {
	failRefs map[string]bool
	inFlight atomic.Int64
	peak     atomic.Int64
}

func (p *panickyClassifier) Classify(ctx context.Context, req classify.Request) types.ChangeRecord {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	if p.failRefs[req.Pair.New.SectionRef] {
		panic("simulated classifier failure")
	}
	return types.ChangeRecord{
		SectionRef:      req.Pair.New.SectionRef,
		ChangeDetected:  true,
		ChangeType:      types.ChangeModified,
		ConfidenceScore: 0.7,
		ConfidenceLevel: types.ConfidenceMedium,
	}
}

func TestClassifyAll_BoundedWithIsolatedFailures(t *testing.T) {
	d := newTestDetector(&scriptedComparator{}, store.NewMemoryStore())
	pc := &panickyClassifier{failRefs: map[string]bool{"4.3": true, "1.2": true}}
	d.classifier = pc

	pairs := make([]types.MatchedPair, 12)
	for i := range pairs {
		ref := fmt.Sprintf("%d.%d", i/3+1, i%3+1)
		pairs[i] = types.MatchedPair{
			New:    types.ReferenceBlock{SectionRef: ref, Text: "new", PageNum: 1},
			Legacy: types.ReferenceBlock{SectionRef: ref, Text: "old", PageNum: 1},
		}
	}

	records := d.classifyAll(context.Background(), pairs, "REG-v2", "REG-v1", "")

	assert.Len(t, records, 10)
	for _, rec := range records {
		assert.NotEqual(t, "4.3", rec.SectionRef)
		assert.NotEqual(t, "1.2", rec.SectionRef)
	}
	assert.LessOrEqual(t, pc.peak.Load(), int64(d.cfg.Detection.Concurrency))
}
