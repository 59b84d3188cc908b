package classify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regdelta/internal/config"
	"regdelta/internal/store"
	"regdelta/internal/types"
)

type mockComparator struct {
	reply   string
	err     error
	prompts []string
	systems []string
}

func (m *mockComparator) Complete(ctx context.Context, prompt string) (string, error) {
	return m.CompleteWithSystem(ctx, "", prompt)
}

func (m *mockComparator) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	m.systems = append(m.systems, system)
	m.prompts = append(m.prompts, user)
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

func testPair() types.MatchedPair {
	return types.MatchedPair{
		New: types.ReferenceBlock{
			SectionRef: "3.2",
			Text:       "Nicotine content shall not exceed 18mg per unit.",
			PageNum:    4,
		},
		Legacy: types.ReferenceBlock{
			SectionRef: "3.2",
			Text:       "Nicotine content shall not exceed 20mg per unit.",
			PageNum:    3,
		},
	}
}

func testRequest() Request {
	return Request{
		Pair:               testPair(),
		NewRegulationID:    "REG-NEW",
		LegacyRegulationID: "REG-OLD",
	}
}

func newTestClassifier(comp *mockComparator, inter store.IntermediateStore) *Classifier {
	return NewClassifier(comp, inter, config.DefaultConfig().Detection)
}

func TestClassify_NumericChange(t *testing.T) {
	comp := &mockComparator{reply: `{
		"change_detected": true,
		"change_type": "numeric",
		"confidence_score": 0.85,
		"reasoning": ["limit lowered from 20mg to 18mg"],
		"numerical_changes": [{"field": "nicotine_limit", "legacy_value": "20mg", "new_value": "18mg"}],
		"keywords": ["nicotine"],
		"new_snippet": "not exceed 18mg",
		"legacy_snippet": "not exceed 20mg",
		"adversarial_check": {"adjusted_confidence": 0.85}
	}`}
	c := newTestClassifier(comp, nil)

	rec := c.Classify(context.Background(), testRequest())

	assert.True(t, rec.ChangeDetected)
	assert.Equal(t, types.ChangeNumeric, rec.ChangeType)
	assert.Equal(t, "REG-NEW-3.2-P4", rec.NewRefID)
	assert.Equal(t, "REG-OLD-3.2-P3", rec.LegacyRefID)
	// 0.85 adjusted + 0.1 numeric boost, capped at 1.0
	assert.InDelta(t, 0.95, rec.ConfidenceScore, 1e-9)
	assert.Equal(t, types.ConfidenceHigh, rec.ConfidenceLevel)
	assert.Contains(t, rec.Keywords, "nicotine")
	assert.Contains(t, rec.Keywords, "nicotine_limit")
	assert.Equal(t, "not exceed 18mg", rec.NewSnippet)
}

func TestClassify_TruncatedReplyYieldsParseError(t *testing.T) {
	comp := &mockComparator{reply: `{"change_detected": true, "change_type": "mod`}
	c := newTestClassifier(comp, nil)

	rec := c.Classify(context.Background(), testRequest())

	assert.False(t, rec.ChangeDetected)
	assert.Equal(t, types.ChangeParseError, rec.ChangeType)
	assert.Equal(t, 0.0, rec.ConfidenceScore)
	assert.Equal(t, types.ConfidenceUncertain, rec.ConfidenceLevel)
	assert.NotEmpty(t, rec.Reasoning.Error)
	assert.Contains(t, rec.Reasoning.Raw, "change_detected")
	// Snippets fall back to the original block texts
	assert.Contains(t, rec.NewSnippet, "18mg")
	assert.Contains(t, rec.LegacySnippet, "20mg")
}

func TestClassify_RequestFailureYieldsLLMError(t *testing.T) {
	comp := &mockComparator{err: errors.New("connection refused")}
	c := newTestClassifier(comp, nil)

	rec := c.Classify(context.Background(), testRequest())

	assert.Equal(t, types.ChangeLLMError, rec.ChangeType)
	assert.False(t, rec.ChangeDetected)
	assert.Equal(t, types.ConfidenceUncertain, rec.ConfidenceLevel)
	assert.Contains(t, rec.Reasoning.Error, "connection refused")
	assert.Empty(t, rec.Reasoning.Raw)
}

func TestClassify_RawAuditIsTruncated(t *testing.T) {
	comp := &mockComparator{reply: "not json " + strings.Repeat("x", 2000)}
	c := newTestClassifier(comp, nil)

	rec := c.Classify(context.Background(), testRequest())

	assert.Equal(t, types.ChangeParseError, rec.ChangeType)
	assert.LessOrEqual(t, len(rec.Reasoning.Raw), maxRawAudit+len("..."))
}

func TestClassify_DetectedWithEmptyTypeBecomesModified(t *testing.T) {
	comp := &mockComparator{reply: `{"change_detected": true, "confidence_score": 0.6}`}
	c := newTestClassifier(comp, nil)

	rec := c.Classify(context.Background(), testRequest())

	assert.True(t, rec.ChangeDetected)
	assert.Equal(t, types.ChangeModified, rec.ChangeType)
	assert.Equal(t, types.ConfidenceMedium, rec.ConfidenceLevel)
}

func TestClassify_GuidanceInjectsPriorResult(t *testing.T) {
	inter := store.NewMemoryStore()
	prior := map[string]any{
		"change_detection_results": []types.ChangeRecord{{
			SectionRef:     "3.2",
			ChangeDetected: false,
			ChangeType:     types.ChangeNone,
		}},
	}
	data, err := json.Marshal(prior)
	require.NoError(t, err)
	require.NoError(t, inter.SaveIntermediate(context.Background(), "REG-NEW", "change_detection", data))

	comp := &mockComparator{reply: `{"change_detected": true, "change_type": "modified", "confidence_score": 0.7}`}
	c := newTestClassifier(comp, inter)

	req := testRequest()
	req.Guidance = "The unit change from per-ml to per-unit is substantive."
	rec := c.Classify(context.Background(), req)

	require.Len(t, comp.prompts, 1)
	assert.Contains(t, comp.prompts[0], "REVIEWER GUIDANCE")
	assert.Contains(t, comp.prompts[0], "per-ml to per-unit")
	assert.Contains(t, comp.prompts[0], "PREVIOUS ANALYSIS OF THIS SECTION")
	assert.True(t, rec.ChangeDetected)
}

func TestClassify_NoGuidanceSkipsPriorLookup(t *testing.T) {
	comp := &mockComparator{reply: `{"change_detected": false, "change_type": "none", "confidence_score": 0.9}`}
	c := newTestClassifier(comp, store.NewMemoryStore())

	rec := c.Classify(context.Background(), testRequest())

	require.Len(t, comp.prompts, 1)
	assert.NotContains(t, comp.prompts[0], "REVIEWER GUIDANCE")
	assert.False(t, rec.ChangeDetected)
	assert.Equal(t, types.ChangeNone, rec.ChangeType)
}
