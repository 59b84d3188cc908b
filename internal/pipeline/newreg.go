package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"regdelta/internal/comparator"
	"regdelta/internal/logging"
	"regdelta/internal/types"
)

// maxAnalysisChars caps how much document text the summarization prompt sees.
const maxAnalysisChars = 8000

const newRegulationSystemPrompt = `You are a regulatory analyst. Summarize a newly published regulation that has no prior version to compare against.

Respond with ONLY a JSON object:
{
  "summary": "2-4 sentence overview of what the regulation mandates",
  "key_requirements": ["requirement 1", "requirement 2", ...],
  "affected_areas": ["area 1", "area 2", ...]
}`

const newRegulationSchemaJSON = `{
	"type": "object",
	"required": ["summary", "key_requirements", "affected_areas"],
	"properties": {
		"summary": {"type": "string"},
		"key_requirements": {"type": "array", "items": {"type": "string"}},
		"affected_areas": {"type": "array", "items": {"type": "string"}}
	}
}`

var (
	newRegSchemaOnce sync.Once
	newRegSchema     *jsonschema.Schema
)

func newRegulationSchema() *jsonschema.Schema {
	newRegSchemaOnce.Do(func() {
		schema, err := jsonschema.NewCompiler().Compile([]byte(newRegulationSchemaJSON))
		if err != nil {
			logging.Pipeline("new-regulation schema failed to compile: %v", err)
			return
		}
		newRegSchema = schema
	})
	return newRegSchema
}

// runNewRegulation is the degraded path taken when no legacy document exists:
// a separate summarization with no comparison. Analysis failures leave the
// analysis empty; the run still completes.
func (d *Detector) runNewRegulation(ctx context.Context, st *ExecutionState, doc *types.StructuredDocument) *Result {
	logging.Pipeline("run %s: no legacy version for %s, running new-regulation analysis", st.RunID, doc.RegulationID)

	analysis := d.analyzeNewRegulation(ctx, doc)

	summary := types.ChangeSummary{
		Status:               StatusNewRegulation,
		TotalReferenceBlocks: len(d.extractor.Blocks(doc)),
		NewID:                doc.RegulationID,
	}

	res := &Result{
		RunID:          st.RunID,
		Status:         StatusNewRegulation,
		State:          StateCompletedNew,
		Records:        []types.ChangeRecord{},
		Summary:        summary,
		Index:          types.ChangeIndex{},
		NeedsEmbedding: false,
		Keynote:        d.buildKeynote(doc, nil, summary, nil),
		NewRegulation:  &analysis,
	}

	d.persist(ctx, doc.RegulationID, res)
	d.tracker.markExecuted(doc.RegulationID)
	return res
}

// analyzeNewRegulation asks the comparator for a structured summary and
// validates the reply against the analysis schema. Every failure degrades to
// an empty analysis.
func (d *Detector) analyzeNewRegulation(ctx context.Context, doc *types.StructuredDocument) types.NewRegulationAnalysis {
	empty := types.NewRegulationAnalysis{
		KeyRequirements: []string{},
		AffectedAreas:   []string{},
	}

	text := documentText(doc, maxAnalysisChars)
	if strings.TrimSpace(text) == "" {
		return empty
	}

	raw, err := d.comp.CompleteWithSystem(ctx, newRegulationSystemPrompt, text)
	if err != nil {
		logging.Pipeline("new-regulation analysis request failed for %s: %v", doc.RegulationID, err)
		return empty
	}

	var payload map[string]any
	if err := comparator.ParseObject(raw, &payload); err != nil {
		logging.Pipeline("new-regulation analysis reply unparseable for %s: %v", doc.RegulationID, err)
		return empty
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return empty
	}

	if schema := newRegulationSchema(); schema != nil {
		if result := schema.ValidateJSON(data); !result.IsValid() {
			logging.Pipeline("new-regulation analysis failed schema validation for %s: %v", doc.RegulationID, result.Errors)
			return empty
		}
	}

	analysis := empty
	if err := json.Unmarshal(data, &analysis); err != nil {
		return empty
	}
	if analysis.KeyRequirements == nil {
		analysis.KeyRequirements = []string{}
	}
	if analysis.AffectedAreas == nil {
		analysis.AffectedAreas = []string{}
	}
	return analysis
}

// documentText joins page markdown up to the character cap.
func documentText(doc *types.StructuredDocument, maxChars int) string {
	var b strings.Builder
	for _, page := range doc.Pages {
		if b.Len() >= maxChars {
			break
		}
		b.WriteString(page.Structure.MarkdownContent)
		b.WriteString("\n\n")
	}
	return types.TruncateText(b.String(), maxChars)
}
