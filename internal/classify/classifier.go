// Package classify runs the semantic comparison for one matched block pair
// and turns the comparator's reply into a typed change record. Failures never
// propagate as errors: a request failure yields an llm_error record and an
// unparseable reply yields a parse_error record, so one bad section never
// sinks a run.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"regdelta/internal/comparator"
	"regdelta/internal/config"
	"regdelta/internal/extract"
	"regdelta/internal/logging"
	"regdelta/internal/store"
	"regdelta/internal/types"
)

// =============================================================================
// PROMPTS
// =============================================================================

const classifySystemPrompt = `You are a regulatory change analyst. Compare a section of a new regulation against the corresponding section of its previous version and report what changed.

Respond with ONLY a JSON object:
{
  "change_detected": true or false,
  "change_type": "added" | "removed" | "modified" | "wording_only" | "numeric" | "scope_change" | "none",
  "confidence_score": 0.0 to 1.0,
  "reasoning": ["step 1", "step 2", ...],
  "numerical_changes": [{"field": "...", "legacy_value": "...", "new_value": "...", "context": "...", "impact": "..."}],
  "keywords": ["..."],
  "new_snippet": "short quote from the new text showing the change",
  "legacy_snippet": "short quote from the legacy text showing what it replaced",
  "adversarial_check": {"adjusted_confidence": 0.0 to 1.0}
}

Rules:
- "wording_only" means the text changed but the legal obligation did not.
- List every numeric delta (limits, thresholds, dates, quantities) in numerical_changes.
- In adversarial_check, argue against your own finding; if the argument holds, lower adjusted_confidence accordingly, otherwise repeat confidence_score.
- Omit adversarial_check only if you cannot evaluate your own finding.`

// =============================================================================
// CLASSIFIER
// =============================================================================

// maxRawAudit caps how much of an unparseable comparator reply is kept on the
// record for audit.
const maxRawAudit = 500

// Request carries one matched pair into classification together with the run
// identities needed to stamp composite reference IDs.
type Request struct {
	Pair               types.MatchedPair
	NewRegulationID    string
	LegacyRegulationID string

	// Guidance is optional human reviewer input. When set, the prior
	// persisted result for this section is loaded and injected into the
	// prompt so the comparator can revisit its earlier finding.
	Guidance string
}

// compareReply mirrors the comparator's JSON contract.
type compareReply struct {
	ChangeDetected   bool                    `json:"change_detected"`
	ChangeType       string                  `json:"change_type"`
	ConfidenceScore  float64                 `json:"confidence_score"`
	Reasoning        []string                `json:"reasoning"`
	NumericalChanges []types.NumericalChange `json:"numerical_changes"`
	Keywords         []string                `json:"keywords"`
	NewSnippet       string                  `json:"new_snippet"`
	LegacySnippet    string                  `json:"legacy_snippet"`
	AdversarialCheck *adversarialCheck       `json:"adversarial_check"`
}

type adversarialCheck struct {
	AdjustedConfidence *float64 `json:"adjusted_confidence"`
}

// Classifier compares matched pairs through the external comparator.
type Classifier struct {
	comp       comparator.Comparator
	inter      store.IntermediateStore
	scorer     *Scorer
	snippetLen int
}

// NewClassifier creates a Classifier. The intermediate store may be nil when
// no prior results exist to revisit (first runs, tests).
func NewClassifier(comp comparator.Comparator, inter store.IntermediateStore, det config.DetectionConfig) *Classifier {
	return &Classifier{
		comp:       comp,
		inter:      inter,
		scorer:     NewScorer(det.Thresholds),
		snippetLen: det.SnippetLength,
	}
}

// Classify compares one matched pair and always returns a usable record.
func (c *Classifier) Classify(ctx context.Context, req Request) types.ChangeRecord {
	timer := logging.StartTimer(logging.CategoryClassify, "Classify")
	defer timer.Stop()

	pair := req.Pair
	rec := types.ChangeRecord{
		SectionRef:  pair.New.SectionRef,
		NewRefID:    RefID(req.NewRegulationID, pair.New),
		LegacyRefID: RefID(req.LegacyRegulationID, pair.Legacy),
	}

	prompt := c.buildPrompt(ctx, req)

	raw, err := c.comp.CompleteWithSystem(ctx, classifySystemPrompt, prompt)
	if err != nil {
		logging.Classify("comparator request failed for %s: %v", pair.New.SectionRef, err)
		return c.sentinel(rec, pair, types.ChangeLLMError, fmt.Sprintf("comparator request failed: %v", err), "")
	}

	var reply compareReply
	if err := comparator.ParseObject(raw, &reply); err != nil {
		logging.Classify("unparseable comparator reply for %s: %v", pair.New.SectionRef, err)
		return c.sentinel(rec, pair, types.ChangeParseError, fmt.Sprintf("unparseable comparator reply: %v", err), raw)
	}

	return c.finalize(rec, pair, reply)
}

// RefID builds the composite reference ID for a block within a regulation.
func RefID(regulationID string, block types.ReferenceBlock) string {
	return fmt.Sprintf("%s-%s-P%d", regulationID, block.SectionRef, block.PageNum)
}

// buildPrompt assembles the user prompt, injecting prior-result context when
// reviewer guidance is present.
func (c *Classifier) buildPrompt(ctx context.Context, req Request) string {
	pair := req.Pair

	var b strings.Builder
	fmt.Fprintf(&b, "Section: %s\n\n", pair.New.SectionRef)
	fmt.Fprintf(&b, "LEGACY TEXT:\n%s\n\n", pair.Legacy.Text)
	fmt.Fprintf(&b, "NEW TEXT:\n%s\n", pair.New.Text)

	if req.Guidance != "" {
		logging.HITL("re-evaluating %s/%s with reviewer guidance", req.NewRegulationID, pair.New.SectionRef)
		if prior := c.loadPrior(ctx, req.NewRegulationID, pair.New.SectionRef); prior != "" {
			fmt.Fprintf(&b, "\nPREVIOUS ANALYSIS OF THIS SECTION:\n%s\n", prior)
		}
		fmt.Fprintf(&b, "\nREVIEWER GUIDANCE:\n%s\n", req.Guidance)
		b.WriteString("\nRe-evaluate the comparison taking the reviewer guidance into account.\n")
	}

	return b.String()
}

// loadPrior fetches the persisted result for this section from the last run,
// if any. Failures degrade to no prior context.
func (c *Classifier) loadPrior(ctx context.Context, regulationID, sectionRef string) string {
	if c.inter == nil {
		return ""
	}
	data, err := c.inter.GetIntermediate(ctx, regulationID, "change_detection")
	if err != nil {
		if err != store.ErrNotFound {
			logging.ClassifyDebug("prior result load failed for %s: %v", regulationID, err)
		}
		return ""
	}

	var persisted struct {
		Records []types.ChangeRecord `json:"change_detection_results"`
	}
	if err := json.Unmarshal(data, &persisted); err != nil {
		logging.ClassifyDebug("prior result unmarshal failed for %s: %v", regulationID, err)
		return ""
	}
	for _, prev := range persisted.Records {
		if prev.SectionRef != sectionRef {
			continue
		}
		summary, err := json.Marshal(prev)
		if err != nil {
			return ""
		}
		return string(summary)
	}
	return ""
}

// sentinel builds the error record for a failed comparison. The raw reply, if
// any, is truncated and kept for audit.
func (c *Classifier) sentinel(rec types.ChangeRecord, pair types.MatchedPair, ct types.ChangeType, msg, raw string) types.ChangeRecord {
	rec.ChangeDetected = false
	rec.ChangeType = ct
	rec.ConfidenceScore = 0.0
	rec.ConfidenceLevel = types.ConfidenceUncertain
	rec.Reasoning = types.Reasoning{Error: msg}
	if raw != "" {
		rec.Reasoning.Raw = types.TruncateText(raw, maxRawAudit)
	}
	rec.NewSnippet = types.TruncateText(pair.New.Text, c.snippetLen)
	rec.LegacySnippet = types.TruncateText(pair.Legacy.Text, c.snippetLen)
	return rec
}

// finalize applies scoring and post-processing to a parsed reply.
func (c *Classifier) finalize(rec types.ChangeRecord, pair types.MatchedPair, reply compareReply) types.ChangeRecord {
	rec.ChangeDetected = reply.ChangeDetected
	rec.ChangeType = types.ParseChangeType(reply.ChangeType)
	if rec.ChangeDetected && rec.ChangeType == types.ChangeNone {
		rec.ChangeType = types.ChangeModified
	}
	rec.Reasoning = types.Reasoning{Steps: reply.Reasoning}
	rec.NumericalChanges = reply.NumericalChanges

	var adjusted *float64
	if reply.AdversarialCheck != nil {
		adjusted = reply.AdversarialCheck.AdjustedConfidence
	}
	rec.ConfidenceScore = c.scorer.Score(reply.ConfidenceScore, adjusted, len(reply.NumericalChanges))
	rec.ConfidenceLevel = c.scorer.Level(rec.ConfidenceScore)

	rec.NewSnippet = types.TruncateText(reply.NewSnippet, c.snippetLen)
	if strings.TrimSpace(rec.NewSnippet) == "" {
		rec.NewSnippet = types.TruncateText(pair.New.Text, c.snippetLen)
	}
	rec.LegacySnippet = types.TruncateText(reply.LegacySnippet, c.snippetLen)
	if strings.TrimSpace(rec.LegacySnippet) == "" {
		rec.LegacySnippet = types.TruncateText(pair.Legacy.Text, c.snippetLen)
	}

	var numericFields []string
	for _, nc := range reply.NumericalChanges {
		if nc.Field != "" {
			numericFields = append(numericFields, nc.Field)
		}
	}
	rec.Keywords = types.MergeKeywords(types.MaxBlockKeywords,
		reply.Keywords,
		numericFields,
		extract.HeuristicKeywords(rec.NewSnippet, types.MaxBlockKeywords),
		extract.HeuristicKeywords(rec.LegacySnippet, types.MaxBlockKeywords),
	)

	return rec
}
