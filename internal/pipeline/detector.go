// Package pipeline orchestrates one change detection run: block extraction,
// section matching, bounded-concurrent classification, dedup and filtering,
// index build, and intermediate persistence. The Detector is constructed once
// by the process bootstrap with explicit dependencies and never panics or
// returns a partial batch abort; every run ends in a well-formed Result.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"regdelta/internal/align"
	"regdelta/internal/classify"
	"regdelta/internal/comparator"
	"regdelta/internal/config"
	"regdelta/internal/dedup"
	"regdelta/internal/extract"
	"regdelta/internal/logging"
	"regdelta/internal/store"
	"regdelta/internal/types"
)

// intermediateNode is the node name results are persisted under.
const intermediateNode = "change_detection"

// Run status values reported on results and summaries.
const (
	StatusSkipped       = "skipped"
	StatusError         = "error"
	StatusNewRegulation = "new_regulation"
	StatusCompleted     = "completed"
)

// BlockMatcher aligns new-document blocks with legacy-document blocks.
type BlockMatcher interface {
	Match(ctx context.Context, newBlocks, legacyBlocks []types.ReferenceBlock) []types.MatchedPair
}

// PairClassifier produces one change record per matched pair.
type PairClassifier interface {
	Classify(ctx context.Context, req classify.Request) types.ChangeRecord
}

// RunInput carries one detection request into the Detector.
type RunInput struct {
	// New is the freshly ingested structured document.
	New *types.StructuredDocument

	// Legacy optionally pins the comparison baseline. When nil, the most
	// recent prior version is looked up by citation and country code.
	Legacy *types.StructuredDocument

	// Force reruns detection even when a prior run already executed.
	Force bool

	// Guidance is optional reviewer feedback; a non-empty value forces a
	// re-evaluation run with the prior results injected as context.
	Guidance string
}

// Result is the output contract of one detection run.
type Result struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	State  State  `json:"state"`

	// Records is the deduplicated, filtered change inventory.
	Records []types.ChangeRecord `json:"change_detection_results"`

	// AuditRecords is the unfiltered deduplicated copy kept for audit.
	AuditRecords []types.ChangeRecord `json:"deduped_records,omitempty"`

	Summary        types.ChangeSummary         `json:"change_summary"`
	Index          types.ChangeIndex           `json:"change_detection_index"`
	NeedsEmbedding bool                        `json:"needs_embedding"`
	Keynote        *types.Keynote              `json:"change_keynote_data,omitempty"`
	NewRegulation  *types.NewRegulationAnalysis `json:"new_regulation_analysis,omitempty"`
	Error          string                      `json:"error,omitempty"`
}

// Detector is the change detection service.
type Detector struct {
	cfg        *config.Config
	comp       comparator.Comparator
	store      store.Store
	extractor  *extract.Extractor
	matcher    BlockMatcher
	classifier PairClassifier
	dedup      *dedup.Deduplicator
	tracker    *stateTracker
}

// NewDetector wires a Detector from its collaborators.
func NewDetector(cfg *config.Config, comp comparator.Comparator, st store.Store) *Detector {
	return &Detector{
		cfg:        cfg,
		comp:       comp,
		store:      st,
		extractor:  extract.New(),
		matcher:    align.NewMatcher(comp, cfg.Detection),
		classifier: classify.NewClassifier(comp, st, cfg.Detection),
		dedup:      dedup.New(cfg.Detection.Thresholds),
		tracker:    newStateTracker(),
	}
}

// Run executes one detection. It always returns a well-formed Result; every
// failure mode degrades to a terminal state instead of an error return.
func (d *Detector) Run(ctx context.Context, input RunInput) *Result {
	timer := logging.StartTimer(logging.CategoryPipeline, "Run")
	defer timer.Stop()

	if input.New == nil || input.New.RegulationID == "" {
		logging.Pipeline("no input document, skipping run")
		return &Result{Status: StatusSkipped, State: StateSkipped, Summary: types.ChangeSummary{Status: StatusSkipped}}
	}
	newID := input.New.RegulationID

	if len(input.New.Pages) == 0 {
		logging.Pipeline("document %s has no pages, upstream extraction failed", newID)
		return &Result{
			Status:  StatusError,
			State:   StateError,
			Error:   "structured document has no pages",
			Summary: types.ChangeSummary{Status: StatusError, NewID: newID},
		}
	}

	// Reviewer guidance always forces a re-evaluation.
	force := input.Force || input.Guidance != ""

	var st *ExecutionState
	if force {
		st = d.tracker.reset(newID)
	} else {
		st = d.tracker.begin(newID)
		if prior := d.loadPersisted(ctx, newID); prior != nil {
			logging.Pipeline("run for %s already executed, returning persisted results", newID)
			return prior
		}
	}
	logging.Pipeline("run %s: detecting changes for %s (force=%v)", st.RunID, newID, force)

	legacy := d.resolveLegacy(ctx, input)
	if legacy == nil {
		return d.runNewRegulation(ctx, st, input.New)
	}
	return d.runComparison(ctx, st, input, legacy)
}

// loadPersisted returns the persisted result of a prior run, or nil.
func (d *Detector) loadPersisted(ctx context.Context, regulationID string) *Result {
	data, err := d.store.GetIntermediate(ctx, regulationID, intermediateNode)
	if err != nil {
		if err != store.ErrNotFound {
			logging.PipelineDebug("persisted result load failed for %s: %v", regulationID, err)
		}
		return nil
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		logging.Pipeline("persisted result for %s is unreadable, re-running: %v", regulationID, err)
		return nil
	}
	return &res
}

// resolveLegacy picks the comparison baseline. Lookup failures are treated as
// "no prior version": logged and degraded, never fatal.
func (d *Detector) resolveLegacy(ctx context.Context, input RunInput) *types.StructuredDocument {
	if input.Legacy != nil {
		return input.Legacy
	}

	meta := input.New.Metadata()
	if meta.CitationCode == "" {
		logging.Pipeline("document %s carries no citation code, treating as new regulation", input.New.RegulationID)
		return nil
	}

	cutoff := input.New.CreatedAt
	if cutoff.IsZero() {
		cutoff = time.Now().UTC()
	}
	legacy, err := d.store.FindLatestLegacy(ctx, meta.CitationCode, meta.CountryCode, cutoff)
	if err != nil {
		if err != store.ErrNotFound {
			logging.Pipeline("legacy lookup failed for %s/%s, treating as new regulation: %v",
				meta.CitationCode, meta.CountryCode, err)
		}
		return nil
	}
	if legacy.RegulationID == input.New.RegulationID {
		logging.Pipeline("legacy lookup returned the input document itself, treating as new regulation")
		return nil
	}
	return legacy
}

// runComparison is the full detection path against a found legacy document.
func (d *Detector) runComparison(ctx context.Context, st *ExecutionState, input RunInput, legacy *types.StructuredDocument) *Result {
	newDoc := input.New

	// BLOCK_EXTRACTION: both sides in parallel. Extraction never errors.
	var newBlocks, legacyBlocks []types.ReferenceBlock
	var g errgroup.Group
	g.Go(func() error {
		newBlocks = d.extractor.Blocks(newDoc)
		return nil
	})
	g.Go(func() error {
		legacyBlocks = d.extractor.Blocks(legacy)
		return nil
	})
	g.Wait()
	logging.Pipeline("run %s: extracted %d new / %d legacy blocks", st.RunID, len(newBlocks), len(legacyBlocks))

	// MATCHING
	pairs := d.matcher.Match(ctx, newBlocks, legacyBlocks)
	logging.Pipeline("run %s: matched %d pairs", st.RunID, len(pairs))

	// CLASSIFICATION, bounded-concurrent
	records := d.classifyAll(ctx, pairs, newDoc.RegulationID, legacy.RegulationID, input.Guidance)

	// DEDUP_FILTER
	deduped := d.dedup.Deduplicate(records)
	filtered := d.dedup.Filter(deduped)

	// INDEX_BUILD
	index := dedup.BuildIndex(filtered)

	detected := 0
	high := 0
	for _, rec := range filtered {
		if !rec.ChangeDetected {
			continue
		}
		detected++
		if rec.ConfidenceLevel == types.ConfidenceHigh {
			high++
		}
	}

	summary := types.ChangeSummary{
		Status:                StatusCompleted,
		TotalReferenceBlocks:  len(newBlocks),
		TotalChanges:          detected,
		HighConfidenceChanges: high,
		LegacyID:              legacy.RegulationID,
		NewID:                 newDoc.RegulationID,
	}

	res := &Result{
		RunID:          st.RunID,
		Status:         StatusCompleted,
		State:          StateCompleted,
		Records:        filtered,
		AuditRecords:   deduped,
		Summary:        summary,
		Index:          index,
		NeedsEmbedding: detected > 0,
		Keynote:        d.buildKeynote(newDoc, legacy, summary, filtered),
	}

	// PERSIST_INTERMEDIATE: failure is logged, run still completes.
	d.persist(ctx, newDoc.RegulationID, res)
	d.tracker.markExecuted(newDoc.RegulationID)

	logging.Pipeline("run %s: completed with %d changes (%d high confidence)", st.RunID, detected, high)
	return res
}

// buildKeynote assembles the condensed report-ready summary.
func (d *Detector) buildKeynote(newDoc, legacy *types.StructuredDocument, summary types.ChangeSummary, records []types.ChangeRecord) *types.Keynote {
	meta := newDoc.Metadata()
	sectionChanges := make([]types.ChangeRecord, 0, len(records))
	for _, rec := range records {
		if rec.ChangeDetected {
			sectionChanges = append(sectionChanges, rec)
		}
	}

	keynote := &types.Keynote{
		RegulationID:   newDoc.RegulationID,
		Country:        meta.CountryCode,
		CitationCode:   meta.CitationCode,
		Title:          meta.Title,
		EffectiveDate:  meta.EffectiveDate,
		AnalysisDate:   time.Now().UTC().Format("2006-01-02"),
		ChangeSummary:  summary,
		SectionChanges: sectionChanges,
	}
	if legacy != nil {
		keynote.LegacyRegulation = &types.LegacyRef{RegulationID: legacy.RegulationID}
	}
	return keynote
}

// persist saves the run result under the intermediate node.
func (d *Detector) persist(ctx context.Context, regulationID string, res *Result) {
	data, err := json.Marshal(res)
	if err != nil {
		logging.Pipeline("result marshal failed for %s: %v", regulationID, err)
		return
	}
	if err := d.store.SaveIntermediate(ctx, regulationID, intermediateNode, data); err != nil {
		logging.Pipeline("intermediate persist failed for %s, continuing without replay cache: %v", regulationID, err)
	}
}
