// Package types provides shared type definitions used across regdelta packages.
// This package exists to break import cycles between the pipeline, classifier,
// and store layers. Types in this package should be foundational data
// structures with no complex dependencies.
package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// CHANGE TYPE / CONFIDENCE LEVEL ENUMS
// =============================================================================

// ChangeType classifies what kind of substantive change a comparison found.
type ChangeType string

const (
	ChangeAdded       ChangeType = "added"
	ChangeRemoved     ChangeType = "removed"
	ChangeModified    ChangeType = "modified"
	ChangeWordingOnly ChangeType = "wording_only"
	ChangeNumeric     ChangeType = "numeric"
	ChangeScope       ChangeType = "scope_change"
	ChangeParseError  ChangeType = "parse_error"
	ChangeLLMError    ChangeType = "llm_error"
	ChangeNone        ChangeType = "none"
)

// Valid reports whether ct is one of the known change types.
func (ct ChangeType) Valid() bool {
	switch ct {
	case ChangeAdded, ChangeRemoved, ChangeModified, ChangeWordingOnly,
		ChangeNumeric, ChangeScope, ChangeParseError, ChangeLLMError, ChangeNone:
		return true
	}
	return false
}

// ParseChangeType maps a comparator-returned string onto a known change type.
// Unknown non-empty values collapse to ChangeModified: the comparator asserted
// a change but used vocabulary we don't track. Empty input means no change.
// The two error sentinels are only ever constructed internally, never parsed.
func ParseChangeType(s string) ChangeType {
	ct := ChangeType(strings.ToLower(strings.TrimSpace(s)))
	switch ct {
	case "":
		return ChangeNone
	case ChangeParseError, ChangeLLMError:
		return ChangeModified
	}
	if ct.Valid() {
		return ct
	}
	return ChangeModified
}

// ConfidenceLevel is the ordinal bucket derived from a confidence score.
type ConfidenceLevel string

const (
	ConfidenceHigh      ConfidenceLevel = "HIGH"
	ConfidenceMedium    ConfidenceLevel = "MEDIUM"
	ConfidenceLow       ConfidenceLevel = "LOW"
	ConfidenceUncertain ConfidenceLevel = "UNCERTAIN"
)

// =============================================================================
// STRUCTURED DOCUMENT (INGESTION INPUT)
// =============================================================================

// BlockMeta is explicit comparison-unit metadata attached to a page by the
// upstream structural extractor. StartLine/EndLine are 0-based line offsets
// into the page markdown, half-open [start, end).
type BlockMeta struct {
	SectionRef string   `json:"section_ref"`
	StartLine  int      `json:"start_line"`
	EndLine    int      `json:"end_line"`
	Keywords   []string `json:"keywords,omitempty"`
}

// DocumentMetadata carries regulation-level identification fields.
type DocumentMetadata struct {
	CitationCode  string `json:"citation_code"`
	CountryCode   string `json:"jurisdiction_code"`
	Title         string `json:"title"`
	EffectiveDate string `json:"effective_date"`
}

// PageStructure is the parsed structure of a single document page.
type PageStructure struct {
	MarkdownContent string           `json:"markdown_content"`
	ReferenceBlocks []BlockMeta      `json:"reference_blocks,omitempty"`
	Metadata        DocumentMetadata `json:"metadata"`
}

// Page is one ordered page of a structured document.
type Page struct {
	PageNum   int           `json:"page_num"`
	Structure PageStructure `json:"structure"`
}

// StructuredDocument is the ingestion collaborator's output and this engine's
// input: ordered pages plus the regulation identity used for lookups.
type StructuredDocument struct {
	RegulationID string    `json:"regulation_id"`
	Pages        []Page    `json:"pages"`
	CreatedAt    time.Time `json:"created_at"`
}

// Metadata returns the document-level metadata. The extractor stores it per
// page; the first page that carries a citation code wins.
func (d *StructuredDocument) Metadata() DocumentMetadata {
	for _, p := range d.Pages {
		if p.Structure.Metadata.CitationCode != "" {
			return p.Structure.Metadata
		}
	}
	if len(d.Pages) > 0 {
		return d.Pages[0].Structure.Metadata
	}
	return DocumentMetadata{}
}

// =============================================================================
// REFERENCE BLOCK / MATCHED PAIR
// =============================================================================

// MaxBlockKeywords caps the keyword set on a reference block.
const MaxBlockKeywords = 10

// ReferenceBlock is the atomic comparison unit: a leaf-level span of a
// regulatory document (section, subsection, or whole-page fallback).
type ReferenceBlock struct {
	SectionRef string   `json:"section_ref"`
	Text       string   `json:"text"`
	Keywords   []string `json:"keywords,omitempty"`
	PageNum    int      `json:"page_num"`
	DocID      string   `json:"doc_id"`
}

// Validate checks extractor invariants: text present, keyword cap respected.
func (b ReferenceBlock) Validate() error {
	if strings.TrimSpace(b.Text) == "" {
		return fmt.Errorf("reference block %q: empty text", b.SectionRef)
	}
	if len(b.Keywords) > MaxBlockKeywords {
		return fmt.Errorf("reference block %q: %d keywords exceeds cap %d",
			b.SectionRef, len(b.Keywords), MaxBlockKeywords)
	}
	return nil
}

// MatchedPair aligns one new-document block with its legacy counterpart.
// Pairs are transient: created by the matcher, consumed by the classifier.
type MatchedPair struct {
	New             ReferenceBlock `json:"new_block"`
	Legacy          ReferenceBlock `json:"legacy_block"`
	MatchConfidence float64        `json:"match_confidence"`
	MatchReason     string         `json:"match_reason"`
}

// =============================================================================
// CHANGE RECORD
// =============================================================================

// NumericalChange describes one numeric delta inside a section (limits,
// thresholds, dates, quantities).
type NumericalChange struct {
	Field       string `json:"field"`
	LegacyValue string `json:"legacy_value"`
	NewValue    string `json:"new_value"`
	Context     string `json:"context,omitempty"`
	Impact      string `json:"impact,omitempty"`
}

// Reasoning holds the comparator's structured justification. On parse
// failure, Error is set and Raw carries the truncated raw response for audit.
type Reasoning struct {
	Steps []string `json:"steps,omitempty"`
	Error string   `json:"error,omitempty"`
	Raw   string   `json:"raw,omitempty"`
}

// ChangeRecord is the classifier's output for one matched pair. Records are
// created once, scored in place, then treated as immutable by dedup, filter,
// index, and persistence.
type ChangeRecord struct {
	SectionRef       string            `json:"section_ref"`
	NewRefID         string            `json:"new_ref_id"`
	LegacyRefID      string            `json:"legacy_ref_id"`
	ChangeDetected   bool              `json:"change_detected"`
	ChangeType       ChangeType        `json:"change_type"`
	ConfidenceScore  float64           `json:"confidence_score"`
	ConfidenceLevel  ConfidenceLevel   `json:"confidence_level"`
	Reasoning        Reasoning         `json:"reasoning"`
	NumericalChanges []NumericalChange `json:"numerical_changes,omitempty"`
	Keywords         []string          `json:"keywords,omitempty"`
	NewSnippet       string            `json:"new_snippet,omitempty"`
	LegacySnippet    string            `json:"legacy_snippet,omitempty"`
}

// =============================================================================
// AGGREGATES
// =============================================================================

// ChangeSummary aggregates one detection run for downstream reporting.
type ChangeSummary struct {
	Status                string `json:"status"`
	TotalReferenceBlocks  int    `json:"total_reference_blocks"`
	TotalChanges          int    `json:"total_changes"`
	HighConfidenceChanges int    `json:"high_confidence_changes"`
	LegacyID              string `json:"legacy_id,omitempty"`
	NewID                 string `json:"new_id"`
}

// ChangeIndex maps normalized section refs to their change records,
// restricted to detected changes from the filtered list.
type ChangeIndex map[string]ChangeRecord

// NewRegulationAnalysis is the separate summarization produced when no legacy
// document exists to compare against.
type NewRegulationAnalysis struct {
	Summary         string   `json:"summary"`
	KeyRequirements []string `json:"key_requirements"`
	AffectedAreas   []string `json:"affected_areas"`
}

// LegacyRef points at the legacy regulation a run compared against.
type LegacyRef struct {
	RegulationID string `json:"regulation_id"`
}

// Keynote is the condensed structured summary prepared for report generation.
type Keynote struct {
	RegulationID     string         `json:"regulation_id"`
	Country          string         `json:"country"`
	CitationCode     string         `json:"citation_code"`
	Title            string         `json:"title"`
	EffectiveDate    string         `json:"effective_date"`
	AnalysisDate     string         `json:"analysis_date"`
	ChangeSummary    ChangeSummary  `json:"change_summary"`
	SectionChanges   []ChangeRecord `json:"section_changes"`
	LegacyRegulation *LegacyRef     `json:"legacy_regulation"`
}

// =============================================================================
// SMALL SHARED HELPERS
// =============================================================================

// MergeKeywords unions keyword slices preserving first-seen order, dropping
// blanks and case-insensitive duplicates, capped at max (0 = no cap).
func MergeKeywords(max int, lists ...[]string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, list := range lists {
		for _, kw := range list {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			key := strings.ToLower(kw)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, kw)
			if max > 0 && len(merged) >= max {
				return merged
			}
		}
	}
	return merged
}

// TruncateText shortens s to at most n runes, appending an ellipsis marker
// when truncation happened.
func TruncateText(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
