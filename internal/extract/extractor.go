// Package extract turns a structured regulatory document into the ordered
// list of reference blocks used as atomic comparison units. Extraction never
// fails: malformed metadata degrades to wider windows or whole-page blocks.
package extract

import (
	"fmt"
	"strings"
	"unicode"

	"regdelta/internal/logging"
	"regdelta/internal/types"
)

const (
	// MinWindowLines is the minimum explicit-block window. When metadata
	// arrives with end <= start the window widens to this many lines.
	MinWindowLines = 20

	// PageFallbackChars caps whole-page fallback blocks.
	PageFallbackChars = 500

	// MaxHeuristicKeywords caps derived keyword sets.
	MaxHeuristicKeywords = 5
)

// Extractor produces reference blocks from structured documents.
type Extractor struct{}

// New creates an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Blocks extracts the ordered comparison units from doc. Pages with explicit
// block metadata are sliced per block; pages without any metadata fall back
// to a single truncated whole-page block labeled "Page {n}". Blocks that
// slice down to empty text are dropped rather than emitted.
func (e *Extractor) Blocks(doc *types.StructuredDocument) []types.ReferenceBlock {
	timer := logging.StartTimer(logging.CategoryExtract, "Extractor.Blocks")
	defer timer.Stop()

	if doc == nil {
		return nil
	}

	var blocks []types.ReferenceBlock
	for _, page := range doc.Pages {
		markdown := page.Structure.MarkdownContent

		if len(page.Structure.ReferenceBlocks) == 0 {
			if b, ok := pageFallback(doc.RegulationID, page.PageNum, markdown); ok {
				blocks = append(blocks, b)
			}
			continue
		}

		lines := strings.Split(markdown, "\n")
		for _, meta := range page.Structure.ReferenceBlocks {
			text := sliceWindow(lines, meta.StartLine, meta.EndLine)
			if strings.TrimSpace(text) == "" {
				logging.ExtractDebug("dropping empty block %q on page %d", meta.SectionRef, page.PageNum)
				continue
			}

			keywords := meta.Keywords
			if len(keywords) == 0 {
				keywords = HeuristicKeywords(text, MaxHeuristicKeywords)
			}
			keywords = types.MergeKeywords(types.MaxBlockKeywords, keywords)

			blocks = append(blocks, types.ReferenceBlock{
				SectionRef: meta.SectionRef,
				Text:       text,
				Keywords:   keywords,
				PageNum:    page.PageNum,
				DocID:      doc.RegulationID,
			})
		}
	}

	logging.Extract("extracted %d blocks from %s (%d pages)", len(blocks), doc.RegulationID, len(doc.Pages))
	return blocks
}

// sliceWindow returns the joined [start, end) line window, clamped into the
// document. A degenerate window (end <= start) widens to a minimum of
// MinWindowLines lines from start.
func sliceWindow(lines []string, start, end int) string {
	total := len(lines)
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	if end <= start {
		end = start + MinWindowLines
	}
	if end > total {
		end = total
	}
	return strings.Join(lines[start:end], "\n")
}

// pageFallback builds a whole-page block from the first PageFallbackChars
// characters of the page markdown. Empty pages produce nothing.
func pageFallback(docID string, pageNum int, markdown string) (types.ReferenceBlock, bool) {
	text := strings.TrimSpace(markdown)
	if text == "" {
		return types.ReferenceBlock{}, false
	}
	if len(text) > PageFallbackChars {
		text = text[:PageFallbackChars]
	}
	return types.ReferenceBlock{
		SectionRef: fmt.Sprintf("Page %d", pageNum),
		Text:       text,
		Keywords:   HeuristicKeywords(text, MaxHeuristicKeywords),
		PageNum:    pageNum,
		DocID:      docID,
	}, true
}

// HeuristicKeywords derives a keyword set from free text: tokens containing
// digits (limits, dosages, dates) plus capitalized tokens, first-seen order,
// capped at max. Shared with the classifier's keyword merge step.
func HeuristicKeywords(text string, max int) []string {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '%'
	})

	seen := make(map[string]bool)
	var keywords []string
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".%")
		if len(tok) < 2 {
			continue
		}
		if !hasDigit(tok) && !startsUpper(tok) {
			continue
		}
		key := strings.ToLower(tok)
		if seen[key] {
			continue
		}
		seen[key] = true
		keywords = append(keywords, tok)
		if max > 0 && len(keywords) >= max {
			break
		}
	}
	return keywords
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func startsUpper(s string) bool {
	for _, r := range s {
		return unicode.IsUpper(r)
	}
	return false
}
