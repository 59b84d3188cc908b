// Package align pairs new-document reference blocks with their legacy
// counterparts by topic rather than by section number, since numbering
// schemes drift between revisions. The primary strategy asks the semantic
// comparator for an alignment; any failure there degrades silently to
// deterministic keyword-overlap matching. Matching never returns an error.
package align

import (
	"context"
	"fmt"
	"strings"

	"regdelta/internal/comparator"
	"regdelta/internal/config"
	"regdelta/internal/logging"
	"regdelta/internal/types"
)

const matchSystemPrompt = `You align sections of two revisions of the same regulation by topic.
Section numbers are NOT stable between revisions; match on subject matter.
Reply with ONLY a JSON array of objects:
  {"new_block_id": <index into NEW>, "legacy_block_id": <index into LEGACY>, "confidence": <one of 1.0, 0.8, 0.6, 0.4>, "reason": "<short>"}
Use confidence 1.0 for identical topics, 0.8 for clearly the same section,
0.6 for probable matches, 0.4 for weak matches. Omit blocks with no
counterpart. Do not invent indices.`

// Matcher aligns reference blocks across document revisions.
type Matcher struct {
	comp       comparator.Comparator
	maxBlocks  int
	previewLen int
	jaccardMin float64
}

// NewMatcher creates a Matcher. comp may be nil, in which case only the
// keyword fallback runs.
func NewMatcher(comp comparator.Comparator, det config.DetectionConfig) *Matcher {
	return &Matcher{
		comp:       comp,
		maxBlocks:  det.MaxBlocksPerSide,
		previewLen: det.PreviewLength,
		jaccardMin: det.Thresholds.JaccardMin,
	}
}

// matchEntry is one alignment in the comparator's reply.
type matchEntry struct {
	NewBlockID    int     `json:"new_block_id"`
	LegacyBlockID int     `json:"legacy_block_id"`
	Confidence    float64 `json:"confidence"`
	Reason        string  `json:"reason"`
}

// Match produces matched pairs for classification. It never fails: a
// comparator error or unparseable reply falls back to keyword matching, and
// an empty result is a legitimate outcome.
func (m *Matcher) Match(ctx context.Context, newBlocks, legacyBlocks []types.ReferenceBlock) []types.MatchedPair {
	timer := logging.StartTimer(logging.CategoryAlign, "Matcher.Match")
	defer timer.Stop()

	newBlocks = capBlocks(newBlocks, m.maxBlocks)
	legacyBlocks = capBlocks(legacyBlocks, m.maxBlocks)
	if len(newBlocks) == 0 || len(legacyBlocks) == 0 {
		return nil
	}

	if m.comp != nil {
		if pairs, err := m.matchSemantic(ctx, newBlocks, legacyBlocks); err == nil {
			logging.Align("semantic matching produced %d pairs (%d new, %d legacy)",
				len(pairs), len(newBlocks), len(legacyBlocks))
			return pairs
		} else {
			logging.Get(logging.CategoryAlign).Warn("semantic matching failed, using keyword fallback: %v", err)
		}
	}

	pairs := m.matchKeywords(newBlocks, legacyBlocks)
	logging.Align("keyword fallback produced %d pairs (%d new, %d legacy)",
		len(pairs), len(newBlocks), len(legacyBlocks))
	return pairs
}

// matchSemantic runs the primary comparator strategy.
func (m *Matcher) matchSemantic(ctx context.Context, newBlocks, legacyBlocks []types.ReferenceBlock) ([]types.MatchedPair, error) {
	var sb strings.Builder
	sb.WriteString("NEW document blocks:\n")
	m.writeSummaries(&sb, newBlocks)
	sb.WriteString("\nLEGACY document blocks:\n")
	m.writeSummaries(&sb, legacyBlocks)

	resp, err := m.comp.CompleteWithSystem(ctx, matchSystemPrompt, sb.String())
	if err != nil {
		return nil, fmt.Errorf("comparator call: %w", err)
	}

	entries, err := parseMatchReply(resp)
	if err != nil {
		return nil, err
	}

	var pairs []types.MatchedPair
	for _, e := range entries {
		if e.NewBlockID < 0 || e.NewBlockID >= len(newBlocks) ||
			e.LegacyBlockID < 0 || e.LegacyBlockID >= len(legacyBlocks) {
			logging.AlignDebug("dropping out-of-range match entry new=%d legacy=%d", e.NewBlockID, e.LegacyBlockID)
			continue
		}
		conf := e.Confidence
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}
		reason := e.Reason
		if reason == "" {
			reason = "semantic match"
		}
		pairs = append(pairs, types.MatchedPair{
			New:             newBlocks[e.NewBlockID],
			Legacy:          legacyBlocks[e.LegacyBlockID],
			MatchConfidence: conf,
			MatchReason:     reason,
		})
	}
	return pairs, nil
}

// parseMatchReply accepts either a bare JSON array or an object carrying a
// "matches" key.
func parseMatchReply(resp string) ([]matchEntry, error) {
	var entries []matchEntry
	if err := comparator.ParseArray(resp, &entries); err == nil {
		return entries, nil
	}

	var wrapped struct {
		Matches []matchEntry `json:"matches"`
	}
	if err := comparator.ParseObject(resp, &wrapped); err != nil {
		return nil, fmt.Errorf("unparseable match reply: %w", err)
	}
	return wrapped.Matches, nil
}

// writeSummaries renders one compact line per block for the prompt.
func (m *Matcher) writeSummaries(sb *strings.Builder, blocks []types.ReferenceBlock) {
	for i, b := range blocks {
		keywords := b.Keywords
		if len(keywords) > 5 {
			keywords = keywords[:5]
		}
		fmt.Fprintf(sb, "[%d] ref=%q page=%d keywords=%s preview=%q\n",
			i, b.SectionRef, b.PageNum, strings.Join(keywords, ","),
			types.TruncateText(b.Text, m.previewLen))
	}
}

// matchKeywords is the deterministic fallback: greedy best-Jaccard matching
// over keyword sets with strict 1:1 consumption of legacy blocks. New blocks
// without a qualifying match are dropped, never force-paired.
func (m *Matcher) matchKeywords(newBlocks, legacyBlocks []types.ReferenceBlock) []types.MatchedPair {
	consumed := make([]bool, len(legacyBlocks))
	var pairs []types.MatchedPair

	for _, nb := range newBlocks {
		if len(nb.Keywords) == 0 {
			continue
		}
		bestIdx := -1
		bestSim := 0.0
		for j, lb := range legacyBlocks {
			if consumed[j] || len(lb.Keywords) == 0 {
				continue
			}
			sim := Jaccard(nb.Keywords, lb.Keywords)
			if sim > bestSim {
				bestSim = sim
				bestIdx = j
			}
		}
		if bestIdx < 0 || bestSim < m.jaccardMin {
			continue
		}
		consumed[bestIdx] = true
		pairs = append(pairs, types.MatchedPair{
			New:             nb,
			Legacy:          legacyBlocks[bestIdx],
			MatchConfidence: bestSim,
			MatchReason: fmt.Sprintf("keyword overlap %.2f (%s ~ %s)",
				bestSim, nb.SectionRef, legacyBlocks[bestIdx].SectionRef),
		})
	}
	return pairs
}

// Jaccard computes case-insensitive Jaccard similarity of two keyword sets.
func Jaccard(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for k := range setA {
		if setB[k] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func toSet(keywords []string) map[string]bool {
	set := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			set[k] = true
		}
	}
	return set
}

func capBlocks(blocks []types.ReferenceBlock, max int) []types.ReferenceBlock {
	if max > 0 && len(blocks) > max {
		return blocks[:max]
	}
	return blocks
}
