// Package dedup collapses duplicate change records, applies the asymmetric
// keep filter, and builds the section-ref change index consumed by report
// generation.
package dedup

import (
	"regexp"
	"strings"

	"regdelta/internal/config"
	"regdelta/internal/logging"
	"regdelta/internal/types"
)

// sectionNumberRe pulls the leading hierarchical number out of a section ref
// ("3.2", "12.4.1").
var sectionNumberRe = regexp.MustCompile(`\d+\.\d+(?:\.\d+)*`)

// NormalizeSectionRef reduces a section reference to its canonical comparison
// key. Symbols and labels vary between documents ("§ 3.2", "Section 3.2",
// "Art. 3.2") but the hierarchical number is stable, so the first number wins.
// Refs with no number fall back to the lowercased stripped text.
func NormalizeSectionRef(ref string) string {
	if m := sectionNumberRe.FindString(ref); m != "" {
		return m
	}
	stripped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.':
			return r
		}
		return -1
	}, ref)
	return strings.ToLower(stripped)
}

// Deduplicator collapses and filters change records.
type Deduplicator struct {
	keepDetected   float64
	keepUndetected float64
}

// New creates a Deduplicator from the configured thresholds.
func New(t config.Thresholds) *Deduplicator {
	return &Deduplicator{
		keepDetected:   t.KeepDetected,
		keepUndetected: t.KeepUndetected,
	}
}

// Deduplicate collapses records sharing a normalized section ref, keeping the
// highest-confidence record per ref. Ties keep the record seen first. Input
// order is preserved for the survivors.
func (d *Deduplicator) Deduplicate(records []types.ChangeRecord) []types.ChangeRecord {
	type slot struct {
		pos int
		rec types.ChangeRecord
	}
	byRef := make(map[string]slot)
	order := make([]string, 0, len(records))

	for i, rec := range records {
		key := NormalizeSectionRef(rec.SectionRef)
		existing, seen := byRef[key]
		if !seen {
			byRef[key] = slot{pos: i, rec: rec}
			order = append(order, key)
			continue
		}
		if rec.ConfidenceScore > existing.rec.ConfidenceScore {
			logging.Dedup("section %s: replacing record (%.2f) with higher-confidence duplicate (%.2f)",
				key, existing.rec.ConfidenceScore, rec.ConfidenceScore)
			byRef[key] = slot{pos: existing.pos, rec: rec}
		}
	}

	out := make([]types.ChangeRecord, 0, len(order))
	for _, key := range order {
		out = append(out, byRef[key].rec)
	}
	return out
}

// Filter applies the asymmetric keep thresholds: a detected change survives at
// the lower bar, an asserted no-change needs the higher one. Error sentinels
// score 0.0 and drop out here, which is intended: they already surfaced in the
// logs and have nothing reliable to report.
func (d *Deduplicator) Filter(records []types.ChangeRecord) []types.ChangeRecord {
	out := make([]types.ChangeRecord, 0, len(records))
	for _, rec := range records {
		keep := d.keepDetected
		if !rec.ChangeDetected {
			keep = d.keepUndetected
		}
		if rec.ConfidenceScore >= keep {
			out = append(out, rec)
			continue
		}
		logging.Dedup("section %s: filtered out (detected=%v score=%.2f)",
			rec.SectionRef, rec.ChangeDetected, rec.ConfidenceScore)
	}
	return out
}

// BuildIndex maps normalized section refs to their records, restricted to
// detected changes. Callers pass the filtered list.
func BuildIndex(records []types.ChangeRecord) types.ChangeIndex {
	index := make(types.ChangeIndex)
	for _, rec := range records {
		if !rec.ChangeDetected {
			continue
		}
		index[NormalizeSectionRef(rec.SectionRef)] = rec
	}
	return index
}
