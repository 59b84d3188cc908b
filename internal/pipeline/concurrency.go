package pipeline

import (
	"context"
	"sync"

	"regdelta/internal/classify"
	"regdelta/internal/logging"
	"regdelta/internal/types"
)

// classifyAll runs the classifier over all pairs under the configured
// concurrency bound. Each task writes only its own slot; aggregation happens
// after the full join. A panicking task is caught, logged, and excluded so
// the batch always completes with every surviving record.
func (d *Detector) classifyAll(ctx context.Context, pairs []types.MatchedPair, newID, legacyID, guidance string) []types.ChangeRecord {
	timer := logging.StartTimer(logging.CategoryPipeline, "classifyAll")
	defer timer.Stop()

	bound := d.cfg.Detection.Concurrency
	if bound <= 0 {
		bound = 1
	}

	sem := make(chan struct{}, bound)
	results := make([]*types.ChangeRecord, len(pairs))
	var wg sync.WaitGroup

	for i, pair := range pairs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, pair types.MatchedPair) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					logging.Pipeline("classification task for %s panicked, excluding: %v", pair.New.SectionRef, r)
				}
			}()

			rec := d.classifier.Classify(ctx, classify.Request{
				Pair:               pair,
				NewRegulationID:    newID,
				LegacyRegulationID: legacyID,
				Guidance:           guidance,
			})
			results[i] = &rec
		}(i, pair)
	}
	wg.Wait()

	out := make([]types.ChangeRecord, 0, len(pairs))
	for _, rec := range results {
		if rec != nil {
			out = append(out, *rec)
		}
	}
	if len(out) < len(pairs) {
		logging.Pipeline("classification completed with %d/%d records", len(out), len(pairs))
	}
	return out
}
