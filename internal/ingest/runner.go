package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/cityworks/permit-pipeline/internal/logging"
	"github.com/cityworks/permit-pipeline/internal/soda"
)

// DatasetResult is one loader's outcome within a RunAll call.
type DatasetResult struct {
	DatasetID string
	RowCount  int
	Skipped   int
	Err       error
}

// RunAll ingests every loader, fanning out up to maxParallel at a time as
// required by §5 ("Ingestion of independent datasets may run in parallel,
// bounded by a configurable max_parallel_ingest"). All loaders share the
// same *soda.Client and therefore the same rate-budget limiter.
func RunAll(ctx context.Context, client *soda.Client, store *Store, loaders []Loader, overlap time.Duration, maxParallel int, log *logging.Logger) []DatasetResult {
	if maxParallel < 1 {
		maxParallel = 1
	}

	results := make([]DatasetResult, len(loaders))
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup

	for i, loader := range loaders {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, loader Loader) {
			defer wg.Done()
			defer func() { <-sem }()

			rowCount, skipped, err := Run(ctx, client, store, loader, overlap, log)
			results[i] = DatasetResult{
				DatasetID: loader.DatasetID(),
				RowCount:  rowCount,
				Skipped:   skipped,
				Err:       err,
			}
		}(i, loader)
	}

	wg.Wait()
	return results
}
