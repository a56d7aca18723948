package scrape

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/infomdss/knrb-crawler/internal/progress"
)

// Outcome reports how one batch of items fared.
type Outcome struct {
	Succeeded int
	Failed    int
}

// StageResult accumulates outcomes across all batches of a stage.
type StageResult struct {
	Succeeded int64
	Failed    int64
	// Skipped counts items never dispatched because the run was
	// canceled before their batch started.
	Skipped int64
	Elapsed time.Duration
}

// Errored reports whether any item in the stage failed or was skipped.
func (r StageResult) Errored() bool {
	return r.Failed > 0 || r.Skipped > 0
}

// BatchFunc processes one batch of items. It returns per-item counts;
// a non-nil error means the batch failed as a unit and every item in
// it counts as failed.
type BatchFunc[T any] func(ctx context.Context, items []T) (Outcome, error)

// StageOptions configure one RunStage invocation.
type StageOptions struct {
	Name        string
	Concurrency int
	BatchSize   int
	RunID       uuid.UUID
	Emitter     progress.Emitter
}

// RunStage fans items out to a bounded pool of workers in batches.
// Item failures are isolated: one bad item fails itself, not its batch
// or stage. Cancellation stops dispatching new batches but lets
// in-flight batches run to completion so no partial work is lost.
func RunStage[T any](ctx context.Context, opts StageOptions, items []T, fn BatchFunc[T]) StageResult {
	start := time.Now()
	batches := partition(items, opts.BatchSize)

	emit := func(kind progress.Kind, done int, res StageResult) {
		if opts.Emitter == nil {
			return
		}
		ev := progress.Event{
			RunID:        progress.UUIDToBytes(opts.RunID),
			TS:           time.Now().UTC(),
			Kind:         kind,
			Stage:        opts.Name,
			BatchesDone:  done,
			BatchesTotal: len(batches),
			Succeeded:    res.Succeeded,
			Failed:       res.Failed,
		}
		if kind == progress.KindStageDone {
			ev.Dur = time.Since(start)
		}
		opts.Emitter.Emit(ev)
	}

	emit(progress.KindStageStart, 0, StageResult{})

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		mu   sync.Mutex
		res  StageResult
		done int
	)
	jobs := make(chan []T)
	// In-flight batches finish even after cancellation.
	workCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range jobs {
				out, err := fn(workCtx, batch)
				mu.Lock()
				if err != nil {
					res.Failed += int64(len(batch))
				} else {
					res.Succeeded += int64(out.Succeeded)
					res.Failed += int64(out.Failed)
				}
				done++
				snapshot, doneNow := res, done
				mu.Unlock()
				emit(progress.KindBatchDone, doneNow, snapshot)
			}
		}()
	}

dispatch:
	for i, batch := range batches {
		select {
		case jobs <- batch:
		case <-ctx.Done():
			mu.Lock()
			for _, rest := range batches[i:] {
				res.Skipped += int64(len(rest))
			}
			mu.Unlock()
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	res.Elapsed = time.Since(start)
	emit(progress.KindStageDone, done, res)
	return res
}

// partition splits items into contiguous batches of at most size.
func partition[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

// BatchSize picks a batch size that keeps each worker busy with a few
// batches, with a floor so tiny inputs are not over-split.
func BatchSize(n, workers, perWorker, floor int) int {
	if workers < 1 {
		workers = 1
	}
	if perWorker < 1 {
		perWorker = 1
	}
	size := n / (workers * perWorker)
	if size < floor {
		size = floor
	}
	if size < 1 {
		size = 1
	}
	return size
}
