package match

import (
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"layoutid/internal"
)

// FileOutcome pairs a submitted file with its identification result.
type FileOutcome struct {
	File    string           `json:"file"`
	Outcome internal.Outcome `json:"outcome"`
}

// Batch identifies many files with at most workers in flight. Results keep
// the order of paths. Password-protected files are reported, not retried.
func (e *Engine) Batch(ctx context.Context, paths []string, hints internal.Hints, workers int) ([]FileOutcome, error) {
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("create batch pool: %w", err)
	}
	defer pool.Release()

	out := make([]FileOutcome, len(paths))
	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				out[i] = FileOutcome{File: path, Outcome: internal.Failure(internal.ErrorUnreadable, ctx.Err().Error())}
				return
			}
			out[i] = FileOutcome{File: path, Outcome: e.Identify(ctx, path, hints, "")}
		}); err != nil {
			wg.Done()
			e.logger.Warn("batch submit failed", zap.String("file", path), zap.Error(err))
			out[i] = FileOutcome{File: path, Outcome: internal.Failure(internal.ErrorUnreadable, err.Error())}
		}
	}
	wg.Wait()
	return out, nil
}
