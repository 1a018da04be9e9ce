package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchResult pairs one batch item with its outcome.
type BatchResult[T any] struct {
	Item T
	Err  error
}

// RunBatches partitions items into fixed-width batches and runs each
// batch's items concurrently. A batch must finish before the next one
// starts, so concurrency never exceeds width. Per-item failures are
// collected, never short-circuited.
func RunBatches[T any](ctx context.Context, items []T, width int, fn func(ctx context.Context, item T) error) []BatchResult[T] {
	if width < 1 {
		width = 1
	}

	results := make([]BatchResult[T], len(items))

	for start := 0; start < len(items); start += width {
		end := min(start+width, len(items))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = BatchResult[T]{Item: items[i], Err: fn(ctx, items[i])}

				return nil
			})
		}

		// Item errors live in results; the group itself never fails.
		_ = g.Wait()
	}

	return results
}
