// Package concurrency provides a bounded, settle-all fan-out primitive.
// Unlike errgroup, a failing item never cancels its siblings: every item
// runs to completion and the caller receives one result per input, in
// input order.
package concurrency

import (
	"context"
	"sync"
)

// DefaultParallelism bounds fan-out when the caller passes a
// non-positive worker count.
const DefaultParallelism = 10

// Result is the settled outcome of processing one item.
type Result[T any] struct {
	Item T
	Err  error
}

// Failed returns the subset of results that carry an error.
func Failed[T any](results []Result[T]) []Result[T] {
	var failed []Result[T]
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// ExecuteSettled runs fn over items with at most parallelism workers and
// returns one Result per item, index-aligned with the input. It only
// returns early when ctx is cancelled; in that case items not yet started
// settle with ctx.Err().
func ExecuteSettled[T any](ctx context.Context, items []T, parallelism int, fn func(ctx context.Context, item T) error) []Result[T] {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	results := make([]Result[T], len(items))
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	for i, item := range items {
		results[i].Item = item
		select {
		case <-ctx.Done():
			results[i].Err = ctx.Err()
			continue
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i].Err = fn(ctx, item)
		}(i, item)
	}
	wg.Wait()
	return results
}
