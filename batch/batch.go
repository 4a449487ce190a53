// Package batch fans a slice of items out to a bounded pool of workers and
// collects every outcome. A failing or panicking item never aborts the
// batch; its error is recorded and the remaining items still run.
package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Worker processes one item. It runs on a pool goroutine and must be safe
// to call concurrently with itself.
type Worker[T, R any] func(ctx context.Context, item T) (R, error)

// Result is the settled outcome of a single item. Index is the item's
// position in the input slice.
type Result[T, R any] struct {
	Index int
	Input T
	Value R
	Err   error
}

// Summary holds every Result of a Run, ordered by input index regardless
// of completion order.
type Summary[T, R any] struct {
	Results []Result[T, R]
}

// Successful counts items that settled without an error.
func (s Summary[T, R]) Successful() int {
	n := 0
	for _, r := range s.Results {
		if r.Err == nil {
			n++
		}
	}
	return n
}

// Failed counts items that settled with an error.
func (s Summary[T, R]) Failed() int {
	return len(s.Results) - s.Successful()
}

// Options tunes a Run.
type Options struct {
	// Concurrency caps how many workers run at once. Values below 1 are
	// treated as 1.
	Concurrency int
	// OnProgress, when set, is called after each item settles with the
	// number settled so far and the total. Calls are serialized.
	OnProgress func(done, total int)
}

// Run processes items with at most Options.Concurrency workers in flight.
// As one item settles the next queued item starts, keeping the pool full
// until the input drains. Run returns only after every item has settled;
// item errors are collected, never propagated early. ctx reaches each
// worker so external cancellation can still cut a batch short from inside
// the workers themselves.
func Run[T, R any](ctx context.Context, items []T, worker Worker[T, R], opts Options) Summary[T, R] {
	results := make([]Result[T, R], len(items))

	limit := opts.Concurrency
	if limit < 1 {
		limit = 1
	}

	var mu sync.Mutex
	done := 0

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(limit)

	for i, item := range items {
		i, item := i, item
		group.Go(func() error {
			value, err := runOne(groupCtx, item, worker)
			results[i] = Result[T, R]{Index: i, Input: item, Value: value, Err: err}

			mu.Lock()
			done++
			if opts.OnProgress != nil {
				opts.OnProgress(done, len(items))
			}
			mu.Unlock()

			// Errors stay in the slot; returning them here would cancel
			// the group and starve the remaining items.
			return nil
		})
	}
	_ = group.Wait()

	return Summary[T, R]{Results: results}
}

// runOne shields the pool from a misbehaving worker: a panic settles as
// that item's error instead of tearing the process down.
func runOne[T, R any](ctx context.Context, item T, worker Worker[T, R]) (value R, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker panicked: %v\n%s", rec, debug.Stack())
		}
	}()
	return worker(ctx, item)
}
