// Package fetch runs chunk retrievals with a concurrency limit shared by every
// request made against one image.
package fetch

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrency caps DefaultConcurrency when no limit is configured.
const DefaultMaxConcurrency = 1000

// DefaultConcurrency returns a small multiple of the CPU count, capped at max
// (DefaultMaxConcurrency when max <= 0).
func DefaultConcurrency(max int) int {
	if max <= 0 {
		max = DefaultMaxConcurrency
	}
	n := 4 * runtime.NumCPU()
	if n > max {
		n = max
	}
	return n
}

// Task retrieves one item.
type Task[T any] func(ctx context.Context) (T, error)

// Queue bounds the number of tasks running at once.
type Queue struct {
	sem         *semaphore.Weighted
	concurrency int
}

// NewQueue creates a queue running at most concurrency tasks at a time.
func NewQueue(concurrency int) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Queue{
		sem:         semaphore.NewWeighted(int64(concurrency)),
		concurrency: concurrency,
	}
}

// Concurrency returns the task limit.
func (q *Queue) Concurrency() int { return q.concurrency }

// AddAll runs tasks on q and returns their results in task order. The first
// failure cancels the remaining tasks and is returned.
func AddAll[T any](ctx context.Context, q *Queue, tasks []Task[T]) ([]T, error) {
	results := make([]T, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			if err := q.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer q.sem.Release(1)
			v, err := task(gctx)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
