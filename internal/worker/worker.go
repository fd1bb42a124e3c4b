package worker

import (
	"context"
	"sync"
)

type ProcessFunc[J any] func(ctx context.Context, job J) error

// WorkerPool runs submitted jobs on a fixed number of goroutines. Every
// submitted job reaches the processor, even after ctx is cancelled, so the
// processor can account for it; it is expected to check ctx itself.
type WorkerPool[J any] struct {
	numWorkers int
	jobs       chan J
	processor  ProcessFunc[J]
	onError    func(job J, err error)
	wg         sync.WaitGroup
}

func NewWorkerPool[J any](numWorkers int, bufferSize int, processor ProcessFunc[J]) *WorkerPool[J] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &WorkerPool[J]{
		numWorkers: numWorkers,
		jobs:       make(chan J, bufferSize),
		processor:  processor,
	}
}

// OnError sets a callback for jobs whose processor returned an error. Must be
// called before Start.
func (wp *WorkerPool[J]) OnError(fn func(job J, err error)) {
	wp.onError = fn
}

func (wp *WorkerPool[J]) Start(ctx context.Context) {
	for i := 1; i <= wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool[J]) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	for job := range wp.jobs {
		if err := wp.processor(ctx, job); err != nil && wp.onError != nil {
			wp.onError(job, err)
		}
	}
}

func (wp *WorkerPool[J]) Submit(job J) {
	wp.jobs <- job
}

// Stop stops accepting jobs and waits for the queued ones to finish.
func (wp *WorkerPool[J]) Stop() {
	close(wp.jobs)
	wp.wg.Wait()
}
