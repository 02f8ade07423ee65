package utils

import (
	"fmt"
	"sync"
)

// Job represents a task to be executed by a worker.
type Job struct {
	Task func()
}

// WorkerPool runs submitted jobs on a fixed number of goroutines.
type WorkerPool struct {
	workers   int
	jobQueue  chan Job
	waitGroup sync.WaitGroup

	mu     sync.Mutex
	panics []error
}

// NewWorkerPool creates a new WorkerPool with the specified number of workers (at least one).
func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	pool := &WorkerPool{
		workers:  workers,
		jobQueue: make(chan Job, workers),
	}

	pool.waitGroup.Add(workers)
	for i := 0; i < workers; i++ {
		go pool.worker()
	}

	return pool
}

// Size returns the number of workers.
func (wp *WorkerPool) Size() int {
	return wp.workers
}

// worker processes jobs from the jobQueue. A panicking job does not take the worker down.
func (wp *WorkerPool) worker() {
	defer wp.waitGroup.Done()
	for job := range wp.jobQueue {
		wp.run(job)
	}
}

func (wp *WorkerPool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			wp.mu.Lock()
			wp.panics = append(wp.panics, fmt.Errorf("job panicked: %v", r))
			wp.mu.Unlock()
		}
	}()
	job.Task()
}

// Submit adds a new job to the worker pool. It blocks while every worker is busy and the queue is full.
func (wp *WorkerPool) Submit(task func()) {
	wp.jobQueue <- Job{Task: task}
}

// Shutdown waits for all queued jobs to finish, stops the workers and returns
// the panics recovered from jobs.
func (wp *WorkerPool) Shutdown() []error {
	close(wp.jobQueue)
	wp.waitGroup.Wait()

	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.panics
}
