package executor

import (
	"context"
	"sync"
	"time"
)

// Queue defaults. Package-level vars so tests can override.
var (
	defaultFlushWindow = 50 * time.Millisecond
	defaultMaxBatch    = 10
)

// BatchRunner executes a positional batch. *Batches implements it.
type BatchRunner interface {
	ExecuteBatchResults(ctx context.Context, commands []string) ([]BatchItem, error)
}

type queuedCommand struct {
	command string
	done    chan outcome
}

// Queue accumulates low-priority commands and sends them as one batch after
// the flush window elapses or once MaxBatch commands are waiting, whichever
// comes first.
type Queue struct {
	runner   BatchRunner
	window   time.Duration
	maxBatch int

	mu     sync.Mutex
	queued []queuedCommand
	timer  *time.Timer
	gen    uint64
	closed bool
}

// NewQueue creates a queue. Non-positive window or maxBatch select the
// defaults (50ms, 10).
func NewQueue(runner BatchRunner, window time.Duration, maxBatch int) *Queue {
	if window <= 0 {
		window = defaultFlushWindow
	}
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	return &Queue{runner: runner, window: window, maxBatch: maxBatch}
}

// Enqueue adds command to the next batch and waits for its result.
func (q *Queue) Enqueue(ctx context.Context, command string) (string, error) {
	done := make(chan outcome, 1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	q.queued = append(q.queued, queuedCommand{command: command, done: done})
	var full []queuedCommand
	if len(q.queued) >= q.maxBatch {
		full = q.takeLocked()
	} else if q.timer == nil {
		gen := q.gen
		q.timer = time.AfterFunc(q.window, func() { q.flushGen(gen) })
	}
	q.mu.Unlock()

	if full != nil {
		go q.run(full)
	}

	select {
	case o := <-done:
		return o.output, o.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len returns the number of commands waiting for the next flush.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// Flush sends whatever is queued immediately.
func (q *Queue) Flush() {
	q.mu.Lock()
	batch := q.takeLocked()
	q.mu.Unlock()
	if len(batch) > 0 {
		q.run(batch)
	}
}

// flushGen is the timer callback. A timer that fired after its accumulation
// was already taken must not flush the next one early.
func (q *Queue) flushGen(gen uint64) {
	q.mu.Lock()
	if gen != q.gen {
		q.mu.Unlock()
		return
	}
	batch := q.takeLocked()
	q.mu.Unlock()
	if len(batch) > 0 {
		q.run(batch)
	}
}

// Close fails queued commands with ErrQueueClosed and rejects new ones.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	batch := q.takeLocked()
	q.mu.Unlock()
	for _, qc := range batch {
		qc.done <- outcome{err: ErrQueueClosed}
	}
}

func (q *Queue) takeLocked() []queuedCommand {
	batch := q.queued
	q.queued = nil
	q.gen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	return batch
}

func (q *Queue) run(batch []queuedCommand) {
	commands := make([]string, len(batch))
	for i, qc := range batch {
		commands[i] = qc.command
	}
	items, err := q.runner.ExecuteBatchResults(context.Background(), commands)
	for i, qc := range batch {
		switch {
		case err != nil:
			qc.done <- outcome{err: err}
		case i < len(items):
			qc.done <- outcome{output: items[i].Output, err: items[i].Err}
		default:
			qc.done <- outcome{err: &CommandError{Command: qc.command, Message: "no result returned"}}
		}
	}
}
