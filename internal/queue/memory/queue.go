// Package memory provides the in-process work queue feeding the worker pool.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue of work units with context-aware operations.
type Queue struct {
	ch      chan archive.WorkUnit
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan archive.WorkUnit, capacity),
	}
}

// Enqueue pushes a unit into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, unit archive.WorkUnit) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- unit:
		return nil
	}
}

// Dequeue pops the next unit. Buffered units are still delivered after Close;
// ErrClosed is returned once the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (archive.WorkUnit, error) {
	if err := ctx.Err(); err != nil {
		return archive.WorkUnit{}, fmt.Errorf("dequeue canceled: %w", err)
	}
	select {
	case <-ctx.Done():
		return archive.WorkUnit{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case unit, ok := <-q.ch:
		if !ok {
			return archive.WorkUnit{}, ErrClosed
		}
		return unit, nil
	}
}

// Drain removes and returns every buffered unit without blocking.
func (q *Queue) Drain() []archive.WorkUnit {
	var out []archive.WorkUnit
	for {
		select {
		case unit, ok := <-q.ch:
			if !ok {
				return out
			}
			out = append(out, unit)
		default:
			return out
		}
	}
}

// Close closes the underlying channel. Producers must not Enqueue afterwards.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
