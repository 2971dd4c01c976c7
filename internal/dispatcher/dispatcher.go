// Package dispatcher manages worker fan-out over the work queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
	"github.com/JakeFAU/sensor-archive-downloader/internal/worker"
)

// Queue is the bounded queue shared by the producer and the workers.
type Queue interface {
	Enqueue(ctx context.Context, unit archive.WorkUnit) error
	Dequeue(ctx context.Context) (archive.WorkUnit, error)
	Drain() []archive.WorkUnit
	Close()
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until every one of them has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Dispatch feeds units to the pool in order, closes the queue, and waits for the
// workers to finish. It returns the units no worker picked up because ctx ended.
func (d *Dispatcher) Dispatch(ctx context.Context, units []archive.WorkUnit) []archive.WorkUnit {
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	var pending []archive.WorkUnit
	for i, unit := range units {
		if err := d.Enqueue(ctx, unit); err != nil {
			pending = append(pending, units[i:]...)
			break
		}
	}
	d.queue.Close()
	<-done

	return append(d.queue.Drain(), pending...)
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, unit archive.WorkUnit) error {
	if err := d.queue.Enqueue(ctx, unit); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
