// Package worker implements the per-unit download pipeline run by the pool.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
	"github.com/JakeFAU/sensor-archive-downloader/internal/metrics"
	"github.com/JakeFAU/sensor-archive-downloader/internal/queue/memory"
)

// Queue supplies work units to workers.
type Queue interface {
	Dequeue(ctx context.Context) (archive.WorkUnit, error)
}

// PathFunc maps a unit to its daily file path relative to the store root.
type PathFunc func(unit archive.WorkUnit) string

// Config controls Worker behavior.
type Config struct {
	// Overwrite refetches units whose daily file already exists.
	Overwrite   bool
	ContentType string
}

// Worker consumes work units and reports exactly one outcome per unit.
type Worker struct {
	id      int
	queue   Queue
	fetcher archive.Fetcher
	store   archive.Store
	paths   PathFunc
	results chan<- archive.Outcome
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker.
func New(
	id int,
	queue Queue,
	fetcher archive.Fetcher,
	store archive.Store,
	paths PathFunc,
	results chan<- archive.Outcome,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/csv"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		queue:   queue,
		fetcher: fetcher,
		store:   store,
		paths:   paths,
		results: results,
		cfg:     cfg,
		logger:  logger.With(zap.Int("worker", id)),
	}
}

// Run consumes units until the queue is closed and drained or the context ends.
// Every dequeued unit produces one outcome on the results channel.
func (w *Worker) Run(ctx context.Context) {
	for {
		unit, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}

		metrics.IncActiveWorkers()
		out := w.Process(ctx, unit)
		metrics.DecActiveWorkers()
		metrics.ObserveOutcome(string(out.Kind), string(out.Reason), out.Bytes)

		w.results <- out
	}
}

// Process runs one unit: exists check, fetch, atomic write.
func (w *Worker) Process(ctx context.Context, unit archive.WorkUnit) archive.Outcome {
	path := w.paths(unit)
	logger := w.logger.With(
		zap.String("sensor_id", unit.SensorID),
		zap.String("date", unit.DateString()),
		zap.String("path", path),
	)

	if !w.cfg.Overwrite {
		exists, err := w.store.Exists(ctx, path)
		if err != nil {
			logger.Error("exists check failed", zap.Error(err))
			return archive.Failed(unit, archive.ReasonLocalIOError, 0, fmt.Errorf("exists check: %w", err))
		}
		if exists {
			logger.Debug("daily file present, skipping")
			out := archive.Skipped(unit, archive.ReasonAlreadyExists, 0)
			out.Path = path
			return out
		}
	}

	out := w.fetcher.Fetch(ctx, unit)
	if out.Kind != archive.OutcomeFetched {
		out.Body = nil
		if out.Kind == archive.OutcomeFailed {
			logger.Warn("unit failed",
				zap.String("reason", string(out.Reason)),
				zap.Int("attempt", out.Attempts),
				zap.String("error", out.Error),
			)
		}
		return out
	}

	body := out.Body
	out.Body = nil
	if _, err := w.store.PutObject(ctx, path, w.cfg.ContentType, bytes.NewReader(body)); err != nil {
		reason := archive.ReasonLocalIOError
		if ctx.Err() != nil {
			reason = archive.ReasonCanceled
		}
		logger.Error("write daily file failed", zap.String("reason", string(reason)), zap.Error(err))
		return archive.Failed(unit, reason, out.Attempts, fmt.Errorf("write daily file: %w", err)).
			WithStatus(out.StatusCode)
	}
	out.Path = path
	logger.Debug("daily file written", zap.Int64("bytes", out.Bytes), zap.Int("attempt", out.Attempts))
	return out
}
