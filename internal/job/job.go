// Package job runs download jobs: it resolves targets into work units, fans them
// out to the worker pool, merges the results, and assembles the report.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
	"github.com/JakeFAU/sensor-archive-downloader/internal/dispatcher"
	"github.com/JakeFAU/sensor-archive-downloader/internal/layout"
	"github.com/JakeFAU/sensor-archive-downloader/internal/merge"
	"github.com/JakeFAU/sensor-archive-downloader/internal/metrics"
	"github.com/JakeFAU/sensor-archive-downloader/internal/queue/memory"
	"github.com/JakeFAU/sensor-archive-downloader/internal/report"
	"github.com/JakeFAU/sensor-archive-downloader/internal/worker"
)

// Validation errors returned by Run before any work starts.
var (
	ErrNoTargets    = errors.New("no targets requested")
	ErrInvalidRange = errors.New("invalid date range")
	ErrNothingToDo  = errors.New("no work units resolved")
)

// Defaults applied by New for zero config values.
const (
	DefaultConcurrency      = 15
	DefaultMergeConcurrency = 4
	DefaultMaxRangeDays     = 3660
	CompletedEvent          = "job.completed"
	notifyTimeout           = 10 * time.Second
	tracerName              = "github.com/JakeFAU/sensor-archive-downloader/internal/job"
)

// Target names a station and, optionally, a subset of its sensors.
type Target struct {
	StationID string   `json:"station_id"`
	SensorIDs []string `json:"sensor_ids,omitempty"`
}

// Request describes one download job. Start and End are inclusive calendar dates.
type Request struct {
	Targets     []Target
	Start       time.Time
	End         time.Time
	Merge       bool
	MergeByYear bool
	Overwrite   bool
	// ListOnly resolves and lists the archive URLs without fetching or merging.
	ListOnly bool
}

// Config controls pool sizes and limits.
type Config struct {
	Concurrency      int
	MergeConcurrency int
	MaxRangeDays     int
	// NotifyTopic receives the completion event when a publisher is set.
	NotifyTopic string
	// AutoLocate asks the Locator for coordinates the registry lacks.
	AutoLocate bool
}

// Store is the local file tree used by workers and the merger.
type Store interface {
	archive.Store
	merge.Store
	BaseDir() string
}

// Dependencies are the collaborators of a Job. Mirror, Publisher and Locator
// may be nil.
type Dependencies struct {
	Registry  archive.Registry
	Fetcher   archive.Fetcher
	Store     Store
	Merger    *merge.Merger
	Mirror    archive.Mirror
	Publisher archive.Publisher
	Locator   archive.Locator
	Clock     archive.Clock
	IDs       archive.IDGenerator
}

// urlSource is implemented by fetchers that can name the archive resource of
// a unit. Dry runs list those URLs.
type urlSource interface {
	URL(unit archive.WorkUnit) string
}

// Job executes download requests. It holds no per-run state and may be reused.
type Job struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
}

// New constructs a Job.
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Job, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("registry is required")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Merger == nil:
		return nil, errors.New("merger is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MergeConcurrency <= 0 {
		cfg.MergeConcurrency = DefaultMergeConcurrency
	}
	if cfg.MaxRangeDays <= 0 {
		cfg.MaxRangeDays = DefaultMaxRangeDays
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{cfg: cfg, deps: deps, logger: logger.Named("job")}, nil
}

// Concurrency is the configured worker pool size.
func (j *Job) Concurrency() int {
	return j.cfg.Concurrency
}

// Run executes one request. Per-unit and per-merge failures are reported, not
// returned; the error is only set for requests rejected before work starts.
// On cancellation the report is still returned, with Canceled set.
func (j *Job) Run(ctx context.Context, req Request) (report.Report, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "job.run")
	defer span.End()

	start, end, err := j.validate(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report.Report{}, err
	}
	jobID, err := j.deps.IDs.NewID()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report.Report{}, fmt.Errorf("generate job id: %w", err)
	}
	span.SetAttributes(attribute.String("job_id", jobID))
	startedAt := j.deps.Clock.Now()
	logger := j.logger.With(zap.String("job_id", jobID))
	acc := report.NewAccumulator()

	p := j.expand(ctx, req.Targets, start, end, acc, logger)
	if len(p.units) == 0 {
		unresolved := acc.Build(jobID, startedAt, startedAt).Unresolved
		err := fmt.Errorf("%w: %d target(s) unresolved", ErrNothingToDo, len(unresolved))
		span.SetStatus(codes.Error, err.Error())
		return report.Report{}, err
	}
	logger.Info("job started",
		zap.Int("units", len(p.units)),
		zap.Int("pairs", len(p.pairs)),
		zap.String("start", start.Format(archive.DateLayout)),
		zap.String("end", end.Format(archive.DateLayout)),
		zap.Int("concurrency", j.cfg.Concurrency),
	)

	if req.ListOnly {
		return j.list(ctx, p, jobID, startedAt, acc, logger, span)
	}

	j.download(ctx, p, req.Overwrite, acc, logger)

	if ctx.Err() != nil {
		acc.SetCanceled()
		logger.Warn("job canceled, skipping merges", zap.Error(ctx.Err()))
	} else if req.Merge {
		j.mergeAll(ctx, p.pairs, start, end, req.MergeByYear, acc, logger)
	}

	rep := acc.Build(jobID, startedAt, j.deps.Clock.Now())
	metrics.ObserveJob(rep.Status())
	span.SetAttributes(
		attribute.String("job.status", rep.Status()),
		attribute.Int("job.units", rep.TotalUnits),
		attribute.Int("job.failed", rep.Failed),
	)
	j.notify(ctx, rep, logger)
	logger.Info("job finished", zap.String("summary", rep.Summary()), zap.Duration("duration", rep.Duration()))
	return rep, nil
}

func (j *Job) validate(req Request) (time.Time, time.Time, error) {
	if len(req.Targets) == 0 {
		return time.Time{}, time.Time{}, ErrNoTargets
	}
	for i, target := range req.Targets {
		if target.StationID == "" {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: target %d has no station id", ErrNoTargets, i)
		}
	}
	if req.Start.IsZero() || req.End.IsZero() {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start and end dates are required", ErrInvalidRange)
	}
	start, end := archive.TruncateDay(req.Start), archive.TruncateDay(req.End)
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end %s is before start %s",
			ErrInvalidRange, end.Format(archive.DateLayout), start.Format(archive.DateLayout))
	}
	if days := int(end.Sub(start).Hours()/24) + 1; days > j.cfg.MaxRangeDays {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %d days exceeds the limit of %d", ErrInvalidRange, days, j.cfg.MaxRangeDays)
	}
	return start, end, nil
}

// list records what a run would fetch. Nothing is downloaded, merged or
// published.
func (j *Job) list(
	ctx context.Context,
	p plan,
	jobID string,
	startedAt time.Time,
	acc *report.Accumulator,
	logger *zap.Logger,
	span trace.Span,
) (report.Report, error) {
	urls, _ := j.deps.Fetcher.(urlSource)
	for _, unit := range p.units {
		if ctx.Err() != nil {
			acc.SetCanceled()
			break
		}
		path := p.pathFor(unit)
		exists, err := j.deps.Store.Exists(ctx, path)
		if err != nil {
			logger.Warn("exists check failed", zap.String("path", path), zap.Error(err))
		}
		planned := report.Planned{Unit: unit, Path: path, Exists: exists}
		if urls != nil {
			planned.URL = urls.URL(unit)
		}
		acc.AddPlanned(planned)
	}

	rep := acc.Build(jobID, startedAt, j.deps.Clock.Now())
	metrics.ObserveJob(rep.Status())
	span.SetAttributes(
		attribute.String("job.status", rep.Status()),
		attribute.Int("job.planned", len(rep.Planned)),
	)
	logger.Info("dry run finished", zap.String("summary", rep.Summary()))
	return rep, nil
}

// download runs the worker pool over the plan's units. Every unit is recorded
// exactly once; units that never reached a worker are recorded as canceled.
func (j *Job) download(ctx context.Context, p plan, overwrite bool, acc *report.Accumulator, logger *zap.Logger) {
	results := make(chan archive.Outcome, j.cfg.Concurrency)
	aggregated := make(chan struct{})
	go func() {
		defer close(aggregated)
		for out := range results {
			acc.Record(out)
		}
	}()

	q := memory.NewQueue(j.cfg.Concurrency)
	workers := make([]*worker.Worker, j.cfg.Concurrency)
	for i := range workers {
		workers[i] = worker.New(i, q, j.deps.Fetcher, j.deps.Store, p.pathFor, results,
			worker.Config{Overwrite: overwrite}, logger)
	}
	pending := dispatcher.New(q, workers).Dispatch(ctx, p.units)
	close(results)
	<-aggregated

	for _, unit := range pending {
		out := archive.Failed(unit, archive.ReasonCanceled, 0, ctx.Err())
		metrics.ObserveOutcome(string(out.Kind), string(out.Reason), 0)
		acc.Record(out)
	}
	if len(pending) > 0 {
		logger.Warn("units not dispatched", zap.Int("count", len(pending)))
	}
}

// mergeAll merges every touched pair. Pairs run concurrently; within a pair the
// monthly merges precede the yearly ones.
func (j *Job) mergeAll(
	ctx context.Context,
	pairs []pair,
	start, end time.Time,
	byYear bool,
	acc *report.Accumulator,
	logger *zap.Logger,
) {
	months := archive.MonthsSpanned(start, end)
	years := archive.YearsSpanned(start, end)

	var g errgroup.Group
	g.SetLimit(j.cfg.MergeConcurrency)
	for _, pr := range pairs {
		g.Go(func() error {
			j.mergePair(ctx, pr, months, years, byYear, acc, logger)
			return nil
		})
	}
	_ = g.Wait()
}

func (j *Job) mergePair(
	ctx context.Context,
	pr pair,
	months []archive.YearMonth,
	years []int,
	byYear bool,
	acc *report.Accumulator,
	logger *zap.Logger,
) {
	merger := j.deps.Merger
	logger = logger.With(zap.String("station_id", pr.station.ID), zap.String("sensor_id", pr.sensor.ID))
	fail := func(scope merge.Scope, err error) {
		logger.Error("merge failed", zap.String("scope", scope.String()), zap.Error(err))
		acc.AddMergeError(pr.station.ID, pr.sensor.ID, scope, err)
	}

	for _, ym := range months {
		scope := merge.Monthly(ym.Year, ym.Month)
		files, err := merger.DailyFiles(ctx, pr.station, pr.sensor.ID, ym.Year, ym.Month)
		if err != nil {
			fail(scope, err)
			continue
		}
		merged, err := merger.MergeMonth(ctx, pr.station, pr.sensor.ID, ym.Year, ym.Month, files)
		if err != nil {
			fail(scope, err)
			continue
		}
		j.recordMerged(ctx, merged, acc, logger)
	}
	if !byYear {
		return
	}
	for _, year := range years {
		scope := merge.Yearly(year)
		files, err := merger.MonthlyFiles(ctx, pr.station, pr.sensor.ID, year)
		if err != nil {
			fail(scope, err)
			continue
		}
		merged, err := merger.MergeYear(ctx, pr.station, pr.sensor.ID, year, files)
		if err != nil {
			fail(scope, err)
			continue
		}
		j.recordMerged(ctx, merged, acc, logger)
	}
}

func (j *Job) recordMerged(ctx context.Context, merged *merge.MergedFile, acc *report.Accumulator, logger *zap.Logger) {
	if merged == nil {
		return
	}
	acc.AddMerged(*merged)
	if j.deps.Mirror == nil {
		return
	}
	uri, err := j.mirror(ctx, merged.Path)
	acc.AddMirrored(merged.Path, uri, err)
	if err != nil {
		metrics.ObserveMirrorUpload("error")
		logger.Warn("mirror upload failed", zap.String("path", merged.Path), zap.Error(err))
		return
	}
	metrics.ObserveMirrorUpload("ok")
	logger.Debug("mirrored merged file", zap.String("path", merged.Path), zap.String("uri", uri))
}

func (j *Job) mirror(ctx context.Context, path string) (string, error) {
	rc, err := j.deps.Store.Open(ctx, path)
	if err != nil {
		return "", fmt.Errorf("open merged file: %w", err)
	}
	defer func() { _ = rc.Close() }()
	uri, err := j.deps.Mirror.PutObject(ctx, path, "text/csv", rc)
	if err != nil {
		return "", fmt.Errorf("mirror put: %w", err)
	}
	return uri, nil
}

// Notification is the payload published when a job finishes.
type Notification struct {
	Event       string    `json:"event"`
	JobID       string    `json:"job_id"`
	Status      string    `json:"status"`
	Summary     string    `json:"summary"`
	TotalUnits  int       `json:"total_units"`
	Fetched     int       `json:"fetched"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`
	MergedPaths []string  `json:"merged_paths"`
	FinishedAt  time.Time `json:"finished_at"`
}

func newNotification(rep report.Report) Notification {
	paths := make([]string, 0, len(rep.MergedFiles))
	for _, file := range rep.MergedFiles {
		paths = append(paths, file.Path)
	}
	return Notification{
		Event:       CompletedEvent,
		JobID:       rep.JobID,
		Status:      rep.Status(),
		Summary:     rep.Summary(),
		TotalUnits:  rep.TotalUnits,
		Fetched:     rep.Fetched,
		Skipped:     rep.Skipped,
		Failed:      rep.Failed,
		MergedPaths: paths,
		FinishedAt:  rep.FinishedAt,
	}
}

func (j *Job) notify(ctx context.Context, rep report.Report, logger *zap.Logger) {
	if j.deps.Publisher == nil || j.cfg.NotifyTopic == "" {
		return
	}
	// A canceled job still announces itself.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	msgID, err := j.deps.Publisher.Publish(pubCtx, j.cfg.NotifyTopic, newNotification(rep))
	if err != nil {
		logger.Warn("publish completion failed", zap.String("topic", j.cfg.NotifyTopic), zap.Error(err))
		return
	}
	logger.Debug("published completion", zap.String("topic", j.cfg.NotifyTopic), zap.String("message_id", msgID))
}

// pair is one (station, sensor) combination touched by a job.
type pair struct {
	station archive.Station
	sensor  archive.Sensor
}

type plan struct {
	pairs []pair
	units []archive.WorkUnit
	paths map[string]string
}

func (p plan) pathFor(unit archive.WorkUnit) string {
	return p.paths[unitKey(unit)]
}

func unitKey(unit archive.WorkUnit) string {
	return unit.SensorID + "@" + unit.DateString()
}

// expand turns targets into units: target by target, sensor by sensor, date
// ascending. Resolution problems are recorded on acc and never abort the job.
func (j *Job) expand(
	ctx context.Context,
	targets []Target,
	start, end time.Time,
	acc *report.Accumulator,
	logger *zap.Logger,
) plan {
	p := plan{paths: make(map[string]string)}
	days := archive.Days(start, end)
	// Sensor IDs are global in the archive; the first station listing one owns it.
	owners := make(map[string]string)

	for _, target := range targets {
		station, sensors, err := j.resolveTarget(ctx, target)
		if err != nil {
			logger.Warn("target unresolved", zap.String("station_id", target.StationID), zap.Error(err))
			acc.AddUnresolved(target.StationID, "", err.Error())
			continue
		}
		for _, requested := range missingSensors(target.SensorIDs, sensors) {
			logger.Warn("sensor unresolved", zap.String("station_id", station.ID), zap.String("sensor_id", requested))
			acc.AddUnresolved(station.ID, requested, archive.ErrSensorNotFound.Error())
		}
		for _, sensor := range sensors {
			sensorType, ok := archive.NormalizeSensorType(sensor.Type)
			if !ok {
				reason := fmt.Sprintf("unsupported sensor type %q", sensor.Type)
				logger.Warn("sensor unresolved", zap.String("station_id", station.ID),
					zap.String("sensor_id", sensor.ID), zap.String("reason", reason))
				acc.AddUnresolved(station.ID, sensor.ID, reason)
				continue
			}
			if owner, seen := owners[sensor.ID]; seen {
				if owner != station.ID {
					reason := fmt.Sprintf("sensor already downloaded for station %s", owner)
					logger.Warn("sensor unresolved", zap.String("station_id", station.ID),
						zap.String("sensor_id", sensor.ID), zap.String("reason", reason))
					acc.AddUnresolved(station.ID, sensor.ID, reason)
				}
				continue
			}
			owners[sensor.ID] = station.ID
			sensor.Type = sensorType
			p.pairs = append(p.pairs, pair{station: station, sensor: sensor})
			for _, day := range days {
				unit := archive.NewWorkUnit(sensor.ID, sensorType, day)
				p.units = append(p.units, unit)
				p.paths[unitKey(unit)] = layout.DailyPath(station, sensor.ID, day)
			}
		}
	}
	return p
}

// resolveTarget returns the station and the requested subset of its sensors.
func (j *Job) resolveTarget(ctx context.Context, target Target) (archive.Station, []archive.Sensor, error) {
	station, err := j.deps.Registry.Station(ctx, target.StationID)
	if err != nil {
		return archive.Station{}, nil, fmt.Errorf("lookup station %s: %w", target.StationID, err)
	}
	all, err := j.deps.Registry.Sensors(ctx, station.ID)
	if err != nil {
		return archive.Station{}, nil, fmt.Errorf("list sensors of %s: %w", station.ID, err)
	}
	if len(target.SensorIDs) == 0 {
		return station, all, nil
	}
	wanted := make(map[string]bool, len(target.SensorIDs))
	for _, id := range target.SensorIDs {
		wanted[id] = true
	}
	selected := make([]archive.Sensor, 0, len(target.SensorIDs))
	for _, sensor := range all {
		if wanted[sensor.ID] {
			selected = append(selected, sensor)
		}
	}
	return station, selected, nil
}

func missingSensors(requested []string, found []archive.Sensor) []string {
	have := make(map[string]bool, len(found))
	for _, sensor := range found {
		have[sensor.ID] = true
	}
	var missing []string
	for _, id := range requested {
		if !have[id] {
			missing = append(missing, id)
			have[id] = true
		}
	}
	return missing
}
