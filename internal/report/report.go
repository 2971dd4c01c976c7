// Package report aggregates work unit outcomes and merge results into the
// immutable summary returned for a download job.
package report

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
	"github.com/JakeFAU/sensor-archive-downloader/internal/merge"
)

// MergeError records a merge scope that could not be produced.
type MergeError struct {
	StationID string      `json:"station_id" yaml:"station_id"`
	SensorID  string      `json:"sensor_id" yaml:"sensor_id"`
	Scope     merge.Scope `json:"scope" yaml:"scope"`
	Error     string      `json:"error" yaml:"error"`
}

// Unresolved records a requested station or sensor that produced no work units.
type Unresolved struct {
	StationID string `json:"station_id" yaml:"station_id"`
	SensorID  string `json:"sensor_id,omitempty" yaml:"sensor_id,omitempty"`
	Reason    string `json:"reason" yaml:"reason"`
}

// Mirrored records a merged file copied to the remote mirror.
type Mirrored struct {
	Path string `json:"path" yaml:"path"`
	URI  string `json:"uri,omitempty" yaml:"uri,omitempty"`
	// Error is set when the upload failed.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Planned is one unit a dry run would fetch.
type Planned struct {
	Unit archive.WorkUnit `json:"unit" yaml:"unit"`
	URL  string           `json:"url" yaml:"url"`
	Path string           `json:"path" yaml:"path"`
	// Exists is true when the daily file is already on disk.
	Exists bool `json:"exists" yaml:"exists"`
}

// Report summarizes one job. Values returned by Accumulator.Build are not
// shared with the accumulator.
type Report struct {
	JobID        string             `json:"job_id" yaml:"job_id"`
	StartedAt    time.Time          `json:"started_at" yaml:"started_at"`
	FinishedAt   time.Time          `json:"finished_at" yaml:"finished_at"`
	TotalUnits   int                `json:"total_units" yaml:"total_units"`
	Fetched      int                `json:"fetched" yaml:"fetched"`
	Skipped      int                `json:"skipped" yaml:"skipped"`
	Failed       int                `json:"failed" yaml:"failed"`
	BytesWritten int64              `json:"bytes_written" yaml:"bytes_written"`
	Failures     []archive.Outcome  `json:"failures" yaml:"failures"`
	MergedFiles  []merge.MergedFile `json:"merged_files" yaml:"merged_files"`
	MergeErrors  []MergeError       `json:"merge_errors" yaml:"merge_errors"`
	Unresolved   []Unresolved       `json:"unresolved" yaml:"unresolved"`
	Mirrored     []Mirrored         `json:"mirrored,omitempty" yaml:"mirrored,omitempty"`
	Canceled     bool               `json:"canceled" yaml:"canceled"`

	// DryRun reports carry Planned instead of outcomes.
	DryRun  bool      `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	Planned []Planned `json:"planned,omitempty" yaml:"planned,omitempty"`
}

// ProducedMerges reports how many merged files were written.
func (r Report) ProducedMerges() int {
	return len(r.MergedFiles)
}

// Duration is the wall time of the job.
func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded is true when every unit was fetched or skipped and every merge was produced.
func (r Report) Succeeded() bool {
	return !r.Canceled && r.Failed == 0 && len(r.MergeErrors) == 0
}

// Status is the job status label used in metrics and notifications.
func (r Report) Status() string {
	switch {
	case r.Canceled:
		return "canceled"
	case r.DryRun:
		return "dry-run"
	case r.Succeeded():
		return "succeeded"
	case r.Fetched+r.Skipped > 0:
		return "partial"
	default:
		return "failed"
	}
}

// Summary is a compact one-line rendering for logs.
func (r Report) Summary() string {
	if r.DryRun && !r.Canceled {
		existing := 0
		for _, p := range r.Planned {
			if p.Exists {
				existing++
			}
		}
		return fmt.Sprintf("job %s dry-run: planned=%d existing=%d unresolved=%d",
			r.JobID, len(r.Planned), existing, len(r.Unresolved))
	}
	return fmt.Sprintf(
		"job %s %s: units=%d fetched=%d skipped=%d failed=%d bytes=%d merged=%d merge_errors=%d unresolved=%d",
		r.JobID, r.Status(), r.TotalUnits, r.Fetched, r.Skipped, r.Failed, r.BytesWritten,
		len(r.MergedFiles), len(r.MergeErrors), len(r.Unresolved),
	)
}

// Accumulator collects results from concurrent workers and merge goroutines.
type Accumulator struct {
	mu          sync.Mutex
	total       int
	fetched     int
	skipped     int
	failed      int
	bytes       int64
	failures    []archive.Outcome
	merged      []merge.MergedFile
	mergeErrors []MergeError
	unresolved  []Unresolved
	mirrored    []Mirrored
	planned     []Planned
	canceled    bool
	dryRun      bool
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Record adds the outcome of one work unit.
func (a *Accumulator) Record(out archive.Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total++
	switch out.Kind {
	case archive.OutcomeFetched:
		a.fetched++
		a.bytes += out.Bytes
	case archive.OutcomeSkipped:
		a.skipped++
	default:
		a.failed++
		out.Body = nil
		a.failures = append(a.failures, out)
	}
}

// AddMerged records a written merged file.
func (a *Accumulator) AddMerged(file merge.MergedFile) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.merged = append(a.merged, file)
}

// AddMergeError records a merge scope that failed.
func (a *Accumulator) AddMergeError(stationID, sensorID string, scope merge.Scope, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	a.mergeErrors = append(a.mergeErrors, MergeError{
		StationID: stationID,
		SensorID:  sensorID,
		Scope:     scope,
		Error:     msg,
	})
}

// AddUnresolved records a target that could not be expanded.
func (a *Accumulator) AddUnresolved(stationID, sensorID, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unresolved = append(a.unresolved, Unresolved{StationID: stationID, SensorID: sensorID, Reason: reason})
}

// AddMirrored records a mirror upload attempt. A nil err means success.
func (a *Accumulator) AddMirrored(path, uri string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry := Mirrored{Path: path, URI: uri}
	if err != nil {
		entry.Error = err.Error()
	}
	a.mirrored = append(a.mirrored, entry)
}

// AddPlanned records a unit listed by a dry run. Planned units are not outcomes
// and do not count towards the totals.
func (a *Accumulator) AddPlanned(p Planned) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dryRun = true
	a.planned = append(a.planned, p)
}

// SetCanceled marks the job as interrupted.
func (a *Accumulator) SetCanceled() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.canceled = true
}

// Counts returns the running totals (total, fetched, skipped, failed).
func (a *Accumulator) Counts() (int, int, int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total, a.fetched, a.skipped, a.failed
}

// Build snapshots the accumulated state into a Report. Failures are ordered by
// date then sensor; merged files by path.
func (a *Accumulator) Build(jobID string, startedAt, finishedAt time.Time) Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	failures := append([]archive.Outcome{}, a.failures...)
	sort.SliceStable(failures, func(i, j int) bool {
		ui, uj := failures[i].Unit, failures[j].Unit
		if !ui.Date.Equal(uj.Date) {
			return ui.Date.Before(uj.Date)
		}
		return ui.SensorID < uj.SensorID
	})

	merged := make([]merge.MergedFile, len(a.merged))
	for i, file := range a.merged {
		file.Sources = append([]string(nil), file.Sources...)
		merged[i] = file
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Path < merged[j].Path })

	mergeErrors := append([]MergeError{}, a.mergeErrors...)
	sort.SliceStable(mergeErrors, func(i, j int) bool {
		if mergeErrors[i].SensorID != mergeErrors[j].SensorID {
			return mergeErrors[i].SensorID < mergeErrors[j].SensorID
		}
		return mergeErrors[i].Scope.String() < mergeErrors[j].Scope.String()
	})

	return Report{
		JobID:        jobID,
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
		TotalUnits:   a.total,
		Fetched:      a.fetched,
		Skipped:      a.skipped,
		Failed:       a.failed,
		BytesWritten: a.bytes,
		Failures:     failures,
		MergedFiles:  merged,
		MergeErrors:  mergeErrors,
		Unresolved:   append([]Unresolved{}, a.unresolved...),
		Mirrored:     append([]Mirrored(nil), a.mirrored...),
		Canceled:     a.canceled,
		DryRun:       a.dryRun,
		Planned:      append([]Planned(nil), a.planned...),
	}
}
