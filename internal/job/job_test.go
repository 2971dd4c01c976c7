package job

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gocloud.dev/blob/memblob"

	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
	collyfetcher "github.com/JakeFAU/sensor-archive-downloader/internal/fetcher/colly"
	"github.com/JakeFAU/sensor-archive-downloader/internal/hash/sha256"
	"github.com/JakeFAU/sensor-archive-downloader/internal/merge"
	pubmemory "github.com/JakeFAU/sensor-archive-downloader/internal/publisher/memory"
	regmemory "github.com/JakeFAU/sensor-archive-downloader/internal/registry/memory"
	"github.com/JakeFAU/sensor-archive-downloader/internal/storage/bucket"
	"github.com/JakeFAU/sensor-archive-downloader/internal/storage/local"
)

var archivePath = regexp.MustCompile(`^/(\d{4}-\d{2}-\d{2})/(\d{4}-\d{2}-\d{2})_([a-z0-9]+)_sensor_(\w+)\.csv$`)

// fakeArchive serves one small CSV per (sensor, day). Days listed in failing
// always answer 500; days in missing answer 404. onHit, when set, sees the
// running request count before the response is written.
type fakeArchive struct {
	mu      sync.Mutex
	hits    map[string]int
	total   int
	failing map[string]bool
	missing map[string]bool
	onHit   func(total int)
}

func newFakeArchive(t *testing.T) (*fakeArchive, *httptest.Server) {
	t.Helper()
	fa := &fakeArchive{hits: map[string]int{}, failing: map[string]bool{}, missing: map[string]bool{}}
	srv := httptest.NewServer(fa)
	t.Cleanup(srv.Close)
	return fa, srv
}

func (fa *fakeArchive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m := archivePath.FindStringSubmatch(r.URL.Path)
	if m == nil || m[1] != m[2] {
		http.NotFound(w, r)
		return
	}
	day, sensorType, sensorID := m[1], m[3], m[4]
	fa.mu.Lock()
	fa.hits[day]++
	fa.total++
	total, onHit := fa.total, fa.onHit
	failing, missing := fa.failing[day], fa.missing[day]
	fa.mu.Unlock()
	if onHit != nil {
		onHit(total)
	}

	switch {
	case failing:
		w.WriteHeader(http.StatusInternalServerError)
	case missing:
		w.WriteHeader(http.StatusNotFound)
	default:
		_, _ = fmt.Fprintf(w, "sensor_id;sensor_type;location;lat;lon;timestamp;P1;P2\n"+
			"%s;%s;1;48.1;11.5;%sT00:02:00;10.5;5.2\n"+
			"%s;%s;1;48.1;11.5;%sT00:01:00;11.0;5.0\n",
			sensorID, sensorType, day, sensorID, sensorType, day)
	}
}

func (fa *fakeArchive) fail(day string) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.failing[day] = true
}

func (fa *fakeArchive) remove(day string) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.missing[day] = true
}

func (fa *fakeArchive) setOnHit(fn func(total int)) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.onHit = fn
}

func (fa *fakeArchive) totalHits() int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	total := 0
	for _, n := range fa.hits {
		total += n
	}
	return total
}

func (fa *fakeArchive) hitsFor(day string) int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.hits[day]
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

type harness struct {
	job     *Job
	store   *local.BlobStore
	archive *fakeArchive
}

type harnessOption func(*Dependencies)

func newHarness(t *testing.T, opts ...harnessOption) harness {
	t.Helper()
	fa, srv := newFakeArchive(t)

	reg, err := regmemory.New([]regmemory.StationConfig{
		{
			ID: "1", UID: "uid1", Name: "StationX",
			Sensors: []regmemory.SensorConfig{{ID: "12345", Type: "SDS011"}},
		},
		{
			ID: "2", UID: "uid2", Name: "Roof Top",
			Sensors: []regmemory.SensorConfig{
				{ID: "222", Type: "DHT22 (temperature)"},
				{ID: "223", Type: "Geiger counter"},
			},
		},
	})
	require.NoError(t, err)

	fetcher, err := collyfetcher.New(
		collyfetcher.Config{BaseURL: srv.URL, Timeout: 2 * time.Second},
		archive.NewExponentialRetryPolicy(3, time.Millisecond, 2*time.Millisecond),
		nil,
		zap.NewNop(),
	)
	require.NoError(t, err)

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	deps := Dependencies{
		Registry: reg,
		Fetcher:  fetcher,
		Store:    store,
		Merger:   merge.New(store, sha256.New(), merge.Config{}, zap.NewNop()),
		Clock:    fixedClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		IDs:      &seqIDs{},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	j, err := New(Config{Concurrency: 4, MergeConcurrency: 2, NotifyTopic: "archive-jobs"}, deps, zap.NewNop())
	require.NoError(t, err)
	return harness{job: j, store: store, archive: fa}
}

func date(value string) time.Time {
	d, err := archive.ParseDate(value)
	if err != nil {
		panic(err)
	}
	return d
}

func stationXRequest(start, end string) Request {
	return Request{
		Targets: []Target{{StationID: "1", SensorIDs: []string{"12345"}}},
		Start:   date(start),
		End:     date(end),
		Merge:   true,
	}
}

func (h harness) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.store.BaseDir(), rel))
	require.NoError(t, err)
	return string(data)
}

func TestRunDownloadsAndMerges(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rep, err := h.job.Run(context.Background(), stationXRequest("2024-01-01", "2024-01-03"))
	require.NoError(t, err)

	assert.Equal(t, "job-1", rep.JobID)
	assert.Equal(t, 3, rep.TotalUnits)
	assert.Equal(t, 3, rep.Fetched)
	assert.Equal(t, 0, rep.Skipped)
	assert.Equal(t, 0, rep.Failed)
	assert.Positive(t, rep.BytesWritten)
	assert.Equal(t, 1, rep.ProducedMerges())
	assert.False(t, rep.Canceled)
	assert.Equal(t, "succeeded", rep.Status())

	for _, day := range []string{"2024-01-01", "2024-01-02", "2024-01-03"} {
		body := h.read(t, filepath.Join("StationX_uid1", "sensor_12345", "2024-01", day+".csv"))
		assert.Contains(t, body, day+"T00:01:00")
	}

	merged := rep.MergedFiles[0]
	assert.Equal(t, "StationX_uid1/sensor_12345/merged/2024-01_merged.csv", merged.Path)
	assert.Len(t, merged.Sources, 3)
	assert.Equal(t, 6, merged.Rows)
	assert.NotEmpty(t, merged.SHA256)

	content := h.read(t, merged.Path)
	assert.Regexp(t, `^sensor_id;sensor_type;location;lat;lon;timestamp;P1;P2\n12345;sds011;1;48.1;11.5;2024-01-01T00:01:00;`, content)
}

func TestRunIsolatesFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.archive.fail("2024-01-02")

	rep, err := h.job.Run(context.Background(), stationXRequest("2024-01-01", "2024-01-03"))
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Fetched)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Failures, 1)
	failure := rep.Failures[0]
	assert.Equal(t, "2024-01-02", failure.Unit.DateString())
	assert.Equal(t, archive.ReasonHTTPStatus, failure.Reason)
	assert.Equal(t, 3, failure.Attempts)
	assert.Equal(t, 3, h.archive.hitsFor("2024-01-02"))
	assert.Equal(t, "partial", rep.Status())

	require.Len(t, rep.MergedFiles, 1)
	assert.Len(t, rep.MergedFiles[0].Sources, 2)
}

func TestRunSecondRunSkipsEverything(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	req := stationXRequest("2024-01-01", "2024-01-03")

	first, err := h.job.Run(ctx, req)
	require.NoError(t, err)
	mergedBefore := h.read(t, first.MergedFiles[0].Path)
	hitsBefore := h.archive.totalHits()

	second, err := h.job.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 3, second.Skipped)
	assert.Equal(t, 0, second.Fetched)
	assert.Equal(t, int64(0), second.BytesWritten)
	assert.Equal(t, hitsBefore, h.archive.totalHits(), "no network calls on the second run")

	require.Len(t, second.MergedFiles, 1)
	assert.Equal(t, mergedBefore, h.read(t, second.MergedFiles[0].Path))
	assert.Equal(t, first.MergedFiles[0].SHA256, second.MergedFiles[0].SHA256)

	req.Overwrite = true
	third, err := h.job.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 3, third.Fetched)
}

func TestRunRefetchesAfterInterruptedWrite(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	dir := filepath.Join(h.store.BaseDir(), "StationX_uid1", "sensor_12345", "2024-01")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	leftover := filepath.Join(dir, ".2024-01-01.csv.12345"+local.TempSuffix)
	require.NoError(t, os.WriteFile(leftover, []byte("sensor_id;timestamp\n12345;2024-01-01T00:00"), 0o600))

	rep, err := h.job.Run(context.Background(), stationXRequest("2024-01-01", "2024-01-01"))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Fetched)
	require.Len(t, rep.MergedFiles, 1)
	assert.Equal(t, []string{"StationX_uid1/sensor_12345/2024-01/2024-01-01.csv"}, rep.MergedFiles[0].Sources)
}

func TestRunMissingUpstreamDaysAreSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.archive.remove("2024-01-02")

	rep, err := h.job.Run(context.Background(), stationXRequest("2024-01-01", "2024-01-02"))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Fetched)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 0, rep.Failed)
	assert.Equal(t, 1, h.archive.hitsFor("2024-01-02"))
	assert.True(t, rep.Succeeded())
}

func TestRunMergesByYearAcrossMonths(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	req := stationXRequest("2024-01-31", "2024-02-01")
	req.MergeByYear = true

	rep, err := h.job.Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, rep.MergedFiles, 3)
	paths := []string{rep.MergedFiles[0].Path, rep.MergedFiles[1].Path, rep.MergedFiles[2].Path}
	assert.Equal(t, []string{
		"StationX_uid1/sensor_12345/merged/2024-01_merged.csv",
		"StationX_uid1/sensor_12345/merged/2024-02_merged.csv",
		"StationX_uid1/sensor_12345/merged/2024_yearly.csv",
	}, paths)
	assert.Equal(t, 4, rep.MergedFiles[2].Rows)
}

func TestRunWithoutMerge(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	req := stationXRequest("2024-01-01", "2024-01-02")
	req.Merge = false

	rep, err := h.job.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Fetched)
	assert.Empty(t, rep.MergedFiles)
}

func TestRunRecordsUnresolvedTargets(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rep, err := h.job.Run(context.Background(), Request{
		Targets: []Target{
			{StationID: "1", SensorIDs: []string{"12345", "999"}},
			{StationID: "404"},
			{StationID: "2"},
		},
		Start: date("2024-01-01"),
		End:   date("2024-01-01"),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, rep.TotalUnits)
	assert.Equal(t, 2, rep.Fetched)
	require.Len(t, rep.Unresolved, 3)
	assert.Equal(t, "999", rep.Unresolved[0].SensorID)
	assert.Equal(t, archive.ErrSensorNotFound.Error(), rep.Unresolved[0].Reason)
	assert.Equal(t, "404", rep.Unresolved[1].StationID)
	assert.Contains(t, rep.Unresolved[1].Reason, archive.ErrStationNotFound.Error())
	assert.Equal(t, "223", rep.Unresolved[2].SensorID)
	assert.Contains(t, rep.Unresolved[2].Reason, "unsupported sensor type")

	body := h.read(t, filepath.Join("Roof_Top_uid2", "sensor_222", "2024-01", "2024-01-01.csv"))
	assert.Contains(t, body, "222;dht22;")
}

func TestRunRejectsBadRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"no targets", Request{Start: date("2024-01-01"), End: date("2024-01-01")}, ErrNoTargets},
		{"empty station id", Request{Targets: []Target{{}}, Start: date("2024-01-01"), End: date("2024-01-01")}, ErrNoTargets},
		{"missing dates", Request{Targets: []Target{{StationID: "1"}}}, ErrInvalidRange},
		{"end before start", Request{Targets: []Target{{StationID: "1"}}, Start: date("2024-01-02"), End: date("2024-01-01")}, ErrInvalidRange},
		{"range too long", Request{Targets: []Target{{StationID: "1"}}, Start: date("2000-01-01"), End: date("2024-01-01")}, ErrInvalidRange},
		{"nothing resolved", Request{Targets: []Target{{StationID: "404"}}, Start: date("2024-01-01"), End: date("2024-01-01")}, ErrNothingToDo},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.job.Run(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, 0, h.archive.totalHits())
}

func TestRunCanceledBeforeStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := h.job.Run(ctx, stationXRequest("2024-01-01", "2024-01-10"))
	require.NoError(t, err)
	assert.True(t, rep.Canceled)
	assert.Equal(t, 10, rep.TotalUnits)
	assert.Equal(t, 10, rep.Failed)
	assert.Equal(t, rep.TotalUnits, rep.Fetched+rep.Skipped+rep.Failed)
	for _, failure := range rep.Failures {
		assert.Equal(t, archive.ReasonCanceled, failure.Reason)
	}
	assert.Empty(t, rep.MergedFiles)
	assert.Equal(t, 0, h.archive.totalHits())
}

// dailyFiles returns the daily CSVs on disk and any temp files left behind.
func (h harness) dailyFiles(t *testing.T) (daily, temps []string) {
	t.Helper()
	root := h.store.BaseDir()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		switch {
		case d.IsDir():
		case strings.HasSuffix(path, local.TempSuffix):
			temps = append(temps, rel)
		case !strings.Contains(rel, "merged"):
			daily = append(daily, rel)
		}
		return nil
	})
	require.NoError(t, err)
	return daily, temps
}

func TestRunResumesAfterCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	req := stationXRequest("2024-01-01", "2024-03-31")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	h.archive.setOnHit(func(total int) {
		if total >= 4 {
			once.Do(cancel)
		}
	})

	first, err := h.job.Run(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Canceled)
	assert.Equal(t, "canceled", first.Status())
	assert.Equal(t, 91, first.TotalUnits)
	assert.Equal(t, first.TotalUnits, first.Fetched+first.Skipped+first.Failed)
	assert.Positive(t, first.Failed)
	assert.Less(t, first.Fetched, 91)
	for _, failure := range first.Failures {
		assert.Equal(t, archive.ReasonCanceled, failure.Reason, failure.Unit.DateString())
	}
	assert.Empty(t, first.MergedFiles, "merges are skipped on cancel")

	daily, temps := h.dailyFiles(t)
	assert.Empty(t, temps)
	assert.Len(t, daily, first.Fetched)

	h.archive.setOnHit(nil)
	second, err := h.job.Run(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.Canceled)
	assert.Equal(t, first.Fetched, second.Skipped)
	assert.Equal(t, 91-first.Fetched, second.Fetched)
	assert.Equal(t, 0, second.Failed)
	require.Len(t, second.MergedFiles, 3)
	assert.Equal(t, 31*2, second.MergedFiles[0].Rows)
	assert.Equal(t, 29*2, second.MergedFiles[1].Rows)
	assert.Equal(t, 31*2, second.MergedFiles[2].Rows)

	daily, temps = h.dailyFiles(t)
	assert.Empty(t, temps)
	assert.Len(t, daily, 91)
}

func TestRunListOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	req := stationXRequest("2024-01-01", "2024-01-02")
	req.ListOnly = true

	rep, err := h.job.Run(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Equal(t, "dry-run", rep.Status())
	assert.Equal(t, 0, rep.Fetched+rep.Skipped+rep.Failed)
	assert.Empty(t, rep.MergedFiles)
	require.Len(t, rep.Planned, 2)
	first := rep.Planned[0]
	assert.Equal(t, "2024-01-01", first.Unit.DateString())
	assert.Equal(t, "StationX_uid1/sensor_12345/2024-01/2024-01-01.csv", first.Path)
	assert.True(t, strings.HasSuffix(first.URL, "/2024-01-01/2024-01-01_sds011_sensor_12345.csv"), first.URL)
	assert.False(t, first.Exists)
	assert.Equal(t, 0, h.archive.totalHits(), "a dry run never downloads")
	daily, _ := h.dailyFiles(t)
	assert.Empty(t, daily)

	req.ListOnly = false
	req.End = date("2024-01-01")
	_, err = h.job.Run(context.Background(), req)
	require.NoError(t, err)

	req.ListOnly = true
	req.End = date("2024-01-02")
	again, err := h.job.Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, again.Planned, 2)
	assert.True(t, again.Planned[0].Exists)
	assert.False(t, again.Planned[1].Exists)
	assert.Contains(t, again.Summary(), "planned=2 existing=1")
}

func TestRunSensorSharedByTwoStations(t *testing.T) {
	t.Parallel()

	reg, err := regmemory.New([]regmemory.StationConfig{
		{ID: "1", UID: "uid1", Name: "StationX", Sensors: []regmemory.SensorConfig{{ID: "12345", Type: "SDS011"}}},
		{ID: "3", UID: "uid3", Name: "Moved", Sensors: []regmemory.SensorConfig{
			{ID: "12345", Type: "SDS011"},
			{ID: "333", Type: "BME280"},
		}},
	})
	require.NoError(t, err)
	h := newHarness(t, func(d *Dependencies) { d.Registry = reg })

	rep, err := h.job.Run(context.Background(), Request{
		Targets: []Target{{StationID: "1"}, {StationID: "3"}, {StationID: "1"}},
		Start:   date("2024-01-01"),
		End:     date("2024-01-01"),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, rep.TotalUnits)
	assert.Equal(t, 2, rep.Fetched)
	require.Len(t, rep.Unresolved, 1, "repeating a station is not reported")
	assert.Equal(t, "3", rep.Unresolved[0].StationID)
	assert.Equal(t, "12345", rep.Unresolved[0].SensorID)
	assert.Contains(t, rep.Unresolved[0].Reason, "station 1")
	assert.Equal(t, 2, h.archive.hitsFor("2024-01-01"), "sensor 12345 fetched once")
}

func TestRunMirrorsAndPublishes(t *testing.T) {
	t.Parallel()

	b := memblob.OpenBucket(nil)
	t.Cleanup(func() { _ = b.Close() })
	pub := pubmemory.New()
	h := newHarness(t, func(d *Dependencies) {
		d.Mirror = bucket.New(b, "mem://archive", "mirror")
		d.Publisher = pub
	})

	rep, err := h.job.Run(context.Background(), stationXRequest("2024-01-01", "2024-01-02"))
	require.NoError(t, err)

	require.Len(t, rep.Mirrored, 1)
	assert.Empty(t, rep.Mirrored[0].Error)
	assert.Equal(t, "mem://archive/mirror/StationX_uid1/sensor_12345/merged/2024-01_merged.csv", rep.Mirrored[0].URI)
	mirrored, err := b.ReadAll(context.Background(), "mirror/StationX_uid1/sensor_12345/merged/2024-01_merged.csv")
	require.NoError(t, err)
	assert.Equal(t, h.read(t, rep.MergedFiles[0].Path), string(mirrored))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "archive-jobs", msgs[0].Topic)
	var note Notification
	require.NoError(t, msgs[0].Decode(&note))
	assert.Equal(t, CompletedEvent, note.Event)
	assert.Equal(t, rep.JobID, note.JobID)
	assert.Equal(t, "succeeded", note.Status)
	assert.Equal(t, 2, note.Fetched)
	assert.Equal(t, []string{rep.MergedFiles[0].Path}, note.MergedPaths)
}

func TestSummary(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	sum, err := h.job.Summary(context.Background(), "2")
	require.NoError(t, err)

	assert.Equal(t, "Roof Top", sum.StationName)
	assert.Equal(t, filepath.Join(h.store.BaseDir(), "Roof_Top_uid2"), sum.OutputDir)
	assert.Equal(t, 4, sum.Concurrency)
	assert.Nil(t, sum.Latitude)
	assert.Equal(t, 2, sum.TotalSensors)
	require.Len(t, sum.Sensors, 2)
	assert.True(t, sum.Sensors[0].Supported)
	assert.Equal(t, "dht22", sum.Sensors[0].ArchiveType)
	assert.False(t, sum.Sensors[1].Supported)

	_, err = h.job.Summary(context.Background(), "404")
	require.ErrorIs(t, err, archive.ErrStationNotFound)
}

type stubFetcher struct{}

func (stubFetcher) Fetch(_ context.Context, unit archive.WorkUnit) archive.Outcome {
	return archive.Skipped(unit, archive.ReasonNoDataUpstream, 1)
}

func ptr(v float64) *float64 { return &v }

type fakeLocator struct {
	mu    sync.Mutex
	calls []string
	found map[string]archive.Location
}

func (l *fakeLocator) Locate(_ context.Context, sensorID string) (archive.Location, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, sensorID)
	loc, ok := l.found[sensorID]
	if !ok {
		return archive.Location{}, errors.New("no recent measurements")
	}
	return loc, nil
}

func TestSummaryLocation(t *testing.T) {
	t.Parallel()

	lat, lon := 52.5, 13.4
	reg, err := regmemory.New([]regmemory.StationConfig{
		{ID: "1", UID: "uid1", Name: "Placed", Latitude: &lat, Longitude: &lon,
			Sensors: []regmemory.SensorConfig{{ID: "11", Type: "SDS011"}}},
		{ID: "2", UID: "uid2", Name: "Unplaced", Sensors: []regmemory.SensorConfig{
			{ID: "21", Type: "Geiger counter"},
			{ID: "22", Type: "SDS011"},
			{ID: "23", Type: "BME280"},
		}},
		{ID: "3", UID: "uid3", Name: "Unknown", Sensors: []regmemory.SensorConfig{{ID: "31", Type: "SDS011"}}},
	})
	require.NoError(t, err)

	tests := []struct {
		name       string
		stationID  string
		autoLocate bool
		wantSource string
		wantName   string
		wantLat    *float64
		wantCalls  []string
	}{
		{name: "registry coordinates win", stationID: "1", autoLocate: true, wantSource: LocationFromRegistry, wantLat: &lat},
		{
			name: "first supported sensor the api knows", stationID: "2", autoLocate: true,
			wantSource: LocationFromSensorAPI, wantName: "Berlin, DE", wantLat: ptr(48.1), wantCalls: []string{"22", "23"},
		},
		{name: "lookup disabled", stationID: "2", autoLocate: false},
		{name: "api has nothing", stationID: "3", autoLocate: true, wantCalls: []string{"31"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			loc := &fakeLocator{found: map[string]archive.Location{
				"23": {Name: "Berlin, DE", Latitude: 48.1, Longitude: 11.5},
			}}
			store, err := local.New(local.Config{BaseDir: t.TempDir()})
			require.NoError(t, err)
			j, err := New(Config{Concurrency: 1, AutoLocate: tt.autoLocate}, Dependencies{
				Registry: reg,
				Fetcher:  stubFetcher{},
				Store:    store,
				Merger:   merge.New(store, nil, merge.Config{}, nil),
				Locator:  loc,
				Clock:    fixedClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
				IDs:      &seqIDs{},
			}, zap.NewNop())
			require.NoError(t, err)

			sum, err := j.Summary(context.Background(), tt.stationID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSource, sum.LocationSource)
			assert.Equal(t, tt.wantName, sum.LocationName)
			if tt.wantLat == nil {
				assert.Nil(t, sum.Latitude)
				assert.Nil(t, sum.Longitude)
			} else {
				require.NotNil(t, sum.Latitude)
				require.NotNil(t, sum.Longitude)
				assert.InDelta(t, *tt.wantLat, *sum.Latitude, 1e-9)
			}
			assert.Equal(t, tt.wantCalls, loc.calls)
		})
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Dependencies{}, nil)
	require.Error(t, err)
}
