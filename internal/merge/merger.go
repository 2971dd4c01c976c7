// Package merge combines daily archive CSVs into monthly and yearly files.
//
// Merging unions the headers of all inputs in first-seen order, drops duplicate
// (timestamp, sensor_id) rows keeping the last one read, and sorts rows by
// timestamp. Keys are taken from the complete union header, so a file that
// lacks a timestamp column still deduplicates against later files that carry
// one. Inputs are read in lexical path order, which for the planner's
// names is chronological, so the output is a pure function of the input bytes.
package merge

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
	"github.com/JakeFAU/sensor-archive-downloader/internal/layout"
	"github.com/JakeFAU/sensor-archive-downloader/internal/metrics"
)

// Column names used as the deduplication key.
const (
	TimestampColumn = "timestamp"
	SensorIDColumn  = "sensor_id"
)

const (
	// DefaultDelimiter is the archive's field separator.
	DefaultDelimiter = ';'
	contentType      = "text/csv"
	utf8BOM          = "\ufeff"
)

// ScopeKind tells monthly and yearly merges apart.
type ScopeKind string

const (
	// ScopeMonthly merges the daily files of one month.
	ScopeMonthly ScopeKind = "monthly"
	// ScopeYearly merges the monthly merged files of one year.
	ScopeYearly ScopeKind = "yearly"
)

// Scope identifies the period a merged file covers.
type Scope struct {
	Kind  ScopeKind  `json:"kind" yaml:"kind"`
	Year  int        `json:"year" yaml:"year"`
	Month time.Month `json:"month,omitempty" yaml:"month,omitempty"`
}

// Monthly returns the scope of one calendar month.
func Monthly(year int, month time.Month) Scope {
	return Scope{Kind: ScopeMonthly, Year: year, Month: month}
}

// Yearly returns the scope of one calendar year.
func Yearly(year int) Scope {
	return Scope{Kind: ScopeYearly, Year: year}
}

func (s Scope) String() string {
	if s.Kind == ScopeYearly {
		return fmt.Sprintf("%04d", s.Year)
	}
	return archive.YearMonth{Year: s.Year, Month: s.Month}.String()
}

// MergedFile describes one written aggregate.
type MergedFile struct {
	StationID string   `json:"station_id" yaml:"station_id"`
	SensorID  string   `json:"sensor_id" yaml:"sensor_id"`
	Scope     Scope    `json:"scope" yaml:"scope"`
	Path      string   `json:"path" yaml:"path"`
	Sources   []string `json:"sources" yaml:"sources"`
	Columns   int      `json:"columns" yaml:"columns"`
	Rows      int      `json:"rows" yaml:"rows"`
	SHA256    string   `json:"sha256" yaml:"sha256"`
}

// Store is the subset of the local store the merger needs.
type Store interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, dir string, match func(name string) bool) ([]string, error)
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Config controls CSV parsing and rendering.
type Config struct {
	Delimiter rune
}

// Merger reads inputs from and writes outputs to a Store.
type Merger struct {
	store  Store
	hasher archive.Hasher
	cfg    Config
	logger *zap.Logger
}

// New constructs a Merger.
func New(store Store, hasher archive.Hasher, cfg Config, logger *zap.Logger) *Merger {
	if cfg.Delimiter == 0 {
		cfg.Delimiter = DefaultDelimiter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{
		store:  store,
		hasher: hasher,
		cfg:    cfg,
		logger: logger.Named("merge"),
	}
}

// DailyFiles lists the complete daily files of a month. Temp files never match.
func (m *Merger) DailyFiles(ctx context.Context, station archive.Station, sensorID string, year int, month time.Month) ([]string, error) {
	dir := layout.MonthDir(station, sensorID, year, month)
	files, err := m.store.List(ctx, dir, func(name string) bool {
		return layout.IsDailyName(name, year, month)
	})
	if err != nil {
		return nil, fmt.Errorf("list daily files: %w", err)
	}
	return files, nil
}

// MonthlyFiles lists the monthly merged files of a year.
func (m *Merger) MonthlyFiles(ctx context.Context, station archive.Station, sensorID string, year int) ([]string, error) {
	dir := layout.MergedDir(station, sensorID)
	files, err := m.store.List(ctx, dir, func(name string) bool {
		ym, ok := layout.ParseMonthlyMergedName(name)
		return ok && ym.Year == year
	})
	if err != nil {
		return nil, fmt.Errorf("list monthly files: %w", err)
	}
	return files, nil
}

// MergeMonth merges the given daily files into the month's merged file. It
// returns nil without writing when there is nothing to merge.
func (m *Merger) MergeMonth(
	ctx context.Context,
	station archive.Station,
	sensorID string,
	year int,
	month time.Month,
	dailyFiles []string,
) (*MergedFile, error) {
	out := layout.MonthlyMergedPath(station, sensorID, year, month)
	return m.merge(ctx, station, sensorID, Monthly(year, month), out, dailyFiles)
}

// MergeYear merges the given monthly merged files into the year's file.
func (m *Merger) MergeYear(
	ctx context.Context,
	station archive.Station,
	sensorID string,
	year int,
	monthlyFiles []string,
) (*MergedFile, error) {
	out := layout.YearlyMergedPath(station, sensorID, year)
	return m.merge(ctx, station, sensorID, Yearly(year), out, monthlyFiles)
}

func (m *Merger) merge(
	ctx context.Context,
	station archive.Station,
	sensorID string,
	scope Scope,
	out string,
	inputs []string,
) (*MergedFile, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	sources := append([]string(nil), inputs...)
	sort.Strings(sources)

	tbl := newTable()
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("merge %s canceled: %w", scope, err)
		}
		if err := m.readInto(ctx, tbl, src); err != nil {
			metrics.ObserveMergeError(string(scope.Kind))
			return nil, fmt.Errorf("merge %s: %w", scope, err)
		}
	}
	if len(tbl.rows) == 0 {
		m.logger.Debug("no rows to merge",
			zap.String("station_id", station.ID),
			zap.String("sensor_id", sensorID),
			zap.String("scope", scope.String()),
		)
		return nil, nil
	}

	data, err := tbl.render(m.cfg.Delimiter)
	if err != nil {
		metrics.ObserveMergeError(string(scope.Kind))
		return nil, fmt.Errorf("render %s: %w", scope, err)
	}
	digest := ""
	if m.hasher != nil {
		if digest, err = m.hasher.Hash(data); err != nil {
			return nil, fmt.Errorf("hash %s: %w", scope, err)
		}
	}
	if _, err := m.store.PutObject(ctx, out, contentType, bytes.NewReader(data)); err != nil {
		metrics.ObserveMergeError(string(scope.Kind))
		return nil, fmt.Errorf("write %s: %w", out, err)
	}
	metrics.ObserveMerge(string(scope.Kind), len(tbl.rows))

	m.logger.Info("merged files",
		zap.String("station_id", station.ID),
		zap.String("sensor_id", sensorID),
		zap.String("scope", scope.String()),
		zap.String("path", out),
		zap.Int("sources", len(sources)),
		zap.Int("rows", len(tbl.rows)),
	)
	return &MergedFile{
		StationID: station.ID,
		SensorID:  sensorID,
		Scope:     scope,
		Path:      out,
		Sources:   sources,
		Columns:   len(tbl.header),
		Rows:      len(tbl.rows),
		SHA256:    digest,
	}, nil
}

func (m *Merger) readInto(ctx context.Context, t *table, path string) error {
	rc, err := m.store.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	r := csv.NewReader(rc)
	r.Comma = m.cfg.Delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read header of %s: %w", filepath.Base(path), err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}
	columns := t.addColumns(header)

	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		t.add(columns, record)
	}
}

// table accumulates the union of all inputs. Rows are deduplicated when the
// union header is complete, so a key column introduced by a later input still
// applies to rows read before it.
type table struct {
	header []string
	index  map[string]int
	rows   [][]string
}

func newTable() *table {
	return &table{index: make(map[string]int)}
}

// addColumns extends the union with unseen names and returns, for each input
// column, its position in the union.
func (t *table) addColumns(header []string) []int {
	positions := make([]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		pos, ok := t.index[name]
		if !ok {
			pos = len(t.header)
			t.index[name] = pos
			t.header = append(t.header, name)
		}
		positions[i] = pos
	}
	return positions
}

func (t *table) add(columns []int, record []string) {
	row := make([]string, len(t.header))
	for i, value := range record {
		if i >= len(columns) {
			break
		}
		row[columns[i]] = value
	}
	t.rows = append(t.rows, row)
}

// dedupe keeps one row per (timestamp, sensor_id): the last one read, at the
// position of the first. Rows without a timestamp are all kept.
func (t *table) dedupe() {
	byKey := make(map[string]int, len(t.rows))
	kept := t.rows[:0]
	for _, row := range t.rows {
		ts := t.value(row, TimestampColumn)
		if ts == "" {
			kept = append(kept, row)
			continue
		}
		key := ts + "\x00" + t.value(row, SensorIDColumn)
		if idx, ok := byKey[key]; ok {
			kept[idx] = row
			continue
		}
		byKey[key] = len(kept)
		kept = append(kept, row)
	}
	t.rows = kept
}

func (t *table) value(row []string, column string) string {
	pos, ok := t.index[column]
	if !ok || pos >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[pos])
}

func (t *table) render(delimiter rune) ([]byte, error) {
	t.dedupe()
	sort.SliceStable(t.rows, func(i, j int) bool {
		return t.value(t.rows[i], TimestampColumn) < t.value(t.rows[j], TimestampColumn)
	})

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = delimiter
	if err := w.Write(t.header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	width := len(t.header)
	for _, row := range t.rows {
		if len(row) < width {
			padded := make([]string, width)
			copy(padded, row)
			row = padded
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}
	return buf.Bytes(), nil
}
