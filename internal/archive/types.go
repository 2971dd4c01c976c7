package archive

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar-date format used by the archive and the on-disk tree.
const DateLayout = "2006-01-02"

// Station is a monitoring location as supplied by the registry.
type Station struct {
	ID        string   `json:"id"`
	UID       string   `json:"uid"`
	Name      string   `json:"name"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Location is a sensor position as published by the sensor API.
type Location struct {
	Name      string  `json:"name" yaml:"name"`
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// Sensor is a measuring device attached to a station.
type Sensor struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// WorkUnit is one (sensor, date) fetch task.
type WorkUnit struct {
	SensorID   string
	SensorType string
	Date       time.Time
}

// NewWorkUnit normalizes the date to UTC midnight and the type to lowercase.
func NewWorkUnit(sensorID, sensorType string, date time.Time) WorkUnit {
	return WorkUnit{
		SensorID:   strings.TrimSpace(sensorID),
		SensorType: strings.ToLower(strings.TrimSpace(sensorType)),
		Date:       TruncateDay(date),
	}
}

// DateString renders the unit date as YYYY-MM-DD.
func (u WorkUnit) DateString() string {
	return u.Date.Format(DateLayout)
}

// ObjectName is the archive-relative resource name for the unit:
// <date>/<date>_<type>_sensor_<id>.csv.
func (u WorkUnit) ObjectName() string {
	day := u.DateString()
	return fmt.Sprintf("%s/%s_%s_sensor_%s.csv", day, day, u.SensorType, u.SensorID)
}

func (u WorkUnit) String() string {
	return fmt.Sprintf("%s/%s@%s", u.SensorType, u.SensorID, u.DateString())
}

type workUnitJSON struct {
	SensorID   string `json:"sensor_id" yaml:"sensor_id"`
	SensorType string `json:"sensor_type" yaml:"sensor_type"`
	Date       string `json:"date" yaml:"date"`
}

// MarshalYAML renders the same shape as MarshalJSON.
func (u WorkUnit) MarshalYAML() (any, error) {
	return workUnitJSON{SensorID: u.SensorID, SensorType: u.SensorType, Date: u.DateString()}, nil
}

// MarshalJSON renders the date as a calendar date.
func (u WorkUnit) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(workUnitJSON{
		SensorID:   u.SensorID,
		SensorType: u.SensorType,
		Date:       u.DateString(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal work unit: %w", err)
	}
	return data, nil
}

// UnmarshalJSON parses the calendar-date form produced by MarshalJSON.
func (u *WorkUnit) UnmarshalJSON(data []byte) error {
	var raw workUnitJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal work unit: %w", err)
	}
	date, err := ParseDate(raw.Date)
	if err != nil {
		return err
	}
	*u = NewWorkUnit(raw.SensorID, raw.SensorType, date)
	return nil
}

// ParseDate parses a YYYY-MM-DD string into UTC midnight.
func ParseDate(value string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(value), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", value, err)
	}
	return t, nil
}

// TruncateDay drops the clock part of t, keeping its calendar date in UTC.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Days lists every calendar date in [start, end], ascending.
func Days(start, end time.Time) []time.Time {
	start, end = TruncateDay(start), TruncateDay(end)
	if end.Before(start) {
		return nil
	}
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// YearMonth identifies one calendar month.
type YearMonth struct {
	Year  int
	Month time.Month
}

func (ym YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", ym.Year, int(ym.Month))
}

// MonthsSpanned lists the months touched by [start, end], ascending.
func MonthsSpanned(start, end time.Time) []YearMonth {
	start, end = TruncateDay(start), TruncateDay(end)
	if end.Before(start) {
		return nil
	}
	var out []YearMonth
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cur.After(end) {
		out = append(out, YearMonth{Year: cur.Year(), Month: cur.Month()})
		cur = cur.AddDate(0, 1, 0)
	}
	return out
}

// YearsSpanned lists the years touched by [start, end], ascending.
func YearsSpanned(start, end time.Time) []int {
	if TruncateDay(end).Before(TruncateDay(start)) {
		return nil
	}
	var out []int
	for y := start.Year(); y <= end.Year(); y++ {
		out = append(out, y)
	}
	return out
}
