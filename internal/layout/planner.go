// Package layout maps stations, sensors, and dates to the on-disk file tree.
//
// The tree is a durable contract read by other tooling:
//
//	<station_name>_<station_uid>/sensor_<sensor_id>/<YYYY-MM>/<YYYY-MM-DD>.csv
//	<station_name>_<station_uid>/sensor_<sensor_id>/merged/<YYYY-MM>_merged.csv
//	<station_name>_<station_uid>/sensor_<sensor_id>/merged/<YYYY>_yearly.csv
//
// All paths are relative to the storage root. Nothing here touches the filesystem.
package layout

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
)

const (
	mergedDirName  = "merged"
	sensorDirLabel = "sensor_"
	monthLayout    = "2006-01"
)

var (
	dailyName         = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})\.csv$`)
	monthlyMergedName = regexp.MustCompile(`^(\d{4})-(\d{2})_merged\.csv$`)
)

// Sanitize turns a display name into a filesystem-safe token. Letters, digits,
// and underscores are kept; every other rune becomes an underscore.
func Sanitize(value string) string {
	value = strings.TrimSpace(value)
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}

// StationDir is the directory name for a station: sanitized name plus its UID.
func StationDir(station archive.Station) string {
	name := Sanitize(station.Name)
	if strings.Trim(name, "_") == "" {
		name = "station"
	}
	uid := Sanitize(station.UID)
	if uid == "" {
		uid = Sanitize(station.ID)
	}
	return name + "_" + uid
}

// SensorDir is the sensor subtree of a station.
func SensorDir(station archive.Station, sensorID string) string {
	return filepath.Join(StationDir(station), sensorDirLabel+Sanitize(sensorID))
}

// MonthDir holds the daily files of one month.
func MonthDir(station archive.Station, sensorID string, year int, month time.Month) string {
	return filepath.Join(SensorDir(station, sensorID), monthKey(year, month))
}

// DailyPath is where one day of one sensor is stored.
func DailyPath(station archive.Station, sensorID string, date time.Time) string {
	date = archive.TruncateDay(date)
	return filepath.Join(
		MonthDir(station, sensorID, date.Year(), date.Month()),
		date.Format(archive.DateLayout)+".csv",
	)
}

// MergedDir holds the monthly and yearly aggregates of a sensor.
func MergedDir(station archive.Station, sensorID string) string {
	return filepath.Join(SensorDir(station, sensorID), mergedDirName)
}

// MonthlyMergedPath is the merged file for one month.
func MonthlyMergedPath(station archive.Station, sensorID string, year int, month time.Month) string {
	return filepath.Join(MergedDir(station, sensorID), monthKey(year, month)+"_merged.csv")
}

// YearlyMergedPath is the merged file for one year.
func YearlyMergedPath(station archive.Station, sensorID string, year int) string {
	return filepath.Join(MergedDir(station, sensorID), fmt.Sprintf("%04d_yearly.csv", year))
}

// IsDailyName reports whether a base name has the daily file shape and lies in
// the given month.
func IsDailyName(name string, year int, month time.Month) bool {
	m := dailyName.FindStringSubmatch(name)
	if m == nil {
		return false
	}
	date, err := time.ParseInLocation(archive.DateLayout, name[:len(archive.DateLayout)], time.UTC)
	if err != nil {
		return false
	}
	return date.Year() == year && date.Month() == month
}

// ParseMonthlyMergedName extracts the month from a "<YYYY-MM>_merged.csv" base name.
func ParseMonthlyMergedName(name string) (archive.YearMonth, bool) {
	m := monthlyMergedName.FindStringSubmatch(name)
	if m == nil {
		return archive.YearMonth{}, false
	}
	year, err := strconv.Atoi(m[1])
	if err != nil {
		return archive.YearMonth{}, false
	}
	month, err := strconv.Atoi(m[2])
	if err != nil || month < 1 || month > 12 {
		return archive.YearMonth{}, false
	}
	return archive.YearMonth{Year: year, Month: time.Month(month)}, true
}

func monthKey(year int, month time.Month) string {
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).Format(monthLayout)
}
