package job

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
	"github.com/JakeFAU/sensor-archive-downloader/internal/layout"
)

// SensorSummary describes one sensor of a station.
type SensorSummary struct {
	ID          string `json:"id" yaml:"id"`
	Type        string `json:"type" yaml:"type"`
	ArchiveType string `json:"archive_type,omitempty" yaml:"archive_type,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Supported   bool   `json:"supported" yaml:"supported"`
}

// Summary is what a download of the station would touch.
type Summary struct {
	StationID    string          `json:"station_id" yaml:"station_id"`
	StationName  string          `json:"station_name" yaml:"station_name"`
	StationUID   string          `json:"station_uid" yaml:"station_uid"`
	OutputDir    string          `json:"output_dir" yaml:"output_dir"`
	Concurrency  int             `json:"concurrency" yaml:"concurrency"`
	Latitude     *float64        `json:"latitude" yaml:"latitude"`
	Longitude    *float64        `json:"longitude" yaml:"longitude"`
	Sensors      []SensorSummary `json:"sensors" yaml:"sensors"`
	TotalSensors int             `json:"total_sensors" yaml:"total_sensors"`

	// LocationSource is "registry" or "sensor-api"; empty when unknown.
	LocationSource string `json:"location_source,omitempty" yaml:"location_source,omitempty"`
	LocationName   string `json:"location_name,omitempty" yaml:"location_name,omitempty"`
}

// Location sources reported in Summary.
const (
	LocationFromRegistry  = "registry"
	LocationFromSensorAPI = "sensor-api"
)

// Summary resolves a station without downloading anything. Unknown stations
// return an error wrapping archive.ErrStationNotFound.
func (j *Job) Summary(ctx context.Context, stationID string) (Summary, error) {
	station, err := j.deps.Registry.Station(ctx, stationID)
	if err != nil {
		return Summary{}, fmt.Errorf("lookup station %s: %w", stationID, err)
	}
	sensors, err := j.deps.Registry.Sensors(ctx, station.ID)
	if err != nil {
		return Summary{}, fmt.Errorf("list sensors of %s: %w", station.ID, err)
	}

	out := Summary{
		StationID:    station.ID,
		StationName:  station.Name,
		StationUID:   station.UID,
		OutputDir:    filepath.Join(j.deps.Store.BaseDir(), layout.StationDir(station)),
		Concurrency:  j.cfg.Concurrency,
		Latitude:     station.Latitude,
		Longitude:    station.Longitude,
		Sensors:      make([]SensorSummary, 0, len(sensors)),
		TotalSensors: len(sensors),
	}
	if station.Latitude != nil && station.Longitude != nil {
		out.LocationSource = LocationFromRegistry
	} else if j.cfg.AutoLocate && j.deps.Locator != nil {
		j.locate(ctx, &out, sensors)
	}
	for _, sensor := range sensors {
		archiveType, ok := archive.NormalizeSensorType(sensor.Type)
		out.Sensors = append(out.Sensors, SensorSummary{
			ID:          sensor.ID,
			Type:        sensor.Type,
			ArchiveType: archiveType,
			Description: sensor.Description,
			Supported:   ok,
		})
	}
	return out, nil
}

// locate fills missing coordinates from the first sensor the Locator knows.
// Lookup failures leave the coordinates unknown.
func (j *Job) locate(ctx context.Context, out *Summary, sensors []archive.Sensor) {
	logger := j.logger.With(zap.String("station_id", out.StationID))
	for _, sensor := range sensors {
		if _, ok := archive.NormalizeSensorType(sensor.Type); !ok {
			continue
		}
		loc, err := j.deps.Locator.Locate(ctx, sensor.ID)
		if err != nil {
			logger.Debug("sensor location lookup failed", zap.String("sensor_id", sensor.ID), zap.Error(err))
			if ctx.Err() != nil {
				return
			}
			continue
		}
		lat, lon := loc.Latitude, loc.Longitude
		out.Latitude, out.Longitude = &lat, &lon
		out.LocationName = loc.Name
		out.LocationSource = LocationFromSensorAPI
		return
	}
}
