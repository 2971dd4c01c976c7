// Package memory serves stations and sensors declared in the config file.
package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
)

// SensorConfig declares one sensor of a station.
type SensorConfig struct {
	ID          string `mapstructure:"id"`
	Type        string `mapstructure:"type"`
	Description string `mapstructure:"description"`
}

// StationConfig declares one station.
type StationConfig struct {
	ID        string         `mapstructure:"id"`
	UID       string         `mapstructure:"uid"`
	Name      string         `mapstructure:"name"`
	Latitude  *float64       `mapstructure:"latitude"`
	Longitude *float64       `mapstructure:"longitude"`
	Sensors   []SensorConfig `mapstructure:"sensors"`
}

// Registry is a read-only, in-memory archive.Registry.
type Registry struct {
	stations map[string]archive.Station
	sensors  map[string][]archive.Sensor
}

// New validates the declarations and builds the registry.
func New(stations []StationConfig) (*Registry, error) {
	r := &Registry{
		stations: make(map[string]archive.Station, len(stations)),
		sensors:  make(map[string][]archive.Sensor, len(stations)),
	}
	for i, sc := range stations {
		id := strings.TrimSpace(sc.ID)
		if id == "" {
			return nil, fmt.Errorf("station %d: id is required", i)
		}
		if _, dup := r.stations[id]; dup {
			return nil, fmt.Errorf("station %s declared twice", id)
		}
		r.stations[id] = archive.Station{
			ID:        id,
			UID:       sc.UID,
			Name:      sc.Name,
			Latitude:  sc.Latitude,
			Longitude: sc.Longitude,
		}
		sensors := make([]archive.Sensor, 0, len(sc.Sensors))
		for j, sensor := range sc.Sensors {
			if strings.TrimSpace(sensor.ID) == "" {
				return nil, fmt.Errorf("station %s sensor %d: id is required", id, j)
			}
			sensors = append(sensors, archive.Sensor{
				ID:          strings.TrimSpace(sensor.ID),
				Type:        sensor.Type,
				Description: sensor.Description,
			})
		}
		r.sensors[id] = sensors
	}
	return r, nil
}

// Station returns the station or an error wrapping archive.ErrStationNotFound.
func (r *Registry) Station(_ context.Context, stationID string) (archive.Station, error) {
	station, ok := r.stations[stationID]
	if !ok {
		return archive.Station{}, fmt.Errorf("%w: %s", archive.ErrStationNotFound, stationID)
	}
	return station, nil
}

// Sensors returns a copy of the station's sensors in declaration order.
func (r *Registry) Sensors(_ context.Context, stationID string) ([]archive.Sensor, error) {
	sensors, ok := r.sensors[stationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", archive.ErrStationNotFound, stationID)
	}
	return append([]archive.Sensor(nil), sensors...), nil
}
