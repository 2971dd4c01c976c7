package collyfetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
)

// ErrNoLocation is returned by Locate when the sensor API has no usable position.
var ErrNoLocation = errors.New("sensor location unknown")

// apiMeasurement is the subset of a sensor API measurement that carries the
// installation site.
type apiMeasurement struct {
	Location struct {
		ID        int        `json:"id"`
		Latitude  coordinate `json:"latitude"`
		Longitude coordinate `json:"longitude"`
		Country   string     `json:"country"`
		City      string     `json:"city"`
		Name      string     `json:"location"`
	} `json:"location"`
}

// coordinate accepts both "48.1" and 48.1.
type coordinate struct {
	value float64
	set   bool
}

func (c *coordinate) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if raw == "" || raw == "null" {
		*c = coordinate{}
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("parse coordinate %q: %w", raw, err)
	}
	*c = coordinate{value: v, set: true}
	return nil
}

// LocationURL returns the sensor API resource for a sensor.
func (f *Fetcher) LocationURL(sensorID string) string {
	return f.metadata.JoinPath(sensorID).String() + "/"
}

// Locate reads the installation site of a sensor from the sensor API. It makes
// a single attempt; callers treat failures as "unknown".
func (f *Fetcher) Locate(ctx context.Context, sensorID string) (archive.Location, error) {
	target := f.LocationURL(sensorID)
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, target); err != nil {
			return archive.Location{}, err
		}
	}

	res, err := f.runCollector(ctx, f.collector.Clone(), target)
	if err != nil {
		return archive.Location{}, err
	}
	if res.err != nil {
		return archive.Location{}, fmt.Errorf("locate sensor %s: %w", sensorID, res.err)
	}
	if err := f.checkComplete(res); err != nil {
		return archive.Location{}, fmt.Errorf("locate sensor %s: %w", sensorID, err)
	}

	var measurements []apiMeasurement
	if err := json.Unmarshal(res.body, &measurements); err != nil {
		return archive.Location{}, fmt.Errorf("locate sensor %s: %w: %v", sensorID, archive.ErrMalformedResponse, err)
	}
	if len(measurements) == 0 {
		return archive.Location{}, fmt.Errorf("locate sensor %s: %w: no recent measurements", sensorID, ErrNoLocation)
	}

	site := measurements[0].Location
	if !site.Latitude.set || !site.Longitude.set {
		return archive.Location{}, fmt.Errorf("locate sensor %s: %w", sensorID, ErrNoLocation)
	}
	loc := archive.Location{
		Name:      locationName(site.City, site.Country, site.Name, site.ID),
		Latitude:  site.Latitude.value,
		Longitude: site.Longitude.value,
	}
	f.logger.Debug("sensor located",
		zap.String("sensor_id", sensorID),
		zap.String("location", loc.Name),
		zap.Float64("latitude", loc.Latitude),
		zap.Float64("longitude", loc.Longitude),
	)
	return loc, nil
}

func locationName(city, country, name string, id int) string {
	switch {
	case city != "" && country != "":
		return city + ", " + country
	case country != "":
		return country
	case name != "":
		return name
	default:
		return fmt.Sprintf("Location_%d", id)
	}
}
