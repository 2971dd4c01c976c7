package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrStationNotFound is returned by registries for unknown stations.
	ErrStationNotFound = errors.New("station not found")
	// ErrSensorNotFound is returned when a requested sensor is not attached to the station.
	ErrSensorNotFound = errors.New("sensor not found")
	// ErrMalformedResponse marks an archive body that is not usable CSV.
	ErrMalformedResponse = errors.New("malformed response")
)

// StatusError carries a non-success HTTP status from the archive.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Fetcher retrieves one daily file. Failures are reported in the Outcome.
type Fetcher interface {
	Fetch(ctx context.Context, unit WorkUnit) Outcome
}

// Locator looks up where a sensor is installed, for stations the registry
// has no coordinates for.
type Locator interface {
	Locate(ctx context.Context, sensorID string) (Location, error)
}

// Registry resolves stations and their configured sensors.
type Registry interface {
	Station(ctx context.Context, stationID string) (Station, error)
	Sensors(ctx context.Context, stationID string) ([]Sensor, error)
}

// Store persists files under a root directory, addressed by relative paths.
type Store interface {
	Exists(ctx context.Context, path string) (bool, error)
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Mirror copies produced files to a remote object store.
type Mirror interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher emits notifications about finished jobs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RetryPolicy decides retries and backoff for fetch attempts.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
	MaxAttempts() int
}

// RateLimiter gates outbound requests.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates identifiers for jobs.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher digests produced files.
type Hasher interface {
	Hash(data []byte) (string, error)
}
