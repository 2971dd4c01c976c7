// Package postgres resolves stations and sensors from the collaborator's Postgres tables.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default table names.
const (
	DefaultStationTable    = "sensor_station"
	DefaultSensorTable     = "sensor_sensor"
	DefaultSensorTypeTable = "sensor_sensortype"
)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	StationTable    string        `mapstructure:"station_table"`
	SensorTable     string        `mapstructure:"sensor_table"`
	SensorTypeTable string        `mapstructure:"sensor_type_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Tables names the three registry tables.
type Tables struct {
	Station    string
	Sensor     string
	SensorType string
}

func (t Tables) withDefaults() Tables {
	if t.Station == "" {
		t.Station = DefaultStationTable
	}
	if t.Sensor == "" {
		t.Sensor = DefaultSensorTable
	}
	if t.SensorType == "" {
		t.SensorType = DefaultSensorTypeTable
	}
	return t
}

func (t Tables) validate() error {
	for _, name := range []string{t.Station, t.Sensor, t.SensorType} {
		if !validTableName.MatchString(name) {
			return fmt.Errorf("invalid table name %q", name)
		}
	}
	return nil
}

type querier interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Registry reads stations and sensors from Postgres.
type Registry struct {
	pool   querier
	tables Tables
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	tables := Tables{
		Station:    cfg.StationTable,
		Sensor:     cfg.SensorTable,
		SensorType: cfg.SensorTypeTable,
	}.withDefaults()
	if err := tables.validate(); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Registry{pool: pool, tables: tables}, nil
}

// NewWithPool builds a registry from an existing pool (primarily for testing).
func NewWithPool(pool querier, tables Tables) (*Registry, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	tables = tables.withDefaults()
	if err := tables.validate(); err != nil {
		return nil, err
	}
	return &Registry{pool: pool, tables: tables}, nil
}

// Close releases the pool.
func (r *Registry) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Ping checks database connectivity for readiness probes.
func (r *Registry) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Station loads one station by id.
func (r *Registry) Station(ctx context.Context, stationID string) (archive.Station, error) {
	query := fmt.Sprintf(
		`SELECT id::text, uid, name, latitude, longitude FROM %s WHERE id::text = $1`,
		r.tables.Station,
	)
	var st archive.Station
	err := r.pool.QueryRow(ctx, query, stationID).
		Scan(&st.ID, &st.UID, &st.Name, &st.Latitude, &st.Longitude)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.Station{}, fmt.Errorf("%w: %s", archive.ErrStationNotFound, stationID)
	}
	if err != nil {
		return archive.Station{}, fmt.Errorf("query station %s: %w", stationID, err)
	}
	return st, nil
}

// Sensors lists the sensors attached to a station ordered by id. Unknown
// stations yield ErrStationNotFound.
func (r *Registry) Sensors(ctx context.Context, stationID string) ([]archive.Sensor, error) {
	if _, err := r.Station(ctx, stationID); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT s.sensor_id::text, COALESCE(t.name, ''), COALESCE(s.description, '')
FROM %s s
LEFT JOIN %s t ON t.id = s.sensor_type_id
WHERE s.station_id::text = $1
ORDER BY s.sensor_id`, r.tables.Sensor, r.tables.SensorType)

	rows, err := r.pool.Query(ctx, query, stationID)
	if err != nil {
		return nil, fmt.Errorf("query sensors for station %s: %w", stationID, err)
	}
	defer rows.Close()

	var sensors []archive.Sensor
	for rows.Next() {
		var s archive.Sensor
		if err := rows.Scan(&s.ID, &s.Type, &s.Description); err != nil {
			return nil, fmt.Errorf("scan sensor: %w", err)
		}
		sensors = append(sensors, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sensors: %w", err)
	}
	return sensors, nil
}
