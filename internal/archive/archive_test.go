package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkUnitObjectName(t *testing.T) {
	t.Parallel()

	unit := NewWorkUnit("12345", "SDS011", time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC))
	require.Equal(t, "2024-01-02/2024-01-02_sds011_sensor_12345.csv", unit.ObjectName())
	require.Equal(t, "2024-01-02", unit.DateString())
	require.Equal(t, "sds011/12345@2024-01-02", unit.String())
}

func TestWorkUnitJSONRoundTrip(t *testing.T) {
	t.Parallel()

	unit := NewWorkUnit("7", "dht22", time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC))
	data, err := json.Marshal(unit)
	require.NoError(t, err)
	require.JSONEq(t, `{"sensor_id":"7","sensor_type":"dht22","date":"2023-12-31"}`, string(data))

	var decoded WorkUnit
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, unit, decoded)
}

func TestDaysAndSpans(t *testing.T) {
	t.Parallel()

	start := time.Date(2023, 12, 30, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	days := Days(start, end)
	require.Len(t, days, 34)
	assert.Equal(t, start, days[0])
	assert.Equal(t, end, days[len(days)-1])

	months := MonthsSpanned(start, end)
	require.Equal(t, []YearMonth{
		{Year: 2023, Month: time.December},
		{Year: 2024, Month: time.January},
		{Year: 2024, Month: time.February},
	}, months)
	assert.Equal(t, "2024-02", months[2].String())

	assert.Equal(t, []int{2023, 2024}, YearsSpanned(start, end))
	assert.Nil(t, Days(end, start))
	assert.Nil(t, MonthsSpanned(end, start))
	assert.Nil(t, YearsSpanned(end, start))
}

func TestNormalizeSensorType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{"exact", "sds011", "sds011", true},
		{"upper with vendor", "SDS011 (Nova Fitness)", "sds011", true},
		{"pms variant", "Plantower PMS7003", "pms7003", true},
		{"bme", "BME280", "bme280", true},
		{"short token", "Honeywell HPM", "hpm", true},
		{"unknown", "geiger", "", false},
		{"empty", "  ", "", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := NormalizeSensorType(tt.input)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(3, time.Millisecond, 10*time.Millisecond)
	require.Equal(t, 3, policy.MaxAttempts())

	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"nil error", nil, 1, false},
		{"server error", &StatusError{Code: 503}, 1, true},
		{"too many requests", fmt.Errorf("wrapped: %w", &StatusError{Code: 429}), 2, true},
		{"forbidden", &StatusError{Code: 403}, 1, false},
		{"malformed", ErrMalformedResponse, 1, false},
		{"canceled", context.Canceled, 1, false},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, 1, true},
		{"budget exhausted", &StatusError{Code: 500}, 3, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, policy.ShouldRetry(tt.err, tt.attempt))
		})
	}
}

func TestRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(5, 100*time.Millisecond, 300*time.Millisecond)
	for attempt := 1; attempt <= 5; attempt++ {
		expected := 100 * time.Millisecond << (attempt - 1)
		if expected > 300*time.Millisecond {
			expected = 300 * time.Millisecond
		}
		got := policy.Backoff(attempt)
		assert.GreaterOrEqual(t, got, expected/2, "attempt %d", attempt)
		assert.Less(t, got, expected, "attempt %d", attempt)
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(0, 0, 0)
	require.Equal(t, DefaultMaxAttempts, policy.MaxAttempts())
	require.Equal(t, DefaultBaseDelay, policy.baseDelay)
	require.Equal(t, DefaultMaxDelay, policy.maxDelay)
}

func TestOutcomeConstructors(t *testing.T) {
	t.Parallel()

	unit := NewWorkUnit("1", "sds011", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	fetched := Fetched(unit, []byte("a;b\n"), 2)
	assert.Equal(t, OutcomeFetched, fetched.Kind)
	assert.Equal(t, int64(4), fetched.Bytes)
	assert.Equal(t, 2, fetched.Attempts)

	skipped := Skipped(unit, ReasonNoDataUpstream, 1)
	assert.Equal(t, OutcomeSkipped, skipped.Kind)
	assert.Equal(t, ReasonNoDataUpstream, skipped.Reason)

	failed := Failed(unit, ReasonHTTPStatus, 3, &StatusError{Code: 500}).WithStatus(500)
	assert.Equal(t, OutcomeFailed, failed.Kind)
	assert.Equal(t, "unexpected status 500", failed.Error)
	assert.Equal(t, 500, failed.StatusCode)

	data, err := json.Marshal(fetched)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Body")
}
