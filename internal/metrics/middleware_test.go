package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/stations/{station_id}/summary", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/v1/downloads", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	summaryRoute := "/v1/stations/{station_id}/summary"
	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	teapotBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "418"))

	for _, id := range []string{"1", "2", "3"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stations/"+id+"/summary", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/downloads", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	assert.InDelta(t, 3, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))-okBefore, 0)
	assert.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "418"))-teapotBefore, 0)
	assert.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))

	// One series per route pattern, not per concrete path.
	_, err := httpRequestDurationSeconds.GetMetricWithLabelValues(http.MethodGet, summaryRoute)
	assert.NoError(t, err)
}

func TestMiddlewareUnknownRouteOutsideChi(t *testing.T) {
	Init()
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPut, "202"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/raw", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPut, "202"))-before, 0)
}
