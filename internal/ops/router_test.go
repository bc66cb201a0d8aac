package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/stayledger/pkg/errors"
	"github.com/angelmondragon/stayledger/pkg/logger"
	"github.com/angelmondragon/stayledger/pkg/metrics"
)

func newRouter(pingers map[string]Pinger, reg *prometheus.Registry) http.Handler {
	return NewRouter(RouterParams{
		Env:         "test",
		ServiceKind: "cron-worker",
		Logger:      logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Pingers:     pingers,
		Gatherer:    reg,
	})
}

func TestHealthLive(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(nil, prometheus.NewRegistry()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "test", rec.Header().Get(envHeader))
	var body successEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "live", body.Data.(map[string]any)["status"])
}

func TestHealthReadyReportsFailingDependencies(t *testing.T) {
	pingers := map[string]Pinger{
		"database": PingFunc(func(context.Context) error { return nil }),
		"redis":    PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	}
	rec := httptest.NewRecorder()
	newRouter(pingers, prometheus.NewRegistry()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, pkgerrors.CodeDependency, body.Error.Code)
	details := body.Error.Details.(map[string]any)
	require.Equal(t, "connection refused", details["redis"])
	require.NotContains(t, details, "database")
}

func TestHealthReadyOK(t *testing.T) {
	pingers := map[string]Pinger{"database": PingFunc(func(context.Context) error { return nil })}
	rec := httptest.NewRecorder()
	newRouter(pingers, prometheus.NewRegistry()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpointExposesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewPublisherMetrics(reg)
	m.Inc(metrics.PublishDelivered)

	rec := httptest.NewRecorder()
	newRouter(nil, reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `inventory_publish_total{outcome="delivered"} 1`))
}

func TestRecovererReturnsInternalError(t *testing.T) {
	h := recoverer(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
