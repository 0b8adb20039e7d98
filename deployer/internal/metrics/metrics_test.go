package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Acquisition(AcquireCreated)
	m.Acquisition(AcquireLocked)
	m.Acquisition(AcquireLocked)
	m.Completed("success", 90*time.Second)
	m.NotifierFailed("kafka", errors.New("down"))
	m.DispatchFailed()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.acquisitions.WithLabelValues(AcquireLocked)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.completions.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.notifierFailures.WithLabelValues("kafka")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.dispatchFailures))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Cancellation("canceled")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `stagehand_cancellations_total{result="canceled"} 1`)
}
