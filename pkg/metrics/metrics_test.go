package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordFileOutcome(t *testing.T) {
	before := testutil.ToFloat64(fileOutcomesTotal.WithLabelValues("uploaded"))
	RecordFileOutcome("uploaded")
	RecordFileOutcome("uploaded")
	assert.Equal(t, before+2, testutil.ToFloat64(fileOutcomesTotal.WithLabelValues("uploaded")))
}

func TestRecordUploadAttempt(t *testing.T) {
	bytesBefore := testutil.ToFloat64(uploadBytesTotal)
	failedBefore := testutil.ToFloat64(uploadAttemptsTotal.WithLabelValues("error"))

	RecordUploadAttempt(100, true)
	RecordUploadAttempt(50, false)

	assert.Equal(t, bytesBefore+100, testutil.ToFloat64(uploadBytesTotal))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(uploadAttemptsTotal.WithLabelValues("error")))
}

func TestInFlight(t *testing.T) {
	before := testutil.ToFloat64(uploadsInFlight)
	UploadStarted()
	assert.Equal(t, before+1, testutil.ToFloat64(uploadsInFlight))
	UploadFinished()
	assert.Equal(t, before, testutil.ToFloat64(uploadsInFlight))
}

func TestMiddlewareAndHandler(t *testing.T) {
	RecordCycle(time.Second, true)
	RecordReconnect(true)

	handler := Middleware(Handler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "bupper_cycles_total"))
	assert.True(t, strings.Contains(body, "bupper_reconnects_total"))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		httpRequestsTotal.WithLabelValues(http.MethodGet, "/metrics", "200")))
}
