package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndGauges(t *testing.T) {
	m := New()

	m.Event(SourceNetwork)
	m.Event(SourceNetwork)
	m.Event(SourceOperator)
	m.DecodeError()
	m.ResponsePublished()
	m.ResponseDropped(DropOverflow)
	m.ResponseDisplayed()
	m.RateLimited()
	m.SetLivePeers(3)
	m.SetRecords(5)
	m.SetOutboxDepth(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues(SourceNetwork)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues(SourceOperator)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.responsesPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.responsesDropped.WithLabelValues(DropOverflow)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.responsesDisplayed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.livePeers))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.records))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.outboxDepth))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Event(SourceOutbox)
	m.DecodeError()
	m.ResponseDropped(DropPublishFailed)
	m.SetLivePeers(1)
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SetRecords(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "recordmesh_records 4"))
}
