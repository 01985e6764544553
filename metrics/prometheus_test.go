package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	rec.IncCounter(EventUserOpConfirmed, map[string]string{"chain": "8453"})
	rec.IncCounter(EventUserOpConfirmed, map[string]string{"chain": "8453"})
	rec.ObserveLatency(OpExecute, 1500*time.Millisecond, map[string]string{"chain": "8453"})

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.counters.WithLabelValues(EventUserOpConfirmed, "8453")))
	assert.Equal(t, 1, testutil.CollectAndCount(rec.histogram))

	_, err = NewPrometheusRecorder(reg)
	assert.Error(t, err, "double registration must fail")
}

func TestOrNoop(t *testing.T) {
	assert.Equal(t, NoopRecorder{}, OrNoop(nil))

	rec, err := NewPrometheusRecorder(prometheus.NewRegistry())
	require.NoError(t, err)
	assert.Same(t, rec, OrNoop(rec))
}
