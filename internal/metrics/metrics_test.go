package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnIsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	set := New(reg)
	require.NotNil(t, set.Operation)
	require.NotNil(t, set.KV)
	require.NotNil(t, set.Geo)

	set.Operation.RecordExecution("search")
	set.Operation.RecordAttempt("search")
	set.Operation.RecordAttempt("search")
	set.Operation.RecordOutcome("search", OutcomeSuccess, 0.2)

	assert.Equal(t, 1.0, testutil.ToFloat64(set.Operation.Executions.WithLabelValues("search")))
	assert.Equal(t, 2.0, testutil.ToFloat64(set.Operation.Attempts.WithLabelValues("search")))
	assert.Equal(t, 1.0, testutil.ToFloat64(set.Operation.Outcomes.WithLabelValues("search", OutcomeSuccess)))

	// A second set on a fresh registry must not panic on duplicate registration.
	require.NotPanics(t, func() { New(prometheus.NewRegistry()) })
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var op *Operation
	var kv *KV
	var geo *Geo

	assert.NotPanics(t, func() {
		op.RecordExecution("x")
		op.RecordAttempt("x")
		op.RecordOutcome("x", OutcomeError, 1)
		kv.RecordWrite("set")
		kv.RecordDecodeFailure()
		kv.RecordNotification("applied")
		geo.RecordHit()
		geo.RecordMiss()
		geo.RecordEviction()
		geo.RecordProviderCall("success")
	})
}

func TestKVAndGeoCounters(t *testing.T) {
	set := New(prometheus.NewRegistry())

	set.KV.RecordWrite("set")
	set.KV.RecordWrite("remove")
	set.KV.RecordDecodeFailure()
	set.KV.RecordNotification("ignored")
	set.Geo.RecordHit()
	set.Geo.RecordEviction()
	set.Geo.RecordProviderCall("error")

	assert.Equal(t, 1.0, testutil.ToFloat64(set.KV.Writes.WithLabelValues("remove")))
	assert.Equal(t, 1.0, testutil.ToFloat64(set.KV.DecodeFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(set.KV.Notifications.WithLabelValues("ignored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(set.Geo.CacheHits))
	assert.Equal(t, 0.0, testutil.ToFloat64(set.Geo.CacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(set.Geo.CacheEvicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(set.Geo.ProviderCalls.WithLabelValues("error")))
}
