package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounterVectorsIncrementWithoutPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		RoomStateTransitions.WithLabelValues("Probing", "Streaming").Inc()
		ReconnectAttempts.WithLabelValues("room-1").Inc()
		ChatEventsIngested.WithLabelValues("room-1").Inc()
		GiftEventsIngested.WithLabelValues("room-1").Inc()
		DuplicateTracesDropped.WithLabelValues("room-1").Inc()
		StorageWriteFailures.WithLabelValues("append_chat").Inc()
		SnapshotsProduced.WithLabelValues("room-1").Inc()
		PurgedRows.Add(3)
		CircuitBreakerFailures.WithLabelValues("fetcher").Inc()
		BusPublishTotal.WithLabelValues("room", "ok").Inc()
	})

	val := testutil.ToFloat64(ChatEventsIngested.WithLabelValues("room-1"))
	assert.GreaterOrEqual(t, val, float64(1))
}

func TestRoomsActiveGauge(t *testing.T) {
	RoomsActive.Set(0)
	RoomsActive.Inc()
	RoomsActive.Inc()
	RoomsActive.Dec()
	assert.Equal(t, float64(1), testutil.ToFloat64(RoomsActive))
}

func TestCircuitBreakerStateGauge(t *testing.T) {
	CircuitBreakerState.WithLabelValues("fetcher").Set(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(CircuitBreakerState.WithLabelValues("fetcher")))
}

func TestStorageOperationDurationHistogram(t *testing.T) {
	assert.NotPanics(t, func() {
		StorageOperationDuration.WithLabelValues("bump_session").Observe(0.05)
	})
}
