package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestConnectionGauge(t *testing.T) {
	before := testutil.ToFloat64(ActiveWebSocketConnections)
	IncConnection()
	IncConnection()
	DecConnection()
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveWebSocketConnections))
	DecConnection()
}

func TestCollectorsAcceptTheirLabels(t *testing.T) {
	// Label mismatches panic at call time; exercising each collector once is
	// the registration sanity check.
	RoomClients.WithLabelValues("ABC234", "display").Inc()
	RoomClients.WithLabelValues("ABC234", "display").Dec()
	FramesRouted.WithLabelValues("state", "local").Inc()
	FramesDropped.WithLabelValues("oversize").Inc()
	IdentifyQueueDepth.Set(3)
	IdentifyDuration.Observe(0.5)
	IdentifyRejected.Inc()
	RateLimitExceeded.WithLabelValues("api").Inc()
	CircuitBreakerState.WithLabelValues("redis").Set(1)
	CircuitBreakerFailures.WithLabelValues("redis").Inc()

	assert.GreaterOrEqual(t, testutil.ToFloat64(FramesDropped.WithLabelValues("oversize")), float64(1))
}
