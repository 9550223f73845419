package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndGauges(t *testing.T) {
	require.NoError(t, InitMetrics(""))
	defer func() { _ = Close() }()

	assert.Equal(t, int64(1), Incr("session_reconnect_scheduled"))
	assert.Equal(t, int64(2), Incr("session_reconnect_scheduled"))
	assert.Equal(t, int64(2), Counter("session_reconnect_scheduled"))
	assert.Zero(t, Counter("unknown"))

	SetGauge("session_live", 3)
	points, err := Series("session_live", time.Minute)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, float64(3), points[0].Value)

	empty, err := Series("never_written", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSeriesWithoutInit(t *testing.T) {
	_ = Close()
	_, err := Series("x", time.Minute)
	assert.Error(t, err)
	// writes are dropped silently
	SetGauge("x", 1)
}
