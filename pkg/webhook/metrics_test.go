package webhook

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsTrackerCounts(t *testing.T) {
	mt := NewMetricsTracker()

	mt.Track("/hooks/test", "POST", true, 100.0)
	mt.Track("/hooks/test", "POST", true, 200.0)
	mt.Track("/hooks/test", "POST", false, 150.0)

	m := mt.GetMetricsForWebhook("/hooks/test", "POST")
	require.NotNil(t, m)
	assert.Equal(t, "/hooks/test", m.Path)
	assert.Equal(t, "POST", m.Method)
	assert.Equal(t, int64(3), m.TotalRequests)
	assert.Equal(t, int64(2), m.SuccessCount)
	assert.Equal(t, int64(1), m.FailureCount)
	assert.Equal(t, 150.0, m.AverageResponseTime)
	assert.Greater(t, m.LastRequestAt, int64(0))
}

func TestMetricsTrackerSeparatesEndpoints(t *testing.T) {
	mt := NewMetricsTracker()

	mt.Track("/hooks/one", "POST", true, 100.0)
	mt.Track("/hooks/one", "POST", false, 150.0)
	mt.Track("/hooks/two", "GET", true, 200.0)

	all := mt.GetMetrics()
	require.Len(t, all, 2)

	byKey := make(map[string]WebhookMetrics, len(all))
	for _, m := range all {
		byKey[m.Method+":"+m.Path] = m
	}
	assert.Equal(t, int64(2), byKey["POST:/hooks/one"].TotalRequests)
	assert.Equal(t, int64(1), byKey["GET:/hooks/two"].TotalRequests)
}

func TestMetricsTrackerUnknownEndpoint(t *testing.T) {
	mt := NewMetricsTracker()
	assert.Nil(t, mt.GetMetricsForWebhook("/hooks/never-seen", "POST"))
}

func TestMetricsTrackerAverage(t *testing.T) {
	mt := NewMetricsTracker()

	for _, d := range []float64{100, 200, 300, 400, 500} {
		mt.Track("/hooks/test", "POST", true, d)
	}

	m := mt.GetMetricsForWebhook("/hooks/test", "POST")
	require.NotNil(t, m)
	assert.Equal(t, 300.0, m.AverageResponseTime)
}

func TestMetricsTrackerConcurrentTracking(t *testing.T) {
	mt := NewMetricsTracker()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mt.Track("/hooks/test", "POST", true, 100.0)
		}()
	}
	wg.Wait()

	m := mt.GetMetricsForWebhook("/hooks/test", "POST")
	require.NotNil(t, m)
	assert.Equal(t, int64(100), m.TotalRequests)
	assert.Equal(t, int64(100), m.SuccessCount)
}
