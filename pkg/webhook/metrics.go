package webhook

import (
	"sync"
	"time"
)

// endpointStats accumulates raw counters for one endpoint. Averages are
// computed at read time from the duration sum, so Track stays a few
// integer adds.
type endpointStats struct {
	path       string
	method     string
	total      int64
	success    int64
	failure    int64
	durationMs float64
	lastAt     int64
}

func (s *endpointStats) view() WebhookMetrics {
	m := WebhookMetrics{
		Path:          s.path,
		Method:        s.method,
		TotalRequests: s.total,
		SuccessCount:  s.success,
		FailureCount:  s.failure,
		LastRequestAt: s.lastAt,
	}
	if s.total > 0 {
		m.AverageResponseTime = s.durationMs / float64(s.total)
	}
	return m
}

// MetricsTracker keeps per-endpoint ingress counters, keyed by
// method:path.
type MetricsTracker struct {
	mu    sync.RWMutex
	stats map[string]*endpointStats
}

func NewMetricsTracker() *MetricsTracker {
	return &MetricsTracker{stats: make(map[string]*endpointStats)}
}

// Track records one handled request.
func (t *MetricsTracker) Track(path, method string, success bool, durationMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := method + ":" + path
	s := t.stats[key]
	if s == nil {
		s = &endpointStats{path: path, method: method}
		t.stats[key] = s
	}

	s.total++
	if success {
		s.success++
	} else {
		s.failure++
	}
	s.durationMs += durationMs
	s.lastAt = time.Now().UnixMilli()
}

// GetMetrics materializes a snapshot for every endpoint seen so far.
func (t *MetricsTracker) GetMetrics() []WebhookMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]WebhookMetrics, 0, len(t.stats))
	for _, s := range t.stats {
		out = append(out, s.view())
	}
	return out
}

// GetMetricsForWebhook materializes the snapshot for one endpoint, nil
// when it has seen no traffic.
func (t *MetricsTracker) GetMetricsForWebhook(path, method string) *WebhookMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.stats[method+":"+path]
	if s == nil {
		return nil
	}
	m := s.view()
	return &m
}
