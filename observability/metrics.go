package observability

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultWindow  = time.Hour
	maxPointsPerSeries = 10_000
)

// MetricPoint is one time-tagged sample.
type MetricPoint struct {
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
}

// TimeBucket is one aggregated interval of a time series.
type TimeBucket struct {
	Timestamp int64   `json:"timestamp"`
	Count     int     `json:"count"`
	Sum       float64 `json:"sum"`
	Avg       float64 `json:"avg"`
}

// HistogramSummary summarises observed samples.
type HistogramSummary struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
	Max   float64 `json:"max"`
}

// Metrics collects counters (monotonic increments) and histograms (observed
// samples) as time-tagged points in bounded series, and mirrors them to
// Prometheus for scrape-based export.
type Metrics struct {
	mu         sync.Mutex
	window     time.Duration
	counters   map[string][]MetricPoint
	histograms map[string][]MetricPoint
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the process-wide collector.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = NewMetrics(defaultWindow)
	})
	return metricsInstance
}

// NewMetrics creates a collector with the given retention window.
func NewMetrics(window time.Duration) *Metrics {
	if window <= 0 {
		window = defaultWindow
	}
	return &Metrics{
		window:     window,
		counters:   make(map[string][]MetricPoint),
		histograms: make(map[string][]MetricPoint),
	}
}

// Increment adds value to a counter.
func (m *Metrics) Increment(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	m.counters[name] = appendBounded(m.counters[name], MetricPoint{
		Timestamp: time.Now(), Value: value, Labels: labels,
	})
	m.mu.Unlock()
	mirrorCounter(name, value, labels)
}

// Observe records a histogram sample (e.g. a latency).
func (m *Metrics) Observe(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	m.histograms[name] = appendBounded(m.histograms[name], MetricPoint{
		Timestamp: time.Now(), Value: value, Labels: labels,
	})
	m.mu.Unlock()
	mirrorHistogram(name, value, labels)
}

func appendBounded(points []MetricPoint, p MetricPoint) []MetricPoint {
	points = append(points, p)
	if len(points) > maxPointsPerSeries {
		points = points[len(points)-maxPointsPerSeries:]
	}
	return points
}

// CounterTotal sums a counter since the given time, optionally filtered by
// labels.
func (m *Metrics) CounterTotal(name string, since time.Time, labelFilter map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0.0
	for _, p := range m.counters[name] {
		if !since.IsZero() && p.Timestamp.Before(since) {
			continue
		}
		if !matchLabels(p.Labels, labelFilter) {
			continue
		}
		total += p.Value
	}
	return total
}

func matchLabels(labels, filter map[string]string) bool {
	for k, v := range filter {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// HistogramStats summarises a histogram since the given time.
func (m *Metrics) HistogramStats(name string, since time.Time) HistogramSummary {
	m.mu.Lock()
	var values []float64
	for _, p := range m.histograms[name] {
		if !since.IsZero() && p.Timestamp.Before(since) {
			continue
		}
		values = append(values, p.Value)
	}
	m.mu.Unlock()

	if len(values) == 0 {
		return HistogramSummary{}
	}
	sort.Float64s(values)
	n := len(values)
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return HistogramSummary{
		Count: n,
		Avg:   sum / float64(n),
		P50:   values[n/2],
		P90:   values[int(float64(n)*0.9)],
		P99:   values[min(int(float64(n)*0.99), n-1)],
		Max:   values[n-1],
	}
}

// TimeSeries buckets a counter or histogram by interval since the given time.
func (m *Metrics) TimeSeries(name string, bucket time.Duration, since time.Time) []TimeBucket {
	if bucket <= 0 {
		bucket = time.Minute
	}
	m.mu.Lock()
	source := m.counters[name]
	if len(source) == 0 {
		source = m.histograms[name]
	}
	points := make([]MetricPoint, len(source))
	copy(points, source)
	m.mu.Unlock()

	if since.IsZero() {
		since = time.Now().Add(-m.window)
	}

	buckets := map[int64][]float64{}
	for _, p := range points {
		if p.Timestamp.Before(since) {
			continue
		}
		key := p.Timestamp.Unix() / int64(bucket.Seconds()) * int64(bucket.Seconds())
		buckets[key] = append(buckets[key], p.Value)
	}

	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	result := make([]TimeBucket, 0, len(keys))
	for _, k := range keys {
		vals := buckets[k]
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		result = append(result, TimeBucket{
			Timestamp: k,
			Count:     len(vals),
			Sum:       sum,
			Avg:       sum / float64(len(vals)),
		})
	}
	return result
}

// Dashboard produces the rollups the inspector UI shows.
func (m *Metrics) Dashboard() map[string]any {
	now := time.Now()
	since1h := now.Add(-time.Hour)
	since24h := now.Add(-24 * time.Hour)

	return map[string]any{
		"requests_1h":         m.CounterTotal("ai_requests", since1h, nil),
		"requests_24h":        m.CounterTotal("ai_requests", since24h, nil),
		"errors_1h":           m.CounterTotal("ai_errors", since1h, nil),
		"tokens_1h":           m.CounterTotal("tokens_used", since1h, nil),
		"tokens_24h":          m.CounterTotal("tokens_used", since24h, nil),
		"cost_cents_24h":      m.CounterTotal("cost_cents", since24h, nil),
		"tool_calls_1h":       m.CounterTotal("tool_calls", since1h, nil),
		"latency_1h":          m.HistogramStats("ai_latency_ms", since1h),
		"requests_timeseries": m.TimeSeries("ai_requests", 5*time.Minute, since1h),
		"tokens_timeseries":   m.TimeSeries("tokens_used", 5*time.Minute, since1h),
	}
}

// Cleanup drops points older than the retention window.
func (m *Metrics) Cleanup() {
	cutoff := time.Now().Add(-m.window)
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, points := range m.counters {
		m.counters[name] = dropBefore(points, cutoff)
	}
	for name, points := range m.histograms {
		m.histograms[name] = dropBefore(points, cutoff)
	}
}

func dropBefore(points []MetricPoint, cutoff time.Time) []MetricPoint {
	idx := 0
	for idx < len(points) && points[idx].Timestamp.Before(cutoff) {
		idx++
	}
	return points[idx:]
}
