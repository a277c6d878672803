package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateCostLinearity(t *testing.T) {
	p, c := 123_456, 78_901
	full := EstimateCost("gpt-4o", p, c)
	split := EstimateCost("gpt-4o", p, 0) + EstimateCost("gpt-4o", 0, c)
	assert.InDelta(t, full, split, 1e-9)

	// Unknown models cost zero.
	assert.Zero(t, EstimateCost("mystery-9000", p, c))

	// Prefix match works for dated variants.
	assert.Greater(t, EstimateCost("gpt-4o-2024-08-06", 1_000_000, 0), 0.0)
}

func TestTracerSpanLifecycle(t *testing.T) {
	tracer := NewTracer(10)

	span := tracer.StartSpan(SpanLLMCall, "chat", "", "", "gpt-4o", "p1", nil)
	require.NotEmpty(t, span.SpanID)
	require.NotEmpty(t, span.TraceID)

	tracer.EndSpan(span, 1000, 500, "ok", "")
	assert.Equal(t, 1500, span.TotalTokens)
	assert.False(t, span.EndTime.IsZero())
	assert.Greater(t, span.EstimatedCostCents, 0.0)

	recent := tracer.Recent(10, "")
	require.Len(t, recent, 1)
	assert.Equal(t, span.SpanID, recent[0].SpanID)

	// Project filter.
	assert.Empty(t, tracer.Recent(10, "other"))
	assert.Len(t, tracer.Recent(10, "p1"), 1)
}

func TestTracerRingEviction(t *testing.T) {
	tracer := NewTracer(3)
	for i := 0; i < 5; i++ {
		span := tracer.StartSpan(SpanToolCall, "t", "", "", "", "", nil)
		tracer.EndSpan(span, 0, 0, "ok", "")
	}
	assert.Len(t, tracer.Recent(10, ""), 3)
}

func TestTracerStats(t *testing.T) {
	tracer := NewTracer(10)
	okSpan := tracer.StartSpan(SpanLLMCall, "a", "", "", "gpt-4o", "", nil)
	tracer.EndSpan(okSpan, 100, 50, "ok", "")
	errSpan := tracer.StartSpan(SpanLLMCall, "b", "", "", "gpt-4o", "", nil)
	tracer.EndSpan(errSpan, 10, 0, "error", "boom")

	stats := tracer.Stats("")
	assert.Equal(t, 2, stats["total_calls"])
	assert.Equal(t, 160, stats["total_tokens"])
	assert.Equal(t, 1, stats["error_count"])
}

func TestMetricsCountersAndHistograms(t *testing.T) {
	metrics := NewMetrics(time.Hour)

	metrics.Increment("ai_requests", 1, map[string]string{"model": "gpt-4o"})
	metrics.Increment("ai_requests", 1, map[string]string{"model": "gpt-4o-mini"})
	metrics.Increment("ai_requests", 2, map[string]string{"model": "gpt-4o"})

	assert.Equal(t, 4.0, metrics.CounterTotal("ai_requests", time.Time{}, nil))
	assert.Equal(t, 3.0, metrics.CounterTotal("ai_requests", time.Time{},
		map[string]string{"model": "gpt-4o"}))
	assert.Zero(t, metrics.CounterTotal("missing", time.Time{}, nil))

	for _, v := range []float64{10, 20, 30, 40, 100} {
		metrics.Observe("latency", v, nil)
	}
	stats := metrics.HistogramStats("latency", time.Time{})
	assert.Equal(t, 5, stats.Count)
	assert.Equal(t, 40.0, stats.Avg)
	assert.Equal(t, 100.0, stats.Max)
	assert.Equal(t, 30.0, stats.P50)
}

func TestMetricsTimeSeries(t *testing.T) {
	metrics := NewMetrics(time.Hour)
	metrics.Increment("tokens", 100, nil)
	metrics.Increment("tokens", 50, nil)

	series := metrics.TimeSeries("tokens", time.Minute, time.Now().Add(-time.Minute))
	require.Len(t, series, 1)
	assert.Equal(t, 2, series[0].Count)
	assert.Equal(t, 150.0, series[0].Sum)
}

func TestBudgetScopes(t *testing.T) {
	budget := NewBudgetManager()
	budget.SetLimit("session", BudgetLimit{MaxTokens: 1000})

	check := budget.CheckBudget("s1", "p1")
	assert.True(t, check.Allowed)
	assert.Empty(t, check.Warnings)

	// 85% → warning, still allowed.
	budget.RecordUsage(850, 0, "s1", "p1")
	check = budget.CheckBudget("s1", "p1")
	assert.True(t, check.Allowed)
	require.NotEmpty(t, check.Warnings)

	// 100% → denied.
	budget.RecordUsage(200, 0, "s1", "p1")
	check = budget.CheckBudget("s1", "p1")
	assert.False(t, check.Allowed)

	// Other sessions are unaffected.
	assert.True(t, budget.CheckBudget("s2", "p1").Allowed)

	// Reset restores the session scope.
	budget.ResetSession("s1")
	assert.True(t, budget.CheckBudget("s1", "p1").Allowed)
}

func TestBudgetRollingWindow(t *testing.T) {
	budget := NewBudgetManager()
	budget.SetLimit("session", BudgetLimit{MaxTokens: 100, PeriodSeconds: 1})

	budget.RecordUsage(100, 0, "s1", "")
	assert.False(t, budget.CheckBudget("s1", "").Allowed)

	time.Sleep(1100 * time.Millisecond)
	// Window expired: next record starts fresh.
	budget.RecordUsage(10, 0, "s1", "")
	assert.True(t, budget.CheckBudget("s1", "").Allowed)
}

func TestBudgetUsageSummary(t *testing.T) {
	budget := NewBudgetManager()
	budget.RecordUsage(500, 1.5, "s1", "p1")

	summary := budget.UsageSummary("p1")
	global := summary["global"].(map[string]any)
	assert.Equal(t, 500, global["tokens_used"])
	project := summary["project"].(map[string]any)
	assert.Equal(t, 500, project["tokens_used"])
}
