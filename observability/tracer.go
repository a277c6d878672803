// Package observability provides trace spans with cost estimation, metrics
// collection with a Prometheus mirror, and multi-scope token budgets.
package observability

import (
	"container/ring"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aistudio/backbone/internal/sqlitedb"
)

// SpanType classifies a trace span.
type SpanType string

const (
	SpanLLMCall   SpanType = "llm_call"
	SpanToolCall  SpanType = "tool_call"
	SpanAgentRun  SpanType = "agent_run"
	SpanEmbedding SpanType = "embedding"
	SpanRAGQuery  SpanType = "rag_query"
)

// Span is a single timed, typed observability record. It is ended exactly
// once; cost is estimated at end-of-span from the static model table.
type Span struct {
	SpanID             string         `json:"span_id"`
	TraceID            string         `json:"trace_id"`
	ParentID           string         `json:"parent_id,omitempty"`
	Type               SpanType       `json:"type"`
	Name               string         `json:"name"`
	ModelID            string         `json:"model_id,omitempty"`
	ProjectID          string         `json:"project_id,omitempty"`
	StartTime          time.Time      `json:"start_time"`
	EndTime            time.Time      `json:"end_time"`
	PromptTokens       int            `json:"prompt_tokens"`
	CompletionTokens   int            `json:"completion_tokens"`
	TotalTokens        int            `json:"total_tokens"`
	EstimatedCostCents float64        `json:"estimated_cost_cents"`
	Status             string         `json:"status"` // ok | error | timeout
	ErrorMessage       string         `json:"error_message,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// DurationMS returns the span duration in milliseconds.
func (s *Span) DurationMS() float64 {
	if s.EndTime.IsZero() || s.StartTime.IsZero() {
		return 0
	}
	return float64(s.EndTime.Sub(s.StartTime)) / float64(time.Millisecond)
}

const (
	defaultRingSize = 1000
	writeBatchSize  = 50
)

// Tracer keeps the most recent spans in a ring buffer and batches them to
// SQLite through an async writer.
type Tracer struct {
	mu     sync.Mutex
	ring   *ring.Ring
	count  int
	active map[string]*Span

	writeQueue chan *Span
	writerStop chan struct{}
	writerDone chan struct{}
	writerOnce sync.Once
}

var (
	tracerInstance *Tracer
	tracerOnce     sync.Once
)

// GetTracer returns the process-wide tracer.
func GetTracer() *Tracer {
	tracerOnce.Do(func() {
		tracerInstance = NewTracer(defaultRingSize)
	})
	return tracerInstance
}

// NewTracer creates a tracer with the given ring size.
func NewTracer(ringSize int) *Tracer {
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	return &Tracer{
		ring:       ring.New(ringSize),
		active:     make(map[string]*Span),
		writeQueue: make(chan *Span, 4*writeBatchSize),
		writerStop: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// StartSpan opens a span. TraceID is minted when empty.
func (t *Tracer) StartSpan(spanType SpanType, name, traceID, parentID, modelID, projectID string, metadata map[string]any) *Span {
	if traceID == "" {
		traceID = uuid.NewString()[:16]
	}
	span := &Span{
		SpanID:    uuid.NewString()[:12],
		TraceID:   traceID,
		ParentID:  parentID,
		Type:      spanType,
		Name:      name,
		ModelID:   modelID,
		ProjectID: projectID,
		StartTime: time.Now(),
		Status:    "ok",
		Metadata:  metadata,
	}
	t.mu.Lock()
	t.active[span.SpanID] = span
	t.mu.Unlock()
	return span
}

// EndSpan closes a span, fills tokens/status/cost, buffers it, and queues it
// for persistence.
func (t *Tracer) EndSpan(span *Span, promptTokens, completionTokens int, status, errorMessage string) {
	span.EndTime = time.Now()
	span.PromptTokens = promptTokens
	span.CompletionTokens = completionTokens
	span.TotalTokens = promptTokens + completionTokens
	if status == "" {
		status = "ok"
	}
	span.Status = status
	span.ErrorMessage = errorMessage
	span.EstimatedCostCents = EstimateCost(span.ModelID, promptTokens, completionTokens)

	t.mu.Lock()
	delete(t.active, span.SpanID)
	t.ring.Value = span
	t.ring = t.ring.Next()
	if t.count < t.ring.Len() {
		t.count++
	}
	t.mu.Unlock()

	select {
	case t.writeQueue <- span:
	default:
		// Writer backlog full; the span stays in the ring only.
	}
}

// Recent returns up to limit most recent finished spans, newest first,
// optionally filtered by project.
func (t *Tracer) Recent(limit int, projectID string) []*Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	var spans []*Span
	t.ring.Do(func(v any) {
		if span, ok := v.(*Span); ok {
			if projectID == "" || span.ProjectID == projectID {
				spans = append(spans, span)
			}
		}
	})
	// Ring iteration yields oldest → newest; reverse and cap.
	for i, j := 0, len(spans)-1; i < j; i, j = i+1, j-1 {
		spans[i], spans[j] = spans[j], spans[i]
	}
	if limit > 0 && len(spans) > limit {
		spans = spans[:limit]
	}
	return spans
}

// Stats aggregates the buffered spans.
func (t *Tracer) Stats(projectID string) map[string]any {
	spans := t.Recent(0, projectID)

	totalTokens, errors := 0, 0
	totalCost, totalDuration := 0.0, 0.0
	durations := 0
	byModel := map[string]map[string]any{}

	for _, s := range spans {
		totalTokens += s.TotalTokens
		totalCost += s.EstimatedCostCents
		if d := s.DurationMS(); d > 0 {
			totalDuration += d
			durations++
		}
		if s.Status == "error" {
			errors++
		}
		m, ok := byModel[s.ModelID]
		if !ok {
			m = map[string]any{"calls": 0, "tokens": 0, "cost_cents": 0.0}
			byModel[s.ModelID] = m
		}
		m["calls"] = m["calls"].(int) + 1
		m["tokens"] = m["tokens"].(int) + s.TotalTokens
		m["cost_cents"] = m["cost_cents"].(float64) + s.EstimatedCostCents
	}

	avgDuration := 0.0
	if durations > 0 {
		avgDuration = totalDuration / float64(durations)
	}
	return map[string]any{
		"total_calls":      len(spans),
		"total_tokens":     totalTokens,
		"total_cost_cents": totalCost,
		"avg_duration_ms":  avgDuration,
		"error_count":      errors,
		"by_model":         byModel,
	}
}

// StartWriter launches the background batch writer.
func (t *Tracer) StartWriter() {
	t.writerOnce.Do(func() {
		go t.writeLoop()
	})
}

// StopWriter drains and stops the background writer.
func (t *Tracer) StopWriter() {
	select {
	case <-t.writerStop:
		return
	default:
		close(t.writerStop)
	}
	<-t.writerDone
}

func (t *Tracer) writeLoop() {
	defer close(t.writerDone)
	for {
		var batch []*Span
		select {
		case span := <-t.writeQueue:
			batch = append(batch, span)
		case <-t.writerStop:
			for {
				select {
				case span := <-t.writeQueue:
					batch = append(batch, span)
				default:
					if len(batch) > 0 {
						t.persist(batch)
					}
					return
				}
			}
		}

	drain:
		for len(batch) < writeBatchSize {
			select {
			case span := <-t.writeQueue:
				batch = append(batch, span)
			default:
				break drain
			}
		}
		t.persist(batch)
	}
}

var traceSchemaOnce sync.Once

func ensureTraceTable(db *sql.DB) {
	traceSchemaOnce.Do(func() {
		_, err := db.Exec(`
			CREATE TABLE IF NOT EXISTS ai_traces (
				span_id TEXT PRIMARY KEY,
				trace_id TEXT,
				parent_id TEXT,
				trace_type TEXT,
				name TEXT,
				model_id TEXT,
				project_id TEXT,
				start_time INTEGER,
				end_time INTEGER,
				duration_ms REAL,
				prompt_tokens INTEGER,
				completion_tokens INTEGER,
				total_tokens INTEGER,
				estimated_cost_cents REAL,
				status TEXT,
				error_message TEXT,
				metadata TEXT
			)`)
		if err != nil {
			slog.Warn("Failed to create trace table", "error", err)
		}
	})
}

func (t *Tracer) persist(spans []*Span) {
	db := sqlitedb.Shared()
	ensureTraceTable(db)

	tx, err := db.Begin()
	if err != nil {
		slog.Warn("Trace persist failed", "error", err)
		return
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO ai_traces
			(span_id, trace_id, parent_id, trace_type, name, model_id, project_id,
			 start_time, end_time, duration_ms, prompt_tokens, completion_tokens,
			 total_tokens, estimated_cost_cents, status, error_message, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		slog.Warn("Trace persist failed", "error", err)
		return
	}
	for _, s := range spans {
		metaJSON, _ := json.Marshal(s.Metadata)
		_, _ = stmt.Exec(
			s.SpanID, s.TraceID, s.ParentID, string(s.Type), s.Name, s.ModelID,
			s.ProjectID, s.StartTime.UnixMilli(), s.EndTime.UnixMilli(),
			s.DurationMS(), s.PromptTokens, s.CompletionTokens, s.TotalTokens,
			s.EstimatedCostCents, s.Status, s.ErrorMessage, string(metaJSON))
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		slog.Warn("Trace persist commit failed", "error", err)
	}
}
