package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SpanKind enumerates the observed-work kinds a span can record.
type SpanKind string

const (
	SpanPublish        SpanKind = "publish"
	SpanDeliver        SpanKind = "deliver"
	SpanAdapterDeliver SpanKind = "adapter_deliver"
	SpanDeadLetter     SpanKind = "dead_letter"
)

// Span is one record of observed work (spec.md §3).
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	MessageID    string
	Subject      string
	HopCount     int
	Kind         SpanKind
	StartedAt    time.Time
	DurationMs   int64
	ErrorMessage string
}

// TraceStore is an append-only collection of span records, kept in memory
// (spec.md §4.8 — "not on the hot delivery path", no persistence
// guarantee implied beyond process lifetime).
type TraceStore struct {
	mu          sync.RWMutex
	byTrace     map[string][]Span
	byMessageID map[string]Span
	rejections  int
}

// NewTraceStore creates an empty store.
func NewTraceStore() *TraceStore {
	return &TraceStore{
		byTrace:     make(map[string][]Span),
		byMessageID: make(map[string]Span),
	}
}

// Record appends span, minting TraceID/SpanID/StartedAt if unset.
func (ts *TraceStore) Record(span Span) Span {
	if span.TraceID == "" {
		span.TraceID = uuid.NewString()
	}
	if span.SpanID == "" {
		span.SpanID = uuid.NewString()
	}
	if span.StartedAt.IsZero() {
		span.StartedAt = time.Now()
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.byTrace[span.TraceID] = append(ts.byTrace[span.TraceID], span)
	if span.MessageID != "" {
		ts.byMessageID[span.MessageID] = span
	}
	if span.Kind == SpanDeadLetter {
		ts.rejections++
	}
	return span
}

// RecordError is a convenience for recording a failed deliver span.
func (ts *TraceStore) RecordError(env Envelope, kind SpanKind, errMsg string) Span {
	return ts.Record(Span{
		Kind:         kind,
		Subject:      env.Subject,
		MessageID:    env.ID,
		HopCount:     env.Budget.HopCount,
		ErrorMessage: errMsg,
	})
}

// GetTrace returns every span recorded for traceID.
func (ts *TraceStore) GetTrace(traceID string) []Span {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	spans := ts.byTrace[traceID]
	out := make([]Span, len(spans))
	copy(out, spans)
	return out
}

// GetSpanByMessageID returns the most recently recorded span for id, if any.
func (ts *TraceStore) GetSpanByMessageID(id string) (Span, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	span, ok := ts.byMessageID[id]
	return span, ok
}

// TraceMetrics is the aggregate shape returned by GetMetrics.
type TraceMetrics struct {
	Counts            map[SpanKind]int
	LatencyPercentiles map[string]int64 // "p50", "p95", "p99" in ms
	BudgetRejections  int
}

// GetMetrics aggregates span counts and latency percentiles across all
// recorded spans.
func (ts *TraceStore) GetMetrics() TraceMetrics {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	m := TraceMetrics{Counts: map[SpanKind]int{}, LatencyPercentiles: map[string]int64{}, BudgetRejections: ts.rejections}
	var durations []int64
	for _, spans := range ts.byTrace {
		for _, s := range spans {
			m.Counts[s.Kind]++
			durations = append(durations, s.DurationMs)
		}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	m.LatencyPercentiles["p50"] = percentile(durations, 0.50)
	m.LatencyPercentiles["p95"] = percentile(durations, 0.95)
	m.LatencyPercentiles["p99"] = percentile(durations, 0.99)
	return m
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
