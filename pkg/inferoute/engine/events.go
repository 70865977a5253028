package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// Progress statuses emitted during a pipeline run.
const (
	StatusStarted       = "started"
	StatusPreprocessing = "preprocessing"
	StatusClassifying   = "classifying"
	StatusClassified    = "classified"
	StatusAnalyzing     = "analyzing"
	StatusGenerating    = "generating"
	StatusComplete      = "complete"
	StatusError         = "error"
)

// ProgressEvent is a best-effort notification about pipeline progress.
// Listeners must never be awaited for correctness and must not mutate
// pipeline state.
type ProgressEvent struct {
	RunID     string         `json:"run_id"`
	Seq       int64          `json:"seq"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ProgressFunc receives progress events. A nil ProgressFunc is always safe
// to pass; emission is skipped.
type ProgressFunc func(ProgressEvent)

// StreamCallback is called synchronously, in provider emission order, once
// per token or segment of a streamed response.
type StreamCallback func(chunk string)

// ProgressBus fans progress events out to subscribers. Listeners run
// synchronously inside Emit, so they should stay fast or hand off work.
type ProgressBus struct {
	listeners sync.Map // id (uint64) -> ProgressFunc
	nextID    atomic.Uint64
	seqByRun  sync.Map // runID -> *atomic.Int64
}

// NewProgressBus creates an empty bus.
func NewProgressBus() *ProgressBus {
	return &ProgressBus{}
}

// Subscribe registers a listener for every event and returns an
// unsubscribe function.
func (b *ProgressBus) Subscribe(fn ProgressFunc) func() {
	id := b.nextID.Add(1)
	b.listeners.Store(id, fn)
	return func() { b.listeners.Delete(id) }
}

// SubscribeRun registers a listener scoped to one run id.
func (b *ProgressBus) SubscribeRun(runID string, fn ProgressFunc) func() {
	return b.Subscribe(func(ev ProgressEvent) {
		if ev.RunID == runID {
			fn(ev)
		}
	})
}

// Emit assigns a per-run sequence number and delivers the event to all
// listeners.
func (b *ProgressBus) Emit(ev ProgressEvent) {
	ev.Seq = b.runSeq(ev.RunID).Add(1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.listeners.Range(func(_, value any) bool {
		if fn, ok := value.(ProgressFunc); ok {
			fn(ev)
		}
		return true
	})
}

// CleanupRun drops the sequence counter of a finished run.
func (b *ProgressBus) CleanupRun(runID string) {
	b.seqByRun.Delete(runID)
}

func (b *ProgressBus) runSeq(runID string) *atomic.Int64 {
	if v, ok := b.seqByRun.Load(runID); ok {
		return v.(*atomic.Int64)
	}
	seq := &atomic.Int64{}
	actual, _ := b.seqByRun.LoadOrStore(runID, seq)
	return actual.(*atomic.Int64)
}

// emit safely invokes an optional ProgressFunc.
func emit(fn ProgressFunc, runID, status, message string, metadata map[string]any) {
	if fn == nil {
		return
	}
	fn(ProgressEvent{
		RunID:     runID,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Metadata:  metadata,
	})
}
