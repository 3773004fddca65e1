package metrics

import (
	"expvar"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq uint64

// Expvar publishes aggregate counters via expvar for deployments without a
// metrics pipeline.
type Expvar struct {
	name     string
	mu       sync.Mutex
	events   map[string]int64
	loaded   map[string]int64
	failed   map[string]int64
	replays  int64
	replayMS float64
	pushes   map[string]int64
}

// ExpvarSnapshot captures a read-only view of the recorded metrics.
type ExpvarSnapshot struct {
	Events     map[string]int64 `json:"events_emitted_total"`
	Loaded     map[string]int64 `json:"source_events_loaded_total"`
	Failed     map[string]int64 `json:"source_failures_total"`
	Replays    int64            `json:"replays_total"`
	ReplayMS   float64          `json:"replay_duration_ms_total"`
	Pushes     map[string]int64 `json:"pushes_total"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// NewExpvar constructs a recorder and publishes it under name. When name is
// empty, a unique identifier is generated.
func NewExpvar(name string) *Expvar {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("layerstore_metrics_%d", id)
	}
	rec := &Expvar{
		name:   name,
		events: make(map[string]int64),
		loaded: make(map[string]int64),
		failed: make(map[string]int64),
		pushes: make(map[string]int64, 2),
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name.
func (r *Expvar) Name() string { return r.name }

// Snapshot returns a copy of the aggregated metrics.
func (r *Expvar) Snapshot() ExpvarSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ExpvarSnapshot{
		Events:     maps.Clone(r.events),
		Loaded:     maps.Clone(r.loaded),
		Failed:     maps.Clone(r.failed),
		Replays:    r.replays,
		ReplayMS:   r.replayMS,
		Pushes:     maps.Clone(r.pushes),
		RecordedAt: time.Now().UTC(),
	}
}

func (r *Expvar) EventEmitted(eventType string) {
	r.mu.Lock()
	r.events[eventType]++
	r.mu.Unlock()
}

func (r *Expvar) SourceLoaded(source string, events int) {
	r.mu.Lock()
	r.loaded[source] += int64(events)
	r.mu.Unlock()
}

func (r *Expvar) SourceFailed(source string) {
	r.mu.Lock()
	r.failed[source]++
	r.mu.Unlock()
}

func (r *Expvar) ReplayCompleted(_ int, duration time.Duration) {
	r.mu.Lock()
	r.replays++
	r.replayMS += float64(duration) / float64(time.Millisecond)
	r.mu.Unlock()
}

func (r *Expvar) PushObserved(success bool) {
	r.mu.Lock()
	r.pushes[status(success)]++
	r.mu.Unlock()
}
