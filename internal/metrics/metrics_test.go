package metrics

import (
	"expvar"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNoopRecorder(_ *testing.T) {
	r := OrNoop(nil)
	r.EventEmitted("entities")
	r.SourceLoaded("FS[ALL]:data", 3)
	r.SourceFailed("FS[ALL]:data")
	r.ReplayCompleted(2, time.Millisecond)
	r.PushObserved(true)
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	p.EventEmitted("entities")
	p.EventEmitted("entities")
	p.SourceLoaded("FS[ALL]:data", 5)
	p.SourceFailed("S3[ALL]:bucket")
	p.ReplayCompleted(4, 20*time.Millisecond)
	p.PushObserved(true)
	p.PushObserved(false)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	got := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				got[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				got[mf.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	want := map[string]float64{
		"layerstore_events_emitted_total":       2,
		"layerstore_source_events_loaded_total": 5,
		"layerstore_source_failures_total":      1,
		"layerstore_replay_duration_seconds":    1,
		"layerstore_replay_events_total":        4,
		"layerstore_pushes_total":               2,
	}
	for name, v := range want {
		if got[name] != v {
			t.Fatalf("%s: got %v want %v", name, got[name], v)
		}
	}
	if _, err := NewPrometheus(reg, ""); err == nil {
		t.Fatalf("duplicate registration should fail")
	}
}

func TestExpvarRecorder(t *testing.T) {
	r := NewExpvar("")
	r.EventEmitted("overrides")
	r.SourceLoaded("FS[ALL]:data", 2)
	r.SourceFailed("FS[ALL]:data")
	r.ReplayCompleted(1, 2*time.Millisecond)
	r.PushObserved(false)
	snap := r.Snapshot()
	if snap.Events["overrides"] != 1 || snap.Loaded["FS[ALL]:data"] != 2 || snap.Failed["FS[ALL]:data"] != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Replays != 1 || snap.ReplayMS != 2 || snap.Pushes["error"] != 1 {
		t.Fatalf("unexpected replay/push counters %+v", snap)
	}
	if expvar.Get(r.Name()) == nil {
		t.Fatalf("recorder should be published")
	}
}
