package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exports store activity as client_golang collectors.
type Prometheus struct {
	events   *prometheus.CounterVec
	loaded   *prometheus.CounterVec
	failed   *prometheus.CounterVec
	replays  prometheus.Histogram
	replayed prometheus.Counter
	pushes   *prometheus.CounterVec
}

// NewPrometheus creates the collectors under namespace and registers them on reg.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	if namespace == "" {
		namespace = "layerstore"
	}
	p := &Prometheus{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_emitted_total", Help: "Events emitted to subscribers by event type.",
		}, []string{"type"}),
		loaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "source_events_loaded_total", Help: "Events loaded per source.",
		}, []string{"source"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "source_failures_total", Help: "Sources skipped because they failed to load.",
		}, []string{"source"}),
		replays: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "replay_duration_seconds", Help: "Duration of replay passes.",
			Buckets: prometheus.DefBuckets,
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "replay_events_total", Help: "Events emitted by replay passes.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pushes_total", Help: "Push results.",
		}, []string{"status"}),
	}
	for _, c := range []prometheus.Collector{p.events, p.loaded, p.failed, p.replays, p.replayed, p.pushes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) EventEmitted(eventType string) { p.events.WithLabelValues(eventType).Inc() }

func (p *Prometheus) SourceLoaded(source string, events int) {
	p.loaded.WithLabelValues(source).Add(float64(events))
}

func (p *Prometheus) SourceFailed(source string) { p.failed.WithLabelValues(source).Inc() }

func (p *Prometheus) ReplayCompleted(events int, duration time.Duration) {
	p.replays.Observe(duration.Seconds())
	p.replayed.Add(float64(events))
}

func (p *Prometheus) PushObserved(success bool) { p.pushes.WithLabelValues(status(success)).Inc() }

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
