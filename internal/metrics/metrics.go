// Package metrics records store activity: emitted events, source loads, replay
// passes and pushes.
package metrics

import "time"

// Recorder receives store activity. Implementations must be safe for concurrent use.
type Recorder interface {
	EventEmitted(eventType string)
	SourceLoaded(source string, events int)
	SourceFailed(source string)
	ReplayCompleted(events int, duration time.Duration)
	PushObserved(success bool)
}

// Noop drops every observation.
type Noop struct{}

func (Noop) EventEmitted(string)                {}
func (Noop) SourceLoaded(string, int)           {}
func (Noop) SourceFailed(string)                {}
func (Noop) ReplayCompleted(int, time.Duration) {}
func (Noop) PushObserved(bool)                  {}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}
