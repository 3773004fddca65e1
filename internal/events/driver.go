// Package events loads entity events from the source stack, writes new events
// to the writable source and fans them out to subscribers.
package events

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"

	"layerstore/pkg/domain"
)

var (
	// ErrReadOnly is returned by Push on a read-only store.
	ErrReadOnly = errors.New("events: store is read-only")
	// ErrNoWritableSource is returned by Push when no RW source has an available driver.
	ErrNoWritableSource = errors.New("events: no writable source")
	// ErrUnsupported is returned by Push when the writable driver cannot write.
	ErrUnsupported = errors.New("events: unsupported operation")
	// ErrNoDriver means no driver is registered for a source type.
	ErrNoDriver = errors.New("events: no driver for source type")
	// ErrUnavailable means drivers exist for the type but none can serve the source.
	ErrUnavailable = errors.New("events: source unavailable")
)

// SourceError ties a failure to the source it happened in.
type SourceError struct {
	Source domain.StoreSource
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source.Label(), e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Driver translates between a backend and entity events.
type Driver interface {
	// Type is the StoreSource type this driver serves, e.g. "FS".
	Type() string
	// IsAvailable reports whether the backend behind src can be read.
	IsAvailable(ctx context.Context, src domain.StoreSource) bool
	// Load yields every event stored in src. A yielded error aborts the source;
	// entries that cannot be decoded are skipped by the driver.
	Load(ctx context.Context, src domain.StoreSource) iter.Seq2[domain.EntityEvent, error]
	Writer() (Writer, bool)
	Watcher() (Watcher, bool)
}

// Writer is the optional write capability of a driver.
type Writer interface {
	Push(ctx context.Context, src domain.StoreSource, ev domain.EntityEvent) error
	// DeleteAll removes every stored layer of the event's identifier.
	DeleteAll(ctx context.Context, src domain.StoreSource, ev domain.EntityEvent) error
}

// Watcher is the optional change notification capability of a driver.
type Watcher interface {
	// Listen blocks until ctx is done and reports changed entity namespace
	// paths (<kind>/<type>/.../<id>.<ext>) in batches.
	Listen(ctx context.Context, src domain.StoreSource, onChange func(paths []string)) error
}

// Registry maps source types to drivers. It is filled once at startup.
type Registry struct {
	drivers map[string][]Driver
}

// NewRegistry registers drivers in order; for one type, earlier drivers are tried first.
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[string][]Driver)}
	for _, d := range drivers {
		t := strings.ToUpper(d.Type())
		r.drivers[t] = append(r.drivers[t], d)
	}
	return r
}

// Types lists the registered source types.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.drivers))
	for t := range r.drivers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Resolve returns the first available driver for src.
func (r *Registry) Resolve(ctx context.Context, src domain.StoreSource) (Driver, error) {
	candidates, ok := r.drivers[strings.ToUpper(src.Type)]
	if !ok {
		return nil, &SourceError{Source: src, Err: ErrNoDriver}
	}
	for _, d := range candidates {
		if d.IsAvailable(ctx, src) {
			return d, nil
		}
	}
	return nil, &SourceError{Source: src, Err: ErrUnavailable}
}
