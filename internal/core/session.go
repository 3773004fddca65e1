// Package core assembles the source stack, the event store, the entity cache
// and the value store into a Session with a single lifecycle.
package core

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"layerstore/internal/blob"
	"layerstore/internal/cache"
	"layerstore/internal/config"
	"layerstore/internal/events"
	"layerstore/internal/events/blobdriver"
	"layerstore/internal/format"
	"layerstore/internal/logging"
	"layerstore/internal/metrics"
	"layerstore/internal/values"
	"layerstore/pkg/domain"
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger handed to every component.
func WithLogger(l logging.Logger) Option {
	return func(s *Session) { s.log = logging.OrNoop(l) }
}

// WithMetrics sets the recorder used by the event store.
func WithMetrics(r metrics.Recorder) Option {
	return func(s *Session) { s.metrics = metrics.OrNoop(r) }
}

// WithDrivers registers additional event store drivers. They are tried before
// the bundled blob drivers of the same type.
func WithDrivers(drivers ...events.Driver) Option {
	return func(s *Session) { s.drivers = append(s.drivers, drivers...) }
}

// WithValueTypes adds value types, replacing configured types of the same name.
func WithValueTypes(types ...values.Type) Option {
	return func(s *Session) { s.types = append(s.types, types...) }
}

// Session owns the components of one store instance.
type Session struct {
	cfg     config.Config
	log     logging.Logger
	metrics metrics.Recorder
	drivers []events.Driver
	types   []values.Type

	stack     *blob.Stack
	events    *events.Store
	cache     *cache.Cache
	values    *values.Store
	resources *blob.Store
}

// Open opens every configured source and wires the components. Sources that
// fail to open are logged; the event store reports them as skipped on Start.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Session, error) {
	s := &Session{cfg: cfg.Normalized(), log: logging.Noop{}, metrics: metrics.Noop{}}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	stack, err := blob.OpenStack(ctx, s.cfg.Store.DataDir, s.cfg.Store.Sources)
	if err != nil {
		s.log.Warn("sources failed to open", "error", err)
	}
	s.stack = stack

	drivers := slices.Clone(s.drivers)
	drivers = append(drivers, blobdriver.Drivers(blobdriver.FromStack(stack), blobdriver.WithLogger(s.log))...)
	s.events = events.New(events.NewRegistry(drivers...), s.cfg.Store.Sources,
		events.WithLogger(s.log),
		events.WithMetrics(s.metrics),
		events.WithReadOnly(s.cfg.Store.ReadOnly),
		events.WithWatch(s.cfg.Store.Watch),
		events.WithStartupFilter(s.cfg.StartupFilter()),
		events.WithReplayDelay(s.cfg.Store.ReplayDelay),
	)
	s.cache = cache.New(s.events, cache.WithLogger(s.log), cache.WithEntryKeys(cache.EntryKeys(s.cfg.Values.EntryKeys)))

	valuesNS, err := stack.Namespace(domain.ContentValues)
	if err != nil {
		return nil, s.abort(fmt.Errorf("values namespace: %w", err))
	}
	if s.values, err = values.New(valuesNS, s.valueTypes(), values.WithLogger(s.log)); err != nil {
		return nil, s.abort(err)
	}
	if s.resources, err = stack.Namespace(domain.ContentResources); err != nil {
		return nil, s.abort(fmt.Errorf("resources namespace: %w", err))
	}
	return s, nil
}

func (s *Session) abort(err error) error {
	s.cache.Close()
	return errors.Join(err, s.stack.Close())
}

func (s *Session) valueTypes() []values.Type {
	byName := make(map[string]values.Type)
	var order []string
	add := func(t values.Type) {
		if _, ok := byName[t.Name]; !ok {
			order = append(order, t.Name)
		}
		byName[t.Name] = t
	}
	for _, vt := range s.cfg.Values.Types {
		t := values.Type{Name: vt.Name, Subdir: vt.Subdir}
		if f, ok := format.FromExtension(vt.Format, nil); ok {
			t.DefaultFormat = f
		}
		if len(vt.Aliases) > 0 {
			t.Aliases = make(map[string]format.Format, len(vt.Aliases))
			for _, ext := range slices.Sorted(maps.Keys(vt.Aliases)) {
				if f, ok := format.FromExtension(vt.Aliases[ext], nil); ok {
					t.Aliases[ext] = f
				}
			}
		}
		add(t)
	}
	for _, t := range s.types {
		add(t)
	}
	out := make([]values.Type, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}

// Start loads the entity sources and the values. A failing values load is
// logged; the entity store keeps running.
func (s *Session) Start(ctx context.Context) error {
	if err := s.events.Start(ctx); err != nil {
		return fmt.Errorf("start event store: %w", err)
	}
	if err := s.values.Load(ctx); err != nil {
		s.log.Error("values load failed", "error", err)
	}
	s.log.Info("store started",
		"entities", len(s.cache.Identifiers()),
		"skipped", len(s.events.Skipped()),
		"readOnly", s.events.IsReadOnly(),
	)
	return nil
}

// Shutdown stops watching and closes every source.
func (s *Session) Shutdown() error {
	s.events.Shutdown()
	s.cache.Close()
	return s.stack.Close()
}

// Config returns the normalized configuration.
func (s *Session) Config() config.Config { return s.cfg }

// Stack returns the opened source stack.
func (s *Session) Stack() *blob.Stack { return s.stack }

// Events returns the event store.
func (s *Session) Events() *events.Store { return s.events }

// Cache returns the entity cache.
func (s *Session) Cache() *cache.Cache { return s.cache }

// Values returns the value store.
func (s *Session) Values() *values.Store { return s.values }

// Resources returns the merged resources namespace.
func (s *Session) Resources() *blob.Store { return s.resources }

// Status summarizes a running session.
type Status struct {
	State    string
	ReadOnly bool
	Writable string
	Skipped  []string
	Entities int
	Values   map[string]int
}

// Status reports the current state of the session.
func (s *Session) Status() Status {
	st := Status{
		State:    s.events.State().String(),
		ReadOnly: s.events.IsReadOnly(),
		Entities: len(s.cache.Identifiers()),
		Values:   make(map[string]int),
	}
	if src, ok := s.events.WritableSource(); ok {
		st.Writable = src.Label()
	}
	for _, err := range s.events.Skipped() {
		st.Skipped = append(st.Skipped, err.Error())
	}
	for _, typ := range s.values.Types() {
		st.Values[typ] = len(s.values.Identifiers(typ))
	}
	return st
}
