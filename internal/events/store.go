package events

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"layerstore/internal/logging"
	"layerstore/internal/metrics"
	"layerstore/pkg/domain"
)

// DefaultReplayDelay is the pause between two emissions of a replay pass.
const DefaultReplayDelay = 10 * time.Millisecond

// State is the lifecycle state of a Store.
type State int32

const (
	StateIdle State = iota
	StateLoading
	StateListening
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateListening:
		return "listening"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handler receives emitted events. Handlers run synchronously in emission
// order and must not call Push or Replay on the same store.
type Handler func(domain.Event)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for per-source failures.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = logging.OrNoop(l) }
}

// WithMetrics sets the activity recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(s *Store) { s.metrics = metrics.OrNoop(r) }
}

// WithReadOnly makes Push fail with ErrReadOnly.
func WithReadOnly(readOnly bool) Option {
	return func(s *Store) { s.readOnly = readOnly }
}

// WithWatch enables watch loops for watchable sources.
func WithWatch(watch bool) Option {
	return func(s *Store) { s.watch = watch }
}

// WithStartupFilter restricts which events the initial load emits.
func WithStartupFilter(f domain.EventFilter) Option {
	return func(s *Store) { s.startup = f }
}

// WithReplayDelay overrides DefaultReplayDelay. Zero disables the pause.
func WithReplayDelay(d time.Duration) Option {
	return func(s *Store) { s.delay = max(d, 0) }
}

type binding struct {
	source domain.StoreSource
	driver Driver
}

// Store orchestrates the drivers of the entity sources.
type Store struct {
	registry *Registry
	sources  []domain.StoreSource

	log      logging.Logger
	metrics  metrics.Recorder
	readOnly bool
	watch    bool
	startup  domain.EventFilter
	delay    time.Duration
	sleep    func(ctx context.Context, d time.Duration)

	state atomic.Int32
	ready chan struct{}

	lifecycle sync.Mutex
	bindings  []binding
	writable  int
	skipped   []*SourceError
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	subMu   sync.Mutex
	subs    map[uint64]Handler
	nextSub uint64
	emitMu  sync.Mutex

	replayMu sync.Mutex
	flight   singleflight.Group
}

// New returns an idle store over sources, listed lowest priority first.
func New(registry *Registry, sources []domain.StoreSource, opts ...Option) *Store {
	s := &Store{
		registry: registry,
		sources:  slices.Clone(sources),
		log:      logging.Noop{},
		metrics:  metrics.Noop{},
		startup:  domain.MatchAll(),
		delay:    DefaultReplayDelay,
		sleep:    sleepCtx,
		ready:    make(chan struct{}),
		subs:     make(map[uint64]Handler),
		writable: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// State returns the current lifecycle state.
func (s *Store) State() State { return State(s.state.Load()) }

// Ready is closed once the initial load has been emitted.
func (s *Store) Ready() <-chan struct{} {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.ready
}

// IsReadOnly reports whether pushes are refused.
func (s *Store) IsReadOnly() bool { return s.readOnly }

// Skipped returns the sources that were left out at startup or failed to load.
func (s *Store) Skipped() []*SourceError {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return slices.Clone(s.skipped)
}

// WritableSource returns the source pushes go to.
func (s *Store) WritableSource() (domain.StoreSource, bool) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.writable < 0 {
		return domain.StoreSource{}, false
	}
	return s.bindings[s.writable].source, true
}

// Subscribe registers h for every future event and returns its unsubscribe func.
func (s *Store) Subscribe(h Handler) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = h
	s.subMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) emit(ev domain.Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.subMu.Lock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.subs[id])
	}
	s.subMu.Unlock()

	switch e := ev.(type) {
	case domain.EntityEvent:
		s.metrics.EventEmitted(e.Type)
	case domain.ReloadEvent:
		s.metrics.EventEmitted("reload")
	}
	for _, h := range handlers {
		h(ev)
	}
}

// Start resolves a driver per entity source, emits the initial load and, when
// watching is enabled, starts one watch loop per watchable source. Failing
// sources are logged and skipped; Start only fails when called twice.
func (s *Store) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateLoading)) {
		return fmt.Errorf("events: start in state %s", s.State())
	}
	s.lifecycle.Lock()
	s.bindings, s.writable, s.skipped = nil, -1, nil
	var applicable []domain.StoreSource
	for _, src := range s.sources {
		src = src.Normalized()
		if src.Content.IsEntities() {
			applicable = append(applicable, src)
		}
	}
	_, writableIdx, hasWritable := domain.WritableSource(applicable)
	for i, src := range applicable {
		drv, err := s.registry.Resolve(ctx, src)
		if err != nil {
			s.skip(src, err)
			continue
		}
		if hasWritable && i == writableIdx {
			s.writable = len(s.bindings)
		}
		s.bindings = append(s.bindings, binding{source: src, driver: drv})
	}
	bindings := slices.Clone(s.bindings)
	s.lifecycle.Unlock()

	for _, b := range bindings {
		evs, err := s.load(ctx, b, s.startup)
		if err != nil {
			s.fail(b.source, err)
			continue
		}
		domain.SortEvents(evs)
		for _, ev := range evs {
			s.emit(ev)
		}
	}
	s.lifecycle.Lock()
	s.state.Store(int32(StateListening))
	close(s.ready)
	s.lifecycle.Unlock()

	if s.watch {
		s.startWatching(bindings)
	}
	return nil
}

func (s *Store) skip(src domain.StoreSource, err error) {
	var se *SourceError
	if !errors.As(err, &se) {
		se = &SourceError{Source: src, Err: err}
	}
	if errors.Is(err, ErrNoDriver) {
		s.log.Error("no driver for store source", "source", src.Label(), "type", src.Type)
	} else {
		s.log.Info("store source not available, skipping", "source", src.Label(), "error", err)
	}
	s.skipped = append(s.skipped, se)
}

func (s *Store) fail(src domain.StoreSource, err error) {
	s.log.Error("loading store source failed, skipping", "source", src.Label(), "error", err)
	s.metrics.SourceFailed(src.Label())
	s.lifecycle.Lock()
	s.skipped = append(s.skipped, &SourceError{Source: src, Err: err})
	s.lifecycle.Unlock()
}

// load reads every event of one source that passes f. Events of a failing
// source are discarded as a whole.
func (s *Store) load(ctx context.Context, b binding, f domain.EventFilter) ([]domain.EntityEvent, error) {
	var out []domain.EntityEvent
	for ev, err := range b.driver.Load(ctx, b.source) {
		if err != nil {
			return nil, err
		}
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	s.metrics.SourceLoaded(b.source.Label(), len(out))
	return out, nil
}

func (s *Store) startWatching(bindings []binding) {
	ctx, cancel := context.WithCancel(context.Background())
	s.lifecycle.Lock()
	s.cancel = cancel
	s.lifecycle.Unlock()
	for _, b := range bindings {
		if !b.source.Watchable {
			continue
		}
		w, ok := b.driver.Watcher()
		if !ok {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := w.Listen(ctx, b.source, func(paths []string) {
				f := domain.FromPaths(paths)
				if f.IsEmpty() {
					return
				}
				s.log.Debug("store source changed", "source", b.source.Label(), "paths", paths)
				if err := s.Replay(ctx, f); err != nil && ctx.Err() == nil {
					s.log.Warn("replay failed", "source", b.source.Label(), "error", err)
				}
			})
			if err != nil && ctx.Err() == nil {
				s.log.Warn("watching store source stopped", "source", b.source.Label(), "error", err)
			}
		}()
	}
}

// Push writes ev to the writable source and emits it on success. A deleted
// event removes every stored layer of its identifier. A written entity also
// retires its override: an overrides delete is emitted ahead of it.
func (s *Store) Push(ctx context.Context, ev domain.EntityEvent) error {
	if s.readOnly {
		return ErrReadOnly
	}
	s.lifecycle.Lock()
	if s.writable < 0 {
		s.lifecycle.Unlock()
		return ErrNoWritableSource
	}
	wb := s.bindings[s.writable]
	s.lifecycle.Unlock()
	w, ok := wb.driver.Writer()
	if !ok {
		return fmt.Errorf("%s: %w", wb.source.Label(), ErrUnsupported)
	}
	var err error
	if ev.Deleted {
		ev = ev.AsDelete()
		err = w.DeleteAll(ctx, wb.source, ev)
	} else {
		err = w.Push(ctx, wb.source, ev)
	}
	s.metrics.PushObserved(err == nil)
	if err != nil {
		return fmt.Errorf("push %s %s: %w", ev.Type, ev.Identifier, err)
	}
	if !ev.Deleted && ev.Type == domain.EventTypeEntities {
		// a written entity replaces whatever override it had
		s.emit(domain.EntityEvent{Type: domain.EventTypeOverrides, Identifier: ev.Identifier, Deleted: true})
	}
	s.emit(ev)
	return nil
}

// Replay reloads the events selected by f from every source and re-emits them:
// synthetic deletes first, then the fresh events in natural order, then a
// ReloadEvent. Passes never interleave; identical requests waiting for a
// running pass are served by a single follow-up pass.
func (s *Store) Replay(ctx context.Context, f domain.EventFilter) error {
	key := f.Key()
	_, err, _ := s.flight.Do(key, func() (any, error) {
		s.replayMu.Lock()
		defer s.replayMu.Unlock()
		// requests arriving from now on must see this pass's changes too
		s.flight.Forget(key)
		return nil, s.replay(ctx, f)
	})
	return err
}

func (s *Store) replay(ctx context.Context, f domain.EventFilter) error {
	started := time.Now()
	s.lifecycle.Lock()
	bindings := slices.Clone(s.bindings)
	s.lifecycle.Unlock()

	var live []domain.EntityEvent
	for _, b := range bindings {
		if !b.driver.IsAvailable(ctx, b.source) {
			s.log.Info("store source not available during replay", "source", b.source.Label())
			continue
		}
		evs, err := s.load(ctx, b, f)
		if err != nil {
			s.fail(b.source, err)
			continue
		}
		live = append(live, evs...)
	}
	domain.SortEvents(live)
	deletes := syntheticDeletes(live, f.Changes)

	emitted := 0
	for _, ev := range deletes {
		s.pause(ctx, emitted)
		s.emit(ev)
		emitted++
	}
	for _, ev := range live {
		s.pause(ctx, emitted)
		s.emit(ev)
		emitted++
	}
	s.emit(domain.ReloadEvent{Filter: f, Pass: uuid.NewString()})
	s.metrics.ReplayCompleted(emitted, time.Since(started))
	return ctx.Err()
}

func (s *Store) pause(ctx context.Context, emitted int) {
	if emitted > 0 {
		s.sleep(ctx, s.delay)
	}
}

// syntheticDeletes returns one delete per identifier touched by the pass. An
// entities delete clears the whole entry and so supersedes an overrides
// delete. Defaults deletes cover the identifier and its parent, which is
// where key-path alias files land.
func syntheticDeletes(live []domain.EntityEvent, changes []domain.Change) []domain.EntityEvent {
	byKey := make(map[string]domain.EntityEvent)
	add := func(typ string, id domain.Identifier) {
		if typ == domain.EventTypeDefaults {
			byKey["defaults|"+id.Key()] = domain.EntityEvent{Type: typ, Identifier: id, Deleted: true}
			if parent, ok := id.Parent(); ok {
				byKey["defaults|"+parent.Key()] = domain.EntityEvent{Type: typ, Identifier: parent, Deleted: true}
			}
			return
		}
		k := "entry|" + id.Key()
		if prev, ok := byKey[k]; ok && prev.Type == domain.EventTypeEntities {
			return
		}
		byKey[k] = domain.EntityEvent{Type: typ, Identifier: id, Deleted: true}
	}
	fresh := make(map[string]bool, len(live))
	for _, ev := range live {
		add(ev.Type, ev.Identifier)
		fresh[ev.Type+"|"+ev.Identifier.Key()] = true
	}
	for _, c := range changes {
		if !fresh[c.Type+"|"+c.Identifier.Key()] {
			add(c.Type, c.Identifier)
		}
	}
	out := make([]domain.EntityEvent, 0, len(byKey))
	for _, ev := range byKey {
		out = append(out, ev)
	}
	domain.SortEvents(out)
	return out
}

// Shutdown stops the watch loops and waits for them. The store can be
// started again afterwards.
func (s *Store) Shutdown() {
	s.lifecycle.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.lifecycle.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.lifecycle.Lock()
	if s.state.CompareAndSwap(int32(StateListening), int32(StateIdle)) {
		s.ready = make(chan struct{})
	}
	s.lifecycle.Unlock()
}
