package events

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	"layerstore/pkg/domain"
)

// fakeDriver keeps events per source Src and lets tests fire watch batches.
type fakeDriver struct {
	typ         string
	readOnly    bool
	mu          sync.Mutex
	events      map[string][]domain.EntityEvent
	unavailable map[string]bool
	failing     map[string]bool
	pushErr     error
	listeners   map[string]func([]string)
	listening   chan string
}

func newFakeDriver(typ string) *fakeDriver {
	return &fakeDriver{
		typ:         typ,
		events:      make(map[string][]domain.EntityEvent),
		unavailable: make(map[string]bool),
		failing:     make(map[string]bool),
		listeners:   make(map[string]func([]string)),
		listening:   make(chan string, 8),
	}
}

func (d *fakeDriver) Type() string { return d.typ }

func (d *fakeDriver) IsAvailable(_ context.Context, src domain.StoreSource) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.unavailable[src.Src]
}

func (d *fakeDriver) Load(_ context.Context, src domain.StoreSource) iter.Seq2[domain.EntityEvent, error] {
	d.mu.Lock()
	evs := slices.Clone(d.events[src.Src])
	failing := d.failing[src.Src]
	d.mu.Unlock()
	return func(yield func(domain.EntityEvent, error) bool) {
		for _, ev := range evs {
			if !yield(ev, nil) {
				return
			}
		}
		if failing {
			yield(domain.EntityEvent{}, errors.New("backend gone"))
		}
	}
}

func (d *fakeDriver) Writer() (Writer, bool) {
	if d.readOnly {
		return nil, false
	}
	return d, true
}

func (d *fakeDriver) Watcher() (Watcher, bool) { return d, true }

func (d *fakeDriver) Push(_ context.Context, src domain.StoreSource, ev domain.EntityEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pushErr != nil {
		return d.pushErr
	}
	evs := slices.DeleteFunc(d.events[src.Src], func(e domain.EntityEvent) bool {
		if !e.Identifier.Equal(ev.Identifier) {
			return false
		}
		return e.Type == ev.Type || (ev.Type == domain.EventTypeEntities && e.Type == domain.EventTypeOverrides)
	})
	d.events[src.Src] = append(evs, ev)
	return nil
}

func (d *fakeDriver) DeleteAll(_ context.Context, src domain.StoreSource, ev domain.EntityEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pushErr != nil {
		return d.pushErr
	}
	d.events[src.Src] = slices.DeleteFunc(d.events[src.Src], func(e domain.EntityEvent) bool {
		return e.Type != domain.EventTypeDefaults && e.Identifier.Equal(ev.Identifier)
	})
	return nil
}

func (d *fakeDriver) Listen(ctx context.Context, src domain.StoreSource, onChange func([]string)) error {
	d.mu.Lock()
	d.listeners[src.Src] = onChange
	d.mu.Unlock()
	d.listening <- src.Src
	<-ctx.Done()
	return ctx.Err()
}

func (d *fakeDriver) fire(src string, paths ...string) {
	d.mu.Lock()
	fn := d.listeners[src]
	d.mu.Unlock()
	fn(paths)
}

func (d *fakeDriver) set(src string, evs ...domain.EntityEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events[src] = evs
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
	reload chan domain.ReloadEvent
}

func newRecorder() *recorder { return &recorder{reload: make(chan domain.ReloadEvent, 16)} }

func (r *recorder) handle(ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if re, ok := ev.(domain.ReloadEvent); ok {
		r.reload <- re
	}
}

func (r *recorder) snapshot() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func entity(typ, id string, path ...string) domain.EntityEvent {
	return domain.EntityEvent{Type: typ, Identifier: domain.NewIdentifier(id, path...), Payload: []byte("a: 1\n"), Format: "yml"}
}

func src(name string, mode domain.Mode) domain.StoreSource {
	return domain.StoreSource{Type: "FAKE", Src: name, Mode: mode, Content: domain.ContentAll}
}

func TestStore_StartSkipsBadSourcesAndEmitsSorted(t *testing.T) {
	drv := newFakeDriver("fake")
	drv.set("base",
		entity(domain.EventTypeOverrides, "foo", "services"),
		entity(domain.EventTypeEntities, "foo", "services"),
		entity(domain.EventTypeDefaults, "services"),
	)
	drv.set("broken", entity(domain.EventTypeEntities, "bar", "services"))
	drv.failing["broken"] = true
	drv.unavailable["offline"] = true

	sources := []domain.StoreSource{
		src("base", domain.ModeRW),
		{Type: "FTP", Src: "remote", Content: domain.ContentAll},
		src("offline", domain.ModeRO),
		src("broken", domain.ModeRO),
		{Type: "FAKE", Src: "values-only", Content: domain.ContentValues},
	}
	s := New(NewRegistry(drv), sources)
	rec := newRecorder()
	s.Subscribe(rec.handle)
	if s.State() != StateIdle {
		t.Fatalf("new store should be idle, got %s", s.State())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-s.Ready():
	default:
		t.Fatalf("ready should be closed after start")
	}
	if s.State() != StateListening {
		t.Fatalf("expected listening, got %s", s.State())
	}
	got := rec.snapshot()
	var types []string
	for _, ev := range got {
		types = append(types, ev.(domain.EntityEvent).Type)
	}
	want := []string{domain.EventTypeDefaults, domain.EventTypeEntities, domain.EventTypeOverrides}
	if !slices.Equal(types, want) {
		t.Fatalf("startup events should be sorted and exclude the broken source: %v", types)
	}
	skipped := s.Skipped()
	if len(skipped) != 3 {
		t.Fatalf("expected 3 skipped sources, got %d", len(skipped))
	}
	if !errors.Is(skipped[0], ErrNoDriver) || !errors.Is(skipped[1], ErrUnavailable) {
		t.Fatalf("unexpected skip reasons: %v, %v", skipped[0], skipped[1])
	}
	if skipped[2].Source.Src != "broken" {
		t.Fatalf("failing source should be reported: %v", skipped[2])
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("second start should fail")
	}
	s.Shutdown()
	if s.State() != StateIdle {
		t.Fatalf("shutdown should return to idle")
	}
}

func TestStore_StartupFilter(t *testing.T) {
	drv := newFakeDriver("FAKE")
	drv.set("base", entity(domain.EventTypeEntities, "foo", "services"), entity(domain.EventTypeEntities, "bar", "services"), entity(domain.EventTypeEntities, "m", "maps"))
	s := New(NewRegistry(drv), []domain.StoreSource{src("base", domain.ModeRO)},
		WithStartupFilter(domain.Restrict([]string{"services"}, []string{"foo"})))
	rec := newRecorder()
	s.Subscribe(rec.handle)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	got := rec.snapshot()
	if len(got) != 1 || got[0].(domain.EntityEvent).Identifier.ID != "foo" {
		t.Fatalf("startup filter not applied: %v", got)
	}
}

func TestStore_WritableSourceSelection(t *testing.T) {
	cases := []struct {
		name    string
		sources []domain.StoreSource
		want    string
	}{
		{"lower rw", []domain.StoreSource{src("a", domain.ModeRW), src("b", domain.ModeRO)}, "a"},
		{"highest rw", []domain.StoreSource{src("a", domain.ModeRW), src("b", domain.ModeRW)}, "b"},
		{"legacy never writable", []domain.StoreSource{src("a", domain.ModeRW), {Type: "FAKE", Src: "old", Mode: domain.ModeRW, Content: domain.ContentInstancesOld}}, "a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(NewRegistry(newFakeDriver("FAKE")), tc.sources)
			if err := s.Start(context.Background()); err != nil {
				t.Fatalf("start: %v", err)
			}
			got, ok := s.WritableSource()
			if !ok || got.Src != tc.want {
				t.Fatalf("writable source = %q (%v), want %q", got.Src, ok, tc.want)
			}
		})
	}

	drv := newFakeDriver("FAKE")
	drv.unavailable["b"] = true
	s := New(NewRegistry(drv), []domain.StoreSource{src("a", domain.ModeRW), src("b", domain.ModeRW)})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, ok := s.WritableSource(); ok {
		t.Fatalf("writes must not fall back to a lower source")
	}
	if err := s.Push(context.Background(), entity(domain.EventTypeEntities, "x", "services")); !errors.Is(err, ErrNoWritableSource) {
		t.Fatalf("expected ErrNoWritableSource, got %v", err)
	}
}

func TestStore_PushAndSubscribe(t *testing.T) {
	ctx := context.Background()
	drv := newFakeDriver("FAKE")
	s := New(NewRegistry(drv), []domain.StoreSource{src("base", domain.ModeRW)})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := newRecorder()
	unsubscribe := s.Subscribe(rec.handle)

	ev := entity(domain.EventTypeEntities, "foo", "services")
	if err := s.Push(ctx, ev); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(drv.events["base"]) != 1 {
		t.Fatalf("push should reach the driver")
	}
	del := ev
	del.Deleted = true
	if err := s.Push(ctx, del); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(drv.events["base"]) != 0 {
		t.Fatalf("delete should remove every layer")
	}
	got := rec.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected three emitted events, got %d", len(got))
	}
	if retired := got[0].(domain.EntityEvent); retired.Type != domain.EventTypeOverrides || !retired.Deleted {
		t.Fatalf("entity push should first retire the override: %+v", retired)
	}
	if pushed := got[1].(domain.EntityEvent); pushed.Type != domain.EventTypeEntities || pushed.Deleted {
		t.Fatalf("pushed entity not emitted: %+v", pushed)
	}
	if emitted := got[2].(domain.EntityEvent); !emitted.Deleted || emitted.Payload != nil {
		t.Fatalf("delete should be emitted without payload: %+v", emitted)
	}

	unsubscribe()
	unsubscribe()
	if err := s.Push(ctx, ev); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(rec.snapshot()) != 3 {
		t.Fatalf("unsubscribed handler still called")
	}

	drv.pushErr = errors.New("disk full")
	if err := s.Push(ctx, ev); err == nil || !errors.Is(err, drv.pushErr) {
		t.Fatalf("write failures should propagate: %v", err)
	}
}

func TestStore_PushRejections(t *testing.T) {
	ctx := context.Background()
	ev := entity(domain.EventTypeEntities, "foo", "services")

	ro := New(NewRegistry(newFakeDriver("FAKE")), []domain.StoreSource{src("base", domain.ModeRW)}, WithReadOnly(true))
	if err := ro.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ro.Push(ctx, ev); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}

	noWriter := newFakeDriver("FAKE")
	noWriter.readOnly = true
	s := New(NewRegistry(noWriter), []domain.StoreSource{src("base", domain.ModeRW)})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Push(ctx, ev); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}

	none := New(NewRegistry(newFakeDriver("FAKE")), []domain.StoreSource{src("base", domain.ModeRO)})
	if err := none.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := none.Push(ctx, ev); !errors.Is(err, ErrNoWritableSource) {
		t.Fatalf("expected ErrNoWritableSource, got %v", err)
	}
}

func waitReload(t *testing.T, rec *recorder) domain.ReloadEvent {
	t.Helper()
	select {
	case re := <-rec.reload:
		return re
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload event")
	}
	return domain.ReloadEvent{}
}

func TestStore_WatchReplayDeletesBeforeFreshEvent(t *testing.T) {
	drv := newFakeDriver("FAKE")
	foo := entity(domain.EventTypeEntities, "foo", "services")
	drv.set("base", foo, entity(domain.EventTypeOverrides, "foo", "services"), entity(domain.EventTypeEntities, "bar", "services"))
	source := src("base", domain.ModeRW)
	source.Watchable = true
	s := New(NewRegistry(drv), []domain.StoreSource{source}, WithWatch(true), WithReplayDelay(0))
	rec := newRecorder()
	s.Subscribe(rec.handle)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Shutdown()
	<-drv.listening
	rec.reset()

	drv.fire("base", "entities/services/foo.yml")
	re := waitReload(t, rec)
	if re.Pass == "" || !slices.Equal(re.Filter.IDs, []string{"foo"}) {
		t.Fatalf("unexpected reload marker: %+v", re)
	}
	got := rec.snapshot()
	deletes, freshAt, firstDelete := 0, -1, -1
	for i, ev := range got {
		ee, ok := ev.(domain.EntityEvent)
		if !ok || !ee.Identifier.Equal(foo.Identifier) {
			if ok {
				t.Fatalf("replay should only touch foo, got %s", ee.Identifier)
			}
			continue
		}
		if ee.Deleted {
			deletes++
			firstDelete = i
		} else if freshAt < 0 {
			freshAt = i
		}
	}
	if deletes != 1 {
		t.Fatalf("expected exactly one delete for services/foo, got %d in %v", deletes, got)
	}
	if firstDelete > freshAt {
		t.Fatalf("delete must precede the fresh event: %v", got)
	}
	if _, ok := got[len(got)-1].(domain.ReloadEvent); !ok {
		t.Fatalf("reload marker must come last")
	}
}

func TestStore_ReplayClearsRemovedFiles(t *testing.T) {
	drv := newFakeDriver("FAKE")
	s := New(NewRegistry(drv), []domain.StoreSource{src("base", domain.ModeRO)}, WithReplayDelay(0))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := newRecorder()
	s.Subscribe(rec.handle)
	if err := s.Replay(context.Background(), domain.FromPaths([]string{"entities/services/gone.yml"})); err != nil {
		t.Fatalf("replay: %v", err)
	}
	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected delete + reload, got %v", got)
	}
	del := got[0].(domain.EntityEvent)
	if !del.Deleted || del.Type != domain.EventTypeEntities || del.Identifier.String() != "services/gone" {
		t.Fatalf("unexpected delete %+v", del)
	}
}

func TestSyntheticDeletes(t *testing.T) {
	live := []domain.EntityEvent{
		entity(domain.EventTypeDefaults, "group", "services"),
		entity(domain.EventTypeEntities, "foo", "services"),
		entity(domain.EventTypeOverrides, "foo", "services"),
		entity(domain.EventTypeOverrides, "bar", "services"),
	}
	changes := []domain.Change{{Type: domain.EventTypeEntities, Identifier: domain.NewIdentifier("bar", "services")}}
	got := syntheticDeletes(live, changes)
	var keys []string
	for _, ev := range got {
		if !ev.Deleted {
			t.Fatalf("synthetic event should be a delete: %+v", ev)
		}
		keys = append(keys, ev.Type+":"+ev.Identifier.String())
	}
	want := []string{
		"defaults:services",
		"defaults:services/group",
		"entities:services/bar",
		"entities:services/foo",
	}
	if !slices.Equal(keys, want) {
		t.Fatalf("deletes:\n got %v\nwant %v", keys, want)
	}
}

// project applies events the way the cache does: one value per type and identifier.
func project(state map[string]string, ev domain.Event) {
	ee, ok := ev.(domain.EntityEvent)
	if !ok {
		return
	}
	key := ee.Type + "|" + ee.Identifier.Key()
	switch {
	case ee.Deleted && ee.Type == domain.EventTypeEntities:
		for k := range state {
			if k == key || k == domain.EventTypeOverrides+"|"+ee.Identifier.Key() {
				delete(state, k)
			}
		}
	case ee.Deleted:
		delete(state, key)
	default:
		state[key] = string(ee.Payload)
	}
}

func TestStore_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	drv := newFakeDriver("FAKE")
	drv.set("base", entity(domain.EventTypeDefaults, "services"), entity(domain.EventTypeEntities, "bar", "services"))
	s := New(NewRegistry(drv), []domain.StoreSource{src("base", domain.ModeRW)}, WithReplayDelay(0))
	incremental := make(map[string]string)
	var mu sync.Mutex
	s.Subscribe(func(ev domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		project(incremental, ev)
	})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	foo := entity(domain.EventTypeEntities, "foo", "services")
	override := entity(domain.EventTypeOverrides, "foo", "services")
	steps := []domain.EntityEvent{foo, override, {Type: domain.EventTypeEntities, Identifier: foo.Identifier, Deleted: true}, foo, override, foo}
	for _, ev := range steps {
		if err := s.Push(ctx, ev); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	mu.Lock()
	before := make(map[string]string, len(incremental))
	for k, v := range incremental {
		before[k] = v
	}
	mu.Unlock()

	if err := s.Replay(ctx, domain.MatchAll()); err != nil {
		t.Fatalf("replay: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(before) != len(incremental) {
		t.Fatalf("replay changed projection size: %v vs %v", before, incremental)
	}
	for k, v := range before {
		if incremental[k] != v {
			t.Fatalf("replay changed %s: %q vs %q", k, v, incremental[k])
		}
	}

	fresh := make(map[string]string)
	for ev := range drv.Load(ctx, src("base", domain.ModeRW)) {
		project(fresh, ev)
	}
	if len(fresh) != len(before) {
		t.Fatalf("replay from empty differs: %v vs %v", fresh, before)
	}
}

func TestStore_ConcurrentReplaysDoNotInterleave(t *testing.T) {
	ctx := context.Background()
	drv := newFakeDriver("FAKE")
	drv.set("base", entity(domain.EventTypeEntities, "foo", "services"), entity(domain.EventTypeEntities, "bar", "services"))
	s := New(NewRegistry(drv), []domain.StoreSource{src("base", domain.ModeRO)}, WithReplayDelay(time.Millisecond))
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := newRecorder()
	s.Subscribe(rec.handle)

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Replay(ctx, domain.MatchAll()); err != nil {
				t.Errorf("replay: %v", err)
			}
		}()
	}
	wg.Wait()

	got := rec.snapshot()
	const passLen = 5 // two deletes, two events, reload
	if len(got) == 0 || len(got)%passLen != 0 {
		t.Fatalf("events do not form whole passes: %d", len(got))
	}
	if passes := len(got) / passLen; passes > 6 {
		t.Fatalf("more passes than requests: %d", passes)
	}
	for start := 0; start < len(got); start += passLen {
		pass := got[start : start+passLen]
		for i, ev := range pass[:4] {
			ee, ok := ev.(domain.EntityEvent)
			if !ok || ee.Deleted != (i < 2) {
				t.Fatalf("pass at %d interleaved: %v", start, pass)
			}
		}
		if _, ok := pass[4].(domain.ReloadEvent); !ok {
			t.Fatalf("pass at %d does not end with reload", start)
		}
	}
}

func TestRegistry(t *testing.T) {
	first := newFakeDriver("fake")
	first.unavailable["x"] = true
	second := newFakeDriver("FAKE")
	r := NewRegistry(first, second, newFakeDriver("other"))
	if !slices.Equal(r.Types(), []string{"FAKE", "OTHER"}) {
		t.Fatalf("types: %v", r.Types())
	}
	d, err := r.Resolve(context.Background(), src("x", domain.ModeRO))
	if err != nil || d != second {
		t.Fatalf("should fall back to the next available driver: %v", err)
	}
	d, err = r.Resolve(context.Background(), src("y", domain.ModeRO))
	if err != nil || d != first {
		t.Fatalf("first available driver wins: %v", err)
	}
	var se *SourceError
	if _, err := r.Resolve(context.Background(), domain.StoreSource{Type: "S3"}); !errors.As(err, &se) || !errors.Is(err, ErrNoDriver) {
		t.Fatalf("expected SourceError wrapping ErrNoDriver: %v", err)
	}
}
