package domain

import (
	"slices"
	"testing"
)

func TestEventFilterMatches(t *testing.T) {
	foo := EntityEvent{Type: EventTypeEntities, Identifier: NewIdentifier("foo", "services")}
	bar := EntityEvent{Type: EventTypeOverrides, Identifier: NewIdentifier("bar", "services")}
	defaults := EntityEvent{Type: EventTypeDefaults, Identifier: NewIdentifier("services")}
	tiles := EntityEvent{Type: EventTypeEntities, Identifier: NewIdentifier("foo", "tiles")}

	all := MatchAll()
	for _, e := range []EntityEvent{foo, bar, defaults, tiles} {
		if !all.Matches(e) {
			t.Fatalf("match all rejected %+v", e)
		}
	}

	f := Restrict([]string{"services"}, []string{"foo"})
	if !f.Matches(foo) {
		t.Fatalf("expected foo to match")
	}
	if f.Matches(bar) {
		t.Fatalf("bar id not in filter")
	}
	if !f.Matches(defaults) {
		t.Fatalf("defaults ignore the id restriction")
	}
	if f.Matches(tiles) {
		t.Fatalf("tiles entity type not in filter")
	}
	if (EventFilter{}).Matches(foo) {
		t.Fatalf("empty filter must not match")
	}
}

func TestFromPaths(t *testing.T) {
	f := FromPaths([]string{"entities/services/foo.yml", "overrides/services/bar.json", "notes.txt", "entities/services"})
	if !slices.Equal(f.EventTypes, []string{EventTypeEntities, EventTypeOverrides}) {
		t.Fatalf("unexpected event types %v", f.EventTypes)
	}
	if !slices.Equal(f.EntityTypes, []string{"services"}) || !slices.Equal(f.IDs, []string{"foo", "bar"}) {
		t.Fatalf("unexpected filter %+v", f)
	}
	if len(f.Changes) != 2 || !f.Changes[0].Identifier.Equal(NewIdentifier("foo", "services")) {
		t.Fatalf("unexpected changes %+v", f.Changes)
	}
	if !f.Matches(EntityEvent{Type: EventTypeOverrides, Identifier: NewIdentifier("foo", "services")}) {
		t.Fatalf("override of a changed id should match")
	}
}

func TestFromPathsDefaultsWidenIDs(t *testing.T) {
	f := FromPaths([]string{"entities/services/foo.yml", "defaults/services.yml", "instances/tiles/t1.yaml"})
	if !slices.Equal(f.IDs, []string{Wildcard}) {
		t.Fatalf("expected wildcard ids, got %v", f.IDs)
	}
	if !slices.Equal(f.EntityTypes, []string{"services", "tiles"}) {
		t.Fatalf("unexpected entity types %v", f.EntityTypes)
	}
	if f.Changes[1].Type != EventTypeDefaults || !f.Changes[1].Identifier.Equal(NewIdentifier("services")) {
		t.Fatalf("unexpected defaults change %+v", f.Changes[1])
	}
	if f.Changes[2].Type != EventTypeEntities {
		t.Fatalf("legacy instances dir should map to entities")
	}
	if FromPaths(nil).IsEmpty() != true {
		t.Fatalf("no paths should give an empty filter")
	}
}

func TestEventFilterKeyIsOrderIndependent(t *testing.T) {
	a := EventFilter{EntityTypes: []string{"a", "b"}, IDs: []string{"x", "y"}}
	b := EventFilter{EntityTypes: []string{"b", "a"}, IDs: []string{"y", "x"}}
	if a.Key() != b.Key() {
		t.Fatalf("keys differ: %q vs %q", a.Key(), b.Key())
	}
	if a.Key() == MatchAll().Key() {
		t.Fatalf("distinct filters should not share keys")
	}
}
