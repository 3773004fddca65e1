package domain

import (
	"path"
	"slices"
	"strings"
)

// Wildcard matches any value in an EventFilter field.
const Wildcard = "*"

// Change is a concrete identifier touched by an external modification.
type Change struct {
	Type       string
	Identifier Identifier
}

// EventFilter selects events by event type, entity type and id.
type EventFilter struct {
	EventTypes  []string
	EntityTypes []string
	IDs         []string
	// Changes lists the concrete identifiers a filter was derived from, so a
	// replay can clear values whose files no longer exist.
	Changes []Change
}

// MatchAll returns a filter accepting every event.
func MatchAll() EventFilter {
	return EventFilter{EventTypes: []string{Wildcard}, EntityTypes: []string{Wildcard}, IDs: []string{Wildcard}}
}

// Restrict builds a startup filter from optional entity type and id restrictions.
// Empty restrictions mean "all".
func Restrict(entityTypes, ids []string) EventFilter {
	f := MatchAll()
	if len(entityTypes) > 0 {
		f.EntityTypes = slices.Clone(entityTypes)
	}
	if len(ids) > 0 {
		f.IDs = slices.Clone(ids)
	}
	return f
}

// Matches reports whether the filter selects the event. The entity type must be
// listed; the id only matters for non-defaults events.
func (f EventFilter) Matches(e EntityEvent) bool {
	if !containsOrWildcard(f.EntityTypes, e.EntityType()) {
		return false
	}
	if e.Type != EventTypeDefaults && !containsOrWildcard(f.IDs, e.Identifier.ID) {
		return false
	}
	return true
}

// IsEmpty reports whether the filter can match anything at all.
func (f EventFilter) IsEmpty() bool {
	return len(f.EntityTypes) == 0 && len(f.Changes) == 0
}

// Key is a stable representation used to coalesce identical replays.
func (f EventFilter) Key() string {
	var b strings.Builder
	for _, part := range [][]string{f.EventTypes, f.EntityTypes, f.IDs} {
		s := slices.Clone(part)
		slices.Sort(s)
		b.WriteString(strings.Join(s, ","))
		b.WriteByte('|')
	}
	for _, c := range f.Changes {
		b.WriteString(c.Type)
		b.WriteByte(':')
		b.WriteString(c.Identifier.String())
		b.WriteByte(';')
	}
	return b.String()
}

// FromPaths derives a filter from changed entity namespace paths of the form
// <kind>/<type>[/<group>...]/<id>.<ext>. Paths that do not fit are ignored.
// A changed defaults file widens the ids to all entities of that type.
func FromPaths(paths []string) EventFilter {
	var f EventFilter
	for _, p := range paths {
		segs := strings.Split(strings.Trim(path.Clean(p), "/"), "/")
		if len(segs) < 2 {
			continue
		}
		kind := EventTypeForDir(segs[0])
		if kind == "" {
			continue
		}
		rest := slices.Clone(segs[1:])
		last := len(rest) - 1
		rest[last] = strings.TrimSuffix(rest[last], path.Ext(rest[last]))
		if rest[last] == "" {
			continue
		}
		switch kind {
		case EventTypeDefaults:
			f.EventTypes = appendUnique(f.EventTypes, kind)
			f.EntityTypes = appendUnique(f.EntityTypes, rest[0])
			f.IDs = appendUnique(f.IDs, Wildcard)
		default:
			if len(rest) < 2 {
				continue
			}
			f.EventTypes = appendUnique(f.EventTypes, kind)
			f.EntityTypes = appendUnique(f.EntityTypes, rest[0])
			f.IDs = appendUnique(f.IDs, rest[last])
		}
		f.Changes = append(f.Changes, Change{Type: kind, Identifier: IdentifierFromSegments(rest)})
	}
	if slices.Contains(f.IDs, Wildcard) {
		f.IDs = []string{Wildcard}
	}
	return f
}

// EventTypeForDir maps an entity namespace directory to its event type.
// The legacy "instances" directory maps to entities.
func EventTypeForDir(dir string) string {
	switch dir {
	case EventTypeDefaults, EventTypeEntities, EventTypeOverrides:
		return dir
	case "instances":
		return EventTypeEntities
	}
	return ""
}

func containsOrWildcard(values []string, v string) bool {
	return slices.Contains(values, Wildcard) || slices.Contains(values, v)
}

func appendUnique(values []string, v string) []string {
	if slices.Contains(values, v) {
		return values
	}
	return append(values, v)
}
