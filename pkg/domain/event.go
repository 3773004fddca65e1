package domain

import (
	"slices"
	"strings"
)

// Event types. Their alphabetic order is also their precedence order.
const (
	EventTypeDefaults  = "defaults"
	EventTypeEntities  = "entities"
	EventTypeOverrides = "overrides"
)

// Event is emitted to store subscribers. It is either an EntityEvent or a ReloadEvent.
type Event interface {
	isEvent()
}

// EntityEvent carries one create, update or delete of a stored entity layer.
// A nil Payload and an empty Format stand for "no value".
type EntityEvent struct {
	Type       string
	Identifier Identifier
	Payload    []byte
	Deleted    bool
	Format     string
}

func (EntityEvent) isEvent() {}

// EntityType is the first path segment, or the id for path-less identifiers
// (defaults files such as defaults/services.yml).
func (e EntityEvent) EntityType() string {
	if len(e.Identifier.Path) > 0 {
		return e.Identifier.Path[0]
	}
	return e.Identifier.ID
}

// AsDelete returns a payload-free deletion event for the same type and identifier.
func (e EntityEvent) AsDelete() EntityEvent {
	return EntityEvent{Type: e.Type, Identifier: e.Identifier, Deleted: true}
}

// CompareEvents orders events by type, then identifier.
func CompareEvents(a, b EntityEvent) int {
	if c := strings.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	return CompareIdentifiers(a.Identifier, b.Identifier)
}

// SortEvents sorts in natural event order. Equal events keep their relative
// order, so later (higher priority) sources still win.
func SortEvents(events []EntityEvent) {
	slices.SortStableFunc(events, CompareEvents)
}

// ReloadEvent marks the end of a replay pass.
type ReloadEvent struct {
	Filter EventFilter
	Pass   string
}

func (ReloadEvent) isEvent() {}
