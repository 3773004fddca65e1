// Package cache projects the entity event stream into layered in-memory values.
// Each identifier keeps its entity and override layers; defaults are kept per
// type and group and merged in on read.
package cache

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"layerstore/internal/events"
	"layerstore/internal/format"
	"layerstore/internal/logging"
	"layerstore/pkg/domain"
)

// Source is the part of the event store the cache needs.
type Source interface {
	Subscribe(h events.Handler) func()
	Push(ctx context.Context, ev domain.EntityEvent) error
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for undecodable events.
func WithLogger(l logging.Logger) Option {
	return func(c *Cache) { c.log = logging.OrNoop(l) }
}

// WithEntryKeys sets the list entry keys used by PushMutationEvent.
func WithEntryKeys(keys EntryKeys) Option {
	return func(c *Cache) { c.keys = keys }
}

// entry layers are replaced wholesale, never mutated.
type entry struct {
	id       domain.Identifier
	entity   map[string]any
	override map[string]any
}

type defaultsLayer struct {
	id   domain.Identifier
	data map[string]any
}

// Cache is the event sourced projection of a Source.
type Cache struct {
	src  Source
	log  logging.Logger
	keys EntryKeys

	mu       sync.RWMutex
	entries  map[string]entry
	defaults map[string]defaultsLayer
	lastPass string

	unsubscribe func()
}

// New subscribes to src. Subscribe before the store starts to see the initial load.
func New(src Source, opts ...Option) *Cache {
	c := &Cache{
		src:      src,
		log:      logging.Noop{},
		entries:  make(map[string]entry),
		defaults: make(map[string]defaultsLayer),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.unsubscribe = src.Subscribe(c.apply)
	return c
}

// Close stops following the store.
func (c *Cache) Close() { c.unsubscribe() }

func (c *Cache) apply(ev domain.Event) {
	switch e := ev.(type) {
	case domain.ReloadEvent:
		c.mu.Lock()
		c.lastPass = e.Pass
		c.mu.Unlock()
	case domain.EntityEvent:
		c.applyEntity(e)
	}
}

func (c *Cache) applyEntity(ev domain.EntityEvent) {
	var data map[string]any
	if !ev.Deleted {
		f := format.Format(ev.Format)
		if f == "" {
			f = format.YAML
		}
		decoded, err := format.Decode(f, ev.Payload)
		if err != nil {
			c.log.Warn("skipping undecodable event", "type", ev.Type, "id", ev.Identifier.String(), "error", err)
			return
		}
		data = decoded
	}
	key := ev.Identifier.Key()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Type {
	case domain.EventTypeDefaults:
		if ev.Deleted {
			delete(c.defaults, key)
			return
		}
		c.defaults[key] = defaultsLayer{id: ev.Identifier, data: data}
	case domain.EventTypeEntities:
		if ev.Deleted {
			delete(c.entries, key)
			return
		}
		e := c.entries[key]
		c.entries[key] = entry{id: ev.Identifier, entity: data, override: e.override}
	case domain.EventTypeOverrides:
		e, ok := c.entries[key]
		if ev.Deleted {
			if !ok {
				return
			}
			if e.entity == nil {
				delete(c.entries, key)
				return
			}
			c.entries[key] = entry{id: e.id, entity: e.entity}
			return
		}
		c.entries[key] = entry{id: ev.Identifier, entity: e.entity, override: data}
	default:
		c.log.Debug("ignoring event of unknown type", "type", ev.Type)
	}
}

// IsInCache reports whether an entity exists for id. Overrides alone do not
// make an entity.
func (c *Cache) IsInCache(id domain.Identifier) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id.Key()]
	return ok && e.entity != nil
}

// IsInCacheFunc reports whether any cached entity matches pred.
func (c *Cache) IsInCacheFunc(pred func(domain.Identifier) bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.entity != nil && pred(e.id) {
			return true
		}
	}
	return false
}

// Identifiers lists the cached entities in identifier order.
func (c *Cache) Identifiers() []domain.Identifier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Identifier, 0, len(c.entries))
	for _, e := range c.entries {
		if e.entity != nil {
			out = append(out, e.id)
		}
	}
	slices.SortFunc(out, domain.CompareIdentifiers)
	return out
}

// GetFromCache returns the merged value of defaults, entity and override.
// The result is a copy owned by the caller.
func (c *Cache) GetFromCache(id domain.Identifier) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id.Key()]
	if !ok || e.entity == nil {
		return nil, false
	}
	value := merge(c.defaultsLocked(id), e.entity, c.keys)
	if e.override != nil {
		value = merge(value, e.override, c.keys)
	}
	return value, true
}

// Defaults returns the merged defaults that apply to id.
func (c *Cache) Defaults(id domain.Identifier) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultsLocked(id)
}

// LastReload returns the pass id of the most recent replay.
func (c *Cache) LastReload() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPass
}

// defaultsLocked merges, for every level of the entity path, the defaults of
// that level and its key-path aliases: for path services/group the layers are
// defaults/services, then defaults/services/<key> nested under <key> (except
// the next level "group"), then defaults/services/group.
func (c *Cache) defaultsLocked(id domain.Identifier) map[string]any {
	out := map[string]any{}
	for level := 1; level <= len(id.Path); level++ {
		segs := id.Path[:level]
		if d, ok := c.defaults[domain.IdentifierFromSegments(segs).Key()]; ok {
			out = merge(out, d.data, c.keys)
		}
		var aliases []defaultsLayer
		for _, d := range c.defaults {
			if !slices.Equal(d.id.Path, segs) {
				continue
			}
			if level < len(id.Path) && d.id.ID == id.Path[level] {
				continue
			}
			aliases = append(aliases, d)
		}
		slices.SortFunc(aliases, func(a, b defaultsLayer) int { return domain.CompareIdentifiers(a.id, b.id) })
		for _, a := range aliases {
			out = merge(out, map[string]any{a.id.ID: a.data}, c.keys)
		}
	}
	return out
}

// PushMutationEvent writes value for id and completes once the event has been
// stored and applied. A nil value deletes the entity and its override; any
// other value replaces both. Only the parts of value that differ from the
// defaults are stored.
func (c *Cache) PushMutationEvent(ctx context.Context, id domain.Identifier, value map[string]any) *Pending {
	p := newPending()
	go func() {
		p.complete(c.push(ctx, id, value))
	}()
	return p
}

func (c *Cache) push(ctx context.Context, id domain.Identifier, value map[string]any) error {
	if value == nil {
		return c.src.Push(ctx, domain.EntityEvent{Type: domain.EventTypeEntities, Identifier: id, Deleted: true})
	}
	payload, err := format.Encode(format.YAML, Subtract(value, c.Defaults(id), c.keys))
	if err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}
	return c.src.Push(ctx, domain.EntityEvent{
		Type:       domain.EventTypeEntities,
		Identifier: id,
		Payload:    payload,
		Format:     string(format.YAML),
	})
}
