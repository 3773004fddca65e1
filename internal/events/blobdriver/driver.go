// Package blobdriver derives entity events from the files of a blob store and
// writes pushed events back as files.
//
// Layout below the source root (ALL and ENTITIES content):
//
//	defaults/<type>[/<group>...].<ext>
//	entities/<type>[/<group>...]/<id>.<ext>
//	overrides/<type>[/<group>...]/<id>.<ext>
//
// INSTANCES_OLD uses instances/ in place of entities/. DEFAULTS, INSTANCES and
// OVERRIDES sources hold one kind directly at their root.
package blobdriver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"path"
	"strings"

	"layerstore/internal/blob"
	"layerstore/internal/events"
	"layerstore/internal/format"
	"layerstore/internal/logging"
	"layerstore/pkg/domain"
)

// MaxDepth bounds the walk below each kind directory.
const MaxDepth = 8

// DefaultFormat is used for pushed events without a format.
const DefaultFormat = format.YAML

// extensions are tried, in order, when deleting an identifier.
var extensions = []string{"yml", "yaml", "json"}

// Opener returns the store of a source. It must return the same backend for
// the same source when data is shared with other components.
type Opener func(ctx context.Context, src domain.StoreSource) (*blob.Store, error)

// FromStack resolves sources against the members of an opened stack.
func FromStack(stack *blob.Stack) Opener {
	return func(_ context.Context, src domain.StoreSource) (*blob.Store, error) {
		src = src.Normalized()
		for _, m := range stack.Members() {
			if sameSource(m.Source, src) {
				return m.Store, nil
			}
		}
		return nil, fmt.Errorf("%s: %w", src.Label(), blob.ErrNotFound)
	}
}

func sameSource(a, b domain.StoreSource) bool {
	return a.Type == b.Type && a.Src == b.Src && a.Prefix == b.Prefix && a.Content == b.Content && a.Mode == b.Mode
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger for skipped files.
func WithLogger(l logging.Logger) Option {
	return func(d *Driver) { d.log = logging.OrNoop(l) }
}

// Driver implements events.Driver for one source type.
type Driver struct {
	typ  string
	open Opener
	log  logging.Logger
}

var (
	_ events.Driver  = (*Driver)(nil)
	_ events.Writer  = (*Driver)(nil)
	_ events.Watcher = (*Driver)(nil)
)

// New returns a driver serving sources of type typ.
func New(typ string, open Opener, opts ...Option) *Driver {
	d := &Driver{typ: strings.ToUpper(typ), open: open, log: logging.Noop{}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Drivers returns one driver per bundled source type.
func Drivers(open Opener, opts ...Option) []events.Driver {
	types := []string{domain.SourceFS, domain.SourceS3, domain.SourceSQL, domain.SourceMemory}
	out := make([]events.Driver, 0, len(types))
	for _, t := range types {
		out = append(out, New(t, open, opts...))
	}
	return out
}

func (d *Driver) Type() string { return d.typ }

// IsAvailable reports whether the source has an entity layout and its backend answers.
func (d *Driver) IsAvailable(ctx context.Context, src domain.StoreSource) bool {
	if _, ok := layoutFor(src.Content); !ok {
		return false
	}
	store, err := d.open(ctx, src)
	if err != nil {
		return false
	}
	return store.Ping(ctx) == nil
}

// Load walks every kind directory of the source and yields one event per
// decodable file. Hidden files, unknown extensions and undecodable payloads
// are skipped; a failing walk ends the sequence with its error.
func (d *Driver) Load(ctx context.Context, src domain.StoreSource) iter.Seq2[domain.EntityEvent, error] {
	return func(yield func(domain.EntityEvent, error) bool) {
		lay, ok := layoutFor(src.Content)
		if !ok {
			yield(domain.EntityEvent{}, fmt.Errorf("%s: %w", src.Content, events.ErrUnsupported))
			return
		}
		store, err := d.open(ctx, src)
		if err != nil {
			yield(domain.EntityEvent{}, err)
			return
		}
		for _, kind := range lay.kinds() {
			dir := lay.dirs[kind]
			for p, err := range store.Walk(ctx, dir, MaxDepth, blob.Values) {
				if err != nil {
					yield(domain.EntityEvent{}, err)
					return
				}
				ev, ok := d.event(ctx, store, src, kind, dir, p)
				if !ok {
					continue
				}
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}

func (d *Driver) event(ctx context.Context, store *blob.Store, src domain.StoreSource, kind, dir, p string) (domain.EntityEvent, bool) {
	full := path.Join(dir, p)
	if !src.Matches(full) {
		return domain.EntityEvent{}, false
	}
	f, ok := entityFormat(p)
	if !ok {
		d.log.Debug("skipping file with unknown format", "source", src.Label(), "path", full)
		return domain.EntityEvent{}, false
	}
	segs := strings.Split(strings.TrimSuffix(p, path.Ext(p)), "/")
	if kind != domain.EventTypeDefaults && len(segs) < 2 {
		d.log.Debug("skipping entity without type directory", "source", src.Label(), "path", full)
		return domain.EntityEvent{}, false
	}
	b, err := store.Get(ctx, full)
	if err != nil || b == nil {
		d.log.Warn("reading entity failed", "source", src.Label(), "path", full, "error", err)
		return domain.EntityEvent{}, false
	}
	payload, err := b.Content()
	if err != nil {
		d.log.Warn("reading entity failed", "source", src.Label(), "path", full, "error", err)
		return domain.EntityEvent{}, false
	}
	if _, err := format.Decode(f, payload); err != nil {
		d.log.Warn("skipping undecodable entity", "source", src.Label(), "path", full, "error", err)
		return domain.EntityEvent{}, false
	}
	return domain.EntityEvent{
		Type:       kind,
		Identifier: domain.IdentifierFromSegments(segs),
		Payload:    payload,
		Format:     string(f),
	}, true
}

func entityFormat(p string) (format.Format, bool) {
	f, ok := format.FromPath(p, nil)
	if !ok || f == format.TOML {
		return "", false
	}
	return f, true
}

func (d *Driver) Writer() (events.Writer, bool) { return d, true }

// Watcher is only offered for filesystem sources.
func (d *Driver) Watcher() (events.Watcher, bool) {
	if d.typ != domain.SourceFS {
		return nil, false
	}
	return d, true
}

func (d *Driver) writable(ctx context.Context, src domain.StoreSource) (*blob.Store, layout, error) {
	if !src.IsWritable() {
		return nil, layout{}, fmt.Errorf("%s: %w", src.Label(), events.ErrReadOnly)
	}
	lay, ok := layoutFor(src.Content)
	if !ok {
		return nil, layout{}, fmt.Errorf("%s: %w", src.Content, events.ErrUnsupported)
	}
	store, err := d.open(ctx, src)
	if err != nil {
		return nil, layout{}, err
	}
	if !store.CanWrite() {
		return nil, layout{}, fmt.Errorf("%s: %w", src.Label(), events.ErrUnsupported)
	}
	return store, lay, nil
}

// Push writes the event payload to <kind>/<path>/<id>.<ext> and removes copies
// of the same identifier stored in other formats. Writing an entity deletes
// its override files.
func (d *Driver) Push(ctx context.Context, src domain.StoreSource, ev domain.EntityEvent) error {
	store, lay, err := d.writable(ctx, src)
	if err != nil {
		return err
	}
	dir, ok := lay.dirs[ev.Type]
	if !ok {
		return fmt.Errorf("%s holds no %s: %w", src.Label(), ev.Type, events.ErrUnsupported)
	}
	if ev.Payload == nil && ev.Format == "" {
		return d.deleteKind(ctx, store, dir, ev.Identifier)
	}
	f := DefaultFormat
	if ev.Format != "" {
		parsed, ok := format.FromExtension(ev.Format, nil)
		if !ok || parsed == format.TOML {
			return fmt.Errorf("entity format %q: %w", ev.Format, format.ErrUnknownFormat)
		}
		f = parsed
	}
	base := path.Join(dir, ev.Identifier.String())
	target := base + "." + f.Extension()
	if _, err := store.Put(ctx, target, bytes.NewReader(ev.Payload), blob.PutOptions{}); err != nil {
		return err
	}
	for _, ext := range extensions {
		if other := base + "." + ext; other != target {
			if _, err := store.Delete(ctx, other); err != nil {
				return err
			}
		}
	}
	if ev.Type == domain.EventTypeEntities {
		if odir, ok := lay.dirs[domain.EventTypeOverrides]; ok {
			return d.deleteKind(ctx, store, odir, ev.Identifier)
		}
	}
	return nil
}

// DeleteAll removes the entity and its override in every format.
func (d *Driver) DeleteAll(ctx context.Context, src domain.StoreSource, ev domain.EntityEvent) error {
	store, lay, err := d.writable(ctx, src)
	if err != nil {
		return err
	}
	var errs []error
	for _, kind := range []string{domain.EventTypeEntities, domain.EventTypeOverrides} {
		if dir, ok := lay.dirs[kind]; ok {
			errs = append(errs, d.deleteKind(ctx, store, dir, ev.Identifier))
		}
	}
	return errors.Join(errs...)
}

func (d *Driver) deleteKind(ctx context.Context, store *blob.Store, dir string, id domain.Identifier) error {
	base := path.Join(dir, id.String())
	for _, ext := range extensions {
		if _, err := store.Delete(ctx, base+"."+ext); err != nil {
			return err
		}
	}
	return nil
}

// Listen reports changed files as entity namespace paths until ctx is done.
func (d *Driver) Listen(ctx context.Context, src domain.StoreSource, onChange func(paths []string)) error {
	lay, ok := layoutFor(src.Content)
	if !ok {
		return fmt.Errorf("%s: %w", src.Content, events.ErrUnsupported)
	}
	store, err := d.open(ctx, src)
	if err != nil {
		return err
	}
	return store.Watch(ctx, func(keys []string) {
		var paths []string
		for _, k := range keys {
			if p, ok := lay.namespacePath(k); ok && src.Matches(k) {
				paths = append(paths, p)
			}
		}
		if len(paths) > 0 {
			onChange(paths)
		}
	})
}
