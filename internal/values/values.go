// Package values caches non-entity values (codelists, styles, ...) read from
// the values namespace of the source stack.
package values

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"layerstore/internal/blob"
	"layerstore/internal/format"
	"layerstore/internal/logging"
	"layerstore/pkg/domain"
)

// MaxDepth bounds the walk below each type directory.
const MaxDepth = 8

// ErrUnknownType is returned for value types that were not registered.
var ErrUnknownType = errors.New("values: unknown value type")

// Type describes one kind of value.
type Type struct {
	Name string
	// Subdir is the directory below the values namespace, Name when empty.
	Subdir        string
	DefaultFormat format.Format
	// Aliases maps extra file extensions to formats.
	Aliases map[string]format.Format
	// Build turns decoded data into the cached value. previous is the cached
	// value of the same identifier, nil when there is none or the cache is
	// ignored. The default returns data unchanged.
	Build func(id domain.Identifier, data, previous map[string]any) (map[string]any, error)
	// Encode serializes a value for Put. The default encodes with DefaultFormat.
	Encode func(value map[string]any) ([]byte, error)
}

func (t Type) dir() string {
	if t.Subdir != "" {
		return strings.Trim(t.Subdir, "/")
	}
	return t.Name
}

func (t Type) format() format.Format {
	if t.DefaultFormat == "" {
		return format.YAML
	}
	return t.DefaultFormat
}

func (t Type) build(id domain.Identifier, data, previous map[string]any) (map[string]any, error) {
	if t.Build == nil {
		return data, nil
	}
	return t.Build(id, data, previous)
}

func (t Type) encode(value map[string]any) ([]byte, error) {
	if t.Encode != nil {
		return t.Encode(value)
	}
	return format.Encode(t.format(), value)
}

func (t Type) extensions() []string {
	exts := []string{"yml", "yaml", "json", "toml"}
	for _, ext := range slices.Sorted(maps.Keys(t.Aliases)) {
		exts = append(exts, ext)
	}
	return exts
}

type cached struct {
	id           domain.Identifier
	value        map[string]any
	lastModified time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for skipped values.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = logging.OrNoop(l) }
}

// Store is the value cache of the registered types.
type Store struct {
	ns    *blob.Store
	types map[string]Type
	log   logging.Logger

	mu     sync.RWMutex
	values map[string]map[string]cached
}

// New registers types over the values namespace ns.
func New(ns *blob.Store, types []Type, opts ...Option) (*Store, error) {
	s := &Store{
		ns:     ns,
		types:  make(map[string]Type, len(types)),
		log:    logging.Noop{},
		values: make(map[string]map[string]cached, len(types)),
	}
	for _, t := range types {
		if t.Name == "" {
			return nil, fmt.Errorf("values: type without name")
		}
		if _, dup := s.types[t.Name]; dup {
			return nil, fmt.Errorf("values: duplicate type %q", t.Name)
		}
		s.types[t.Name] = t
		s.values[t.Name] = make(map[string]cached)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Types lists the registered type names.
func (s *Store) Types() []string {
	return slices.Sorted(maps.Keys(s.types))
}

func (s *Store) typ(name string) (Type, error) {
	t, ok := s.types[name]
	if !ok {
		return Type{}, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return t, nil
}

// Load reads every value of every type. Values that cannot be decoded are
// logged and skipped.
func (s *Store) Load(ctx context.Context) error {
	var errs []error
	for _, name := range s.Types() {
		t := s.types[name]
		entries, err := s.read(ctx, t, nil, false)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", name, err))
			continue
		}
		s.mu.Lock()
		for _, e := range entries {
			s.values[name][e.id.Key()] = e
		}
		s.mu.Unlock()
		s.log.Debug("loaded values", "type", name, "count", len(entries))
	}
	return errors.Join(errs...)
}

// read walks the type directory and builds the values whose identifier
// starts with prefix.
func (s *Store) read(ctx context.Context, t Type, prefix []string, ignoreCache bool) ([]cached, error) {
	var out []cached
	for p, err := range s.ns.Walk(ctx, t.dir(), MaxDepth, blob.Values) {
		if err != nil {
			return nil, err
		}
		f, ok := format.FromPath(p, t.Aliases)
		if !ok {
			s.log.Debug("skipping value with unknown format", "type", t.Name, "path", p)
			continue
		}
		id := domain.IdentifierFromSegments(strings.Split(strings.TrimSuffix(p, path.Ext(p)), "/"))
		if !id.HasPrefix(prefix) {
			continue
		}
		full := path.Join(t.dir(), p)
		b, err := s.ns.Get(ctx, full)
		if err != nil || b == nil {
			s.log.Warn("reading value failed", "type", t.Name, "path", full, "error", err)
			continue
		}
		raw, err := b.Content()
		if err != nil {
			s.log.Warn("reading value failed", "type", t.Name, "path", full, "error", err)
			continue
		}
		data, err := format.Decode(f, raw)
		if err != nil {
			s.log.Warn("skipping undecodable value", "type", t.Name, "path", full, "error", &format.ParseError{Path: full, Format: f, Err: err})
			continue
		}
		var previous map[string]any
		if !ignoreCache {
			if v, ok := s.get(t.Name, id); ok {
				previous = deepCopy(v)
			}
		}
		value, err := t.build(id, data, previous)
		if err != nil {
			s.log.Warn("skipping invalid value", "type", t.Name, "path", full, "error", err)
			continue
		}
		out = append(out, cached{id: id, value: value, lastModified: b.LastModified()})
	}
	return out, nil
}

func (s *Store) get(typ string, id domain.Identifier) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.values[typ][id.Key()]
	return c.value, ok
}

// Get returns a copy of the cached value.
func (s *Store) Get(typ string, id domain.Identifier) (map[string]any, bool) {
	v, ok := s.get(typ, id)
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyAny(v)
	}
	return out
}

func copyAny(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return deepCopy(v)
	case []any:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = copyAny(x)
		}
		return out
	}
	return v
}

// Has reports whether a value is cached.
func (s *Store) Has(typ string, id domain.Identifier) bool {
	_, ok := s.get(typ, id)
	return ok
}

// Identifiers lists the cached identifiers of a type in order.
func (s *Store) Identifiers(typ string) []domain.Identifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Identifier, 0, len(s.values[typ]))
	for _, c := range s.values[typ] {
		out = append(out, c.id)
	}
	slices.SortFunc(out, domain.CompareIdentifiers)
	return out
}

// LastModified returns when the stored value last changed.
func (s *Store) LastModified(typ string, id domain.Identifier) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.values[typ][id.Key()]
	return c.lastModified, ok
}

// Reload re-reads the values below the given paths ("<type>[/<segment>...]")
// or everything when no path is given, and returns how many cached values
// were added, changed or removed.
func (s *Store) Reload(ctx context.Context, paths ...string) (int, error) {
	selected := make(map[string][][]string)
	if len(paths) == 0 {
		for _, name := range s.Types() {
			selected[name] = [][]string{nil}
		}
	}
	for _, p := range paths {
		segs := strings.Split(strings.Trim(p, "/"), "/")
		if _, ok := s.types[segs[0]]; !ok {
			continue
		}
		selected[segs[0]] = append(selected[segs[0]], segs[1:])
	}

	changed := 0
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(selected)) {
		t := s.types[name]
		fresh := make(map[string]cached)
		failed := false
		for _, prefix := range selected[name] {
			entries, err := s.read(ctx, t, prefix, true)
			if err != nil {
				errs = append(errs, fmt.Errorf("reload %s: %w", name, err))
				failed = true
				break
			}
			for _, e := range entries {
				fresh[e.id.Key()] = e
			}
		}
		if failed {
			continue
		}
		s.mu.Lock()
		current := s.values[name]
		for key, c := range current {
			if !matchesAny(c.id, selected[name]) {
				continue
			}
			if _, ok := fresh[key]; !ok {
				delete(current, key)
				changed++
			}
		}
		for key, e := range fresh {
			if old, ok := current[key]; !ok || !reflect.DeepEqual(old.value, e.value) {
				changed++
			}
			current[key] = e
		}
		s.mu.Unlock()
	}
	return changed, errors.Join(errs...)
}

func matchesAny(id domain.Identifier, prefixes [][]string) bool {
	return slices.ContainsFunc(prefixes, id.HasPrefix)
}

// Put stores value in the type's default format and caches a copy of it. The
// write and the cache update happen under one lock so readers never see a
// value that is not stored yet.
func (s *Store) Put(ctx context.Context, typ string, id domain.Identifier, value map[string]any) error {
	t, err := s.typ(typ)
	if err != nil {
		return err
	}
	raw, err := t.encode(value)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", typ, id, err)
	}
	base := path.Join(t.dir(), id.String())
	target := base + "." + t.format().Extension()

	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.ns.Put(ctx, target, bytes.NewReader(raw), blob.PutOptions{ContentType: domain.GuessContentType(target, nil)})
	if err != nil {
		return err
	}
	for _, ext := range t.extensions() {
		if other := base + "." + ext; other != target {
			if _, err := s.ns.Delete(ctx, other); err != nil {
				return err
			}
		}
	}
	modified := info.LastModified
	if modified.IsZero() {
		modified = time.Now()
	}
	s.values[typ][id.Key()] = cached{id: id, value: deepCopy(value), lastModified: modified}
	return nil
}

// Delete removes the stored value in every format and drops it from the cache.
func (s *Store) Delete(ctx context.Context, typ string, id domain.Identifier) error {
	t, err := s.typ(typ)
	if err != nil {
		return err
	}
	base := path.Join(t.dir(), id.String())
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ext := range t.extensions() {
		if _, err := s.ns.Delete(ctx, base+"."+ext); err != nil {
			return err
		}
	}
	delete(s.values[typ], id.Key())
	return nil
}
