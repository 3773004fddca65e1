// Package domain defines the addressing, event and source types shared by every
// layer of the store. It has no dependencies on the internal packages.
package domain

import (
	"cmp"
	"slices"
	"strings"
)

// Identifier addresses a stored value: an ordered group path plus a leaf id.
type Identifier struct {
	ID   string   `json:"id" yaml:"id"`
	Path []string `json:"path,omitempty" yaml:"path,omitempty"`
}

// NewIdentifier builds an identifier from a leaf id and its group path.
func NewIdentifier(id string, path ...string) Identifier {
	return Identifier{ID: id, Path: slices.Clone(path)}
}

// IdentifierFromSegments treats the last segment as id and the rest as path.
// An empty segment list yields the zero Identifier.
func IdentifierFromSegments(segments []string) Identifier {
	if len(segments) == 0 {
		return Identifier{}
	}
	return NewIdentifier(segments[len(segments)-1], segments[:len(segments)-1]...)
}

// String renders the identifier as slash separated segments.
func (i Identifier) String() string {
	return strings.Join(i.Segments(), "/")
}

// Key returns a map key that is unambiguous even when segments contain slashes.
func (i Identifier) Key() string {
	return strings.Join(i.Segments(), "\x00")
}

// Segments returns path segments followed by the id.
func (i Identifier) Segments() []string {
	out := make([]string, 0, len(i.Path)+1)
	out = append(out, i.Path...)
	return append(out, i.ID)
}

// Parent returns the identifier one level up (last path segment becomes the id).
func (i Identifier) Parent() (Identifier, bool) {
	if len(i.Path) == 0 {
		return Identifier{}, false
	}
	return IdentifierFromSegments(i.Path), true
}

// Child returns an identifier nested below i.
func (i Identifier) Child(id string) Identifier {
	return NewIdentifier(id, i.Segments()...)
}

// Equal reports whether both identifiers address the same value.
func (i Identifier) Equal(o Identifier) bool {
	return i.ID == o.ID && slices.Equal(i.Path, o.Path)
}

// HasPrefix reports whether the identifier segments start with prefix.
func (i Identifier) HasPrefix(prefix []string) bool {
	segs := i.Segments()
	if len(prefix) > len(segs) {
		return false
	}
	return slices.Equal(segs[:len(prefix)], prefix)
}

// CompareIdentifiers orders identifiers by path segments element by element,
// then by path length (shorter first), then by id.
func CompareIdentifiers(a, b Identifier) int {
	n := min(len(a.Path), len(b.Path))
	for k := 0; k < n; k++ {
		if c := strings.Compare(a.Path[k], b.Path[k]); c != 0 {
			return c
		}
	}
	if c := cmp.Compare(len(a.Path), len(b.Path)); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
