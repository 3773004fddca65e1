package domain

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Content names the kind of data a StoreSource provides.
type Content string

const (
	ContentAll          Content = "ALL"
	ContentEntities     Content = "ENTITIES"
	ContentDefaults     Content = "DEFAULTS"
	ContentInstances    Content = "INSTANCES"
	ContentInstancesOld Content = "INSTANCES_OLD"
	ContentOverrides    Content = "OVERRIDES"
	ContentValues       Content = "VALUES"
	ContentResources    Content = "RESOURCES"
	ContentNone         Content = "NONE"
)

// IsEntities reports whether sources of this content feed the event store.
func (c Content) IsEntities() bool {
	switch c {
	case ContentAll, ContentEntities, ContentDefaults, ContentInstances, ContentInstancesOld, ContentOverrides:
		return true
	}
	return false
}

// Mode is the access mode of a source.
type Mode string

const (
	ModeRO Mode = "RO"
	ModeRW Mode = "RW"
)

// Source types understood by the bundled drivers.
const (
	SourceFS     = "FS"
	SourceS3     = "S3"
	SourceSQL    = "SQL"
	SourceMemory = "MEMORY"
)

// StoreSource describes one backend in the ordered source stack.
// Later sources in a stack take precedence.
type StoreSource struct {
	Type      string   `yaml:"type" json:"type"`
	Src       string   `yaml:"src" json:"src"`
	Mode      Mode     `yaml:"mode" json:"mode"`
	Content   Content  `yaml:"content" json:"content"`
	Prefix    string   `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Includes  []string `yaml:"includes,omitempty" json:"includes,omitempty"`
	Excludes  []string `yaml:"excludes,omitempty" json:"excludes,omitempty"`
	Watchable bool     `yaml:"watchable" json:"watchable"`
}

// Normalized fills defaults: type FS, mode RO, content ALL, upper-cased enums.
func (s StoreSource) Normalized() StoreSource {
	s.Type = strings.ToUpper(strings.TrimSpace(s.Type))
	if s.Type == "" {
		s.Type = SourceFS
	}
	s.Mode = Mode(strings.ToUpper(string(s.Mode)))
	if s.Mode == "" {
		s.Mode = ModeRO
	}
	s.Content = Content(strings.ToUpper(string(s.Content)))
	if s.Content == "" {
		s.Content = ContentAll
	}
	s.Prefix = strings.Trim(s.Prefix, "/")
	return s
}

// Label is a short human readable name used in logs and metrics.
func (s StoreSource) Label() string {
	loc := s.Src
	if s.Prefix != "" {
		loc = path.Join(loc, s.Prefix)
	}
	return fmt.Sprintf("%s[%s]:%s", s.Type, s.Content, loc)
}

// IsWritable reports whether the source may receive writes. Legacy layouts never do.
func (s StoreSource) IsWritable() bool {
	return s.Mode == ModeRW && s.Content != ContentInstancesOld
}

// IsFiltered reports whether includes or excludes are configured.
func (s StoreSource) IsFiltered() bool {
	return len(s.Includes) > 0 || len(s.Excludes) > 0
}

// Matches applies the include and exclude globs to a source relative path.
// Without includes every path is included; any matching exclude wins.
func (s StoreSource) Matches(p string) bool {
	p = strings.TrimPrefix(p, "/")
	if len(s.Includes) > 0 && !matchAny(s.Includes, p) {
		return false
	}
	return !matchAny(s.Excludes, p)
}

func matchAny(patterns []string, p string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(strings.TrimPrefix(pattern, "/"), p); err == nil && ok {
			return true
		}
	}
	return false
}

// WritableSource returns the last source, scanning from lowest to highest
// priority, that accepts writes.
func WritableSource(sources []StoreSource) (StoreSource, int, bool) {
	for i := len(sources) - 1; i >= 0; i-- {
		if sources[i].IsWritable() {
			return sources[i], i, true
		}
	}
	return StoreSource{}, -1, false
}

// EntityLayout maps event types to their directory below the root of a source
// with content c. An empty directory means the kind is stored at the root.
// Sources without entities report false.
func EntityLayout(c Content) (map[string]string, bool) {
	switch c {
	case ContentAll, ContentEntities:
		return map[string]string{EventTypeDefaults: "defaults", EventTypeEntities: "entities", EventTypeOverrides: "overrides"}, true
	case ContentInstancesOld:
		return map[string]string{EventTypeDefaults: "defaults", EventTypeEntities: "instances", EventTypeOverrides: "overrides"}, true
	case ContentDefaults:
		return map[string]string{EventTypeDefaults: ""}, true
	case ContentInstances:
		return map[string]string{EventTypeEntities: ""}, true
	case ContentOverrides:
		return map[string]string{EventTypeOverrides: ""}, true
	}
	return nil, false
}

// NamespaceDir is the directory holding values or resources in a source with
// content c: the kind directory for ALL sources, the root for dedicated ones.
func NamespaceDir(c, kind Content) (string, bool) {
	switch c {
	case kind:
		return "", true
	case ContentAll:
		switch kind {
		case ContentValues:
			return "values", true
		case ContentResources:
			return "resources", true
		}
	}
	return "", false
}
