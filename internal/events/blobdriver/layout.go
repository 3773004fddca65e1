package blobdriver

import (
	"maps"
	"slices"
	"strings"

	"layerstore/pkg/domain"
)

// layout maps event types to their directory below the source root.
type layout struct {
	dirs map[string]string
}

func layoutFor(c domain.Content) (layout, bool) {
	dirs, ok := domain.EntityLayout(c)
	return layout{dirs: dirs}, ok
}

// kinds returns the event types in precedence order.
func (l layout) kinds() []string {
	return slices.Sorted(maps.Keys(l.dirs))
}

// namespacePath turns a source relative key into <kind>/<rest>, the form
// domain.FromPaths understands.
func (l layout) namespacePath(key string) (string, bool) {
	key = strings.Trim(key, "/")
	for _, kind := range l.kinds() {
		dir := l.dirs[kind]
		if dir == "" {
			return kind + "/" + key, key != ""
		}
		if rest, ok := strings.CutPrefix(key, dir+"/"); ok && rest != "" {
			return dir + "/" + rest, true
		}
	}
	return "", false
}
