package blob

import (
	"context"
	"iter"
	"slices"
	"strings"
)

// Walk lists everything below p up to maxDepth segments deep and yields the
// paths, relative to p, that matcher accepts. Directories are synthesized from
// blob keys and reported with IsValue false. Paths come in lexical order; p
// itself is never yielded. A listing failure is yielded once and ends the walk.
func (s *Store) Walk(ctx context.Context, p string, maxDepth int, matcher Matcher) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		infos, err := s.List(ctx, p)
		if err != nil {
			yield("", err)
			return
		}
		base := strings.Trim(p, "/")
		entries := make(map[string]bool) // path -> is value
		for _, info := range infos {
			rel := info.Key
			if base != "" {
				rel = strings.TrimPrefix(strings.TrimPrefix(rel, base), "/")
			}
			if rel == "" {
				continue
			}
			segs := strings.Split(rel, "/")
			for depth := 1; depth <= len(segs) && depth <= maxDepth; depth++ {
				entry := strings.Join(segs[:depth], "/")
				isValue := depth == len(segs)
				if isValue || !entries[entry] {
					entries[entry] = isValue
				}
			}
		}
		paths := make([]string, 0, len(entries))
		for entry := range entries {
			paths = append(paths, entry)
		}
		slices.Sort(paths)
		for _, entry := range paths {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			attrs := Attributes{IsValue: entries[entry], IsHidden: isHidden(entry)}
			if matcher != nil && !matcher(entry, attrs) {
				continue
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func isHidden(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
