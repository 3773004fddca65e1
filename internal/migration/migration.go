// Package migration plans and executes the moves that turn a legacy source
// layout into the current one.
package migration

import (
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"

	"layerstore/internal/blob"
	"layerstore/internal/logging"
	"layerstore/pkg/domain"
)

// MaxDepth bounds per-file walks.
const MaxDepth = 8

// Move relocates a file, or a directory with everything below it.
type Move struct {
	From string
	To   string
}

func (m Move) String() string { return m.From + " -> " + m.To }

// Cleanup removes what a migration leaves behind. Non-recursive cleanups only
// remove an empty directory.
type Cleanup struct {
	Path      string
	Recursive bool
}

// Plan is the result of planning one source.
type Plan struct {
	Applicable bool
	Preview    []string
	Moves      []Move
	Cleanups   []Cleanup
}

func (p *Plan) add(m Move) bool {
	if m.From == m.To {
		return false
	}
	p.Moves = append(p.Moves, m)
	p.Preview = append(p.Preview, m.String())
	return true
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the logger for probing failures.
func WithLogger(l logging.Logger) Option {
	return func(p *Planner) { p.log = logging.OrNoop(l) }
}

// Planner computes migration plans. It never writes.
type Planner struct {
	log logging.Logger
}

// NewPlanner returns a planner.
func NewPlanner(opts ...Option) *Planner {
	p := &Planner{log: logging.Noop{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PlanFor compares old with its replacement next. Both are resolved below reader:
// a source lives at path.Join(Src, Prefix). Any probing failure makes the plan
// not applicable.
func PlanFor(ctx context.Context, old, next domain.StoreSource, reader *blob.Store) Plan {
	return NewPlanner().Plan(ctx, old, next, reader)
}

// Plan implements the package level PlanFor.
func (p *Planner) Plan(ctx context.Context, old, next domain.StoreSource, reader *blob.Store) Plan {
	old, next = old.Normalized(), next.Normalized()
	var (
		plan Plan
		err  error
	)
	switch old.Content {
	case domain.ContentInstancesOld, domain.ContentEntities, domain.ContentDefaults, domain.ContentInstances, domain.ContentOverrides:
		plan, err = p.entities(ctx, old, next, reader)
	case domain.ContentValues:
		plan, err = p.values(ctx, old, next, reader)
	case domain.ContentResources:
		plan, err = p.resources(ctx, old, next, reader)
	default:
		return Plan{}
	}
	if err != nil {
		p.log.Warn("migration not applicable", "source", old.Label(), "error", err)
		return Plan{}
	}
	plan.Applicable = len(plan.Moves) > 0
	return plan
}

func base(src domain.StoreSource) string {
	return strings.Trim(path.Join(src.Src, src.Prefix), "/")
}

func join(elem ...string) string {
	return strings.Trim(path.Join(elem...), "/")
}

// entities moves every kind directory of the old layout to its place in the
// new one; the legacy instances directory becomes entities. Filtered sources
// are moved file by file.
func (p *Planner) entities(ctx context.Context, old, next domain.StoreSource, reader *blob.Store) (Plan, error) {
	from, _ := domain.EntityLayout(old.Content)
	to, ok := domain.EntityLayout(next.Content)
	if !ok {
		return Plan{}, fmt.Errorf("%s holds no entities", next.Label())
	}
	var plan Plan
	for _, kind := range slices.Sorted(maps.Keys(from)) {
		target, ok := to[kind]
		if !ok {
			continue
		}
		dir := join(base(old), from[kind])
		exists, err := reader.Has(ctx, dir)
		if err != nil {
			return Plan{}, err
		}
		if !exists {
			continue
		}
		dest := join(base(next), target)
		if !old.IsFiltered() {
			if plan.add(Move{From: dir, To: dest}) {
				plan.Cleanups = append(plan.Cleanups, Cleanup{Path: dir, Recursive: true})
			}
			continue
		}
		moved := false
		err = walkFiles(ctx, reader, dir, func(rel string) {
			if old.Matches(join(from[kind], rel)) {
				moved = plan.add(Move{From: join(dir, rel), To: join(dest, rel)}) || moved
			}
		})
		if err != nil {
			return Plan{}, err
		}
		if moved {
			plan.Cleanups = append(plan.Cleanups, Cleanup{Path: dir})
		}
	}
	return plan, nil
}

// values renames every value file into the values directory of the new
// source. Nested codelists collapse to codelists/<file>.
func (p *Planner) values(ctx context.Context, old, next domain.StoreSource, reader *blob.Store) (Plan, error) {
	target, ok := domain.NamespaceDir(next.Content, domain.ContentValues)
	if !ok {
		return Plan{}, fmt.Errorf("%s holds no values", next.Label())
	}
	dir := base(old)
	dest := join(base(next), target)
	var plan Plan
	err := walkFiles(ctx, reader, dir, func(rel string) {
		if !old.Matches(rel) {
			return
		}
		renamed := rel
		if segs := strings.Split(rel, "/"); len(segs) > 2 && segs[0] == "codelists" {
			renamed = join("codelists", segs[len(segs)-1])
		}
		plan.add(Move{From: join(dir, rel), To: join(dest, renamed)})
	})
	if err != nil {
		return Plan{}, err
	}
	if len(plan.Moves) > 0 {
		plan.Cleanups = append(plan.Cleanups, Cleanup{Path: dir})
	}
	return plan, nil
}

// resources moves a tiles cache as one directory, an unfiltered source as a
// whole and a filtered source file by file.
func (p *Planner) resources(ctx context.Context, old, next domain.StoreSource, reader *blob.Store) (Plan, error) {
	target, ok := domain.NamespaceDir(next.Content, domain.ContentResources)
	if !ok {
		return Plan{}, fmt.Errorf("%s holds no resources", next.Label())
	}
	dir := base(old)
	exists, err := reader.Has(ctx, dir)
	if err != nil || !exists {
		return Plan{}, err
	}
	dest := join(base(next), target)
	var plan Plan
	switch {
	case strings.HasPrefix(old.Prefix, "tiles"):
		if plan.add(Move{From: dir, To: join(dest, old.Prefix)}) {
			plan.Cleanups = append(plan.Cleanups, Cleanup{Path: dir, Recursive: true})
		}
	case !old.IsFiltered():
		if plan.add(Move{From: dir, To: dest}) {
			plan.Cleanups = append(plan.Cleanups, Cleanup{Path: dir, Recursive: true})
		}
	default:
		err := walkFiles(ctx, reader, dir, func(rel string) {
			if old.Matches(rel) {
				plan.add(Move{From: join(dir, rel), To: join(dest, rel)})
			}
		})
		if err != nil {
			return Plan{}, err
		}
		if len(plan.Moves) > 0 {
			plan.Cleanups = append(plan.Cleanups, Cleanup{Path: dir})
		}
	}
	return plan, nil
}

func walkFiles(ctx context.Context, reader *blob.Store, dir string, fn func(rel string)) error {
	for rel, err := range reader.Walk(ctx, dir, MaxDepth, blob.Values) {
		if err != nil {
			return err
		}
		fn(rel)
	}
	return nil
}
