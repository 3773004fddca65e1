package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"

	"layerstore/internal/blob/core"
	"layerstore/pkg/domain"
)

// Member is one opened source of a stack.
type Member struct {
	Source domain.StoreSource
	Store  *Store
}

// Stack is the ordered source stack. Later members take precedence.
type Stack struct {
	members []Member
}

// NewStack keeps the given priority order.
func NewStack(members ...Member) *Stack {
	return &Stack{members: members}
}

// Members returns the members in priority order, lowest first.
func (s *Stack) Members() []Member { return s.members }

// Close closes every member store.
func (s *Stack) Close() error {
	var errs []error
	for _, m := range s.members {
		if err := m.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Namespace composes the members providing kind into one Store. ALL sources are
// viewed through their "values" or "resources" subdirectory; dedicated sources
// are used as is. Reads consult the highest priority member first, listings are
// merged, and writes go to the last writable member. Only VALUES, RESOURCES and
// ENTITIES are namespaces.
func (s *Stack) Namespace(kind domain.Content) (*Store, error) {
	if kind != domain.ContentValues && kind != domain.ContentResources && kind != domain.ContentEntities {
		return nil, fmt.Errorf("namespace %s: %w", kind, core.ErrUnsupported)
	}
	var views []view
	for _, m := range s.members {
		if kind == domain.ContentEntities {
			if m.Source.Content == kind || m.Source.Content == domain.ContentAll {
				views = append(views, view{Member: m})
			}
			continue
		}
		dir, ok := domain.NamespaceDir(m.Source.Content, kind)
		switch {
		case !ok:
		case dir == "":
			views = append(views, view{Member: m})
		default:
			views = append(views, view{Member: Member{Source: m.Source, Store: m.Store.With(dir)}, dir: dir})
		}
	}
	ns := &namespace{members: views, writer: -1}
	for i := len(views) - 1; i >= 0; i-- {
		if views[i].Source.IsWritable() && views[i].Store.CanWrite() {
			ns.writer = i
			break
		}
	}
	caps := Capabilities{Reader: ns}
	if ns.writer >= 0 {
		caps.Writer = ns
	}
	return Compose(caps), nil
}

// view is a member seen through the namespace subdirectory dir.
type view struct {
	Member
	dir string
}

// matches applies the source filters to key, which is relative to the view.
// Filters are written against paths below the source root.
func (v view) matches(key string) bool {
	if v.dir == "" {
		return v.Source.Matches(key)
	}
	return v.Source.Matches(path.Join(v.dir, key))
}

// namespace implements the read and write capabilities over the member views.
type namespace struct {
	members []view
	writer  int
}

func (n *namespace) Driver() core.Driver { return core.DriverStack }

func (n *namespace) Ping(ctx context.Context) error {
	var errs []error
	for _, m := range n.members {
		if err := m.Store.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Source.Label(), err))
		}
	}
	return errors.Join(errs...)
}

func (n *namespace) Head(ctx context.Context, key string) (core.Info, error) {
	for i := len(n.members) - 1; i >= 0; i-- {
		m := n.members[i]
		if !m.matches(key) {
			continue
		}
		info, err := m.Store.caps.Reader.Head(ctx, m.Store.key(key))
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return core.Info{}, err
		}
		info.Key = key
		return info, nil
	}
	return core.Info{}, fmt.Errorf("%s: %w", key, core.ErrNotFound)
}

func (n *namespace) Get(ctx context.Context, key string) (core.Info, io.ReadCloser, error) {
	for i := len(n.members) - 1; i >= 0; i-- {
		m := n.members[i]
		if !m.matches(key) {
			continue
		}
		info, rc, err := m.Store.caps.Reader.Get(ctx, m.Store.key(key))
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return core.Info{}, nil, err
		}
		info.Key = key
		return info, rc, nil
	}
	return core.Info{}, nil, fmt.Errorf("%s: %w", key, core.ErrNotFound)
}

func (n *namespace) List(ctx context.Context, prefix string) ([]core.Info, error) {
	merged := make(map[string]core.Info)
	for i := len(n.members) - 1; i >= 0; i-- {
		m := n.members[i]
		infos, err := m.Store.caps.Reader.List(ctx, m.Store.dirPrefix(prefix))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Source.Label(), err)
		}
		for _, info := range infos {
			key := m.Store.rel(info.Key)
			if _, seen := merged[key]; seen || !m.matches(key) {
				continue
			}
			info.Key = key
			merged[key] = info
		}
	}
	out := make([]core.Info, 0, len(merged))
	for _, info := range merged {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (n *namespace) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	m := n.members[n.writer]
	return m.Store.Put(ctx, key, r, opts)
}

func (n *namespace) Delete(ctx context.Context, key string) (bool, error) {
	m := n.members[n.writer]
	return m.Store.Delete(ctx, key)
}
