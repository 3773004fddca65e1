package blob

import (
	"context"
	"errors"
	"io"
	"slices"
	"testing"

	"layerstore/pkg/domain"
)

func read(t *testing.T, s *Store, p string) string {
	t.Helper()
	rc, err := s.Content(context.Background(), p)
	if err != nil {
		t.Fatalf("content %s: %v", p, err)
	}
	defer func() { _ = rc.Close() }()
	b, _ := io.ReadAll(rc)
	return string(b)
}

func TestStack_NamespacePriorityAndWrites(t *testing.T) {
	ctx := context.Background()
	base, shared, dedicated := NewMemory(), NewMemory(), NewMemory()
	put(t, base, "values/codelists/a.yml", "base")
	put(t, base, "values/codelists/b.yml", "base")
	put(t, shared, "values/codelists/a.yml", "shared")
	put(t, dedicated, "codelists/c.yml", "dedicated")
	put(t, base, "resources/tiles/t.json", "{}")

	stack := NewStack(
		Member{Source: domain.StoreSource{Content: domain.ContentAll, Mode: domain.ModeRW}, Store: base},
		Member{Source: domain.StoreSource{Content: domain.ContentAll, Mode: domain.ModeRO}, Store: shared.ReadOnly()},
		Member{Source: domain.StoreSource{Content: domain.ContentValues, Mode: domain.ModeRO}, Store: dedicated.ReadOnly()},
	)
	values, err := stack.Namespace(domain.ContentValues)
	if err != nil {
		t.Fatalf("namespace: %v", err)
	}
	if got := read(t, values, "codelists/a.yml"); got != "shared" {
		t.Fatalf("higher priority member should win, got %q", got)
	}
	if got := read(t, values, "codelists/b.yml"); got != "base" {
		t.Fatalf("lower member should fill gaps, got %q", got)
	}
	list, err := values.List(ctx, "codelists")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	keys := make([]string, 0, len(list))
	for _, i := range list {
		keys = append(keys, i.Key)
	}
	if !slices.Equal(keys, []string{"codelists/a.yml", "codelists/b.yml", "codelists/c.yml"}) {
		t.Fatalf("merged listing: %v", keys)
	}
	if !values.CanWrite() {
		t.Fatalf("namespace with a RW member should be writable")
	}
	put(t, values, "codelists/d.yml", "new")
	if ok, _ := base.Has(ctx, "values/codelists/d.yml"); !ok {
		t.Fatalf("write should go to the writable member")
	}
	resources, err := stack.Namespace(domain.ContentResources)
	if err != nil {
		t.Fatalf("resources: %v", err)
	}
	if ok, _ := resources.Has(ctx, "tiles/t.json"); !ok {
		t.Fatalf("resources namespace should see ALL sources")
	}
	if _, err := stack.Namespace(domain.ContentDefaults); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("defaults is not a namespace: %v", err)
	}
	if err := values.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := stack.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestStack_ReadOnlyNamespaceAndFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	put(t, m, "codelists/a.yml", "a")
	put(t, m, "secret/b.yml", "b")
	stack := NewStack(Member{
		Source: domain.StoreSource{Content: domain.ContentValues, Mode: domain.ModeRO, Excludes: []string{"secret/**"}},
		Store:  m.ReadOnly(),
	})
	values, err := stack.Namespace(domain.ContentValues)
	if err != nil {
		t.Fatalf("namespace: %v", err)
	}
	if values.CanWrite() {
		t.Fatalf("no writable member means no writer")
	}
	if _, err := values.Put(ctx, "x.yml", nil, PutOptions{}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("write should be refused: %v", err)
	}
	if ok, _ := values.Has(ctx, "secret/b.yml"); ok {
		t.Fatalf("excluded path should be invisible")
	}
	var walked []string
	for p, err := range values.Walk(ctx, "", 8, Values) {
		if err != nil {
			t.Fatalf("walk: %v", err)
		}
		walked = append(walked, p)
	}
	if !slices.Equal(walked, []string{"codelists/a.yml"}) {
		t.Fatalf("walk should honour excludes: %v", walked)
	}
}

func TestStack_AllSourceFiltersUseSourceRootPaths(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	put(t, m, "values/codelists/a.yml", "a")
	put(t, m, "values/secret/b.yml", "b")
	put(t, m, "values/styles/c.yml", "c")
	stack := NewStack(Member{
		Source: domain.StoreSource{
			Content:  domain.ContentAll,
			Mode:     domain.ModeRO,
			Includes: []string{"values/codelists/**", "values/secret/**"},
			Excludes: []string{"values/secret/**"},
		},
		Store: m.ReadOnly(),
	})
	values, err := stack.Namespace(domain.ContentValues)
	if err != nil {
		t.Fatalf("namespace: %v", err)
	}
	if got := read(t, values, "codelists/a.yml"); got != "a" {
		t.Fatalf("included path should be readable, got %q", got)
	}
	for _, p := range []string{"secret/b.yml", "styles/c.yml"} {
		if ok, _ := values.Has(ctx, p); ok {
			t.Fatalf("%s should be filtered out", p)
		}
	}
	list, err := values.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	keys := make([]string, 0, len(list))
	for _, i := range list {
		keys = append(keys, i.Key)
	}
	if !slices.Equal(keys, []string{"codelists/a.yml"}) {
		t.Fatalf("listing should honour source-root filters: %v", keys)
	}
}
