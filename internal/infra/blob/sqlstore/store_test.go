package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"layerstore/internal/blob/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "nested", "blobs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_PutGetHeadListDelete(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	info, err := store.Put(ctx, "values/a.yml", bytes.NewReader([]byte("a: 1")), core.PutOptions{ContentType: "application/yaml"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 4 || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	replaced, err := store.Put(ctx, "values/a.yml", bytes.NewReader([]byte("a: 2\n")), core.PutOptions{})
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if replaced.ETag == info.ETag {
		t.Fatalf("etag should follow content")
	}
	head, err := store.Head(ctx, "values/a.yml")
	if err != nil || head.Size != 5 || !head.LastModified.Equal(fixed) {
		t.Fatalf("head: %+v %v", head, err)
	}
	_, rc, err := store.Get(ctx, "values/a.yml")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "a: 2\n" {
		t.Fatalf("unexpected content %q", b)
	}
	for _, k := range []string{"values/b.yml", "values2/c.yml"} {
		if _, err := store.Put(ctx, k, bytes.NewReader([]byte("x")), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	list, err := store.List(ctx, "values/")
	if err != nil || len(list) != 2 || list[0].Key != "values/a.yml" || list[1].Key != "values/b.yml" {
		t.Fatalf("list: %+v %v", list, err)
	}
	if all, err := store.List(ctx, ""); err != nil || len(all) != 3 {
		t.Fatalf("list all: %d %v", len(all), err)
	}
	if ok, err := store.Delete(ctx, "values/a.yml"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "values/a.yml"); err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if store.Driver() != core.DriverSQL {
		t.Fatalf("expected sql driver")
	}
}

func TestStore_NotFoundAndEmptyKey(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("head: %v", err)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get: %v", err)
	}
	if _, err := store.Put(ctx, " ", bytes.NewReader(nil), core.PutOptions{}); err == nil {
		t.Fatalf("expected empty key error")
	}
}

func TestStore_ReopenKeepsRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "blobs.db")
	first, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := first.Put(ctx, "entities/services/foo.yml", bytes.NewReader([]byte("a: 1")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_ = first.Close()
	second, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = second.Close() }()
	if _, err := second.Head(ctx, "entities/services/foo.yml"); err != nil {
		t.Fatalf("row should survive reopen: %v", err)
	}
}

func TestParseSourceAndBind(t *testing.T) {
	cases := map[string]Dialect{
		"postgres://localhost/db":   DialectPostgres,
		"postgresql://localhost/db": DialectPostgres,
		"sqlite:///tmp/x.db":        DialectSQLite,
		"data/blobs.db":             DialectSQLite,
	}
	for src, want := range cases {
		if got, _ := ParseSource(src); got != want {
			t.Fatalf("%s: got %s want %s", src, got, want)
		}
	}
	pg := &Store{dialect: DialectPostgres}
	if got := pg.bind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("unexpected postgres binding %q", got)
	}
	lite := &Store{dialect: DialectSQLite}
	if got := lite.bind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite query should be unchanged: %q", got)
	}
}

func TestNew_OpenErrorsAndUnknownDialect(t *testing.T) {
	restore := OverrideSQLOpen(func(driverName, _ string) (*sql.DB, error) {
		if driverName != "pgx" {
			t.Fatalf("expected pgx driver, got %s", driverName)
		}
		return nil, errors.New("no server")
	})
	defer restore()
	if _, err := Open(context.Background(), "postgres://localhost/none"); err == nil {
		t.Fatalf("expected open error")
	}
	if _, err := New(context.Background(), Dialect("oracle"), "x"); err == nil {
		t.Fatalf("expected unknown dialect error")
	}
}
