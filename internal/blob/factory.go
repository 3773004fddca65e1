package blob

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"layerstore/internal/infra/blob/fs"
	memorystore "layerstore/internal/infra/blob/memory"
	infraS3 "layerstore/internal/infra/blob/s3"
	"layerstore/internal/infra/blob/sqlstore"
	"layerstore/pkg/domain"
)

// OpenSource opens the backend selected by src.Type:
//
//	FS:     src.Src is a directory, relative paths resolve against dataDir
//	S3:     src.Src is "s3://bucket/prefix"; connection settings come from
//	        LAYERSTORE_S3_* variables (see the s3 package)
//	SQL:    src.Src is a postgres:// URL or a SQLite file, relative to dataDir
//	MEMORY: a fresh in-process store
//
// The returned view honours src.Prefix and is read-only unless src.Mode is RW.
func OpenSource(ctx context.Context, dataDir string, src domain.StoreSource) (*Store, error) {
	src = src.Normalized()
	var store *Store
	switch src.Type {
	case domain.SourceFS:
		fsStore, err := NewFilesystem(resolve(dataDir, src.Src))
		if err != nil {
			return nil, err
		}
		store = fsStore
	case domain.SourceS3:
		bucket, prefix := infraS3.ParseURL(src.Src)
		s, err := infraS3.New(ctx, infraS3.ConfigFromEnv(infraS3.Config{Bucket: bucket, Prefix: prefix}))
		if err != nil {
			return nil, err
		}
		store = Compose(Capabilities{Reader: s, Writer: s, Locals: s})
	case domain.SourceSQL:
		dsn := src.Src
		if dialect, _ := sqlstore.ParseSource(dsn); dialect == sqlstore.DialectSQLite {
			dsn = resolve(dataDir, strings.TrimPrefix(dsn, "sqlite://"))
		}
		s, err := sqlstore.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		store = Compose(Capabilities{Reader: s, Writer: s, Closer: s})
	case domain.SourceMemory:
		store = NewMemory()
	default:
		return nil, fmt.Errorf("unknown source type %q", src.Type)
	}
	if src.Prefix != "" {
		store = store.With(src.Prefix)
	}
	if src.Mode != domain.ModeRW {
		store = store.ReadOnly()
	}
	return store, nil
}

// OpenStack opens every source in order. Sources that fail to open are
// returned as errors alongside the stack of those that did.
func OpenStack(ctx context.Context, dataDir string, sources []domain.StoreSource) (*Stack, error) {
	var members []Member
	var errs []error
	for _, src := range sources {
		src = src.Normalized()
		store, err := OpenSource(ctx, dataDir, src)
		if err != nil {
			errs = append(errs, fmt.Errorf("open %s: %w", src.Label(), err))
			continue
		}
		members = append(members, Member{Source: src, Store: store})
	}
	return NewStack(members...), errors.Join(errs...)
}

func resolve(dataDir, p string) string {
	if p == "" {
		return dataDir
	}
	if filepath.IsAbs(p) || dataDir == "" {
		return p
	}
	return filepath.Join(dataDir, p)
}

// NewFilesystem returns a writable, watchable store rooted at root.
func NewFilesystem(root string) (*Store, error) {
	s, err := fs.New(root)
	if err != nil {
		return nil, err
	}
	return Compose(Capabilities{Reader: s, Writer: s, Locals: s, Watcher: s}), nil
}

// NewMemory returns a writable in-memory store.
func NewMemory() *Store {
	s := memorystore.New()
	return Compose(Capabilities{Reader: s, Writer: s})
}

// NewMockS3ForTests exposes the S3 backend over a fake transport for cross-package tests.
func NewMockS3ForTests(cacheDir string) *Store {
	s := infraS3.NewMockForTests(cacheDir)
	return Compose(Capabilities{Reader: s, Writer: s, Locals: s})
}
