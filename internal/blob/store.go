package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"layerstore/internal/blob/core"
	"layerstore/pkg/domain"
)

// Capabilities is the fixed capability set of a backend. Only Reader is required.
type Capabilities struct {
	Reader  core.Reader
	Writer  core.Writer
	Locals  core.Locals
	Watcher core.Watcher
	Closer  io.Closer
}

// Store is a view over a backend. Views share the backend; With and ReadOnly
// derive new views without copying data.
type Store struct {
	caps   Capabilities
	prefix string
}

// Compose builds a Store from explicit capabilities.
func Compose(caps Capabilities) *Store {
	if caps.Reader == nil {
		panic("blob: Compose requires a Reader")
	}
	return &Store{caps: caps}
}

// Driver returns the backend driver.
func (s *Store) Driver() Driver { return s.caps.Reader.Driver() }

// Prefix returns the key prefix applied by this view.
func (s *Store) Prefix() string { return s.prefix }

// CanWrite reports whether Put and Delete are available.
func (s *Store) CanWrite() bool { return s.caps.Writer != nil }

// HasLocals reports whether AsLocalPath is available.
func (s *Store) HasLocals() bool { return s.caps.Locals != nil }

// CanWatch reports whether Watch is available.
func (s *Store) CanWatch() bool { return s.caps.Watcher != nil }

// With returns a view with the given segments prepended to every path.
// Writability is preserved.
func (s *Store) With(first string, rest ...string) *Store {
	segs := append([]string{s.prefix, first}, rest...)
	return &Store{caps: s.caps, prefix: strings.Trim(path.Join(segs...), "/")}
}

// ReadOnly returns a view without the write capability.
func (s *Store) ReadOnly() *Store {
	caps := s.caps
	caps.Writer = nil
	return &Store{caps: caps, prefix: s.prefix}
}

// Close releases backend resources when the backend holds any.
func (s *Store) Close() error {
	if s.caps.Closer == nil {
		return nil
	}
	return s.caps.Closer.Close()
}

func (s *Store) key(p string) string {
	p = strings.Trim(p, "/")
	switch {
	case s.prefix == "":
		return p
	case p == "":
		return s.prefix
	default:
		return s.prefix + "/" + p
	}
}

func (s *Store) rel(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, s.prefix), "/")
}

func readErr(p string, err error) error {
	if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrRead) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", core.ErrRead, p, err)
}

func writeErr(p string, err error) error {
	if errors.Is(err, core.ErrWrite) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", core.ErrWrite, p, err)
}

// Ping reports whether the backend is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.caps.Reader.Ping(ctx) }

// Has reports whether p is a blob or a directory containing blobs.
func (s *Store) Has(ctx context.Context, p string) (bool, error) {
	_, err := s.caps.Reader.Head(ctx, s.key(p))
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return false, readErr(p, err)
	}
	infos, err := s.caps.Reader.List(ctx, s.dirPrefix(p))
	if err != nil {
		return false, readErr(p, err)
	}
	return len(infos) > 0, nil
}

func (s *Store) dirPrefix(p string) string {
	k := s.key(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

// Get returns a lazily read snapshot of p, or nil when p does not exist.
func (s *Store) Get(ctx context.Context, p string) (*domain.Blob, error) {
	info, err := s.caps.Reader.Head(ctx, s.key(p))
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, readErr(p, err)
	}
	supplier := func() ([]byte, error) {
		rc, err := s.Content(ctx, p)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rc.Close() }()
		b, err := io.ReadAll(rc)
		if err != nil {
			return nil, readErr(p, err)
		}
		return b, nil
	}
	return domain.NewBlob(p, info.Size, info.LastModified, info.ETag, supplier), nil
}

// Content opens p for reading. Missing blobs yield ErrNotFound.
func (s *Store) Content(ctx context.Context, p string) (io.ReadCloser, error) {
	_, rc, err := s.caps.Reader.Get(ctx, s.key(p))
	if err != nil {
		return nil, readErr(p, err)
	}
	return rc, nil
}

// Size returns the blob size in bytes.
func (s *Store) Size(ctx context.Context, p string) (int64, error) {
	info, err := s.caps.Reader.Head(ctx, s.key(p))
	if err != nil {
		return 0, readErr(p, err)
	}
	return info.Size, nil
}

// LastModified returns the blob modification time.
func (s *Store) LastModified(ctx context.Context, p string) (time.Time, error) {
	info, err := s.caps.Reader.Head(ctx, s.key(p))
	if err != nil {
		return time.Time{}, readErr(p, err)
	}
	return info.LastModified, nil
}

// List returns the blobs below the directory p with keys relative to this view.
func (s *Store) List(ctx context.Context, p string) ([]Info, error) {
	infos, err := s.caps.Reader.List(ctx, s.dirPrefix(p))
	if err != nil {
		return nil, readErr(p, err)
	}
	for i := range infos {
		infos[i].Key = s.rel(infos[i].Key)
	}
	return infos, nil
}

// Put writes content to p, replacing any existing blob.
func (s *Store) Put(ctx context.Context, p string, r io.Reader, opts PutOptions) (Info, error) {
	if s.caps.Writer == nil {
		return Info{}, fmt.Errorf("put %s: %w", p, core.ErrUnsupported)
	}
	info, err := s.caps.Writer.Put(ctx, s.key(p), r, opts)
	if err != nil {
		return Info{}, writeErr(p, err)
	}
	info.Key = s.rel(info.Key)
	return info, nil
}

// Delete removes p and reports whether it existed.
func (s *Store) Delete(ctx context.Context, p string) (bool, error) {
	if s.caps.Writer == nil {
		return false, fmt.Errorf("delete %s: %w", p, core.ErrUnsupported)
	}
	ok, err := s.caps.Writer.Delete(ctx, s.key(p))
	if err != nil {
		return false, writeErr(p, err)
	}
	return ok, nil
}

// AsLocalPath materializes p as a local file and returns its path.
func (s *Store) AsLocalPath(ctx context.Context, p string) (string, error) {
	if s.caps.Locals == nil {
		return "", fmt.Errorf("local path %s: %w", p, core.ErrUnsupported)
	}
	local, err := s.caps.Locals.AsLocalPath(ctx, s.key(p))
	if err != nil {
		return "", readErr(p, err)
	}
	return local, nil
}

// Watch blocks until ctx is done and reports changed paths below this view,
// relative to it.
func (s *Store) Watch(ctx context.Context, onChange func(paths []string)) error {
	if s.caps.Watcher == nil {
		return fmt.Errorf("watch: %w", core.ErrUnsupported)
	}
	return s.caps.Watcher.Watch(ctx, func(keys []string) {
		var rel []string
		for _, k := range keys {
			if s.prefix != "" && k != s.prefix && !strings.HasPrefix(k, s.prefix+"/") {
				continue
			}
			rel = append(rel, s.rel(k))
		}
		if len(rel) > 0 {
			onChange(rel)
		}
	})
}
