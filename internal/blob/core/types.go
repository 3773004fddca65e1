// Package core defines the capability contracts implemented by blob storage
// backends. Higher layers compose them through the blob package.
package core

import (
	"context"
	"errors"
	"io"
	"time"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver string

const (
	// DriverFilesystem represents the local filesystem implementation.
	DriverFilesystem Driver = "fs" // local filesystem (default, dev)
	// DriverS3 represents an S3 / MinIO compatible implementation.
	DriverS3 Driver = "s3" // S3 / MinIO compatible
	// DriverSQL represents a blob table in SQLite or PostgreSQL.
	DriverSQL Driver = "sql"
	// DriverMemory represents an in-memory implementation typically used in tests.
	DriverMemory Driver = "memory" // in-memory (tests)
	// DriverStack is the composed view over an ordered source stack.
	DriverStack Driver = "stack"
)

// PutOptions specifies optional parameters for Put.
type PutOptions struct {
	ContentType string            // MIME type, optional
	Metadata    map[string]string // User metadata (small, flat key-value)
}

// Info describes a stored blob.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Reader is the read capability every backend provides.
type Reader interface {
	// Head returns metadata only. Missing keys yield ErrNotFound.
	Head(ctx context.Context, key string) (Info, error)
	// Get retrieves contents and metadata. Missing keys yield ErrNotFound.
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	// List returns blobs whose key has the provided prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Info, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	// Driver returns the configured backend driver.
	Driver() Driver
}

// Writer is the optional write capability. Put overwrites existing keys.
type Writer interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	// Delete removes a blob. Returns (false, nil) if not found.
	Delete(ctx context.Context, key string) (bool, error)
}

// Locals is the optional capability to materialize a blob as a local file.
type Locals interface {
	AsLocalPath(ctx context.Context, key string) (string, error)
}

// Watcher is the optional capability to observe external changes. Watch blocks
// until ctx is done, calling onChange with batches of changed keys.
type Watcher interface {
	Watch(ctx context.Context, onChange func(keys []string)) error
}

var (
	// ErrUnsupported is returned when an optional capability is not available.
	ErrUnsupported = errors.New("blobstore: unsupported operation")
	// ErrNotFound is returned for missing keys.
	ErrNotFound = errors.New("blobstore: not found")
	// ErrRead wraps backend failures while reading.
	ErrRead = errors.New("blobstore: read failed")
	// ErrWrite wraps backend failures while writing.
	ErrWrite = errors.New("blobstore: write failed")
)
