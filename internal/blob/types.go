// Package blob composes backend capabilities into Store views and composes an
// ordered source stack into one namespace per content kind.
package blob

import (
	"layerstore/internal/blob/core"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverSQL is the SQL table driver.
	DriverSQL = core.DriverSQL
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
	// DriverStack is the composed source stack.
	DriverStack = core.DriverStack
)

var (
	// ErrUnsupported indicates a capability the view does not have.
	ErrUnsupported = core.ErrUnsupported
	// ErrNotFound indicates a missing blob.
	ErrNotFound = core.ErrNotFound
	// ErrRead wraps backend read failures.
	ErrRead = core.ErrRead
	// ErrWrite wraps backend write failures.
	ErrWrite = core.ErrWrite
)

// Attributes describe a walked path for a Matcher.
type Attributes struct {
	IsValue  bool // a blob, not a synthesized directory
	IsHidden bool // some segment starts with a dot
}

// Matcher decides whether a walked path is yielded.
type Matcher func(p string, attrs Attributes) bool

// Values matches every visible blob.
func Values(_ string, attrs Attributes) bool { return attrs.IsValue && !attrs.IsHidden }
