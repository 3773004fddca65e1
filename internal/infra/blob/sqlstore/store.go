// Package sqlstore implements the blob capabilities on a single table in SQLite or
// PostgreSQL.
package sqlstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"layerstore/internal/blob/core"
)

// Dialect selects the SQL flavour.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const defaultSQLitePath = "layerstore.db"

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store keeps every blob as one row of the blobs table.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open parses src and opens the matching database. Accepted forms are
// "postgres://...", "postgresql://...", "sqlite://<path>" and a bare file path
// which is treated as SQLite.
func Open(ctx context.Context, src string) (*Store, error) {
	dialect, dsn := ParseSource(src)
	return New(ctx, dialect, dsn)
}

// ParseSource splits a source string into dialect and driver DSN.
func ParseSource(src string) (Dialect, string) {
	switch {
	case strings.HasPrefix(src, "postgres://"), strings.HasPrefix(src, "postgresql://"):
		return DialectPostgres, src
	case strings.HasPrefix(src, "sqlite://"):
		return DialectSQLite, strings.TrimPrefix(src, "sqlite://")
	default:
		return DialectSQLite, src
	}
}

// New opens the database for dialect and ensures the blobs table exists.
func New(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	driverName := "sqlite"
	switch dialect {
	case DialectSQLite:
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	case DialectPostgres:
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("unknown sql dialect %q", dialect)
	}
	openMu.Lock()
	db, err := sqlOpen(driverName, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	s := &Store{db: db, dialect: dialect, now: time.Now}
	if err := s.ensureTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Driver() core.Driver { return core.DriverSQL }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) ensureTable(ctx context.Context) error {
	payloadType := "BLOB"
	if s.dialect == DialectPostgres {
		payloadType = "BYTEA"
	}
	ddl := `CREATE TABLE IF NOT EXISTS blobs (
		blob_key TEXT PRIMARY KEY,
		payload ` + payloadType + ` NOT NULL,
		size BIGINT NOT NULL,
		etag TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure blobs table: %w", err)
	}
	return nil
}

// bind rewrites ? placeholders to $n for postgres.
func (s *Store) bind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Put upserts the row for key.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	if strings.TrimSpace(key) == "" {
		return core.Info{}, fmt.Errorf("empty key")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return core.Info{}, err
	}
	sum := sha256.Sum256(data)
	info := core.Info{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  opts.ContentType,
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: s.now().UTC(),
	}
	q := s.bind(`INSERT INTO blobs(blob_key, payload, size, etag, content_type, updated_at) VALUES(?,?,?,?,?,?)
		ON CONFLICT(blob_key) DO UPDATE SET payload=excluded.payload, size=excluded.size, etag=excluded.etag,
		content_type=excluded.content_type, updated_at=excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, q, key, data, info.Size, info.ETag, info.ContentType, info.LastModified.UnixNano()); err != nil {
		return core.Info{}, fmt.Errorf("upsert %s: %w", key, err)
	}
	return info, nil
}

func (s *Store) Get(ctx context.Context, key string) (core.Info, io.ReadCloser, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT size, etag, content_type, updated_at, payload FROM blobs WHERE blob_key = ?`), key)
	var (
		info    = core.Info{Key: key}
		updated int64
		payload []byte
	)
	if err := row.Scan(&info.Size, &info.ETag, &info.ContentType, &updated, &payload); err != nil {
		return core.Info{}, nil, mapErr(key, err)
	}
	info.LastModified = time.Unix(0, updated).UTC()
	return info, io.NopCloser(bytes.NewReader(payload)), nil
}

func (s *Store) Head(ctx context.Context, key string) (core.Info, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT size, etag, content_type, updated_at FROM blobs WHERE blob_key = ?`), key)
	info := core.Info{Key: key}
	var updated int64
	if err := row.Scan(&info.Size, &info.ETag, &info.ContentType, &updated); err != nil {
		return core.Info{}, mapErr(key, err)
	}
	info.LastModified = time.Unix(0, updated).UTC()
	return info, nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM blobs WHERE blob_key = ?`), key)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	q := `SELECT blob_key, size, etag, content_type, updated_at FROM blobs`
	var args []any
	if prefix != "" {
		q += ` WHERE substr(blob_key, 1, ?) = ?`
		args = append(args, utf8.RuneCountInString(prefix), prefix)
	}
	q += ` ORDER BY blob_key`
	rows, err := s.db.QueryContext(ctx, s.bind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()
	var infos []core.Info
	for rows.Next() {
		var info core.Info
		var updated int64
		if err := rows.Scan(&info.Key, &info.Size, &info.ETag, &info.ContentType, &updated); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		info.LastModified = time.Unix(0, updated).UTC()
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blobs: %w", err)
	}
	return infos, nil
}

func mapErr(key string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", key, core.ErrNotFound)
	}
	return err
}
