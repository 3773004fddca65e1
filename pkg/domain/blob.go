package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"mime"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"
)

// DefaultContentType is reported when neither the name nor the content say more.
const DefaultContentType = "application/octet-stream"

var knownContentTypes = map[string]string{
	".yml":  "application/yaml",
	".yaml": "application/yaml",
	".json": "application/json",
	".toml": "application/toml",
}

// Blob is an immutable snapshot of a stored object. Content, ETag and
// ContentType are computed on first use; the content supplier runs at most once.
type Blob struct {
	path         string
	size         int64
	lastModified time.Time
	supplier     func() ([]byte, error)

	contentOnce sync.Once
	content     []byte
	contentErr  error

	etagOnce sync.Once
	etag     string
	etagErr  error

	typeOnce    sync.Once
	contentType string
}

// NewBlob builds a snapshot. etag may be empty, in which case it is derived from the content.
func NewBlob(p string, size int64, lastModified time.Time, etag string, supplier func() ([]byte, error)) *Blob {
	return &Blob{path: p, size: size, lastModified: lastModified, etag: etag, supplier: supplier}
}

func (b *Blob) Path() string            { return b.path }
func (b *Blob) Size() int64             { return b.size }
func (b *Blob) LastModified() time.Time { return b.lastModified }

// Content returns the blob bytes, reading them from the supplier once.
func (b *Blob) Content() ([]byte, error) {
	b.contentOnce.Do(func() {
		if b.supplier == nil {
			return
		}
		b.content, b.contentErr = b.supplier()
	})
	return b.content, b.contentErr
}

// ETag returns the precomputed tag or the sha256 of the content.
func (b *Blob) ETag() (string, error) {
	b.etagOnce.Do(func() {
		if b.etag != "" {
			return
		}
		content, err := b.Content()
		if err != nil {
			b.etagErr = err
			return
		}
		sum := sha256.Sum256(content)
		b.etag = hex.EncodeToString(sum[:])
	})
	return b.etag, b.etagErr
}

// ContentType guesses from the file name, then sniffs the content.
func (b *Blob) ContentType() string {
	b.typeOnce.Do(func() {
		b.contentType = GuessContentType(b.path, func() []byte {
			content, _ := b.Content()
			return content
		})
	})
	return b.contentType
}

// GuessContentType resolves a MIME type by extension, then by sniffing head().
func GuessContentType(name string, head func() []byte) string {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := knownContentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ext != "" && ct != "" {
		return ct
	}
	if head != nil {
		if content := head(); len(content) > 0 {
			return http.DetectContentType(content)
		}
	}
	return DefaultContentType
}
