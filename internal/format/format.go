// Package format detects value formats from file names and converts between
// raw payloads and generic maps.
package format

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format is a supported payload encoding.
type Format string

const (
	YAML Format = "yaml"
	JSON Format = "json"
	TOML Format = "toml"
)

// ErrUnknownFormat is returned for extensions without a codec.
var ErrUnknownFormat = errors.New("format: unknown format")

// ParseError reports a payload that could not be decoded.
type ParseError struct {
	Path   string
	Format Format
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s as %s: %v", e.Path, e.Format, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FromExtension resolves an extension (with or without the leading dot).
// aliases maps additional extensions to a format, e.g. "cfg" -> YAML.
func FromExtension(ext string, aliases map[string]Format) (Format, bool) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	switch ext {
	case "yml", "yaml":
		return YAML, true
	case "json":
		return JSON, true
	case "toml":
		return TOML, true
	}
	if f, ok := aliases[ext]; ok {
		return f, true
	}
	return "", false
}

// FromPath resolves the format of a file name.
func FromPath(p string, aliases map[string]Format) (Format, bool) {
	return FromExtension(path.Ext(p), aliases)
}

// Extension is the file extension written for f.
func (f Format) Extension() string {
	if f == YAML {
		return "yml"
	}
	return string(f)
}

// Decode parses data into a generic map. Empty payloads decode to an empty map.
func Decode(f Format, data []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	var err error
	switch f {
	case YAML:
		err = yaml.Unmarshal(data, &out)
	case JSON:
		err = json.Unmarshal(data, &out)
	case TOML:
		err = toml.Unmarshal(data, &out)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
	if err != nil {
		return nil, &ParseError{Format: f, Err: err}
	}
	if out == nil {
		out = map[string]any{}
	}
	return Normalize(out).(map[string]any), nil
}

// DecodeFile is Decode with the format taken from the file name.
func DecodeFile(p string, data []byte, aliases map[string]Format) (map[string]any, Format, error) {
	f, ok := FromPath(p, aliases)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownFormat, p)
	}
	m, err := Decode(f, data)
	var pe *ParseError
	if errors.As(err, &pe) {
		pe.Path = p
	}
	return m, f, err
}

// Encode serializes a value in format f.
func Encode(f Format, v any) ([]byte, error) {
	switch f {
	case YAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case JSON:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	case TOML:
		return toml.Marshal(v)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
}

// Normalize converts decoder specific shapes into map[string]any, []any,
// int64 for integral numbers and float64 otherwise, so values decoded from
// different formats compare equal.
func Normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = Normalize(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = Normalize(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = Normalize(e)
		}
		return t
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Normalize(e)
		}
		return out
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return Normalize(float64(t))
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	}
	return v
}
