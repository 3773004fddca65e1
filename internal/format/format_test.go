package format

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestFromExtension(t *testing.T) {
	aliases := map[string]Format{"cfg": YAML}
	cases := map[string]Format{".yml": YAML, "YAML": YAML, "json": JSON, ".toml": TOML, "cfg": YAML}
	for ext, want := range cases {
		got, ok := FromExtension(ext, aliases)
		if !ok || got != want {
			t.Fatalf("%s: got %q %v", ext, got, ok)
		}
	}
	if _, ok := FromPath("maps/readme.md", aliases); ok {
		t.Fatalf("markdown is not a value format")
	}
	if YAML.Extension() != "yml" || JSON.Extension() != "json" {
		t.Fatalf("unexpected extensions")
	}
}

func TestDecodeNormalizesAcrossFormats(t *testing.T) {
	fromYAML, err := Decode(YAML, []byte("a: 1\nb:\n  c: [x, y]\nd: 1.5\n"))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	fromJSON, err := Decode(JSON, []byte(`{"a": 1, "b": {"c": ["x", "y"]}, "d": 1.5}`))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	fromTOML, err := Decode(TOML, []byte("a = 1\nd = 1.5\n[b]\nc = [\"x\", \"y\"]\n"))
	if err != nil {
		t.Fatalf("toml: %v", err)
	}
	if !reflect.DeepEqual(fromYAML, fromJSON) || !reflect.DeepEqual(fromJSON, fromTOML) {
		t.Fatalf("formats disagree:\n%#v\n%#v\n%#v", fromYAML, fromJSON, fromTOML)
	}
	empty, err := Decode(YAML, []byte("  \n"))
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty payload: %v %v", empty, err)
	}
}

func TestDecodeFileErrors(t *testing.T) {
	_, _, err := DecodeFile("services/foo.yml", []byte("a: [unclosed"), nil)
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Path != "services/foo.yml" || pe.Format != YAML {
		t.Fatalf("expected parse error with path, got %v", err)
	}
	if _, _, err := DecodeFile("services/foo.txt", nil, nil); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected unknown format, got %v", err)
	}
	if _, err := Decode(Format("xml"), []byte("<a/>")); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected unknown format, got %v", err)
	}
}

func TestEncodeWritesDefaultLayouts(t *testing.T) {
	in := map[string]any{"a": int64(2), "b": map[string]any{"c": []any{"x"}}}
	y, err := Encode(YAML, in)
	if err != nil || !strings.HasPrefix(string(y), "a: 2\nb:\n  c:\n") {
		t.Fatalf("yaml: %q %v", y, err)
	}
	j, err := Encode(JSON, map[string]any{"a": int64(2)})
	if err != nil || string(j) != "{\n  \"a\": 2\n}\n" {
		t.Fatalf("json: %q %v", j, err)
	}
	if _, err := Encode(Format("xml"), in); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected unknown format")
	}
}
