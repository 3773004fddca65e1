// Package config reads the store configuration from YAML and the environment.
//
//	store:
//	  dataDir: ./data
//	  readOnly: false
//	  watch: true
//	  replayDelay: 10ms
//	  filter: {entityTypes: [services], ids: [foo]}
//	  sources:
//	    - {type: FS, src: store, mode: RW, content: ALL, watchable: true}
//	values:
//	  entryKeys: {api: buildingBlock}
//	  types:
//	    - {name: codelists, format: yaml}
//
// Environment variables override the file:
//
//	LAYERSTORE_DATA_DIR            store.dataDir
//	LAYERSTORE_STORE_READ_ONLY     store.readOnly (true|false)
//	LAYERSTORE_STORE_WATCH         store.watch (true|false)
//	LAYERSTORE_STORE_REPLAY_DELAY  store.replayDelay (Go duration)
//	LAYERSTORE_METRICS_NAMESPACE   metrics.namespace
//
// S3 connection settings are read by the S3 backend itself (LAYERSTORE_S3_*).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"layerstore/internal/format"
	"layerstore/pkg/domain"
)

// Config is the complete store configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Values  ValuesConfig  `yaml:"values"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StoreConfig configures the source stack and the event store.
type StoreConfig struct {
	DataDir     string               `yaml:"dataDir"`
	ReadOnly    bool                 `yaml:"readOnly"`
	Watch       bool                 `yaml:"watch"`
	ReplayDelay time.Duration        `yaml:"replayDelay"`
	Filter      FilterConfig         `yaml:"filter"`
	Sources     []domain.StoreSource `yaml:"sources"`
}

// FilterConfig restricts the initial load.
type FilterConfig struct {
	EntityTypes []string `yaml:"entityTypes"`
	IDs         []string `yaml:"ids"`
}

// ValuesConfig configures value types and list entry keys.
type ValuesConfig struct {
	EntryKeys map[string]string `yaml:"entryKeys"`
	Types     []ValueType       `yaml:"types"`
}

// ValueType configures one value type.
type ValueType struct {
	Name    string            `yaml:"name"`
	Subdir  string            `yaml:"subdir"`
	Format  string            `yaml:"format"`
	Aliases map[string]string `yaml:"aliases"`
}

// MetricsConfig configures the metric recorders.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// DefaultDataDir is used when no data directory is configured.
const DefaultDataDir = "data"

// DefaultReplayDelay mirrors the event store default.
const DefaultReplayDelay = 10 * time.Millisecond

// Default returns the configuration used without a file.
func Default() Config {
	return Config{
		Store: StoreConfig{
			DataDir:     DefaultDataDir,
			Watch:       true,
			ReplayDelay: DefaultReplayDelay,
		},
		Values: ValuesConfig{
			Types: []ValueType{
				{Name: "codelists", Format: string(format.YAML)},
				{Name: "maplibre-styles", Format: string(format.JSON)},
			},
		},
		Metrics: MetricsConfig{Namespace: "layerstore"},
	}
}

// DefaultSource is the stack used when none is configured: the data directory
// itself, writable and watched.
func DefaultSource() domain.StoreSource {
	return domain.StoreSource{Type: domain.SourceFS, Mode: domain.ModeRW, Content: domain.ContentAll, Watchable: true}
}

// Parse decodes YAML on top of the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Load reads path (defaults only when empty), applies the environment and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304: operator supplied config path
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, err
		}
	}
	cfg, err := cfg.ApplyEnv(os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LAYERSTORE_* variables.
func (c Config) ApplyEnv(lookup func(string) (string, bool)) (Config, error) {
	var errs []error
	if v, ok := lookup("LAYERSTORE_DATA_DIR"); ok && v != "" {
		c.Store.DataDir = v
	}
	if v, ok := lookup("LAYERSTORE_STORE_READ_ONLY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("LAYERSTORE_STORE_READ_ONLY: %w", err))
		}
		c.Store.ReadOnly = b
	}
	if v, ok := lookup("LAYERSTORE_STORE_WATCH"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("LAYERSTORE_STORE_WATCH: %w", err))
		}
		c.Store.Watch = b
	}
	if v, ok := lookup("LAYERSTORE_STORE_REPLAY_DELAY"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("LAYERSTORE_STORE_REPLAY_DELAY: %w", err))
		}
		c.Store.ReplayDelay = d
	}
	if v, ok := lookup("LAYERSTORE_METRICS_NAMESPACE"); ok && v != "" {
		c.Metrics.Namespace = v
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Normalized fills the default stack and normalizes every source.
func (c Config) Normalized() Config {
	if c.Store.DataDir == "" {
		c.Store.DataDir = DefaultDataDir
	}
	if len(c.Store.Sources) == 0 {
		c.Store.Sources = []domain.StoreSource{DefaultSource()}
	}
	sources := make([]domain.StoreSource, len(c.Store.Sources))
	for i, src := range c.Store.Sources {
		sources[i] = src.Normalized()
	}
	c.Store.Sources = sources
	return c
}

var knownTypes = map[string]bool{domain.SourceFS: true, domain.SourceS3: true, domain.SourceSQL: true, domain.SourceMemory: true}

var knownContent = map[domain.Content]bool{
	domain.ContentAll: true, domain.ContentEntities: true, domain.ContentDefaults: true,
	domain.ContentInstances: true, domain.ContentInstancesOld: true, domain.ContentOverrides: true,
	domain.ContentValues: true, domain.ContentResources: true, domain.ContentNone: true,
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Store.ReplayDelay < 0 {
		errs = append(errs, errors.New("store.replayDelay must not be negative"))
	}
	for i, src := range c.Store.Sources {
		src = src.Normalized()
		if !knownTypes[src.Type] {
			errs = append(errs, fmt.Errorf("store.sources[%d]: unknown type %q", i, src.Type))
		}
		if src.Mode != domain.ModeRO && src.Mode != domain.ModeRW {
			errs = append(errs, fmt.Errorf("store.sources[%d]: unknown mode %q", i, src.Mode))
		}
		if !knownContent[src.Content] {
			errs = append(errs, fmt.Errorf("store.sources[%d]: unknown content %q", i, src.Content))
		}
		if src.Type == domain.SourceS3 && !strings.HasPrefix(src.Src, "s3://") {
			errs = append(errs, fmt.Errorf("store.sources[%d]: S3 src must be s3://bucket[/prefix]", i))
		}
	}
	seen := make(map[string]bool)
	for i, vt := range c.Values.Types {
		if vt.Name == "" {
			errs = append(errs, fmt.Errorf("values.types[%d]: missing name", i))
			continue
		}
		if seen[vt.Name] {
			errs = append(errs, fmt.Errorf("values.types[%d]: duplicate type %q", i, vt.Name))
		}
		seen[vt.Name] = true
		if vt.Format != "" {
			if _, ok := format.FromExtension(vt.Format, nil); !ok {
				errs = append(errs, fmt.Errorf("values.types[%d]: unknown format %q", i, vt.Format))
			}
		}
		for ext, f := range vt.Aliases {
			if _, ok := format.FromExtension(f, nil); !ok {
				errs = append(errs, fmt.Errorf("values.types[%d]: alias %q has unknown format %q", i, ext, f))
			}
		}
	}
	return errors.Join(errs...)
}

// StartupFilter builds the event filter of the initial load.
func (c Config) StartupFilter() domain.EventFilter {
	return domain.Restrict(c.Store.Filter.EntityTypes, c.Store.Filter.IDs)
}
