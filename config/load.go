package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, validates and decodes the configuration at path. Directories
// are loaded file by file in lexical order.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	l := &loader{active: make(map[string]bool)}
	cfg, err := l.load(abs)
	if err != nil {
		return nil, err
	}
	cfg.inputs = l.inputs
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	return cfg, nil
}

// loader follows module includes. active holds the chain currently being
// loaded so that a file including itself is reported instead of recursing.
type loader struct {
	active map[string]bool
	inputs []string
}

func (l *loader) load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config path: %w", err)
	}
	if l.active[path] {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	l.active[path] = true
	defer delete(l.active, path)
	l.inputs = append(l.inputs, path)

	if info.IsDir() {
		return l.directory(path)
	}
	return l.document(path)
}

func (l *loader) directory(dir string) (*Config, error) {
	names, err := yamlFiles(dir)
	if err != nil {
		return nil, err
	}
	merged := &Config{}
	merged.stamp(ModuleReference{File: dir}, false)
	for _, name := range names {
		part, err := l.load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		merged.absorb(part)
	}
	return merged, nil
}

func (l *loader) document(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	if len(doc.Content) == 0 || doc.Content[0] == nil {
		return nil, fmt.Errorf("config %s is empty", path)
	}
	if doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config %s: top-level YAML document must be a mapping", path)
	}
	if err := ValidateDocument(path, raw); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := doc.Content[0].Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.stamp(ModuleReference{File: path, Name: cfg.Name, Description: cfg.Description}, false)

	includes := cfg.Modules
	cfg.Modules = nil
	for _, include := range includes {
		if include.Path == "" {
			continue
		}
		target := include.Path
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		child, err := l.load(target)
		if err != nil {
			return nil, fmt.Errorf("load module %s: %w", include.Path, err)
		}
		child.stamp(ModuleReference{
			Name:        firstNonEmpty(include.Name, child.Source.Name),
			Description: firstNonEmpty(include.Description, child.Source.Description),
		}, true)
		cfg.absorb(child)
	}
	return cfg, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// stamp records ref as the origin of the config and every entry in it. With
// replace set, the non-empty fields of ref win; otherwise ref only fills gaps.
func (c *Config) stamp(ref ModuleReference, replace bool) {
	apply := func(dst *ModuleReference) {
		set := func(field *string, value string) {
			if value != "" && (replace || *field == "") {
				*field = value
			}
		}
		set(&dst.File, ref.File)
		set(&dst.Name, ref.Name)
		set(&dst.Description, ref.Description)
	}
	apply(&c.Source)
	for i := range c.Settings {
		apply(&c.Settings[i].Source)
	}
	for i := range c.Actions {
		apply(&c.Actions[i].Source)
	}
}

// absorb merges src into c. Scalar sections from src override when set,
// settings and actions are appended.
func (c *Config) absorb(src *Config) {
	if src == nil {
		return
	}
	c.Name = firstNonEmpty(c.Name, src.Name)
	if src.Cycle.Duration != 0 {
		c.Cycle = src.Cycle
	}
	c.Logging.Level = firstNonEmpty(src.Logging.Level, c.Logging.Level)
	c.Logging.Format = firstNonEmpty(src.Logging.Format, c.Logging.Format)
	if loki := src.Logging.Loki; loki.Enabled || loki.URL != "" || len(loki.Labels) > 0 {
		c.Logging.Loki = loki
	}
	if src.Telemetry != (TelemetryConfig{}) {
		c.Telemetry = src.Telemetry
	}
	if src.Device != (DeviceConfig{}) {
		c.Device = src.Device
	}
	if src.Transport.Driver != "" {
		c.Transport = src.Transport
	}
	if src.Inspect != (InspectConfig{}) {
		c.Inspect = src.Inspect
	}
	c.HotReload = c.HotReload || src.HotReload
	c.Settings = append(c.Settings, src.Settings...)
	c.Actions = append(c.Actions, src.Actions...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
