package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultCycle paces the executor loop when no cycle is configured.
const DefaultCycle = 10 * time.Millisecond

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML accepts strings such as "250ms" or "2s". An empty string is zero.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	text := strings.TrimSpace(value.Value)
	if text == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// ModuleReference records which file and module declared an entry.
type ModuleReference struct {
	File        string `json:"file,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// ModuleInclude pulls another file or directory into a configuration. It is
// written either as a bare path or as a mapping with a name and description.
type ModuleInclude struct {
	Path        string `yaml:"path"`
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// UnmarshalYAML decodes both include forms.
func (m *ModuleInclude) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("module include is empty")
	}
	if value.Kind == yaml.ScalarNode {
		*m = ModuleInclude{Path: strings.TrimSpace(value.Value)}
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("module include must be a path or a mapping")
	}
	type plain ModuleInclude
	var decoded plain
	if err := value.Decode(&decoded); err != nil {
		return fmt.Errorf("decode module include: %w", err)
	}
	decoded.Path = strings.TrimSpace(decoded.Path)
	if decoded.Path == "" {
		return fmt.Errorf("module include missing path")
	}
	*m = ModuleInclude(decoded)
	return nil
}

// SettingConfig declares a typed setting.
type SettingConfig struct {
	Name        string          `yaml:"name"`
	ID          uint16          `yaml:"id"`
	Type        string          `yaml:"type"`
	Default     interface{}     `yaml:"default,omitempty"`
	Description string          `yaml:"description,omitempty"`
	Source      ModuleReference `yaml:"-"`
}

// ActionConfig declares a repeating transform applied to a setting.
type ActionConfig struct {
	Name       string          `yaml:"name"`
	Every      Duration        `yaml:"every"`
	Setting    string          `yaml:"setting"`
	Expression string          `yaml:"expression"`
	Source     ModuleReference `yaml:"-"`
}

// DeviceConfig describes how the device presents itself to peers.
type DeviceConfig struct {
	Name        string `yaml:"name,omitempty"`
	NameSetting string `yaml:"name_setting,omitempty"`
	ServiceUUID string `yaml:"service_uuid,omitempty"`
	PushAll     bool   `yaml:"push_all,omitempty"`
}

// TransportConfig selects the transport driver. Settings are decoded by the driver.
type TransportConfig struct {
	Driver   string    `yaml:"driver"`
	Settings yaml.Node `yaml:"settings,omitempty"`
}

// DecodeSettings decodes the driver settings into out. Missing settings leave out untouched.
func (t TransportConfig) DecodeSettings(out interface{}) error {
	if t.Settings.Kind == 0 {
		return nil
	}
	if err := t.Settings.Decode(out); err != nil {
		return fmt.Errorf("decode %s transport settings: %w", t.Driver, err)
	}
	return nil
}

// LokiConfig configures optional log shipping to Grafana Loki.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig configures the service logger.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// InspectConfig configures the HTTP inspection server.
type InspectConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// Config is the root configuration structure for the daemon.
type Config struct {
	Name        string          `yaml:"name,omitempty"`
	Description string          `yaml:"description,omitempty"`
	Cycle       Duration        `yaml:"cycle"`
	Logging     LoggingConfig   `yaml:"logging"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Device      DeviceConfig    `yaml:"device"`
	Transport   TransportConfig `yaml:"transport"`
	Inspect     InspectConfig   `yaml:"inspect"`
	Modules     []ModuleInclude `yaml:"modules"`
	Settings    []SettingConfig `yaml:"settings"`
	Actions     []ActionConfig  `yaml:"actions"`
	HotReload   bool            `yaml:"hot_reload,omitempty"`
	Source      ModuleReference `yaml:"-"`

	inputs []string
}

// CycleInterval returns the configured executor cycle duration.
func (c *Config) CycleInterval() time.Duration {
	if c == nil || c.Cycle.Duration <= 0 {
		return DefaultCycle
	}
	return c.Cycle.Duration
}
