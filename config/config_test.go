package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadDecodesSettingsAndActions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `name: test
cycle: 20ms
logging:
  level: debug
  format: text
device:
  name: test
  push_all: true
transport:
  driver: memory
settings:
  - name: int
    id: 0
    type: int
    default: 10
  - name: float
    id: 1
    type: float
    default: 0.5
  - name: string
    id: 4
    type: string
    default: "123"
actions:
  - name: bump-int
    every: 2s
    setting: int
    expression: value + 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "test", cfg.Name)
	require.Equal(t, 20*time.Millisecond, cfg.CycleInterval())
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Device.PushAll)
	require.Equal(t, "memory", cfg.Transport.Driver)
	require.Len(t, cfg.Settings, 3)
	require.Equal(t, uint16(4), cfg.Settings[2].ID)
	require.Equal(t, 10, cfg.Settings[0].Default)
	require.Equal(t, 0.5, cfg.Settings[1].Default)
	require.Equal(t, "123", cfg.Settings[2].Default)
	require.Len(t, cfg.Actions, 1)
	require.Equal(t, 2*time.Second, cfg.Actions[0].Every.Duration)
	require.Equal(t, path, cfg.Actions[0].Source.File)
}

func TestCycleIntervalDefault(t *testing.T) {
	var cfg *Config
	require.Equal(t, DefaultCycle, cfg.CycleInterval())
	require.Equal(t, DefaultCycle, (&Config{}).CycleInterval())
}

func TestLoadModules(t *testing.T) {
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "config.yaml")
	modulePath := filepath.Join(dir, "module.yaml")

	writeFile(t, modulePath, `settings:
  - name: extra
    id: 7
    type: bool
    default: true
`)
	writeFile(t, mainPath, `cycle: 1s
modules:
  - path: module.yaml
    name: extras
settings:
  - name: base
    id: 1
    type: double
`)

	cfg, err := Load(mainPath)
	require.NoError(t, err)
	require.Len(t, cfg.Settings, 2)
	require.Equal(t, "extra", cfg.Settings[1].Name)
	require.Equal(t, "extras", cfg.Settings[1].Source.Name)
	require.Equal(t, modulePath, cfg.Settings[1].Source.File)

	require.Equal(t, []string{mainPath, modulePath}, cfg.Inputs())
}

func TestLoadDirectoryMergesFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), `settings:
  - name: first
    id: 1
    type: int
`)
	writeFile(t, filepath.Join(dir, "b.yml"), `settings:
  - name: second
    id: 2
    type: string
`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, cfg.Settings, 2)
	require.Equal(t, "first", cfg.Settings[0].Name)
	require.Equal(t, "second", cfg.Settings[1].Name)
	require.Equal(t, []string{dir, filepath.Join(dir, "a.yaml"), filepath.Join(dir, "b.yml")}, cfg.Inputs())
}

func TestInputsFallBackToEntrySources(t *testing.T) {
	cfg := &Config{
		Source:   ModuleReference{File: "/etc/tickset/b.yaml"},
		Settings: []SettingConfig{{Source: ModuleReference{File: "/etc/tickset/a.yaml"}}},
		Actions:  []ActionConfig{{Source: ModuleReference{File: "/etc/tickset/b.yaml"}}},
	}
	require.Equal(t, []string{"/etc/tickset/a.yaml", "/etc/tickset/b.yaml"}, cfg.Inputs())

	var empty *Config
	require.Nil(t, empty.Inputs())
}

func TestModuleIncludeForms(t *testing.T) {
	var cfg struct {
		Modules []ModuleInclude `yaml:"modules"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("modules:\n  - extra.yaml\n  - path: more\n    name: more\n"), &cfg))
	require.Equal(t, []ModuleInclude{{Path: "extra.yaml"}, {Path: "more", Name: "more"}}, cfg.Modules)

	require.Error(t, yaml.Unmarshal([]byte("modules:\n  - name: nameless\n"), &cfg))
	require.Error(t, yaml.Unmarshal([]byte("modules:\n  - [a, b]\n"), &cfg))
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "modules:\n  - b.yaml\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "modules:\n  - a.yaml\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.ErrorContains(t, err, "include cycle")
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"unknown field": "unknown: true\n",
		"bad type":      "settings:\n  - name: x\n    id: 1\n    type: complex\n",
		"id range":      "settings:\n  - name: x\n    id: 70000\n    type: int\n",
		"bad duration":  "cycle: soon\n",
		"missing expr":  "actions:\n  - name: a\n    every: 1s\n    setting: x\n",
	}
	for name, content := range cases {
		path := filepath.Join(t.TempDir(), "config.yaml")
		writeFile(t, path, content)
		_, err := Load(path)
		require.Error(t, err, name)
	}
}

func TestValidateCrossReferences(t *testing.T) {
	base := func() *Config {
		return &Config{
			Settings: []SettingConfig{
				{Name: "int", ID: 0, Type: "int"},
				{Name: "name", ID: 9, Type: "string"},
			},
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Settings = append(cfg.Settings, SettingConfig{Name: "int", ID: 3, Type: "int"})
	require.ErrorContains(t, cfg.Validate(), "duplicate setting")

	cfg = base()
	cfg.Settings = append(cfg.Settings, SettingConfig{Name: "other", ID: 0, Type: "int"})
	require.ErrorContains(t, cfg.Validate(), "reuses id 0x0000")

	cfg = base()
	cfg.Actions = []ActionConfig{{Name: "a", Every: Duration{time.Second}, Setting: "missing", Expression: "value"}}
	require.ErrorContains(t, cfg.Validate(), "unknown setting")

	cfg = base()
	cfg.Actions = []ActionConfig{{Name: "a", Setting: "int", Expression: "value"}}
	require.ErrorContains(t, cfg.Validate(), "every must be positive")

	cfg = base()
	cfg.Device.NameSetting = "int"
	require.ErrorContains(t, cfg.Validate(), "must be a string setting")

	cfg = base()
	cfg.Device.NameSetting = "name"
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Settings[0].Name = "bad name"
	require.ErrorContains(t, cfg.Validate(), "invalid character")
}

func TestDriverSchemaValidatesSettings(t *testing.T) {
	require.NoError(t, RegisterDriverSchema("schema-test", `#Settings: {
	listen: string
	port?: int
}`))
	require.Error(t, RegisterDriverSchema("schema-test", "#Settings: _"))

	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.yaml")
	writeFile(t, valid, `transport:
  driver: schema-test
  settings:
    listen: ":1"
    port: 3
`)
	cfg, err := Load(valid)
	require.NoError(t, err)

	var decoded struct {
		Listen string `yaml:"listen"`
		Port   int    `yaml:"port"`
	}
	require.NoError(t, cfg.Transport.DecodeSettings(&decoded))
	require.Equal(t, ":1", decoded.Listen)
	require.Equal(t, 3, decoded.Port)

	invalid := filepath.Join(dir, "invalid.yaml")
	writeFile(t, invalid, `transport:
  driver: schema-test
  settings:
    port: "three"
`)
	_, err = Load(invalid)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "transport.settings"), err.Error())
}

func TestDurationYAMLRoundTrip(t *testing.T) {
	d := Duration{Duration: 1500 * time.Millisecond}
	out, err := d.MarshalYAML()
	require.NoError(t, err)
	require.Equal(t, "1.5s", out)
}
