package config

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Validate checks cross references between settings, actions and the device section.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("configuration must not be nil")
	}
	names := make(map[string]SettingConfig, len(c.Settings))
	ids := make(map[uint16]string, len(c.Settings))
	for _, s := range c.Settings {
		if err := ensureIdentifier(s.Name, "setting"); err != nil {
			return err
		}
		if _, ok := names[s.Name]; ok {
			return fmt.Errorf("duplicate setting %q", s.Name)
		}
		if other, ok := ids[s.ID]; ok {
			return fmt.Errorf("setting %q reuses id 0x%04x of %q", s.Name, s.ID, other)
		}
		names[s.Name] = s
		ids[s.ID] = s.Name
	}
	actions := make(map[string]struct{}, len(c.Actions))
	for _, a := range c.Actions {
		if err := ensureIdentifier(a.Name, "action"); err != nil {
			return err
		}
		if _, ok := actions[a.Name]; ok {
			return fmt.Errorf("duplicate action %q", a.Name)
		}
		actions[a.Name] = struct{}{}
		if _, ok := names[a.Setting]; !ok {
			return fmt.Errorf("action %q references unknown setting %q", a.Name, a.Setting)
		}
		if strings.TrimSpace(a.Expression) == "" {
			return fmt.Errorf("action %q: expression must not be empty", a.Name)
		}
		if a.Every.Duration <= 0 {
			return fmt.Errorf("action %q: every must be positive", a.Name)
		}
	}
	if ref := c.Device.NameSetting; ref != "" {
		s, ok := names[ref]
		if !ok {
			return fmt.Errorf("device.name_setting references unknown setting %q", ref)
		}
		if s.Type != "string" && s.Type != "text" {
			return fmt.Errorf("device.name_setting %q must be a string setting", ref)
		}
	}
	return nil
}

func ensureIdentifier(value, kind string) error {
	if value == "" {
		return fmt.Errorf("%s name must not be empty", kind)
	}
	for i, r := range value {
		switch {
		case r == '_' || r == '-':
		case unicode.IsLetter(r):
		case unicode.IsDigit(r) && i > 0:
		default:
			return fmt.Errorf("%s name %q contains invalid character %q", kind, value, r)
		}
	}
	return nil
}
