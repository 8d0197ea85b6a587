package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/timzifer/tickset/config"
	"github.com/timzifer/tickset/transport/bluez"
	"github.com/timzifer/tickset/transport/tcp"
)

const demoEvery = 2 * time.Second

// demoConfig reproduces the reference device: five settings mutated every
// two seconds.
func demoConfig(driver, listen string) (*config.Config, error) {
	every := config.Duration{Duration: demoEvery}
	cfg := &config.Config{
		Name:    "tickset-demo",
		Logging: config.LoggingConfig{Level: "info"},
		Settings: []config.SettingConfig{
			{Name: "int", ID: 0x0000, Type: "int", Default: 10},
			{Name: "float", ID: 0x0001, Type: "float", Default: 0.5},
			{Name: "double", ID: 0x0002, Type: "double", Default: 10.0},
			{Name: "bool", ID: 0x0003, Type: "bool", Default: true},
			{Name: "string", ID: 0x0004, Type: "string", Default: "123"},
		},
		Actions: []config.ActionConfig{
			{Name: "bump_int", Every: every, Setting: "int", Expression: "value + 5"},
			{Name: "bump_float", Every: every, Setting: "float", Expression: "value + 0.35"},
			{Name: "bump_double", Every: every, Setting: "double", Expression: "value + 0.35"},
			{Name: "toggle_bool", Every: every, Setting: "bool", Expression: "!value"},
			{Name: "bump_string", Every: every, Setting: "string", Expression: "str(atoi(value) + 1)"},
		},
	}

	switch driver = strings.ToLower(strings.TrimSpace(driver)); driver {
	case "", "memory":
	case tcp.Driver:
		cfg.Transport.Driver = tcp.Driver
		if err := cfg.Transport.Settings.Encode(tcp.Settings{Listen: listen, MDNS: true}); err != nil {
			return nil, fmt.Errorf("encode demo transport settings: %w", err)
		}
	case bluez.Driver:
		cfg.Transport.Driver = bluez.Driver
	default:
		return nil, fmt.Errorf("demo supports the memory, tcp and bluez transports, not %q", driver)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
