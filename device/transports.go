package device

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/timzifer/tickset/bridge"
	"github.com/timzifer/tickset/config"
	"github.com/timzifer/tickset/transport/bluez"
	"github.com/timzifer/tickset/transport/memory"
	"github.com/timzifer/tickset/transport/mqtt"
	"github.com/timzifer/tickset/transport/tcp"
)

// DefaultDriver is used when the configuration names no transport driver.
const DefaultDriver = "memory"

// TransportFactory builds a transport from its configuration block.
type TransportFactory func(cfg config.TransportConfig, logger zerolog.Logger) (bridge.Transport, error)

func builtinTransports() map[string]TransportFactory {
	return map[string]TransportFactory{
		"memory": func(config.TransportConfig, zerolog.Logger) (bridge.Transport, error) {
			return memory.New(), nil
		},
		mqtt.Driver: func(cfg config.TransportConfig, logger zerolog.Logger) (bridge.Transport, error) {
			settings, err := mqtt.DecodeSettings(cfg)
			if err != nil {
				return nil, err
			}
			return mqtt.New(settings, logger), nil
		},
		bluez.Driver: func(cfg config.TransportConfig, logger zerolog.Logger) (bridge.Transport, error) {
			settings, err := bluez.DecodeSettings(cfg)
			if err != nil {
				return nil, err
			}
			return bluez.New(settings, logger), nil
		},
		tcp.Driver: func(cfg config.TransportConfig, logger zerolog.Logger) (bridge.Transport, error) {
			settings, err := tcp.DecodeSettings(cfg)
			if err != nil {
				return nil, err
			}
			return tcp.New(settings, logger), nil
		},
	}
}

func driverName(cfg config.TransportConfig) string {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		return DefaultDriver
	}
	return driver
}

func buildTransport(factories map[string]TransportFactory, cfg config.TransportConfig, logger zerolog.Logger) (bridge.Transport, error) {
	driver := driverName(cfg)
	factory, ok := factories[driver]
	if !ok {
		return nil, fmt.Errorf("unknown transport driver %q", driver)
	}
	transport, err := factory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("transport %s: %w", driver, err)
	}
	return transport, nil
}
