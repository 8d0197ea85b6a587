package tcp

import (
	"strings"

	"github.com/timzifer/tickset/config"
)

// Driver is the transport.driver value selecting this transport.
const Driver = "tcp"

// DefaultListen is used when no listen address is configured.
const DefaultListen = ":7420"

const schema = `
#Settings: {
	listen?:    string
	mdns?:      bool
	interface?: string
}
`

func init() {
	if err := config.RegisterDriverSchema(Driver, schema); err != nil {
		panic(err)
	}
}

// Settings configure the listening socket and mDNS advertising.
type Settings struct {
	Listen    string `yaml:"listen,omitempty"`
	MDNS      bool   `yaml:"mdns,omitempty"`
	Interface string `yaml:"interface,omitempty"`
}

// DecodeSettings reads the tcp settings from a transport configuration.
func DecodeSettings(cfg config.TransportConfig) (Settings, error) {
	var settings Settings
	if err := cfg.DecodeSettings(&settings); err != nil {
		return Settings{}, err
	}
	settings.Listen = strings.TrimSpace(settings.Listen)
	if settings.Listen == "" {
		settings.Listen = DefaultListen
	}
	return settings, nil
}
