package bluez

import (
	"strings"

	"github.com/timzifer/tickset/config"
)

// Driver is the transport.driver value selecting this transport.
const Driver = "bluez"

// DefaultAdapter is used when no adapter is configured.
const DefaultAdapter = "hci0"

const schema = `
#Settings: {
	adapter?:    =~"^hci[0-9]+$"
	local_name?: string
}
`

func init() {
	if err := config.RegisterDriverSchema(Driver, schema); err != nil {
		panic(err)
	}
}

// Settings select the Bluetooth adapter the GATT application is registered on.
type Settings struct {
	Adapter string `yaml:"adapter,omitempty"`
	// LocalName overrides the advertised name; the device name is used otherwise.
	LocalName string `yaml:"local_name,omitempty"`
}

// DecodeSettings reads the bluez settings from a transport configuration.
func DecodeSettings(cfg config.TransportConfig) (Settings, error) {
	var settings Settings
	if err := cfg.DecodeSettings(&settings); err != nil {
		return Settings{}, err
	}
	settings.Adapter = strings.TrimSpace(settings.Adapter)
	if settings.Adapter == "" {
		settings.Adapter = DefaultAdapter
	}
	settings.LocalName = strings.TrimSpace(settings.LocalName)
	return settings, nil
}
