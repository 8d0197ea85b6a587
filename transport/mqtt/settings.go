package mqtt

import (
	"fmt"
	"strings"

	"github.com/timzifer/tickset/config"
)

// Driver is the transport.driver value selecting this transport.
const Driver = "mqtt"

const schema = `
#Settings: {
	broker:           string
	client_id?:       string
	prefix?:          string
	qos?:             int & >=0 & <=2
	keep_alive?:      string
	connect_timeout?: string
	auth?: {
		username: string
		password?: string
	}
	tls?: {
		enabled?:              bool
		insecure_skip_verify?: bool
		ca_file?:              string
		cert_file?:            string
		key_file?:             string
		server_name?:          string
	}
	home_assistant?: {
		enabled?:          bool
		discovery_prefix?: string
		manufacturer?:     string
		model?:            string
	}
}
`

func init() {
	if err := config.RegisterDriverSchema(Driver, schema); err != nil {
		panic(err)
	}
}

// Settings describe how the transport reaches its broker and lays out topics.
type Settings struct {
	Broker         string                 `yaml:"broker"`
	ClientID       string                 `yaml:"client_id,omitempty"`
	Prefix         string                 `yaml:"prefix,omitempty"`
	QoS            byte                   `yaml:"qos,omitempty"`
	KeepAlive      *config.Duration       `yaml:"keep_alive,omitempty"`
	ConnectTimeout *config.Duration       `yaml:"connect_timeout,omitempty"`
	Auth           *AuthSettings          `yaml:"auth,omitempty"`
	TLS            *TLSSettings           `yaml:"tls,omitempty"`
	HomeAssistant  *HomeAssistantSettings `yaml:"home_assistant,omitempty"`
}

// AuthSettings capture username/password authentication.
type AuthSettings struct {
	Username string `yaml:"username"`
	Password string `yaml:"password,omitempty"`
}

// TLSSettings allow TLS connections to be configured.
type TLSSettings struct {
	Enabled            bool   `yaml:"enabled"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	ServerName         string `yaml:"server_name,omitempty"`
}

// HomeAssistantSettings enable MQTT discovery announcements while advertising.
type HomeAssistantSettings struct {
	Enabled         bool   `yaml:"enabled"`
	DiscoveryPrefix string `yaml:"discovery_prefix,omitempty"`
	Manufacturer    string `yaml:"manufacturer,omitempty"`
	Model           string `yaml:"model,omitempty"`
}

// DecodeSettings reads the mqtt settings from a transport configuration.
func DecodeSettings(cfg config.TransportConfig) (Settings, error) {
	var settings Settings
	if err := cfg.DecodeSettings(&settings); err != nil {
		return Settings{}, err
	}
	settings.Broker = strings.TrimSpace(settings.Broker)
	if settings.Broker == "" {
		return Settings{}, fmt.Errorf("mqtt: broker address is required")
	}
	if settings.QoS > 2 {
		return Settings{}, fmt.Errorf("mqtt: qos %d out of range", settings.QoS)
	}
	settings.Prefix = strings.Trim(strings.TrimSpace(settings.Prefix), "/")
	if settings.Prefix == "" {
		settings.Prefix = "tickset"
	}
	return settings, nil
}
