package mqtt

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/tickset/config"
)

func TestPahoOptionsForSession(t *testing.T) {
	settings := Settings{Broker: "tcp://127.0.0.1:1883", Auth: &AuthSettings{Username: "user", Password: "secret"}}
	opts, err := settings.pahoOptions(session{clientID: "tickset-lab", will: "tickset/lab/availability", qos: 1}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, "tickset-lab", opts.ClientID)
	require.True(t, opts.WillEnabled)
	require.Equal(t, "tickset/lab/availability", opts.WillTopic)
	require.Equal(t, []byte(availabilityOffline), opts.WillPayload)
	require.True(t, opts.WillRetained)
	require.Equal(t, defaultConnectTimeout, opts.ConnectTimeout)
	require.Equal(t, "user", opts.Username)

	settings.ClientID = "fixed"
	settings.ConnectTimeout = &config.Duration{Duration: time.Second}
	opts, err = settings.pahoOptions(session{clientID: "tickset-lab"}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, "fixed", opts.ClientID)
	require.False(t, opts.WillEnabled)
	require.Equal(t, time.Second, opts.ConnectTimeout)
}

func TestTLSClientConfig(t *testing.T) {
	cfg, err := TLSSettings{Enabled: true, ServerName: "broker.local"}.clientConfig()
	require.NoError(t, err)
	require.Equal(t, "broker.local", cfg.ServerName)

	_, err = TLSSettings{Enabled: true, CertFile: "client.pem"}.clientConfig()
	require.ErrorContains(t, err, "must be set together")

	_, err = TLSSettings{Enabled: true, CAFile: filepath.Join(t.TempDir(), "missing.pem")}.clientConfig()
	require.ErrorContains(t, err, "read ca file")

	_, err = Settings{Broker: "tcp://x:1", TLS: &TLSSettings{Enabled: true, KeyFile: "k.pem"}}.pahoOptions(session{}, zerolog.Nop())
	require.Error(t, err)
}
