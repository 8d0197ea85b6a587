package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const defaultConnectTimeout = 30 * time.Second

// session describes the broker session of one device: who connects and what
// the broker announces when the device drops off.
type session struct {
	clientID string
	will     string
	qos      byte
}

// pahoOptions builds client options for a device session. Connection
// handlers are attached by the caller.
func (s Settings) pahoOptions(sess session, logger zerolog.Logger) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().
		AddBroker(s.Broker).
		SetClientID(firstSet(s.ClientID, sess.clientID)).
		SetConnectTimeout(s.connectTimeout()).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
			logger.Info().Msg("mqtt: reconnecting")
		})
	if sess.will != "" {
		opts.SetWill(sess.will, availabilityOffline, sess.qos, true)
	}
	if s.KeepAlive != nil && s.KeepAlive.Duration > 0 {
		opts.SetKeepAlive(s.KeepAlive.Duration)
	}
	if s.Auth != nil {
		opts.SetUsername(s.Auth.Username).SetPassword(s.Auth.Password)
	}
	if s.TLS != nil && s.TLS.Enabled {
		tlsConfig, err := s.TLS.clientConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

func (s Settings) connectTimeout() time.Duration {
	if s.ConnectTimeout != nil && s.ConnectTimeout.Duration > 0 {
		return s.ConnectTimeout.Duration
	}
	return defaultConnectTimeout
}

// clientConfig loads the CA pool and client certificate named by the settings.
func (s TLSSettings) clientConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: s.InsecureSkipVerify,
		ServerName:         s.ServerName,
	}
	if s.CAFile != "" {
		pem, err := os.ReadFile(s.CAFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: read ca file: %w", err)
		}
		cfg.RootCAs = x509.NewCertPool()
		if !cfg.RootCAs.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("mqtt: parse ca file %s", s.CAFile)
		}
	}
	switch {
	case s.CertFile != "" && s.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	case s.CertFile != "" || s.KeyFile != "":
		return nil, fmt.Errorf("mqtt: cert_file and key_file must be set together")
	}
	return cfg, nil
}

// await waits for token and labels failures with what was attempted.
func await(token paho.Token, timeout time.Duration, what string) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt: %s timed out after %s", what, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: %s: %w", what, err)
	}
	return nil
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
