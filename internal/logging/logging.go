// Package logging builds the zerolog logger used by the daemon, optionally
// shipping every entry to Grafana Loki as well.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/timzifer/tickset/config"
)

// DefaultApp labels Loki streams when no labels are configured.
const DefaultApp = "tickset"

// Setup creates a logger for cfg writing to stdout. The returned cleanup
// flushes and stops the Loki client when one was started.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, func(), error) {
	return build(cfg, os.Stdout)
}

func build(cfg config.LoggingConfig, out io.Writer) (zerolog.Logger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}
	var sink io.Writer = out
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "text") {
		sink = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: out != os.Stdout}
	}
	stop := func() {}
	if cfg.Loki.Enabled {
		shipper, err := dialLoki(cfg.Loki)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		sink = zerolog.MultiLevelWriter(sink, shipper)
		stop = shipper.stop
	}
	return zerolog.New(sink).Level(level).With().Timestamp().Logger(), stop, nil
}

func parseLevel(raw string) (zerolog.Level, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(raw)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

// handler is the part of the Loki client the shipper needs.
type handler interface {
	Handle(labels model.LabelSet, at time.Time, line string) error
	Stop()
}

// shipper forwards log lines to Loki, one stream per level.
type shipper struct {
	client handler
	base   model.LabelSet

	mu      sync.Mutex
	streams map[zerolog.Level]model.LabelSet
	once    sync.Once
}

func dialLoki(cfg config.LokiConfig) (*shipper, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("loki url is required")
	}
	clientCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create loki client: %w", err)
	}
	return newShipper(client, cfg.Labels), nil
}

func newShipper(client handler, labels map[string]string) *shipper {
	base := make(model.LabelSet, len(labels)+1)
	for name, value := range labels {
		base[model.LabelName(name)] = model.LabelValue(value)
	}
	if len(base) == 0 {
		base["app"] = DefaultApp
	}
	return &shipper{client: client, base: base, streams: make(map[zerolog.Level]model.LabelSet)}
}

func (s *shipper) Write(p []byte) (int, error) {
	return s.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel implements zerolog.LevelWriter.
func (s *shipper) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	return len(p), s.client.Handle(s.labels(level), time.Now(), line)
}

func (s *shipper) labels(level zerolog.Level) model.LabelSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.streams[level]
	if !ok {
		set = s.base.Clone()
		if level != zerolog.NoLevel {
			set["level"] = model.LabelValue(level.String())
		}
		s.streams[level] = set
	}
	return set
}

func (s *shipper) stop() {
	s.once.Do(s.client.Stop)
}
