package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/timzifer/tickset/bridge"
	"github.com/timzifer/tickset/config"
	"github.com/timzifer/tickset/device"
	"github.com/timzifer/tickset/processor"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	inspect := flag.Bool("inspect", false, "Enable inspect web interface")
	inspectListen := flag.String("inspect-listen", processor.DefaultInspectListen, "Inspect listen address")
	demo := flag.Bool("demo", false, "Run the built-in demo device instead of loading a configuration")
	demoTransport := flag.String("demo-transport", "memory", "Transport driver for the demo device (memory, tcp or bluez)")
	demoListen := flag.String("demo-listen", "", "Listen address for the demo tcp transport")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *demo {
		cfg, err = demoConfig(*demoTransport, *demoListen)
	} else {
		cfg, err = config.Load(*cfgPath)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := []processor.Option{processor.WithSetup(logPeers)}
	if *demo {
		opts = append(opts, processor.WithConfig(cfg))
	} else {
		opts = append(opts, processor.WithConfigPath(*cfgPath, nil), processor.WithConfig(cfg))
	}
	if *inspect {
		opts = append(opts, processor.WithInspect(*inspectListen))
	}

	proc, err := processor.New(ctx, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create processor")
	}
	defer proc.Close()

	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("processor stopped with error")
	}
}

func logPeers(d *device.Device) error {
	name := d.Name()
	d.Bridge().OnConnect(func(peer bridge.PeerInfo) {
		log.Info().Str("device", name).Str("peer", peer.ID).Str("address", peer.Address).Msg("peer connected")
	})
	d.Bridge().OnDisconnect(func(peer bridge.PeerInfo, reason int) {
		log.Info().Str("device", name).Str("peer", peer.ID).Int("reason", reason).Msg("peer disconnected")
	})
	return nil
}

func executeConfigCheck(cfg *config.Config) int {
	if err := device.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}

	fmt.Printf("Device %q\n", firstNonEmpty(cfg.Device.Name, cfg.Name, device.DefaultName))
	fmt.Printf("  Transport: %s\n", firstNonEmpty(cfg.Transport.Driver, device.DefaultDriver))
	fmt.Printf("  Cycle: %s\n", cfg.CycleInterval())

	if len(cfg.Settings) == 0 {
		fmt.Println("  Settings: <none>")
	} else {
		fmt.Println("  Settings:")
		for _, s := range cfg.Settings {
			fmt.Printf("    - %s (0x%04x, %s)", s.Name, s.ID, s.Type)
			if s.Default != nil {
				fmt.Printf(" default %v", s.Default)
			}
			if module := describeModule(s.Source); module != "" {
				fmt.Printf(" [module %s]", module)
			}
			fmt.Println()
		}
	}

	if len(cfg.Actions) == 0 {
		fmt.Println("  Actions: <none>")
	} else {
		fmt.Println("  Actions:")
		for _, a := range cfg.Actions {
			fmt.Printf("    - %s every %s on %s: %s\n", a.Name, a.Every.Duration, a.Setting, strings.TrimSpace(a.Expression))
		}
	}

	fmt.Println("Configuration check completed successfully.")
	return 0
}

func describeModule(ref config.ModuleReference) string {
	name := strings.TrimSpace(ref.Name)
	file := strings.TrimSpace(ref.File)
	switch {
	case name != "" && file != "":
		return fmt.Sprintf("%s (%s)", name, file)
	case name != "":
		return name
	default:
		return file
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
