// Command tickctl is an interactive console for devices served by the tcp transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
)

func main() {
	addr := flag.String("connect", "", "Device address to connect to on start")
	timeout := flag.Duration("timeout", 3*time.Second, "Timeout for browse and requests")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "tickctl> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("browse"),
			readline.PcItem("connect"),
			readline.PcItem("disconnect"),
			readline.PcItem("hello"),
			readline.PcItem("list"),
			readline.PcItem("read"),
			readline.PcItem("write"),
			readline.PcItem("sub"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	c := newConsole(rl.Stdout(), *timeout)
	if *addr != "" {
		c.execute(ctx, "connect "+*addr)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			c.execute(ctx, "quit")
			return
		}
		if c.execute(ctx, strings.TrimSpace(line)) {
			return
		}
	}
}
