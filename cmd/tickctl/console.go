package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/timzifer/tickset/bridge"
	"github.com/timzifer/tickset/transport/tcp"
)

var errNotConnected = errors.New("not connected (use 'connect <addr>' first)")

// browseTTL bounds how long a browse result can be dialled by number.
const browseTTL = 2 * time.Minute

type console struct {
	out     io.Writer
	timeout time.Duration
	browse  func(ctx context.Context) ([]tcp.Found, error)

	mu     sync.Mutex
	client *tcp.Client
	attrs  []tcp.AttributeInfo
	found  *ttlcache.Cache[int, tcp.Found]
}

func newConsole(out io.Writer, timeout time.Duration) *console {
	return &console{
		out:     out,
		timeout: timeout,
		browse:  tcp.Browse,
		found:   ttlcache.New[int, tcp.Found](ttlcache.WithTTL[int, tcp.Found](browseTTL)),
	}
}

// execute runs one command line and reports whether the console should exit.
func (c *console) execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var err error
	switch cmd {
	case "help", "?":
		c.printHelp()
	case "browse", "b":
		err = c.cmdBrowse(ctx)
	case "connect", "c":
		err = c.cmdConnect(ctx, args)
	case "disconnect":
		err = c.cmdDisconnect()
	case "hello":
		err = c.cmdHello(ctx)
	case "list", "ls":
		err = c.cmdList(ctx)
	case "read", "r":
		err = c.cmdRead(ctx, args)
	case "write", "w":
		err = c.cmdWrite(ctx, args, line)
	case "sub", "subscribe":
		err = c.cmdSubscribe(ctx, args)
	case "quit", "exit", "q":
		_ = c.cmdDisconnect()
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return false
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out, `
tickctl commands:
  browse               - Discover devices announced via mDNS
  connect <addr|#n>    - Connect to an address or a browse result
  disconnect           - Close the current connection
  hello                - Show the device name
  list                 - List attributes
  read <attr>          - Read an attribute (name, 0xNNNN or UUID)
  write <attr> <text>  - Write a textual value
  sub <attr>           - Print notifications for an attribute
  quit                 - Exit`)
}

func (c *console) cmdBrowse(ctx context.Context) error {
	found, err := c.browse(ctx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	c.found.DeleteAll()
	for i, f := range found {
		c.found.Set(i+1, f, ttlcache.DefaultTTL)
	}
	if len(found) == 0 {
		fmt.Fprintln(c.out, "No devices found.")
		return nil
	}
	for i, f := range found {
		fmt.Fprintf(c.out, "  #%d %s at %s\n", i+1, f.Instance, f.Dial())
	}
	return nil
}

func (c *console) cmdConnect(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: connect <addr|#n>")
	}
	addr := args[0]
	if strings.HasPrefix(addr, "#") {
		n, err := strconv.Atoi(addr[1:])
		if err != nil {
			return fmt.Errorf("no browse result %s", addr)
		}
		item := c.found.Get(n)
		if item == nil {
			return fmt.Errorf("no browse result %s (browse again)", addr)
		}
		addr = item.Value().Dial()
	}

	_ = c.cmdDisconnect()
	client, err := tcp.Dial(ctx, addr)
	if err != nil {
		return err
	}
	client.OnNotify(c.printNotification)
	name, err := client.Hello(ctx)
	if err != nil {
		_ = client.Close()
		return err
	}
	c.mu.Lock()
	c.client = client
	c.attrs = nil
	c.mu.Unlock()
	fmt.Fprintf(c.out, "Connected to %q at %s\n", name, addr)
	return nil
}

func (c *console) cmdDisconnect() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.attrs = nil
	c.mu.Unlock()
	if client == nil {
		return errNotConnected
	}
	return client.Close()
}

func (c *console) cmdHello(ctx context.Context) error {
	client, err := c.connected()
	if err != nil {
		return err
	}
	name, err := client.Hello(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, name)
	return nil
}

func (c *console) cmdList(ctx context.Context) error {
	attrs, err := c.refresh(ctx)
	if err != nil {
		return err
	}
	for _, a := range attrs {
		label := a.UUID
		if id, err := uuid.Parse(a.UUID); err == nil {
			if short, ok := bridge.ShortID(id); ok {
				label = fmt.Sprintf("0x%04x", short)
			}
		}
		fmt.Fprintf(c.out, "  %-8s %-12s %-8s %s\n", label, a.Name, a.Kind, bridge.Property(a.Properties))
	}
	return nil
}

func (c *console) cmdRead(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: read <attr>")
	}
	client, err := c.connected()
	if err != nil {
		return err
	}
	id, err := c.resolve(ctx, args[0])
	if err != nil {
		return err
	}
	payload, err := client.Read(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s = %q\n", args[0], payload)
	return nil
}

func (c *console) cmdWrite(ctx context.Context, args []string, line string) error {
	if len(args) < 2 {
		return errors.New("usage: write <attr> <text>")
	}
	client, err := c.connected()
	if err != nil {
		return err
	}
	id, err := c.resolve(ctx, args[0])
	if err != nil {
		return err
	}
	payload := afterFields(line, 2)
	if err := client.Write(ctx, id, []byte(payload)); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s <- %q\n", args[0], payload)
	return nil
}

func (c *console) cmdSubscribe(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: sub <attr>")
	}
	client, err := c.connected()
	if err != nil {
		return err
	}
	id, err := c.resolve(ctx, args[0])
	if err != nil {
		return err
	}
	if err := client.Subscribe(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Subscribed to %s\n", args[0])
	return nil
}

func (c *console) printNotification(n tcp.Notification) {
	label := n.Attribute.String()
	c.mu.Lock()
	for _, a := range c.attrs {
		if a.UUID == label && a.Name != "" {
			label = a.Name
			break
		}
	}
	c.mu.Unlock()
	fmt.Fprintf(c.out, "* %s = %q\n", label, n.Payload)
}

func (c *console) connected() (*tcp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, errNotConnected
	}
	return c.client, nil
}

func (c *console) refresh(ctx context.Context) ([]tcp.AttributeInfo, error) {
	client, err := c.connected()
	if err != nil {
		return nil, err
	}
	attrs, err := client.List(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.attrs = attrs
	c.mu.Unlock()
	return attrs, nil
}

// resolve accepts an attribute name, a 16-bit short id or a full UUID.
func (c *console) resolve(ctx context.Context, ref string) (uuid.UUID, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return id, nil
	}
	if strings.HasPrefix(ref, "0x") || strings.HasPrefix(ref, "0X") {
		short, err := strconv.ParseUint(ref[2:], 16, 16)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid short id %q", ref)
		}
		return bridge.AttributeUUID(uint16(short)), nil
	}

	c.mu.Lock()
	attrs := c.attrs
	c.mu.Unlock()
	if attrs == nil {
		var err error
		if attrs, err = c.refresh(ctx); err != nil {
			return uuid.Nil, err
		}
	}
	for _, a := range attrs {
		if a.Name == ref {
			return uuid.Parse(a.UUID)
		}
	}
	return uuid.Nil, fmt.Errorf("unknown attribute %q", ref)
}

// afterFields returns line without its first n fields, keeping inner spacing.
func afterFields(line string, n int) string {
	s := strings.TrimLeft(line, " \t")
	for i := 0; i < n; i++ {
		cut := strings.IndexAny(s, " \t")
		if cut < 0 {
			return ""
		}
		s = strings.TrimLeft(s[cut:], " \t")
	}
	return s
}
