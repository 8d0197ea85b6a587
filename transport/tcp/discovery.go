package tcp

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

const (
	// ServiceType is the DNS-SD service type announced while advertising.
	ServiceType = "_tickset._tcp"
	// Domain is the mDNS domain used for announcements.
	Domain = "local."
)

// Advertiser announces a listening device on the local network.
type Advertiser interface {
	Advertise(instance string, port int, txt []string) error
	Stop() error
}

// MDNSAdvertiser implements Advertiser using zeroconf.
type MDNSAdvertiser struct {
	ifaces []net.Interface

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewMDNSAdvertiser creates an advertiser. An empty iface announces on all interfaces.
func NewMDNSAdvertiser(iface string) (*MDNSAdvertiser, error) {
	adv := &MDNSAdvertiser{}
	if iface != "" {
		ni, err := net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("tcp: mdns interface %s: %w", iface, err)
		}
		adv.ifaces = []net.Interface{*ni}
	}
	return adv, nil
}

// Advertise replaces any running announcement.
func (a *MDNSAdvertiser) Advertise(instance string, port int, txt []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txt, a.ifaces)
	if err != nil {
		return fmt.Errorf("tcp: register mdns service: %w", err)
	}
	a.server = server
	return nil
}

// Stop withdraws the announcement.
func (a *MDNSAdvertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	return nil
}

// Found is a device discovered by Browse.
type Found struct {
	Instance string
	Host     string
	Port     int
	Address  string
	Service  string
}

// Dial returns the address a client should connect to.
func (f Found) Dial() string {
	host := f.Address
	if host == "" {
		host = strings.TrimSuffix(f.Host, ".")
	}
	return net.JoinHostPort(host, strconv.Itoa(f.Port))
}

// Browse collects announced devices until ctx ends.
func Browse(ctx context.Context) ([]Found, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Found)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				found[entry.Instance] = foundFromEntry(entry)
			case entry, ok := <-removed:
				if ok {
					delete(found, entry.Instance)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	err := zeroconf.Browse(ctx, ServiceType, Domain, entries, removed)
	<-done
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("tcp: browse: %w", err)
	}

	out := make([]Found, 0, len(found))
	for _, f := range found {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func foundFromEntry(entry *zeroconf.ServiceEntry) Found {
	f := Found{Instance: entry.Instance, Host: entry.HostName, Port: entry.Port}
	if len(entry.AddrIPv4) > 0 {
		f.Address = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		f.Address = entry.AddrIPv6[0].String()
	}
	for _, txt := range entry.Text {
		if value, ok := strings.CutPrefix(txt, "service="); ok {
			f.Service = value
		}
	}
	return f
}
