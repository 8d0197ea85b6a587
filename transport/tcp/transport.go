// Package tcp serves bridge attributes to network peers over length-prefixed
// CBOR frames and announces the device with mDNS while advertising.
package tcp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/tickset/bridge"
)

var (
	// ErrNotInitialised is returned when a service is requested before Init.
	ErrNotInitialised = errors.New("tcp: transport not initialised")
	// ErrUnknownAttribute is reported to peers addressing a missing attribute.
	ErrUnknownAttribute = errors.New("unknown attribute")
	// ErrNotPermitted is reported to peers using an operation the attribute does not allow.
	ErrNotPermitted = errors.New("operation not permitted")
)

// Option customises a Transport.
type Option func(*Transport)

// WithAdvertiser replaces the mDNS advertiser.
func WithAdvertiser(a Advertiser) Option {
	return func(t *Transport) {
		t.advertiser = a
	}
}

// Transport implements bridge.Transport as a TCP server.
type Transport struct {
	settings   Settings
	logger     zerolog.Logger
	advertiser Advertiser

	mu          sync.Mutex
	listener    net.Listener
	name        string
	services    []*Service
	handler     bridge.EventHandler
	advertising bool
	peers       map[string]*peer
	closing     bool

	wg sync.WaitGroup
}

// New creates a transport. The socket is opened by Init.
func New(settings Settings, logger zerolog.Logger, opts ...Option) *Transport {
	t := &Transport{
		settings: settings,
		logger:   logger.With().Str("component", "tcp_transport").Logger(),
		peers:    make(map[string]*peer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Init opens the listening socket and starts accepting peers.
func (t *Transport) Init(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return errors.New("tcp: transport already initialised")
	}
	if t.advertiser == nil && t.settings.MDNS {
		adv, err := NewMDNSAdvertiser(t.settings.Interface)
		if err != nil {
			return err
		}
		t.advertiser = adv
	}
	listen := t.settings.Listen
	if listen == "" {
		listen = DefaultListen
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("tcp: listen %s: %w", listen, err)
	}
	t.listener = ln
	t.name = name
	t.wg.Add(1)
	go t.accept(ln)
	t.logger.Info().Str("addr", ln.Addr().String()).Str("name", name).Msg("tcp: listening")
	return nil
}

// Addr returns the listening address, or nil before Init.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// CreateService registers a new attribute group.
func (t *Transport) CreateService(id uuid.UUID) (bridge.Service, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil, ErrNotInitialised
	}
	svc := &Service{transport: t, id: id, attrs: make(map[uuid.UUID]*Attribute)}
	t.services = append(t.services, svc)
	return svc, nil
}

// StartAdvertising announces the device through the advertiser, if any.
// It does nothing once Close has begun.
func (t *Transport) StartAdvertising() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.advertising = true
	adv := t.advertiser
	name := t.name
	var port int
	if addr, ok := t.listenerAddr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	txt := t.txtRecords()
	t.mu.Unlock()
	if adv == nil {
		return nil
	}
	if err := adv.Advertise(name, port, txt); err != nil {
		return err
	}
	return nil
}

// StopAdvertising withdraws the announcement.
func (t *Transport) StopAdvertising() error {
	t.mu.Lock()
	t.advertising = false
	adv := t.advertiser
	t.mu.Unlock()
	if adv == nil {
		return nil
	}
	return adv.Stop()
}

// Advertising reports whether the device is currently announced.
func (t *Transport) Advertising() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advertising
}

// SetEventHandler installs the receiver of peer events.
func (t *Transport) SetEventHandler(h bridge.EventHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Close stops listening, drops every peer and withdraws the announcement.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	ln := t.listener
	adv := t.advertiser
	peers := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.advertising = false
	t.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, p := range peers {
		_ = p.conn.Close()
	}
	t.wg.Wait()
	if adv != nil {
		if stopErr := adv.Stop(); err == nil {
			err = stopErr
		}
	}
	return err
}

// listenerAddr must be called with t.mu held.
func (t *Transport) listenerAddr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// txtRecords must be called with t.mu held.
func (t *Transport) txtRecords() []string {
	txt := []string{"proto=1"}
	if len(t.services) > 0 {
		txt = append(txt, "service="+t.services[0].id.String())
	}
	return txt
}

func (t *Transport) accept(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !t.isClosing() {
				t.logger.Error().Err(err).Msg("tcp: accept failed")
			}
			return
		}
		p := &peer{
			transport: t,
			conn:      conn,
			framer:    newFramer(conn),
			info:      bridge.PeerInfo{ID: uuid.NewString(), Address: conn.RemoteAddr().String()},
		}
		t.mu.Lock()
		if t.closing {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.peers[p.info.ID] = p
		t.mu.Unlock()

		t.wg.Add(1)
		go p.serve()
	}
}

func (t *Transport) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

func (t *Transport) connected(p *peer) {
	// A connected peer ends advertising until the bridge restarts it.
	if err := t.StopAdvertising(); err != nil {
		t.logger.Warn().Err(err).Msg("tcp: stop advertising failed")
	}
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler != nil {
		handler.PeerConnected(p.info)
	}
}

func (t *Transport) disconnected(p *peer, reason int) {
	t.mu.Lock()
	delete(t.peers, p.info.ID)
	services := append([]*Service(nil), t.services...)
	handler := t.handler
	t.mu.Unlock()
	for _, svc := range services {
		svc.unsubscribe(p)
	}
	if handler != nil {
		handler.PeerDisconnected(p.info, reason)
	}
}

func (t *Transport) attribute(id uuid.UUID) (*Attribute, bool) {
	t.mu.Lock()
	services := append([]*Service(nil), t.services...)
	t.mu.Unlock()
	for _, svc := range services {
		if attr, ok := svc.attribute(id); ok {
			return attr, true
		}
	}
	return nil, false
}

func (t *Transport) describe() []AttributeInfo {
	t.mu.Lock()
	services := append([]*Service(nil), t.services...)
	t.mu.Unlock()
	var out []AttributeInfo
	for _, svc := range services {
		for _, attr := range svc.attributes() {
			out = append(out, AttributeInfo{
				UUID:       attr.spec.UUID.String(),
				Name:       attr.spec.Name,
				Kind:       string(attr.spec.Kind),
				Properties: uint8(attr.spec.Properties),
			})
		}
	}
	return out
}

// Service is a group of attributes served to peers.
type Service struct {
	transport *Transport
	id        uuid.UUID

	mu      sync.Mutex
	started bool
	attrs   map[uuid.UUID]*Attribute
	order   []*Attribute
}

// UUID returns the service identifier.
func (s *Service) UUID() uuid.UUID { return s.id }

// CreateAttribute adds an attribute to the service.
func (s *Service) CreateAttribute(spec bridge.AttributeSpec) (bridge.Attribute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.attrs[spec.UUID]; exists {
		return nil, fmt.Errorf("tcp: attribute %s already exists", spec.UUID)
	}
	attr := &Attribute{
		spec:        spec,
		value:       append([]byte(nil), spec.Initial...),
		subscribers: make(map[string]*peer),
	}
	s.attrs[spec.UUID] = attr
	s.order = append(s.order, attr)
	return attr, nil
}

// Start makes the service visible to peers.
func (s *Service) Start() error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *Service) attribute(id uuid.UUID) (*Attribute, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, false
	}
	attr, ok := s.attrs[id]
	return attr, ok
}

func (s *Service) attributes() []*Attribute {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	return append([]*Attribute(nil), s.order...)
}

func (s *Service) unsubscribe(p *peer) {
	for _, attr := range s.attributes() {
		attr.mu.Lock()
		delete(attr.subscribers, p.info.ID)
		attr.mu.Unlock()
	}
}

// Attribute is a value slot readable, writable and observable by peers.
type Attribute struct {
	spec bridge.AttributeSpec

	mu          sync.RWMutex
	value       []byte
	subscribers map[string]*peer
}

// UUID returns the attribute address.
func (a *Attribute) UUID() uuid.UUID { return a.spec.UUID }

// Value returns a copy of the stored payload.
func (a *Attribute) Value() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]byte(nil), a.value...)
}

// SetValue stores payload without notifying peers.
func (a *Attribute) SetValue(payload []byte) {
	a.mu.Lock()
	a.value = append([]byte(nil), payload...)
	a.mu.Unlock()
}

// Notify sends the stored payload to every subscribed peer.
func (a *Attribute) Notify() error {
	a.mu.RLock()
	msg := Message{Op: OpNotify, Attribute: a.spec.UUID.String(), Payload: append([]byte(nil), a.value...)}
	targets := make([]*peer, 0, len(a.subscribers))
	for _, p := range a.subscribers {
		targets = append(targets, p)
	}
	a.mu.RUnlock()

	var errs []error
	for _, p := range targets {
		if err := p.send(msg); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", p.info.ID, err))
		}
	}
	return errors.Join(errs...)
}

type peer struct {
	transport *Transport
	conn      net.Conn
	framer    *framer
	info      bridge.PeerInfo
}

func (p *peer) serve() {
	defer p.transport.wg.Done()
	defer p.conn.Close()
	logger := p.transport.logger.With().Str("peer", p.info.ID).Str("address", p.info.Address).Logger()

	p.transport.connected(p)
	reason := bridge.ReasonClosed
	for {
		frame, err := p.framer.readFrame()
		if err != nil {
			switch {
			case p.transport.isClosing():
				reason = bridge.ReasonShutdown
			case errors.Is(err, io.EOF):
				reason = bridge.ReasonClosed
			default:
				reason = bridge.ReasonConnectionLost
				logger.Debug().Err(err).Msg("tcp: read failed")
			}
			break
		}
		msg, err := decode(frame)
		if err != nil {
			logger.Warn().Err(err).Msg("tcp: dropping malformed frame")
			continue
		}
		reply := p.handle(msg)
		if err := p.send(reply); err != nil {
			logger.Debug().Err(err).Msg("tcp: reply failed")
			reason = bridge.ReasonConnectionLost
			break
		}
	}
	p.transport.disconnected(p, reason)
}

func (p *peer) handle(msg Message) Message {
	fail := func(err error) Message {
		return Message{Op: OpError, Seq: msg.Seq, Attribute: msg.Attribute, Error: err.Error()}
	}
	switch msg.Op {
	case OpHello:
		p.transport.mu.Lock()
		name := p.transport.name
		p.transport.mu.Unlock()
		return Message{Op: OpResult, Seq: msg.Seq, Device: name}
	case OpList:
		return Message{Op: OpResult, Seq: msg.Seq, Attributes: p.transport.describe()}
	case OpRead, OpWrite, OpSubscribe:
	default:
		return fail(fmt.Errorf("unsupported op %s", msg.Op))
	}

	id, err := uuid.Parse(msg.Attribute)
	if err != nil {
		return fail(fmt.Errorf("invalid attribute address: %w", err))
	}
	attr, ok := p.transport.attribute(id)
	if !ok {
		return fail(ErrUnknownAttribute)
	}
	switch msg.Op {
	case OpRead:
		if !attr.spec.Properties.Has(bridge.PropRead) {
			return fail(ErrNotPermitted)
		}
		return Message{Op: OpResult, Seq: msg.Seq, Attribute: msg.Attribute, Payload: attr.Value()}
	case OpWrite:
		if !attr.spec.Properties.Has(bridge.PropWrite) {
			return fail(ErrNotPermitted)
		}
		attr.SetValue(msg.Payload)
		if attr.spec.OnWrite != nil {
			attr.spec.OnWrite(append([]byte(nil), msg.Payload...), p.info)
		}
		return Message{Op: OpResult, Seq: msg.Seq, Attribute: msg.Attribute}
	default:
		if !attr.spec.Properties.Has(bridge.PropNotify) {
			return fail(ErrNotPermitted)
		}
		attr.mu.Lock()
		attr.subscribers[p.info.ID] = p
		attr.mu.Unlock()
		return Message{Op: OpResult, Seq: msg.Seq, Attribute: msg.Attribute}
	}
}

func (p *peer) send(msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	return p.framer.writeFrame(data)
}
