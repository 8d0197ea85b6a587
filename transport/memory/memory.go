// Package memory provides an in-process transport with simulated peers. It
// backs tests and the loopback driver of the daemon.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/timzifer/tickset/bridge"
)

// Op names a transport operation that can be forced to fail.
type Op string

const (
	OpInit          Op = "init"
	OpCreateService Op = "create_service"
	OpStartService  Op = "start_service"
	OpAdvertise     Op = "advertise"
	OpAttribute     Op = "attribute"
)

var (
	// ErrUnknownAttribute is returned for peer access to a missing attribute.
	ErrUnknownAttribute = errors.New("memory: unknown attribute")
	// ErrNotPermitted is returned when the attribute lacks the required property.
	ErrNotPermitted = errors.New("memory: operation not permitted")
	// ErrDisconnected is returned for operations on a disconnected peer.
	ErrDisconnected = errors.New("memory: peer disconnected")
)

// Notification is a value pushed to a subscribed peer.
type Notification struct {
	UUID    uuid.UUID
	Payload []byte
}

// Transport is an in-memory implementation of bridge.Transport.
type Transport struct {
	mu             sync.Mutex
	name           string
	initialised    bool
	advertising    bool
	advertiseCount int
	services       []*Service
	handler        bridge.EventHandler
	peers          map[string]*Peer
	failures       map[Op]error
}

// New creates an idle transport.
func New() *Transport {
	return &Transport{
		peers:    make(map[string]*Peer),
		failures: make(map[Op]error),
	}
}

// FailOn makes every later call of op return err. A nil err clears the failure.
func (t *Transport) FailOn(op Op, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.failures, op)
		return
	}
	t.failures[op] = err
}

func (t *Transport) failure(op Op) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures[op]
}

// Init records the device name.
func (t *Transport) Init(name string) error {
	if err := t.failure(OpInit); err != nil {
		return err
	}
	t.mu.Lock()
	t.name = name
	t.initialised = true
	t.mu.Unlock()
	return nil
}

// CreateService adds a service with the given identifier.
func (t *Transport) CreateService(id uuid.UUID) (bridge.Service, error) {
	if err := t.failure(OpCreateService); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialised {
		return nil, errors.New("memory: transport not initialised")
	}
	svc := &Service{transport: t, id: id, attrs: make(map[uuid.UUID]*Attribute)}
	t.services = append(t.services, svc)
	return svc, nil
}

// StartAdvertising marks the transport as discoverable.
func (t *Transport) StartAdvertising() error {
	if err := t.failure(OpAdvertise); err != nil {
		return err
	}
	t.mu.Lock()
	t.advertising = true
	t.advertiseCount++
	t.mu.Unlock()
	return nil
}

// StopAdvertising marks the transport as hidden.
func (t *Transport) StopAdvertising() error {
	t.mu.Lock()
	t.advertising = false
	t.mu.Unlock()
	return nil
}

// SetEventHandler installs the receiver for peer lifecycle events.
func (t *Transport) SetEventHandler(h bridge.EventHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Name returns the name passed to Init.
func (t *Transport) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// Advertising reports whether the transport is currently discoverable.
func (t *Transport) Advertising() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advertising
}

// AdvertiseCount reports how often advertising was started.
func (t *Transport) AdvertiseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advertiseCount
}

// Services returns the created services.
func (t *Transport) Services() []*Service {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Service(nil), t.services...)
}

// Attribute finds an attribute by identifier across all services.
func (t *Transport) Attribute(id uuid.UUID) (*Attribute, bool) {
	for _, svc := range t.Services() {
		if attr, ok := svc.attribute(id); ok {
			return attr, true
		}
	}
	return nil, false
}

// Connect simulates a peer connection. Advertising stops while a peer is
// connected, as it does on single-connection radios.
func (t *Transport) Connect(id string) *Peer {
	peer := &Peer{transport: t, info: bridge.PeerInfo{ID: id, Address: "memory:" + id}}
	t.mu.Lock()
	t.peers[id] = peer
	t.advertising = false
	handler := t.handler
	t.mu.Unlock()
	if handler != nil {
		handler.PeerConnected(peer.info)
	}
	return peer
}

func (t *Transport) disconnect(peer *Peer, reason int) {
	t.mu.Lock()
	if _, ok := t.peers[peer.info.ID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.peers, peer.info.ID)
	handler := t.handler
	services := append([]*Service(nil), t.services...)
	t.mu.Unlock()
	for _, svc := range services {
		svc.unsubscribe(peer)
	}
	if handler != nil {
		handler.PeerDisconnected(peer.info, reason)
	}
}

// Service is an in-memory attribute group.
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

// Started reports whether Start was called.
func (s *Service) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Start marks the service as started. Attributes may be added before or after.
func (s *Service) Start() error {
	if err := s.transport.failure(OpStartService); err != nil {
		return err
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

// CreateAttribute adds an attribute. Identifiers must be unique per service.
func (s *Service) CreateAttribute(spec bridge.AttributeSpec) (bridge.Attribute, error) {
	if err := s.transport.failure(OpAttribute); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attrs[spec.UUID]; ok {
		return nil, fmt.Errorf("memory: attribute %s already exists", spec.UUID)
	}
	attr := &Attribute{
		spec:        spec,
		value:       append([]byte(nil), spec.Initial...),
		subscribers: make(map[*Peer]struct{}),
	}
	s.attrs[spec.UUID] = attr
	s.order = append(s.order, attr)
	return attr, nil
}

// Attributes returns the attributes in creation order.
func (s *Service) Attributes() []*Attribute {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Attribute(nil), s.order...)
}

func (s *Service) attribute(id uuid.UUID) (*Attribute, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attr, ok := s.attrs[id]
	return attr, ok
}

func (s *Service) unsubscribe(peer *Peer) {
	for _, attr := range s.Attributes() {
		attr.mu.Lock()
		delete(attr.subscribers, peer)
		attr.mu.Unlock()
	}
}

// Attribute is an in-memory value slot.
type Attribute struct {
	spec bridge.AttributeSpec

	mu          sync.Mutex
	value       []byte
	notifies    int
	subscribers map[*Peer]struct{}
}

// UUID returns the attribute identifier.
func (a *Attribute) UUID() uuid.UUID { return a.spec.UUID }

// Name returns the diagnostic name given at creation.
func (a *Attribute) Name() string { return a.spec.Name }

// Properties returns the access properties.
func (a *Attribute) Properties() bridge.Property { return a.spec.Properties }

// Value returns a copy of the stored payload.
func (a *Attribute) Value() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), a.value...)
}

// SetValue replaces the stored payload without invoking the write handler.
func (a *Attribute) SetValue(payload []byte) {
	a.mu.Lock()
	a.value = append([]byte(nil), payload...)
	a.mu.Unlock()
}

// Notify delivers the stored payload to every subscribed peer.
func (a *Attribute) Notify() error {
	a.mu.Lock()
	a.notifies++
	payload := append([]byte(nil), a.value...)
	peers := make([]*Peer, 0, len(a.subscribers))
	for peer := range a.subscribers {
		peers = append(peers, peer)
	}
	a.mu.Unlock()
	for _, peer := range peers {
		peer.deliver(Notification{UUID: a.spec.UUID, Payload: payload})
	}
	return nil
}

// NotifyCount reports how often Notify was called.
func (a *Attribute) NotifyCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.notifies
}

// Peer is a simulated remote client.
type Peer struct {
	transport *Transport
	info      bridge.PeerInfo

	mu            sync.Mutex
	disconnected  bool
	notifications []Notification
}

// Info returns the peer identity.
func (p *Peer) Info() bridge.PeerInfo { return p.info }

// Read returns the stored payload of an attribute.
func (p *Peer) Read(id uuid.UUID) ([]byte, error) {
	attr, err := p.lookup(id, bridge.PropRead)
	if err != nil {
		return nil, err
	}
	return attr.Value(), nil
}

// Write stores payload and raises the attribute's write handler.
func (p *Peer) Write(id uuid.UUID, payload []byte) error {
	attr, err := p.lookup(id, bridge.PropWrite)
	if err != nil {
		return err
	}
	attr.SetValue(payload)
	if attr.spec.OnWrite != nil {
		attr.spec.OnWrite(append([]byte(nil), payload...), p.info)
	}
	return nil
}

// Subscribe registers the peer for notifications of an attribute.
func (p *Peer) Subscribe(id uuid.UUID) error {
	attr, err := p.lookup(id, bridge.PropNotify)
	if err != nil {
		return err
	}
	attr.mu.Lock()
	attr.subscribers[p] = struct{}{}
	attr.mu.Unlock()
	return nil
}

// Notifications returns the values pushed to the peer so far.
func (p *Peer) Notifications() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Notification(nil), p.notifications...)
}

// Disconnect ends the simulated connection.
func (p *Peer) Disconnect(reason int) {
	p.mu.Lock()
	if p.disconnected {
		p.mu.Unlock()
		return
	}
	p.disconnected = true
	p.mu.Unlock()
	p.transport.disconnect(p, reason)
}

func (p *Peer) lookup(id uuid.UUID, prop bridge.Property) (*Attribute, error) {
	p.mu.Lock()
	disconnected := p.disconnected
	p.mu.Unlock()
	if disconnected {
		return nil, ErrDisconnected
	}
	attr, ok := p.transport.Attribute(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, id)
	}
	if !attr.spec.Properties.Has(prop) {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotPermitted, prop, id)
	}
	return attr, nil
}

func (p *Peer) deliver(n Notification) {
	p.mu.Lock()
	p.notifications = append(p.notifications, n)
	p.mu.Unlock()
}
