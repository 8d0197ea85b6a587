// Package mqtt exposes bridge attributes as retained MQTT topics.
//
// Every attribute maps to a state topic <prefix>/<device>/<uuid> and, when
// writable, a command topic <prefix>/<device>/<uuid>/set. Advertising maps to
// the retained availability topic and optional Home Assistant discovery.
package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/tickset/bridge"
)

const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
	operationTimeout    = 10 * time.Second
)

var (
	// ErrNotInitialised is returned when a service is requested before Init.
	ErrNotInitialised = errors.New("mqtt: transport not initialised")
	// ErrNotConnected is returned when a publish is attempted without a broker connection.
	ErrNotConnected = errors.New("mqtt: not connected")
)

type topicLayout struct {
	base string
}

func (t topicLayout) state(id uuid.UUID) string   { return t.base + "/" + id.String() }
func (t topicLayout) command(id uuid.UUID) string { return t.state(id) + "/set" }
func (t topicLayout) availability() string        { return t.base + "/availability" }

// Transport implements bridge.Transport on top of an MQTT broker connection.
type Transport struct {
	settings Settings
	logger   zerolog.Logger

	mu          sync.Mutex
	client      paho.Client
	name        string
	topics      topicLayout
	services    []*Service
	handler     bridge.EventHandler
	advertising bool
}

// New creates an unconnected transport. The broker connection is opened by Init.
func New(settings Settings, logger zerolog.Logger) *Transport {
	return &Transport{
		settings: settings,
		logger:   logger.With().Str("component", "mqtt_transport").Str("broker", settings.Broker).Logger(),
	}
}

// Init connects to the broker and derives the topic layout from name.
func (t *Transport) Init(name string) error {
	t.mu.Lock()
	if t.client != nil {
		t.mu.Unlock()
		return errors.New("mqtt: transport already initialised")
	}
	t.name = name
	t.topics = topicLayout{base: t.settings.Prefix + "/" + sanitize(name)}
	opts, err := t.settings.pahoOptions(session{
		clientID: "tickset-" + sanitize(name),
		will:     t.topics.availability(),
		qos:      t.settings.QoS,
	}, t.logger)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	opts.SetOnConnectHandler(t.onConnect)
	opts.SetConnectionLostHandler(t.onConnectionLost)
	client := paho.NewClient(opts)
	t.client = client
	t.mu.Unlock()

	if err := await(client.Connect(), opts.ConnectTimeout, "connect"); err != nil {
		t.mu.Lock()
		t.client = nil
		t.mu.Unlock()
		return err
	}
	t.logger.Info().Str("topic", t.topics.base).Msg("mqtt: connected")
	return nil
}

// CreateService registers a new attribute group.
func (t *Transport) CreateService(id uuid.UUID) (bridge.Service, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, ErrNotInitialised
	}
	svc := &Service{transport: t, id: id, attrs: make(map[uuid.UUID]*Attribute)}
	t.services = append(t.services, svc)
	return svc, nil
}

// StartAdvertising marks the device available and publishes discovery
// announcements. While disconnected the announcement is deferred until the
// broker connection is restored.
func (t *Transport) StartAdvertising() error {
	t.mu.Lock()
	t.advertising = true
	client := t.client
	t.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return nil
	}
	return t.announce(client)
}

// StopAdvertising marks the device unavailable.
func (t *Transport) StopAdvertising() error {
	t.mu.Lock()
	t.advertising = false
	client := t.client
	t.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return nil
	}
	return await(client.Publish(t.topics.availability(), t.settings.QoS, true, availabilityOffline), operationTimeout, "publish availability")
}

// SetEventHandler installs the receiver of broker connection events.
func (t *Transport) SetEventHandler(h bridge.EventHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Advertising reports whether the transport currently announces availability.
func (t *Transport) Advertising() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advertising
}

// Close publishes the offline marker and disconnects from the broker.
func (t *Transport) Close() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.advertising = false
	t.mu.Unlock()
	if client == nil {
		return nil
	}
	var err error
	if client.IsConnectionOpen() {
		err = await(client.Publish(t.topics.availability(), t.settings.QoS, true, availabilityOffline), operationTimeout, "publish availability")
	}
	client.Disconnect(250)
	return err
}

func (t *Transport) peer() bridge.PeerInfo {
	return bridge.PeerInfo{ID: "broker", Address: t.settings.Broker}
}

func (t *Transport) snapshot() (bridge.EventHandler, []*Service, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler, append([]*Service(nil), t.services...), t.advertising
}

func (t *Transport) onConnect(client paho.Client) {
	handler, services, advertising := t.snapshot()
	for _, svc := range services {
		if err := svc.sync(client); err != nil {
			t.logger.Error().Err(err).Msg("mqtt: restore attribute topics failed")
		}
	}
	if advertising {
		if err := t.announce(client); err != nil {
			t.logger.Error().Err(err).Msg("mqtt: availability publish failed")
		}
	}
	if handler != nil {
		handler.PeerConnected(t.peer())
	}
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.logger.Warn().Err(err).Msg("mqtt: connection lost")
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler != nil {
		handler.PeerDisconnected(t.peer(), bridge.ReasonConnectionLost)
	}
}

func (t *Transport) announce(client paho.Client) error {
	if err := await(client.Publish(t.topics.availability(), t.settings.QoS, true, availabilityOnline), operationTimeout, "publish availability"); err != nil {
		return err
	}
	_, services, _ := t.snapshot()
	for _, svc := range services {
		for _, attr := range svc.attributes() {
			if err := t.discover(client, attr); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Transport) discover(client paho.Client, attr *Attribute) error {
	ha := t.settings.HomeAssistant
	if ha == nil || !ha.Enabled {
		return nil
	}
	msg, err := discoveryFor(ha, t.name, t.topics, attr)
	if err != nil {
		return err
	}
	if err := await(client.Publish(msg.topic, 1, true, msg.payload), operationTimeout, "publish discovery "+msg.topic); err != nil {
		return err
	}
	t.logger.Debug().Str("topic", msg.topic).Msg("mqtt: home assistant discovery published")
	return nil
}

func (t *Transport) connectedClient() (paho.Client, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return nil, ErrNotConnected
	}
	return client, nil
}

// Service is a group of attributes sharing the device topic prefix.
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

// CreateAttribute adds an attribute. Attributes created after Start are
// published immediately.
func (s *Service) CreateAttribute(spec bridge.AttributeSpec) (bridge.Attribute, error) {
	s.mu.Lock()
	if _, exists := s.attrs[spec.UUID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("mqtt: attribute %s already exists", spec.UUID)
	}
	attr := &Attribute{transport: s.transport, spec: spec, value: append([]byte(nil), spec.Initial...)}
	s.attrs[spec.UUID] = attr
	s.order = append(s.order, attr)
	started := s.started
	s.mu.Unlock()

	if !started {
		return attr, nil
	}
	client, err := s.transport.connectedClient()
	if err != nil {
		return nil, err
	}
	if err := attr.expose(client); err != nil {
		return nil, err
	}
	if s.transport.Advertising() {
		if err := s.transport.discover(client, attr); err != nil {
			return nil, err
		}
	}
	return attr, nil
}

// Start publishes the state of every attribute and subscribes to their command topics.
func (s *Service) Start() error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	client, err := s.transport.connectedClient()
	if err != nil {
		return err
	}
	return s.sync(client)
}

func (s *Service) attributes() []*Attribute {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Attribute(nil), s.order...)
}

func (s *Service) sync(client paho.Client) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	for _, attr := range s.attributes() {
		if err := attr.expose(client); err != nil {
			return err
		}
	}
	return nil
}

// Attribute is one retained state topic with an optional command topic.
type Attribute struct {
	transport *Transport
	spec      bridge.AttributeSpec

	mu    sync.RWMutex
	value []byte
}

// UUID returns the attribute address.
func (a *Attribute) UUID() uuid.UUID { return a.spec.UUID }

// Value returns a copy of the stored payload.
func (a *Attribute) Value() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]byte(nil), a.value...)
}

// SetValue stores payload. The state topic is only refreshed by Notify.
func (a *Attribute) SetValue(payload []byte) {
	a.mu.Lock()
	a.value = append([]byte(nil), payload...)
	a.mu.Unlock()
}

// Notify publishes the stored payload to the retained state topic.
func (a *Attribute) Notify() error {
	client, err := a.transport.connectedClient()
	if err != nil {
		return err
	}
	return a.publish(client)
}

func (a *Attribute) publish(client paho.Client) error {
	topic := a.transport.topics.state(a.spec.UUID)
	return await(client.Publish(topic, a.transport.settings.QoS, true, a.Value()), operationTimeout, "publish "+topic)
}

func (a *Attribute) expose(client paho.Client) error {
	if err := a.publish(client); err != nil {
		return err
	}
	if !a.spec.Properties.Has(bridge.PropWrite) {
		return nil
	}
	topic := a.transport.topics.command(a.spec.UUID)
	return await(client.Subscribe(topic, a.transport.settings.QoS, a.onCommand), operationTimeout, "subscribe "+topic)
}

// onCommand stores a peer write like a written characteristic, mirrors it to
// the state topic and hands it to the write handler.
func (a *Attribute) onCommand(client paho.Client, msg paho.Message) {
	payload := append([]byte(nil), msg.Payload()...)
	a.SetValue(payload)
	if err := a.publish(client); err != nil {
		a.transport.logger.Warn().Err(err).Str("attribute", a.spec.Name).Msg("mqtt: mirror write failed")
	}
	if a.spec.OnWrite != nil {
		a.spec.OnWrite(payload, a.transport.peer())
	}
}
