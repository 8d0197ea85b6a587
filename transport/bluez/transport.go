// Package bluez publishes settings as a GATT application through the BlueZ
// D-Bus API.
package bluez

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/tickset/bridge"
)

var (
	// ErrNotInitialised is returned when services are created before Init.
	ErrNotInitialised = errors.New("bluez: transport not initialised")
	// ErrDuplicateAttribute is returned when an attribute UUID is reused on a service.
	ErrDuplicateAttribute = errors.New("bluez: duplicate attribute")
)

// Conn is the part of *dbus.Conn the transport uses.
type Conn interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	AddMatchSignal(options ...dbus.MatchOption) error
	Close() error
}

// Option configures a Transport.
type Option func(*Transport)

// WithConn uses conn instead of a private system bus connection. The
// transport does not close it.
func WithConn(conn Conn) Option {
	return func(t *Transport) {
		t.conn = conn
	}
}

// Transport registers one GATT application and one LE advertisement with BlueZ.
type Transport struct {
	settings Settings
	logger   zerolog.Logger

	mu          sync.Mutex
	conn        Conn
	ownsConn    bool
	name        string
	services    []*Service
	handler     bridge.EventHandler
	registered  bool
	advertising bool
	advExported bool
	peers       map[dbus.ObjectPath]struct{}
	signals     chan *dbus.Signal
	done        chan struct{}
	closed      bool
}

// New creates a transport for the configured adapter.
func New(settings Settings, logger zerolog.Logger, opts ...Option) *Transport {
	if settings.Adapter == "" {
		settings.Adapter = DefaultAdapter
	}
	t := &Transport{
		settings: settings,
		logger:   logger.With().Str("component", "bluez_transport").Str("adapter", settings.Adapter).Logger(),
		peers:    make(map[dbus.ObjectPath]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func (t *Transport) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + t.settings.Adapter)
}

func (t *Transport) adapter() dbus.BusObject {
	return t.conn.Object(busName, t.adapterPath())
}

// Init connects to the system bus, exports the application root and starts
// watching device connection state.
func (t *Transport) Init(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.signals != nil {
		return errors.New("bluez: transport already initialised")
	}
	if t.conn == nil {
		conn, err := dbus.ConnectSystemBus()
		if err != nil {
			return fmt.Errorf("bluez: connect system bus: %w", err)
		}
		t.conn = conn
		t.ownsConn = true
	}
	t.name = name
	if t.settings.LocalName != "" {
		t.name = t.settings.LocalName
	}

	if err := t.conn.Export(application{t: t}, rootPath, objectManagerIface); err != nil {
		return fmt.Errorf("bluez: export application: %w", err)
	}
	if err := t.conn.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, deviceIface),
	); err != nil {
		return fmt.Errorf("bluez: watch devices: %w", err)
	}
	t.signals = make(chan *dbus.Signal, 16)
	t.done = make(chan struct{})
	t.conn.Signal(t.signals)
	go t.watch(t.signals, t.done)
	t.logger.Debug().Str("name", t.name).Msg("transport initialised")
	return nil
}

// CreateService exports a primary GATT service.
func (t *Transport) CreateService(id uuid.UUID) (bridge.Service, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.signals == nil {
		return nil, ErrNotInitialised
	}
	svc := &Service{
		t:    t,
		id:   id,
		path: dbus.ObjectPath(fmt.Sprintf("%s/service%d", rootPath, len(t.services))),
	}
	if err := t.conn.Export(propertiesHandler{obj: svc}, svc.path, propsIface); err != nil {
		return nil, fmt.Errorf("bluez: export service: %w", err)
	}
	t.services = append(t.services, svc)
	return svc, nil
}

// StartAdvertising registers the LE advertisement.
func (t *Transport) StartAdvertising() error {
	t.mu.Lock()
	if t.signals == nil {
		t.mu.Unlock()
		return ErrNotInitialised
	}
	if t.advertising {
		t.mu.Unlock()
		return nil
	}
	if !t.advExported {
		adv := advertisement{t: t}
		if err := t.conn.Export(adv, advPath, advIface); err != nil {
			t.mu.Unlock()
			return fmt.Errorf("bluez: export advertisement: %w", err)
		}
		if err := t.conn.Export(propertiesHandler{obj: adv}, advPath, propsIface); err != nil {
			t.mu.Unlock()
			return fmt.Errorf("bluez: export advertisement: %w", err)
		}
		t.advExported = true
	}
	adapter := t.adapter()
	t.mu.Unlock()

	if err := adapter.Call(advManagerIface+".RegisterAdvertisement", 0, advPath, map[string]dbus.Variant{}).Err; err != nil {
		return fmt.Errorf("bluez: register advertisement: %w", err)
	}
	t.mu.Lock()
	t.advertising = true
	t.mu.Unlock()
	t.logger.Debug().Msg("advertising started")
	return nil
}

// StopAdvertising unregisters the LE advertisement.
func (t *Transport) StopAdvertising() error {
	t.mu.Lock()
	if !t.advertising {
		t.mu.Unlock()
		return nil
	}
	t.advertising = false
	adapter := t.adapter()
	t.mu.Unlock()

	if err := adapter.Call(advManagerIface+".UnregisterAdvertisement", 0, advPath).Err; err != nil {
		return fmt.Errorf("bluez: unregister advertisement: %w", err)
	}
	t.logger.Debug().Msg("advertising stopped")
	return nil
}

// SetEventHandler installs the receiver of peer events.
func (t *Transport) SetEventHandler(h bridge.EventHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Advertising reports whether the advertisement is registered.
func (t *Transport) Advertising() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advertising
}

// Close unregisters the application and advertisement and releases the bus.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed || t.conn == nil {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	signals := t.signals
	done := t.done
	registered := t.registered
	t.registered = false
	t.mu.Unlock()

	var errs []error
	if err := t.StopAdvertising(); err != nil {
		errs = append(errs, err)
	}
	if registered {
		if err := t.adapter().Call(gattManagerIface+".UnregisterApplication", 0, rootPath).Err; err != nil {
			errs = append(errs, fmt.Errorf("bluez: unregister application: %w", err))
		}
	}
	if signals != nil {
		t.conn.RemoveSignal(signals)
		close(done)
	}
	if t.ownsConn {
		if err := t.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// register (re)registers the application so BlueZ picks up new characteristics.
func (t *Transport) register() error {
	t.mu.Lock()
	registered := t.registered
	adapter := t.adapter()
	t.mu.Unlock()

	if registered {
		if err := adapter.Call(gattManagerIface+".UnregisterApplication", 0, rootPath).Err; err != nil {
			t.logger.Warn().Err(err).Msg("unregister application")
		}
	}
	if err := adapter.Call(gattManagerIface+".RegisterApplication", 0, rootPath, map[string]dbus.Variant{}).Err; err != nil {
		return fmt.Errorf("bluez: register application: %w", err)
	}
	t.mu.Lock()
	t.registered = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) released() {
	t.mu.Lock()
	t.advertising = false
	t.mu.Unlock()
	t.logger.Debug().Msg("advertisement released")
}

func (t *Transport) advertisementData() (string, []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	uuids := make([]string, 0, len(t.services))
	for _, svc := range t.services {
		uuids = append(uuids, svc.id.String())
	}
	return t.name, uuids
}

func (t *Transport) snapshotServices() []*Service {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Service(nil), t.services...)
}

func (t *Transport) watch(signals <-chan *dbus.Signal, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			t.handleSignal(sig)
		}
	}
}

func (t *Transport) handleSignal(sig *dbus.Signal) {
	if sig == nil || sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
		return
	}
	if iface, _ := sig.Body[0].(string); iface != deviceIface {
		return
	}
	if !strings.HasPrefix(string(sig.Path), string(t.adapterPath())+"/") {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	v, ok := changed["Connected"]
	if !ok {
		return
	}
	connected, ok := v.Value().(bool)
	if !ok {
		return
	}

	peer := peerFromPath(sig.Path)
	t.mu.Lock()
	_, known := t.peers[sig.Path]
	if connected == known {
		t.mu.Unlock()
		return
	}
	if connected {
		t.peers[sig.Path] = struct{}{}
	} else {
		delete(t.peers, sig.Path)
	}
	handler := t.handler
	t.mu.Unlock()

	if connected {
		if err := t.StopAdvertising(); err != nil {
			t.logger.Warn().Err(err).Msg("stop advertising on connect")
		}
		t.logger.Debug().Str("peer", peer.ID).Msg("device connected")
		if handler != nil {
			handler.PeerConnected(peer)
		}
		return
	}
	t.logger.Debug().Str("peer", peer.ID).Msg("device disconnected")
	if handler != nil {
		handler.PeerDisconnected(peer, bridge.ReasonClosed)
	}
}

// Service is a GATT service owned by a Transport.
type Service struct {
	t    *Transport
	id   uuid.UUID
	path dbus.ObjectPath

	mu      sync.Mutex
	attrs   []*Attribute
	started bool
}

// UUID returns the service identifier.
func (s *Service) UUID() uuid.UUID { return s.id }

// CreateAttribute exports a characteristic. Attributes added after Start
// cause the application to be registered again.
func (s *Service) CreateAttribute(spec bridge.AttributeSpec) (bridge.Attribute, error) {
	s.mu.Lock()
	for _, existing := range s.attrs {
		if existing.spec.UUID == spec.UUID {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAttribute, spec.UUID)
		}
	}
	attr := &Attribute{
		svc:   s,
		spec:  spec,
		path:  dbus.ObjectPath(fmt.Sprintf("%s/char%d", s.path, len(s.attrs))),
		value: append([]byte(nil), spec.Initial...),
	}
	attr.spec.Initial = nil
	s.mu.Unlock()

	if err := s.t.conn.Export(characteristic{a: attr}, attr.path, charIface); err != nil {
		return nil, fmt.Errorf("bluez: export characteristic: %w", err)
	}
	if err := s.t.conn.Export(propertiesHandler{obj: attr}, attr.path, propsIface); err != nil {
		return nil, fmt.Errorf("bluez: export characteristic: %w", err)
	}

	s.mu.Lock()
	s.attrs = append(s.attrs, attr)
	started := s.started
	s.mu.Unlock()
	if started {
		if err := s.t.register(); err != nil {
			return nil, err
		}
	}
	return attr, nil
}

// Start registers the application with the adapter.
func (s *Service) Start() error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return s.t.register()
}

func (s *Service) snapshotAttributes() []*Attribute {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Attribute(nil), s.attrs...)
}

func (s *Service) properties() propertyMap {
	attrs := s.snapshotAttributes()
	paths := make([]dbus.ObjectPath, 0, len(attrs))
	for _, a := range attrs {
		paths = append(paths, a.path)
	}
	return propertyMap{
		serviceIface: {
			"UUID":            dbus.MakeVariant(s.id.String()),
			"Primary":         dbus.MakeVariant(true),
			"Characteristics": dbus.MakeVariant(paths),
		},
	}
}

// Attribute is a GATT characteristic.
type Attribute struct {
	svc  *Service
	spec bridge.AttributeSpec
	path dbus.ObjectPath

	mu        sync.Mutex
	value     []byte
	notifying bool
}

// UUID returns the characteristic identifier.
func (a *Attribute) UUID() uuid.UUID { return a.spec.UUID }

// Value returns a copy of the stored payload.
func (a *Attribute) Value() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), a.value...)
}

// SetValue stores payload without raising a write event.
func (a *Attribute) SetValue(payload []byte) {
	a.mu.Lock()
	a.value = append([]byte(nil), payload...)
	a.mu.Unlock()
}

// Notify emits the stored value to subscribed centrals.
func (a *Attribute) Notify() error {
	a.mu.Lock()
	notifying := a.notifying
	value := append([]byte(nil), a.value...)
	a.mu.Unlock()
	if !notifying {
		return nil
	}
	return a.svc.t.conn.Emit(a.path, propsIface+".PropertiesChanged",
		charIface, map[string]dbus.Variant{"Value": dbus.MakeVariant(value)}, []string{})
}

// Notifying reports whether a central subscribed to notifications.
func (a *Attribute) Notifying() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.notifying
}

func (a *Attribute) setNotifying(on bool) {
	a.mu.Lock()
	a.notifying = on
	a.mu.Unlock()
}

func (a *Attribute) onWrite(payload []byte, offset int, peer bridge.PeerInfo) {
	a.mu.Lock()
	if offset > len(a.value) {
		offset = len(a.value)
	}
	next := append(append([]byte(nil), a.value[:offset]...), payload...)
	a.value = next
	a.mu.Unlock()
	if a.spec.OnWrite != nil {
		a.spec.OnWrite(append([]byte(nil), next...), peer)
	}
}

func (a *Attribute) properties() propertyMap {
	a.mu.Lock()
	defer a.mu.Unlock()
	return propertyMap{
		charIface: {
			"UUID":      dbus.MakeVariant(a.spec.UUID.String()),
			"Service":   dbus.MakeVariant(a.svc.path),
			"Flags":     dbus.MakeVariant(flags(a.spec.Properties)),
			"Notifying": dbus.MakeVariant(a.notifying),
			"Value":     dbus.MakeVariant(append([]byte(nil), a.value...)),
		},
	}
}
