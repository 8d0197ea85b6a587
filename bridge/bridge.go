package bridge

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/tickset/setting"
	"github.com/timzifer/tickset/telemetry"
)

var (
	// ErrNotStarted is returned when settings are bound before Start.
	ErrNotStarted = errors.New("bridge: not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("bridge: already started")
)

// ConnectFunc is invoked when a peer connects.
type ConnectFunc func(peer PeerInfo)

// DisconnectFunc is invoked when a peer disconnects.
type DisconnectFunc func(peer PeerInfo, reason int)

type binding struct {
	name  string
	id    uint16
	kind  setting.Kind
	push  bool
	attr  Attribute
	write WriteHandler
}

// Binding describes a setting published by the bridge.
type Binding struct {
	Name    string       `json:"name"`
	ID      uint16       `json:"id"`
	UUID    uuid.UUID    `json:"uuid"`
	Kind    setting.Kind `json:"kind"`
	Push    bool         `json:"push"`
	Payload string       `json:"payload"`
}

// Bridge publishes settings as remotely readable and writable attributes.
type Bridge struct {
	name        string
	nameSetting *setting.Setting[string]
	transport   Transport
	serviceUUID uuid.UUID
	pushAll     bool
	logger      zerolog.Logger
	telemetry   telemetry.Collector

	startMu sync.Mutex
	svc     Service

	mu           sync.RWMutex
	onConnect    ConnectFunc
	onDisconnect DisconnectFunc
	bindings     map[string]*binding
	order        []*binding
}

// Option customises a bridge.
type Option func(*Bridge)

// WithLogger sets the logger used for peer and transport messages.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger.With().Str("component", "bridge").Logger()
	}
}

// WithTelemetry installs a telemetry collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(b *Bridge) {
		if collector != nil {
			b.telemetry = collector
		}
	}
}

// WithServiceUUID overrides the service identifier. The default is the nil UUID.
func WithServiceUUID(id uuid.UUID) Option {
	return func(b *Bridge) {
		b.serviceUUID = id
	}
}

// WithPushAll pushes local changes of every setting type. By default only
// integer and text settings notify peers.
func WithPushAll() Option {
	return func(b *Bridge) {
		b.pushAll = true
	}
}

// New creates a bridge advertising under a fixed name.
func New(name string, transport Transport, opts ...Option) *Bridge {
	b := &Bridge{
		name:      name,
		transport: transport,
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
		bindings:  make(map[string]*binding),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// NewWithNameSetting creates a bridge whose advertised name is read from name
// when Start runs.
func NewWithNameSetting(name *setting.Setting[string], transport Transport, opts ...Option) *Bridge {
	b := New("", transport, opts...)
	b.nameSetting = name
	return b
}

// Start initialises the transport, creates and starts the service and begins
// advertising. Transport failures are returned.
func (b *Bridge) Start() error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.svc != nil {
		return ErrAlreadyStarted
	}
	if b.transport == nil {
		return errors.New("bridge: transport is required")
	}
	name := b.name
	if b.nameSetting != nil {
		name = b.nameSetting.Get()
	}
	if err := b.transport.Init(name); err != nil {
		return fmt.Errorf("bridge: init transport: %w", err)
	}
	svc, err := b.transport.CreateService(b.serviceUUID)
	if err != nil {
		return fmt.Errorf("bridge: create service: %w", err)
	}
	if err := svc.Start(); err != nil {
		return fmt.Errorf("bridge: start service: %w", err)
	}
	b.transport.SetEventHandler(events{b})
	if err := b.transport.StartAdvertising(); err != nil {
		return fmt.Errorf("bridge: start advertising: %w", err)
	}
	b.svc = svc
	b.logger.Info().Str("name", name).Str("service", svc.UUID().String()).Msg("bridge advertising")
	return nil
}

// Stop ends advertising. Bound attributes stay in place.
func (b *Bridge) Stop() error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.svc == nil {
		return nil
	}
	if err := b.transport.StopAdvertising(); err != nil {
		return fmt.Errorf("bridge: stop advertising: %w", err)
	}
	return nil
}

// Tick lets the bridge be registered with an executor. The bridge is always live.
func (b *Bridge) Tick() bool {
	return true
}

// OnConnect replaces the connect callback.
func (b *Bridge) OnConnect(fn ConnectFunc) {
	b.mu.Lock()
	b.onConnect = fn
	b.mu.Unlock()
}

// OnDisconnect replaces the disconnect callback. Advertising is restarted
// after every disconnect whether or not a callback is set.
func (b *Bridge) OnDisconnect(fn DisconnectFunc) {
	b.mu.Lock()
	b.onDisconnect = fn
	b.mu.Unlock()
}

// AddSetting publishes s using the default codec for its type.
func AddSetting[T setting.Value](b *Bridge, s *setting.Setting[T]) error {
	return AddSettingWithCodec(b, s, CodecFor[T]())
}

// AddSettingWithCodec publishes s using codec. The attribute is created at
// AttributeUUID(s.UUID16()) and seeded with the current value. Remote writes
// are decoded and stored with Set. Only setting types that push local changes
// get a notifiable attribute.
func AddSettingWithCodec[T setting.Value](b *Bridge, s *setting.Setting[T], codec Codec[T]) error {
	if s == nil {
		return errors.New("bridge: setting must not be nil")
	}
	if codec == nil {
		return fmt.Errorf("bridge: setting %s: codec must not be nil", s.Name())
	}
	svc := b.service()
	if svc == nil {
		return ErrNotStarted
	}

	name := s.Name()
	write := func(payload []byte, peer PeerInfo) {
		value, exact := codec.Decode(payload)
		b.telemetry.IncRemoteWrite(name)
		if !exact {
			b.telemetry.IncParseFallback(name)
			b.logger.Debug().Str("setting", name).Str("peer", peer.ID).Bytes("payload", payload).Msg("coerced remote payload")
		}
		s.Set(value)
	}

	push := b.pushAll || pushesByDefault(s.Kind())
	props := PropRead | PropWrite
	if push {
		props |= PropNotify
	}
	attr, err := svc.CreateAttribute(AttributeSpec{
		UUID:       AttributeUUID(s.UUID16()),
		Name:       name,
		Kind:       s.Kind(),
		Properties: props,
		Initial:    codec.Encode(s.Get()),
		OnWrite:    write,
	})
	if err != nil {
		return fmt.Errorf("bridge: setting %s: %w", name, err)
	}

	if push {
		s.OnChange(func(current, _ T) {
			attr.SetValue(codec.Encode(current))
			if err := attr.Notify(); err != nil {
				b.logger.Warn().Err(err).Str("setting", name).Msg("notify failed")
				return
			}
			b.telemetry.IncNotification(name)
		})
	}

	bound := &binding{name: name, id: s.UUID16(), kind: s.Kind(), push: push, attr: attr, write: write}
	b.mu.Lock()
	if _, ok := b.bindings[name]; !ok {
		b.order = append(b.order, bound)
	}
	b.bindings[name] = bound
	b.mu.Unlock()
	b.logger.Debug().Str("setting", name).Str("uuid", attr.UUID().String()).Bool("push", push).Msg("setting published")
	return nil
}

// Apply routes payload through the remote write path of the named setting, as
// if a peer had written it.
func (b *Bridge) Apply(name string, payload []byte, peer PeerInfo) error {
	b.mu.RLock()
	bound, ok := b.bindings[name]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", setting.ErrUnknownSetting, name)
	}
	bound.write(payload, peer)
	return nil
}

// Bindings lists the published settings in registration order.
func (b *Bridge) Bindings() []Binding {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Binding, 0, len(b.order))
	for _, bound := range b.order {
		out = append(out, Binding{
			Name:    bound.name,
			ID:      bound.id,
			UUID:    bound.attr.UUID(),
			Kind:    bound.kind,
			Push:    bound.push,
			Payload: string(bound.attr.Value()),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Bridge) service() Service {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	return b.svc
}

func (b *Bridge) restartAdvertising() {
	if err := b.transport.StartAdvertising(); err != nil {
		b.logger.Error().Err(err).Msg("restart advertising failed")
	}
}

// pushesByDefault reflects which setting types notify peers without WithPushAll.
func pushesByDefault(kind setting.Kind) bool {
	switch kind {
	case setting.KindInt, setting.KindInt32, setting.KindInt64, setting.KindString:
		return true
	default:
		return false
	}
}

type events struct {
	b *Bridge
}

func (e events) PeerConnected(peer PeerInfo) {
	e.b.telemetry.IncPeerEvent("connect")
	e.b.logger.Info().Str("peer", peer.ID).Str("address", peer.Address).Msg("peer connected")
	e.b.mu.RLock()
	fn := e.b.onConnect
	e.b.mu.RUnlock()
	if fn != nil {
		fn(peer)
	}
}

func (e events) PeerDisconnected(peer PeerInfo, reason int) {
	e.b.telemetry.IncPeerEvent("disconnect")
	e.b.logger.Info().Str("peer", peer.ID).Int("reason", reason).Msg("peer disconnected")
	e.b.mu.RLock()
	fn := e.b.onDisconnect
	e.b.mu.RUnlock()
	defer e.b.restartAdvertising()
	if fn != nil {
		fn(peer, reason)
	}
}
