package bridge

import (
	"strings"

	"github.com/google/uuid"

	"github.com/timzifer/tickset/setting"
)

// Property is a bit set describing how peers may access an attribute.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropNotify
)

// Has reports whether all bits of p are set.
func (prop Property) Has(p Property) bool {
	return prop&p == p
}

func (prop Property) String() string {
	parts := make([]string, 0, 3)
	if prop.Has(PropRead) {
		parts = append(parts, "read")
	}
	if prop.Has(PropWrite) {
		parts = append(parts, "write")
	}
	if prop.Has(PropNotify) {
		parts = append(parts, "notify")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// PeerInfo identifies a remote peer.
type PeerInfo struct {
	ID      string `json:"id"`
	Address string `json:"address,omitempty"`
}

// Disconnect reasons reported by the bundled transports.
const (
	ReasonClosed         = 0
	ReasonConnectionLost = 1
	ReasonShutdown       = 2
)

// WriteHandler receives a payload written by a peer.
type WriteHandler func(payload []byte, peer PeerInfo)

// AttributeSpec describes an attribute to create on a service.
type AttributeSpec struct {
	UUID       uuid.UUID
	Name       string
	Kind       setting.Kind
	Properties Property
	Initial    []byte
	OnWrite    WriteHandler
}

// Attribute is a remotely addressable value slot.
//
// SetValue replaces the stored payload without raising a write event; only
// peer writes reach the WriteHandler. Notify pushes the stored payload to
// subscribed peers.
type Attribute interface {
	UUID() uuid.UUID
	Value() []byte
	SetValue(payload []byte)
	Notify() error
}

// Service groups attributes under one identifier.
type Service interface {
	UUID() uuid.UUID
	CreateAttribute(spec AttributeSpec) (Attribute, error)
	Start() error
}

// EventHandler receives peer lifecycle events from a transport.
type EventHandler interface {
	PeerConnected(peer PeerInfo)
	PeerDisconnected(peer PeerInfo, reason int)
}

// Transport is the capability the bridge needs from a wireless or network stack.
type Transport interface {
	Init(name string) error
	CreateService(id uuid.UUID) (Service, error)
	StartAdvertising() error
	StopAdvertising() error
	SetEventHandler(h EventHandler)
}

// baseUUID is the Bluetooth base UUID; 16-bit identifiers occupy bytes 2 and 3.
var baseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// AttributeUUID expands a 16-bit identifier into a full attribute address.
func AttributeUUID(id uint16) uuid.UUID {
	out := baseUUID
	out[2] = byte(id >> 8)
	out[3] = byte(id)
	return out
}

// ShortID extracts the 16-bit identifier from an address built by
// AttributeUUID. The second result is false for any other address.
func ShortID(id uuid.UUID) (uint16, bool) {
	probe := id
	probe[2], probe[3] = 0, 0
	if probe != baseUUID {
		return 0, false
	}
	return uint16(id[2])<<8 | uint16(id[3]), true
}
