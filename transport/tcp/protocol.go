package tcp

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Op identifies the kind of a protocol message.
type Op uint8

const (
	OpHello Op = iota + 1
	OpList
	OpRead
	OpWrite
	OpSubscribe
	OpNotify
	OpResult
	OpError
)

func (o Op) String() string {
	switch o {
	case OpHello:
		return "hello"
	case OpList:
		return "list"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpSubscribe:
		return "subscribe"
	case OpNotify:
		return "notify"
	case OpResult:
		return "result"
	case OpError:
		return "error"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Message is the single frame type exchanged between device and client.
// Requests carry a non-zero Seq which the matching Result or Error repeats.
// Notifications use Seq 0.
//
// CBOR encoding:
//
//	{
//	  1: op,          // uint8
//	  2: seq,         // uint32
//	  3: attribute,   // canonical uuid string
//	  4: payload,     // bytes
//	  5: error,       // text
//	  6: attributes,  // list results
//	  7: device       // hello results
//	}
type Message struct {
	Op         Op              `cbor:"1,keyasint"`
	Seq        uint32          `cbor:"2,keyasint,omitempty"`
	Attribute  string          `cbor:"3,keyasint,omitempty"`
	Payload    []byte          `cbor:"4,keyasint,omitempty"`
	Error      string          `cbor:"5,keyasint,omitempty"`
	Attributes []AttributeInfo `cbor:"6,keyasint,omitempty"`
	Device     string          `cbor:"7,keyasint,omitempty"`
}

// AttributeInfo describes an attribute in list results.
type AttributeInfo struct {
	UUID       string `cbor:"1,keyasint"`
	Name       string `cbor:"2,keyasint,omitempty"`
	Kind       string `cbor:"3,keyasint,omitempty"`
	Properties uint8  `cbor:"4,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("tcp: create cbor encoder mode: %v", err))
	}
	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("tcp: create cbor decoder mode: %v", err))
	}
}

func encode(msg Message) ([]byte, error) {
	data, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("tcp: encode %s: %w", msg.Op, err)
	}
	return data, nil
}

func decode(data []byte) (Message, error) {
	var msg Message
	if err := decMode.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("tcp: decode message: %w", err)
	}
	if msg.Op < OpHello || msg.Op > OpError {
		return Message{}, fmt.Errorf("tcp: invalid op %d", msg.Op)
	}
	return msg, nil
}
