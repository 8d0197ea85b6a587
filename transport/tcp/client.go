package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
)

// ErrClientClosed is returned for requests on a closed client.
var ErrClientClosed = errors.New("tcp: client closed")

// Notification is a pushed attribute value.
type Notification struct {
	Attribute uuid.UUID
	Payload   []byte
}

// Client talks to a device served by Transport.
type Client struct {
	conn   net.Conn
	framer *framer

	mu       sync.Mutex
	seq      uint32
	pending  map[uint32]chan Message
	onNotify func(Notification)
	err      error

	done chan struct{}
}

// Dial connects to a device.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", addr, err)
	}
	c := &Client{
		conn:    conn,
		framer:  newFramer(conn),
		pending: make(map[uint32]chan Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// OnNotify installs the notification callback. It runs on the read goroutine.
func (c *Client) OnNotify(fn func(Notification)) {
	c.mu.Lock()
	c.onNotify = fn
	c.mu.Unlock()
}

// Hello returns the advertised device name.
func (c *Client) Hello(ctx context.Context) (string, error) {
	reply, err := c.request(ctx, Message{Op: OpHello})
	if err != nil {
		return "", err
	}
	return reply.Device, nil
}

// List returns the attributes served by the device.
func (c *Client) List(ctx context.Context) ([]AttributeInfo, error) {
	reply, err := c.request(ctx, Message{Op: OpList})
	if err != nil {
		return nil, err
	}
	return reply.Attributes, nil
}

// Read returns the stored payload of an attribute.
func (c *Client) Read(ctx context.Context, id uuid.UUID) ([]byte, error) {
	reply, err := c.request(ctx, Message{Op: OpRead, Attribute: id.String()})
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

// Write stores payload in an attribute.
func (c *Client) Write(ctx context.Context, id uuid.UUID, payload []byte) error {
	_, err := c.request(ctx, Message{Op: OpWrite, Attribute: id.String(), Payload: payload})
	return err
}

// Subscribe enables notifications for an attribute.
func (c *Client) Subscribe(ctx context.Context, id uuid.UUID) error {
	_, err := c.request(ctx, Message{Op: OpSubscribe, Attribute: id.String()})
	return err
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close ends the connection.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) request(ctx context.Context, msg Message) (Message, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Message{}, err
	}
	c.seq++
	if c.seq == 0 {
		c.seq++
	}
	msg.Seq = c.seq
	reply := make(chan Message, 1)
	c.pending[msg.Seq] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.Seq)
		c.mu.Unlock()
	}()

	data, err := encode(msg)
	if err != nil {
		return Message{}, err
	}
	if err := c.framer.writeFrame(data); err != nil {
		return Message{}, err
	}

	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.done:
		return Message{}, ErrClientClosed
	case r := <-reply:
		if r.Op == OpError {
			return Message{}, fmt.Errorf("tcp: %s %s: %s", msg.Op, msg.Attribute, r.Error)
		}
		return r, nil
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		frame, err := c.framer.readFrame()
		if err != nil {
			c.mu.Lock()
			c.err = ErrClientClosed
			c.mu.Unlock()
			return
		}
		msg, err := decode(frame)
		if err != nil {
			continue
		}
		if msg.Op == OpNotify && msg.Seq == 0 {
			id, err := uuid.Parse(msg.Attribute)
			if err != nil {
				continue
			}
			c.mu.Lock()
			fn := c.onNotify
			c.mu.Unlock()
			if fn != nil {
				fn(Notification{Attribute: id, Payload: msg.Payload})
			}
			continue
		}
		c.mu.Lock()
		reply, ok := c.pending[msg.Seq]
		c.mu.Unlock()
		if ok {
			reply <- msg
		}
	}
}
