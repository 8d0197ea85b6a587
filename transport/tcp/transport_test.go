package tcp

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/tickset/bridge"
	"github.com/timzifer/tickset/setting"
)

type fakeAdvertiser struct {
	mu        sync.Mutex
	instance  string
	port      int
	txt       []string
	active    bool
	announced int
}

func (f *fakeAdvertiser) Advertise(instance string, port int, txt []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instance, f.port, f.txt = instance, port, txt
	f.active = true
	f.announced++
	return nil
}

func (f *fakeAdvertiser) Stop() error {
	f.mu.Lock()
	f.active = false
	f.mu.Unlock()
	return nil
}

func (f *fakeAdvertiser) state() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.announced
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func TestFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := newFramer(&buf)
	require.NoError(t, f.writeFrame([]byte("hello")))
	require.Equal(t, []byte{0, 0, 0, 5}, buf.Bytes()[:4])

	frame, err := f.readFrame()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), frame)

	require.ErrorIs(t, f.writeFrame(nil), ErrFrameEmpty)
	require.ErrorIs(t, f.writeFrame(make([]byte, MaxFrameSize+1)), ErrFrameTooLarge)
}

func TestFramingRejectsBadInput(t *testing.T) {
	var oversized bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
	oversized.Write(prefix[:])
	_, err := newFramer(&oversized).readFrame()
	require.ErrorIs(t, err, ErrFrameTooLarge)

	truncated := bytes.NewBuffer([]byte{0, 0, 0, 4, 'a'})
	_, err = newFramer(truncated).readFrame()
	require.ErrorIs(t, err, ErrFrameTruncated)

	empty := bytes.NewBuffer([]byte{0, 0, 0, 0})
	_, err = newFramer(empty).readFrame()
	require.ErrorIs(t, err, ErrFrameEmpty)
}

func TestMessageEncoding(t *testing.T) {
	data, err := encode(Message{Op: OpWrite, Seq: 7, Attribute: bridge.AttributeUUID(1).String(), Payload: []byte("5")})
	require.NoError(t, err)
	msg, err := decode(data)
	require.NoError(t, err)
	require.Equal(t, OpWrite, msg.Op)
	require.Equal(t, uint32(7), msg.Seq)
	require.Equal(t, []byte("5"), msg.Payload)

	bad, err := encode(Message{Op: Op(42)})
	require.NoError(t, err)
	_, err = decode(bad)
	require.ErrorContains(t, err, "invalid op")
	require.Equal(t, "subscribe", OpSubscribe.String())
}

func TestBridgeOverTCP(t *testing.T) {
	adv := &fakeAdvertiser{}
	transport := New(Settings{Listen: "127.0.0.1:0"}, zerolog.Nop(), WithAdvertiser(adv))
	defer transport.Close()

	b := bridge.New("bench", transport)
	var mu sync.Mutex
	var reasons []int
	b.OnDisconnect(func(_ bridge.PeerInfo, reason int) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})
	require.NoError(t, b.Start())

	counter := setting.New("int", 0x0000, 10)
	ratio := setting.New[float32]("float", 0x0001, 0.5)
	require.NoError(t, bridge.AddSetting(b, counter))
	require.NoError(t, bridge.AddSetting(b, ratio))

	active, announced := adv.state()
	require.True(t, active)
	require.Equal(t, 1, announced)
	require.Equal(t, "bench", adv.instance)
	require.NotZero(t, adv.port)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, transport.Addr().String())
	require.NoError(t, err)

	notes := make(chan Notification, 8)
	client.OnNotify(func(n Notification) { notes <- n })

	name, err := client.Hello(ctx)
	require.NoError(t, err)
	require.Equal(t, "bench", name)
	eventually(t, func() bool { active, _ := adv.state(); return !active })

	attrs, err := client.List(ctx)
	require.NoError(t, err)
	require.Len(t, attrs, 2)
	require.Equal(t, "int", attrs[0].Name)
	require.Equal(t, string(setting.KindInt), attrs[0].Kind)

	intID := bridge.AttributeUUID(0x0000)
	floatID := bridge.AttributeUUID(0x0001)

	value, err := client.Read(ctx, intID)
	require.NoError(t, err)
	require.Equal(t, "10", string(value))

	require.NoError(t, client.Subscribe(ctx, intID))
	err = client.Subscribe(ctx, floatID)
	require.ErrorContains(t, err, ErrNotPermitted.Error())
	require.NoError(t, client.Write(ctx, intID, []byte("42x")))
	require.Equal(t, 42, counter.Get())

	select {
	case n := <-notes:
		require.Equal(t, intID, n.Attribute)
		require.Equal(t, "42", string(n.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}

	require.NoError(t, client.Write(ctx, floatID, []byte("1.5")))
	require.Equal(t, float32(1.5), ratio.Get())
	ratio.Set(2.5)
	value, err = client.Read(ctx, floatID)
	require.NoError(t, err)
	require.Equal(t, "1.5", string(value))
	select {
	case n := <-notes:
		t.Fatalf("unexpected notification for %s", n.Attribute)
	case <-time.After(50 * time.Millisecond):
	}

	err = client.Write(ctx, bridge.AttributeUUID(0x0042), []byte("1"))
	require.ErrorContains(t, err, ErrUnknownAttribute.Error())

	require.NoError(t, client.Close())
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reasons) == 1
	})
	mu.Lock()
	require.Equal(t, bridge.ReasonClosed, reasons[0])
	mu.Unlock()
	eventually(t, func() bool { active, announced := adv.state(); return active && announced == 2 })
	require.True(t, transport.Advertising())
}

func TestCloseWithConnectedPeerStopsAdvertising(t *testing.T) {
	adv := &fakeAdvertiser{}
	transport := New(Settings{Listen: "127.0.0.1:0"}, zerolog.Nop(), WithAdvertiser(adv))
	b := bridge.New("bench", transport)
	var mu sync.Mutex
	disconnects := 0
	b.OnDisconnect(func(bridge.PeerInfo, int) {
		mu.Lock()
		disconnects++
		mu.Unlock()
	})
	require.NoError(t, b.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, transport.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Hello(ctx)
	require.NoError(t, err)
	eventually(t, func() bool { active, _ := adv.state(); return !active })

	require.NoError(t, transport.Close())
	mu.Lock()
	require.Equal(t, 1, disconnects)
	mu.Unlock()

	active, announced := adv.state()
	require.False(t, active)
	require.Equal(t, 1, announced)
	require.False(t, transport.Advertising())

	require.NoError(t, transport.StartAdvertising())
	_, announced = adv.state()
	require.Equal(t, 1, announced)
}

func TestCreateServiceRequiresInit(t *testing.T) {
	transport := New(Settings{}, zerolog.Nop())
	_, err := transport.CreateService(bridge.AttributeUUID(0))
	require.ErrorIs(t, err, ErrNotInitialised)
	require.Nil(t, transport.Addr())
	require.NoError(t, transport.Close())
}

func TestFoundDial(t *testing.T) {
	require.Equal(t, "10.0.0.2:7420", Found{Address: "10.0.0.2", Port: 7420}.Dial())
	require.Equal(t, "bench.local:7420", Found{Host: "bench.local.", Port: 7420}.Dial())
}
