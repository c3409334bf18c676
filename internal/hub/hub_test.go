package hub

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/neuroplastio/keysync/internal/wire"
	"github.com/neuroplastio/keysync/keyapi"
	"github.com/neuroplastio/keysync/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

func startHub(t *testing.T, opts ...Option) (*Hub, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := New(zaptest.NewLogger(t), opts...)
	errc := make(chan error, 1)
	go func() {
		errc <- h.Start(ctx, "127.0.0.1:0")
	}()
	select {
	case <-h.Ready():
	case err := <-errc:
		t.Fatalf("hub failed to start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errc)
	})
	return h, ctx
}

type testPeer struct {
	conn net.Conn
	r    *wire.Reader
}

func dial(t *testing.T, h *Hub) *testPeer {
	t.Helper()
	before := len(h.Peers())
	conn, err := net.Dial("tcp", h.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool {
		return len(h.Peers()) == before+1
	}, time.Second, time.Millisecond)
	return &testPeer{conn: conn, r: wire.NewReader(conn)}
}

func (p *testPeer) send(t *testing.T, code keyapi.Code, tr keyapi.Transition) {
	t.Helper()
	require.NoError(t, wire.WriteAction(p.conn, keyapi.NewKeyAction(code, tr, time.Now())))
}

func (p *testPeer) receive(t *testing.T) keyapi.KeyAction {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	a, err := p.r.ReadAction()
	require.NoError(t, err)
	return a
}

func (p *testPeer) expectSilence(t *testing.T) {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err := p.r.ReadAction()
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "unexpected frame or error: %v", err)
}

func (p *testPeer) expectClosed(t *testing.T) {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, err := p.r.ReadAction()
		if err == nil {
			continue
		}
		assert.True(t, errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || isReset(err), "err: %v", err)
		return
	}
}

func isReset(err error) bool {
	var oe *net.OpError
	return errors.As(err, &oe) && !oe.Timeout()
}

func TestHubFanOutIncludesSender(t *testing.T) {
	h, _ := startHub(t)
	peers := []*testPeer{dial(t, h), dial(t, h), dial(t, h)}

	peers[1].send(t, 30, keyapi.Pressed)
	for _, p := range peers {
		a := p.receive(t)
		assert.Equal(t, keyapi.Code(30), a.Code)
		assert.Equal(t, keyapi.Pressed, a.Transition)
	}
	for _, p := range peers {
		p.expectSilence(t)
	}
}

func TestHubPreservesPerPeerOrder(t *testing.T) {
	h, _ := startHub(t)
	sender := dial(t, h)
	receiver := dial(t, h)

	for i := 1; i <= 100; i++ {
		sender.send(t, keyapi.Code(i), keyapi.Repeated)
	}
	for i := 1; i <= 100; i++ {
		assert.Equal(t, keyapi.Code(i), receiver.receive(t).Code)
	}
}

func TestHubMalformedFrameDropsOnlySender(t *testing.T) {
	testCases := []struct {
		name  string
		frame []byte
	}{
		{name: "bad transition", frame: []byte{3, 0, 0, 0, 1, 0, 9}},
		{name: "short payload", frame: []byte{2, 0, 0, 0, 1, 0}},
		{name: "oversized", frame: binary.LittleEndian.AppendUint32(nil, 1<<20)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := startHub(t)
			bad := dial(t, h)
			good1 := dial(t, h)
			good2 := dial(t, h)

			_, err := bad.conn.Write(tc.frame)
			require.NoError(t, err)
			bad.expectClosed(t)
			require.Eventually(t, func() bool {
				return len(h.Peers()) == 2
			}, time.Second, time.Millisecond)

			good1.send(t, 1, keyapi.Pressed)
			assert.Equal(t, keyapi.Code(1), good1.receive(t).Code)
			assert.Equal(t, keyapi.Code(1), good2.receive(t).Code)
		})
	}
}

func TestHubDeregistersOnDisconnect(t *testing.T) {
	h, _ := startHub(t)
	a := dial(t, h)
	b := dial(t, h)
	first := h.Peers()
	require.Len(t, first, 2)

	require.NoError(t, a.conn.Close())
	require.Eventually(t, func() bool {
		return len(h.Peers()) == 1
	}, time.Second, time.Millisecond)

	c := dial(t, h)
	ids := h.Peers()
	require.Len(t, ids, 2)
	assert.NotContains(t, first, ids[1], "ids are never reused")

	c.send(t, 2, keyapi.Released)
	assert.Equal(t, keyapi.Code(2), b.receive(t).Code)
	assert.Equal(t, keyapi.Code(2), c.receive(t).Code)
}

func TestHubBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	h := New(zaptest.NewLogger(t))
	errc := make(chan error, 1)
	go func() {
		errc <- h.Start(context.Background(), ln.Addr().String())
	}()
	select {
	case err := <-errc:
		var bindErr *BindError
		require.ErrorAs(t, err, &bindErr)
		assert.Equal(t, ln.Addr().String(), bindErr.Addr)
	case <-time.After(time.Second):
		t.Fatal("Start did not fail")
	}
	select {
	case <-h.Ready():
		t.Fatal("hub reported ready after bind failure")
	default:
	}
}

func TestHubSlowPeerIsolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := New(zaptest.NewLogger(t), WithQueueSize(2), WithWriteTimeout(time.Minute))

	// net.Pipe is unbuffered: a peer that never reads blocks its writer on the first frame.
	slowServer, slowClient := net.Pipe()
	defer slowClient.Close()
	slow := h.register(ctx, slowServer)
	go h.writeLoop(ctx, slow)

	fastServer, fastClient := net.Pipe()
	defer fastClient.Close()
	fast := h.register(ctx, fastServer)
	go h.writeLoop(ctx, fast)

	received := make(chan keyapi.KeyAction, 64)
	go func() {
		r := wire.NewReader(fastClient)
		for {
			a, err := r.ReadAction()
			if err != nil {
				close(received)
				return
			}
			received <- a
		}
	}()

	for i := 1; i <= 20; i++ {
		h.broadcast(ctx, wire.Encode(keyapi.NewKeyAction(keyapi.Code(i), keyapi.Pressed, time.Now())))
		select {
		case a := <-received:
			assert.Equal(t, keyapi.Code(i), a.Code)
		case <-time.After(time.Second):
			t.Fatalf("fast peer missed frame %d", i)
		}
	}
	assert.Equal(t, []PeerID{fast.id}, h.Peers())
	select {
	case <-slow.done:
	default:
		t.Fatal("slow peer not closed")
	}
}

func TestHubPublishesLifecycleEvents(t *testing.T) {
	busCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewBus[PeerID, Event](zaptest.NewLogger(t))
	require.NoError(t, b.Start(busCtx))
	events := b.Subscribe(busCtx)

	h, _ := startHub(t, WithBus(b))
	p := dial(t, h)

	next := func() Event {
		select {
		case msg := <-events:
			return msg.Message
		case <-time.After(time.Second):
			t.Fatal("no lifecycle event")
		}
		return Event{}
	}
	connected := next()
	assert.Equal(t, PeerConnected, connected.Type)

	require.NoError(t, p.conn.Close())
	disconnected := next()
	assert.Equal(t, PeerDisconnected, disconnected.Type)
	assert.Equal(t, connected.Peer, disconnected.Peer)
}

// exhaustedListener fails the first accepts the way a process out of
// descriptors does, then hands out real connections.
type exhaustedListener struct {
	net.Listener
	failures *atomic.Int32
}

func (l *exhaustedListener) Accept() (net.Conn, error) {
	if l.failures.Dec() >= 0 {
		return nil, &net.OpError{Op: "accept", Net: "tcp", Addr: l.Addr(), Err: os.NewSyscallError("accept4", syscall.EMFILE)}
	}
	return l.Listener.Accept()
}

func TestHubSurvivesAcceptErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	stub := &exhaustedListener{Listener: ln, failures: atomic.NewInt32(4)}

	ctx, cancel := context.WithCancel(context.Background())
	h := New(zaptest.NewLogger(t))
	errc := make(chan error, 1)
	go func() {
		errc <- h.Serve(ctx, stub)
	}()
	<-h.Ready()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errc)
	})

	a := dial(t, h)
	b := dial(t, h)
	assert.LessOrEqual(t, stub.failures.Load(), int32(0))

	a.send(t, 30, keyapi.Pressed)
	assert.Equal(t, keyapi.Code(30), a.receive(t).Code)
	assert.Equal(t, keyapi.Code(30), b.receive(t).Code)

	select {
	case err := <-errc:
		t.Fatalf("hub stopped: %v", err)
	default:
	}
}

func TestAcceptBackoff(t *testing.T) {
	var d time.Duration
	var seen []time.Duration
	for i := 0; i < 10; i++ {
		d = acceptBackoff(d)
		seen = append(seen, d)
	}
	assert.Equal(t, 5*time.Millisecond, seen[0])
	assert.Equal(t, 10*time.Millisecond, seen[1])
	assert.Equal(t, time.Second, seen[len(seen)-1])
}
