// Package hub relays key frames between connected peers.
//
// Every valid frame received from a peer is sent to every registered peer,
// the sender included. A peer that cannot keep up is disconnected; it never
// delays delivery to the others.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/neuroplastio/keysync/internal/wire"
	"github.com/neuroplastio/keysync/pkg/bus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type EventType uint8

const (
	PeerConnected EventType = iota
	PeerDisconnected
)

func (t EventType) String() string {
	switch t {
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("EventType(%d)", uint8(t))
}

type Event struct {
	Type       EventType
	Peer       PeerID
	RemoteAddr string
	Reason     string
}

type (
	Bus        = bus.Bus[PeerID, Event]
	Subscriber = bus.Subscriber[PeerID, Event]
)

// BindError is returned by Start when the listening socket cannot be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

const publishTimeout = 100 * time.Millisecond

var defaultOptions = options{
	queueSize:    256,
	writeTimeout: 5 * time.Second,
}

type options struct {
	queueSize    int
	writeTimeout time.Duration
	bus          *Bus
}

type Option func(*options)

// WithQueueSize bounds the frames waiting to be written to a single peer.
func WithQueueSize(n int) Option {
	return func(o *options) {
		o.queueSize = n
	}
}

// WithWriteTimeout bounds a single socket write to a peer.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// WithBus publishes peer lifecycle events on b.
func WithBus(b *Bus) Option {
	return func(o *options) {
		o.bus = b
	}
}

type Hub struct {
	log      *zap.Logger
	options  options
	registry *Registry
	nextID   *atomic.Uint64
	now      func() time.Time

	ready chan struct{}
	addr  net.Addr
}

func New(log *zap.Logger, opts ...Option) *Hub {
	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Hub{
		log:      log,
		options:  o,
		registry: NewRegistry(),
		nextID:   atomic.NewUint64(0),
		now:      time.Now,
		ready:    make(chan struct{}),
	}
}

// Start binds addr and serves peers until ctx is done. A bind failure is
// returned immediately as a *BindError.
func (h *Hub) Start(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}
	return h.Serve(ctx, ln)
}

// Serve accepts peers on ln until ctx is done or ln is closed. Accept
// failures such as descriptor exhaustion are retried with backoff.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	h.addr = ln.Addr()
	close(h.ready)
	h.log.Info("Hub listening", zap.String("addr", h.addr.String()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		for _, p := range h.registry.snapshot() {
			h.drop(ctx, p, "shutdown")
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		var delay time.Duration
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				delay = acceptBackoff(delay)
				h.log.Warn("Accept failed, retrying", zap.Error(err), zap.Duration("delay", delay))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
				continue
			}
			delay = 0
			p := h.register(ctx, conn)
			g.Go(func() error {
				h.writeLoop(ctx, p)
				return nil
			})
			g.Go(func() error {
				h.readLoop(ctx, p)
				return nil
			})
		}
	})
	err := g.Wait()
	h.log.Info("Hub stopped")
	return err
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	return min(prev*2, maxAcceptDelay)
}

func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

// Addr is the bound address. It is valid once Ready is closed.
func (h *Hub) Addr() net.Addr {
	<-h.ready
	return h.addr
}

// Peers returns the currently registered peer ids in ascending order.
func (h *Hub) Peers() []PeerID {
	return h.registry.IDs()
}

func (h *Hub) register(ctx context.Context, conn net.Conn) *peer {
	id := PeerID(h.nextID.Inc())
	remote := conn.RemoteAddr().String()
	p := newPeer(id, conn, h.options.queueSize, h.log.With(zap.Stringer("peer", id), zap.String("remote", remote)))
	h.registry.add(p)
	p.log.Info("Peer connected", zap.Int("peers", h.registry.Len()))
	h.publish(ctx, Event{Type: PeerConnected, Peer: id, RemoteAddr: remote})
	if ctx.Err() != nil {
		h.drop(ctx, p, "shutdown")
	}
	return p
}

// drop deregisters the peer and closes its connection. Only the first call has an effect.
func (h *Hub) drop(ctx context.Context, p *peer, reason string) {
	if _, ok := h.registry.remove(p.id); !ok {
		return
	}
	p.close()
	p.log.Info("Peer disconnected", zap.String("reason", reason), zap.Int("peers", h.registry.Len()))
	h.publish(ctx, Event{
		Type:       PeerDisconnected,
		Peer:       p.id,
		RemoteAddr: p.conn.RemoteAddr().String(),
		Reason:     reason,
	})
}

func (h *Hub) publish(ctx context.Context, e Event) {
	if h.options.bus == nil {
		return
	}
	select {
	case <-h.options.bus.Ready():
	default:
		return
	}
	// Disconnects are still reported while the hub shuts down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	h.options.bus.Publish(ctx, e.Peer, e)
}

func (h *Hub) readLoop(ctx context.Context, p *peer) {
	r := wire.NewReader(p.conn)
	for {
		payload, err := r.ReadFrame()
		if err != nil {
			h.drop(ctx, p, readReason(err))
			return
		}
		action, err := wire.Decode(payload, h.now())
		if err != nil {
			p.log.Warn("Malformed frame", zap.Error(err))
			h.drop(ctx, p, "malformed frame")
			return
		}
		p.log.Debug("relaying", zap.Stringer("action", action))
		h.broadcast(ctx, wire.Encode(action))
	}
}

func readReason(err error) string {
	var perr *wire.ProtocolError
	switch {
	case errors.Is(err, io.EOF):
		return "closed by peer"
	case errors.As(err, &perr):
		return perr.Error()
	case errors.Is(err, net.ErrClosed):
		return "connection closed"
	}
	return err.Error()
}

// broadcast hands the frame to every registered peer without waiting on any of them.
func (h *Hub) broadcast(ctx context.Context, frame []byte) {
	for _, p := range h.registry.snapshot() {
		if p.enqueue(frame) {
			continue
		}
		select {
		case <-p.done:
			continue
		default:
		}
		p.log.Warn("Peer queue full, disconnecting")
		h.drop(ctx, p, "queue full")
	}
}

func (h *Hub) writeLoop(ctx context.Context, p *peer) {
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.out:
			if h.options.writeTimeout > 0 {
				p.conn.SetWriteDeadline(h.now().Add(h.options.writeTimeout))
			}
			if _, err := p.conn.Write(frame); err != nil {
				h.drop(ctx, p, fmt.Sprintf("write: %v", err))
				return
			}
		}
	}
}
