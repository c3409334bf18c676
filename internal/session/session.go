// Package session maintains a peer's connection to the hub and moves key
// actions between the local devices and the hub while connected.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/neuroplastio/keysync/internal/keymap"
	"github.com/neuroplastio/keysync/internal/wire"
	"github.com/neuroplastio/keysync/keyapi"
	"github.com/neuroplastio/keysync/pkg/bus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Injector receives the translated incoming actions.
type Injector interface {
	Submit(ctx context.Context, action keyapi.KeyAction) error
	ReleaseAll(ctx context.Context) error
}

type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// ConnectionError reports a failed dial, read or write. It always leads to a reconnect.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

var errInjector = errors.New("injector failed")

type StateChange struct {
	From State
	To   State
	Err  error
}

type (
	Bus        = bus.Bus[string, StateChange]
	Subscriber = bus.Subscriber[string, StateChange]
)

var defaultOptions = options{
	initialBackoff: 50 * time.Millisecond,
	maxBackoff:     10 * time.Second,
	connectTimeout: 5 * time.Second,
	releaseTimeout: time.Second,
	queueSize:      256,
	label:          "peer",
}

type options struct {
	dialer         Dialer
	initialBackoff time.Duration
	maxBackoff     time.Duration
	connectTimeout time.Duration
	releaseTimeout time.Duration
	queueSize      int
	label          string
	bus            *Bus
}

type Option func(*options)

func WithDialer(d Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

func WithBackoff(initial, max time.Duration) Option {
	return func(o *options) {
		o.initialBackoff = initial
		o.maxBackoff = max
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = d
	}
}

// WithQueueSize bounds the outgoing actions waiting for the connection.
func WithQueueSize(n int) Option {
	return func(o *options) {
		o.queueSize = n
	}
}

// WithLabel names the peer in logs and state change events.
func WithLabel(label string) Option {
	return func(o *options) {
		o.label = label
	}
}

// WithBus publishes state changes on b, keyed by the peer label.
func WithBus(b *Bus) Option {
	return func(o *options) {
		o.bus = b
	}
}

type Session struct {
	log      *zap.Logger
	addr     string
	tables   *keymap.Holder
	injector Injector
	options  options

	state   *atomic.Int32
	dropped *atomic.Uint64
	queue   *dropQueue
}

func New(log *zap.Logger, addr string, tables *keymap.Holder, injector Injector, opts ...Option) *Session {
	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		var d net.Dialer
		o.dialer = d.DialContext
	}
	dropped := atomic.NewUint64(0)
	return &Session{
		log:      log,
		addr:     addr,
		tables:   tables,
		injector: injector,
		options:  o,
		state:    atomic.NewInt32(int32(Disconnected)),
		dropped:  dropped,
		queue:    newDropQueue(o.queueSize, dropped),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Dropped counts local actions discarded while disconnected or on queue overflow.
func (s *Session) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Session) transition(ctx context.Context, in Input, cause error) State {
	from := s.State()
	to, err := Next(from, in)
	if err != nil {
		s.log.Error("session state machine violated", zap.Error(err))
		return from
	}
	s.state.Store(int32(to))
	s.log.Debug("state", zap.Stringer("from", from), zap.Stringer("to", to))
	if s.options.bus != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 100*time.Millisecond)
		s.options.bus.Publish(pctx, s.options.label, StateChange{From: from, To: to, Err: cause})
		cancel()
	}
	return to
}

// Run keeps the session connected until ctx is done, forwarding the local
// actions read from events. It returns an error only when the injector fails.
func (s *Session) Run(ctx context.Context, events <-chan keyapi.KeyAction) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.pump(ctx, events)
		return nil
	})
	g.Go(func() error {
		return s.connectLoop(ctx)
	})
	return g.Wait()
}

// pump translates local actions and queues them while connected.
func (s *Session) pump(ctx context.Context, events <-chan keyapi.KeyAction) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-events:
			if !ok {
				s.log.Info("Local capture ended, receive only")
				return
			}
			if s.State() != Connected {
				s.dropped.Inc()
				s.log.Debug("dropped while disconnected", zap.Stringer("action", a))
				continue
			}
			s.queue.push(s.tables.Load().Outgoing.Apply(a))
		}
	}
}

func (s *Session) connectLoop(ctx context.Context) error {
	backoff := NewBackoff(s.options.initialBackoff, s.options.maxBackoff)
	for {
		s.transition(ctx, Dial, nil)
		conn, err := s.dial(ctx)
		if err != nil {
			s.transition(ctx, Failed, err)
			if ctx.Err() != nil {
				return nil
			}
			wait := backoff.Next()
			s.log.Warn("Failed to connect", zap.String("addr", s.addr), zap.Duration("retryIn", wait), zap.Error(err))
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		backoff.Reset()
		if n := s.queue.clear(); n > 0 {
			s.log.Debug("discarded stale actions", zap.Int("count", n))
		}
		s.transition(ctx, Established, nil)
		s.log.Info("Connected to hub", zap.String("addr", s.addr))

		err = s.serve(ctx, conn)
		s.transition(ctx, Lost, err)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errInjector) {
			return err
		}
		s.releaseHeld(ctx)
		wait := backoff.Next()
		s.log.Warn("Disconnected from hub", zap.String("addr", s.addr), zap.Duration("retryIn", wait), zap.Error(err))
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.options.connectTimeout)
	defer cancel()
	conn, err := s.options.dialer(ctx, "tcp", s.addr)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Addr: s.addr, Err: err}
	}
	return conn, nil
}

func (s *Session) releaseHeld(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.options.releaseTimeout)
	defer cancel()
	if err := s.injector.ReleaseAll(ctx); err != nil {
		s.log.Warn("Failed to release held keys", zap.Error(err))
	}
}

// serve runs the outgoing and incoming flows until either fails or ctx is done.
// The connection is closed when it returns.
func (s *Session) serve(ctx context.Context, conn net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		for {
			a, err := s.queue.pop(gctx)
			if err != nil {
				return nil
			}
			if err := wire.WriteAction(conn, a); err != nil {
				return &ConnectionError{Op: "write", Addr: s.addr, Err: err}
			}
			s.log.Debug("sent", zap.Stringer("action", a))
		}
	})
	g.Go(func() error {
		r := wire.NewReader(conn)
		for {
			a, err := r.ReadAction()
			if err != nil {
				return &ConnectionError{Op: "read", Addr: s.addr, Err: err}
			}
			a = s.tables.Load().Incoming.Apply(a)
			s.log.Debug("received", zap.Stringer("action", a))
			if err := s.injector.Submit(gctx, a); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: %w", errInjector, err)
			}
		}
	})
	return g.Wait()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
