// Package devicestest provides an in-memory devices.Backend for tests.
package devicestest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neuroplastio/keysync/internal/devices"
	"github.com/neuroplastio/keysync/keyapi"
)

var ErrUnplugged = errors.New("device unplugged")

type Backend struct {
	mu       sync.Mutex
	devices  []devices.Info
	sources  map[string]*Source
	failOpen map[string]error
	sinks    []*Sink
	nextNode int
	listErr  error
}

func NewBackend() *Backend {
	return &Backend{
		sources:  make(map[string]*Source),
		failOpen: make(map[string]error),
	}
}

// AddDevice registers a keyboard and returns its path.
func (b *Backend) AddDevice(name string) string {
	return b.add(devices.Info{Name: name, Keyboard: true})
}

// AddOther registers a non-keyboard device and returns its path.
func (b *Backend) AddOther(name string) string {
	return b.add(devices.Info{Name: name})
}

func (b *Backend) add(info devices.Info) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	info.Path = fmt.Sprintf("/dev/input/event%d", b.nextNode)
	b.nextNode++
	b.devices = append(b.devices, info)
	b.sources[info.Path] = newSource(info.Path)
	return info.Path
}

func (b *Backend) FailOpen(path string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOpen[path] = err
}

func (b *Backend) FailList(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listErr = err
}

func (b *Backend) source(path string) *Source {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sources[path]
}

// Emit queues an action on the device's stream.
func (b *Backend) Emit(path string, code keyapi.Code, t keyapi.Transition) {
	s := b.source(path)
	if s == nil {
		panic("devicestest: unknown device " + path)
	}
	s.ch <- keyapi.NewKeyAction(code, t, time.Now())
}

// Unplug ends the device's stream and removes it from enumeration.
func (b *Backend) Unplug(path string) {
	b.mu.Lock()
	s := b.sources[path]
	delete(b.sources, path)
	for i, info := range b.devices {
		if info.Path == path {
			b.devices = append(b.devices[:i], b.devices[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	if s != nil {
		s.closeOnce.Do(func() { close(s.gone) })
	}
}

func (b *Backend) Sinks() []*Sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Sink(nil), b.sinks...)
}

func (b *Backend) ListDevices(ctx context.Context) ([]devices.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	return append([]devices.Info(nil), b.devices...), nil
}

func (b *Backend) OpenSource(path string) (devices.Source, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.failOpen[path]; ok {
		return nil, &devices.DeviceError{Op: "open", Path: path, Err: err}
	}
	s, ok := b.sources[path]
	if !ok {
		return nil, &devices.DeviceError{Op: "open", Path: path, Err: devices.ErrUnavailable}
	}
	return s, nil
}

// CreateVirtual registers the sink as an enumerable device, as a real backend would.
func (b *Backend) CreateVirtual(name string, codes []keyapi.Code) (devices.Sink, error) {
	sink := NewSink(name, codes)
	path := b.add(devices.Info{Name: name, Keyboard: true})
	sink.Path = path
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
	return sink, nil
}

type Source struct {
	path      string
	ch        chan keyapi.KeyAction
	gone      chan struct{}
	closeOnce sync.Once
}

func newSource(path string) *Source {
	return &Source{
		path: path,
		ch:   make(chan keyapi.KeyAction, 1024),
		gone: make(chan struct{}),
	}
}

func (s *Source) ReadAction() (keyapi.KeyAction, error) {
	select {
	case a := <-s.ch:
		return a, nil
	case <-s.gone:
		return keyapi.KeyAction{}, &devices.DeviceError{Op: "read", Path: s.path, Err: ErrUnplugged}
	}
}

func (s *Source) Close() error {
	s.closeOnce.Do(func() { close(s.gone) })
	return nil
}

// Sink records every written action.
type Sink struct {
	Name  string
	Path  string
	Codes []keyapi.Code

	mu      sync.Mutex
	actions []keyapi.KeyAction
	notify  chan struct{}
	failErr error
	closed  bool
}

func NewSink(name string, codes []keyapi.Code) *Sink {
	return &Sink{
		Name:   name,
		Codes:  codes,
		notify: make(chan struct{}, 1),
	}
}

func (s *Sink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *Sink) WriteAction(action keyapi.KeyAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return &devices.DeviceError{Op: "write", Path: s.Path, Err: s.failErr}
	}
	s.actions = append(s.actions, action)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Sink) Actions() []keyapi.KeyAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]keyapi.KeyAction(nil), s.actions...)
}

// WaitFor blocks until at least n actions were written or the timeout passes.
func (s *Sink) WaitFor(n int, timeout time.Duration) []keyapi.KeyAction {
	deadline := time.After(timeout)
	for {
		actions := s.Actions()
		if len(actions) >= n {
			return actions
		}
		select {
		case <-s.notify:
		case <-deadline:
			return actions
		}
	}
}
