// Package capture merges the key actions of every selected input device into one stream.
package capture

import (
	"context"
	"sync"

	"github.com/neuroplastio/keysync/internal/devices"
	"github.com/neuroplastio/keysync/keyapi"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var defaultOptions = options{
	bufferSize: 256,
}

type options struct {
	bufferSize int
}

type Option func(*options)

func WithBufferSize(n int) Option {
	return func(o *options) {
		o.bufferSize = n
	}
}

// Capture owns one reader per monitored device. Devices are discovered once,
// when the capture starts; a device that goes away ends only its own reader.
type Capture struct {
	log     *zap.Logger
	events  chan keyapi.KeyAction
	sources *xsync.MapOf[string, devices.Source]

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// Start enumerates devices, opens every one the filter selects and starts reading them.
// Devices that cannot be opened are logged and skipped.
func Start(ctx context.Context, log *zap.Logger, backend devices.Backend, filter *devices.Filter, opts ...Option) (*Capture, error) {
	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}
	infos, err := backend.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	c := &Capture{
		log:     log,
		events:  make(chan keyapi.KeyAction, o.bufferSize),
		sources: xsync.NewMapOf[string, devices.Source](),
		done:    make(chan struct{}),
	}
	for _, info := range infos {
		if !filter.Match(info) {
			continue
		}
		src, err := backend.OpenSource(info.Path)
		if err != nil {
			log.Warn("Skipping device", zap.String("device", info.Path), zap.String("name", info.Name), zap.Error(err))
			continue
		}
		c.sources.Store(info.Path, src)
		log.Info("Monitoring device", zap.String("device", info.Path), zap.String("name", info.Name))
	}
	if c.sources.Size() == 0 {
		log.Warn("No input devices selected, running receive-only")
	}
	c.sources.Range(func(path string, src devices.Source) bool {
		c.wg.Add(1)
		go c.read(path, src)
		return true
	})
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	return c, nil
}

func (c *Capture) read(path string, src devices.Source) {
	defer c.wg.Done()
	log := c.log.With(zap.String("device", path))
	for {
		action, err := src.ReadAction()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Warn("Device stream ended", zap.Error(err))
			}
			if _, ok := c.sources.LoadAndDelete(path); ok {
				src.Close()
			}
			return
		}
		log.Debug("captured", zap.Stringer("action", action))
		select {
		case c.events <- action:
		case <-c.done:
			return
		}
	}
}

// Events is the merged stream in arrival order. It is closed after Close once every reader has stopped.
func (c *Capture) Events() <-chan keyapi.KeyAction {
	return c.events
}

// Devices returns the paths still being read.
func (c *Capture) Devices() []string {
	var paths []string
	c.sources.Range(func(path string, _ devices.Source) bool {
		paths = append(paths, path)
		return true
	})
	return paths
}

func (c *Capture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.sources.Range(func(path string, src devices.Source) bool {
			if _, ok := c.sources.LoadAndDelete(path); ok {
				err = multierr.Append(err, src.Close())
			}
			return true
		})
		go func() {
			c.wg.Wait()
			close(c.events)
		}()
	})
	return err
}
