package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/neuroplastio/keysync/internal/capture"
	"github.com/neuroplastio/keysync/internal/configsvc"
	"github.com/neuroplastio/keysync/internal/devices"
	"github.com/neuroplastio/keysync/internal/devices/linux"
	"github.com/neuroplastio/keysync/internal/hub"
	"github.com/neuroplastio/keysync/internal/inject"
	"github.com/neuroplastio/keysync/internal/inventory"
	"github.com/neuroplastio/keysync/internal/keymap"
	"github.com/neuroplastio/keysync/internal/session"
	"github.com/neuroplastio/keysync/keyapi"
	"github.com/neuroplastio/keysync/pkg/bus"
	"github.com/neuroplastio/keysync/pkg/registry"
	"go.uber.org/dig"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

type BackendRegistry = registry.Registry[devices.Backend, *zap.Logger]

type Agent struct {
	config    Config
	log       *zap.Logger
	container *dig.Container

	mu sync.Mutex
	db *badger.DB
}

type agentOptions struct {
	logger   *zap.Logger
	backends map[string]registry.ComponentCreator[devices.Backend, *zap.Logger]
	label    string
}

type Option func(*agentOptions)

// WithLogger replaces the development logger built from Config.LogLevel.
func WithLogger(log *zap.Logger) Option {
	return func(o *agentOptions) {
		o.logger = log
	}
}

// WithBackend registers an additional device backend under id.
func WithBackend(id string, creator registry.ComponentCreator[devices.Backend, *zap.Logger]) Option {
	return func(o *agentOptions) {
		o.backends[id] = creator
	}
}

// WithLabel sets the name this client uses in logs.
func WithLabel(label string) Option {
	return func(o *agentOptions) {
		o.label = label
	}
}

func newLogger(level string) (*zap.Logger, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		loggerConfig.Level = zap.NewAtomicLevelAt(lvl)
	}
	return loggerConfig.Build()
}

func NewAgent(config Config, opts ...Option) (*Agent, error) {
	options := agentOptions{
		backends: make(map[string]registry.ComponentCreator[devices.Backend, *zap.Logger]),
	}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger
	if logger == nil {
		var err error
		logger, err = newLogger(config.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}
	if config.Backend == "" {
		config.Backend = DefaultBackend
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if options.label == "" {
		options.label = defaultPeerLabel()
	}

	a := &Agent{
		config:    config,
		log:       logger,
		container: dig.New(),
	}
	providers := []any{
		func() *zap.Logger {
			return logger
		},
		func(log *zap.Logger) *BackendRegistry {
			r := registry.NewRegistry[devices.Backend, *zap.Logger](log.Named("devices"))
			r.Register("evdev", func(log *zap.Logger) (devices.Backend, error) {
				return linux.NewEvdevBackend(log.Named("evdev")), nil
			})
			r.Register("hidraw", func(log *zap.Logger) (devices.Backend, error) {
				return linux.NewHidrawBackend(log.Named("hidraw")), nil
			})
			for id, creator := range options.backends {
				r.Register(id, creator)
			}
			return r
		},
		func(r *BackendRegistry) (devices.Backend, error) {
			return r.New(config.Backend)
		},
		func(log *zap.Logger) *configsvc.Service {
			return configsvc.New(log.Named("config"))
		},
		func(log *zap.Logger) (*badger.DB, error) {
			db, err := inventory.Open(filepath.Join(config.DataDir, "db"), log.Named("badger"))
			if err != nil {
				return nil, err
			}
			a.mu.Lock()
			a.db = db
			a.mu.Unlock()
			return db, nil
		},
		func(db *badger.DB, log *zap.Logger) *inventory.Service {
			return inventory.New(db, log.Named("inventory"), time.Now)
		},
		func() peerName {
			return peerName(options.label)
		},
	}
	for _, p := range providers {
		if err := a.container.Provide(p); err != nil {
			return nil, fmt.Errorf("failed to wire agent: %w", err)
		}
	}
	return a, nil
}

type peerName string

func (a *Agent) Logger() *zap.Logger {
	return a.log
}

func (a *Agent) Config() Config {
	return a.config
}

// Close releases the resources opened on demand.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var err error
	if a.db != nil {
		err = multierr.Append(err, a.db.Close())
		a.db = nil
	}
	// Sync reports EINVAL for terminals.
	_ = a.log.Sync()
	return err
}

// RunServer runs the hub on addr until ctx is cancelled.
func (a *Agent) RunServer(ctx context.Context, addr string) error {
	log := a.log.Named("hub")
	group, groupCtx := errgroup.WithContext(ctx)

	peerBus := bus.NewBus[hub.PeerID, hub.Event](log.Named("bus"))
	if err := peerBus.Start(groupCtx); err != nil {
		return err
	}
	h := hub.New(log, hub.WithQueueSize(a.config.QueueSize), hub.WithBus(peerBus))
	events := peerBus.Subscribe(groupCtx)
	group.Go(func() error {
		connected := 0
		for msg := range events {
			switch msg.Message.Type {
			case hub.PeerConnected:
				connected++
			case hub.PeerDisconnected:
				connected--
			}
			log.Debug("peers", zap.Int("connected", connected), zap.Stringer("event", msg.Message.Type), zap.Stringer("peer", msg.Key))
		}
		return nil
	})
	group.Go(func() error {
		return h.Start(groupCtx, addr)
	})
	err := group.Wait()
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// LoadSyncConfig reads the config file, creating it from DefaultTemplate first when missing.
func (a *Agent) LoadSyncConfig() (SyncConfig, error) {
	created, err := configsvc.EnsureFile(a.config.ConfigPath, []byte(DefaultTemplate))
	if err != nil {
		return SyncConfig{}, err
	}
	if created {
		a.log.Info("Created default config", zap.String("path", a.config.ConfigPath))
	}
	return configsvc.Read(a.config.ConfigPath, SyncConfig{})
}

// RunClient connects to the hub at addr and synchronizes keys until ctx is cancelled.
// Startup fails on an invalid config, or when the virtual keyboard cannot be created.
func (a *Agent) RunClient(ctx context.Context, addr string) error {
	var (
		backend devices.Backend
		cfgSvc  *configsvc.Service
		label   peerName
		inv     *inventory.Service
	)
	err := a.container.Invoke(func(b devices.Backend, c *configsvc.Service, l peerName) {
		backend, cfgSvc, label = b, c, l
	})
	if err != nil {
		return fmt.Errorf("failed to create device backend: %w", err)
	}
	if err := a.container.Invoke(func(s *inventory.Service) { inv = s }); err != nil {
		a.log.Warn("Device inventory unavailable", zap.Error(err))
	}
	log := a.log.Named("client").With(zap.String("label", string(label)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- cfgSvc.Start(ctx)
	}()
	select {
	case <-cfgSvc.Ready():
	case err := <-watchErr:
		return err
	}

	cfg, holder, err := a.watchMappings(cfgSvc, log)
	if err == nil {
		err = a.runClient(ctx, log, addr, backend, inv, cfg, holder, string(label))
	}
	cancel()
	return multierr.Append(err, <-watchErr)
}

// watchMappings builds the initial mappings and subscribes to config changes.
// The holder is seeded before the subscription, so after it returns only
// reloads write to it.
func (a *Agent) watchMappings(cfgSvc *configsvc.Service, log *zap.Logger) (SyncConfig, *keymap.Holder, error) {
	cfg, err := a.LoadSyncConfig()
	if err != nil {
		return cfg, nil, err
	}
	tables, err := keymap.Build(cfg.Incoming, cfg.Outgoing)
	if errors.Is(err, keyapi.ErrEmptyConfig) {
		return cfg, nil, fmt.Errorf("%w: edit %s", err, a.config.ConfigPath)
	}
	if err != nil {
		return cfg, nil, err
	}
	holder := keymap.NewHolder(tables)
	_, err = configsvc.Register(cfgSvc, a.config.ConfigPath, SyncConfig{}, func(next SyncConfig, err error) {
		a.reload(log, holder, next, err)
	})
	if err != nil {
		return cfg, nil, err
	}
	return cfg, holder, nil
}

// reload swaps in the mappings of a changed config file. Device selection
// is only read at startup.
func (a *Agent) reload(log *zap.Logger, holder *keymap.Holder, next SyncConfig, err error) {
	if err != nil {
		log.Error("Invalid config, keeping the current mappings", zap.Error(err))
		return
	}
	tables, err := keymap.Build(next.Incoming, next.Outgoing)
	if err != nil {
		log.Error("Invalid config, keeping the current mappings", zap.Error(err))
		return
	}
	holder.Store(tables)
	log.Info("Mappings reloaded", zap.Int("incoming", tables.Incoming.Len()), zap.Int("outgoing", tables.Outgoing.Len()))
}

func (a *Agent) runClient(ctx context.Context, log *zap.Logger, addr string, backend devices.Backend, inv *inventory.Service, cfg SyncConfig, holder *keymap.Holder, label string) (err error) {
	tables := holder.Load()
	codes := devices.MergeCodes(tables.Incoming.Targets(), keyapi.KeyboardCodes())
	sink, err := backend.CreateVirtual(devices.VirtualDeviceName, codes)
	if err != nil {
		return fmt.Errorf("failed to create virtual keyboard: %w", err)
	}
	defer func() {
		err = multierr.Append(err, sink.Close())
	}()

	virtuals, err := devices.LocateVirtual(ctx, backend, devices.VirtualDeviceName)
	if err != nil {
		return err
	}
	reserved := devices.Reserved{Names: []string{devices.VirtualDeviceName}}
	for _, v := range virtuals {
		reserved.Paths = append(reserved.Paths, v.Path)
	}
	filter, err := devices.NewFilter(cfg.Devices, reserved)
	if err != nil {
		return err
	}
	if inv != nil {
		if infos, err := backend.ListDevices(ctx); err == nil {
			if _, err := inv.Record(a.config.Backend, infos); err != nil {
				log.Warn("Failed to record devices", zap.Error(err))
			}
		}
	}

	capt, err := capture.Start(ctx, log.Named("capture"), backend, filter)
	if err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}
	defer func() {
		err = multierr.Append(err, capt.Close())
	}()

	stateBus := bus.NewBus[string, session.StateChange](log.Named("bus"))
	group, groupCtx := errgroup.WithContext(ctx)
	if err := stateBus.Start(groupCtx); err != nil {
		return err
	}
	changes := stateBus.Subscribe(groupCtx, label)

	injector := inject.New(log.Named("inject"), sink)
	sess := session.New(log.Named("session"), addr, holder, injector,
		session.WithQueueSize(a.config.QueueSize),
		session.WithLabel(label),
		session.WithBus(stateBus),
	)
	group.Go(func() error {
		return injector.Run(groupCtx)
	})
	group.Go(func() error {
		return sess.Run(groupCtx, capt.Events())
	})
	group.Go(func() error {
		for msg := range changes {
			change := msg.Message
			if change.To == session.Connected {
				log.Info("Synchronizing", zap.String("hub", addr), zap.Strings("devices", capt.Devices()))
			}
			if change.To == session.Disconnected && change.Err != nil {
				log.Debug("session down", zap.Uint64("dropped", sess.Dropped()), zap.Error(change.Err))
			}
		}
		return nil
	})
	log.Info("Client started", zap.String("hub", addr), zap.Int("devices", len(capt.Devices())))
	return group.Wait()
}

// ListDevices enumerates the backend's devices and records them in the inventory.
// With history set it returns every device ever recorded instead.
func (a *Agent) ListDevices(ctx context.Context, history bool) ([]inventory.Device, error) {
	var (
		backend devices.Backend
		inv     *inventory.Service
	)
	err := a.container.Invoke(func(b devices.Backend, s *inventory.Service) {
		backend, inv = b, s
	})
	if err != nil {
		return nil, err
	}
	infos, err := backend.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	recorded, err := inv.Record(a.config.Backend, infos)
	if err != nil {
		return nil, err
	}
	if history {
		return inv.List()
	}
	slices.SortFunc(recorded, func(x, y inventory.Device) int {
		switch {
		case x.Path < y.Path:
			return -1
		case x.Path > y.Path:
			return 1
		}
		return 0
	})
	return recorded, nil
}
