package linux

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jochenvg/go-udev"
	"github.com/neuroplastio/keysync/internal/devices"
	"github.com/neuroplastio/keysync/keyapi"
	"github.com/psanford/uhid"
	"github.com/sstallion/go-hid"
	"go.uber.org/zap"
)

const (
	usagePageGenericDesktop = 0x01
	usageKeyboard           = 0x06
)

// HidrawBackend reads boot protocol keyboards through hidraw and injects
// through a uhid boot keyboard. Only codes a boot keyboard carries are supported.
type HidrawBackend struct {
	log *zap.Logger

	initOnce sync.Once
	initErr  error
	udev     *udev.Udev
}

func NewHidrawBackend(log *zap.Logger) *HidrawBackend {
	return &HidrawBackend{
		log:  log,
		udev: &udev.Udev{},
	}
}

func (b *HidrawBackend) init() error {
	b.initOnce.Do(func() {
		b.initErr = hid.Init()
	})
	return b.initErr
}

func (b *HidrawBackend) ListDevices(ctx context.Context) ([]devices.Info, error) {
	if err := b.init(); err != nil {
		return nil, &devices.DeviceError{Op: "list", Err: errors.Join(devices.ErrUnavailable, err)}
	}
	byPath := make(map[string]devices.Info)
	var order []string
	err := hid.Enumerate(hid.VendorIDAny, hid.ProductIDAny, func(info *hid.DeviceInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		keyboard := info.UsagePage == usagePageGenericDesktop && info.Usage == usageKeyboard
		existing, ok := byPath[info.Path]
		if ok {
			existing.Keyboard = existing.Keyboard || keyboard
			byPath[info.Path] = existing
			return nil
		}
		byPath[info.Path] = devices.Info{
			Path:     info.Path,
			Name:     b.deviceName(*info),
			Keyboard: keyboard,
		}
		order = append(order, info.Path)
		return nil
	})
	if err != nil {
		return nil, &devices.DeviceError{Op: "list", Err: err}
	}
	infos := make([]devices.Info, 0, len(order))
	for _, path := range order {
		infos = append(infos, byPath[path])
	}
	return infos, nil
}

// deviceName prefers the kernel's HID_NAME, which is what uhid devices are created with.
func (b *HidrawBackend) deviceName(info hid.DeviceInfo) string {
	dev := b.udev.NewDeviceFromSubsystemSysname("hidraw", filepath.Base(info.Path))
	if dev != nil {
		if parent := dev.Parent(); parent != nil {
			if name := parent.PropertyValue("HID_NAME"); name != "" {
				return name
			}
		}
	}
	return generateName(info)
}

func generateName(device hid.DeviceInfo) string {
	var parts []string
	if device.MfrStr != "" {
		parts = append(parts, device.MfrStr)
	}
	if device.ProductStr != "" {
		parts = append(parts, device.ProductStr)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%04x:%04x", device.VendorID, device.ProductID)
	}
	return strings.Join(parts, " ")
}

func (b *HidrawBackend) OpenSource(path string) (devices.Source, error) {
	if err := b.init(); err != nil {
		return nil, &devices.DeviceError{Op: "open", Path: path, Err: errors.Join(devices.ErrUnavailable, err)}
	}
	dev, err := hid.OpenPath(path)
	if err != nil {
		return nil, openError("open", path, err)
	}
	return &hidrawSource{path: path, dev: dev}, nil
}

func (b *HidrawBackend) CreateVirtual(name string, codes []keyapi.Code) (devices.Sink, error) {
	supported := make(map[keyapi.Code]struct{})
	for _, c := range bootCodes() {
		supported[c] = struct{}{}
	}
	var unsupported int
	for _, c := range codes {
		if _, ok := supported[c]; !ok {
			unsupported++
		}
	}
	if unsupported > 0 {
		b.log.Warn("Boot keyboard cannot carry some codes", zap.Int("count", unsupported))
	}

	dev, err := uhid.NewDevice(name, bootKeyboardDescriptor)
	if err != nil {
		return nil, openError("create", "/dev/uhid", err)
	}
	dev.Data.Bus = 0x03
	dev.Data.VendorID = 0x1
	dev.Data.ProductID = 0x1

	ctx, cancel := context.WithCancel(context.Background())
	events, err := dev.Open(ctx)
	if err != nil {
		cancel()
		return nil, openError("create", "/dev/uhid", err)
	}
	go func() {
		// LED output reports are ignored.
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
			}
		}
	}()
	b.log.Info("Virtual keyboard created", zap.String("name", name))
	return &uhidSink{
		log:    b.log,
		dev:    dev,
		cancel: cancel,
	}, nil
}

type hidrawSource struct {
	path    string
	dev     *hid.Device
	last    bootReport
	pending []keyapi.KeyAction
	buf     [64]byte
}

func (s *hidrawSource) ReadAction() (keyapi.KeyAction, error) {
	for len(s.pending) == 0 {
		n, err := s.dev.Read(s.buf[:])
		if err != nil {
			return keyapi.KeyAction{}, &devices.DeviceError{Op: "read", Path: s.path, Err: err}
		}
		report, ok := parseBootReport(s.buf[:n])
		if !ok || report.rollover() {
			continue
		}
		s.pending = diffBootReports(s.last, report)
		s.last = report
	}
	action := s.pending[0]
	s.pending = s.pending[1:]
	action.At = time.Now()
	return action, nil
}

func (s *hidrawSource) Close() error {
	return s.dev.Close()
}

type uhidSink struct {
	log    *zap.Logger
	dev    *uhid.Device
	cancel context.CancelFunc
	report bootReport
}

func (s *uhidSink) WriteAction(action keyapi.KeyAction) error {
	if !s.report.apply(action) {
		s.log.Debug("Dropping action the boot keyboard cannot carry", zap.Stringer("action", action))
		return nil
	}
	if err := s.dev.InjectEvent(s.report.bytes()); err != nil {
		return &devices.DeviceError{Op: "write", Path: "/dev/uhid", Err: err}
	}
	return nil
}

func (s *uhidSink) Close() error {
	s.cancel()
	return s.dev.Close()
}
