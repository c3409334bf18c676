package linux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/holoplot/go-evdev"
	"github.com/neuroplastio/keysync/internal/devices"
	"github.com/neuroplastio/keysync/keyapi"
	"go.uber.org/zap"
)

// keyboardMarkers are key capabilities that identify a keyboard-like device.
var keyboardMarkers = []evdev.EvCode{
	evdev.KEY_A,
	evdev.KEY_SPACE,
	evdev.KEY_ENTER,
	evdev.BTN_SIDE,
	evdev.BTN_EXTRA,
}

func isKeyboard(name string, codes []evdev.EvCode) bool {
	for _, c := range codes {
		for _, m := range keyboardMarkers {
			if c == m {
				return true
			}
		}
	}
	lower := strings.ToLower(name)
	return strings.Contains(lower, "keyboard") || strings.Contains(lower, "kbd")
}

// EvdevBackend reads /dev/input/event* nodes and injects through uinput.
type EvdevBackend struct {
	log *zap.Logger
}

func NewEvdevBackend(log *zap.Logger) *EvdevBackend {
	return &EvdevBackend{log: log}
}

func (b *EvdevBackend) ListDevices(ctx context.Context) ([]devices.Info, error) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return nil, &devices.DeviceError{Op: "list", Err: errors.Join(devices.ErrUnavailable, err)}
	}
	infos := make([]devices.Info, 0, len(paths))
	for _, p := range paths {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		info := devices.Info{Path: p.Path, Name: p.Name}
		dev, err := evdev.Open(p.Path)
		if err != nil {
			b.log.Debug("cannot inspect device", zap.String("path", p.Path), zap.Error(err))
			info.Keyboard = isKeyboard(p.Name, nil)
			infos = append(infos, info)
			continue
		}
		if name, err := dev.Name(); err == nil && name != "" {
			info.Name = name
		}
		info.Keyboard = isKeyboard(info.Name, dev.CapableEvents(evdev.EV_KEY))
		dev.Close()
		infos = append(infos, info)
	}
	return infos, nil
}

func (b *EvdevBackend) OpenSource(path string) (devices.Source, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, openError("open", path, err)
	}
	return &evdevSource{dev: dev}, nil
}

func (b *EvdevBackend) CreateVirtual(name string, codes []keyapi.Code) (devices.Sink, error) {
	evCodes := make([]evdev.EvCode, 0, len(codes))
	for _, c := range codes {
		evCodes = append(evCodes, evdev.EvCode(c))
	}
	dev, err := evdev.CreateDevice(name, evdev.InputID{
		BusType: 0x06,
		Vendor:  0x1,
		Product: 0x1,
		Version: 1,
	}, map[evdev.EvType][]evdev.EvCode{
		evdev.EV_KEY: evCodes,
	})
	if err != nil {
		return nil, openError("create", "/dev/uinput", err)
	}
	b.log.Info("Virtual keyboard created", zap.String("name", name), zap.Int("codes", len(evCodes)))
	return &evdevSink{dev: dev}, nil
}

func openError(op, path string, err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		err = fmt.Errorf("%w: %w", devices.ErrUnavailable, err)
	}
	return &devices.DeviceError{Op: op, Path: path, Err: err}
}

type evdevSource struct {
	dev *evdev.InputDevice
}

func (s *evdevSource) ReadAction() (keyapi.KeyAction, error) {
	for {
		ev, err := s.dev.ReadOne()
		if err != nil {
			return keyapi.KeyAction{}, &devices.DeviceError{Op: "read", Path: s.dev.Path(), Err: err}
		}
		if ev.Type != evdev.EV_KEY {
			continue
		}
		t, ok := keyapi.TransitionFromValue(ev.Value)
		if !ok {
			continue
		}
		return keyapi.NewKeyAction(keyapi.Code(ev.Code), t, time.Now()), nil
	}
}

func (s *evdevSource) Close() error {
	return s.dev.Close()
}

type evdevSink struct {
	dev *evdev.InputDevice
}

func (s *evdevSink) WriteAction(action keyapi.KeyAction) error {
	err := s.dev.WriteOne(&evdev.InputEvent{
		Type:  evdev.EV_KEY,
		Code:  evdev.EvCode(action.Code),
		Value: action.Transition.Value(),
	})
	if err != nil {
		return &devices.DeviceError{Op: "write", Path: s.dev.Path(), Err: err}
	}
	err = s.dev.WriteOne(&evdev.InputEvent{
		Type: evdev.EV_SYN,
		Code: evdev.SYN_REPORT,
	})
	if err != nil {
		return &devices.DeviceError{Op: "sync", Path: s.dev.Path(), Err: err}
	}
	return nil
}

func (s *evdevSink) Close() error {
	return s.dev.Close()
}
