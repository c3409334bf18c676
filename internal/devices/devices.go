// Package devices defines the input device capabilities the core consumes:
// enumerating and reading physical keyboards, and writing to a virtual keyboard.
package devices

import (
	"context"
	"errors"
	"fmt"

	"github.com/neuroplastio/keysync/keyapi"
)

// VirtualDeviceName is the name every backend gives the injection device.
const VirtualDeviceName = "KeySync Virtual Keyboard"

type Info struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	Keyboard bool   `json:"keyboard"`
}

type Backend interface {
	ListDevices(ctx context.Context) ([]Info, error)
	// OpenSource opens a device for reading. It fails with a *DeviceError.
	OpenSource(path string) (Source, error)
	// CreateVirtual creates the injection device advertising the given codes.
	// It fails with a *DeviceError.
	CreateVirtual(name string, codes []keyapi.Code) (Sink, error)
}

// Source is an ordered stream of key actions from one device.
// ReadAction blocks until the next action; it returns an error once the device
// is gone or the source was closed.
type Source interface {
	ReadAction() (keyapi.KeyAction, error)
	Close() error
}

// Sink applies key actions to a virtual device. WriteAction emits the event
// followed by whatever synchronization marker the input subsystem requires.
type Sink interface {
	WriteAction(action keyapi.KeyAction) error
	Close() error
}

var ErrUnavailable = errors.New("input subsystem unavailable")

type DeviceError struct {
	Op   string
	Path string
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("device %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("device %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// LocateVirtual returns the enumerated devices carrying the virtual device name.
func LocateVirtual(ctx context.Context, backend Backend, name string) ([]Info, error) {
	all, err := backend.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	var found []Info
	for _, info := range all {
		if info.Name == name {
			found = append(found, info)
		}
	}
	return found, nil
}

// MergeCodes returns the union of the code sets, without duplicates, preserving first occurrence order.
func MergeCodes(sets ...[]keyapi.Code) []keyapi.Code {
	seen := make(map[keyapi.Code]struct{})
	var merged []keyapi.Code
	for _, set := range sets {
		for _, c := range set {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			merged = append(merged, c)
		}
	}
	return merged
}
