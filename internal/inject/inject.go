// Package inject applies remote key actions to the local virtual keyboard.
package inject

import (
	"context"
	"errors"
	"sort"

	"github.com/neuroplastio/keysync/internal/devices"
	"github.com/neuroplastio/keysync/keyapi"
	"go.uber.org/zap"
)

var ErrStopped = errors.New("injector stopped")

type command struct {
	action     keyapi.KeyAction
	releaseAll bool
	done       chan error
}

// Injector is the only writer of its sink. Actions are written one at a time,
// in submission order, without coalescing.
type Injector struct {
	log  *zap.Logger
	sink devices.Sink

	commands chan command
	stopped  chan struct{}
	held     map[keyapi.Code]struct{}
}

func New(log *zap.Logger, sink devices.Sink) *Injector {
	return &Injector{
		log:      log,
		sink:     sink,
		commands: make(chan command),
		stopped:  make(chan struct{}),
		held:     make(map[keyapi.Code]struct{}),
	}
}

// Run writes submitted actions until ctx is done or the sink fails.
// Keys still held when it returns are released first.
func (i *Injector) Run(ctx context.Context) error {
	defer close(i.stopped)
	for {
		select {
		case <-ctx.Done():
			if err := i.releaseAll(); err != nil {
				i.log.Warn("Failed to release held keys", zap.Error(err))
			}
			return nil
		case cmd := <-i.commands:
			var err error
			if cmd.releaseAll {
				err = i.releaseAll()
			} else {
				err = i.write(cmd.action)
			}
			if cmd.done != nil {
				cmd.done <- err
			}
			if err != nil {
				return err
			}
		}
	}
}

func (i *Injector) write(action keyapi.KeyAction) error {
	if err := i.sink.WriteAction(action); err != nil {
		return err
	}
	switch action.Transition {
	case keyapi.Pressed, keyapi.Repeated:
		i.held[action.Code] = struct{}{}
	case keyapi.Released:
		delete(i.held, action.Code)
	}
	i.log.Debug("injected", zap.Stringer("action", action))
	return nil
}

func (i *Injector) releaseAll() error {
	if len(i.held) == 0 {
		return nil
	}
	codes := make([]keyapi.Code, 0, len(i.held))
	for c := range i.held {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(a, b int) bool { return codes[a] < codes[b] })
	i.log.Debug("releasing held keys", zap.Int("count", len(codes)))
	for _, c := range codes {
		if err := i.write(keyapi.KeyAction{Code: c, Transition: keyapi.Released}); err != nil {
			return err
		}
	}
	return nil
}

// Submit hands an action to the injection task, blocking until it is accepted.
func (i *Injector) Submit(ctx context.Context, action keyapi.KeyAction) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-i.stopped:
		return ErrStopped
	case i.commands <- command{action: action}:
		return nil
	}
}

// ReleaseAll releases every key the injector pressed and has not released yet.
// It returns once the releases were written.
func (i *Injector) ReleaseAll(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-i.stopped:
		return ErrStopped
	case i.commands <- command{releaseAll: true, done: done}:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
